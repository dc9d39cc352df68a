package notionsync

import (
	"strings"
	"time"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/mailtx/internal/domain"
)

// Property names of the mirrored transactions database.
const (
	PropDescription       = "Description"
	PropKey               = "Transaction Key"
	PropTransactionNumber = "Transaction Number"
	PropDate              = "Date"
	PropAmount            = "Amount"
	PropCurrency          = "Currency"
	PropProvider          = "Provider"
	PropPaidBy            = "Paid By"
	PropPaidTo            = "Paid To"
	PropStatus            = "Status"
	PropType              = "Type"
	PropUser              = "User"
)

// Key is the stored uniqueness key of tx, as written to PropKey.
func Key(tx domain.Transaction) string {
	return strings.Join([]string{tx.UserID, tx.Provider, tx.TransactionNumber}, "|")
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{
		Type: notionapi.ObjectTypeText,
		Text: &notionapi.Text{Content: s},
	}}
}

// title picks the page title: the description, else the subject, else the
// transaction number.
func title(tx domain.Transaction) string {
	for _, s := range []string{tx.Description, tx.Subject} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return tx.TransactionNumber
}

// TransactionProperties converts a stored transaction to Notion properties.
// Empty optional fields are left out so that edits made in Notion survive.
func TransactionProperties(tx domain.Transaction) notionapi.Properties {
	amount, _ := tx.Amount.Float64()
	currency := tx.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	props := notionapi.Properties{
		PropDescription:       notionapi.TitleProperty{Title: richText(title(tx))},
		PropKey:               notionapi.RichTextProperty{RichText: richText(Key(tx))},
		PropTransactionNumber: notionapi.RichTextProperty{RichText: richText(tx.TransactionNumber)},
		PropAmount:            notionapi.NumberProperty{Number: amount},
		PropCurrency:          notionapi.SelectProperty{Select: notionapi.Option{Name: currency}},
	}

	if tx.OccurredAt != nil {
		d := notionapi.Date(tx.OccurredAt.UTC())
		props[PropDate] = notionapi.DateProperty{Date: &notionapi.DateObject{Start: &d}}
	}
	if tx.Provider != "" {
		props[PropProvider] = notionapi.SelectProperty{Select: notionapi.Option{Name: tx.Provider}}
	}
	if tx.Status != "" {
		props[PropStatus] = notionapi.SelectProperty{Select: notionapi.Option{Name: tx.Status}}
	}
	if tx.Type != "" {
		props[PropType] = notionapi.SelectProperty{Select: notionapi.Option{Name: tx.Type}}
	}
	if tx.Sender != "" {
		props[PropPaidBy] = notionapi.RichTextProperty{RichText: richText(tx.Sender)}
	}
	if tx.Recipient != "" {
		props[PropPaidTo] = notionapi.RichTextProperty{RichText: richText(tx.Recipient)}
	}
	if tx.UserID != "" {
		props[PropUser] = notionapi.RichTextProperty{RichText: richText(tx.UserID)}
	}
	return props
}

// pageKey reads PropKey back from a queried page.
func pageKey(page notionapi.Page) string {
	prop, ok := page.Properties[PropKey]
	if !ok {
		return ""
	}
	rt, ok := prop.(*notionapi.RichTextProperty)
	if !ok || len(rt.RichText) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range rt.RichText {
		if r.PlainText != "" {
			b.WriteString(r.PlainText)
		} else if r.Text != nil {
			b.WriteString(r.Text.Content)
		}
	}
	return b.String()
}

// pageDate reads PropDate back from a queried page.
func pageDate(page notionapi.Page) (time.Time, bool) {
	prop, ok := page.Properties[PropDate]
	if !ok {
		return time.Time{}, false
	}
	dp, ok := prop.(*notionapi.DateProperty)
	if !ok || dp.Date == nil || dp.Date.Start == nil {
		return time.Time{}, false
	}
	return time.Time(*dp.Date.Start), true
}
