package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/mail"
)

// DefaultKeywordThreshold is how many distinct payment keywords a message
// needs before the generic parser claims it.
const DefaultKeywordThreshold = 2

var (
	paymentKeywords = []string{
		"payment", "transaction", "transfer", "sent", "received", "paid",
		"amount", "total", "$", "usd", "receipt", "deposit", "refund",
	}

	knownProviders = []string{"venmo", "zelle", "paypal", "square"}

	genericAmountRules = RuleTable{labelledAmountRule, totalAmountRule, dollarAmountRule, usdSuffixAmountRule}

	genericSenderRules    = cashSenderRules.Only("sender-label", "you-sent", "name-sent-you", "sent-by-name", "from-name")
	genericRecipientRules = cashRecipientRules.Only("recipient-label", "you-sent-to", "sent-you", "to-name")

	domainLabel = regexp.MustCompile(`@([A-Za-z0-9-]+\.)*([A-Za-z0-9-]+)\.[A-Za-z]{2,}$`)
)

// GenericParser is the fallback for payment emails from any provider.
type GenericParser struct {
	threshold int
	excluded  []string
}

// GenericOption configures a GenericParser.
type GenericOption func(*GenericParser)

// WithKeywordThreshold sets the distinct-keyword count needed to claim a message.
func WithKeywordThreshold(n int) GenericOption {
	return func(p *GenericParser) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithExcludedSenders replaces the sender addresses the parser never claims.
func WithExcludedSenders(senders ...string) GenericOption {
	return func(p *GenericParser) {
		p.excluded = nil
		for _, s := range senders {
			p.excluded = append(p.excluded, strings.ToLower(s))
		}
	}
}

// NewGenericParser returns the fallback parser. Cash App's own sender is
// excluded by default.
func NewGenericParser(opts ...GenericOption) *GenericParser {
	p := &GenericParser{threshold: DefaultKeywordThreshold, excluded: []string{"cash@square.com"}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GenericParser) Name() string { return "generic" }

func (p *GenericParser) CanHandle(msg *mail.Message) bool {
	from := strings.ToLower(msg.From())
	if containsAny(from, p.excluded) {
		return false
	}
	text := strings.ToLower(msg.Subject() + " " + msg.TextBody())
	hits := 0
	for _, kw := range paymentKeywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	return hits >= p.threshold
}

func (p *GenericParser) Extract(msg *mail.Message) (*domain.ParsedTransaction, error) {
	subject := msg.Subject()
	body := normalizeNewlines(msg.TextBody())
	content := body + "\n" + subject

	_, fromAddr := msg.FromAddress()
	tx := &domain.ParsedTransaction{Provider: providerFromAddress(fromAddr), Currency: domain.DefaultCurrency}

	m, ok := genericAmountRules.First(content)
	if !ok {
		return nil, fmt.Errorf("GenericParser.Extract: %w", ErrNoAmount)
	}
	amount, err := ParseAmount(m.Value)
	if err != nil {
		return nil, fmt.Errorf("GenericParser.Extract: parsing amount %q: %w", m.Value, err)
	}
	tx.Amount = amount
	tx.SetProvenance(domain.FieldAmount, m.Provenance(false))

	if s, ok := genericSenderRules.First(content); ok {
		tx.Sender = s.Value
		tx.SetProvenance(domain.FieldSender, s.Provenance(false))
	}
	if r, ok := genericRecipientRules.First(content); ok {
		tx.Recipient = r.Value
		tx.SetProvenance(domain.FieldRecipient, r.Provenance(false))
	}

	if n, ok := genericNumberRules.First(content); ok {
		tx.TransactionNumber = n.Value
		tx.SetProvenance(domain.FieldTransactionNumber, n.Provenance(false))
	} else if html := normalizeNewlines(msg.HTMLText()); html != "" {
		if n, ok := genericNumberRules.First(html); ok {
			tx.TransactionNumber = n.Value
			tx.SetProvenance(domain.FieldTransactionNumber, n.Provenance(true))
		}
	}

	headerFallback(tx, msg)
	substituteOwner(tx, msg, body)

	if tx.TransactionNumber == "" {
		return nil, fmt.Errorf("GenericParser.Extract: %w", ErrNoTransactionNumber)
	}

	if t, rule, ok := parseForwardedDate(body); ok {
		tx.OccurredAt = &t
		tx.SetProvenance(domain.FieldOccurredAt, domain.Provenance{Source: domain.SourcePatternHeuristic, Rule: rule})
	}

	classify(tx, content, subject)
	return tx, nil
}

// providerFromAddress names the provider from the sender address: a known
// payment brand, else the registrable domain label.
func providerFromAddress(addr string) string {
	lower := strings.ToLower(addr)
	for _, p := range knownProviders {
		if strings.Contains(lower, p) {
			return p
		}
	}
	if sm := domainLabel.FindStringSubmatch(lower); sm != nil {
		return sm[2]
	}
	return "unknown"
}
