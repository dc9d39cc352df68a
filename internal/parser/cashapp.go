package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/mail"
)

// CashAppProvider is the provider tag for Cash App notifications.
const CashAppProvider = "cashapp"

var (
	cashIndicators = []string{"cash@square.com", "cash app", "cashapp", "square cash", "$cashtag"}

	cashPromoKeywords = []string{
		"bitcoin boost", "cash card offer", "limited time", "promotion", "promo code",
		"invite friends", "referral", "sweepstakes", "giveaway", "unsubscribe from offers",
		"% off", "bonus", "get $", "earn $",
	}

	cashSubjectPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\$\s?[0-9][0-9,]*(?:\.[0-9]+)?`),
		regexp.MustCompile(`(?i)\b(?:sent|received|paid|requested)\b.*\bcash\b`),
		regexp.MustCompile(`(?i)\bpayment\s+(?:received|sent|completed)\b`),
		regexp.MustCompile(`(?i)\bsent\s+you\b`),
	}

	cashBodyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)payment\s+between`),
		regexp.MustCompile(`(?i)#D-[A-Za-z0-9-]{4,}`),
		regexp.MustCompile(`(?i)cash\.app/payments/`),
	}
)

const partyName = `(\p{Lu}[\p{L}.'\-]*(?:[ \t]+\p{Lu}[\p{L}.'\-]*){0,4})`

var (
	cashAmountRules = RuleTable{dollarAmountRule, usdSuffixAmountRule}

	paymentBlock = regexp.MustCompile(`(?is)payment\s+between[:\s]*.*?recipient[:\s]*([^\n]+).*?sender[:\s]*([^\n]+)`)

	cashSenderRules = RuleTable{
		{
			Name:    "you-were-sent-by",
			Pattern: regexp.MustCompile(`(?i)you\s+were\s+sent\s+\$[0-9][0-9,]*(?:\.[0-9]+)?\s+by\s+([^\n.,!]+?)(?:\s+to\s+view\b|[.,!\n]|$)`),
			Group:   1,
			Source:  domain.SourcePatternHeuristic,
			Clean:   cleanName,
			Accept:  acceptParty,
		},
		{
			Name:    "sender-label",
			Pattern: regexp.MustCompile(`(?im)^[ \t]*(?:sender|paid by)[ \t]*:[ \t]*([^\n]+)`),
			Group:   1,
			Source:  domain.SourceExplicitLabel,
			Clean:   cleanName,
			Accept:  acceptParty,
		},
		{
			Name:    "you-sent",
			Pattern: regexp.MustCompile(`(?i)\byou\s+(?:sent|paid)\s+\$`),
			Source:  domain.SourcePatternHeuristic,
			Fixed:   SelfName,
		},
		{
			Name:    "name-sent-you",
			Pattern: regexp.MustCompile(`(?m)(?:^|[.!?][ \t]+)` + partyName + `[ \t]+(?:sent|paid)[ \t]+you\b`),
			Group:   1,
			Source:  domain.SourcePatternHeuristic,
			Clean:   cleanName,
			Accept:  acceptParty,
		},
		{
			Name:    "name-requested",
			Pattern: regexp.MustCompile(`(?m)(?:^|[.!?][ \t]+)` + partyName + `[ \t]+requested\b`),
			Group:   1,
			Source:  domain.SourcePatternHeuristic,
			Clean:   cleanName,
			Accept:  acceptParty,
		},
		{
			Name:    "from-name",
			Pattern: regexp.MustCompile(`\b[Ff]rom[ \t]+` + partyName),
			Group:   1,
			Source:  domain.SourcePatternHeuristic,
			Clean:   cleanName,
			Accept:  acceptParty,
		},
		{
			Name:    "sent-by-name",
			Pattern: regexp.MustCompile(`\b(?i:sent[ \t]+by)[ \t]+` + partyName),
			Group:   1,
			Source:  domain.SourcePatternHeuristic,
			Clean:   cleanName,
			Accept:  acceptParty,
		},
	}

	cashRecipientRules = RuleTable{
		{
			Name:    "you-sent-to",
			Pattern: regexp.MustCompile(`(?i)you\s+(?:sent|paid)\s+\$[0-9][0-9,]*(?:\.[0-9]+)?\s+to\s+([^\n]+?)(?:\s+for\b|[.!]|\n|$)`),
			Group:   1,
			Source:  domain.SourcePatternHeuristic,
			Clean:   cleanName,
			Accept:  acceptParty,
		},
		{
			Name:    "sent-you",
			Pattern: regexp.MustCompile(`(?i)\b(?:sent|paid)\s+you\s+\$|\byou\s+were\s+sent\s+\$|\byou\s+received\s+\$`),
			Source:  domain.SourcePatternHeuristic,
			Fixed:   SelfName,
		},
		{
			Name:    "recipient-label",
			Pattern: regexp.MustCompile(`(?im)^[ \t]*(?:recipient|paid to)[ \t]*:[ \t]*([^\n]+)`),
			Group:   1,
			Source:  domain.SourceExplicitLabel,
			Clean:   cleanName,
			Accept:  acceptParty,
		},
		{
			Name:    "name-received",
			Pattern: regexp.MustCompile(`(?m)(?:^|[.!?][ \t]+)` + partyName + `[ \t]+received[ \t]+\$`),
			Group:   1,
			Source:  domain.SourcePatternHeuristic,
			Clean:   cleanName,
			Accept:  acceptParty,
		},
		{
			Name:    "to-name",
			Pattern: regexp.MustCompile(`\b(?i:sent|paid)[ \t]+(?:\$[0-9][0-9,.]*[ \t]+)?to[ \t]+` + partyName),
			Group:   1,
			Source:  domain.SourcePatternHeuristic,
			Clean:   cleanName,
			Accept:  acceptParty,
		},
	}

	cashDepositRules = RuleTable{
		{
			Name:    "cash-balance",
			Pattern: regexp.MustCompile(`(?i)\bcash\s+balance\b`),
			Source:  domain.SourceExplicitLabel,
			Fixed:   "Cash balance",
		},
		{
			Name:    "deposited-to",
			Pattern: regexp.MustCompile(`(?i)deposited\s+to[:\s]+([A-Za-z][A-Za-z0-9 '&.\-]*)`),
			Group:   1,
			Source:  domain.SourceExplicitLabel,
		},
	}

	statusRules = RuleTable{
		{Name: "completed", Pattern: regexp.MustCompile(`(?i)\bcompleted\b`), Source: domain.SourcePatternHeuristic, Fixed: domain.StatusCompleted},
		{Name: "failed", Pattern: regexp.MustCompile(`(?i)\b(?:payment|transfer)\s+(?:has\s+)?failed\b|\bfailed\s+(?:payment|transfer)\b`), Source: domain.SourcePatternHeuristic, Fixed: domain.StatusFailed},
		{Name: "canceled", Pattern: regexp.MustCompile(`(?i)\bcancell?ed\b`), Source: domain.SourcePatternHeuristic, Fixed: domain.StatusCanceled},
		{Name: "pending", Pattern: regexp.MustCompile(`(?i)\bpending\b`), Source: domain.SourcePatternHeuristic, Fixed: domain.StatusPending},
	}

	typeRules = RuleTable{
		{Name: "request", Pattern: regexp.MustCompile(`(?i)payment\s+request|requested\s+(?:a\s+)?(?:payment|\$)`), Source: domain.SourcePatternHeuristic, Fixed: domain.TypeRequest},
		{Name: "refund", Pattern: regexp.MustCompile(`(?i)\brefund`), Source: domain.SourcePatternHeuristic, Fixed: domain.TypeRefund},
		{Name: "received", Pattern: regexp.MustCompile(`(?i)\b(?:sent|paid)\s+you\b|\byou\s+were\s+sent\b|\byou\s+received\b|\bpayment\s+received\b`), Source: domain.SourcePatternHeuristic, Fixed: domain.TypeReceived},
		{Name: "sent", Pattern: regexp.MustCompile(`(?i)\byou\s+(?:sent|paid)\b`), Source: domain.SourcePatternHeuristic, Fixed: domain.TypeSent},
	}
)

// CashAppParser handles Cash App receipts, including ones forwarded by the
// mailbox owner.
type CashAppParser struct{}

// NewCashAppParser returns the Cash App parser.
func NewCashAppParser() *CashAppParser { return &CashAppParser{} }

func (p *CashAppParser) Name() string { return CashAppProvider }

// CanHandle accepts a message when it carries a Cash App signal and no
// promotional keyword.
func (p *CashAppParser) CanHandle(msg *mail.Message) bool {
	subject := strings.ToLower(msg.Subject())
	body := strings.ToLower(msg.TextBody())

	if containsAny(subject, cashPromoKeywords) || containsAny(body, cashPromoKeywords) {
		return false
	}

	from := strings.ToLower(msg.From())
	if containsAny(from, cashIndicators) || containsAny(subject, cashIndicators) || containsAny(body, cashIndicators) {
		return true
	}
	if forwardMarker.MatchString(body) && strings.Contains(body, "cash") {
		return true
	}
	if strings.Contains(from, "square") {
		for _, re := range cashSubjectPatterns {
			if re.MatchString(msg.Subject()) {
				return true
			}
		}
	}
	for _, re := range cashBodyPatterns {
		if re.MatchString(body) {
			return true
		}
	}
	return false
}

// Extract pulls a transaction out of a Cash App message. Only the forwarded
// section is searched when one is present.
func (p *CashAppParser) Extract(msg *mail.Message) (*domain.ParsedTransaction, error) {
	subject := msg.Subject()
	section := forwardedSection(normalizeNewlines(msg.TextBody()))
	content := section + "\n" + subject

	tx := &domain.ParsedTransaction{Provider: CashAppProvider, Currency: domain.DefaultCurrency}

	m, ok := cashAmountRules.First(content)
	if !ok {
		return nil, fmt.Errorf("CashAppParser.Extract: %w", ErrNoAmount)
	}
	amount, err := ParseAmount(m.Value)
	if err != nil {
		return nil, fmt.Errorf("CashAppParser.Extract: parsing amount %q: %w", m.Value, err)
	}
	tx.Amount = amount
	tx.SetProvenance(domain.FieldAmount, m.Provenance(false))

	p.extractParties(tx, section, subject, false)
	if n, ok := findCashTransactionNumber(section); ok {
		tx.TransactionNumber = n.Value
		tx.SetProvenance(domain.FieldTransactionNumber, n.Provenance(false))
	}

	if (tx.TransactionNumber == "" || IsPlaceholder(tx.Sender)) && strings.TrimSpace(msg.HTML()) != "" {
		p.htmlFallback(tx, msg, subject)
	}

	headerFallback(tx, msg)
	substituteOwner(tx, msg, section)

	if tx.TransactionNumber == "" {
		return nil, fmt.Errorf("CashAppParser.Extract: %w", ErrNoTransactionNumber)
	}
	if tx.Sender == "" || tx.Recipient == "" {
		return nil, fmt.Errorf("CashAppParser.Extract: %w", ErrNoParty)
	}

	if d, ok := cashDepositRules.First(section); ok {
		tx.DepositTarget = d.Value
		tx.SetProvenance(domain.FieldDepositTarget, d.Provenance(false))
	} else {
		tx.DepositTarget = "Cash balance"
		tx.SetProvenance(domain.FieldDepositTarget, domain.Provenance{Source: domain.SourceDefault})
	}

	if t, rule, ok := parseForwardedDate(section); ok {
		tx.OccurredAt = &t
		tx.SetProvenance(domain.FieldOccurredAt, domain.Provenance{Source: domain.SourcePatternHeuristic, Rule: rule})
	}

	classify(tx, content, subject)
	return tx, nil
}

// extractParties fills sender and recipient, starting with the structured
// "Payment between" block.
func (p *CashAppParser) extractParties(tx *domain.ParsedTransaction, section, subject string, fromHTML bool) {
	content := section + "\n" + subject

	if sm := paymentBlock.FindStringSubmatch(section); sm != nil {
		prov := domain.Provenance{Source: domain.SourcePaymentBlock, Rule: "payment-between", FromHTML: fromHTML}
		if r := cleanName(sm[1]); acceptParty(r) && IsPlaceholder(tx.Recipient) {
			tx.Recipient = r
			tx.SetProvenance(domain.FieldRecipient, prov)
		}
		if s := cleanName(sm[2]); acceptParty(s) && IsPlaceholder(tx.Sender) {
			tx.Sender = s
			tx.SetProvenance(domain.FieldSender, prov)
		}
	}

	if IsPlaceholder(tx.Sender) {
		if m, ok := cashSenderRules.First(content); ok && (tx.Sender == "" || !IsPlaceholder(m.Value)) {
			tx.Sender = m.Value
			tx.SetProvenance(domain.FieldSender, m.Provenance(fromHTML))
		}
	}
	if IsPlaceholder(tx.Recipient) {
		if m, ok := cashRecipientRules.First(content); ok && (tx.Recipient == "" || !IsPlaceholder(m.Value)) {
			tx.Recipient = m.Value
			tx.SetProvenance(domain.FieldRecipient, m.Provenance(fromHTML))
		}
	}
}

func (p *CashAppParser) htmlFallback(tx *domain.ParsedTransaction, msg *mail.Message, subject string) {
	section := forwardedSection(normalizeNewlines(msg.HTMLText()))
	if tx.TransactionNumber == "" {
		if n, ok := findCashTransactionNumber(section); ok {
			tx.TransactionNumber = n.Value
			tx.SetProvenance(domain.FieldTransactionNumber, n.Provenance(true))
		}
	}
	p.extractParties(tx, section, subject, true)
}

// classify sets status, type and description. Both parsers share it.
func classify(tx *domain.ParsedTransaction, content, subject string) {
	if s, ok := statusRules.First(content); ok {
		tx.Status = s.Value
		tx.SetProvenance(domain.FieldStatus, s.Provenance(false))
	} else {
		tx.Status = domain.StatusCompleted
		tx.SetProvenance(domain.FieldStatus, domain.Provenance{Source: domain.SourceDefault})
	}

	if t, ok := typeRules.First(content); ok {
		tx.Type = t.Value
		tx.SetProvenance(domain.FieldType, t.Provenance(false))
	} else {
		tx.Type = domain.TypeTransfer
		tx.SetProvenance(domain.FieldType, domain.Provenance{Source: domain.SourceDefault})
	}

	if d, ok := descriptionRules.First(content); ok {
		tx.Description = d.Value
		tx.SetProvenance(domain.FieldDescription, d.Provenance(false))
	} else if subject != "" {
		tx.Description = strings.TrimSpace(subject)
		tx.SetProvenance(domain.FieldDescription, domain.Provenance{Source: domain.SourceHeaderFallback, Rule: "subject"})
	}
}
