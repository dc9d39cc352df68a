package parser

import (
	"regexp"
	"strings"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/mail"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SelfName is what parsers record when the mailbox owner is a party.
const SelfName = "You"

var (
	placeholderNames = map[string]bool{
		"cash app":         true,
		"cashapp":          true,
		"noreply":          true,
		"noreply@cash.app": true,
		"unknown":          true,
		"you":              true,
	}

	vendorWords = map[string]bool{
		"cash":     true,
		"cashapp":  true,
		"cash.me":  true,
		"square":   true,
		"noreply":  true,
		"no-reply": true,
		"support":  true,
		"receipt":  true,
		"receipts": true,
		"help":     true,
		"venmo":    true,
		"paypal":   true,
		"zelle":    true,
	}

	partyStopWords = map[string]bool{
		"you":     true,
		"your":    true,
		"me":      true,
		"cash":    true,
		"balance": true,
		"view":    true,
		"receipt": true,
		"visit":   true,
		"url":     true,
	}

	// Words that make a capitalized line a heading rather than a person.
	headingWords = map[string]bool{
		"payment": true, "payments": true, "receipt": true, "received": true,
		"sent": true, "completed": true, "transaction": true, "details": true,
		"balance": true, "deposited": true, "view": true, "support": true,
		"privacy": true, "policy": true, "terms": true, "amount": true,
		"total": true, "sender": true, "recipient": true, "status": true,
		"date": true, "hello": true, "hi": true, "dear": true, "from": true,
		"to": true, "subject": true, "forwarded": true, "message": true,
		"original": true, "cash": true, "app": true, "square": true,
		"request": true, "requested": true, "refund": true, "note": true,
	}

	ownerLineSkips = []string{"http", "cash.app", "to report a problem", "transaction details", "payment between", "today", "yesterday"}

	nameTags        = regexp.MustCompile(`<[^>]*>`)
	nameBoilerplate = regexp.MustCompile(`(?i)\b(?:privacy policy|terms|support|url)\b.*$`)
	nameIllegal     = regexp.MustCompile(`[^\p{L}\p{N}\s.'\-]`)
	nameSpaces      = regexp.MustCompile(`\s+`)
	nameLetters     = regexp.MustCompile(`\p{L}{2,}`)
	ownerLine       = regexp.MustCompile(`^\p{Lu}[\p{L}.'\-]+(?:\s+\p{Lu}[\p{L}.'\-]+){1,3}$`)
	localPartSeps   = regexp.MustCompile(`[._+\-]+`)

	titleCaser = cases.Title(language.English)
)

// IsPlaceholder reports whether name stands in for an unknown party.
func IsPlaceholder(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return n == "" || placeholderNames[n]
}

func cleanName(s string) string {
	s = nameTags.ReplaceAllString(s, " ")
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = nameBoilerplate.ReplaceAllString(s, "")
	s = nameIllegal.ReplaceAllString(s, "")
	s = nameSpaces.ReplaceAllString(s, " ")
	return strings.Trim(s, " .-'")
}

func isValidName(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 2 || strings.Contains(s, "@") {
		return false
	}
	return nameLetters.MatchString(s)
}

func isVendor(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "cash app" || strings.HasPrefix(lower, "cash app ") {
		return true
	}
	for _, w := range strings.Fields(lower) {
		if vendorWords[w] {
			return true
		}
	}
	return false
}

// acceptParty is the Accept hook for sender and recipient rules.
func acceptParty(s string) bool {
	return isValidName(s) && !partyStopWords[strings.ToLower(s)]
}

func isHeading(line string) bool {
	for _, w := range strings.Fields(strings.ToLower(line)) {
		if headingWords[strings.Trim(w, ".:'")] {
			return true
		}
	}
	return false
}

func nameFromLocalPart(addr string) string {
	at := strings.IndexByte(addr, '@')
	if at <= 0 {
		return ""
	}
	local := strings.TrimSpace(localPartSeps.ReplaceAllString(addr[:at], " "))
	if !isValidName(local) {
		return ""
	}
	return titleCaser.String(local)
}

// ownerCandidate is a resolved mailbox owner and the evidence it came from.
type ownerCandidate struct {
	Name string
	Rule string
}

// resolveOwner guesses the mailbox owner's name: a capitalized greeting-style
// line near the top of the body, then the mailboxes. A forwarded message was
// sent by the owner, so From is tried before To; otherwise To comes first.
func resolveOwner(msg *mail.Message, body string) (ownerCandidate, bool) {
	checked := 0
	for _, line := range strings.Split(body+"\n"+msg.Subject(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if checked++; checked > 10 {
			break
		}
		lower := strings.ToLower(line)
		if containsAny(lower, ownerLineSkips) {
			continue
		}
		if ownerLine.MatchString(line) && !isHeading(line) && !isVendor(line) {
			return ownerCandidate{Name: cleanName(line), Rule: "body-line"}, true
		}
	}

	type mailbox struct {
		rule string
		get  func() (string, string)
	}
	order := []mailbox{{"to-header", msg.ToAddress}, {"from-header", msg.FromAddress}}
	if forwardMarker.MatchString(body) {
		order[0], order[1] = order[1], order[0]
	}
	for _, hdr := range order {
		name, addr := hdr.get()
		if n := cleanName(name); isValidName(n) && !isVendor(n) {
			return ownerCandidate{Name: n, Rule: hdr.rule + "-name"}, true
		}
		if n := nameFromLocalPart(addr); n != "" && !isVendor(n) {
			return ownerCandidate{Name: n, Rule: hdr.rule + "-local-part"}, true
		}
	}
	return ownerCandidate{}, false
}

// substituteOwner replaces placeholder parties with the resolved owner.
func substituteOwner(tx *domain.ParsedTransaction, msg *mail.Message, body string) {
	senderPH := tx.Sender != "" && IsPlaceholder(tx.Sender)
	recipientPH := tx.Recipient != "" && IsPlaceholder(tx.Recipient)
	if !senderPH && !recipientPH {
		return
	}
	owner, ok := resolveOwner(msg, body)
	if !ok {
		return
	}
	prov := domain.Provenance{Source: domain.SourceAccountOwnerSubstitution, Rule: owner.Rule}
	if senderPH {
		tx.Sender = owner.Name
		tx.SetProvenance(domain.FieldSender, prov)
	}
	if recipientPH {
		tx.Recipient = owner.Name
		tx.SetProvenance(domain.FieldRecipient, prov)
	}
}

// headerFallback fills missing parties from the From and To mailboxes.
func headerFallback(tx *domain.ParsedTransaction, msg *mail.Message) {
	if tx.Sender == "" {
		name, addr := msg.FromAddress()
		if n := cleanName(name); isValidName(n) {
			tx.Sender = n
			tx.SetProvenance(domain.FieldSender, domain.Provenance{Source: domain.SourceHeaderFallback, Rule: "from-header-name"})
		} else if n := nameFromLocalPart(addr); n != "" {
			tx.Sender = n
			tx.SetProvenance(domain.FieldSender, domain.Provenance{Source: domain.SourceHeaderFallback, Rule: "from-header-local-part"})
		}
	}
	if tx.Recipient == "" {
		name, addr := msg.ToAddress()
		if n := cleanName(name); isValidName(n) {
			tx.Recipient = n
			tx.SetProvenance(domain.FieldRecipient, domain.Provenance{Source: domain.SourceHeaderFallback, Rule: "to-header-name"})
		} else if n := nameFromLocalPart(addr); n != "" {
			tx.Recipient = n
			tx.SetProvenance(domain.FieldRecipient, domain.Provenance{Source: domain.SourceHeaderFallback, Rule: "to-header-local-part"})
		}
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
