// Package parser turns payment-notification emails into ParsedTransactions.
//
// A Chain holds parsers in fixed priority order. The first parser whose
// CanHandle accepts a message is the only one asked to Extract it, and every
// extraction passes the same validation gate before it leaves the chain.
package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/mail"
)

var (
	// ErrNoParser is returned when no parser claims a message.
	ErrNoParser = errors.New("no parser found")
	// ErrParseFailed wraps every extraction failure.
	ErrParseFailed = errors.New("failed to parse transaction")

	ErrNoAmount            = fmt.Errorf("%w: no amount", ErrParseFailed)
	ErrNoTransactionNumber = fmt.Errorf("%w: no transaction number", ErrParseFailed)
	ErrNoParty             = fmt.Errorf("%w: could not extract sender or recipient", ErrParseFailed)
	ErrInvalid             = fmt.Errorf("%w: validation failed", ErrParseFailed)
)

// Parser extracts a transaction from one provider's messages.
type Parser interface {
	Name() string
	CanHandle(msg *mail.Message) bool
	Extract(msg *mail.Message) (*domain.ParsedTransaction, error)
}

// Result is the explicit outcome of running the chain over one message.
type Result struct {
	Parser      string
	Transaction *domain.ParsedTransaction
	Err         error
}

// OK reports whether the message produced a valid transaction.
func (r Result) OK() bool { return r.Err == nil && r.Transaction != nil }

// Chain is an ordered parser registry. Build it once at start-up and share it.
type Chain struct {
	parsers []Parser
}

// NewChain returns a chain trying parsers in the given order.
func NewChain(parsers ...Parser) *Chain {
	return &Chain{parsers: append([]Parser(nil), parsers...)}
}

// DefaultChain is the provider parser followed by the generic fallback.
func DefaultChain(opts ...GenericOption) *Chain {
	return NewChain(NewCashAppParser(), NewGenericParser(opts...))
}

// Names lists parser names in priority order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.parsers))
	for _, p := range c.parsers {
		names = append(names, p.Name())
	}
	return names
}

// Select returns the first parser that claims msg, or nil.
func (c *Chain) Select(msg *mail.Message) Parser {
	for _, p := range c.parsers {
		if p.CanHandle(msg) {
			return p
		}
	}
	return nil
}

// Parse runs the selected parser and the validation gate. A panic inside a
// parser is reported as that message's failure.
func (c *Chain) Parse(msg *mail.Message) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Transaction = nil
			res.Err = fmt.Errorf("%w: panic in %s parser: %v", ErrParseFailed, res.Parser, r)
		}
	}()

	p := c.Select(msg)
	if p == nil {
		res.Err = ErrNoParser
		return res
	}
	res.Parser = p.Name()

	tx, err := p.Extract(msg)
	if err != nil {
		res.Err = err
		return res
	}
	if err := Validate(tx); err != nil {
		res.Err = err
		return res
	}
	res.Transaction = tx
	return res
}

// Validate is the gate every parser output passes.
func Validate(tx *domain.ParsedTransaction) error {
	if tx == nil {
		return fmt.Errorf("%w: empty result", ErrInvalid)
	}
	var missing []string
	if strings.TrimSpace(tx.TransactionNumber) == "" {
		missing = append(missing, "transaction number")
	}
	if strings.TrimSpace(tx.Sender) == "" {
		missing = append(missing, "sender")
	}
	if !tx.Amount.IsPositive() {
		missing = append(missing, "positive amount")
	}
	if strings.TrimSpace(tx.Provider) == "" {
		missing = append(missing, "provider")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}
