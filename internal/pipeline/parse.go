package pipeline

import (
	"fmt"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/mail"
	"github.com/dvloznov/mailtx/internal/normalizer"
	"github.com/dvloznov/mailtx/internal/parser"
)

// ParseOutcome is the result of running one raw message through the chain.
type ParseOutcome struct {
	MessageID   string              `json:"message_id"`
	Subject     string              `json:"subject"`
	Parser      string              `json:"parser,omitempty"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// ParseMessage parses raw as an RFC 822 message and runs it through chain
// and the normalizer. Only an unreadable message is an error; a parser
// rejection is reported in the outcome.
func ParseMessage(chain *parser.Chain, raw []byte, env normalizer.Envelope) (*ParseOutcome, error) {
	if chain == nil {
		chain = parser.DefaultChain()
	}
	msg, err := mail.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("ParseMessage: %w", err)
	}

	out := &ParseOutcome{MessageID: msg.MessageID(), Subject: msg.Subject()}
	res := chain.Parse(msg)
	out.Parser = res.Parser
	if !res.OK() {
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		return out, nil
	}
	tx := normalizer.Normalize(res.Transaction, msg, env)
	out.Transaction = &tx
	return out, nil
}
