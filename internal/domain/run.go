package domain

import "time"

// Integration outcome statuses recorded on a RunResult.
const (
	IntegrationSynced          = "synced"
	IntegrationRefreshFailed   = "refresh_failed"
	IntegrationRetrievalFailed = "retrieval_failed"
	IntegrationSkipped         = "skipped"
)

// FailureDescriptor describes one message that could not be turned into a transaction.
type FailureDescriptor struct {
	Subject       string `json:"subject"`
	MessageID     string `json:"message_id"`
	From          string `json:"from"`
	Date          string `json:"date"`
	Reason        string `json:"reason"`
	Parser        string `json:"parser,omitempty"`
	IntegrationID string `json:"integration_id,omitempty"`
	Excerpt       string `json:"raw_excerpt,omitempty"`
	ArchiveURI    string `json:"archive_uri,omitempty"`
}

// DuplicateDescriptor describes a transaction seen more than once in a run.
type DuplicateDescriptor struct {
	TransactionNumber string `json:"transaction_number"`
	MessageID         string `json:"message_id"`
	Subject           string `json:"subject"`
	IntegrationID     string `json:"integration_id,omitempty"`
}

// IntegrationOutcome summarises how one integration fared in a run.
type IntegrationOutcome struct {
	IntegrationID string `json:"integration_id"`
	UserID        string `json:"user_id"`
	Status        string `json:"status"`
	Messages      int    `json:"messages"`
	Error         string `json:"error,omitempty"`
}

// RunResult is the outcome of one orchestration run. The counters cover
// messages only and satisfy New+Duplicates == Processed-Errors. Failures
// holds one entry per failed message plus one per integration that failed
// to refresh, open or stream, and one per run-level failure; the last two
// have no message id.
type RunResult struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Processed  int `json:"processed"`
	New        int `json:"new"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`

	Transactions []Transaction         `json:"transactions"`
	Duplicated   []DuplicateDescriptor `json:"duplicates_detail,omitempty"`
	Failures     []FailureDescriptor   `json:"failures,omitempty"`
	Integrations []IntegrationOutcome  `json:"integrations,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r *RunResult) Clone() *RunResult {
	out := *r
	out.Transactions = append([]Transaction(nil), r.Transactions...)
	out.Duplicated = append([]DuplicateDescriptor(nil), r.Duplicated...)
	out.Failures = append([]FailureDescriptor(nil), r.Failures...)
	out.Integrations = append([]IntegrationOutcome(nil), r.Integrations...)
	return &out
}
