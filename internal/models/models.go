package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is one immutable movement of funds for a user.
// Balance is the user's resulting balance after Amount was applied.
type LedgerEntry struct {
	ID        int64           `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"userId"`
	Timestamp time.Time       `db:"timestamp" json:"timestamp"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	RequestID *int64          `db:"request_id" json:"requestId,omitempty"` // set only on settlement charges
}

// RequestStatus is the lifecycle state of a submitted request.
type RequestStatus int

const (
	StatusWaiting   RequestStatus = 0
	StatusRunning   RequestStatus = 1
	StatusCompleted RequestStatus = 2
	StatusCanceled  RequestStatus = 3
)

var statusNames = map[RequestStatus]string{
	StatusWaiting:   "WAITING",
	StatusRunning:   "RUNNING",
	StatusCompleted: "COMPLETED",
	StatusCanceled:  "CANCELED",
}

func (s RequestStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RequestStatus(%d)", int(s))
}

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// MarshalJSON renders the status by name for API consumers.
func (s RequestStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the status name.
func (s *RequestStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown request status %q", name)
}

// ResultPayload is the numeric result map produced by a worker.
type ResultPayload map[string]float64

// Value stores the payload as JSON.
func (p ResultPayload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Scan reads a JSON/JSONB column.
func (p *ResultPayload) Scan(src any) error {
	if src == nil {
		*p = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported result payload type %T", src)
	}
	return json.Unmarshal(raw, p)
}

// RequestLogEntry records the lifecycle of one submitted request.
type RequestLogEntry struct {
	ID            int64           `db:"id" json:"id"`
	UserID        string          `db:"user_id" json:"userId"`
	SubmittedText string          `db:"submitted_text" json:"submittedText"`
	Price         decimal.Decimal `db:"price" json:"price"`
	Status        RequestStatus   `db:"status" json:"status"`
	SubmittedAt   time.Time       `db:"submitted_at" json:"submittedAt"`
	StartedAt     *time.Time      `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
	LedgerEntryID *int64          `db:"ledger_entry_id" json:"ledgerEntryId,omitempty"`
	Result        ResultPayload   `db:"result" json:"result,omitempty"`
	Confidence    *float64        `db:"confidence" json:"confidence,omitempty"`
	ModelVersion  *string         `db:"model_version" json:"modelVersion,omitempty"`
	Error         *string         `db:"error" json:"error,omitempty"`
}

// Completion is the worker-reported outcome attached to a completed request.
type Completion struct {
	Result       ResultPayload
	Confidence   *float64
	ModelVersion *string
}

// RequestStats summarises a user's requests over a period.
type RequestStats struct {
	TotalRequests int             `json:"totalRequests"`
	Completed     int             `json:"completed"`
	Canceled      int             `json:"canceled"`
	SuccessRate   float64         `json:"successRate"`
	TotalCost     decimal.Decimal `json:"totalCost"`
	AvgConfidence float64         `json:"avgConfidence"`
}

// TaskMessage is published to the worker queue for every accepted submission.
type TaskMessage struct {
	RequestID int64  `json:"request_id"`
	Text      string `json:"text"`
}

// EventStatus is the wire encoding of a worker-reported status.
type EventStatus int

const (
	EventRunning   EventStatus = 1
	EventCompleted EventStatus = 2
	EventCanceled  EventStatus = 3
)

// RequestStatus maps the wire status onto the request lifecycle.
func (s EventStatus) RequestStatus() RequestStatus {
	return RequestStatus(s)
}

func (s EventStatus) String() string {
	switch s {
	case EventRunning, EventCompleted, EventCanceled:
		return s.RequestStatus().String()
	}
	return fmt.Sprintf("EventStatus(%d)", int(s))
}

// WorkerEvent is what a worker reports back on the result channel.
type WorkerEvent struct {
	RequestID    int64         `json:"request_id"`
	Status       EventStatus   `json:"status"`
	Result       ResultPayload `json:"result,omitempty"`
	Confidence   *float64      `json:"confidence,omitempty"`
	ModelVersion *string       `json:"model_version,omitempty"`
}

// Validate checks the event against the callback contract.
func (e WorkerEvent) Validate() error {
	if e.RequestID <= 0 {
		return fmt.Errorf("%w: request id %d", ErrInvalidEvent, e.RequestID)
	}
	switch e.Status {
	case EventRunning, EventCanceled:
		return nil
	case EventCompleted:
		if e.Result == nil {
			return fmt.Errorf("%w: request %d", ErrMissingResult, e.RequestID)
		}
		return nil
	default:
		return fmt.Errorf("%w: status %d", ErrInvalidEvent, int(e.Status))
	}
}
