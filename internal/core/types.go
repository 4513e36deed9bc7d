package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID is an entity identifier as issued by the backend. The backend emits
// numeric ids from its SQL store and string ids from its document store, so
// both forms are accepted on decode.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// Amount decodes both JSON numbers and decimal strings.
type Amount float64

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %s: %w", data, err)
	}
	*a = Amount(f)
	return nil
}

type JobStatus string

const (
	JobStatusQueued            JobStatus = "queued"
	JobStatusWaitingForConfirm JobStatus = "waiting_for_confirm"
	JobStatusPrinting          JobStatus = "printing"
	JobStatusCompleted         JobStatus = "completed"
	JobStatusCancelled         JobStatus = "cancelled"
	JobStatusFailed            JobStatus = "failed"
)

// ActiveJobStatuses are the statuses a job may hold while it is in the queue.
var ActiveJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusWaitingForConfirm,
	JobStatusPrinting,
}

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusVerified PaymentStatus = "verified"
	PaymentStatusFailed   PaymentStatus = "failed"
)

func (s PaymentStatus) IsSettled() bool {
	return s == PaymentStatusVerified || s == PaymentStatusFailed
}

type UserRef struct {
	ID        ID     `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	StudentID string `json:"studentId,omitempty"`
}

type DocumentRef struct {
	ID       ID     `json:"id"`
	FileName string `json:"fileName,omitempty"`
	Pages    int    `json:"pages,omitempty"`
}

type PrintJob struct {
	ID            ID           `json:"id"`
	UPID          string       `json:"upid"`
	Status        JobStatus    `json:"status"`
	QueuePosition int          `json:"queuePosition"`
	Copies        int          `json:"copies"`
	User          *UserRef     `json:"user,omitempty"`
	Document      *DocumentRef `json:"document,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

type Payment struct {
	ID        ID            `json:"id"`
	TxID      string        `json:"txId"`
	Amount    Amount        `json:"amount"`
	Method    string        `json:"method"`
	Status    PaymentStatus `json:"status"`
	User      *UserRef      `json:"user,omitempty"`
	PrintJob  *PrintJob     `json:"printJob,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

type QueueSnapshot struct {
	TotalJobs   int        `json:"totalJobs"`
	CurrentJob  *PrintJob  `json:"currentJob"`
	WaitingJobs []PrintJob `json:"waitingJobs"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Jobs returns every job the snapshot names, current job first.
func (q *QueueSnapshot) Jobs() []PrintJob {
	if q == nil {
		return nil
	}
	jobs := make([]PrintJob, 0, len(q.WaitingJobs)+1)
	if q.CurrentJob != nil {
		jobs = append(jobs, *q.CurrentJob)
	}
	return append(jobs, q.WaitingJobs...)
}

type PrinterStatus struct {
	PrinterID string         `json:"printerId"`
	Status    string         `json:"status"`
	Fields    map[string]any `json:"fields,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type WorkerState struct {
	IsRunning bool            `json:"isRunning"`
	Monitors  map[string]bool `json:"monitors,omitempty"`
}

type WorkerStatus struct {
	QueueWorker           WorkerState `json:"queueWorker"`
	DocumentCleanupWorker WorkerState `json:"documentCleanupWorker"`
	ServerUptime          float64     `json:"serverUptime"`
	Timestamp             time.Time   `json:"timestamp"`
}

type EntityKind string

const (
	EntityJob     EntityKind = "job"
	EntityPayment EntityKind = "payment"
)

type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   ID         `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Kind) + ":" + string(r.ID)
}

type CommandAction string

const (
	ActionVerifyPayment  CommandAction = "verify_payment"
	ActionTriggerTimeout CommandAction = "trigger_timeout"
	ActionSkipJob        CommandAction = "skip_job"
	ActionCancelJob      CommandAction = "cancel_job"
)

type CommandState string

const (
	CommandPending   CommandState = "pending"
	CommandSucceeded CommandState = "succeeded"
	CommandFailed    CommandState = "failed"
)

type CommandRecord struct {
	ID           uuid.UUID     `json:"id"`
	Target       EntityRef     `json:"target"`
	Action       CommandAction `json:"action"`
	State        CommandState  `json:"state"`
	DispatchedAt time.Time     `json:"dispatchedAt"`
	SettledAt    *time.Time    `json:"settledAt,omitempty"`
	Error        string        `json:"error,omitempty"`
}

type commandKey struct {
	target EntityRef
	action CommandAction
}

type EventType string

const (
	EventConnected           EventType = "connected"
	EventDisconnected        EventType = "disconnected"
	EventAuthError           EventType = "authError"
	EventConnectionSuccess   EventType = "connectionSuccess"
	EventError               EventType = "error"
	EventQueueStatus         EventType = "queueStatus"
	EventQueueUpdate         EventType = "queueUpdate"
	EventPrinterStatusUpdate EventType = "printerStatusUpdate"
	EventPaymentVerified     EventType = "paymentVerified"
)

// ChannelEvent is one item delivered by the push channel. Only the fields
// relevant to Type are set.
type ChannelEvent struct {
	Type          EventType
	Queue         *QueueSnapshot
	PrinterID     string
	PrinterStatus map[string]any
	UPID          string
	Message       string
	Err           error
	ReceivedAt    time.Time
}

type VerifyPaymentRequest struct {
	PaymentID ID     `json:"paymentId"`
	Verified  bool   `json:"verified"`
	Notes     string `json:"adminNotes,omitempty"`
}

type VerifyPaymentResult struct {
	UPID          string   `json:"upid"`
	QueuePosition int      `json:"queuePosition"`
	Payment       *Payment `json:"payment,omitempty"`
}

// IDFromValue converts a decoded JSON value into an ID. Whole numbers are
// rendered without a fractional part.
func IDFromValue(v any) ID {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return ID(x)
	case float64:
		if x == float64(int64(x)) {
			return ID(strconv.FormatInt(int64(x), 10))
		}
		return ID(strconv.FormatFloat(x, 'f', -1, 64))
	case json.Number:
		return ID(x.String())
	default:
		return ID(fmt.Sprint(x))
	}
}
