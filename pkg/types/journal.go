package types

import "time"

// ExecutionStatus is the outcome of a module execution.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// ExecutionRecord is one row of the execution journal.
type ExecutionRecord struct {
	ID        int64           `json:"id"`
	Module    string          `json:"module"`
	Function  string          `json:"function"`
	Args      string          `json:"args"`   // JSON-encoded
	Kwargs    string          `json:"kwargs"` // JSON-encoded
	Result    string          `json:"result"`
	Duration  time.Duration   `json:"duration"`
	Status    ExecutionStatus `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// FeedbackSummary aggregates executions over a time window.
type FeedbackSummary struct {
	ID          int64         `json:"id,omitempty"`
	TotalCalls  int           `json:"total_calls"`
	AvgExecTime time.Duration `json:"avg_exec_time"`
	ErrorRate   float64       `json:"error_rate"`
	Window      time.Duration `json:"window"`
	CreatedAt   time.Time     `json:"created_at"`
}
