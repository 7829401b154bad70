package domain

// Task statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

type Task struct {
	ID            string          `json:"task_id"`
	Type          string          `json:"type"`
	Status        string          `json:"status" enum:"pending,processing,completed,failed,cancelled"`
	InputData     map[string]any  `json:"input_data"`
	Result        map[string]any  `json:"result,omitempty"`
	Progress      []ProgressEntry `json:"progress"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	StaleRequeues int             `json:"stale_requeues"`
	WorkerID      *string         `json:"worker_id,omitempty"`
	LeaseExpires  *string         `json:"lease_expires_at,omitempty" format:"date-time"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	UpdatedAt     string          `json:"updated_at" format:"date-time"`
	StartedAt     *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string         `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether no further transitions are legal.
func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type ProgressEntry struct {
	Seq       int64  `json:"seq"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type Lease struct {
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

// PaymentReceipt is the durable record of a consumed payment reference.
type PaymentReceipt struct {
	TxReference string `json:"tx_reference"`
	Payer       string `json:"payer"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Network     string `json:"network"`
	Recipient   string `json:"recipient"`
	ConfirmedAt string `json:"confirmed_at" format:"date-time"`
	ConsumedAt  string `json:"consumed_at" format:"date-time"`
	TaskID      string `json:"task_id,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
