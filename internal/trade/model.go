// Package trade is the executor's integrity layer: the submission state
// machine over a transactional intent/order/fill store, with inbox
// deduplication, an outbox for reliable emission, and broker
// reconciliation for ambiguous sends.
package trade

import (
	"fmt"
	"time"
)

// IntentState tracks the lifecycle of an approved intent.
type IntentState string

const (
	StateNew             IntentState = "NEW"
	StateRiskApproved    IntentState = "RISK_APPROVED"
	StateSubmitting      IntentState = "SUBMITTING"
	StateSubmitted       IntentState = "SUBMITTED"
	StatePartiallyFilled IntentState = "PARTIALLY_FILLED"
	StateFilled          IntentState = "FILLED"
	StateRejected        IntentState = "REJECTED"
	StateCancelPending   IntentState = "CANCEL_PENDING"
	StateCancelled       IntentState = "CANCELLED"
	StateSubmitUnknown   IntentState = "SUBMIT_UNKNOWN"
)

// Intent is one approved trade working its way to the broker.
type Intent struct {
	IntentID         string      `gorm:"primaryKey;size:64"`
	Symbol           string      `gorm:"size:32;index"`
	State            IntentState `gorm:"size:24;index"`
	ApprovalSnapshot []byte      // raw approval envelope
	TraceID          string      `gorm:"size:64"`
	Side             string      `gorm:"size:8"`
	TargetQty        float64
	LimitPrice       float64
	CumQty           float64
	AvgPrice         float64
	AttemptCounter   int
	SubmitAttemptID  string `gorm:"size:64"`
	RequestHash      string `gorm:"size:64;index"`
	CancelRequestID  string `gorm:"size:64"`
	LeaseOwner       string `gorm:"size:64"`
	LeaseExpiresAt   time.Time
	Halted           bool
	RejectCode       string `gorm:"size:32"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Order is the broker-visible instance of an intent. A row exists only
// once a broker_order_id is known; the unique index turns duplicate
// observations into reconciliation events instead of new orders.
type Order struct {
	OrderID       string      `gorm:"primaryKey;size:64"`
	IntentID      string      `gorm:"size:64;uniqueIndex"`
	BrokerOrderID string      `gorm:"size:64;uniqueIndex"`
	RequestHash   string      `gorm:"size:64"`
	State         IntentState `gorm:"size:24"`
	CumQty        float64
	TargetQty     float64
	RawRequest    []byte
	RawResponse   []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Fill is one partial execution, keyed by its natural key: the broker
// fill id when present, else (broker_order_id, ts, px, qty).
type Fill struct {
	NaturalKey string `gorm:"primaryKey;size:128"`
	OrderID    string `gorm:"size:64;index"`
	IntentID   string `gorm:"size:64;index"`
	Qty        float64
	Price      float64
	Ts         time.Time
	CreatedAt  time.Time
}

// InboxRecord makes reception idempotent: every externally observable
// outcome for an intent_id derives from exactly one record.
type InboxRecord struct {
	IntentID     string      `gorm:"primaryKey;size:64"`
	Status       IntentState `gorm:"size:24"`
	ResultDigest string      `gorm:"size:64"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OutboxRecord is a pending outbound event awaiting reliable append.
type OutboxRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Plane     string `gorm:"size:16;index"`
	Stream    string `gorm:"size:64"`
	Envelope  []byte
	SentAt    *time.Time `gorm:"index"`
	CreatedAt time.Time
}

// Outbox planes.
const (
	PlaneTrade   = "trade"
	PlaneCompute = "compute"
)

// FillNaturalKey derives the dedup key for a broker fill.
func FillNaturalKey(brokerFillID, brokerOrderID string, ts time.Time, price, qty float64) string {
	if brokerFillID != "" {
		return brokerFillID
	}
	return fmt.Sprintf("%s|%d|%.8f|%.8f", brokerOrderID, ts.UnixNano(), price, qty)
}
