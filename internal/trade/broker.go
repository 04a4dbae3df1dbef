package trade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBrokerUnavailable reports a venue outage. Like every non-reject
	// Place error it moves the intent into SUBMIT_UNKNOWN.
	ErrBrokerUnavailable = errors.New("trade: broker unavailable")
	// ErrSendAmbiguous means the order may or may not have reached the
	// broker; only reconciliation may decide.
	ErrSendAmbiguous = errors.New("trade: send result ambiguous")
)

// RejectError is an explicit broker rejection with a normalized code.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("broker reject %s: %s", e.Code, e.Message)
}

// OrderRequest is the broker-bound order. The remark embeds the
// intent_id so reconciliation can match on it.
type OrderRequest struct {
	IntentID string
	Symbol   string
	Side     string
	Qty      float64
	Price    float64
	Remark   string
}

// Hash fingerprints the request for idempotent resubmission matching.
func (r OrderRequest) Hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%.8f|%.8f", r.IntentID, r.Symbol, r.Side, r.Qty, r.Price)))
	return hex.EncodeToString(sum[:])
}

// PlaceAck is a successful broker acknowledgment.
type PlaceAck struct {
	BrokerOrderID string
	Raw           []byte
}

// BrokerOrder is a broker-side open or historical order, as seen by the
// reconciler.
type BrokerOrder struct {
	BrokerOrderID string
	Symbol        string
	Remark        string
	RequestHash   string
	CumQty        float64
	TargetQty     float64
	Done          bool
}

// BrokerFill is a broker-side execution report.
type BrokerFill struct {
	FillID        string
	BrokerOrderID string
	Qty           float64
	Price         float64
	Ts            time.Time
}

// NaturalKey derives the dedup key for this fill.
func (f BrokerFill) NaturalKey() string {
	return FillNaturalKey(f.FillID, f.BrokerOrderID, f.Ts, f.Price, f.Qty)
}

// Broker is the adapter port to the trading venue. Place errors are
// interpreted by sentinel: RejectError is terminal; any other error,
// ErrSendAmbiguous included, enters SUBMIT_UNKNOWN for reconciliation.
type Broker interface {
	Name() string
	Place(ctx context.Context, req OrderRequest) (PlaceAck, error)
	Cancel(ctx context.Context, brokerOrderID string) error
	OpenOrders(ctx context.Context) ([]BrokerOrder, error)
	Fills(ctx context.Context, since time.Time) ([]BrokerFill, error)
}
