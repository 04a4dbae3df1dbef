package trade

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimConfig controls the simulated broker.
type SimConfig struct {
	// DryRun acknowledges and fully fills every order instantly.
	DryRun bool
	// FillDelay postpones simulated fills behind Place.
	FillDelay time.Duration
}

// SimBroker is the in-process venue used in dry-run deployments and
// tests. Fault injection is scripted per call rather than randomized so
// scenarios stay deterministic.
type SimBroker struct {
	cfg SimConfig

	mu        sync.Mutex
	seq       int
	orders    map[string]*BrokerOrder // by broker order id
	fills     []BrokerFill
	nextErr   error
	ghostNext bool // ambiguous send that actually reached the venue
}

// NewSimBroker creates an empty simulated venue.
func NewSimBroker(cfg SimConfig) *SimBroker {
	return &SimBroker{
		cfg:    cfg,
		orders: make(map[string]*BrokerOrder),
	}
}

// Name implements Broker.
func (b *SimBroker) Name() string { return "sim" }

// FailNext makes the next Place return err without registering an order.
func (b *SimBroker) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextErr = err
}

// GhostNext makes the next Place return ErrSendAmbiguous while the order
// silently lands at the venue, the classic lost-ack case.
func (b *SimBroker) GhostNext() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ghostNext = true
}

// Place implements Broker.
func (b *SimBroker) Place(_ context.Context, req OrderRequest) (PlaceAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nextErr != nil {
		err := b.nextErr
		b.nextErr = nil
		return PlaceAck{}, err
	}

	b.seq++
	id := fmt.Sprintf("sim-%06d", b.seq)
	order := &BrokerOrder{
		BrokerOrderID: id,
		Symbol:        req.Symbol,
		Remark:        req.Remark,
		RequestHash:   req.Hash(),
		TargetQty:     req.Qty,
	}
	b.orders[id] = order

	if b.ghostNext {
		b.ghostNext = false
		return PlaceAck{}, ErrSendAmbiguous
	}

	if b.cfg.DryRun {
		if b.cfg.FillDelay == 0 {
			b.fillLocked(order, req.Qty, req.Price)
		} else {
			qty, price := req.Qty, req.Price
			time.AfterFunc(b.cfg.FillDelay, func() { b.Fill(id, qty, price) })
		}
	}
	return PlaceAck{BrokerOrderID: id, Raw: []byte(fmt.Sprintf(`{"broker_order_id":%q}`, id))}, nil
}

// Fill records a (partial) execution for a broker order. Test hook and
// dry-run driver.
func (b *SimBroker) Fill(brokerOrderID string, qty, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if order, ok := b.orders[brokerOrderID]; ok {
		b.fillLocked(order, qty, price)
	}
}

func (b *SimBroker) fillLocked(order *BrokerOrder, qty, price float64) {
	b.seq++
	order.CumQty += qty
	if order.CumQty >= order.TargetQty {
		order.Done = true
	}
	b.fills = append(b.fills, BrokerFill{
		FillID:        fmt.Sprintf("fill-%06d", b.seq),
		BrokerOrderID: order.BrokerOrderID,
		Qty:           qty,
		Price:         price,
		Ts:            time.Now().UTC(),
	})
}

// Cancel implements Broker.
func (b *SimBroker) Cancel(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return &RejectError{Code: "UNKNOWN_ORDER", Message: brokerOrderID}
	}
	order.Done = true
	return nil
}

// OpenOrders implements Broker.
func (b *SimBroker) OpenOrders(_ context.Context) ([]BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BrokerOrder, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	return out, nil
}

// Fills implements Broker.
func (b *SimBroker) Fills(_ context.Context, since time.Time) ([]BrokerFill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BrokerFill, 0, len(b.fills))
	for _, f := range b.fills {
		if f.Ts.Before(since) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
