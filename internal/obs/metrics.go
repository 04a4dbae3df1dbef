// Package obs collects lightweight counters for the event backbone.
package obs

import "sync/atomic"

// Metrics aggregates backbone counters. All methods are nil-safe so
// callers can run without observability wired.
type Metrics struct {
	published       atomic.Uint64
	consumed        atomic.Uint64
	acked           atomic.Uint64
	retried         atomic.Uint64
	deadLettered    atomic.Uint64
	idempotentDrops atomic.Uint64
	validationFails atomic.Uint64

	bridgeForwarded atomic.Uint64
	bridgeDropped   atomic.Uint64

	fillDuplicates atomic.Uint64
	reconcileAlarm atomic.Uint64
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Published       uint64
	Consumed        uint64
	Acked           uint64
	Retried         uint64
	DeadLettered    uint64
	IdempotentDrops uint64
	ValidationFails uint64
	BridgeForwarded uint64
	BridgeDropped   uint64
	FillDuplicates  uint64
	ReconcileAlarm  uint64
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncPublished() {
	if m != nil {
		m.published.Add(1)
	}
}

func (m *Metrics) IncConsumed() {
	if m != nil {
		m.consumed.Add(1)
	}
}

func (m *Metrics) IncAcked() {
	if m != nil {
		m.acked.Add(1)
	}
}

func (m *Metrics) IncRetried() {
	if m != nil {
		m.retried.Add(1)
	}
}

func (m *Metrics) IncDeadLettered() {
	if m != nil {
		m.deadLettered.Add(1)
	}
}

func (m *Metrics) IncIdempotentDrop() {
	if m != nil {
		m.idempotentDrops.Add(1)
	}
}

func (m *Metrics) IncValidationFail() {
	if m != nil {
		m.validationFails.Add(1)
	}
}

func (m *Metrics) IncBridgeForwarded() {
	if m != nil {
		m.bridgeForwarded.Add(1)
	}
}

func (m *Metrics) IncBridgeDropped() {
	if m != nil {
		m.bridgeDropped.Add(1)
	}
}

func (m *Metrics) IncFillDuplicate() {
	if m != nil {
		m.fillDuplicates.Add(1)
	}
}

func (m *Metrics) IncReconcileAlarm() {
	if m != nil {
		m.reconcileAlarm.Add(1)
	}
}

// Snapshot captures the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Published:       m.published.Load(),
		Consumed:        m.consumed.Load(),
		Acked:           m.acked.Load(),
		Retried:         m.retried.Load(),
		DeadLettered:    m.deadLettered.Load(),
		IdempotentDrops: m.idempotentDrops.Load(),
		ValidationFails: m.validationFails.Load(),
		BridgeForwarded: m.bridgeForwarded.Load(),
		BridgeDropped:   m.bridgeDropped.Load(),
		FillDuplicates:  m.fillDuplicates.Load(),
		ReconcileAlarm:  m.reconcileAlarm.Load(),
	}
}
