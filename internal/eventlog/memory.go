package eventlog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Log used by tests and the replay harness. It
// mirrors the consumer-group semantics of the Redis implementation:
// monotonic offsets, per-group delivery cursors, and per-consumer pending
// lists with idle-based claiming.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	clock   func() time.Time
}

type memStream struct {
	entries []Entry
	groups  map[string]*memGroup
}

type memGroup struct {
	next    int // index into entries of the next undelivered entry
	pending map[Offset]*memPending
}

type memPending struct {
	idx         int
	consumer    string
	deliveredAt time.Time
}

// NewMemory creates an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string]*memStream),
		clock:   time.Now,
	}
}

// WithClock overrides the clock, letting tests age pending entries.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) stream(name string, create bool) (*memStream, bool) {
	s, ok := m.streams[name]
	if !ok && create {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = s
		ok = true
	}
	return s, ok
}

// Append implements Log.
func (m *Memory) Append(_ context.Context, stream string, data []byte) (Offset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _ := m.stream(stream, true)
	offset := Offset(fmt.Sprintf("%d-0", len(s.entries)+1))
	buf := make([]byte, len(data))
	copy(buf, data)
	s.entries = append(s.entries, Entry{Offset: offset, Data: buf})
	return offset, nil
}

// ReadRange implements Log.
func (m *Memory) ReadRange(_ context.Context, stream string, from Offset, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stream(stream, false)
	if !ok {
		return nil, nil
	}
	out := make([]Entry, 0, limit)
	for _, e := range s.entries {
		if from != "" && compareOffsets(e.Offset, from) < 0 {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GroupRead implements Log. Blocking is a bounded poll.
func (m *Memory) GroupRead(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	deadline := m.clock().Add(block)
	for {
		entries, err := m.tryGroupRead(stream, group, consumer, count)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if block <= 0 || m.clock().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (m *Memory) tryGroupRead(stream, group, consumer string, count int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stream(stream, false)
	if !ok {
		return nil, ErrNoGroup
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrNoGroup
	}
	out := make([]Entry, 0, count)
	now := m.clock()
	for g.next < len(s.entries) && len(out) < count {
		e := s.entries[g.next]
		g.pending[e.Offset] = &memPending{idx: g.next, consumer: consumer, deliveredAt: now}
		out = append(out, e)
		g.next++
	}
	return out, nil
}

// Ack implements Log.
func (m *Memory) Ack(_ context.Context, stream, group string, offset Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stream(stream, false)
	if !ok {
		return ErrNoStream
	}
	g, ok := s.groups[group]
	if !ok {
		return ErrNoGroup
	}
	delete(g.pending, offset)
	return nil
}

// ClaimStale implements Log.
func (m *Memory) ClaimStale(_ context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stream(stream, false)
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrNoGroup
	}
	now := m.clock()
	offsets := make([]Offset, 0, len(g.pending))
	for off, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			offsets = append(offsets, off)
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return compareOffsets(offsets[i], offsets[j]) < 0 })
	if count > 0 && len(offsets) > count {
		offsets = offsets[:count]
	}
	out := make([]Entry, 0, len(offsets))
	for _, off := range offsets {
		p := g.pending[off]
		p.consumer = consumer
		p.deliveredAt = now
		out = append(out, s.entries[p.idx])
	}
	return out, nil
}

// CreateGroup implements Log. Creation is idempotent.
func (m *Memory) CreateGroup(_ context.Context, stream, group string, start Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _ := m.stream(stream, true)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	g := &memGroup{pending: make(map[Offset]*memPending)}
	switch start {
	case StartBeginning, "":
		g.next = 0
	case StartEnd:
		g.next = len(s.entries)
	default:
		g.next = len(s.entries)
		for i, e := range s.entries {
			if compareOffsets(e.Offset, start) >= 0 {
				g.next = i
				break
			}
		}
	}
	s.groups[group] = g
	return nil
}

// PendingCount reports the number of unacked entries for a group.
// Test helper; not part of the Log port.
func (m *Memory) PendingCount(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stream(stream, false)
	if !ok {
		return 0
	}
	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// Len reports the number of entries appended to a stream.
func (m *Memory) Len(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stream(stream, false)
	if !ok {
		return 0
	}
	return len(s.entries)
}

// Streams lists the streams that have at least one entry.
func (m *Memory) Streams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.streams))
	for name, s := range m.streams {
		if len(s.entries) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func compareOffsets(a, b Offset) int {
	am, as := splitOffset(a)
	bm, bs := splitOffset(b)
	if am != bm {
		if am < bm {
			return -1
		}
		return 1
	}
	if as != bs {
		if as < bs {
			return -1
		}
		return 1
	}
	return 0
}

func splitOffset(o Offset) (int64, int64) {
	major, minor, found := strings.Cut(string(o), "-")
	m, _ := strconv.ParseInt(major, 10, 64)
	if !found {
		return m, 0
	}
	n, _ := strconv.ParseInt(minor, 10, 64)
	return m, n
}
