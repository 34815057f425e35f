// Package monitor aggregates observed CAN identifiers into per-tick activity
// columns.
package monitor

import (
	"math/rand"
	"time"

	"github.com/can-bridge/internal/can"
)

// Poller returns at most one received frame without blocking.
type Poller interface {
	Poll() (can.Frame, bool)
}

// heartbeat glyphs, advanced once per tick.
const heartbeat = `|/-\`

// Tick is emitted at every tick boundary.
type Tick struct {
	Seq       uint64   `json:"seq"`
	Column    int      `json:"column"`
	Flags     []bool   `json:"flags"`
	IDs       []can.ID `json:"ids"`
	Heartbeat string   `json:"heartbeat"`
}

// Snapshot is a copy of the monitor state for rendering.
type Snapshot struct {
	IDs       []can.ID `json:"ids"`
	Columns   [][]bool `json:"columns"`
	Cursor    int      `json:"cursor"`
	Ticks     uint64   `json:"ticks"`
	Heartbeat string   `json:"heartbeat"`
	Pending   []bool   `json:"pending"`
}

// Monitor tracks which identifiers were seen since the last tick and keeps a
// ring of past ticks. It is not safe for concurrent use.
type Monitor struct {
	ids     []can.ID
	period  uint32
	poller  Poller
	clock   func() uint32
	onTick  func(Tick)
	dummy   int
	rng     *rand.Rand
	flags   []bool
	columns [][]bool
	cursor  int
	ticks   uint64
	last    uint32
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the millisecond clock.
func WithClock(clock func() uint32) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithTickHook is called with every completed column.
func WithTickHook(fn func(Tick)) Option {
	return func(m *Monitor) { m.onTick = fn }
}

// WithDummyTraffic marks a random identifier on a pass with probability
// permille/1000.
func WithDummyTraffic(permille int, src rand.Source) Option {
	return func(m *Monitor) {
		m.dummy = permille
		m.rng = rand.New(src)
	}
}

// New creates a monitor for ids with width columns and the given tick period.
func New(ids []can.ID, width int, period time.Duration, poller Poller, opts ...Option) *Monitor {
	if width < 1 {
		width = 1
	}
	m := &Monitor{
		ids:     append([]can.ID(nil), ids...),
		period:  uint32(period / time.Millisecond),
		poller:  poller,
		clock:   monotonicMillis(),
		flags:   make([]bool, len(ids)),
		columns: make([][]bool, width),
	}
	for i := range m.columns {
		m.columns[i] = make([]bool, len(ids))
	}
	for _, opt := range opts {
		opt(m)
	}
	m.last = m.clock()
	return m
}

// monotonicMillis returns a wrapping millisecond counter.
func monotonicMillis() func() uint32 {
	start := time.Now()
	return func() uint32 {
		return uint32(time.Since(start) / time.Millisecond)
	}
}

// Pass runs one scheduler pass: poll once, then close the tick if due.
func (m *Monitor) Pass() {
	if m.poller != nil {
		if f, ok := m.poller.Poll(); ok {
			m.Observe(f.ID)
		}
	}
	if m.rng != nil && len(m.ids) > 0 && m.rng.Intn(1000) < m.dummy {
		m.flags[m.rng.Intn(len(m.ids))] = true
	}
	m.Step(m.clock())
}

// Observe marks id as seen in the current tick. Unknown identifiers are ignored.
func (m *Monitor) Observe(id can.ID) {
	for i, want := range m.ids {
		if want == id {
			m.flags[i] = true
		}
	}
}

// Step closes the current tick when at least one period has elapsed since the
// previous one. It reports whether a tick happened.
func (m *Monitor) Step(now uint32) bool {
	if now-m.last < m.period {
		return false
	}
	col := m.columns[m.cursor]
	copy(col, m.flags)
	tick := Tick{
		Seq:    m.ticks,
		Column: m.cursor,
		Flags:  append([]bool(nil), col...),
		IDs:    m.ids,
	}
	m.cursor = (m.cursor + 1) % len(m.columns)
	for i := range m.flags {
		m.flags[i] = false
	}
	m.ticks++
	m.last = now
	tick.Heartbeat = m.heartbeat()
	if m.onTick != nil {
		m.onTick(tick)
	}
	return true
}

// Flags returns the flags of the open tick.
func (m *Monitor) Flags() []bool {
	return append([]bool(nil), m.flags...)
}

// IDs returns the monitored identifiers.
func (m *Monitor) IDs() []can.ID {
	return append([]can.ID(nil), m.ids...)
}

// Snapshot copies the current state.
func (m *Monitor) Snapshot() Snapshot {
	cols := make([][]bool, len(m.columns))
	for i, c := range m.columns {
		cols[i] = append([]bool(nil), c...)
	}
	return Snapshot{
		IDs:       m.IDs(),
		Columns:   cols,
		Cursor:    m.cursor,
		Ticks:     m.ticks,
		Heartbeat: m.heartbeat(),
		Pending:   m.Flags(),
	}
}

// Reset clears flags, columns and the cursor and restarts the tick period.
func (m *Monitor) Reset() {
	for i := range m.flags {
		m.flags[i] = false
	}
	for _, c := range m.columns {
		for i := range c {
			c[i] = false
		}
	}
	m.cursor = 0
	m.ticks = 0
	m.last = m.clock()
}

// Resync restarts the tick period without touching state.
func (m *Monitor) Resync() {
	m.last = m.clock()
}

func (m *Monitor) heartbeat() string {
	i := int(m.ticks % uint64(len(heartbeat)))
	return heartbeat[i : i+1]
}
