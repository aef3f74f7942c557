package dispatcher

import (
	"sync"

	"github.com/braccio-robotics/arm-dispatch/pkg/protocol"
)

// Decision is the outcome of Tracker.TrySubmit.
type Decision int

const (
	// Immediate means the caller now owns the arm and must send the payload.
	Immediate Decision = iota
	// Queued means the payload replaced the pending slot.
	Queued
)

func (d Decision) String() string {
	if d == Immediate {
		return "immediate"
	}
	return "queued"
}

// Stats counts tracker transitions since the process started.
type Stats struct {
	Sent        uint64 `json:"sent"`
	Queued      uint64 `json:"queued"`
	Overwritten uint64 `json:"overwritten"`
	Requeued    uint64 `json:"requeued"`
	Resets      uint64 `json:"resets"`
}

// TrackerState is a consistent copy of the tracker's state.
type TrackerState struct {
	ArmIdle    bool
	HasPending bool
	PendingID  string
	Stats      Stats
}

// Tracker is the single source of truth for whether the arm can accept a command and what to
// send when it next can. It holds at most one pending payload; newer payloads replace older ones.
//
// All methods are safe for concurrent use and never block on I/O.
type Tracker struct {
	lock    sync.Mutex
	armIdle bool
	pending *protocol.DetectionPayload
	stats   Stats
}

// NewTracker returns a Tracker for an idle arm with nothing pending.
func NewTracker() *Tracker {
	return &Tracker{armIdle: true}
}

// TrySubmit claims the arm for p if it is idle. Otherwise p replaces the pending payload.
//
// A payload left pending by Requeue survives an immediate submission and is sent on the next idle
// notification.
func (t *Tracker) TrySubmit(p *protocol.DetectionPayload) Decision {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.armIdle {
		t.armIdle = false
		return Immediate
	}
	if t.pending != nil {
		t.stats.Overwritten++
	}
	t.pending = p
	t.stats.Queued++
	return Queued
}

// OnBecameIdle records that the arm is idle. If a payload is pending it is removed from the slot
// and returned, and the arm is claimed again for it.
func (t *Tracker) OnBecameIdle() (*protocol.DetectionPayload, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.armIdle = true
	if t.pending == nil {
		return nil, false
	}
	p := t.pending
	t.pending = nil
	t.armIdle = false
	return p, true
}

// Requeue releases the arm after p failed to send and keeps p for the next attempt. If a newer
// payload arrived while p was being sent, the newer payload stays pending instead.
func (t *Tracker) Requeue(p *protocol.DetectionPayload) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.armIdle = true
	t.stats.Requeued++
	if t.pending == nil {
		t.pending = p
	}
}

// Reset marks the arm idle and discards any pending payload.
func (t *Tracker) Reset() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.armIdle = true
	if t.pending != nil {
		t.stats.Overwritten++
	}
	t.pending = nil
	t.stats.Resets++
}

// ArmIdle returns true if no command is outstanding.
func (t *Tracker) ArmIdle() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.armIdle
}

// Snapshot returns a consistent copy of the tracker state.
func (t *Tracker) Snapshot() TrackerState {
	t.lock.Lock()
	defer t.lock.Unlock()
	state := TrackerState{
		ArmIdle:    t.armIdle,
		HasPending: t.pending != nil,
		Stats:      t.stats,
	}
	if t.pending != nil {
		state.PendingID = t.pending.ID
	}
	return state
}

func (t *Tracker) recordSent() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.stats.Sent++
}
