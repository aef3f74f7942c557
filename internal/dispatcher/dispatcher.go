// Package dispatcher decides when detection payloads are turned into arm commands.
//
// Inbound payloads either claim an idle arm and are sent at once, or replace the single pending
// payload. Readiness notifications from the arm release the pending payload. All wire traffic is
// performed by one sender goroutine, so the two frames of a command are never interleaved with
// another command's frames.
package dispatcher

import (
	"context"
	"sync"

	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/pkg/connector"
	"github.com/braccio-robotics/arm-dispatch/pkg/protocol"
)

// Status describes what Submit did with a payload.
type Status string

const (
	StatusSentImmediately      Status = "sent_immediately"
	StatusQueued               Status = "queued"
	StatusRejectedNotConnected Status = "rejected_not_connected"
	StatusReset                Status = "reset"
)

// LinkStatus is the externally visible state of the arm and the link to it.
type LinkStatus struct {
	Connected        bool   `json:"connected"`
	LinkState        string `json:"link_state"`
	ArmIdle          bool   `json:"arm_idle"`
	HasQueuedPayload bool   `json:"has_queued_payload"`
	PendingID        string `json:"pending_id,omitempty"`
}

// Report is returned by Dispatcher.Status.
type Report struct {
	Link  LinkStatus `json:"ble_status"`
	Stats Stats      `json:"stats"`
}

type Option func(*Dispatcher)

// WithClassTable overrides the class identifiers sent to the arm.
func WithClassTable(classes protocol.ClassTable) Option {
	return func(d *Dispatcher) {
		if classes != nil {
			d.classes = classes
		}
	}
}

// Dispatcher routes detection payloads to the arm.
type Dispatcher struct {
	conn    connector.Connector
	tracker *Tracker
	classes protocol.ClassTable

	outboxLock sync.Mutex
	outbox     *protocol.DetectionPayload
	wake       chan struct{}

	doneLock  sync.Mutex
	terminate chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Dispatcher that writes to conn. Call Start before submitting payloads.
func New(conn connector.Connector, options ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:    conn,
		tracker: NewTracker(),
		classes: protocol.DefaultClassTable,
		wake:    make(chan struct{}, 1),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// Start launches the listen and sender goroutines. Returns an error if they do not signal they're
// ready before ctx expires.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.doneLock.Lock()
	if d.terminate != nil {
		d.doneLock.Unlock()
		return nil
	}
	log.Info("Starting dispatcher service...")
	terminate := make(chan struct{})
	sendCtx, cancel := context.WithCancel(context.Background())
	d.terminate = terminate
	d.cancel = cancel
	d.doneLock.Unlock()

	ready := make(chan struct{}, 2)
	d.wg.Add(2)
	go d.listen(terminate, ready)
	go d.sendLoop(sendCtx, terminate, ready)
	for i := 0; i < 2; i++ {
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop signals the dispatcher goroutines to exit and waits for them. A write already handed to the
// connector is abandoned but not cancelled at the transport.
func (d *Dispatcher) Stop() {
	d.doneLock.Lock()
	defer d.doneLock.Unlock()
	if d.terminate != nil {
		close(d.terminate)
		d.cancel()
		d.wg.Wait()
		d.terminate = nil
	}
}

// Submit decides what to do with a validated payload. It never blocks on the wire: payloads that
// claim the arm are handed to the sender goroutine.
//
// Only validation errors are returned. A payload received while the link is down is dropped and
// reported as StatusRejectedNotConnected.
func (d *Dispatcher) Submit(p *protocol.DetectionPayload) (Status, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if len(p.Detections) == 0 {
		d.tracker.Reset()
		log.Info("[%s] Empty detection round; arm marked idle", p.ID)
		return StatusReset, nil
	}
	if !d.conn.Connected() {
		log.Warning("[%s] Dropping payload: arm not connected", p.ID)
		return StatusRejectedNotConnected, nil
	}
	if d.tracker.TrySubmit(p) == Immediate {
		d.enqueue(p)
		return StatusSentImmediately, nil
	}
	log.Info("[%s] Arm busy; payload queued", p.ID)
	return StatusQueued, nil
}

// SendNow writes the command for p, shape frame first. The caller must have claimed the arm for p.
// On a write failure p is requeued and the error is returned; the next readiness notification or
// submission retries it.
func (d *Dispatcher) SendNow(ctx context.Context, p *protocol.DetectionPayload) error {
	cmd, err := protocol.EncodeCommand(p, d.classes)
	if err != nil {
		log.Error("[%s] Dropping payload: %s", p.ID, err)
		if next, ok := d.tracker.OnBecameIdle(); ok {
			d.enqueue(next)
		}
		return err
	}
	for _, frame := range cmd.Frames() {
		if err := d.conn.WriteCommand(ctx, frame); err != nil {
			d.tracker.Requeue(p)
			log.Warning("[%s] Failed to send '%s': %s; payload requeued", p.ID, frame, err)
			return err
		}
	}
	d.tracker.recordSent()
	log.Info("[%s] Sent %s / %s", p.ID, cmd.Shape, cmd.Target)
	return nil
}

// OnReadinessNotification handles one status byte from the arm.
func (d *Dispatcher) OnReadinessNotification(b byte) {
	if !protocol.IsExpectedReadiness(b) {
		log.Warning("Unexpected arm status %02x; treating as busy", b)
	}
	if protocol.DecodeReadiness(b) == protocol.Busy {
		log.Debug("Arm busy")
		return
	}
	p, ok := d.tracker.OnBecameIdle()
	if !ok {
		log.Debug("Arm idle")
		return
	}
	log.Info("[%s] Arm idle; sending queued payload", p.ID)
	d.enqueue(p)
}

// Ready returns true if a payload submitted now would be sent immediately.
func (d *Dispatcher) Ready() bool {
	return d.conn.Connected() && d.tracker.ArmIdle()
}

func (d *Dispatcher) Status() Report {
	state := d.tracker.Snapshot()
	return Report{
		Link: LinkStatus{
			Connected:        d.conn.Connected(),
			LinkState:        d.conn.State().String(),
			ArmIdle:          state.ArmIdle,
			HasQueuedPayload: state.HasPending,
			PendingID:        state.PendingID,
		},
		Stats: state.Stats,
	}
}

// enqueue hands p to the sender goroutine. An unsent payload still in the outbox is replaced.
func (d *Dispatcher) enqueue(p *protocol.DetectionPayload) {
	d.outboxLock.Lock()
	if d.outbox != nil {
		log.Warning("[%s] Superseded by %s before it was sent", d.outbox.ID, p.ID)
	}
	d.outbox = p
	d.outboxLock.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) take() *protocol.DetectionPayload {
	d.outboxLock.Lock()
	defer d.outboxLock.Unlock()
	p := d.outbox
	d.outbox = nil
	return p
}

func (d *Dispatcher) sendLoop(ctx context.Context, terminate <-chan struct{}, ready chan<- struct{}) {
	defer d.wg.Done()
	ready <- struct{}{}
	for {
		select {
		case <-d.wake:
			if p := d.take(); p != nil {
				// Errors are logged and recovered by SendNow.
				_ = d.SendNow(ctx, p)
			}
		case <-terminate:
			return
		}
	}
}

// listen reads notification frames from the connector until Stop is called or the channel closes.
func (d *Dispatcher) listen(terminate <-chan struct{}, ready chan<- struct{}) {
	defer d.wg.Done()
	ready <- struct{}{}
	for {
		select {
		case frame, open := <-d.conn.Receive():
			if !open {
				return
			}
			if len(frame) > 1 {
				log.Debug("Ignoring %d trailing status bytes", len(frame)-1)
			}
			if len(frame) == 0 {
				log.Warning("Dropping empty status notification")
				continue
			}
			d.OnReadinessNotification(frame[0])
		case <-terminate:
			return
		}
	}
}
