// Package link maintains the single connection to the arm.
//
// A [Session] owns one event-loop goroutine for its whole lifetime. Every transport operation
// (connect, subscribe, write, close) runs on that goroutine, so writes are strictly serialised.
// Notifications arrive on transport goroutines and are pushed onto the channel returned by
// [Session.Receive]; they are never delayed by an in-flight write.
//
// After the arm has been discovered once, the session never gives up: a dropped or failed
// connection is retried every reconnect interval until [Session.Close] is called.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/pkg/connector"
	"github.com/braccio-robotics/arm-dispatch/pkg/protocol"
)

const (
	DefaultDiscoveryTimeout  = 10 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// UUIDs identifies the GATT service and characteristics used by the arm.
type UUIDs struct {
	Service string
	Command string
	Status  string
}

type Option func(*Session)

func WithDiscoveryTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.discoveryTimeout = d
		}
	}
}

func WithReconnectInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.reconnectInterval = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

type writeRequest struct {
	frame  []byte
	result chan error
}

// Session implements connector.Connector on top of a connector.Adapter.
type Session struct {
	adapter connector.Adapter
	address string
	uuids   UUIDs

	discoveryTimeout  time.Duration
	reconnectInterval time.Duration
	writeTimeout      time.Duration

	inbox    chan []byte
	rxLock   sync.Mutex
	requests chan *writeRequest

	stateLock sync.Mutex
	state     connector.State

	ctx    context.Context
	cancel context.CancelFunc

	doneLock sync.Mutex
	started  bool
	done     chan struct{}

	// Owned by the event loop.
	peripheral *connector.Peripheral
	device     connector.Device
	writer     io.Writer
}

// New creates a Session for the peripheral at address. Call Start to connect.
func New(adapter connector.Adapter, address string, uuids UUIDs, options ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		adapter:           adapter,
		address:           address,
		uuids:             uuids,
		discoveryTimeout:  DefaultDiscoveryTimeout,
		reconnectInterval: DefaultReconnectInterval,
		writeTimeout:      DefaultWriteTimeout,
		inbox:             make(chan []byte, connector.BufferSize),
		requests:          make(chan *writeRequest),
		state:             connector.StateDisconnected,
		ctx:               ctx,
		cancel:            cancel,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Start discovers the arm and launches the event loop. It returns an error wrapping
// protocol.ErrDiscovery if the arm does not advertise within the discovery timeout; that is the
// only failure that is not retried. The first connection attempt happens on the event loop, so
// Start returns before the link is up.
func (s *Session) Start(ctx context.Context) error {
	s.doneLock.Lock()
	defer s.doneLock.Unlock()
	if s.ctx.Err() != nil {
		return protocol.ErrClosed
	}
	if s.started {
		return nil
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.discoveryTimeout)
	defer cancel()
	log.Info("Scanning for arm %s (timeout %s)...", s.address, s.discoveryTimeout)
	peripheral, err := connector.Discover(scanCtx, s.adapter, s.address)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", protocol.ErrDiscovery, s.address, err)
	}
	log.Info("Found arm %s (%s, RSSI %d)", peripheral.Address, peripheral.LocalName, peripheral.RSSI)

	s.peripheral = peripheral
	s.started = true
	s.done = make(chan struct{})
	go s.run(s.done)
	return nil
}

// Receive returns the channel of raw status notifications.
func (s *Session) Receive() <-chan []byte {
	return s.inbox
}

func (s *Session) State() connector.State {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

func (s *Session) Connected() bool {
	return s.State() == connector.StateConnected
}

func (s *Session) setState(state connector.State) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.state == connector.StateClosed {
		return
	}
	if s.state != state {
		log.Debug("Link state %s -> %s", s.state, state)
	}
	s.state = state
}

// WriteCommand hands frame to the event loop and waits for the transport to confirm it.
func (s *Session) WriteCommand(ctx context.Context, command string) error {
	if !s.Connected() {
		return protocol.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	req := &writeRequest{frame: []byte(command), result: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return writeContextError(ctx)
	case <-s.ctx.Done():
		return protocol.ErrClosed
	}

	// Once issued to the transport a write cannot be cancelled; the loop still completes it.
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return writeContextError(ctx)
	}
}

func writeContextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.ErrWriteTimeout
	}
	return &protocol.CommandError{Err: ctx.Err(), PossibleSuccess: true, PossibleTemporary: true}
}

// Close stops the event loop and disconnects from the arm.
func (s *Session) Close() {
	s.doneLock.Lock()
	defer s.doneLock.Unlock()
	s.cancel()
	if s.done != nil {
		<-s.done
		s.done = nil
	}
	s.setState(connector.StateClosed)
}

func (s *Session) run(done chan<- struct{}) {
	defer close(done)
	defer s.disconnect()

	for {
		if s.device == nil {
			if err := s.connect(); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				log.Warning("Arm connection attempt failed: %s; retrying in %s", err, s.reconnectInterval)
				if !s.backoff() {
					return
				}
				continue
			}
		}

		select {
		case req := <-s.requests:
			req.result <- s.write(req.frame)
		case <-s.device.Disconnected():
			log.Warning("Arm disconnected; reconnecting")
			s.disconnect()
		case <-s.ctx.Done():
			return
		}
	}
}

// backoff waits for the reconnect interval, failing any writes that arrive meanwhile. Returns
// false if the session was closed.
func (s *Session) backoff() bool {
	timer := time.NewTimer(s.reconnectInterval)
	defer timer.Stop()
	for {
		select {
		case req := <-s.requests:
			req.result <- protocol.ErrNotConnected
		case <-timer.C:
			return true
		case <-s.ctx.Done():
			return false
		}
	}
}

func (s *Session) connect() error {
	s.setState(connector.StateConnecting)
	ctx, cancel := context.WithTimeout(s.ctx, s.discoveryTimeout)
	defer cancel()

	device, err := s.adapter.Connect(ctx, s.peripheral)
	if err != nil {
		s.setState(connector.StateDisconnected)
		return err
	}
	writer, err := s.subscribe(ctx, device)
	if err != nil {
		if closeErr := device.Close(); closeErr != nil {
			log.Debug("Error closing half-open connection: %s", closeErr)
		}
		s.setState(connector.StateDisconnected)
		return err
	}

	s.device = device
	s.writer = writer
	s.setState(connector.StateConnected)
	log.Info("Connected to arm %s", s.peripheral.Address)
	return nil
}

func (s *Session) subscribe(ctx context.Context, device connector.Device) (io.Writer, error) {
	service, err := device.Service(ctx, s.uuids.Service)
	if err != nil {
		return nil, err
	}
	writer, err := service.Tx(s.uuids.Command)
	if err != nil {
		return nil, err
	}
	if err := service.Rx(s.uuids.Status, s.rx); err != nil {
		return nil, err
	}
	log.Debug("Subscribed to arm status notifications")

	// The arm only notifies on changes, so a transition that happened while the link was down
	// would otherwise be lost.
	value, err := service.Read(s.uuids.Status)
	switch {
	case err == nil && len(value) > 0:
		log.Debug("Current arm status: %02x", value)
		s.rx(value)
	case err != nil && !errors.Is(err, connector.ErrReadUnsupported):
		log.Warning("Failed to read arm status: %s", err)
	}
	return writer, nil
}

func (s *Session) write(frame []byte) error {
	log.Debug("TX: %q", frame)
	n, err := s.writer.Write(frame)
	if err != nil {
		return fmt.Errorf("%w: %s", protocol.ErrWriteFailure, err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: wrote %d of %d bytes", protocol.ErrWriteFailure, n, len(frame))
	}
	return nil
}

func (s *Session) disconnect() {
	if s.device != nil {
		if err := s.device.Close(); err != nil {
			log.Debug("Error closing arm connection: %s", err)
		}
		s.device = nil
		s.writer = nil
	}
	s.setState(connector.StateDisconnected)
}

// rx queues a notification frame. When the queue is full the oldest frame is dropped: only the
// most recent readiness value matters.
func (s *Session) rx(p []byte) {
	if len(p) == 0 {
		return
	}
	frame := append([]byte(nil), p...)
	log.Debug("RX: %02x", frame)

	s.rxLock.Lock()
	defer s.rxLock.Unlock()
	for {
		select {
		case s.inbox <- frame:
			return
		default:
		}
		select {
		case stale := <-s.inbox:
			log.Warning("Notification queue full; dropping %02x", stale)
		default:
		}
	}
}
