// Package ingest is the heart of the pipeline: the connection manager
// supervises one transport per configured instrument, decodes and parses
// everything they send, and fans the parsed results into a single ordered
// queue consumed by the result matcher.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-lims/lablink/internal/driver"
	"github.com/meridian-lims/lablink/internal/framing"
	"github.com/meridian-lims/lablink/internal/monitoring"
	"github.com/meridian-lims/lablink/internal/parse"
	"github.com/meridian-lims/lablink/internal/timeutil"
	"github.com/meridian-lims/lablink/internal/transport"
)

// State is the lifecycle state of one instrument connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosing      State = "closing"
)

// DriverStore supplies driver configurations, consulted at connect time.
type DriverStore interface {
	GetDriver(id string) (*driver.Config, error)
}

// ConnectionStatus is a point-in-time snapshot of one connection.
type ConnectionStatus struct {
	ID           string    `json:"id"`
	DriverID     string    `json:"driver_id"`
	Endpoint     string    `json:"endpoint"`
	State        State     `json:"state"`
	Attempts     int       `json:"attempts"`
	LastActivity time.Time `json:"last_activity"`
}

// StateListener receives connection state changes, used to push live status
// to the UI.
type StateListener func(ConnectionStatus)

// Option configures a Manager.
type Option func(*Manager)

// WithClock substitutes the clock used for backoff scheduling.
func WithClock(c timeutil.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithBackoff sets the initial and maximum reconnect delays.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		m.backoffBase = base
		m.backoffMax = max
	}
}

// WithStateListener registers a callback invoked on every state transition.
func WithStateListener(fn StateListener) Option {
	return func(m *Manager) { m.onState = fn }
}

// WithQueueSize sets the fan-in queue capacity.
func WithQueueSize(n int) Option {
	return func(m *Manager) { m.queueSize = n }
}

// Manager owns the set of active connections. It is the single owner of
// connection state; other components see it only through Connect, Disconnect,
// Status, and the results queue.
type Manager struct {
	drivers DriverStore
	opener  transport.Opener
	clock   timeutil.Clock
	onState StateListener

	backoffBase time.Duration
	backoffMax  time.Duration
	queueSize   int

	results chan parse.Result

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type connection struct {
	id       string
	driverID string
	cfg      driver.Config

	mu           sync.Mutex
	state        State
	attempts     int
	lastActivity time.Time
	link         transport.Link
	cancel       context.CancelFunc
}

// NewManager creates a Manager reading driver configs from the store and
// opening links with the given opener (transport.Open in production).
func NewManager(drivers DriverStore, opener transport.Opener, opts ...Option) *Manager {
	m := &Manager{
		drivers:     drivers,
		opener:      opener,
		clock:       timeutil.RealClock{},
		backoffBase: time.Second,
		backoffMax:  60 * time.Second,
		queueSize:   256,
		conns:       make(map[string]*connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.results = make(chan parse.Result, m.queueSize)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Results is the fan-in queue of parsed results from all connections.
// Ordering is preserved per-connection, not globally.
func (m *Manager) Results() <-chan parse.Result {
	return m.results
}

// Connect starts a connection for the given driver and returns its
// connection id. The connection supervises itself: open failures and link
// drops schedule reconnects with capped exponential backoff.
func (m *Manager) Connect(driverID string) (string, error) {
	cfg, err := m.drivers.GetDriver(driverID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve driver %s: %w", driverID, err)
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("manager is shut down")
	}
	for _, c := range m.conns {
		if c.driverID == driverID && c.currentState() != StateDisconnected {
			m.mu.Unlock()
			return "", fmt.Errorf("driver %s already has an active connection %s", driverID, c.id)
		}
	}

	ctx, cancel := context.WithCancel(m.ctx)
	conn := &connection{
		id:       uuid.NewString(),
		driverID: driverID,
		cfg:      *cfg,
		state:    StateDisconnected,
		cancel:   cancel,
	}
	m.conns[conn.id] = conn
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, conn)
	return conn.id, nil
}

// Status returns the state of one connection.
func (m *Manager) Status(connID string) (ConnectionStatus, error) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return ConnectionStatus{}, fmt.Errorf("unknown connection %s", connID)
	}
	return conn.snapshot(), nil
}

// Statuses returns snapshots of all connections, ordered by driver id for
// stable display.
func (m *Manager) Statuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectionStatus, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// Send writes bytes to a connected instrument (query-mode protocols).
func (m *Manager) Send(connID string, data []byte) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown connection %s", connID)
	}

	conn.mu.Lock()
	link := conn.link
	state := conn.state
	conn.mu.Unlock()
	if state != StateConnected || link == nil {
		return fmt.Errorf("connection %s is %s, not connected", connID, state)
	}
	if _, err := link.Write(data); err != nil {
		return fmt.Errorf("failed to write to instrument: %w", err)
	}
	return nil
}

// DisconnectOne closes a single connection and stops its reconnect cycle.
func (m *Manager) DisconnectOne(connID string) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown connection %s", connID)
	}
	conn.shutdown()
	return nil
}

// DisconnectAll closes every connection and waits for their goroutines to
// drain, bounded by ctx. It is safe to call concurrently with in-flight
// reconnect attempts: once invoked, no further reconnect is scheduled.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	// cancelling the root context aborts backoff waits; closing links
	// unblocks pending reads
	m.cancel()
	for _, c := range conns {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown grace period expired: %w", ctx.Err())
	}
}

// run is the per-connection supervisor: connect, read until failure,
// back off, repeat. It exits only on context cancellation.
func (m *Manager) run(ctx context.Context, c *connection) {
	defer m.wg.Done()
	defer func() {
		c.setState(StateClosing, m.stateChanged)
		c.closeLink()
		c.setState(StateDisconnected, m.stateChanged)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting, m.stateChanged)

		link, err := m.opener(c.cfg)
		if err != nil {
			attempts := c.bumpAttempts()
			c.setState(StateReconnecting, m.stateChanged)
			delay := m.backoffDelay(attempts)
			monitoring.Logf("connection %s (%s): connect attempt %d failed: %v; retrying in %v",
				c.id, c.cfg.Endpoint(), attempts, err, delay)
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(delay):
			}
			continue
		}

		c.adopt(link)
		// a shutdown racing the open may have closed before adopt saw the
		// link; the deferred close covers it once we notice the cancel
		if ctx.Err() != nil {
			return
		}
		c.resetAttempts()
		c.setState(StateConnected, m.stateChanged)
		monitoring.Logf("connection %s: connected to %s (%s %s)",
			c.id, c.cfg.Endpoint(), c.cfg.Manufacturer, c.cfg.Model)

		err = m.readLoop(ctx, c, link)
		c.closeLink()
		if ctx.Err() != nil {
			return
		}

		attempts := c.bumpAttempts()
		c.setState(StateReconnecting, m.stateChanged)
		delay := m.backoffDelay(attempts)
		monitoring.Logf("connection %s: link lost (%v); reconnecting in %v", c.id, err, delay)
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(delay):
		}
	}
}

// readLoop pumps raw bytes through the decoder and parser, pushing results
// onto the fan-in queue. Decode and parse never block; only the transport
// read and the queue send may suspend.
func (m *Manager) readLoop(ctx context.Context, c *connection, link transport.Link) error {
	dec, err := framing.NewDecoder(c.cfg.Dialect)
	if err != nil {
		return err
	}

	buf := make([]byte, 4096)
	for {
		n, err := link.Read(buf)
		if n > 0 {
			c.touch(m.clock.Now())
			frames, frameErrs := dec.Push(buf[:n])
			for _, ferr := range frameErrs {
				monitoring.Logf("connection %s: %v", c.id, ferr)
			}
			for _, frame := range frames {
				results, warnings := parse.Message(frame, &c.cfg)
				for _, w := range warnings {
					monitoring.Logf("connection %s: parse warning: %s", c.id, w)
				}
				for _, r := range results {
					r.ConnectionID = c.id
					select {
					case m.results <- r:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// backoffDelay returns the capped exponential delay for the given attempt
// count (1-based).
func (m *Manager) backoffDelay(attempts int) time.Duration {
	delay := m.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= m.backoffMax {
			return m.backoffMax
		}
	}
	if delay > m.backoffMax {
		return m.backoffMax
	}
	return delay
}

func (m *Manager) stateChanged(s ConnectionStatus) {
	if m.onState != nil {
		m.onState(s)
	}
}

func (c *connection) snapshot() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStatus{
		ID:           c.id,
		DriverID:     c.driverID,
		Endpoint:     c.cfg.Endpoint(),
		State:        c.state,
		Attempts:     c.attempts,
		LastActivity: c.lastActivity,
	}
}

func (c *connection) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) setState(s State, notify func(ConnectionStatus)) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	snap := ConnectionStatus{
		ID: c.id, DriverID: c.driverID, Endpoint: c.cfg.Endpoint(),
		State: c.state, Attempts: c.attempts, LastActivity: c.lastActivity,
	}
	c.mu.Unlock()
	if notify != nil {
		notify(snap)
	}
}

func (c *connection) adopt(link transport.Link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link = link
}

func (c *connection) closeLink() {
	c.mu.Lock()
	link := c.link
	c.link = nil
	c.mu.Unlock()
	if link != nil {
		link.Close()
	}
}

func (c *connection) bumpAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

func (c *connection) resetAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
}

func (c *connection) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
}

// shutdown cancels the connection's supervisor and closes its link so a
// blocked read returns promptly.
func (c *connection) shutdown() {
	c.cancel()
	c.closeLink()
}
