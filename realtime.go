package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Events and reasons
// ============================================================================

// Lifecycle events emitted by Conn.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnect        = "reconnect"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
)

// Push events forwarded from the server.
const (
	EventMessageNew     = "message:new"
	EventMessageStatus  = "message:status"
	EventTypingUpdate   = "typing:update"
	EventPresenceChange = "presence:change"
)

// Disconnect reasons carried by EventDisconnect.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnConfig configures a Conn.
type ConnConfig struct {
	// URL is the server base URL, e.g. "http://localhost:5000".
	URL string

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	DisableReconnect     bool

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// RequestTimeout bounds every request awaiting an acknowledgement.
	RequestTimeout time.Duration
	// HeartbeatInterval is the ping period. Negative disables the heartbeat.
	HeartbeatInterval time.Duration

	// Transports lists transport names in preference order.
	Transports []string

	// HTTPClient must not set Timeout: the polling stream is long-lived.
	HTTPClient *http.Client
	Logger     *log.Logger
}

func (c *ConnConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if len(c.Transports) == 0 {
		c.Transports = []string{TransportWebSocket, TransportPolling}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	failures    int
}

func newReconnector(config *ConnConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// fail records a failed attempt and reports whether another is allowed.
func (r *reconnector) fail() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	return r.failures, r.failures < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp := math.Max(float64(r.failures-1), 0)
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	return time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, exp)+float64(jitter),
		float64(r.maxDelay),
	))
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
}

// ============================================================================
// Conn
// ============================================================================

// Conn owns the single realtime channel of a session. It reconnects on
// transport drops and publishes lifecycle and push events on its Bus.
type Conn struct {
	config ConnConfig
	bus    *Bus
	recon  *reconnector
	logger *log.Logger

	mu       sync.Mutex
	state    ConnState
	identity Identity
	tr       transport
	lifeCtx  context.Context
	cancelFn context.CancelFunc
	settled  chan struct{}
	settle   error

	pendingMu sync.Mutex
	pending   map[string]chan ackResult
	seq       atomic.Uint64
}

type ackResult struct {
	payload json.RawMessage
	err     error
}

// NewConn creates a disconnected Conn. Events are published on bus; a nil
// bus gets a private one.
func NewConn(config ConnConfig, bus *Bus) *Conn {
	config.defaults()
	if bus == nil {
		bus = NewBus(config.Logger)
	}
	return &Conn{
		config:  config,
		bus:     bus,
		recon:   newReconnector(&config),
		logger:  config.Logger,
		state:   StateDisconnected,
		pending: make(map[string]chan ackResult),
	}
}

// Bus returns the bus events are published on.
func (c *Conn) Bus() *Bus { return c.bus }

// Config returns a copy of the effective configuration.
func (c *Conn) Config() ConnConfig { return c.config }

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is currently usable.
func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

// Identity returns the identity of the current or last connection.
func (c *Conn) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Transport returns the name of the active transport, or "" when not
// connected.
func (c *Conn) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr == nil {
		return ""
	}
	return c.tr.Name()
}

// Connect opens the channel for id and waits until it is connected, the
// attempt cap is exhausted or ctx is done. Calling it while connected as the
// same identity returns immediately. ctx bounds the wait only: reconnection
// keeps running in the background until Disconnect.
func (c *Conn) Connect(ctx context.Context, id Identity) error {
	if err := id.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		if c.identity != id {
			c.mu.Unlock()
			return ErrIdentityMismatch
		}
		if c.state == StateConnected {
			c.mu.Unlock()
			return nil
		}
		wait := c.settled
		c.mu.Unlock()
		return c.await(ctx, wait)
	}

	c.identity = id
	c.lifeCtx, c.cancelFn = context.WithCancel(context.Background())
	c.setStateLocked(StateConnecting, nil)
	life, wait := c.lifeCtx, c.settled
	c.mu.Unlock()

	c.recon.reset()
	c.logger.Printf("connecting as %s (%s)", id.Username, id.UserID)
	go c.dialLoop(life, false, true)
	return c.await(ctx, wait)
}

func (c *Conn) await(ctx context.Context, wait <-chan struct{}) error {
	select {
	case <-wait:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateConnected {
			return nil
		}
		return c.settle
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setStateLocked moves to s. Entering StateConnecting opens a new settle
// window; leaving it releases every Connect caller waiting on that window.
func (c *Conn) setStateLocked(s ConnState, err error) {
	prev := c.state
	c.state = s
	if s == StateConnecting && prev != StateConnecting {
		c.settled = make(chan struct{})
		c.settle = nil
		return
	}
	if prev == StateConnecting && s != StateConnecting {
		c.settle = err
		close(c.settled)
	}
}

// Disconnect tears the channel down, fails pending requests and removes
// every bus handler. It is a no-op when already disconnected.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.cancelFn()
	tr := c.tr
	c.tr = nil
	c.setStateLocked(StateDisconnected, fmt.Errorf("%w: disconnected while connecting", ErrNotConnected))
	c.mu.Unlock()

	c.recon.reset()
	c.failPending(ErrDisconnected)
	if tr != nil {
		if err := tr.Close(); err != nil {
			c.logger.Printf("close %s transport: %v", tr.Name(), err)
		}
	}
	c.logger.Printf("disconnected: %s", ReasonClientDisconnect)
	if wasConnected {
		c.bus.Emit(Event{Name: EventDisconnect, Reason: ReasonClientDisconnect})
	}
	c.bus.Cleanup()
}

// dialLoop runs connection attempts until one succeeds, the cap is reached
// or life is cancelled. immediate skips the delay before the first attempt.
func (c *Conn) dialLoop(life context.Context, reconnecting, immediate bool) {
	attempt := 1
	for {
		if !immediate {
			delay := c.recon.nextDelay()
			c.logger.Printf("reconnect attempt %d in %v", attempt, delay)
			c.bus.Emit(Event{Name: EventReconnectAttempt, Attempt: attempt})
			t := time.NewTimer(delay)
			select {
			case <-life.Done():
				t.Stop()
				return
			case <-t.C:
			}
		} else if reconnecting {
			c.bus.Emit(Event{Name: EventReconnectAttempt, Attempt: attempt})
		}
		immediate = false

		tr, err := c.dial(life)
		if err == nil {
			c.connected(life, tr, attempt, reconnecting)
			return
		}
		if life.Err() != nil {
			return
		}

		c.logger.Printf("connect error: %v", err)
		c.bus.Emit(Event{Name: EventConnectError, Err: err, Attempt: attempt})

		failures, more := c.recon.fail()
		if c.config.DisableReconnect || !more {
			c.terminal(life, fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, failures, err))
			return
		}
		attempt++
	}
}

func (c *Conn) dial(life context.Context) (transport, error) {
	ctx, cancel := context.WithTimeout(life, c.config.ConnectTimeout)
	defer cancel()

	id := c.Identity()
	var errs []error
	for _, name := range c.config.Transports {
		dial, ok := dialers[name]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown transport %q", name))
			continue
		}
		tr, err := dial(ctx, &c.config, id)
		if err == nil {
			return tr, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (c *Conn) connected(life context.Context, tr transport, attempt int, reconnecting bool) {
	c.mu.Lock()
	if life.Err() != nil {
		c.mu.Unlock()
		tr.Close()
		return
	}
	c.tr = tr
	c.setStateLocked(StateConnected, nil)
	c.mu.Unlock()

	c.recon.reset()
	c.logger.Printf("connected via %s (sid %s)", tr.Name(), tr.SessionID())
	c.bus.Emit(Event{Name: EventConnect})
	if reconnecting || attempt > 1 {
		c.bus.Emit(Event{Name: EventReconnect, Attempt: attempt})
	}

	go c.readLoop(life, tr)
	go c.heartbeatLoop(life, tr)
}

func (c *Conn) terminal(life context.Context, err error) {
	c.mu.Lock()
	if life.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.cancelFn()
	c.setStateLocked(StateDisconnected, err)
	c.mu.Unlock()

	c.logger.Printf("giving up: %v", err)
	c.bus.Emit(Event{Name: EventReconnectFailed, Err: err})
}

func (c *Conn) readLoop(life context.Context, tr transport) {
	for {
		env, err := tr.Read(life)
		if err != nil {
			if life.Err() != nil {
				return
			}
			reason := ReasonTransportError
			switch {
			case errors.Is(err, errServerDisconnect):
				reason = ReasonServerDisconnect
			case errors.Is(err, errTransportClosed):
				reason = ReasonTransportClose
			}
			c.logger.Printf("%s read: %v", tr.Name(), err)
			c.handleDrop(tr, reason)
			return
		}

		switch env.Type {
		case "ack":
			c.resolve(env)
		case "disconnect":
			c.handleDrop(tr, ReasonServerDisconnect)
			return
		default:
			c.bus.Emit(Event{Name: env.Type, Payload: env.Payload})
		}
	}
}

// handleDrop reacts to the loss of tr. Only the first report for the active
// transport has an effect.
func (c *Conn) handleDrop(tr transport, reason string) {
	c.mu.Lock()
	if c.tr != tr || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.tr = nil
	life := c.lifeCtx
	reconnect := !c.config.DisableReconnect
	if reconnect {
		c.setStateLocked(StateConnecting, nil)
	} else {
		c.cancelFn()
		c.setStateLocked(StateDisconnected, nil)
	}
	c.mu.Unlock()

	tr.Close()
	c.failPending(ErrDisconnected)
	c.logger.Printf("disconnected: %s", reason)
	c.bus.Emit(Event{Name: EventDisconnect, Reason: reason})

	if reconnect {
		// A server-forced disconnect is answered with an immediate attempt.
		go c.dialLoop(life, true, reason == ReasonServerDisconnect)
	}
}

func (c *Conn) heartbeatLoop(life context.Context, tr transport) {
	if c.config.HeartbeatInterval < 0 {
		return
	}
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-life.Done():
			return
		case <-ticker.C:
		}
		if c.active() != tr {
			return
		}
		if _, err := c.roundTrip(life, tr, "ping", nil, c.config.RequestTimeout); err != nil {
			if life.Err() != nil || errors.Is(err, ErrDisconnected) {
				return
			}
			c.logger.Printf("heartbeat failed: %v", err)
			c.handleDrop(tr, ReasonPingTimeout)
			return
		}
	}
}

func (c *Conn) active() transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.tr
}

// ============================================================================
// Requests
// ============================================================================

// Emit sends a fire-and-forget command.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	tr := c.active()
	if tr == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", event, err)
	}
	if err := tr.Write(ctx, Envelope{Type: event, Payload: data}); err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	return nil
}

// Request sends a command and waits for its acknowledgement, bounded by the
// configured RequestTimeout. The first outcome wins: an acknowledgement that
// arrives after the timeout is dropped.
func (c *Conn) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	tr := c.active()
	if tr == nil {
		return nil, ErrNotConnected
	}
	return c.roundTrip(ctx, tr, event, payload, c.config.RequestTimeout)
}

func (c *Conn) roundTrip(ctx context.Context, tr transport, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("%s: encode payload: %w", event, err)
		}
	}

	requestID := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan ackResult, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()

	if err := tr.Write(ctx, Envelope{Type: event, Payload: data, RequestID: requestID}); err != nil {
		c.forget(requestID)
		return nil, fmt.Errorf("%s: %w", event, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return c.result(event, res)
	case <-timer.C:
		if c.forget(requestID) {
			return nil, fmt.Errorf("%s: %w", event, ErrTimeout)
		}
	case <-ctx.Done():
		if c.forget(requestID) {
			return nil, ctx.Err()
		}
	}
	// Settled concurrently with the timeout; the settlement won.
	return c.result(event, <-ch)
}

func (c *Conn) result(event string, res ackResult) (json.RawMessage, error) {
	if res.err != nil {
		return nil, fmt.Errorf("%s: %w", event, res.err)
	}
	return res.payload, nil
}

// forget removes a pending request and reports whether it was still pending.
func (c *Conn) forget(requestID string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.pending[requestID]; !ok {
		return false
	}
	delete(c.pending, requestID)
	return true
}

func (c *Conn) resolve(env Envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.RequestID]
	delete(c.pending, env.RequestID)
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Printf("dropping ack for settled request %q", env.RequestID)
		return
	}
	ch <- ackResult{payload: env.Payload}
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- ackResult{err: err}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}
