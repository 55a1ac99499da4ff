package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/truvis/pricestream/internal/model"
)

// ApprovalIssuer issues the key that authorizes subscribe frames.
type ApprovalIssuer interface {
	IssueApprovalKey(ctx context.Context) (string, error)
}

// Manager owns the single feed connection and its subscriptions.
type Manager interface {
	// Initialize obtains an approval key, connects, and subscribes anything
	// already registered. Failures are returned as *ConnectionError.
	Initialize(ctx context.Context) error

	// Subscribe adds an instrument to the feed. Idempotent.
	Subscribe(id model.InstrumentID) error

	// Unsubscribe removes an instrument from the feed. Idempotent.
	Unsubscribe(id model.InstrumentID) error

	// Reconnect tears down the connection and rebuilds it, resubscribing
	// every registered instrument. Concurrent calls get ErrReconnectInProgress.
	Reconnect(ctx context.Context) error

	// Close shuts the connection down for good.
	Close(ctx context.Context) error

	// Messages returns data frames for the frame router.
	Messages() <-chan RawMessage

	// State returns the connection state.
	State() model.ConnectionState

	// IsHealthy reports whether the connection is up and carrying traffic.
	IsHealthy() bool

	// Subscriptions returns a snapshot of the subscription registry.
	Subscriptions() []model.SubscriptionState

	// Stats returns current connection statistics.
	Stats() ManagerStats
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State               model.ConnectionState
	Subscriptions       int
	Acknowledged        int
	FramesReceived      int64
	ControlFrames       int64
	FramesDropped       int64
	Heartbeats          int64
	Acks                int64
	Nacks               int64
	Reconnects          int64
	ReconnectFailures   int64
	ConsecutiveFailures int
	LastHeartbeat       time.Time
}

// manager implements the Manager interface.
type manager struct {
	cfg       ManagerConfig
	approvals ApprovalIssuer
	logger    *slog.Logger

	newClient func(ClientConfig, *slog.Logger) Client

	// Output to frame router
	router chan RawMessage

	registry *SubscriptionRegistry
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	client      Client
	approvalKey string

	state        atomic.Int32
	reconnecting atomic.Bool
	closed       atomic.Bool
	failures     atomic.Int32

	// Stats
	framesReceived    atomic.Int64
	controlFrames     atomic.Int64
	framesDropped     atomic.Int64
	heartbeats        atomic.Int64
	acks              atomic.Int64
	nacks             atomic.Int64
	reconnects        atomic.Int64
	reconnectFailures atomic.Int64
	lastHeartbeat     atomic.Int64 // unix nanos
}

// NewManager creates a new connection manager.
func NewManager(cfg ManagerConfig, approvals ApprovalIssuer, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxReconnectFailures <= 0 {
		cfg.MaxReconnectFailures = 3
	}

	limit := rate.Inf
	if cfg.MinCallInterval > 0 {
		limit = rate.Every(cfg.MinCallInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &manager{
		cfg:       cfg,
		approvals: approvals,
		logger:    logger,
		newClient: NewClient,
		router:    make(chan RawMessage, cfg.MessageBufferSize),
		registry:  NewSubscriptionRegistry(),
		limiter:   rate.NewLimiter(limit, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.state.Store(int32(model.StateDisconnected))
	return m
}

// Initialize establishes the first connection.
func (m *manager) Initialize(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if m.State() == model.StateConnected {
		return nil
	}

	if err := m.connect(ctx); err != nil {
		m.setState(model.StateDisconnected)
		return &ConnectionError{Op: "initialize", Err: err}
	}

	m.resubscribeAll(ctx)

	m.logger.Info("feed connection initialized",
		"url", m.cfg.Client.URL,
		"subscriptions", m.registry.Len(),
	)
	return nil
}

// Subscribe adds id to the registry and sends one subscribe frame. A send
// failure is returned but the instrument stays registered, so the next
// reconnect retries it.
func (m *manager) Subscribe(id model.InstrumentID) error {
	if !m.registry.Add(id) {
		return nil
	}

	if err := m.send(id, trTypeSubscribe); err != nil {
		return &SubscribeError{Op: "subscribe", Instrument: id, Err: err}
	}

	m.logger.Debug("subscribe sent", "instrument", id)
	return nil
}

// Unsubscribe removes id from the registry and sends one unsubscribe frame.
func (m *manager) Unsubscribe(id model.InstrumentID) error {
	if !m.registry.Remove(id) {
		return nil
	}

	if err := m.send(id, trTypeUnsubscribe); err != nil {
		return &SubscribeError{Op: "unsubscribe", Instrument: id, Err: err}
	}

	m.logger.Debug("unsubscribe sent", "instrument", id)
	return nil
}

// Reconnect rebuilds the connection and resubscribes. Resubscription is best
// effort per instrument; the registry itself never changes here. Each failed
// call counts toward MaxReconnectFailures.
func (m *manager) Reconnect(ctx context.Context) error {
	return m.reconnect(ctx, true)
}

// reconnect does the work of Reconnect. An uncounted failure leaves the
// consecutive failure count alone and the state DISCONNECTED.
func (m *manager) reconnect(ctx context.Context, counted bool) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if !m.reconnecting.CompareAndSwap(false, true) {
		return ErrReconnectInProgress
	}
	defer m.reconnecting.Store(false)

	m.reconnects.Add(1)
	m.logger.Info("reconnecting feed", "subscriptions", m.registry.Len())

	m.mu.Lock()
	old := m.client
	m.client = nil
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	m.registry.ResetAcks()

	if err := m.connect(ctx); err != nil {
		m.reconnectFailures.Add(1)
		if !counted {
			m.setState(model.StateDisconnected)
			m.logger.Warn("reconnection failed", "error", err)
			return &ConnectionError{Op: "reconnect", Err: err}
		}
		n := int(m.failures.Add(1))
		if n >= m.cfg.MaxReconnectFailures {
			m.setState(model.StateDegraded)
			m.logger.Error("feed degraded",
				"consecutive_failures", n,
				"error", err,
			)
		} else {
			m.setState(model.StateDisconnected)
			m.logger.Warn("reconnection failed",
				"consecutive_failures", n,
				"error", err,
			)
		}
		return &ConnectionError{Op: "reconnect", Err: err}
	}

	failed := m.resubscribeAll(ctx)
	m.logger.Info("feed reconnected",
		"subscriptions", m.registry.Len(),
		"resubscribe_failures", failed,
	)
	return nil
}

// Close shuts down the manager.
func (m *manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.logger.Info("closing feed connection")
	m.cancel()

	m.mu.Lock()
	c := m.client
	m.client = nil
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(m.router)
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, leaving router channel open")
	}

	m.setState(model.StateDisconnected)
	m.logger.Info("feed connection closed")
	return nil
}

// Messages returns the output channel for the frame router.
func (m *manager) Messages() <-chan RawMessage {
	return m.router
}

// State returns the connection state.
func (m *manager) State() model.ConnectionState {
	return model.ConnectionState(m.state.Load())
}

// IsHealthy reports whether the feed is CONNECTED on a live socket.
func (m *manager) IsHealthy() bool {
	if m.State() != model.StateConnected {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil && m.client.IsConnected()
}

// Subscriptions returns a sorted registry snapshot.
func (m *manager) Subscriptions() []model.SubscriptionState {
	return m.registry.States()
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	var last time.Time
	if ns := m.lastHeartbeat.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return ManagerStats{
		State:               m.State(),
		Subscriptions:       m.registry.Len(),
		Acknowledged:        m.registry.Acknowledged(),
		FramesReceived:      m.framesReceived.Load(),
		ControlFrames:       m.controlFrames.Load(),
		FramesDropped:       m.framesDropped.Load(),
		Heartbeats:          m.heartbeats.Load(),
		Acks:                m.acks.Load(),
		Nacks:               m.nacks.Load(),
		Reconnects:          m.reconnects.Load(),
		ReconnectFailures:   m.reconnectFailures.Load(),
		ConsecutiveFailures: int(m.failures.Load()),
		LastHeartbeat:       last,
	}
}

func (m *manager) setState(s model.ConnectionState) {
	prev := model.ConnectionState(m.state.Swap(int32(s)))
	if prev != s {
		m.logger.Debug("feed state changed", "from", prev, "to", s)
	}
}

// connect issues a fresh approval key, dials, and starts the read loop.
func (m *manager) connect(ctx context.Context) error {
	m.setState(model.StateConnecting)

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	key, err := m.approvals.IssueApprovalKey(ctx)
	if err != nil {
		return fmt.Errorf("approval key: %w", err)
	}

	c := m.newClient(m.cfg.Client, m.logger)
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("dial %s: %w", m.cfg.Client.URL, err)
	}

	m.mu.Lock()
	m.client = c
	m.approvalKey = key
	m.mu.Unlock()

	m.failures.Store(0)
	m.setState(model.StateConnected)

	m.wg.Add(1)
	go m.readLoop(c)

	return nil
}

// resubscribeAll sends a subscribe frame for every registered instrument,
// spaced by the call limiter. Returns the number of failed sends.
func (m *manager) resubscribeAll(ctx context.Context) int {
	failed := 0
	for _, id := range m.registry.Instruments() {
		if err := m.limiter.Wait(ctx); err != nil {
			m.logger.Warn("resubscribe interrupted", "error", err)
			return failed
		}
		if err := m.send(id, trTypeSubscribe); err != nil {
			failed++
			m.logger.Warn("resubscribe failed",
				"error", &SubscribeError{Op: "subscribe", Instrument: id, Err: err},
			)
		}
	}
	return failed
}

// send writes one subscribe/unsubscribe frame on the current connection.
func (m *manager) send(id model.InstrumentID, trType string) error {
	m.mu.RLock()
	c := m.client
	key := m.approvalKey
	m.mu.RUnlock()

	if c == nil || !c.IsConnected() {
		return ErrNotConnected
	}

	frame := requestFrame{
		Header: requestHeader{
			ApprovalKey: key,
			CustType:    m.cfg.CustomerType,
			TrType:      trType,
			ContentType: "utf-8",
		},
		Body: requestBody{
			Input: requestInput{TrID: m.cfg.TRID, TrKey: string(id)},
		},
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// readLoop reads frames from one client until it fails or is replaced.
func (m *manager) readLoop(c Client) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-c.Done():
			return

		case err := <-c.Errors():
			m.onDisconnect(c, err)
			return

		case msg, ok := <-c.Messages():
			if !ok {
				return
			}
			m.handleFrame(c, msg)
		}
	}
}

// handleFrame answers control frames and forwards data frames.
func (m *manager) handleFrame(c Client, msg TimestampedMessage) {
	m.framesReceived.Add(1)

	data := bytes.TrimSpace(msg.Data)
	if len(data) == 0 {
		return
	}

	if data[0] == '{' {
		m.controlFrames.Add(1)
		m.handleControl(c, data)
		return
	}

	// Data message - forward to router (non-blocking)
	select {
	case m.router <- RawMessage{Data: data, ReceivedAt: msg.ReceivedAt}:
	case <-m.ctx.Done():
	default:
		m.framesDropped.Add(1)
		m.logger.Warn("message buffer full, dropping frame")
	}
}

func (m *manager) handleControl(c Client, data []byte) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.logger.Warn("malformed control frame", "error", err, "size", len(data))
		return
	}

	if frame.Header.TrID == heartbeatTrID {
		m.heartbeats.Add(1)
		m.lastHeartbeat.Store(time.Now().UnixNano())
		if err := c.Send(data); err != nil {
			m.logger.Warn("heartbeat echo failed", "error", err)
		}
		return
	}

	if frame.Body == nil {
		return
	}

	id := model.InstrumentID(frame.Header.TrKey)
	if frame.Body.RtCd == rtCodeSuccess || frame.Body.MsgCd == msgAlreadySubscribed {
		m.acks.Add(1)
		m.registry.MarkSubscribed(id)
		m.logger.Debug("feed acknowledged request",
			"instrument", id,
			"msg_cd", frame.Body.MsgCd,
			"msg", frame.Body.Msg1,
		)
		return
	}

	m.nacks.Add(1)
	m.logger.Error("feed rejected request",
		"instrument", id,
		"rt_cd", frame.Body.RtCd,
		"msg_cd", frame.Body.MsgCd,
		"msg", frame.Body.Msg1,
	)
}

// onDisconnect marks the feed down and schedules one reconnect attempt.
// Further attempts are driven by the health monitor, and only those count
// toward DEGRADED.
func (m *manager) onDisconnect(c Client, err error) {
	m.mu.RLock()
	current := m.client == c
	m.mu.RUnlock()
	if !current || m.closed.Load() {
		return
	}

	m.logger.Warn("feed connection lost", "error", err)
	m.setState(model.StateDisconnected)
	m.registry.ResetAcks()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}

		if err := m.reconnect(m.ctx, false); err != nil && !errors.Is(err, ErrReconnectInProgress) {
			m.logger.Warn("automatic reconnect failed", "error", err)
		}
	}()
}
