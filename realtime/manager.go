// Package realtime maintains the channel between the grading dashboard core
// and the backend: one connection at a time, self-healing with capped
// backoff, a bounded outbound queue that survives reconnects, and heartbeat
// supervision.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
	"github.com/ZhiquAI/zhiyue3.0-sub004/kvstore"
	"github.com/ZhiquAI/zhiyue3.0-sub004/logger"
	"github.com/ZhiquAI/zhiyue3.0-sub004/metrics"
	"github.com/ZhiquAI/zhiyue3.0-sub004/protocol"
)

const (
	// spillKey is where undelivered outbound messages are parked across
	// restarts when a spill store is configured.
	spillKey = "realtime:outbox"

	spillTimeout = 3 * time.Second

	stateChangeBuffer = 16
)

var (
	// ErrClosed is returned for operations on a closed manager.
	ErrClosed = errors.New("realtime manager is closed")
	// ErrAlreadyConnected is returned by Connect while a connection exists
	// or a reconnect cycle is in flight.
	ErrAlreadyConnected = errors.New("connection already established or in progress")
	// ErrNilTransport is returned when constructing a manager without a
	// transport.
	ErrNilTransport = errors.New("transport must not be nil")
	// ErrNilRouter is returned when constructing a manager without a
	// router.
	ErrNilRouter = errors.New("router must not be nil")
)

// Manager owns the realtime channel lifecycle. All methods are safe for
// concurrent use.
type Manager struct {
	cfg       Config
	transport Transport
	router    *protocol.Router
	log       logger.Logger
	metrics   *metrics.RealtimeMetrics
	store     kvstore.Store
	queue     *sendQueue

	state atomic.Int32

	// mu guards the connection epoch: conn, cancelFn, generation,
	// attempts and closed.
	mu         sync.Mutex
	conn       Conn
	cancelFn   context.CancelFunc
	generation uint64
	attempts   int
	closed     bool

	lastInbound  atomic.Int64
	heartbeatSeq atomic.Int64

	subMu     sync.Mutex
	stateSubs map[int]chan StateChange
	nextSubID int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics attaches realtime metrics collectors.
func WithMetrics(mx *metrics.RealtimeMetrics) Option {
	return func(m *Manager) {
		m.metrics = mx
	}
}

// WithSpillStore parks undelivered outbound messages in store on
// Disconnect and restores them on the next successful connect.
func WithSpillStore(store kvstore.Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// NewManager creates a connection manager. The transport dials, the router
// dispatches inbound messages.
func NewManager(cfg Config, transport Transport, router *protocol.Router, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if router == nil {
		return nil, ErrNilRouter
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "realtime.new", err)
	}

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		router:    router,
		log:       logger.NewNop(),
		queue:     newSendQueue(cfg.QueueCapacity),
		stateSubs: make(map[int]chan StateChange),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logger.String("component", "realtime"))
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// QueueLen returns the number of outbound messages waiting to be written.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// OnMessage registers the handler for an inbound message kind. Exactly one
// handler per kind.
func (m *Manager) OnMessage(kind protocol.Kind, h protocol.Handler) error {
	return m.router.Register(kind, h)
}

// StateChanges subscribes to state transitions. The channel is buffered;
// transitions are dropped rather than blocking the manager when the
// subscriber falls behind. The cleanup function releases the subscription.
func (m *Manager) StateChanges() (<-chan StateChange, func()) {
	ch := make(chan StateChange, stateChangeBuffer)

	m.subMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.stateSubs[id] = ch
	m.subMu.Unlock()

	cleanup := func() {
		m.subMu.Lock()
		if sub, ok := m.stateSubs[id]; ok {
			delete(m.stateSubs, id)
			close(sub)
		}
		m.subMu.Unlock()
	}
	return ch, cleanup
}

// Connect establishes the channel. Allowed from the disconnected and error
// states; the error state's attempt counter is reset. The context bounds
// the initial dial only. When the dial fails the error is returned and the
// reconnect cycle begins in the background.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	if !m.transition(StateDisconnected, StateConnecting) &&
		!m.transition(StateError, StateConnecting) {
		return ErrAlreadyConnected
	}

	m.mu.Lock()
	m.attempts = 0
	gen := m.generation
	m.mu.Unlock()

	return m.dial(ctx, gen)
}

// Disconnect tears the channel down and cancels any pending reconnect.
// Undelivered outbound messages spill to the store when one is configured.
// The manager may Connect again afterwards.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.generation++
	conn := m.conn
	m.conn = nil
	cancel := m.cancelFn
	m.cancelFn = nil
	m.attempts = 0
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}

	m.setState(StateDisconnected)
	m.spill()

	if closeErr != nil {
		m.log.Warn("Connection close reported an error", logger.Error(closeErr))
	}
	return closeErr
}

// Close disconnects and permanently shuts the manager down. Subsequent
// Send and Connect calls return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.Disconnect()

	m.subMu.Lock()
	for id, sub := range m.stateSubs {
		delete(m.stateSubs, id)
		close(sub)
	}
	m.subMu.Unlock()

	return err
}

// Send queues one outbound message. Messages queue while disconnected and
// flush in order once the channel is up; a full queue evicts its oldest
// entry. Sending on a closed manager or in the error state fails.
func (m *Manager) Send(kind protocol.Kind, payload any) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || m.State() == StateError {
		return ErrClosed
	}

	if !kind.Valid() {
		return errs.Newf(errs.KindValidation, "realtime.send", "unknown message kind %q", kind)
	}

	env, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	m.enqueue(env)
	return nil
}

func (m *Manager) enqueue(env protocol.Envelope) {
	if evicted := m.queue.Push(env); evicted {
		m.metrics.RecordDropped()
		m.log.Warn("Outbound queue full, dropped oldest message",
			logger.String("kind", env.Type.String()),
			logger.Int("capacity", m.cfg.QueueCapacity),
		)
	}
	m.metrics.SetQueueDepth(m.queue.Len())
}

// transition moves from one specific state to another, reporting whether
// it applied.
func (m *Manager) transition(from, to State) bool {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	m.emitState(from, to)
	return true
}

// setState moves to a state unconditionally.
func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	m.emitState(from, to)
}

func (m *Manager) emitState(from, to State) {
	m.metrics.SetState(int(to))
	m.log.Debug("Connection state changed",
		logger.String("from", from.String()),
		logger.String("to", to.String()),
	)

	change := StateChange{From: from, To: to, At: time.Now().UTC()}
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(from, to)
	}

	m.subMu.Lock()
	for _, sub := range m.stateSubs {
		select {
		case sub <- change:
		default:
		}
	}
	m.subMu.Unlock()
}

// dial performs one connection attempt for the given epoch.
func (m *Manager) dial(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return ErrClosed
	}
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	m.setState(StateConnecting)
	m.log.Info("Dialing",
		logger.String("url", m.cfg.URL),
		logger.Int("attempt", attempt),
	)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.transport.Dial(dialCtx, m.cfg.URL)
	cancel()
	if err != nil {
		err = errs.Wrap(errs.KindUnavailable, "realtime.dial", err)
		m.log.Warn("Dial failed",
			logger.String("url", m.cfg.URL),
			logger.Int("attempt", attempt),
			logger.Error(err),
		)
		m.scheduleReconnect(gen, err)
		return err
	}

	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	sessionCtx, cancelFn := context.WithCancel(context.Background())
	m.conn = conn
	m.cancelFn = cancelFn
	m.attempts = 0
	m.mu.Unlock()

	m.lastInbound.Store(time.Now().UnixNano())
	m.restore()
	m.setState(StateConnected)
	m.log.Info("Connected", logger.String("url", m.cfg.URL))

	go m.readLoop(sessionCtx, conn, gen)
	go m.writeLoop(sessionCtx, conn, gen)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeatLoop(sessionCtx, gen)
	}
	return nil
}

// teardown processes the death of the current connection exactly once per
// epoch and hands off to the reconnect cycle.
func (m *Manager) teardown(gen uint64, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.generation || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.generation++
	next := m.generation
	conn := m.conn
	m.conn = nil
	cancel := m.cancelFn
	m.cancelFn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close()

	m.log.Warn("Connection lost", logger.Error(cause))
	m.scheduleReconnect(next, cause)
}

// scheduleReconnect enters the reconnecting state and either gives up or
// arms the next attempt's timer for the given epoch.
func (m *Manager) scheduleReconnect(gen uint64, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	made := m.attempts
	maxAttempts := m.cfg.MaxReconnectAttempts
	m.mu.Unlock()

	m.setState(StateReconnecting)

	if maxAttempts > 0 && made >= maxAttempts {
		m.setState(StateError)
		m.log.Error("Reconnect budget exhausted",
			logger.Int("attempts", made),
			logger.Error(cause),
		)
		return
	}

	delay := m.reconnectDelay(made)
	m.log.Info("Reconnecting",
		logger.Int("next_attempt", made+1),
		logger.Duration("delay", delay),
	)
	m.metrics.RecordReconnect()

	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		<-timer.C
		// A stale epoch dies inside dial.
		_ = m.dial(context.Background(), gen)
	}()
}

// reconnectDelay returns the wait before the next attempt given the number
// of attempts already made.
func (m *Manager) reconnectDelay(made int) time.Duration {
	if !m.cfg.ExponentialBackoff || made <= 1 {
		return m.cfg.ReconnectInterval
	}
	delay := time.Duration(float64(m.cfg.ReconnectInterval) * math.Pow(2, float64(made-1)))
	if delay > m.cfg.MaxReconnectInterval || delay <= 0 {
		return m.cfg.MaxReconnectInterval
	}
	return delay
}

// readLoop pumps inbound messages until the session ends. Messages that do
// not decode are dropped; they never take the loop down.
func (m *Manager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.teardown(gen, err)
			return
		}

		m.lastInbound.Store(time.Now().UnixNano())

		env, err := protocol.Decode(data)
		if err != nil {
			m.log.Warn("Dropping undecodable message", logger.Error(err))
			continue
		}
		m.metrics.RecordReceived(env.Type.String())

		if env.Type == protocol.KindHeartbeat {
			m.handleHeartbeat(env)
			continue
		}

		if err := m.router.Dispatch(ctx, env); err != nil {
			m.log.Warn("Message handler failed",
				logger.String("kind", env.Type.String()),
				logger.Error(err),
			)
		}
	}
}

// handleHeartbeat treats an echo of our own sequence as an ack and answers
// peer-initiated heartbeats in kind.
func (m *Manager) handleHeartbeat(env protocol.Envelope) {
	var hb protocol.HeartbeatPayload
	if err := env.DecodePayload(&hb); err != nil {
		m.log.Debug("Malformed heartbeat payload", logger.Error(err))
		return
	}

	if hb.Seq > 0 && hb.Seq <= m.heartbeatSeq.Load() {
		if !hb.SentAt.IsZero() {
			m.metrics.ObserveHeartbeatRTT(time.Since(hb.SentAt))
		}
		return
	}

	reply, err := protocol.Encode(protocol.KindHeartbeat, hb)
	if err != nil {
		return
	}
	m.enqueue(reply)
}

// writeLoop drains the outbound queue while the session lives. Entries are
// removed only after a successful write so an interrupted flush resumes in
// order on the next connection.
func (m *Manager) writeLoop(ctx context.Context, conn Conn, gen uint64) {
	limiter := rate.NewLimiter(m.cfg.FlushRate, defaultFlushBurst)

	for {
		seq, env, ok := m.queue.Peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.queue.Wake():
				continue
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		data, err := env.Marshal()
		if err != nil {
			// Unmarshalable payloads can never be written; drop them.
			m.log.Error("Dropping unencodable message",
				logger.String("kind", env.Type.String()),
				logger.Error(err),
			)
			m.queue.Remove(seq)
			continue
		}

		if err := conn.Write(ctx, data); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.teardown(gen, err)
			return
		}

		m.queue.Remove(seq)
		m.metrics.RecordSent(env.Type.String())
		m.metrics.SetQueueDepth(m.queue.Len())
	}
}

// heartbeatLoop sends keepalives and supervises channel liveness. A silent
// channel past the timeout is torn down so the reconnect cycle can replace
// it; waiting for TCP to notice a dead peer can take minutes.
func (m *Manager) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.cfg.HeartbeatTimeout > 0 {
				last := time.Unix(0, m.lastInbound.Load())
				if silence := time.Since(last); silence > m.cfg.HeartbeatTimeout {
					m.log.Warn("Heartbeat timeout, recycling connection",
						logger.Duration("silence", silence),
						logger.Duration("timeout", m.cfg.HeartbeatTimeout),
					)
					m.teardown(gen, errs.New(errs.KindTransient, "realtime.heartbeat", "channel silent past heartbeat timeout"))
					return
				}
			}

			env, err := protocol.NewHeartbeat(m.heartbeatSeq.Add(1))
			if err != nil {
				continue
			}
			m.enqueue(env)
		}
	}
}

// spill parks the queued outbound messages in the store.
func (m *Manager) spill() {
	if m.store == nil {
		return
	}

	envs := m.queue.Drain()
	m.metrics.SetQueueDepth(0)
	if len(envs) == 0 {
		return
	}

	data, err := json.Marshal(envs)
	if err != nil {
		m.log.Error("Failed to encode outbound spill", logger.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), spillTimeout)
	defer cancel()

	if err := m.store.Put(ctx, spillKey, data); err != nil {
		m.log.Error("Failed to spill outbound queue",
			logger.Int("messages", len(envs)),
			logger.Error(err),
		)
		return
	}
	m.log.Info("Spilled outbound queue", logger.Int("messages", len(envs)))
}

// restore loads spilled messages ahead of anything queued since.
func (m *Manager) restore() {
	if m.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), spillTimeout)
	defer cancel()

	data, err := m.store.Get(ctx, spillKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			m.log.Warn("Failed to read outbound spill", logger.Error(err))
		}
		return
	}

	var envs []protocol.Envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		m.log.Error("Discarding corrupt outbound spill", logger.Error(err))
		_ = m.store.Delete(ctx, spillKey)
		return
	}

	m.queue.Load(envs)
	m.metrics.SetQueueDepth(m.queue.Len())
	if err := m.store.Delete(ctx, spillKey); err != nil {
		m.log.Warn("Failed to clear outbound spill", logger.Error(err))
	}
	m.log.Info("Restored outbound queue", logger.Int("messages", len(envs)))
}
