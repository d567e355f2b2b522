// Package realtime owns the single physical connection of an authenticated session and multiplexes
// named events over it.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rentchat/internal/apperr"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffStep = time.Second
	defaultMaxPending  = 1024
	defaultWriteWait   = 10 * time.Second
	defaultPingPeriod  = 54 * time.Second
)

var (
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrQueueFull        = errors.New("realtime: pending queue full")
	ErrRetriesExhausted = errors.New("realtime: reconnect attempts exhausted")
	ErrMissingToken     = errors.New("realtime: missing token")

	errStale = errors.New("realtime: connection superseded")
)

type Status int32

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

// Subscription identifies one registered handler.
type Subscription struct {
	Event string
	ID    uint64
}

type Options struct {
	Dialer Dialer
	// MaxAttempts bounds consecutive failed dials before the manager gives up.
	MaxAttempts int
	// BackoffStep is multiplied by the attempt number before each re-dial.
	BackoffStep time.Duration
	// MaxPending bounds events buffered while not connected. Emit rejects beyond it.
	MaxPending int
	PingPeriod time.Duration
	WriteWait  time.Duration
}

type outbound struct {
	event string
	data  json.RawMessage
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Manager is constructed once per login and shared by every conversation session and the
// notification hub. Handlers run one at a time on the manager's connection goroutine, in the
// order the server sent the frames.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	state    Status
	gen      uint64
	cancel   context.CancelFunc
	conn     Conn
	pending  []outbound
	seq      uint64
	err      error
	handlers map[string][]handlerEntry
	nextSub  uint64
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, errors.New("realtime: dialer is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = defaultBackoffStep
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PingPeriod == 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	return &Manager{
		opts:     opts,
		log:      log.With().Str("component", "realtime").Logger(),
		handlers: map[string][]handlerEntry{},
	}, nil
}

// Connect opens the connection and blocks until it is established or has failed terminally.
// Calling it while a connection exists or is being established is a no-op. Drops after the first
// success are retried in the background.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return &apperr.AuthError{Reason: "token missing", Err: ErrMissingToken}
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.state = Connecting
	m.err = nil
	m.mu.Unlock()

	ready := make(chan error, 1)
	go m.run(runCtx, gen, token, ready)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		m.fail(gen, ctx.Err())
		return errors.Wrap(ctx.Err(), "connect")
	}
}

// Emit sends the event now when connected, otherwise buffers it for the next connection.
// Before the first Connect and after Disconnect or a terminal failure it returns ErrNotConnected.
func (m *Manager) Emit(event string, data any) error {
	if event == "" {
		return apperr.Validation("event", "must not be empty")
	}
	raw, err := MarshalData(data)
	if err != nil {
		return err
	}
	ev := outbound{event: event, data: raw}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return ErrNotConnected
	}
	if m.state == Connected {
		err := m.writeLocked(ev)
		if err == nil {
			return nil
		}
		// The read loop sees the broken connection and reconnects; keep the event for the replay.
		m.log.Warn().Err(err).Str("event", event).Msg("write failed, buffering")
		_ = m.conn.Close()
	}
	if len(m.pending) >= m.opts.MaxPending {
		return ErrQueueFull
	}
	m.pending = append(m.pending, ev)
	return nil
}

// Subscribe registers h for event. Registrations survive reconnects and Disconnect.
func (m *Manager) Subscribe(event string, h Handler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: m.nextSub, fn: h})
	return Subscription{Event: event, ID: m.nextSub}
}

func (m *Manager) Unsubscribe(s Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.handlers[s.Event]
	for i, h := range hs {
		if h.id == s.ID {
			hs = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(hs) == 0 {
		delete(m.handlers, s.Event)
		return
	}
	m.handlers[s.Event] = hs
}

// Disconnect closes the connection and drops buffered events. Handlers stay registered.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	m.conn = nil
	m.pending = nil
	m.state = Disconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.log.Info().Msg("disconnected by client")
}

func (m *Manager) State() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the terminal failure of the last connection run, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) run(ctx context.Context, gen uint64, token string, ready chan<- error) {
	logger := m.log.With().Uint64("gen", gen).Logger()
	signalled := false
	signal := func(err error) {
		if !signalled {
			signalled = true
			ready <- err
		}
	}

	reconnect := false
	for {
		conn, err := m.dialWithRetry(ctx, token, reconnect)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("connect failed")
				m.fail(gen, err)
				attempts := 1
				var ce *apperr.ConnectionError
				if errors.As(err, &ce) {
					attempts = ce.Attempts
				}
				m.dispatchValue(EventConnectFailed, ConnectErrorPayload{Attempt: attempts, Error: err.Error()})
			}
			signal(err)
			return
		}

		if err := m.activate(gen, conn); err != nil {
			_ = conn.Close()
			if errors.Is(err, errStale) {
				signal(ErrNotConnected)
				return
			}
			logger.Warn().Err(err).Msg("replay interrupted, reconnecting")
			reconnect = true
			continue
		}
		signal(nil)
		logger.Info().Bool("reconnect", reconnect).Msg("connected")
		m.dispatch(EventConnect, nil)

		stop := make(chan struct{})
		go m.keepalive(conn, stop)
		reason := m.readLoop(conn)
		close(stop)
		_ = conn.Close()

		if !m.deactivate(gen, conn) {
			return
		}
		logger.Info().Str("reason", reason).Msg("connection lost")
		m.dispatchValue(EventDisconnect, DisconnectPayload{Reason: reason})
		reconnect = true
	}
}

// dialWithRetry makes up to MaxAttempts dials. A reconnect waits attempt*BackoffStep before each
// dial; the initial connect dials at once and waits (attempt-1)*BackoffStep afterwards.
func (m *Manager) dialWithRetry(ctx context.Context, token string, reconnect bool) (Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		steps := attempt
		if !reconnect {
			steps = attempt - 1
		}
		if steps > 0 {
			t := time.NewTimer(time.Duration(steps) * m.opts.BackoffStep)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		m.log.Debug().Int("attempt", attempt).Bool("reconnect", reconnect).Msg("dialing")
		conn, err := m.opts.Dialer.Dial(ctx, token)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if apperr.IsAuth(err) {
			return nil, err
		}
		lastErr = err
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("connect_error")
		m.dispatchValue(EventConnectError, ConnectErrorPayload{Attempt: attempt, Error: err.Error()})
	}
	return nil, &apperr.ConnectionError{
		Attempts: m.opts.MaxAttempts,
		Final:    true,
		Err:      errors.Wrapf(ErrRetriesExhausted, "%v", lastErr),
	}
}

// activate replays the pending queue on conn and only then publishes the Connected state, so an
// Emit racing the replay waits on the lock and lands after the buffered events.
func (m *Manager) activate(gen uint64, conn Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.cancel == nil {
		return errStale
	}
	m.conn = conn
	for len(m.pending) > 0 {
		if err := m.writeLocked(m.pending[0]); err != nil {
			m.conn = nil
			return errors.Wrapf(err, "replay (%d left)", len(m.pending))
		}
		m.pending = m.pending[1:]
	}
	m.pending = nil
	m.state = Connected
	m.err = nil
	return nil
}

func (m *Manager) deactivate(gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.cancel == nil {
		return false
	}
	if m.conn == conn {
		m.conn = nil
	}
	m.state = Connecting
	return true
}

// fail ends the run for gen. Buffered events are kept so a later Connect can still deliver them.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = Disconnected
	m.err = err
}

func (m *Manager) writeLocked(ev outbound) error {
	b, err := json.Marshal(Envelope{Event: ev.event, Data: ev.data, Seq: m.seq + 1})
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
	if err := m.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Wrapf(err, "write %s", ev.event)
	}
	m.seq++
	m.log.Debug().Str("event", ev.event).Uint64("seq", m.seq).Msg("sent")
	return nil
}

// readLoop dispatches inbound frames until the connection fails. A frame may carry several
// newline separated envelopes.
func (m *Manager) readLoop(conn Conn) string {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Warn().Err(err).Msg("read failed")
			}
			return err.Error()
		}
		for _, frame := range bytes.Split(message, []byte{'\n'}) {
			frame = bytes.TrimSpace(frame)
			if len(frame) == 0 {
				continue
			}
			env, err := DecodeEnvelope(frame)
			if err != nil {
				m.log.Warn().Err(err).Msg("dropping undecodable frame")
				continue
			}
			m.dispatch(env.Event, env.Data)
		}
	}
}

func (m *Manager) keepalive(conn Conn, stop <-chan struct{}) {
	if m.opts.PingPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(m.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.conn != conn {
				m.mu.Unlock()
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.mu.Unlock()
			if err != nil {
				m.log.Warn().Err(err).Msg("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) dispatchValue(event string, v any) {
	raw, err := MarshalData(v)
	if err != nil {
		m.log.Error().Err(err).Str("event", event).Msg("encode lifecycle event")
		return
	}
	m.dispatch(event, raw)
}

func (m *Manager) dispatch(event string, data json.RawMessage) {
	m.mu.Lock()
	hs := append([]handlerEntry(nil), m.handlers[event]...)
	m.mu.Unlock()

	if len(hs) == 0 {
		m.log.Debug().Str("event", event).Msg("no handler")
		return
	}
	for _, h := range hs {
		m.invoke(event, h.fn, data)
	}
}

func (m *Manager) invoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("event", event).Msg("handler panicked")
		}
	}()
	fn(data)
}
