package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"rentchat/internal/apperr"
)

type fakeConn struct {
	mu        sync.Mutex
	written   []Envelope
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.inbound:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := MarshalData(data)
	require.NoError(t, err)
	b, err := json.Marshal(Envelope{Event: event, Data: raw})
	require.NoError(t, err)
	c.inbound <- b
}

func (c *fakeConn) events() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.written...)
}

type fakeDialer struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	tokens []string
	conns  []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.tokens = append(d.tokens, token)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.conns) > i
	}, 2*time.Second, 5*time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestManager(t *testing.T, d Dialer, step time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(Options{Dialer: d, MaxAttempts: 3, BackoffStep: step, PingPeriod: -1})
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)
	return m
}

func TestEmitBeforeConnect(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, time.Millisecond)
	require.ErrorIs(t, m.Emit("join_chat", "c-1"), ErrNotConnected)
	require.Equal(t, Disconnected, m.State())
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, time.Millisecond)

	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.Equal(t, Connected, m.State())
	require.Equal(t, 1, d.callCount())
}

func TestConnectRequiresToken(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, time.Millisecond)
	err := m.Connect(context.Background(), " ")
	require.True(t, apperr.IsAuth(err))
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestPendingReplayedOnceInOrder(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, 200*time.Millisecond)
	require.NoError(t, m.Connect(context.Background(), "tok"))

	first := d.conn(t, 0)
	require.NoError(t, m.Emit("new_message", map[string]string{"content": "a"}))
	_ = first.Close()

	require.NoError(t, m.Emit("new_message", map[string]string{"content": "b"}))
	require.NoError(t, m.Emit("new_message", map[string]string{"content": "c"}))

	second := d.conn(t, 1)
	require.Eventually(t, func() bool { return len(second.events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, 5*time.Millisecond)

	got := second.events()
	require.JSONEq(t, `{"content":"b"}`, string(got[0].Data))
	require.JSONEq(t, `{"content":"c"}`, string(got[1].Data))
	require.Equal(t, uint64(2), got[0].Seq)
	require.Equal(t, uint64(3), got[1].Seq)
	require.Len(t, first.events(), 1)
	require.Zero(t, m.Pending())

	require.NoError(t, m.Emit("new_message", map[string]string{"content": "d"}))
	require.Eventually(t, func() bool { return len(second.events()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(4), second.events()[2].Seq)
}

func TestRetriesExhaustedIsTerminal(t *testing.T) {
	boom := errors.New("connection refused")
	d := &fakeDialer{errs: []error{boom, boom, boom}}
	m := newTestManager(t, d, time.Millisecond)

	var connectErrors, failed atomic.Int32
	m.Subscribe(EventConnectError, func(json.RawMessage) { connectErrors.Add(1) })
	m.Subscribe(EventConnectFailed, func(json.RawMessage) { failed.Add(1) })

	err := m.Connect(context.Background(), "tok")
	require.Error(t, err)
	require.True(t, apperr.IsConnection(err))
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, int32(3), connectErrors.Load())
	require.Equal(t, int32(1), failed.Load())
	require.Equal(t, Disconnected, m.State())
	require.Equal(t, err, m.Err())
	require.ErrorIs(t, m.Emit("join_chat", "c-1"), ErrNotConnected)
}

func TestAuthRejectionIsNotRetried(t *testing.T) {
	d := &fakeDialer{errs: []error{&apperr.AuthError{Reason: "handshake rejected"}}}
	m := newTestManager(t, d, time.Millisecond)

	err := m.Connect(context.Background(), "tok")
	require.True(t, apperr.IsAuth(err))
	require.Equal(t, 1, d.callCount())
	require.Equal(t, Disconnected, m.State())
}

func TestHandlersSurviveReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, 10*time.Millisecond)

	var mu sync.Mutex
	var got []string
	sub := m.Subscribe("new_message", func(data json.RawMessage) {
		var v struct{ Content string }
		_ = json.Unmarshal(data, &v)
		mu.Lock()
		got = append(got, v.Content)
		mu.Unlock()
	})
	var barrier atomic.Int32
	m.Subscribe("barrier", func(json.RawMessage) { barrier.Add(1) })
	received := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}

	require.NoError(t, m.Connect(context.Background(), "tok"))
	first := d.conn(t, 0)
	first.push(t, "new_message", map[string]string{"content": "one"})
	require.Eventually(t, func() bool { return len(received()) == 1 }, time.Second, 5*time.Millisecond)

	_ = first.Close()
	second := d.conn(t, 1)
	second.push(t, "new_message", map[string]string{"content": "two"})
	require.Eventually(t, func() bool { return len(received()) == 2 }, time.Second, 5*time.Millisecond)

	m.Unsubscribe(sub)
	second.push(t, "new_message", map[string]string{"content": "three"})
	second.push(t, "barrier", nil)
	require.Eventually(t, func() bool { return barrier.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"one", "two"}, received())
}

func TestDisconnectClearsQueueKeepsHandlers(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, time.Hour)

	var hits atomic.Int32
	m.Subscribe("notification", func(json.RawMessage) { hits.Add(1) })

	require.NoError(t, m.Connect(context.Background(), "tok"))
	_ = d.conn(t, 0).Close()
	require.Eventually(t, func() bool { return m.State() == Connecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Emit("join_chat", "c-1"))
	require.Equal(t, 1, m.Pending())

	m.Disconnect()
	require.Zero(t, m.Pending())
	require.Equal(t, Disconnected, m.State())
	require.ErrorIs(t, m.Emit("join_chat", "c-1"), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), "tok"))
	c := d.conn(t, 1)
	require.Empty(t, c.events())
	c.push(t, "notification", map[string]string{"id": "n-1"})
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPendingQueueBound(t *testing.T) {
	d := &fakeDialer{}
	m, err := NewManager(Options{Dialer: d, MaxAttempts: 3, BackoffStep: time.Hour, MaxPending: 2, PingPeriod: -1})
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background(), "tok"))
	_ = d.conn(t, 0).Close()
	require.Eventually(t, func() bool { return m.State() == Connecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Emit("a", nil))
	require.NoError(t, m.Emit("b", nil))
	require.ErrorIs(t, m.Emit("c", nil), ErrQueueFull)
}

func TestBatchedFrameDispatchesEachEnvelope(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, time.Millisecond)

	var hits atomic.Int32
	m.Subscribe("message_expired", func(json.RawMessage) { hits.Add(1) })
	require.NoError(t, m.Connect(context.Background(), "tok"))

	d.conn(t, 0).inbound <- []byte("{\"event\":\"message_expired\",\"data\":\"m-1\"}\nnot json\n{\"event\":\"message_expired\",\"data\":\"m-2\"}")
	require.Eventually(t, func() bool { return hits.Load() == 2 }, time.Second, 5*time.Millisecond)
}
