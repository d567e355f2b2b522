package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rentchat/internal/apperr"
	"rentchat/internal/realtime"
)

type fakeSocket struct {
	mu       sync.Mutex
	handlers map[string]map[uint64]realtime.Handler
	next     uint64
}

func (f *fakeSocket) Subscribe(event string, h realtime.Handler) realtime.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]map[uint64]realtime.Handler{}
	}
	if f.handlers[event] == nil {
		f.handlers[event] = map[uint64]realtime.Handler{}
	}
	f.next++
	f.handlers[event][f.next] = h
	return realtime.Subscription{Event: event, ID: f.next}
}

func (f *fakeSocket) Unsubscribe(sub realtime.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[sub.Event], sub.ID)
}

func (f *fakeSocket) push(t *testing.T, event string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	f.mu.Lock()
	var hs []realtime.Handler
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(b)
	}
}

func (f *fakeSocket) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

type fakeBackend struct {
	mu      sync.Mutex
	list    []Notification
	listErr error
	onList  func()
	onMark  func(id string)
	failIDs map[string]bool
	block   map[string]chan struct{}
	marked  []string
	prefs   Preferences
}

func (b *fakeBackend) ListNotifications(context.Context) ([]Notification, error) {
	if b.onList != nil {
		b.onList()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.list...), b.listErr
}

func (b *fakeBackend) MarkNotificationRead(_ context.Context, id string) error {
	b.mu.Lock()
	gate := b.block[id]
	fail := b.failIDs[id]
	hook := b.onMark
	b.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if gate != nil {
		<-gate
	}
	if fail {
		return apperr.Request("mark notification read", 500, nil)
	}
	b.mu.Lock()
	b.marked = append(b.marked, id)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) GetPreferences(context.Context) (Preferences, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefs, nil
}

func (b *fakeBackend) UpdatePreferences(_ context.Context, p Preferences) (Preferences, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefs = p
	return p, nil
}

func (b *fakeBackend) markedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.marked)
}

func note(id string, read bool) Notification {
	return Notification{ID: id, Type: "booking", Message: "booking " + id, CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), Read: read}
}

func newTestHub(t *testing.T, b *fakeBackend, cfg HubConfig) (*Hub, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	cfg.Socket = sock
	cfg.Backend = b
	h, err := NewHub(cfg)
	require.NoError(t, err)
	t.Cleanup(h.Deactivate)
	return h, sock
}

func listIDs(ns []Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.ID)
	}
	return out
}

func TestHub_ActivateSeedsAndCountsUnread(t *testing.T) {
	b := &fakeBackend{list: []Notification{note("n3", false), note("n2", true), note("n1", false)}}
	h, sock := newTestHub(t, b, HubConfig{})

	require.NoError(t, h.Activate(context.Background()))
	require.Equal(t, 2, h.UnreadCount())
	require.Equal(t, []string{"n3", "n2", "n1"}, listIDs(h.Notifications()))
	require.Equal(t, 1, sock.count(EventNotification))

	require.NoError(t, h.Activate(context.Background()))
	require.Equal(t, 1, sock.count(EventNotification))
}

func TestHub_PushPrependsAndIncrements(t *testing.T) {
	b := &fakeBackend{list: []Notification{note("n1", false)}}
	h, sock := newTestHub(t, b, HubConfig{})
	require.NoError(t, h.Activate(context.Background()))

	sock.push(t, EventNotification, note("n2", false))
	sock.push(t, EventNotification, note("n2", false))
	require.Equal(t, []string{"n2", "n1"}, listIDs(h.Notifications()))
	require.Equal(t, 2, h.UnreadCount())
}

func TestHub_PushDuringSeedIsKept(t *testing.T) {
	b := &fakeBackend{list: []Notification{note("n2", true), note("n1", false)}}
	var sock *fakeSocket
	b.onList = func() {
		sock.push(t, EventNotification, note("n3", false))
		sock.push(t, EventNotification, note("n2", false))
	}
	var h *Hub
	h, sock = newTestHub(t, b, HubConfig{})

	require.NoError(t, h.Activate(context.Background()))
	require.Equal(t, []string{"n3", "n2", "n1"}, listIDs(h.Notifications()))
	require.Equal(t, 2, h.UnreadCount())
}

func TestHub_ActivateFailureUnsubscribes(t *testing.T) {
	b := &fakeBackend{listErr: apperr.Request("list notifications", 502, nil)}
	h, sock := newTestHub(t, b, HubConfig{})

	err := h.Activate(context.Background())
	require.True(t, apperr.IsRequest(err))
	require.Zero(t, sock.count(EventNotification))
}

func TestHub_DeactivateDuringSeedAbortsActivate(t *testing.T) {
	b := &fakeBackend{list: []Notification{note("n2", false), note("n1", false)}}
	var h *Hub
	b.onList = func() { h.Deactivate() }
	h, sock := newTestHub(t, b, HubConfig{ResyncOnReconnect: true})

	require.ErrorIs(t, h.Activate(context.Background()), ErrDeactivated)
	require.Zero(t, h.UnreadCount())
	require.Empty(t, h.Notifications())
	require.Zero(t, sock.count(EventNotification))
	require.Zero(t, sock.count(realtime.EventConnect))

	sock.push(t, EventNotification, note("n3", false))
	require.Empty(t, h.Notifications())

	b.onList = nil
	require.NoError(t, h.Activate(context.Background()))
	require.Equal(t, 2, h.UnreadCount())
	sock.push(t, EventNotification, note("n3", false))
	require.Equal(t, 3, h.UnreadCount())
}

func TestHub_MarkAsRead(t *testing.T) {
	b := &fakeBackend{list: []Notification{note("n2", false), note("n1", false)}, failIDs: map[string]bool{"n1": true}}
	var reported []error
	h, _ := newTestHub(t, b, HubConfig{OnError: func(err error) { reported = append(reported, err) }})
	require.NoError(t, h.Activate(context.Background()))

	require.NoError(t, h.MarkAsRead(context.Background(), "n2"))
	require.Equal(t, 1, h.UnreadCount())
	require.NoError(t, h.MarkAsRead(context.Background(), "n2"))
	require.Equal(t, 1, b.markedCount())

	err := h.MarkAsRead(context.Background(), "n1")
	require.True(t, apperr.IsRequest(err))
	require.Equal(t, 1, h.UnreadCount())
	require.False(t, h.Notifications()[1].Read)
	require.Empty(t, reported)

	require.ErrorIs(t, h.MarkAsRead(context.Background(), "nope"), ErrUnknownNotification)
}

func TestHub_MarkAllAsReadDoesNotWaitForResponses(t *testing.T) {
	var list []Notification
	for i := 5; i >= 1; i-- {
		list = append(list, note(fmt.Sprintf("n%d", i), false))
	}
	list = append(list, note("n0", true))
	gate := make(chan struct{})
	b := &fakeBackend{list: list, block: map[string]chan struct{}{"n3": gate}}
	h, _ := newTestHub(t, b, HubConfig{})
	require.NoError(t, h.Activate(context.Background()))
	require.Equal(t, 5, h.UnreadCount())

	done := h.MarkAllAsRead(context.Background())
	require.Zero(t, h.UnreadCount())
	for _, n := range h.Notifications() {
		require.True(t, n.Read, n.ID)
	}

	require.Eventually(t, func() bool { return b.markedCount() == 4 }, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("result delivered while a request is in flight")
	default:
	}

	close(gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("mark all did not finish")
	}
	require.Equal(t, 5, b.markedCount())
}

func TestHub_MarkAllAsReadLeavesLaterPushUnread(t *testing.T) {
	b := &fakeBackend{list: []Notification{note("n2", false), note("n1", false)}}
	h, sock := newTestHub(t, b, HubConfig{})
	require.NoError(t, h.Activate(context.Background()))

	var once sync.Once
	b.onMark = func(string) {
		once.Do(func() { sock.push(t, EventNotification, note("n9", false)) })
	}

	require.NoError(t, <-h.MarkAllAsRead(context.Background()))
	require.Equal(t, 1, h.UnreadCount())
	ns := h.Notifications()
	require.Equal(t, "n9", ns[0].ID)
	require.False(t, ns[0].Read)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.ElementsMatch(t, []string{"n1", "n2"}, b.marked)
}

func TestHub_MarkAllAsReadReportsFailure(t *testing.T) {
	b := &fakeBackend{list: []Notification{note("n2", false), note("n1", false)}, failIDs: map[string]bool{"n1": true}}
	errs := make(chan error, 1)
	h, _ := newTestHub(t, b, HubConfig{OnError: func(err error) { errs <- err }})
	require.NoError(t, h.Activate(context.Background()))

	err := <-h.MarkAllAsRead(context.Background())
	require.True(t, apperr.IsRequest(err))
	require.ErrorContains(t, <-errs, "n1")
	require.Zero(t, h.UnreadCount())
}

func TestHub_ResyncOnReconnect(t *testing.T) {
	b := &fakeBackend{list: []Notification{note("n1", false)}}
	h, sock := newTestHub(t, b, HubConfig{ResyncOnReconnect: true})
	require.NoError(t, h.Activate(context.Background()))

	b.mu.Lock()
	b.list = []Notification{note("n2", false), note("n1", true)}
	b.mu.Unlock()
	sock.push(t, realtime.EventConnect, nil)

	require.Eventually(t, func() bool { return len(h.Notifications()) == 2 && h.UnreadCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_Preferences(t *testing.T) {
	b := &fakeBackend{prefs: Preferences{Email: true}}
	h, _ := newTestHub(t, b, HubConfig{})

	p, err := h.Preferences(context.Background())
	require.NoError(t, err)
	require.True(t, p.Email)

	p, err = h.UpdatePreferences(context.Background(), Preferences{Push: true, MutedTypes: []string{"review"}})
	require.NoError(t, err)
	require.Equal(t, []string{"review"}, p.MutedTypes)
}
