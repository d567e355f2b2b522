package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rentchat/internal/realtime"
)

type emitted struct {
	event string
	data  json.RawMessage
}

type fakeSocket struct {
	mu       sync.Mutex
	emits    []emitted
	handlers map[string]map[uint64]realtime.Handler
	next     uint64
	emitErr  error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{handlers: map[string]map[uint64]realtime.Handler{}}
}

func (f *fakeSocket) Emit(event string, data any) error {
	raw, err := realtime.MarshalData(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{event: event, data: raw})
	return nil
}

func (f *fakeSocket) Subscribe(event string, h realtime.Handler) realtime.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.handlers[event] == nil {
		f.handlers[event] = map[uint64]realtime.Handler{}
	}
	f.handlers[event][f.next] = h
	return realtime.Subscription{Event: event, ID: f.next}
}

func (f *fakeSocket) Unsubscribe(sub realtime.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[sub.Event], sub.ID)
}

func (f *fakeSocket) deliver(t *testing.T, event string, v any) {
	t.Helper()
	raw, err := realtime.MarshalData(v)
	require.NoError(t, err)
	f.mu.Lock()
	var hs []realtime.Handler
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func (f *fakeSocket) sent(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

func (f *fakeSocket) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

type fakeHistory struct {
	msgs    []Message
	err     error
	onFetch func()
}

func (h *fakeHistory) FetchHistory(_ context.Context, _ string) ([]Message, error) {
	if h.onFetch != nil {
		h.onFetch()
	}
	return h.msgs, h.err
}

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (d *fakeDeleter) DeleteMessage(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.deleted = append(d.deleted, id)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
