// Package notify keeps the session's notification list and unread counter in step with REST
// fetches and pushed notifications.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"rentchat/internal/apperr"
	"rentchat/internal/realtime"
)

const EventNotification = "notification"

var (
	ErrUnknownNotification = errors.New("notify: unknown notification")
	// ErrDeactivated is returned by Activate when Deactivate ran before the seed fetch finished.
	ErrDeactivated = errors.New("notify: hub deactivated during activation")
)

type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

type Preferences struct {
	Email      bool     `json:"email"`
	Push       bool     `json:"push"`
	MutedTypes []string `json:"mutedTypes,omitempty"`
}

// Backend is the REST side of notifications.
type Backend interface {
	ListNotifications(ctx context.Context) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	GetPreferences(ctx context.Context) (Preferences, error)
	UpdatePreferences(ctx context.Context, p Preferences) (Preferences, error)
}

type Socket interface {
	Subscribe(event string, h realtime.Handler) realtime.Subscription
	Unsubscribe(sub realtime.Subscription)
}

type HubConfig struct {
	Socket  Socket
	Backend Backend
	// OnError receives failures that happen after the call that caused them returned.
	OnError func(error)
	// ResyncOnReconnect reloads the list whenever the connection is re-established, picking up
	// pushes missed while offline.
	ResyncOnReconnect bool
}

type Hub struct {
	cfg HubConfig
	log zerolog.Logger

	mu      sync.Mutex
	active  bool
	gen     uint64
	seeding bool
	items   []Notification
	early   []Notification
	unread  int
	subs    []realtime.Subscription
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Socket == nil {
		return nil, errors.New("notify: socket is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("notify: backend is required")
	}
	return &Hub{cfg: cfg, log: log.With().Str("component", "notify").Logger()}, nil
}

// Activate subscribes to pushes and seeds the list from REST. Pushes that arrive during the fetch
// are kept unless the fetched list already has them.
func (h *Hub) Activate(ctx context.Context) error {
	h.mu.Lock()
	if h.active {
		h.mu.Unlock()
		return nil
	}
	h.active = true
	h.gen++
	gen := h.gen
	h.seeding = true
	h.items, h.early, h.unread = nil, nil, 0
	h.mu.Unlock()

	subs := []realtime.Subscription{h.cfg.Socket.Subscribe(EventNotification, h.onPush)}
	if h.cfg.ResyncOnReconnect {
		subs = append(subs, h.cfg.Socket.Subscribe(realtime.EventConnect, h.onReconnect))
	}
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		h.unsubscribe(subs)
		return ErrDeactivated
	}
	h.subs = subs
	h.mu.Unlock()

	list, err := h.cfg.Backend.ListNotifications(ctx)
	if err != nil {
		h.deactivate(gen)
		return err
	}

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return ErrDeactivated
	}
	h.seedLocked(list)
	n, unread := len(h.items), h.unread
	h.mu.Unlock()

	h.log.Info().Int("notifications", n).Int("unread", unread).Msg("notifications seeded")
	return nil
}

// Deactivate unsubscribes and forgets the local list. An Activate still waiting on its seed fetch
// returns ErrDeactivated.
func (h *Hub) Deactivate() {
	h.mu.Lock()
	gen := h.gen
	h.mu.Unlock()
	h.deactivate(gen)
}

// deactivate tears down activation gen; a newer activation is left alone.
func (h *Hub) deactivate(gen uint64) {
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.gen++
	subs := h.subs
	h.subs = nil
	h.active = false
	h.seeding = false
	h.items, h.early, h.unread = nil, nil, 0
	h.mu.Unlock()

	h.unsubscribe(subs)
}

func (h *Hub) unsubscribe(subs []realtime.Subscription) {
	for _, sub := range subs {
		h.cfg.Socket.Unsubscribe(sub)
	}
}

// Resync replaces the local list with the server's and recomputes the counter.
func (h *Hub) Resync(ctx context.Context) error {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return nil
	}
	gen := h.gen
	h.seeding = true
	h.mu.Unlock()

	list, err := h.cfg.Backend.ListNotifications(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active || h.gen != gen {
		return nil
	}
	if err != nil {
		// Keep the old list and fold in what arrived meanwhile.
		for i := len(h.early) - 1; i >= 0; i-- {
			h.pushLocked(h.early[i])
		}
		h.early = nil
		h.seeding = false
		return err
	}
	h.seedLocked(list)
	return nil
}

// MarkAsRead marks id read locally, then on the server. A failed request rolls the local change
// back and returns a *apperr.RequestError.
func (h *Hub) MarkAsRead(ctx context.Context, id string) error {
	h.mu.Lock()
	i := indexOf(h.items, id)
	if i < 0 {
		h.mu.Unlock()
		return errors.Wrap(ErrUnknownNotification, id)
	}
	if h.items[i].Read {
		h.mu.Unlock()
		return nil
	}
	h.items[i].Read = true
	h.unread--
	h.mu.Unlock()

	err := h.cfg.Backend.MarkNotificationRead(ctx, id)
	if err == nil {
		return nil
	}
	if !apperr.IsRequest(err) {
		err = apperr.Request("mark notification read", 0, err)
	}

	h.mu.Lock()
	if j := indexOf(h.items, id); j >= 0 && h.items[j].Read {
		h.items[j].Read = false
		h.unread++
	}
	h.mu.Unlock()

	h.log.Warn().Err(err).Str("id", id).Msg("mark read failed, rolled back")
	return err
}

// MarkAllAsRead issues one request per unread notification concurrently. The entries it requests
// are marked read in the same step that selects them, so the counter is zero when it returns
// without waiting for responses. A push arriving later stays unread. The returned channel yields
// the first failure, or nil, after all requests finish.
func (h *Hub) MarkAllAsRead(ctx context.Context) <-chan error {
	result := make(chan error, 1)

	h.mu.Lock()
	var ids []string
	for i := range h.items {
		if !h.items[i].Read {
			ids = append(ids, h.items[i].ID)
			h.items[i].Read = true
		}
	}
	h.unread -= len(ids)
	h.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := h.cfg.Backend.MarkNotificationRead(ctx, id); err != nil {
				if !apperr.IsRequest(err) {
					err = apperr.Request("mark notification read", 0, err)
				}
				return errors.Wrapf(err, "notification %s", id)
			}
			return nil
		})
	}

	go func() {
		err := g.Wait()
		if err != nil {
			h.log.Warn().Err(err).Int("requests", len(ids)).Msg("mark all read incomplete")
			h.report(err)
		}
		result <- err
		close(result)
	}()
	return result
}

// Notifications returns the list, most recent first.
func (h *Hub) Notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notification(nil), h.items...)
}

func (h *Hub) UnreadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unread
}

func (h *Hub) Preferences(ctx context.Context) (Preferences, error) {
	return h.cfg.Backend.GetPreferences(ctx)
}

func (h *Hub) UpdatePreferences(ctx context.Context, p Preferences) (Preferences, error) {
	return h.cfg.Backend.UpdatePreferences(ctx, p)
}

func (h *Hub) onPush(data json.RawMessage) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		h.log.Warn().Err(err).Msg("undecodable notification")
		return
	}
	if n.ID == "" {
		h.log.Warn().Msg("notification without id")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return
	}
	if h.seeding {
		if indexOf(h.early, n.ID) < 0 {
			h.early = append([]Notification{n}, h.early...)
		}
		return
	}
	h.pushLocked(n)
}

func (h *Hub) onReconnect(json.RawMessage) {
	go func() {
		if err := h.Resync(context.Background()); err != nil {
			h.log.Warn().Err(err).Msg("resync after reconnect failed")
			h.report(err)
		}
	}()
}

// pushLocked prepends n unless it is already known.
func (h *Hub) pushLocked(n Notification) {
	if indexOf(h.items, n.ID) >= 0 {
		return
	}
	h.items = append([]Notification{n}, h.items...)
	if !n.Read {
		h.unread++
	}
}

// seedLocked makes list the baseline, prepends pushes that arrived during the fetch and
// recounts unread entries.
func (h *Hub) seedLocked(list []Notification) {
	items := make([]Notification, 0, len(list)+len(h.early))
	for _, n := range h.early {
		if indexOf(list, n.ID) < 0 && indexOf(items, n.ID) < 0 {
			items = append(items, n)
		}
	}
	for _, n := range list {
		if indexOf(items, n.ID) < 0 {
			items = append(items, n)
		}
	}
	h.items = items
	h.early = nil
	h.seeding = false
	h.unread = 0
	for _, n := range h.items {
		if !n.Read {
			h.unread++
		}
	}
}

func (h *Hub) report(err error) {
	if h.cfg.OnError != nil {
		h.cfg.OnError(err)
	}
}

func indexOf(ns []Notification, id string) int {
	for i := range ns {
		if ns[i].ID == id {
			return i
		}
	}
	return -1
}
