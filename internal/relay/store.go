package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"rentchat/internal/chat"
	"rentchat/internal/notify"
)

var ErrNotFound = errors.New("relay: not found")

// Store persists what the relay needs to answer the REST collaborator endpoints.
type Store interface {
	SaveMessage(ctx context.Context, m chat.Message) error
	// History returns unexpired messages of a conversation, oldest first.
	History(ctx context.Context, conversationID string, now time.Time, limit int) ([]chat.Message, error)
	GetMessage(ctx context.Context, id string) (chat.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// MarkRead records userID as reader of the given messages of a conversation and returns the
	// ids that changed. Own messages and already read ones are skipped.
	MarkRead(ctx context.Context, conversationID string, ids []string, userID string) ([]string, error)
	// DeleteExpired removes and returns messages whose expiry lies before now.
	DeleteExpired(ctx context.Context, now time.Time) ([]chat.Message, error)

	// AddParticipants records users as members of a conversation. Repeats are ignored.
	AddParticipants(ctx context.Context, conversationID string, userIDs ...string) error
	// Participants lists a conversation's members. A conversation nobody wrote to has none.
	Participants(ctx context.Context, conversationID string) ([]string, error)

	AddNotification(ctx context.Context, userID string, n notify.Notification) error
	// Notifications returns a user's notifications, most recent first.
	Notifications(ctx context.Context, userID string) ([]notify.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
	Preferences(ctx context.Context, userID string) (notify.Preferences, error)
	SavePreferences(ctx context.Context, userID string, p notify.Preferences) error
}

func DefaultPreferences() notify.Preferences {
	return notify.Preferences{Email: true, Push: true}
}

type MemoryStore struct {
	mu            sync.Mutex
	messages      map[string]chat.Message
	notifications map[string][]notify.Notification
	prefs         map[string]notify.Preferences
	participants  map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      map[string]chat.Message{},
		notifications: map[string][]notify.Notification{},
		prefs:         map[string]notify.Preferences{},
		participants:  map[string]map[string]bool{},
	}
}

func (s *MemoryStore) SaveMessage(_ context.Context, m chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *MemoryStore) History(_ context.Context, conversationID string, now time.Time, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []chat.Message{}
	for _, m := range s.messages {
		if m.ConversationID == conversationID && !m.Expired(now) {
			m.ReadBy = append([]string(nil), m.ReadBy...)
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID string, ids []string, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.ConversationID != conversationID || m.SenderID == userID || m.ReadByUser(userID) {
			continue
		}
		m.ReadBy = append(append([]string(nil), m.ReadBy...), userID)
		s.messages[id] = m
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []chat.Message
	for id, m := range s.messages {
		if m.Expired(now) {
			expired = append(expired, m)
			delete(s.messages, id)
		}
	}
	return expired, nil
}

func (s *MemoryStore) AddParticipants(_ context.Context, conversationID string, userIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range userIDs {
		if u == "" {
			continue
		}
		if s.participants[conversationID] == nil {
			s.participants[conversationID] = map[string]bool{}
		}
		s.participants[conversationID][u] = true
	}
	return nil
}

func (s *MemoryStore) Participants(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.participants[conversationID]))
	for u := range s.participants[conversationID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) AddNotification(_ context.Context, userID string, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[userID] = append([]notify.Notification{n}, s.notifications[userID]...)
	return nil
}

func (s *MemoryStore) Notifications(_ context.Context, userID string) ([]notify.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification{}, s.notifications[userID]...), nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.notifications[userID]
	for i := range ns {
		if ns[i].ID == id {
			ns[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Preferences(_ context.Context, userID string) (notify.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	if !ok {
		return DefaultPreferences(), nil
	}
	return p, nil
}

func (s *MemoryStore) SavePreferences(_ context.Context, userID string, p notify.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[userID] = p
	return nil
}

// CanAccess reports whether userID may read or join a conversation: either nobody has written to
// it yet or the user is one of its participants.
func CanAccess(ctx context.Context, store Store, conversationID, userID string) (bool, error) {
	parts, err := store.Participants(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if len(parts) == 0 {
		return true, nil
	}
	for _, p := range parts {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}
