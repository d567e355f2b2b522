// Package chat implements one open conversation on top of the shared realtime connection.
package chat

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rentchat/internal/apperr"
	"rentchat/internal/realtime"
)

const (
	DefaultTypingDelay   = 2000 * time.Millisecond
	DefaultSweepInterval = 60 * time.Second

	catchUpTimeout = 10 * time.Second
)

var (
	ErrNotActive = errors.New("chat: session is not active")
	ErrClosed    = errors.New("chat: session closed while joining")
)

// Socket is the part of realtime.Manager a session needs.
type Socket interface {
	Emit(event string, data any) error
	Subscribe(event string, h realtime.Handler) realtime.Subscription
	Unsubscribe(sub realtime.Subscription)
}

type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string) ([]Message, error)
}

type MessageDeleter interface {
	DeleteMessage(ctx context.Context, messageID string) error
}

type State int

const (
	Idle State = iota
	Joining
	Active
	Leaving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Leaving:
		return "leaving"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	KindHistoryLoaded  EventKind = "history_loaded"
	KindMessageAdded   EventKind = "message_added"
	KindMessageRemoved EventKind = "message_removed"
	KindTyping         EventKind = "typing"
	KindRead           EventKind = "read"
)

// Event describes a change to the session's visible state.
type Event struct {
	Kind       EventKind
	Message    *Message
	Messages   []Message
	MessageID  string
	MessageIDs []string
	UserID     string
	Typing     bool
}

type SessionConfig struct {
	ConversationID string
	LocalUserID    string
	// RecipientID is the other participant. messages_read without a user id is attributed to it.
	RecipientID string

	Socket  Socket
	History HistoryFetcher
	Deleter MessageDeleter

	TypingDelay   time.Duration
	SweepInterval time.Duration
	Now           func() time.Time

	// OnEvent is called outside the session lock, from the connection goroutine or the sweeper.
	OnEvent func(Event)
}

type Session struct {
	cfg       SessionConfig
	log       zerolog.Logger
	debouncer *TypingDebouncer
	sweeper   *ExpirySweeper

	mu       sync.Mutex
	state    State
	messages []Message
	early    []Message
	typing   map[string]bool
	subs     []realtime.Subscription
}

func NewSession(cfg SessionConfig) (*Session, error) {
	switch {
	case strings.TrimSpace(cfg.ConversationID) == "":
		return nil, apperr.Validation("conversationId", "must not be empty")
	case strings.TrimSpace(cfg.LocalUserID) == "":
		return nil, apperr.Validation("localUserId", "must not be empty")
	case cfg.Socket == nil:
		return nil, errors.New("chat: socket is required")
	case cfg.History == nil:
		return nil, errors.New("chat: history fetcher is required")
	}
	if cfg.TypingDelay <= 0 {
		cfg.TypingDelay = DefaultTypingDelay
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Session{
		cfg:    cfg,
		log:    log.With().Str("component", "chat").Str("conv_id", cfg.ConversationID).Logger(),
		typing: map[string]bool{},
	}
	s.debouncer = NewTypingDebouncer(cfg.TypingDelay,
		func() { s.emitTyping(EventTyping) },
		func() { s.emitTyping(EventStoppedTyping) },
	)
	s.sweeper = NewExpirySweeper(cfg.SweepInterval, cfg.Now, s.sweep)
	return s, nil
}

// Open joins the room, loads history and starts listening. Live messages that arrive while the
// history request is in flight are merged after the history.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		return errors.Errorf("chat: cannot open session in state %s", st)
	}
	s.state = Joining
	s.messages = nil
	s.early = nil
	s.typing = map[string]bool{}
	s.mu.Unlock()

	if !s.subscribe() {
		return ErrClosed
	}

	if err := s.cfg.Socket.Emit(EventJoin, s.cfg.ConversationID); err != nil {
		s.abort()
		return errors.Wrap(err, "join conversation")
	}

	history, err := s.cfg.History.FetchHistory(ctx, s.cfg.ConversationID)
	if err != nil {
		s.abort()
		_ = s.cfg.Socket.Emit(EventLeave, s.cfg.ConversationID)
		return err
	}

	s.mu.Lock()
	if s.state != Joining {
		s.mu.Unlock()
		return ErrClosed
	}
	now := s.cfg.Now()
	for _, m := range history {
		s.insertLocked(m, now)
	}
	for _, m := range s.early {
		s.insertLocked(m, now)
	}
	s.early = nil
	// Started before Active is visible so a concurrent Close always finds it running.
	s.sweeper.Start(context.Background())
	s.state = Active
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info().Int("messages", len(snapshot)).Msg("conversation opened")
	s.notify(Event{Kind: KindHistoryLoaded, Messages: snapshot})
	return nil
}

// Close leaves the room and releases the typing timer, sweeper and subscriptions.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Idle || s.state == Leaving {
		s.mu.Unlock()
		return nil
	}
	s.state = Leaving
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.cfg.Socket.Unsubscribe(sub)
	}
	wasTyping := s.debouncer.Cancel()
	s.sweeper.Stop()

	if wasTyping {
		s.emitTyping(EventStoppedTyping)
	}
	err := s.cfg.Socket.Emit(EventLeave, s.cfg.ConversationID)

	s.mu.Lock()
	s.state = Idle
	s.messages = nil
	s.early = nil
	s.typing = map[string]bool{}
	s.mu.Unlock()

	s.log.Info().Msg("conversation closed")
	if err != nil {
		return errors.Wrap(err, "leave conversation")
	}
	return nil
}

// Send emits a message. Nothing is appended locally: the server's echo adds it.
func (s *Session) Send(content string, ttl time.Duration) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return apperr.Validation("content", "message is empty")
	}
	if ttl < 0 {
		return apperr.Validation("ttl", "must not be negative")
	}
	if s.State() != Active {
		return ErrNotActive
	}

	out := OutgoingMessage{
		Content:        content,
		Sender:         s.cfg.LocalUserID,
		Recipient:      s.cfg.RecipientID,
		ConversationID: s.cfg.ConversationID,
	}
	if ttl > 0 {
		exp := s.cfg.Now().Add(ttl).UTC()
		out.ExpiresAt = &exp
	}
	if err := s.cfg.Socket.Emit(EventNewMessage, out); err != nil {
		return errors.Wrap(err, "send message")
	}
	return nil
}

// Keystroke feeds the typing debouncer.
func (s *Session) Keystroke() {
	if s.State() != Active {
		return
	}
	s.debouncer.Keystroke()
}

// MarkViewed acknowledges every visible message from other senders that the local user has not
// read yet, in one mark_read event. It returns the acknowledged ids.
func (s *Session) MarkViewed() ([]string, error) {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return nil, ErrNotActive
	}
	var ids []string
	for _, m := range s.messages {
		if m.SenderID != s.cfg.LocalUserID && !m.ReadByUser(s.cfg.LocalUserID) {
			ids = append(ids, m.ID)
		}
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.cfg.Socket.Emit(EventMarkRead, MarkReadPayload{ConversationID: s.cfg.ConversationID, MessageIDs: ids}); err != nil {
		return nil, errors.Wrap(err, "mark read")
	}
	s.applyRead(ids, s.cfg.LocalUserID)
	return ids, nil
}

// DeleteMessage removes a message through the REST collaborator and then locally.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		return apperr.Validation("messageId", "must not be empty")
	}
	if s.cfg.Deleter == nil {
		return errors.New("chat: session has no message deleter")
	}
	if err := s.cfg.Deleter.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.removeMessage(messageID)
	return nil
}

// Messages returns a copy of the visible messages in arrival order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.typing))
	for u := range s.typing {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SweepNow runs the expiry scan immediately.
func (s *Session) SweepNow() int {
	return s.sweeper.SweepOnce()
}

// subscribe registers the session's handlers. It reports false, leaving nothing registered, when
// Close ran while they were being added.
func (s *Session) subscribe() bool {
	subs := []realtime.Subscription{
		s.cfg.Socket.Subscribe(EventNewMessage, s.onNewMessage),
		s.cfg.Socket.Subscribe(EventTyping, func(data json.RawMessage) { s.onTyping(data, true) }),
		s.cfg.Socket.Subscribe(EventStoppedTyping, func(data json.RawMessage) { s.onTyping(data, false) }),
		s.cfg.Socket.Subscribe(EventMessageExpired, s.onExpired),
		s.cfg.Socket.Subscribe(EventMessagesRead, s.onRead),
		s.cfg.Socket.Subscribe(realtime.EventConnect, s.onReconnect),
	}
	s.mu.Lock()
	if s.state != Joining {
		s.mu.Unlock()
		for _, sub := range subs {
			s.cfg.Socket.Unsubscribe(sub)
		}
		return false
	}
	s.subs = subs
	s.mu.Unlock()
	return true
}

func (s *Session) abort() {
	s.mu.Lock()
	if s.state != Joining {
		s.mu.Unlock()
		return
	}
	subs := s.subs
	s.subs = nil
	s.state = Idle
	s.mu.Unlock()
	for _, sub := range subs {
		s.cfg.Socket.Unsubscribe(sub)
	}
}

// onReconnect rejoins the room on a fresh physical connection and fills in messages that were
// sent while the connection was down.
func (s *Session) onReconnect(json.RawMessage) {
	if s.State() != Active {
		return
	}
	if err := s.cfg.Socket.Emit(EventJoin, s.cfg.ConversationID); err != nil {
		s.log.Warn().Err(err).Msg("rejoin failed")
		return
	}
	go s.catchUp()
}

func (s *Session) catchUp() {
	ctx, cancel := context.WithTimeout(context.Background(), catchUpTimeout)
	defer cancel()
	history, err := s.cfg.History.FetchHistory(ctx, s.cfg.ConversationID)
	if err != nil {
		s.log.Warn().Err(err).Msg("history catch-up failed")
		return
	}

	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	now := s.cfg.Now()
	var added []Message
	for _, m := range history {
		if s.insertLocked(m, now) {
			added = append(added, m.clone())
		}
	}
	s.mu.Unlock()

	for i := range added {
		s.notify(Event{Kind: KindMessageAdded, Message: &added[i]})
	}
}

func (s *Session) onNewMessage(data json.RawMessage) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		s.log.Warn().Err(err).Msg("undecodable new_message")
		return
	}
	if m.ConversationID != s.cfg.ConversationID {
		return
	}
	if m.ID == "" {
		s.log.Warn().Msg("new_message without id")
		return
	}

	s.mu.Lock()
	var added bool
	switch s.state {
	case Joining:
		if indexOf(s.early, m.ID) < 0 {
			s.early = append(s.early, m)
		}
	case Active:
		added = s.insertLocked(m, s.cfg.Now())
	}
	s.mu.Unlock()

	if added {
		c := m.clone()
		s.notify(Event{Kind: KindMessageAdded, Message: &c})
	}
}

func (s *Session) onTyping(data json.RawMessage, isTyping bool) {
	var sig TypingSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		s.log.Warn().Err(err).Msg("undecodable typing signal")
		return
	}
	if sig.ConversationID != "" && sig.ConversationID != s.cfg.ConversationID {
		return
	}
	if sig.User == "" || sig.User == s.cfg.LocalUserID {
		return
	}

	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	changed := s.typing[sig.User] != isTyping
	if isTyping {
		s.typing[sig.User] = true
	} else {
		delete(s.typing, sig.User)
	}
	s.mu.Unlock()

	if changed {
		s.notify(Event{Kind: KindTyping, UserID: sig.User, Typing: isTyping})
	}
}

func (s *Session) onExpired(data json.RawMessage) {
	p, err := decodeExpired(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("undecodable message_expired")
		return
	}
	if p.ConversationID != "" && p.ConversationID != s.cfg.ConversationID {
		return
	}
	s.removeMessage(p.MessageID)
}

func (s *Session) onRead(data json.RawMessage) {
	var p MessagesReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Warn().Err(err).Msg("undecodable messages_read")
		return
	}
	if p.ConversationID != "" && p.ConversationID != s.cfg.ConversationID {
		return
	}
	reader := p.UserID
	if reader == "" {
		reader = s.cfg.RecipientID
	}
	if reader == "" {
		return
	}
	s.applyRead(p.MessageIDs, reader)
}

// applyRead adds reader to readBy of the given messages. readBy only grows.
func (s *Session) applyRead(ids []string, reader string) {
	s.mu.Lock()
	var changed []string
	for _, id := range ids {
		i := indexOf(s.messages, id)
		if i < 0 || s.messages[i].ReadByUser(reader) {
			continue
		}
		s.messages[i].ReadBy = append(s.messages[i].ReadBy, reader)
		changed = append(changed, id)
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.notify(Event{Kind: KindRead, MessageIDs: changed, UserID: reader})
	}
}

// removeMessage is idempotent: an unknown id changes nothing.
func (s *Session) removeMessage(id string) bool {
	s.mu.Lock()
	removed := false
	if i := indexOf(s.messages, id); i >= 0 {
		s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
		removed = true
	}
	if i := indexOf(s.early, id); i >= 0 {
		s.early = append(s.early[:i:i], s.early[i+1:]...)
	}
	s.mu.Unlock()

	if removed {
		s.notify(Event{Kind: KindMessageRemoved, MessageID: id})
	}
	return removed
}

func (s *Session) sweep(now time.Time) int {
	s.mu.Lock()
	var removed []string
	kept := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Expired(now) {
			removed = append(removed, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	if len(removed) > 0 {
		s.messages = kept
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.notify(Event{Kind: KindMessageRemoved, MessageID: id})
	}
	if len(removed) > 0 {
		s.log.Debug().Int("removed", len(removed)).Msg("expiry sweep")
	}
	return len(removed)
}

// insertLocked appends m unless it is a duplicate or already expired.
func (s *Session) insertLocked(m Message, now time.Time) bool {
	if m.Expired(now) || indexOf(s.messages, m.ID) >= 0 {
		return false
	}
	s.messages = append(s.messages, m.clone())
	return true
}

func (s *Session) snapshotLocked() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

func (s *Session) emitTyping(event string) {
	err := s.cfg.Socket.Emit(event, TypingPayload{ConversationID: s.cfg.ConversationID, RecipientID: s.cfg.RecipientID})
	if err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("typing signal not sent")
	}
}

func (s *Session) notify(ev Event) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ev)
	}
}

func indexOf(ms []Message, id string) int {
	for i := range ms {
		if ms[i].ID == id {
			return i
		}
	}
	return -1
}
