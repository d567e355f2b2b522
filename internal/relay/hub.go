package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rentchat/internal/chat"
	"rentchat/internal/notify"
)

const (
	redisChannel   = "rentchat-deliveries"
	storeTimeout   = 5 * time.Second
	historyLimit   = 100
	notifyTypeChat = "message"
)

// Hub owns every connection of this relay instance. All room and user bookkeeping happens on the
// Run goroutine; pumps only talk to it through channels.
type Hub struct {
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	users   map[string]map[*Client]bool

	broadcast  chan *delivery // From Redis -> local clients
	Register   chan *Client
	Unregister chan *Client
	inbound    chan *inbound
	query      chan func()
	done       chan struct{}

	redis          *redis.Client
	store          Store
	expiryInterval time.Duration
	now            func() time.Time
	log            zerolog.Logger
}

// NewHub builds a hub. redisClient may be nil for a single instance relay.
func NewHub(store Store, redisClient *redis.Client, expiryInterval time.Duration) *Hub {
	if expiryInterval <= 0 {
		expiryInterval = 5 * time.Second
	}
	return &Hub{
		clients:        make(map[*Client]bool),
		rooms:          make(map[string]map[*Client]bool),
		users:          make(map[string]map[*Client]bool),
		broadcast:      make(chan *delivery),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		inbound:        make(chan *inbound),
		query:          make(chan func()),
		done:           make(chan struct{}),
		redis:          redisClient,
		store:          store,
		expiryInterval: expiryInterval,
		now:            time.Now,
		log:            log.With().Str("component", "relay").Logger(),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.Register:
			h.clients[client] = true
			addMember(h.users, client.UserID, client)
			h.log.Debug().Str("user_id", client.UserID).Int("clients", len(h.clients)).Msg("registered")

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case in := <-h.inbound:
			if _, ok := h.clients[in.client]; ok {
				h.handle(ctx, in)
			}

		case d := <-h.broadcast:
			h.deliverLocal(d)

		case fn := <-h.query:
			fn()

		case <-ticker.C:
			h.expire(ctx)
		}
	}
}

// SubscribeToRedis forwards deliveries published by other instances. It returns when ctx ends.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.Subscribe(ctx, redisChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var d delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				h.log.Warn().Err(err).Msg("bad delivery from redis")
				continue
			}
			select {
			case h.broadcast <- &d:
			case <-h.done:
				return
			}
		}
	}
}

type Stats struct {
	Clients int `json:"clients"`
	Users   int `json:"users"`
	Rooms   int `json:"rooms"`
}

// Stats reads connection counts from the hub goroutine.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.inspect(ctx, func() {
		st = Stats{Clients: len(h.clients), Users: len(h.users), Rooms: len(h.rooms)}
	})
	return st, err
}

func (h *Hub) inspect(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case h.query <- func() { fn(); close(ran) }:
	case <-h.done:
		return errors.New("relay: hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) handle(ctx context.Context, in *inbound) {
	c := in.client
	logger := h.log.With().Str("user_id", c.UserID).Str("event", in.env.Event).Logger()

	switch in.env.Event {
	case chat.EventJoin:
		var conv string
		if err := json.Unmarshal(in.env.Data, &conv); err != nil || strings.TrimSpace(conv) == "" {
			logger.Warn().Msg("join without conversation id")
			return
		}
		if !h.mayAccess(ctx, conv, c.UserID) {
			return
		}
		c.rooms[conv] = true
		addMember(h.rooms, conv, c)

	case chat.EventLeave:
		var conv string
		if err := json.Unmarshal(in.env.Data, &conv); err != nil {
			return
		}
		delete(c.rooms, conv)
		removeMember(h.rooms, conv, c)

	case chat.EventNewMessage:
		h.newMessage(ctx, c, in.env.Data)

	case chat.EventTyping, chat.EventStoppedTyping:
		var p chat.TypingPayload
		if err := json.Unmarshal(in.env.Data, &p); err != nil || p.ConversationID == "" {
			logger.Warn().Msg("typing without conversation id")
			return
		}
		if !c.rooms[p.ConversationID] {
			return
		}
		h.publish(ctx, in.env.Event, chat.TypingSignal{ConversationID: p.ConversationID, User: c.UserID},
			delivery{Room: p.ConversationID, Except: c.UserID})

	case chat.EventMarkRead:
		var p chat.MarkReadPayload
		if err := json.Unmarshal(in.env.Data, &p); err != nil || p.ConversationID == "" {
			logger.Warn().Msg("mark_read without conversation id")
			return
		}
		if !c.rooms[p.ConversationID] {
			logger.Warn().Str("conv_id", p.ConversationID).Msg("mark_read outside a joined conversation")
			return
		}
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		changed, err := h.store.MarkRead(sctx, p.ConversationID, p.MessageIDs, c.UserID)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("mark read")
			return
		}
		if len(changed) == 0 {
			return
		}
		h.publish(ctx, chat.EventMessagesRead,
			chat.MessagesReadPayload{ConversationID: p.ConversationID, MessageIDs: changed, UserID: c.UserID},
			delivery{Room: p.ConversationID})

	default:
		logger.Debug().Msg("unhandled event")
	}
}

// newMessage stores the message, echoes it to the room and the sender's own connections, and
// notifies the recipient.
func (h *Hub) newMessage(ctx context.Context, c *Client, data json.RawMessage) {
	var out chat.OutgoingMessage
	if err := json.Unmarshal(data, &out); err != nil {
		h.log.Warn().Err(err).Msg("undecodable new_message")
		return
	}
	out.Content = strings.TrimSpace(out.Content)
	if out.Content == "" || out.ConversationID == "" {
		h.log.Warn().Str("user_id", c.UserID).Msg("new_message without content or conversation")
		return
	}

	now := h.now().UTC()
	m := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: out.ConversationID,
		SenderID:       c.UserID,
		Content:        out.Content,
		CreatedAt:      now,
		ExpiresAt:      out.ExpiresAt,
	}
	if m.Expired(now) {
		return
	}

	if !h.mayAccess(ctx, m.ConversationID, c.UserID) {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := h.store.SaveMessage(sctx, m); err != nil {
		h.log.Error().Err(err).Str("conv_id", m.ConversationID).Msg("save message")
		return
	}
	if err := h.store.AddParticipants(sctx, m.ConversationID, c.UserID, out.Recipient); err != nil {
		h.log.Error().Err(err).Str("conv_id", m.ConversationID).Msg("add participants")
	}
	h.publish(ctx, chat.EventNewMessage, m, delivery{Room: m.ConversationID, Users: []string{c.UserID}})

	if out.Recipient == "" || out.Recipient == c.UserID {
		return
	}
	h.notifyUser(sctx, out.Recipient, notify.Notification{
		ID:        uuid.NewString(),
		Type:      notifyTypeChat,
		Message:   "New message from " + displayName(c),
		CreatedAt: now,
	})
}

// mayAccess logs and refuses users who are not participants of an existing conversation.
func (h *Hub) mayAccess(ctx context.Context, conv, userID string) bool {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	ok, err := CanAccess(sctx, h.store, conv, userID)
	if err != nil {
		h.log.Error().Err(err).Str("conv_id", conv).Msg("participant lookup")
		return false
	}
	if !ok {
		h.log.Warn().Str("user_id", userID).Str("conv_id", conv).Msg("not a participant")
	}
	return ok
}

func (h *Hub) notifyUser(ctx context.Context, userID string, n notify.Notification) {
	prefs, err := h.store.Preferences(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("preferences unavailable, using defaults")
		prefs = DefaultPreferences()
	}
	for _, muted := range prefs.MutedTypes {
		if muted == n.Type {
			return
		}
	}
	if err := h.store.AddNotification(ctx, userID, n); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("add notification")
		return
	}
	if prefs.Push {
		h.publish(ctx, notify.EventNotification, n, delivery{Users: []string{userID}})
	}
}

// expire removes expired messages from the store and tells their rooms.
func (h *Hub) expire(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	expired, err := h.store.DeleteExpired(sctx, h.now())
	if err != nil {
		h.log.Error().Err(err).Msg("expiry scan")
		return
	}
	for _, m := range expired {
		h.publish(ctx, chat.EventMessageExpired,
			chat.ExpiredPayload{MessageID: m.ID, ConversationID: m.ConversationID},
			delivery{Room: m.ConversationID})
	}
	if len(expired) > 0 {
		h.log.Debug().Int("expired", len(expired)).Msg("expiry scan")
	}
}

// publish encodes the event and routes it through Redis when configured, locally otherwise.
func (h *Hub) publish(ctx context.Context, event string, data any, d delivery) {
	payload, err := encode(event, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode")
		return
	}
	d.Payload = payload

	if h.redis != nil {
		b, err := json.Marshal(d)
		if err == nil {
			err = h.redis.Publish(ctx, redisChannel, b).Err()
		}
		if err == nil {
			return
		}
		h.log.Warn().Err(errors.Wrap(err, "redis publish")).Msg("delivering locally")
	}
	h.deliverLocal(&d)
}

func (h *Hub) deliverLocal(d *delivery) {
	targets := make(map[*Client]bool)
	if d.Room != "" {
		for c := range h.rooms[d.Room] {
			targets[c] = true
		}
	}
	for _, u := range d.Users {
		for c := range h.users[u] {
			targets[c] = true
		}
	}
	for c := range targets {
		if d.Except != "" && c.UserID == d.Except {
			continue
		}
		select {
		case c.send <- d.Payload:
		default:
			h.log.Warn().Str("user_id", c.UserID).Msg("send buffer full, dropping client")
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	removeMember(h.users, c.UserID, c)
	for conv := range c.rooms {
		removeMember(h.rooms, conv, c)
	}
	close(c.send)
}

func addMember(m map[string]map[*Client]bool, key string, c *Client) {
	if m[key] == nil {
		m[key] = make(map[*Client]bool)
	}
	m[key][c] = true
}

func removeMember(m map[string]map[*Client]bool, key string, c *Client) {
	if set, ok := m[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func displayName(c *Client) string {
	if c.Username != "" {
		return c.Username
	}
	return c.UserID
}
