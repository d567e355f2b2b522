package relay

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"rentchat/internal/chat"
	"rentchat/internal/notify"
)

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveMessage(ctx context.Context, m chat.Message) error {
	query := `INSERT INTO messages (id, conversation_id, sender_id, content, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt, m.ExpiresAt)
	return errors.Wrap(err, "save message")
}

func (r *Repository) History(ctx context.Context, conversationID string, now time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, conversation_id, sender_id, content, created_at, expires_at, read_by FROM (
			SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at, m.expires_at,
				COALESCE(string_agg(mr.user_id, ',' ORDER BY mr.read_at), '') AS read_by
			FROM messages m
			LEFT JOIN message_reads mr ON mr.message_id = m.id
			WHERE m.conversation_id = $1 AND (m.expires_at IS NULL OR m.expires_at >= $2)
			GROUP BY m.id
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	messages := []chat.Message{}
	for rows.Next() {
		var (
			m       chat.Message
			expires sql.NullTime
			readBy  string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &expires, &readBy); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if expires.Valid {
			t := expires.Time
			m.ExpiresAt = &t
		}
		m.ReadBy = splitList(readBy)
		messages = append(messages, m)
	}
	return messages, errors.Wrap(rows.Err(), "iterate history")
}

func (r *Repository) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	var (
		m       chat.Message
		expires sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, content, created_at, expires_at FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, ErrNotFound
	}
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "get message")
	}
	if expires.Valid {
		t := expires.Time
		m.ExpiresAt = &t
	}
	return m, nil
}

func (r *Repository) DeleteMessage(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete message")
	}
	return notFoundIfNone(res)
}

func (r *Repository) MarkRead(ctx context.Context, conversationID string, ids []string, userID string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		INSERT INTO message_reads (message_id, user_id)
		SELECT id, $3 FROM messages
		WHERE conversation_id = $1 AND id = ANY($2) AND sender_id <> $3
		ON CONFLICT DO NOTHING
		RETURNING message_id
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, ids, userID)
	if err != nil {
		return nil, errors.Wrap(err, "mark read")
	}
	defer rows.Close()

	var changed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan read receipt")
		}
		changed = append(changed, id)
	}
	return changed, errors.Wrap(rows.Err(), "iterate read receipts")
}

func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) ([]chat.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < $1 RETURNING id, conversation_id`, now)
	if err != nil {
		return nil, errors.Wrap(err, "delete expired")
	}
	defer rows.Close()

	var expired []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.ConversationID); err != nil {
			return nil, errors.Wrap(err, "scan expired")
		}
		expired = append(expired, m)
	}
	return expired, errors.Wrap(rows.Err(), "iterate expired")
}

func (r *Repository) AddParticipants(ctx context.Context, conversationID string, userIDs ...string) error {
	for _, u := range userIDs {
		if u == "" {
			continue
		}
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			conversationID, u)
		if err != nil {
			return errors.Wrap(err, "add participant")
		}
	}
	return nil
}

func (r *Repository) Participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "query participants")
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, errors.Wrap(err, "scan participant")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "iterate participants")
}

func (r *Repository) AddNotification(ctx context.Context, userID string, n notify.Notification) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, type, message, created_at, read) VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, userID, n.Type, n.Message, n.CreatedAt, n.Read)
	return errors.Wrap(err, "add notification")
}

func (r *Repository) Notifications(ctx context.Context, userID string) ([]notify.Notification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, type, message, created_at, read FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT 200`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query notifications")
	}
	defer rows.Close()

	out := []notify.Notification{}
	for rows.Next() {
		var n notify.Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.Message, &n.CreatedAt, &n.Read); err != nil {
			return nil, errors.Wrap(err, "scan notification")
		}
		out = append(out, n)
	}
	return out, errors.Wrap(rows.Err(), "iterate notifications")
}

func (r *Repository) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET read = true WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return errors.Wrap(err, "mark notification read")
	}
	return notFoundIfNone(res)
}

func (r *Repository) Preferences(ctx context.Context, userID string) (notify.Preferences, error) {
	var (
		p     notify.Preferences
		muted string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT email, push, muted_types FROM notification_preferences WHERE user_id = $1`, userID,
	).Scan(&p.Email, &p.Push, &muted)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPreferences(), nil
	}
	if err != nil {
		return notify.Preferences{}, errors.Wrap(err, "get preferences")
	}
	p.MutedTypes = splitList(muted)
	return p, nil
}

func (r *Repository) SavePreferences(ctx context.Context, userID string, p notify.Preferences) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, email, push, muted_types) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET email = EXCLUDED.email, push = EXCLUDED.push, muted_types = EXCLUDED.muted_types`,
		userID, p.Email, p.Push, strings.Join(p.MutedTypes, ","))
	return errors.Wrap(err, "save preferences")
}

func notFoundIfNone(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
