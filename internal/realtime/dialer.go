package realtime

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"rentchat/internal/apperr"
)

// Conn is the part of *websocket.Conn the Manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens one authenticated physical connection.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketDialer dials URL with the token both as ?token= and as a bearer header, so it works
// behind proxies that strip either.
type WebsocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse server url %q", d.URL)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &apperr.AuthError{Reason: "handshake rejected", Err: err}
		}
		return nil, errors.Wrap(err, "websocket dial")
	}
	return conn, nil
}
