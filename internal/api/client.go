// Package api calls the marketplace REST endpoints the realtime core depends on.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rentchat/internal/apperr"
	"rentchat/internal/chat"
	"rentchat/internal/notify"
)

const (
	pathHistory       = "/api/conversations/{id}/messages"
	pathMessage       = "/api/messages/{id}"
	pathNotifications = "/api/notifications"
	pathMarkRead      = "/api/notifications/{id}/read"
	pathPreferences   = "/api/notifications/preferences"
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
}

// errorBody is the JSON error shape the relay and the marketplace API return.
type errorBody struct {
	Error string `json:"error"`
}

// Client implements chat.HistoryFetcher, chat.MessageDeleter and notify.Backend.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("api: base url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, &apperr.AuthError{Reason: "token missing"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}

	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.Token).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{http: hc, log: log.With().Str("component", "api").Logger()}, nil
}

func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var out []chat.Message
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", conversationID).
		SetResult(&out).
		SetError(&errorBody{}).
		Get(pathHistory)
	if err := c.check("fetch history", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", messageID).
		SetError(&errorBody{}).
		Delete(pathMessage)
	return c.check("delete message", resp, err)
}

func (c *Client) ListNotifications(ctx context.Context) ([]notify.Notification, error) {
	var out []notify.Notification
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorBody{}).
		Get(pathNotifications)
	if err := c.check("list notifications", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetError(&errorBody{}).
		Post(pathMarkRead)
	return c.check("mark notification read", resp, err)
}

func (c *Client) GetPreferences(ctx context.Context) (notify.Preferences, error) {
	var out notify.Preferences
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorBody{}).
		Get(pathPreferences)
	if err := c.check("get preferences", resp, err); err != nil {
		return notify.Preferences{}, err
	}
	return out, nil
}

func (c *Client) UpdatePreferences(ctx context.Context, p notify.Preferences) (notify.Preferences, error) {
	var out notify.Preferences
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(p).
		SetResult(&out).
		SetError(&errorBody{}).
		Put(pathPreferences)
	if err := c.check("update preferences", resp, err); err != nil {
		return notify.Preferences{}, err
	}
	return out, nil
}

// check converts transport failures and non-2xx responses into *apperr.RequestError.
func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode()
		}
		c.log.Warn().Err(err).Str("op", op).Msg("request failed")
		return apperr.Request(op, status, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := http.StatusText(resp.StatusCode())
	if body, ok := resp.Error().(*errorBody); ok && body.Error != "" {
		msg = body.Error
	}
	c.log.Debug().Str("op", op).Int("status", resp.StatusCode()).Msg(msg)
	return apperr.Request(op, resp.StatusCode(), errors.New(msg))
}
