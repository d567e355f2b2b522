package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	myMiddleware "rentchat/internal/middleware"
	"rentchat/internal/notify"
)

type Handler struct {
	hub   *Hub
	store Store
}

func NewHandler(hub *Hub, store Store) *Handler {
	return &Handler{hub: hub, store: store}
}

// NewRouter wires the websocket endpoint and the REST collaborator endpoints behind auth.
func NewRouter(h *Handler, authenticate func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(authenticate)

		r.Get("/ws", h.ServeWs)

		r.Get("/api/conversations/{id}/messages", h.GetHistory)
		r.Delete("/api/messages/{id}", h.DeleteMessage)

		r.Get("/api/notifications", h.ListNotifications)
		r.Post("/api/notifications/{id}/read", h.MarkNotificationRead)
		r.Get("/api/notifications/preferences", h.GetPreferences)
		r.Put("/api/notifications/preferences", h.PutPreferences)
	})
	return r
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := newClient(h.hub, conn, id.UserID, id.Username)
	select {
	case h.hub.Register <- client:
	case <-h.hub.done:
		_ = conn.Close()
		return
	}

	// These run in new goroutines; ServeWs returns immediately.
	go client.writePump()
	go client.readPump()
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st, err := h.hub.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetHistory serves a conversation's messages to its participants.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFrom(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	conv := chi.URLParam(r, "id")
	ok, err := CanAccess(ctx, h.store, conv, id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant of this conversation")
		return
	}
	msgs, err := h.store.History(ctx, conv, time.Now(), historyLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// DeleteMessage lets a sender remove their own message.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFrom(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	msgID := chi.URLParam(r, "id")
	m, err := h.store.GetMessage(ctx, msgID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if m.SenderID != id.UserID {
		writeError(w, http.StatusForbidden, "only the sender can delete a message")
		return
	}
	if err := h.store.DeleteMessage(ctx, msgID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFrom(r.Context())
	ns, err := h.store.Notifications(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFrom(r.Context())
	if err := h.store.MarkNotificationRead(r.Context(), id.UserID, chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFrom(r.Context())
	p, err := h.store.Preferences(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFrom(r.Context())
	var p notify.Preferences
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid preferences body")
		return
	}
	if err := h.store.SavePreferences(r.Context(), id.UserID, p); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
