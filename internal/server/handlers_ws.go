package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/kakehashi/internal/bridge"
	"github.com/ashita-ai/kakehashi/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// upgrader returns the websocket upgrader for the chat socket. With no
// allowed origins configured, gorilla's same-host check applies.
func (h *Handlers) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	if len(h.wsOrigins) > 0 {
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(h.wsOrigins, origin)
		}
	}
	return u
}

// HandleChatSocket handles GET /v1/chat/ws. Each text frame is a UIRequest;
// each answer is a completion event or an error event carrying the same
// request id. Turns on one socket are handled in order.
func (h *Handlers) HandleChatSocket(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("chat ws: upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(h.maxRequestBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	h.logger.Info("chat ws: connected", "user_id", claims.UserID(), "remote", r.RemoteAddr)

	ctx := r.Context()
	done := make(chan struct{})
	defer close(done)

	// Pings keep idle sockets alive through proxies. gorilla allows one
	// concurrent writer, so pings use WriteControl which is safe alongside
	// WriteJSON.
	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var req model.UIRequest
		if err := conn.ReadJSON(&req); err != nil {
			if isJSONError(err) {
				// The frame was consumed; the socket is still usable.
				if werr := h.writeSocket(conn, bridge.ToUIError("", model.ErrCodeInvalidInput, "frame is not a valid chat request")); werr != nil {
					return
				}
				continue
			}
			h.logger.Info("chat ws: closed", "user_id", claims.UserID(), "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var out any
		ev, fail := h.runChat(ctx, claims, req)
		if fail != nil {
			out = bridge.ToUIError(req.RequestID, fail.code, fail.message)
		} else {
			out = ev
		}
		if err := h.writeSocket(conn, out); err != nil {
			h.logger.Warn("chat ws: write failed", "user_id", claims.UserID(), "error", err)
			return
		}
	}
}

func isJSONError(err error) bool {
	var syntax *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syntax) || errors.As(err, &typ)
}

func (h *Handlers) writeSocket(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}
