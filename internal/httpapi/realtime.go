package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
	"kasirbuku/backend/internal/service"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

func (a *API) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == a.allowedOrigin
		},
	}
}

// handleRealtime streams change events as JSON text frames. Non-admins must
// name a source_id they can read.
//
//	GET /api/v1/realtime?token=...&source_id=...&table=...&session_id=...
func (a *API) handleRealtime(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := strings.TrimSpace(query.Get("token"))
	if token == "" {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			token = strings.TrimSpace(authorization[len("Bearer "):])
		}
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing token"))
		return
	}
	actor, err := a.auth.ParseToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	filter := realtime.Filter{
		Table:     strings.TrimSpace(query.Get("table")),
		SourceID:  strings.TrimSpace(query.Get("source_id")),
		SessionID: strings.TrimSpace(query.Get("session_id")),
	}
	ctx, cancel := context.WithCancel(service.WithActor(r.Context(), actor))
	defer cancel()

	if filter.SourceID == "" && actor.Role != domain.RoleAdmin {
		writeError(w, http.StatusBadRequest, errors.New("source_id is required"))
		return
	}
	if filter.SourceID != "" {
		if _, err := a.service.GetSource(ctx, filter.SourceID); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	sub, err := a.broker.Subscribe(ctx, filter)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer sub.Close()

	conn, err := a.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[realtime] upgrade failed for %s: %v", actor.Username, err)
		return
	}
	defer conn.Close()
	log.Printf("[realtime] %s subscribed (table=%q source=%q session=%q)", actor.Username, filter.Table, filter.SourceID, filter.SessionID)

	go readPump(conn, cancel)
	writePump(ctx, conn, sub)
	log.Printf("[realtime] %s disconnected", actor.Username)
}

// readPump discards client frames and cancels ctx once the peer goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[realtime] read: %v", err)
			}
			return
		}
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, sub *realtime.Subscription) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case event, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// dropped by the broker as a slow consumer
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber lagged"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
