package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/tripstake/internal/channel"
	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/pool"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const channelPollInterval = 250 * time.Millisecond

// StreamHandler streams a pool's live negotiation to a participant over a
// websocket, read straight from the pool's message channel. Once the
// channel is released the pool's stored conversation is replayed instead.
type StreamHandler struct {
	svc           *pool.Service
	ch            channel.Channel
	allowedOrigin string
	isDev         bool
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(svc *pool.Service, ch channel.Channel, allowedOrigin string, isDev bool) *StreamHandler {
	return &StreamHandler{svc: svc, ch: ch, allowedOrigin: allowedOrigin, isDev: isDev}
}

type streamEvent struct {
	Event   string          `json:"event"`
	Pool    *pool.View      `json:"pool,omitempty"`
	Message *domain.Message `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	poolID := q.Get("pool")
	viewer := caller(r, q.Get("participant"))

	snap, err := h.svc.Snapshot(poolID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if !snap.HasParticipant(viewer) {
		WriteError(w, &domain.StakeError{Kind: domain.KindNotParticipant, Participant: viewer})
		return
	}
	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "pool_id", poolID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "pool_id", poolID)
		}
	}()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	slog.Info("Pool stream opened", "pool_id", poolID, "participant", viewer)

	view := pool.ViewOf(snap, viewer)
	if err := wsjson.Write(ctx, ws, streamEvent{Event: "status", Pool: &view}); err != nil {
		return
	}

	snap, ok := h.awaitConversation(ctx, poolID)
	if !ok {
		return
	}
	h.follow(ctx, ws, snap)
}

// awaitConversation polls until the pool's negotiation has a channel.
func (h *StreamHandler) awaitConversation(ctx context.Context, poolID string) (domain.PoolSnapshot, bool) {
	ticker := time.NewTicker(channelPollInterval)
	defer ticker.Stop()
	for {
		snap, err := h.svc.Snapshot(poolID)
		if err != nil {
			return domain.PoolSnapshot{}, false
		}
		if snap.RequestID != "" {
			return snap, true
		}
		if snap.Status.Terminal() {
			return domain.PoolSnapshot{}, false
		}
		select {
		case <-ctx.Done():
			return domain.PoolSnapshot{}, false
		case <-ticker.C:
		}
	}
}

func (h *StreamHandler) follow(ctx context.Context, ws *websocket.Conn, snap domain.PoolSnapshot) {
	streamed := 0
	for msg, err := range h.ch.Subscribe(ctx, snap.ChannelID) {
		if errors.Is(err, channel.ErrChannelNotFound) && streamed == 0 {
			// Finished negotiations release their channel; the pool keeps
			// the conversation.
			h.replayStored(ctx, ws, snap)
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Pool stream subscription failed", "pool_id", snap.ID, "error", err)
				_ = wsjson.Write(ctx, ws, streamEvent{Event: "error", Error: err.Error()})
			}
			return
		}
		if msg.RequestID() != snap.RequestID {
			continue
		}
		if err := wsjson.Write(ctx, ws, streamEvent{Event: "message", Message: &msg}); err != nil {
			slog.Debug("Pool stream write failed", "pool_id", snap.ID, "error", err)
			return
		}
		streamed++
		if final(msg) {
			return
		}
	}
}

func (h *StreamHandler) replayStored(ctx context.Context, ws *websocket.Conn, snap domain.PoolSnapshot) {
	current, err := h.svc.Snapshot(snap.ID)
	if err != nil {
		_ = wsjson.Write(ctx, ws, streamEvent{Event: "error", Error: err.Error()})
		return
	}
	for _, msg := range current.Conversations[snap.RequestID] {
		if err := wsjson.Write(ctx, ws, streamEvent{Event: "message", Message: &msg}); err != nil {
			slog.Debug("Pool stream write failed", "pool_id", snap.ID, "error", err)
			return
		}
	}
}

func final(msg domain.Message) bool {
	switch p := msg.Payload.(type) {
	case domain.Confirmation, domain.Rejection:
		return true
	case domain.NegotiationDecision:
		return p.Decision == domain.DecisionReject
	}
	return false
}

func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
