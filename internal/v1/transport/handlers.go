// Package transport is the websocket ingress: it authenticates
// sockets, bridges them onto the broadcast and presence layers, and
// runs the per-connection read loops.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/r3almx/realtime/internal/v1/auth"
	"github.com/r3almx/realtime/internal/v1/logging"
	"github.com/r3almx/realtime/internal/v1/metrics"
	"github.com/r3almx/realtime/internal/v1/ratelimit"
	"github.com/r3almx/realtime/internal/v1/types"
)

// Broadcaster is the room fan-out surface the ingress needs.
type Broadcaster interface {
	Connect(ctx context.Context, roomID types.RoomID, conn types.Conn) error
	Disconnect(ctx context.Context, roomID types.RoomID, connID types.ConnID)
	Publish(ctx context.Context, roomID types.RoomID, senderID types.UserID, mid string, in types.Inbound) (types.Envelope, error)
}

// Presence is the status-tracking surface the ingress needs.
type Presence interface {
	Connect(ctx context.Context, userID types.UserID, conn types.Conn)
	Disconnect(ctx context.Context, userID types.UserID)
	SetStatus(ctx context.Context, userID types.UserID, status types.Status) error
	GetStatus(userID types.UserID) types.Status
}

// Notifier delivers best-effort frames to a user's status socket.
type Notifier interface {
	Notify(ctx context.Context, userID types.UserID, payload any)
}

// LogStreamer pushes diagnostic snapshots to a subscribed socket.
type LogStreamer interface {
	Stream(ctx context.Context, conn types.Conn) error
}

// Handlers wires the websocket endpoints to the realtime core.
type Handlers struct {
	verifier    types.TokenVerifier
	broadcaster Broadcaster
	presence    Presence
	notifier    Notifier
	logs        LogStreamer
	limiter     *ratelimit.RateLimiter

	heartbeatInterval time.Duration
	expiryTimeout     time.Duration
}

// NewHandlers creates the websocket handler set. limiter and logs may
// be nil; the corresponding checks and endpoint degrade gracefully.
func NewHandlers(
	verifier types.TokenVerifier,
	broadcaster Broadcaster,
	presence Presence,
	notifier Notifier,
	logs LogStreamer,
	limiter *ratelimit.RateLimiter,
	heartbeatInterval, expiryTimeout time.Duration,
) *Handlers {
	return &Handlers{
		verifier:          verifier,
		broadcaster:       broadcaster,
		presence:          presence,
		notifier:          notifier,
		logs:              logs,
		limiter:           limiter,
		heartbeatInterval: heartbeatInterval,
		expiryTimeout:     expiryTimeout,
	}
}

// validateOrigin checks if the request origin is in the allowed list.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Allow non-browser clients.
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgrade performs the websocket handshake with origin validation.
func (h *Handlers) upgrade(c *gin.Context) (wsConnection, error) {
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// authenticate upgrades the socket first so an auth failure can be
// reported with a proper websocket close code instead of a dropped
// handshake.
func (h *Handlers) authenticate(ctx context.Context, c *gin.Context) (*Client, types.UserID, bool) {
	conn, err := h.upgrade(c)
	if err != nil {
		return nil, "", false
	}

	client := newClient(conn, "")
	go client.writePump()

	userID, err := h.verifier.Verify(ctx, c.Query("token"))
	if err != nil {
		logging.Warn(ctx, "socket authentication failed", zap.Error(err))
		_ = client.Close(websocket.ClosePolicyViolation, "authentication failed")
		return nil, "", false
	}

	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(ctx, string(userID)); err != nil {
			_ = client.Close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return nil, "", false
		}
	}

	client.userID = userID
	return client, userID, true
}

// ServeMessage handles GET /message/:roomId — the chat socket.
func (h *Handlers) ServeMessage(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}

	ctx := c.Request.Context()
	roomID := types.RoomID(c.Param("roomId"))

	client, userID, ok := h.authenticate(ctx, c)
	if !ok {
		return
	}

	if err := h.broadcaster.Connect(ctx, roomID, client); err != nil {
		logging.Error(ctx, "room connect failed",
			zap.String("roomId", string(roomID)), zap.Error(err))
		_ = client.Close(websocket.CloseInternalServerErr, "room unavailable")
		return
	}

	metrics.IncConnection()
	defer func() {
		h.broadcaster.Disconnect(context.Background(), roomID, client.ID())
		_ = client.Close(websocket.CloseNormalClosure, "")
		metrics.DecConnection()
	}()

	logging.Info(ctx, "chat socket connected",
		zap.String("roomId", string(roomID)),
		zap.String("userId", string(userID)),
		zap.String("connId", string(client.ID())))

	for {
		data, err := client.ReadFrame()
		if err != nil {
			return
		}

		var in types.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			logging.Warn(ctx, "ignoring malformed chat frame",
				zap.String("userId", string(userID)), zap.Error(err))
			continue
		}

		mid := types.NewMID()
		env, err := h.broadcaster.Publish(ctx, roomID, userID, mid, in)
		if err != nil {
			logging.Error(ctx, "publish failed",
				zap.String("roomId", string(roomID)),
				zap.String("mid", mid), zap.Error(err))
			continue
		}

		// Sender's ack rides the notification channel.
		h.notifier.Notify(ctx, userID, map[string]string{
			"room_id":    env.RoomID,
			"channel_id": env.ChannelID,
			"mid":        env.MID,
		})
	}
}

// statusUpdate is the presence frame pushed to status sockets.
type statusUpdate struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// statusRequest is what clients send to change their status.
type statusRequest struct {
	Status string `json:"status"`
}

// ServeConnection handles GET /connection — the presence socket.
func (h *Handlers) ServeConnection(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}

	ctx := c.Request.Context()
	client, userID, ok := h.authenticate(ctx, c)
	if !ok {
		return
	}

	h.presence.Connect(ctx, userID, client)

	metrics.IncConnection()
	defer func() {
		h.presence.Disconnect(context.Background(), userID)
		_ = client.Close(websocket.CloseNormalClosure, "")
		metrics.DecConnection()
	}()

	_ = client.SendJSON(statusUpdate{
		Type:   "STATUS_UPDATE",
		UserID: string(userID),
		Status: string(h.presence.GetStatus(userID)),
	})
	_ = client.SendJSON(map[string]string{"status": "200", "connection": "established"})

	logging.Info(ctx, "presence socket connected",
		zap.String("userId", string(userID)),
		zap.String("connId", string(client.ID())))

	watchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.watchPresence(watchCtx, client, userID)

	for {
		data, err := client.ReadFrame()
		if err != nil {
			return
		}

		var req statusRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Status == "" {
			continue
		}
		if err := h.presence.SetStatus(ctx, userID, types.Status(req.Status)); err != nil {
			logging.Warn(ctx, "rejected status change",
				zap.String("userId", string(userID)),
				zap.String("status", req.Status), zap.Error(err))
		}
	}
}

// watchPresence drives the heartbeat broadcast and the idle watchdog
// for one presence socket. A client that goes silent past the expiry
// timeout is closed; the read loop then unwinds presence state.
func (h *Handlers) watchPresence(ctx context.Context, client *Client, userID types.UserID) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if client.idleFor(time.Now()) > h.expiryTimeout {
				logging.Info(ctx, "presence socket expired",
					zap.String("userId", string(userID)),
					zap.String("connId", string(client.ID())))
				_ = client.Close(websocket.CloseGoingAway, "heartbeat expired")
				return
			}
			_ = client.SendJSON(statusUpdate{
				Type:   "STATUS_UPDATE",
				UserID: string(userID),
				Status: string(h.presence.GetStatus(userID)),
			})
		}
	}
}

// ServeLogs handles GET /logs — the diagnostic snapshot stream.
func (h *Handlers) ServeLogs(c *gin.Context) {
	if h.logs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "observer disabled"})
		return
	}

	conn, err := h.upgrade(c)
	if err != nil {
		return
	}
	client := newClient(conn, "")
	go client.writePump()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The stream only writes; a reader is still needed to notice the
	// peer going away.
	go func() {
		defer cancel()
		for {
			if _, err := client.ReadFrame(); err != nil {
				return
			}
		}
	}()

	_ = h.logs.Stream(ctx, client)
	_ = client.Close(websocket.CloseNormalClosure, "")
}
