// Package api is the plain-HTTP surface: the chat tail, presence
// status reads and writes, and the room overview. Long-lived sockets
// live in transport; everything here is request/response.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/r3almx/realtime/internal/v1/broadcast"
	"github.com/r3almx/realtime/internal/v1/logging"
	"github.com/r3almx/realtime/internal/v1/store"
	"github.com/r3almx/realtime/internal/v1/types"
)

// TailCache is the cache surface the API needs. Implemented by
// cache.Client; nil disables the fast path.
type TailCache interface {
	LoadTail(ctx context.Context, roomID types.RoomID, channelID types.ChannelID) ([]string, error)
	WarmTail(ctx context.Context, roomID types.RoomID, channelID types.ChannelID, raws [][]byte) error
	GetStatus(ctx context.Context, userID string) (string, error)
}

// MessageStore is the durable fallback for the chat tail.
type MessageStore interface {
	ChannelMessages(ctx context.Context, roomID types.RoomID, channelID types.ChannelID) ([]store.Record, error)
}

// NameResolver maps sender ids to display names for rebuilt envelopes.
type NameResolver interface {
	Username(ctx context.Context, id types.UserID) (string, error)
}

// PresenceView is the registry surface for status reads and writes.
type PresenceView interface {
	IsConnected(userID types.UserID) bool
	GetStatus(userID types.UserID) types.Status
	SetStatus(ctx context.Context, userID types.UserID, status types.Status) error
}

// RoomsView exposes the broadcast manager's room state.
type RoomsView interface {
	Snapshot() broadcast.Snapshot
}

// Handlers serves the HTTP endpoints.
type Handlers struct {
	verifier types.TokenVerifier
	tail     TailCache
	messages MessageStore
	names    NameResolver
	presence PresenceView
	rooms    RoomsView
}

// NewHandlers creates the HTTP handler set. tail may be nil when the
// cache is disabled; every cache read then falls through to the store.
func NewHandlers(
	verifier types.TokenVerifier,
	tail TailCache,
	messages MessageStore,
	names NameResolver,
	presence PresenceView,
	rooms RoomsView,
) *Handlers {
	return &Handlers{
		verifier: verifier,
		tail:     tail,
		messages: messages,
		names:    names,
		presence: presence,
		rooms:    rooms,
	}
}

// authed verifies the token query parameter and returns the caller.
func (h *Handlers) authed(c *gin.Context) (types.UserID, bool) {
	userID, err := h.verifier.Verify(c.Request.Context(), c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return "", false
	}
	return userID, true
}

// ChannelCache handles GET /message/channel/cache. It serves the
// recent tail from the cache and falls back to the durable store,
// re-warming the cache on the way out.
func (h *Handlers) ChannelCache(c *gin.Context) {
	if _, ok := h.authed(c); !ok {
		return
	}

	roomID := types.RoomID(c.Query("room_id"))
	channelID := types.ChannelID(c.Query("channel_id"))
	if roomID == "" || channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id and channel_id are required"})
		return
	}

	ctx := c.Request.Context()

	if h.tail != nil {
		raws, err := h.tail.LoadTail(ctx, roomID, channelID)
		if err != nil {
			logging.Warn(ctx, "tail cache read failed, falling back to store",
				zap.String("room_id", string(roomID)), zap.Error(err))
		} else if len(raws) > 0 {
			messages := make([]json.RawMessage, 0, len(raws))
			for _, raw := range raws {
				messages = append(messages, json.RawMessage(raw))
			}
			c.JSON(http.StatusOK, gin.H{"messages": messages})
			return
		}
	}

	records, err := h.messages.ChannelMessages(ctx, roomID, channelID)
	if err != nil {
		logging.Error(ctx, "channel history read failed",
			zap.String("room_id", string(roomID)),
			zap.String("channel_id", string(channelID)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load messages"})
		return
	}

	envelopes := h.rebuildEnvelopes(ctx, roomID, channelID, records)
	h.warmTail(ctx, roomID, channelID, envelopes)

	// The cache serves newest first; match that order on the fallback.
	newestFirst := make([]types.Envelope, len(envelopes))
	for i, env := range envelopes {
		newestFirst[len(envelopes)-1-i] = env
	}
	c.JSON(http.StatusOK, gin.H{"messages": newestFirst})
}

// rebuildEnvelopes turns stored records back into wire envelopes,
// oldest first.
func (h *Handlers) rebuildEnvelopes(ctx context.Context, roomID types.RoomID, channelID types.ChannelID, records []store.Record) []types.Envelope {
	envelopes := make([]types.Envelope, 0, len(records))
	for _, rec := range records {
		username := rec.SenderID
		if h.names != nil {
			if name, err := h.names.Username(ctx, types.UserID(rec.SenderID)); err == nil {
				username = name
			}
		}
		envelopes = append(envelopes, types.Envelope{
			MID:       rec.MID,
			UID:       rec.SenderID,
			Username:  username,
			RoomID:    string(roomID),
			ChannelID: string(channelID),
			Message:   rec.Message,
			Timestamp: rec.Timestamp.Format(types.TimeLayout),
		})
	}
	return envelopes
}

// warmTail repopulates the cache after a store fallback. Advisory
// only; the response does not depend on it.
func (h *Handlers) warmTail(ctx context.Context, roomID types.RoomID, channelID types.ChannelID, envelopes []types.Envelope) {
	if h.tail == nil || len(envelopes) == 0 {
		return
	}
	raws := make([][]byte, 0, len(envelopes))
	for _, env := range envelopes {
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		raws = append(raws, raw)
	}
	if err := h.tail.WarmTail(ctx, roomID, channelID, raws); err != nil {
		logging.Warn(ctx, "tail cache warm failed",
			zap.String("room_id", string(roomID)), zap.Error(err))
	}
}

// GetStatus handles GET /status/get. The cache is authoritative when
// it has a value; a locally-connected user falls back to the registry;
// everyone else reads as offline.
func (h *Handlers) GetStatus(c *gin.Context) {
	userID, ok := h.authed(c)
	if !ok {
		return
	}

	status := ""
	if h.tail != nil {
		cached, err := h.tail.GetStatus(c.Request.Context(), string(userID))
		if err != nil {
			logging.Warn(c.Request.Context(), "status cache read failed",
				zap.String("user_id", string(userID)), zap.Error(err))
		} else {
			status = cached
		}
	}
	if status == "" {
		if h.presence.IsConnected(userID) {
			status = string(h.presence.GetStatus(userID))
		} else {
			status = string(types.StatusOffline)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": status})
}

// ChangeStatus handles POST /status/change.
func (h *Handlers) ChangeStatus(c *gin.Context) {
	userID, ok := h.authed(c)
	if !ok {
		return
	}

	newStatus := types.Status(c.Query("new_status"))
	if err := h.presence.SetStatus(c.Request.Context(), userID, newStatus); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "200"})
}

// RoomsOverview handles GET /message/rooms — active rooms and their
// local subscriber counts.
func (h *Handlers) RoomsOverview(c *gin.Context) {
	if _, ok := h.authed(c); !ok {
		return
	}

	snap := h.rooms.Snapshot()
	c.JSON(http.StatusOK, gin.H{"rooms": snap.Rooms})
}
