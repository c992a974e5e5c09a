// Package presence tracks which users hold a live status socket in
// this process and what state they advertise. The local maps are the
// source of truth for connected users; every change is mirrored to the
// shared user_status hash so other services see it too.
package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/r3almx/realtime/internal/v1/logging"
	"github.com/r3almx/realtime/internal/v1/metrics"
	"github.com/r3almx/realtime/internal/v1/types"
)

// StatusCache mirrors presence changes to shared storage. Implemented
// by the cache package; writes are advisory.
type StatusCache interface {
	SetStatus(ctx context.Context, userID string, status string) error
}

// Registry holds per-user presence state. One mutex guards both maps so
// status and socket updates for a user are serialized.
type Registry struct {
	cache StatusCache

	mu       sync.Mutex
	statuses map[types.UserID]types.Status
	sockets  map[types.UserID]types.Conn
}

// NewRegistry creates a Registry mirroring to the given cache. A nil
// cache disables mirroring.
func NewRegistry(cache StatusCache) *Registry {
	return &Registry{
		cache:    cache,
		statuses: make(map[types.UserID]types.Status),
		sockets:  make(map[types.UserID]types.Conn),
	}
}

// Connect registers a user's status socket and marks them online. If
// the user already has a socket in this process, the old one is closed
// and replaced; at most one socket per user.
func (r *Registry) Connect(ctx context.Context, userID types.UserID, conn types.Conn) {
	r.mu.Lock()
	old := r.sockets[userID]
	r.sockets[userID] = conn
	r.statuses[userID] = types.StatusOnline
	size := len(r.sockets)
	r.mu.Unlock()

	if old != nil {
		_ = old.Close(1000, "replaced by newer connection")
	}

	metrics.PresenceConnected.Set(float64(size))
	if err := r.cacheSet(ctx, userID, types.StatusOnline); err != nil {
		logging.Warn(ctx, "presence cache write failed on connect", zap.String("user_id", string(userID)), zap.Error(err))
	}
}

// Disconnect removes the user's socket and status locally and records
// them offline in the cache. Local lookups fall back to online, so the
// explicit offline write is what makes the disconnect visible.
func (r *Registry) Disconnect(ctx context.Context, userID types.UserID) {
	r.mu.Lock()
	delete(r.sockets, userID)
	delete(r.statuses, userID)
	size := len(r.sockets)
	r.mu.Unlock()

	metrics.PresenceConnected.Set(float64(size))
	if err := r.cacheSet(ctx, userID, types.StatusOffline); err != nil {
		logging.Warn(ctx, "presence cache write failed on disconnect", zap.String("user_id", string(userID)), zap.Error(err))
	}
}

// SetStatus updates a user's advertised state. Unknown states are
// rejected before anything is written.
func (r *Registry) SetStatus(ctx context.Context, userID types.UserID, status types.Status) error {
	if !status.Valid() {
		return types.ErrInvalidStatus
	}

	r.mu.Lock()
	r.statuses[userID] = status
	r.mu.Unlock()

	if err := r.cacheSet(ctx, userID, status); err != nil {
		logging.Warn(ctx, "presence cache write failed on status change", zap.String("user_id", string(userID)), zap.Error(err))
	}
	return nil
}

// GetStatus returns the user's local status, defaulting to online for
// users this process has no record of.
func (r *Registry) GetStatus(userID types.UserID) types.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.statuses[userID]; ok {
		return s
	}
	return types.StatusOnline
}

// IsConnected reports whether the user has a live socket here.
func (r *Registry) IsConnected(userID types.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sockets[userID]
	return ok
}

// SocketOf returns the user's live socket, if any.
func (r *Registry) SocketOf(userID types.UserID) (types.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.sockets[userID]
	return conn, ok
}

// ConnectedUsers returns the ids of every locally connected user.
func (r *Registry) ConnectedUsers() []types.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.UserID, 0, len(r.sockets))
	for uid := range r.sockets {
		out = append(out, uid)
	}
	return out
}

func (r *Registry) cacheSet(ctx context.Context, userID types.UserID, status types.Status) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.SetStatus(ctx, string(userID), string(status))
}
