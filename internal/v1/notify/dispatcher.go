// Package notify delivers point-to-point notifications to users with a
// live status socket. Delivery is strictly best-effort: no queueing, no
// retry, no persistence. A user without a socket simply misses the
// notification.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/r3almx/realtime/internal/v1/logging"
	"github.com/r3almx/realtime/internal/v1/metrics"
	"github.com/r3almx/realtime/internal/v1/types"
)

// Kind classifies a notification for clients. The numeric values are
// part of the wire contract.
type Kind int

const (
	KindRoomPost Kind = iota + 1
	KindFriendRequest
	KindRoomInvitation
	KindDM
)

// String returns the client-facing name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRoomPost:
		return "RoomPost"
	case KindFriendRequest:
		return "FriendRequest"
	case KindRoomInvitation:
		return "RoomInvitation"
	case KindDM:
		return "DM"
	}
	return "Unknown"
}

// SocketIndex resolves a user to their live status socket. Implemented
// by the presence registry.
type SocketIndex interface {
	SocketOf(userID types.UserID) (types.Conn, bool)
}

// Message is the wire shape of a notification frame.
type Message struct {
	Sender  string `json:"sender"`
	Message any    `json:"message"`
}

// Dispatcher routes notifications through the socket index.
type Dispatcher struct {
	sockets SocketIndex
}

// NewDispatcher creates a Dispatcher over the given socket index.
func NewDispatcher(sockets SocketIndex) *Dispatcher {
	return &Dispatcher{sockets: sockets}
}

// Notify sends a payload to the user's status socket if one is live.
// Absent users and send failures are dropped silently; callers never
// fail because a recipient was away.
func (d *Dispatcher) Notify(ctx context.Context, userID types.UserID, payload any) {
	conn, ok := d.sockets.SocketOf(userID)
	if !ok {
		metrics.Notifications.WithLabelValues("dropped").Inc()
		return
	}

	msg := Message{
		Sender:  string(userID),
		Message: payload,
	}
	if err := conn.SendJSON(msg); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		logging.Warn(ctx, "notification send failed", zap.String("user_id", string(userID)), zap.Error(err))
		return
	}
	metrics.Notifications.WithLabelValues("delivered").Inc()
}
