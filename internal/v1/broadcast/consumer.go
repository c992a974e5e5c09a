package broadcast

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/r3almx/realtime/internal/v1/bus"
	"github.com/r3almx/realtime/internal/v1/logging"
	"github.com/r3almx/realtime/internal/v1/metrics"
	"github.com/r3almx/realtime/internal/v1/types"
)

// run is the room's consumer loop: decode, fan out, digest, ack. Any
// error on a single message is logged and the loop moves on; only
// cancellation or the delivery channel closing ends it.
func (m *Manager) run(ctx context.Context, roomID types.RoomID, deliveries <-chan bus.Delivery, t *task) {
	defer close(t.done)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				m.consumerLost(ctx, roomID, t)
				return
			}
			m.dispatch(ctx, roomID, d)
		}
	}
}

// dispatch handles one delivery.
func (m *Manager) dispatch(ctx context.Context, roomID types.RoomID, d bus.Delivery) {
	var env types.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		// Poison frame: ack it away so it cannot wedge the queue.
		logging.Warn(ctx, "dropping undecodable bus message",
			zap.String("room_id", string(roomID)), zap.Error(err))
		metrics.MessagesBroadcast.WithLabelValues("undecodable").Inc()
		_ = d.Ack()
		return
	}
	if err := env.Validate(); err != nil {
		logging.Warn(ctx, "dropping invalid envelope",
			zap.String("room_id", string(roomID)), zap.Error(err))
		metrics.MessagesBroadcast.WithLabelValues("invalid").Inc()
		_ = d.Ack()
		return
	}

	// Fan out to a snapshot of the current subscribers; a socket that
	// joins mid-dispatch catches the next message.
	m.mu.Lock()
	conns := make([]types.Conn, 0, len(m.rooms[roomID]))
	for _, conn := range m.rooms[roomID] {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		if err := conn.SendJSON(env); err != nil {
			// One dead socket must not stall the room.
			logging.Warn(ctx, "evicting unwritable socket",
				zap.String("room_id", string(roomID)),
				zap.String("conn_id", string(conn.ID())),
				zap.Error(err))
			_ = conn.Close(1011, "send failed")
			go m.Disconnect(context.Background(), roomID, conn.ID())
		}
	}
	metrics.MessagesBroadcast.WithLabelValues("ok").Inc()

	m.digester.Add(types.UserID(env.UID), env)

	if err := d.Ack(); err != nil {
		logging.Warn(ctx, "ack failed", zap.String("room_id", string(roomID)), zap.Error(err))
	}
}

// consumerLost handles the delivery channel closing underneath a live
// room (queue deleted broker-side, connection drop). The room's state
// is torn down so the next subscriber rebuilds it from scratch.
func (m *Manager) consumerLost(ctx context.Context, roomID types.RoomID, t *task) {
	m.mu.Lock()
	if t.cancelled {
		// Normal teardown already in progress.
		m.mu.Unlock()
		return
	}
	t.exception = "delivery stream closed"
	subs := m.rooms[roomID]
	delete(m.rooms, roomID)
	delete(m.tasks, roomID)
	roomCount := len(m.rooms)
	m.mu.Unlock()

	logging.Error(ctx, "room consumer lost its delivery stream",
		zap.String("room_id", string(roomID)),
		zap.Int("orphaned_sockets", len(subs)))

	for _, conn := range subs {
		_ = conn.Close(1011, "room stream lost")
	}
	m.broker.Release(context.Background(), roomID)

	metrics.ActiveRooms.Set(float64(roomCount))
	metrics.RoomSubscribers.DeleteLabelValues(string(roomID))
}
