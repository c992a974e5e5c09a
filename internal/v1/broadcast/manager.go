// Package broadcast owns the per-room fan-out: the subscriber maps,
// one consumer goroutine per active room, and the publish path that
// turns inbound frames into authoritative envelopes. Room lifecycle is
// driven entirely by subscriber count: the first socket in creates the
// bus queue and consumer, the last socket out tears both down.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/r3almx/realtime/internal/v1/bus"
	"github.com/r3almx/realtime/internal/v1/logging"
	"github.com/r3almx/realtime/internal/v1/metrics"
	"github.com/r3almx/realtime/internal/v1/types"
)

// teardownWait bounds how long a disconnect waits for the room's
// consumer goroutine to exit before releasing bus resources anyway.
const teardownWait = 5 * time.Second

// Broker is the bus surface the manager needs. The production
// implementation is bus.Gateway; tests use an in-memory fake.
type Broker interface {
	Declare(ctx context.Context, roomID types.RoomID) error
	Publish(ctx context.Context, roomID types.RoomID, body []byte) error
	Consume(ctx context.Context, roomID types.RoomID) (<-chan bus.Delivery, error)
	Release(ctx context.Context, roomID types.RoomID)
}

// Digester receives every envelope that crossed the bus for
// write-behind persistence.
type Digester interface {
	Add(userID types.UserID, env types.Envelope)
}

// TailCache receives raw envelopes for the recent-messages tail.
type TailCache interface {
	PushTail(ctx context.Context, roomID types.RoomID, channelID types.ChannelID, raw []byte) error
}

// NameResolver maps a sender id to the display name denormalized into
// each envelope.
type NameResolver interface {
	Username(ctx context.Context, id types.UserID) (string, error)
}

// task tracks one room's consumer goroutine. Fields other than done
// are guarded by the manager mutex.
type task struct {
	cancel    context.CancelFunc
	done      chan struct{}
	name      string
	cancelled bool
	exception string
}

// Manager coordinates room subscriptions and fan-out.
type Manager struct {
	broker   Broker
	digester Digester
	tail     TailCache
	names    NameResolver
	now      func() time.Time

	mu    sync.Mutex
	rooms map[types.RoomID]map[types.ConnID]types.Conn
	tasks map[types.RoomID]*task
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. tail may be nil when Redis is disabled.
func NewManager(broker Broker, digester Digester, tail TailCache, names NameResolver, opts ...Option) *Manager {
	m := &Manager{
		broker:   broker,
		digester: digester,
		tail:     tail,
		names:    names,
		now:      time.Now,
		rooms:    make(map[types.RoomID]map[types.ConnID]types.Conn),
		tasks:    make(map[types.RoomID]*task),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect subscribes a socket to a room. The first subscriber declares
// the room's queue and starts its consumer; failures there leave no
// partial state behind and the caller should close the socket.
func (m *Manager) Connect(ctx context.Context, roomID types.RoomID, conn types.Conn) error {
	m.mu.Lock()
	if subs, ok := m.rooms[roomID]; ok {
		subs[conn.ID()] = conn
		count := len(subs)
		m.mu.Unlock()
		metrics.RoomSubscribers.WithLabelValues(string(roomID)).Set(float64(count))
		logging.Info(ctx, "socket joined room",
			zap.String("room_id", string(roomID)),
			zap.String("conn_id", string(conn.ID())),
			zap.Int("subscribers", count))
		return nil
	}
	m.mu.Unlock()

	// First subscriber: bring up the bus side before registering the
	// room so a failed declare is invisible to later callers.
	if err := m.broker.Declare(ctx, roomID); err != nil {
		return fmt.Errorf("declare room %s: %w", roomID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	deliveries, err := m.broker.Consume(runCtx, roomID)
	if err != nil {
		cancel()
		m.broker.Release(ctx, roomID)
		return fmt.Errorf("consume room %s: %w", roomID, err)
	}

	t := &task{
		cancel: cancel,
		done:   make(chan struct{}),
		name:   "broadcast_" + string(roomID),
	}

	m.mu.Lock()
	if subs, ok := m.rooms[roomID]; ok {
		// Lost the race with another first subscriber; join theirs.
		subs[conn.ID()] = conn
		count := len(subs)
		m.mu.Unlock()
		cancel()
		metrics.RoomSubscribers.WithLabelValues(string(roomID)).Set(float64(count))
		return nil
	}
	m.rooms[roomID] = map[types.ConnID]types.Conn{conn.ID(): conn}
	m.tasks[roomID] = t
	roomCount := len(m.rooms)
	m.mu.Unlock()

	go m.run(runCtx, roomID, deliveries, t)

	metrics.ActiveRooms.Set(float64(roomCount))
	metrics.RoomSubscribers.WithLabelValues(string(roomID)).Set(1)
	logging.Info(ctx, "room activated",
		zap.String("room_id", string(roomID)),
		zap.String("conn_id", string(conn.ID())))
	return nil
}

// Disconnect removes a socket from a room. The last socket out cancels
// the consumer, waits for it, and releases the room's bus resources.
func (m *Manager) Disconnect(ctx context.Context, roomID types.RoomID, connID types.ConnID) {
	m.mu.Lock()
	subs, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(subs, connID)
	if len(subs) > 0 {
		count := len(subs)
		m.mu.Unlock()
		metrics.RoomSubscribers.WithLabelValues(string(roomID)).Set(float64(count))
		logging.Info(ctx, "socket left room",
			zap.String("room_id", string(roomID)),
			zap.String("conn_id", string(connID)),
			zap.Int("subscribers", count))
		return
	}

	t := m.tasks[roomID]
	delete(m.rooms, roomID)
	delete(m.tasks, roomID)
	if t != nil {
		t.cancelled = true
	}
	roomCount := len(m.rooms)
	m.mu.Unlock()

	if t != nil {
		t.cancel()
		select {
		case <-t.done:
		case <-time.After(teardownWait):
			logging.Warn(ctx, "room consumer did not exit in time", zap.String("room_id", string(roomID)))
		}
	}
	m.broker.Release(ctx, roomID)

	metrics.ActiveRooms.Set(float64(roomCount))
	metrics.RoomSubscribers.DeleteLabelValues(string(roomID))
	logging.Info(ctx, "room deactivated", zap.String("room_id", string(roomID)))
}

// Publish builds the authoritative envelope for an inbound frame,
// sends it through the bus, and pushes it onto the channel tail. The
// returned envelope is what the sender's ack should reference.
func (m *Manager) Publish(ctx context.Context, roomID types.RoomID, senderID types.UserID, mid string, in types.Inbound) (types.Envelope, error) {
	username, err := m.names.Username(ctx, senderID)
	if err != nil {
		// Identity is already authenticated; a name lookup failure
		// must not block the message.
		logging.Warn(ctx, "username resolution failed, using id",
			zap.String("user_id", string(senderID)), zap.Error(err))
		username = string(senderID)
	}

	_, wireTs := types.NormalizeTimestamp(in.Timestamp, m.now)
	env := types.Envelope{
		MID:       mid,
		UID:       string(senderID),
		Username:  username,
		RoomID:    string(roomID),
		ChannelID: in.ChannelID,
		Message:   in.Message,
		Timestamp: wireTs,
	}

	body, err := json.Marshal(env)
	if err != nil {
		return types.Envelope{}, fmt.Errorf("marshal envelope: %w", err)
	}

	if err := m.broker.Publish(ctx, roomID, body); err != nil {
		return types.Envelope{}, err
	}

	if m.tail != nil {
		if err := m.tail.PushTail(ctx, roomID, types.ChannelID(in.ChannelID), body); err != nil {
			logging.Warn(ctx, "tail cache push failed",
				zap.String("room_id", string(roomID)),
				zap.String("channel_id", in.ChannelID),
				zap.Error(err))
		}
	}
	return env, nil
}

// Subscribers returns the number of sockets currently in a room.
func (m *Manager) Subscribers(roomID types.RoomID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms[roomID])
}

// ActiveRooms returns the ids of rooms with at least one subscriber.
func (m *Manager) ActiveRooms() []types.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RoomID, 0, len(m.rooms))
	for roomID := range m.rooms {
		out = append(out, roomID)
	}
	return out
}

// Shutdown tears down every active room: sockets closed, consumers
// cancelled, bus resources released.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	rooms := make(map[types.RoomID][]types.Conn, len(m.rooms))
	tasks := make(map[types.RoomID]*task, len(m.tasks))
	for roomID, subs := range m.rooms {
		for _, conn := range subs {
			rooms[roomID] = append(rooms[roomID], conn)
		}
		if t := m.tasks[roomID]; t != nil {
			t.cancelled = true
			tasks[roomID] = t
		}
	}
	m.rooms = make(map[types.RoomID]map[types.ConnID]types.Conn)
	m.tasks = make(map[types.RoomID]*task)
	m.mu.Unlock()

	for roomID, conns := range rooms {
		for _, conn := range conns {
			_ = conn.Close(1001, "server shutting down")
		}
		if t := tasks[roomID]; t != nil {
			t.cancel()
			select {
			case <-t.done:
			case <-time.After(teardownWait):
			}
		}
		m.broker.Release(ctx, roomID)
		metrics.RoomSubscribers.DeleteLabelValues(string(roomID))
	}
	metrics.ActiveRooms.Set(0)
	logging.Info(ctx, "broadcast manager shut down", zap.Int("rooms_closed", len(rooms)))
}
