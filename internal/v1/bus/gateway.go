// Package bus owns the AMQP side of the room fan-out: one shared
// connection, one channel and one auto-delete queue per active room.
// The queue is named exactly by the room id, so any broker-side tooling
// can address a room directly.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/r3almx/realtime/internal/v1/logging"
	"github.com/r3almx/realtime/internal/v1/metrics"
	"github.com/r3almx/realtime/internal/v1/types"
)

// Delivery is one message consumed from a room queue. Ack must be
// called after the message has been fanned out and handed to digestion.
type Delivery struct {
	Body []byte
	ack  func() error
}

// Ack acknowledges the delivery to the broker.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// QueueSnapshot describes one declared room queue for diagnostics.
type QueueSnapshot struct {
	Name       string         `json:"name"`
	Durable    bool           `json:"durable"`
	Exclusive  bool           `json:"exclusive"`
	AutoDelete bool           `json:"auto_delete"`
	Arguments  map[string]any `json:"arguments"`
}

// ChannelSnapshot describes one open AMQP channel for diagnostics.
type ChannelSnapshot struct {
	ChannelNumber  int    `json:"channel_number"`
	IsClosed       bool   `json:"is_closed"`
	ConnectionName string `json:"connection_name"`
}

type roomChannel struct {
	ch     *amqp.Channel
	number int
}

// Gateway multiplexes per-room queues over a single lazily-dialed
// connection. All methods are safe for concurrent use.
type Gateway struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	channels map[types.RoomID]*roomChannel
	queues   map[types.RoomID]QueueSnapshot
	seq      int
}

// NewGateway creates a gateway for the given broker URL. No connection
// is made until the first queue is needed.
func NewGateway(url string) *Gateway {
	return &Gateway{
		url:      url,
		channels: make(map[types.RoomID]*roomChannel),
		queues:   make(map[types.RoomID]QueueSnapshot),
	}
}

// connection returns a live connection, dialing if the previous one is
// gone. Callers must hold g.mu.
func (g *Gateway) connection() (*amqp.Connection, error) {
	if g.conn != nil && !g.conn.IsClosed() {
		return g.conn, nil
	}

	if g.conn != nil {
		// Stale handle from a dropped connection; channels on it are dead too.
		g.channels = make(map[types.RoomID]*roomChannel)
		metrics.BusReconnects.Inc()
	}

	conn, err := amqp.Dial(g.url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}
	g.conn = conn
	logging.Info(context.Background(), "connected to message bus")
	return conn, nil
}

// channel returns the room's channel, opening one (and the connection)
// as needed. Callers must hold g.mu.
func (g *Gateway) channel(roomID types.RoomID) (*roomChannel, error) {
	if rc, ok := g.channels[roomID]; ok && !rc.ch.IsClosed() {
		return rc, nil
	}

	conn, err := g.connection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel for room %s: %w", roomID, err)
	}

	g.seq++
	rc := &roomChannel{ch: ch, number: g.seq}
	g.channels[roomID] = rc
	return rc, nil
}

// Declare ensures the room's queue exists. The queue is auto-delete so
// the broker reclaims it if this process dies without a clean Release.
func (g *Gateway) Declare(ctx context.Context, roomID types.RoomID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rc, err := g.channel(roomID)
	if err != nil {
		return err
	}

	q, err := rc.ch.QueueDeclare(
		string(roomID), // name
		false,          // durable
		true,           // auto-delete
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue for room %s: %w", roomID, err)
	}

	g.queues[roomID] = QueueSnapshot{
		Name:       q.Name,
		Durable:    false,
		Exclusive:  false,
		AutoDelete: true,
		Arguments:  nil,
	}
	return nil
}

// Publish sends a raw envelope to the room's queue via the default
// exchange. Declare must have succeeded for this room first; publishing
// re-declares defensively because declare is idempotent and cheap.
func (g *Gateway) Publish(ctx context.Context, roomID types.RoomID, body []byte) error {
	g.mu.Lock()
	rc, err := g.channel(roomID)
	g.mu.Unlock()
	if err != nil {
		metrics.BusPublishes.WithLabelValues("error").Inc()
		return err
	}

	err = rc.ch.PublishWithContext(ctx,
		"",             // default exchange
		string(roomID), // routing key = queue name
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		metrics.BusPublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish to room %s: %w", roomID, err)
	}
	metrics.BusPublishes.WithLabelValues("ok").Inc()
	return nil
}

// Consume starts consuming the room's queue. The returned channel
// closes when the queue disappears, the connection drops, or ctx is
// cancelled. Cancellation also cancels the broker-side consumer: the
// room's channel is shared, so an abandoned tag would keep receiving
// its round-robin share of deliveries with nobody reading them.
func (g *Gateway) Consume(ctx context.Context, roomID types.RoomID) (<-chan Delivery, error) {
	g.mu.Lock()
	rc, err := g.channel(roomID)
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	tag := string(roomID) + "-" + uuid.NewString()
	deliveries, err := rc.ch.Consume(
		string(roomID), // queue
		tag,            // consumer tag
		false,          // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume room %s: %w", roomID, err)
	}

	out := make(chan Delivery)
	go bridge(ctx, deliveries, out, func() {
		if rc.ch.IsClosed() {
			return
		}
		if err := rc.ch.Cancel(tag, false); err != nil {
			logging.Warn(context.Background(), "failed to cancel consumer",
				zap.String("room_id", string(roomID)),
				zap.String("consumer_tag", tag),
				zap.Error(err))
		}
	})
	return out, nil
}

// bridge forwards broker deliveries onto out until the source closes or
// ctx is cancelled. On cancellation it runs stopConsumer before exiting
// so the broker stops assigning deliveries to this consumer.
func bridge(ctx context.Context, in <-chan amqp.Delivery, out chan<- Delivery, stopConsumer func()) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			stopConsumer()
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			wrapped := Delivery{
				Body: d.Body,
				ack:  func() error { return d.Ack(false) },
			}
			select {
			case out <- wrapped:
			case <-ctx.Done():
				stopConsumer()
				return
			}
		}
	}
}

// Release purges and deletes the room's queue and closes its channel.
// Failures are logged, not returned: the queue is auto-delete, so the
// broker cleans up anything we could not.
func (g *Gateway) Release(ctx context.Context, roomID types.RoomID) {
	g.mu.Lock()
	rc := g.channels[roomID]
	delete(g.channels, roomID)
	delete(g.queues, roomID)
	g.mu.Unlock()

	if rc == nil || rc.ch.IsClosed() {
		return
	}

	if _, err := rc.ch.QueuePurge(string(roomID), false); err != nil {
		logging.Warn(ctx, "failed to purge room queue", zap.String("room_id", string(roomID)), zap.Error(err))
	}
	if _, err := rc.ch.QueueDelete(string(roomID), false, false, false); err != nil {
		logging.Warn(ctx, "failed to delete room queue", zap.String("room_id", string(roomID)), zap.Error(err))
	}
	if err := rc.ch.Close(); err != nil {
		logging.Warn(ctx, "failed to close room channel", zap.String("room_id", string(roomID)), zap.Error(err))
	}
}

// Ping reports whether the broker connection is currently live. It
// does not dial; a lazy gateway with no traffic yet is healthy.
func (g *Gateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil && g.conn.IsClosed() {
		return fmt.Errorf("bus connection is closed")
	}
	return nil
}

// SnapshotQueues returns the currently declared room queues.
func (g *Gateway) SnapshotQueues() map[string]QueueSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]QueueSnapshot, len(g.queues))
	for roomID, q := range g.queues {
		out[string(roomID)] = q
	}
	return out
}

// SnapshotChannels returns the currently open room channels.
func (g *Gateway) SnapshotChannels() map[string]ChannelSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	connName := ""
	if g.conn != nil {
		connName = g.conn.LocalAddr().String()
	}

	out := make(map[string]ChannelSnapshot, len(g.channels))
	for roomID, rc := range g.channels {
		out[string(roomID)] = ChannelSnapshot{
			ChannelNumber:  rc.number,
			IsClosed:       rc.ch.IsClosed(),
			ConnectionName: connName,
		}
	}
	return out
}

// Close tears down every channel and the connection.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for roomID, rc := range g.channels {
		if !rc.ch.IsClosed() {
			_ = rc.ch.Close()
		}
		delete(g.channels, roomID)
	}
	g.queues = make(map[types.RoomID]QueueSnapshot)

	if g.conn != nil && !g.conn.IsClosed() {
		err := g.conn.Close()
		g.conn = nil
		return err
	}
	g.conn = nil
	return nil
}
