// Package observe streams periodic diagnostics about the broadcast
// layer over a websocket. It is read-only: nothing here mutates room
// or bus state.
package observe

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/r3almx/realtime/internal/v1/broadcast"
	"github.com/r3almx/realtime/internal/v1/bus"
	"github.com/r3almx/realtime/internal/v1/logging"
	"github.com/r3almx/realtime/internal/v1/types"
)

// defaultInterval is how often each diagnostic subscriber gets a fresh
// snapshot.
const defaultInterval = time.Second

// RoomSource exposes the broadcast manager's internal state.
type RoomSource interface {
	Snapshot() broadcast.Snapshot
}

// BusSource exposes the bus gateway's queue and channel bookkeeping.
type BusSource interface {
	SnapshotQueues() map[string]bus.QueueSnapshot
	SnapshotChannels() map[string]bus.ChannelSnapshot
}

// Payload is one diagnostic frame. Sections that did not change since
// the subscriber's previous frame are omitted.
type Payload struct {
	Rooms       map[string]broadcast.RoomSnapshot `json:"rooms,omitempty"`
	BusQueues   map[string]bus.QueueSnapshot      `json:"bus_queues,omitempty"`
	BusChannels map[string]bus.ChannelSnapshot    `json:"bus_channels,omitempty"`
	Tasks       map[string]broadcast.TaskSnapshot `json:"broadcast_tasks,omitempty"`
}

// Observer builds diagnostic snapshots from the broadcast and bus
// layers and streams them to subscribed sockets.
type Observer struct {
	rooms    RoomSource
	busState BusSource
	interval time.Duration
}

// Option configures an Observer.
type Option func(*Observer)

// WithInterval overrides the snapshot interval. Used by tests.
func WithInterval(d time.Duration) Option {
	return func(o *Observer) { o.interval = d }
}

// NewObserver creates an Observer. busState may be nil when the bus
// gateway is not up yet; those sections stay empty.
func NewObserver(rooms RoomSource, busState BusSource, opts ...Option) *Observer {
	o := &Observer{
		rooms:    rooms,
		busState: busState,
		interval: defaultInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// sectionHashes tracks what a single subscriber has already seen, one
// MD5 per section of the payload.
type sectionHashes struct {
	rooms    [md5.Size]byte
	queues   [md5.Size]byte
	channels [md5.Size]byte
	tasks    [md5.Size]byte
}

func hashSection(v any) [md5.Size]byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Snapshot types are all plain maps and structs; this cannot
		// fail in practice, but a zero hash still forces an emit.
		return [md5.Size]byte{}
	}
	return md5.Sum(raw)
}

// build assembles the next frame for one subscriber, including only
// the sections whose hash moved. The first call sees zero hashes and
// so always produces a full frame.
func (o *Observer) build(seen *sectionHashes) (Payload, bool) {
	var p Payload
	changed := false

	snap := o.rooms.Snapshot()
	if h := hashSection(snap.Rooms); h != seen.rooms {
		seen.rooms = h
		p.Rooms = snap.Rooms
		changed = true
	}
	if h := hashSection(snap.Tasks); h != seen.tasks {
		seen.tasks = h
		p.Tasks = snap.Tasks
		changed = true
	}

	if o.busState != nil {
		queues := o.busState.SnapshotQueues()
		if h := hashSection(queues); h != seen.queues {
			seen.queues = h
			p.BusQueues = queues
			changed = true
		}
		channels := o.busState.SnapshotChannels()
		if h := hashSection(channels); h != seen.channels {
			seen.channels = h
			p.BusChannels = channels
			changed = true
		}
	}
	return p, changed
}

// Stream pushes snapshots to one diagnostic socket until the context
// ends or the socket becomes unwritable. Each subscriber keeps its own
// hash state, so a fresh subscriber always gets a full first frame.
func (o *Observer) Stream(ctx context.Context, conn types.Conn) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	var seen sectionHashes
	logging.Info(ctx, "diagnostic subscriber attached",
		zap.String("conn_id", string(conn.ID())))

	for {
		payload, changed := o.build(&seen)
		if changed {
			if err := conn.SendJSON(payload); err != nil {
				logging.Info(ctx, "diagnostic subscriber detached",
					zap.String("conn_id", string(conn.ID())), zap.Error(err))
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
