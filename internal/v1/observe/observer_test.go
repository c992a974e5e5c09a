package observe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3almx/realtime/internal/v1/broadcast"
	"github.com/r3almx/realtime/internal/v1/bus"
	"github.com/r3almx/realtime/internal/v1/types"
)

type fakeRoomSource struct {
	mu   sync.Mutex
	snap broadcast.Snapshot
}

func (f *fakeRoomSource) Snapshot() broadcast.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeRoomSource) set(snap broadcast.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

type fakeBusSource struct {
	mu       sync.Mutex
	queues   map[string]bus.QueueSnapshot
	channels map[string]bus.ChannelSnapshot
}

func (f *fakeBusSource) SnapshotQueues() map[string]bus.QueueSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queues
}

func (f *fakeBusSource) SnapshotChannels() map[string]bus.ChannelSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels
}

type captureConn struct {
	mu      sync.Mutex
	frames  []Payload
	sendErr error
}

func (c *captureConn) ID() types.ConnID { return "diag-1" }

func (c *captureConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if p, ok := v.(Payload); ok {
		c.frames = append(c.frames, p)
	}
	return nil
}

func (c *captureConn) Close(code int, reason string) error { return nil }

func (c *captureConn) received() []Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Payload, len(c.frames))
	copy(out, c.frames)
	return out
}

func roomState(roomID string, connIDs ...string) broadcast.Snapshot {
	return broadcast.Snapshot{
		Rooms: map[string]broadcast.RoomSnapshot{
			roomID: {Count: len(connIDs), ConnectionIDs: connIDs},
		},
		Tasks: map[string]broadcast.TaskSnapshot{
			roomID: {Name: "broadcast_" + roomID},
		},
	}
}

func TestObserver_FirstFrameIsFull(t *testing.T) {
	rooms := &fakeRoomSource{snap: roomState("r1", "c1", "c2")}
	busSrc := &fakeBusSource{
		queues:   map[string]bus.QueueSnapshot{"r1": {Name: "r1", AutoDelete: true}},
		channels: map[string]bus.ChannelSnapshot{"r1": {ChannelNumber: 1}},
	}
	o := NewObserver(rooms, busSrc, WithInterval(5*time.Millisecond))

	conn := &captureConn{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Stream(ctx, conn) }()

	assert.Eventually(t, func() bool {
		return len(conn.received()) >= 1
	}, time.Second, 5*time.Millisecond)

	first := conn.received()[0]
	require.Contains(t, first.Rooms, "r1")
	assert.Equal(t, 2, first.Rooms["r1"].Count)
	assert.Equal(t, []string{"c1", "c2"}, first.Rooms["r1"].ConnectionIDs)
	require.Contains(t, first.BusQueues, "r1")
	assert.True(t, first.BusQueues["r1"].AutoDelete)
	require.Contains(t, first.BusChannels, "r1")
	assert.Equal(t, 1, first.BusChannels["r1"].ChannelNumber)
	require.Contains(t, first.Tasks, "r1")
	assert.Equal(t, "broadcast_r1", first.Tasks["r1"].Name)
}

func TestObserver_QuiescentStateEmitsNothing(t *testing.T) {
	rooms := &fakeRoomSource{snap: roomState("r1", "c1")}
	o := NewObserver(rooms, nil, WithInterval(5*time.Millisecond))

	conn := &captureConn{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Stream(ctx, conn) }()

	assert.Eventually(t, func() bool {
		return len(conn.received()) >= 1
	}, time.Second, 5*time.Millisecond)

	// Several more ticks with identical state add no frames.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, conn.received(), 1)
}

func TestObserver_EmitsOnlyChangedSections(t *testing.T) {
	rooms := &fakeRoomSource{snap: roomState("r1", "c1")}
	o := NewObserver(rooms, nil, WithInterval(5*time.Millisecond))

	conn := &captureConn{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Stream(ctx, conn) }()

	assert.Eventually(t, func() bool {
		return len(conn.received()) >= 1
	}, time.Second, 5*time.Millisecond)

	// Change the room membership but not the task set.
	next := roomState("r1", "c1", "c2")
	next.Tasks = rooms.Snapshot().Tasks
	rooms.set(next)

	assert.Eventually(t, func() bool {
		return len(conn.received()) >= 2
	}, time.Second, 5*time.Millisecond)

	second := conn.received()[1]
	require.Contains(t, second.Rooms, "r1")
	assert.Equal(t, 2, second.Rooms["r1"].Count)
	assert.Empty(t, second.Tasks, "unchanged section should be omitted")
	assert.Empty(t, second.BusQueues)
}

func TestObserver_StopsOnContextCancel(t *testing.T) {
	rooms := &fakeRoomSource{snap: roomState("r1", "c1")}
	o := NewObserver(rooms, nil, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Stream(ctx, &captureConn{}) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}

func TestObserver_StopsOnUnwritableSocket(t *testing.T) {
	rooms := &fakeRoomSource{snap: roomState("r1", "c1")}
	o := NewObserver(rooms, nil, WithInterval(5*time.Millisecond))

	conn := &captureConn{sendErr: assert.AnError}
	done := make(chan error, 1)
	go func() { done <- o.Stream(context.Background(), conn) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, assert.AnError)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop on send failure")
	}
}
