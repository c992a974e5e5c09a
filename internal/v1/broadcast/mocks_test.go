package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/r3almx/realtime/internal/v1/bus"
	"github.com/r3almx/realtime/internal/v1/types"
)

// fakeBroker is an in-memory Broker: one buffered channel per room
// standing in for the room's bus queue.
type fakeBroker struct {
	mu         sync.Mutex
	queues     map[types.RoomID]chan []byte
	declared   []types.RoomID
	released   []types.RoomID
	declareErr error
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: make(map[types.RoomID]chan []byte)}
}

func (f *fakeBroker) Declare(ctx context.Context, roomID types.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return f.declareErr
	}
	f.declared = append(f.declared, roomID)
	if _, ok := f.queues[roomID]; !ok {
		f.queues[roomID] = make(chan []byte, 64)
	}
	return nil
}

func (f *fakeBroker) Publish(ctx context.Context, roomID types.RoomID, body []byte) error {
	f.mu.Lock()
	q, ok := f.queues[roomID]
	err := f.publishErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no queue for room")
	}
	q <- body
	return nil
}

func (f *fakeBroker) Consume(ctx context.Context, roomID types.RoomID) (<-chan bus.Delivery, error) {
	f.mu.Lock()
	q, ok := f.queues[roomID]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("no queue for room")
	}

	out := make(chan bus.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case body, ok := <-q:
				if !ok {
					return
				}
				select {
				case out <- bus.Delivery{Body: body}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeBroker) Release(ctx context.Context, roomID types.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, roomID)
	if q, ok := f.queues[roomID]; ok {
		close(q)
		delete(f.queues, roomID)
	}
}

// dropQueue simulates the broker deleting a queue out from under a
// live consumer.
func (f *fakeBroker) dropQueue(roomID types.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[roomID]; ok {
		close(q)
		delete(f.queues, roomID)
	}
}

func (f *fakeBroker) releasedRooms() []types.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.RoomID, len(f.released))
	copy(out, f.released)
	return out
}

func (f *fakeBroker) declaredRooms() []types.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.RoomID, len(f.declared))
	copy(out, f.declared)
	return out
}

// mockDigester records envelopes handed to digestion.
type mockDigester struct {
	mu   sync.Mutex
	envs []types.Envelope
}

func (m *mockDigester) Add(userID types.UserID, env types.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, env)
}

func (m *mockDigester) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.envs)
}

func (m *mockDigester) all() []types.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Envelope, len(m.envs))
	copy(out, m.envs)
	return out
}

// mockTail records tail-cache pushes.
type mockTail struct {
	mu     sync.Mutex
	pushes map[string][][]byte // "room/channel" -> raw bodies
	err    error
}

func newMockTail() *mockTail {
	return &mockTail{pushes: make(map[string][][]byte)}
}

func (m *mockTail) PushTail(ctx context.Context, roomID types.RoomID, channelID types.ChannelID, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	key := string(roomID) + "/" + string(channelID)
	m.pushes[key] = append(m.pushes[key], raw)
	return nil
}

func (m *mockTail) pushesFor(roomID types.RoomID, channelID types.ChannelID) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes[string(roomID)+"/"+string(channelID)]
}

// mockResolver maps ids to names from a fixed table.
type mockResolver struct {
	names map[types.UserID]string
	err   error
}

func (m *mockResolver) Username(ctx context.Context, id types.UserID) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if name, ok := m.names[id]; ok {
		return name, nil
	}
	return string(id), nil
}

// mockConn is an in-memory types.Conn that records received frames.
type mockConn struct {
	id      types.ConnID
	mu      sync.Mutex
	sent    []types.Envelope
	sendErr error
	closed  bool
	code    int
}

func (m *mockConn) ID() types.ConnID { return m.id }

func (m *mockConn) SendJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	if env, ok := v.(types.Envelope); ok {
		m.sent = append(m.sent, env)
	}
	return nil
}

func (m *mockConn) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.code = code
	return nil
}

func (m *mockConn) received() []types.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) closeCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}
