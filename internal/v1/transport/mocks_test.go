package transport

import (
	"context"
	"sync"
	"time"

	"github.com/r3almx/realtime/internal/v1/types"
)

// MockConnection implements wsConnection.
type MockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(int, []byte) error
	CloseFunc        func() error
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, nil
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *MockConnection) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error {
	return nil
}

// writeRecord captures one frame written to a MockConnection.
type writeRecord struct {
	messageType int
	data        []byte
}

// recordingConn is a MockConnection that stores every written frame.
type recordingConn struct {
	MockConnection
	mu     sync.Mutex
	writes []writeRecord
	closed bool
}

func newRecordingConn() *recordingConn {
	rc := &recordingConn{}
	rc.WriteMessageFunc = func(messageType int, data []byte) error {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		cp := make([]byte, len(data))
		copy(cp, data)
		rc.writes = append(rc.writes, writeRecord{messageType: messageType, data: cp})
		return nil
	}
	rc.CloseFunc = func() error {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		rc.closed = true
		return nil
	}
	return rc
}

func (rc *recordingConn) written() []writeRecord {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]writeRecord, len(rc.writes))
	copy(out, rc.writes)
	return out
}

func (rc *recordingConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// mockBroadcaster implements Broadcaster.
type mockBroadcaster struct {
	mu          sync.Mutex
	connects    []types.RoomID
	disconnects []types.RoomID
	published   []types.Inbound
	connectErr  error
	publishErr  error
}

func (m *mockBroadcaster) Connect(_ context.Context, roomID types.RoomID, _ types.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connects = append(m.connects, roomID)
	return nil
}

func (m *mockBroadcaster) Disconnect(_ context.Context, roomID types.RoomID, _ types.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, roomID)
}

func (m *mockBroadcaster) Publish(_ context.Context, roomID types.RoomID, senderID types.UserID, mid string, in types.Inbound) (types.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return types.Envelope{}, m.publishErr
	}
	m.published = append(m.published, in)
	return types.Envelope{
		MID:       mid,
		UID:       string(senderID),
		Username:  string(senderID),
		RoomID:    string(roomID),
		ChannelID: in.ChannelID,
		Message:   in.Message,
		Timestamp: in.Timestamp,
	}, nil
}

func (m *mockBroadcaster) publishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func (m *mockBroadcaster) disconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.disconnects)
}

// mockPresence implements Presence.
type mockPresence struct {
	mu          sync.Mutex
	connects    []types.UserID
	disconnects []types.UserID
	statuses    map[types.UserID]types.Status
}

func newMockPresence() *mockPresence {
	return &mockPresence{statuses: make(map[types.UserID]types.Status)}
}

func (m *mockPresence) Connect(_ context.Context, userID types.UserID, _ types.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects = append(m.connects, userID)
	m.statuses[userID] = types.StatusOnline
}

func (m *mockPresence) Disconnect(_ context.Context, userID types.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, userID)
}

func (m *mockPresence) SetStatus(_ context.Context, userID types.UserID, status types.Status) error {
	if !status.Valid() {
		return types.ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[userID] = status
	return nil
}

func (m *mockPresence) GetStatus(userID types.UserID) types.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[userID]; ok {
		return s
	}
	return types.StatusOnline
}

func (m *mockPresence) statusOf(userID types.UserID) types.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[userID]
}

func (m *mockPresence) disconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.disconnects)
}

// mockNotifier implements Notifier.
type mockNotifier struct {
	mu       sync.Mutex
	payloads []any
}

func (m *mockNotifier) Notify(_ context.Context, _ types.UserID, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
}

func (m *mockNotifier) notified() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.payloads))
	copy(out, m.payloads)
	return out
}
