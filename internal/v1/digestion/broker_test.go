package digestion

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3almx/realtime/internal/v1/store"
	"github.com/r3almx/realtime/internal/v1/types"
)

// mockSink records writes and can be made to fail or block.
type mockSink struct {
	mu          sync.Mutex
	appends     map[types.RoomID][][]store.Record
	deletes     []string
	deleteErr   error // returned by DeleteMessage; defaults to sql.ErrNoRows
	failRooms   map[types.RoomID]bool
	blockCh     chan struct{} // when set, AppendMessages waits on it
	appendCalls int
}

func newMockSink() *mockSink {
	return &mockSink{
		appends:   make(map[types.RoomID][][]store.Record),
		failRooms: make(map[types.RoomID]bool),
	}
}

func (m *mockSink) AppendMessages(ctx context.Context, roomID types.RoomID, records []store.Record) error {
	m.mu.Lock()
	m.appendCalls++
	block := m.blockCh
	fail := m.failRooms[roomID]
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return errors.New("sink unavailable")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]store.Record, len(records))
	copy(cp, records)
	m.appends[roomID] = append(m.appends[roomID], cp)
	return nil
}

func (m *mockSink) DeleteMessage(ctx context.Context, roomID types.RoomID, mid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, mid)
	if m.deleteErr != nil {
		return m.deleteErr
	}
	return sql.ErrNoRows
}

func (m *mockSink) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendCalls
}

func (m *mockSink) batchesFor(roomID types.RoomID) [][]store.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appends[roomID]
}

func env(roomID, mid, msg string) types.Envelope {
	return types.Envelope{
		MID:       mid,
		UID:       "u1",
		Username:  "alice",
		RoomID:    roomID,
		ChannelID: "c1",
		Message:   msg,
		Timestamp: "2024-03-01 10:00:00 AM",
	}
}

func TestAdd_BelowBatchSizeDoesNotFlush(t *testing.T) {
	sink := newMockSink()
	b := New(sink, 10, time.Hour)

	for i := 0; i < 9; i++ {
		b.Add("u1", env("r1", types.NewMID(), "hi"))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.calls())
	assert.Equal(t, 9, b.Len())
}

func TestAdd_TenthTriggersFlush(t *testing.T) {
	sink := newMockSink()
	b := New(sink, 10, time.Hour)

	for i := 0; i < 10; i++ {
		b.Add("u1", env("r1", types.NewMID(), "hi"))
	}

	assert.Eventually(t, func() bool {
		return b.Len() == 0 && sink.calls() == 1
	}, time.Second, 10*time.Millisecond)

	batches := sink.batchesFor("r1")
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 10)
}

func TestAdd_NoOverlappingFlushAtBoundary(t *testing.T) {
	sink := newMockSink()
	release := make(chan struct{})
	sink.blockCh = release
	b := New(sink, 10, time.Hour)

	for i := 0; i < 10; i++ {
		b.Add("u1", env("r1", types.NewMID(), "hi"))
	}

	// The size-triggered flush is now blocked inside the sink. The
	// 11th add must not schedule a second one.
	assert.Eventually(t, func() bool { return sink.calls() == 1 }, time.Second, 5*time.Millisecond)
	b.Add("u1", env("r1", "latecomer", "hi"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.calls())

	close(release)
	sink.mu.Lock()
	sink.blockCh = nil
	sink.mu.Unlock()

	// The blocked flush captured only the first 10; the latecomer
	// stays buffered for the next flush.
	assert.Eventually(t, func() bool { return b.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestFlush_GroupsByRoom(t *testing.T) {
	sink := newMockSink()
	b := New(sink, 100, time.Hour)

	b.Add("u1", env("r1", "m1", "a"))
	b.Add("u1", env("r2", "m2", "b"))
	b.Add("u1", env("r1", "m3", "c"))

	require.NoError(t, b.Flush(context.Background()))

	r1 := sink.batchesFor("r1")
	require.Len(t, r1, 1)
	assert.Len(t, r1[0], 2)

	r2 := sink.batchesFor("r2")
	require.Len(t, r2, 1)
	assert.Len(t, r2[0], 1)

	assert.Equal(t, 0, b.Len())
}

func TestFlush_FailureRetainsBatch(t *testing.T) {
	sink := newMockSink()
	sink.failRooms["r1"] = true
	b := New(sink, 100, time.Hour)

	b.Add("u1", env("r1", "m1", "a"))
	b.Add("u1", env("r1", "m2", "b"))

	err := b.Flush(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, b.Len())

	// Sink recovers; retry writes the retained batch.
	sink.mu.Lock()
	sink.failRooms["r1"] = false
	sink.mu.Unlock()

	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 0, b.Len())
	batches := sink.batchesFor("r1")
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestFlush_PartialSuccessDropsCommittedRoom(t *testing.T) {
	sink := newMockSink()
	b := New(sink, 100, time.Hour)

	b.Add("u1", env("r1", "m1", "a"))
	b.Add("u1", env("r2", "m2", "b"))
	sink.failRooms["r2"] = true

	err := b.Flush(context.Background())
	assert.Error(t, err)

	// r1 committed, so only r2's entry may be retried.
	assert.Equal(t, 1, b.Len())

	sink.mu.Lock()
	sink.failRooms["r2"] = false
	sink.mu.Unlock()

	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 0, b.Len())
	assert.Len(t, sink.batchesFor("r1"), 1)
	assert.Len(t, sink.batchesFor("r2"), 1)
}

func TestFlush_EmptyBatchIsNoop(t *testing.T) {
	sink := newMockSink()
	b := New(sink, 10, time.Hour)

	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 0, sink.calls())
}

func TestAdd_NormalizesBadTimestamp(t *testing.T) {
	sink := newMockSink()
	fixed := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	b := New(sink, 100, time.Hour, WithClock(func() time.Time { return fixed }))

	bad := env("r1", "m1", "a")
	bad.Timestamp = "yesterday-ish"
	b.Add("u1", bad)

	require.NoError(t, b.Flush(context.Background()))

	batches := sink.batchesFor("r1")
	require.Len(t, batches, 1)
	assert.True(t, fixed.Equal(batches[0][0].Timestamp))
}

func TestAdd_KeepsValidTimestamp(t *testing.T) {
	sink := newMockSink()
	b := New(sink, 100, time.Hour)

	b.Add("u1", env("r1", "m1", "a"))
	require.NoError(t, b.Flush(context.Background()))

	batches := sink.batchesFor("r1")
	require.Len(t, batches, 1)
	want, _ := time.Parse(types.TimeLayout, "2024-03-01 10:00:00 AM")
	assert.True(t, want.Equal(batches[0][0].Timestamp))
}

func TestDelete_RemovesBufferedCopy(t *testing.T) {
	sink := newMockSink()
	b := New(sink, 100, time.Hour)

	b.Add("u1", env("r1", "m1", "a"))
	b.Add("u1", env("r1", "m2", "b"))

	// Row does not exist in the store yet; a buffered-only message is
	// still a successful delete.
	require.NoError(t, b.Delete(context.Background(), "r1", "m1"))
	assert.Equal(t, 1, b.Len())

	require.NoError(t, b.Flush(context.Background()))
	batches := sink.batchesFor("r1")
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "m2", batches[0][0].MID)
}

func TestDelete_SinkFailureSurfaces(t *testing.T) {
	sink := newMockSink()
	sinkErr := errors.New("disk i/o error")
	sink.deleteErr = sinkErr
	b := New(sink, 100, time.Hour)

	// Buffered and persisted at once: removing the buffered copy must
	// not mask a failed store delete.
	b.Add("u1", env("r1", "m1", "a"))

	err := b.Delete(context.Background(), "r1", "m1")
	assert.ErrorIs(t, err, sinkErr)
}

func TestDelete_MissingEverywhere(t *testing.T) {
	sink := newMockSink()
	b := New(sink, 100, time.Hour)

	err := b.Delete(context.Background(), "r1", "ghost")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRun_IntervalFlushAndFinalFlush(t *testing.T) {
	sink := newMockSink()
	b := New(sink, 100, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	b.Add("u1", env("r1", "m1", "a"))
	assert.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 10*time.Millisecond)

	// Buffer one more, then cancel; the final flush must drain it.
	b.Add("u1", env("r1", "m2", "b"))
	cancel()
	<-done
	assert.Equal(t, 0, b.Len())
}
