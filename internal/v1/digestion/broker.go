// Package digestion implements the write-behind path between the room
// fan-out and durable storage. Envelopes accumulate in a batch that is
// flushed when it reaches batchSize or when the flush ticker fires,
// whichever comes first. A failed flush keeps the batch for retry, so
// delivery to the store is at-least-once.
package digestion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/r3almx/realtime/internal/v1/logging"
	"github.com/r3almx/realtime/internal/v1/metrics"
	"github.com/r3almx/realtime/internal/v1/store"
	"github.com/r3almx/realtime/internal/v1/types"
)

// Sink is the durable store the broker writes to.
type Sink interface {
	AppendMessages(ctx context.Context, roomID types.RoomID, records []store.Record) error
	DeleteMessage(ctx context.Context, roomID types.RoomID, mid string) error
}

type entry struct {
	roomID types.RoomID
	record store.Record
}

// Broker buffers envelopes and writes them to the sink in per-room
// transactions. One mutex guards the batch; Add never blocks on I/O.
type Broker struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	batch    []entry
	inFlight bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the broker's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a Broker. batchSize and flushInterval default to 10 and
// 5s when zero.
func New(sink Sink, batchSize int, flushInterval time.Duration, opts ...Option) *Broker {
	if batchSize <= 0 {
		batchSize = 10
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	b := &Broker{
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add buffers one envelope for persistence. The envelope's timestamp is
// normalized here: an unparseable or missing value is replaced with the
// current server time, never dropped. When the buffered count reaches
// batchSize and no flush is running, a flush is scheduled immediately.
func (b *Broker) Add(userID types.UserID, env types.Envelope) {
	ts, _ := types.NormalizeTimestamp(env.Timestamp, b.now)

	b.mu.Lock()
	b.batch = append(b.batch, entry{
		roomID: types.RoomID(env.RoomID),
		record: store.Record{
			MID:       env.MID,
			ChannelID: env.ChannelID,
			SenderID:  string(userID),
			Message:   env.Message,
			Timestamp: ts,
		},
	})
	size := len(b.batch)
	trigger := size >= b.batchSize && !b.inFlight
	if trigger {
		b.inFlight = true
	}
	b.mu.Unlock()

	metrics.DigestionBatchSize.Set(float64(size))

	if trigger {
		go func() {
			defer b.clearInFlight()
			if err := b.flushLocked(context.Background()); err != nil {
				logging.Error(context.Background(), "size-triggered flush failed", zap.Error(err))
			}
		}()
	}
}

// Delete removes any buffered copies of the message and deletes the
// persisted row if one exists. A missing row is not an error; the
// message may still have been batch-only.
func (b *Broker) Delete(ctx context.Context, roomID types.RoomID, mid string) error {
	b.mu.Lock()
	kept := b.batch[:0]
	for _, e := range b.batch {
		if e.record.MID == mid && e.roomID == roomID {
			continue
		}
		kept = append(kept, e)
	}
	removed := len(b.batch) - len(kept)
	b.batch = kept
	b.mu.Unlock()

	if removed > 0 {
		logging.Info(ctx, "dropped buffered message", zap.String("mid", mid), zap.Int("copies", removed))
	}

	err := b.sink.DeleteMessage(ctx, roomID, mid)
	if errors.Is(err, sql.ErrNoRows) && removed > 0 {
		// The message only ever lived in the batch.
		return nil
	}
	return err
}

// Flush writes the buffered batch to the sink, one transaction per
// room. On any failure the entire batch is retained for the next
// attempt. Concurrent Flush calls serialize on the in-flight flag; a
// call that loses the race returns nil without doing work.
func (b *Broker) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.inFlight {
		b.mu.Unlock()
		return nil
	}
	b.inFlight = true
	b.mu.Unlock()

	defer b.clearInFlight()
	return b.flushLocked(ctx)
}

func (b *Broker) clearInFlight() {
	b.mu.Lock()
	b.inFlight = false
	b.mu.Unlock()
}

// flushLocked does the actual write. Callers must hold the in-flight
// flag (not the mutex; the sink writes happen outside it so Add stays
// non-blocking).
func (b *Broker) flushLocked(ctx context.Context) error {
	b.mu.Lock()
	if len(b.batch) == 0 {
		b.mu.Unlock()
		return nil
	}
	pending := make([]entry, len(b.batch))
	copy(pending, b.batch)
	b.mu.Unlock()

	byRoom := make(map[types.RoomID][]store.Record)
	order := make([]types.RoomID, 0, 4)
	for _, e := range pending {
		if _, seen := byRoom[e.roomID]; !seen {
			order = append(order, e.roomID)
		}
		byRoom[e.roomID] = append(byRoom[e.roomID], e.record)
	}

	// Each room is its own transaction. A room that commits has its
	// entries dropped from the batch even if a later room fails;
	// retaining them would re-insert committed mids on retry and jam
	// the batch on primary-key conflicts.
	written := make(map[string]bool)
	var flushErr error
	start := b.now()
	for _, roomID := range order {
		if err := b.sink.AppendMessages(ctx, roomID, byRoom[roomID]); err != nil {
			metrics.DigestionFlushes.WithLabelValues("error").Inc()
			logging.Error(ctx, "digestion flush failed, room batch retained",
				zap.String("room_id", string(roomID)),
				zap.Int("batch_size", len(pending)),
				zap.Error(err))
			flushErr = fmt.Errorf("flush room %s: %w", roomID, err)
			break
		}
		for _, r := range byRoom[roomID] {
			written[string(roomID)+"/"+r.MID] = true
		}
	}
	metrics.DigestionFlushDuration.Observe(b.now().Sub(start).Seconds())

	// Drop exactly the entries we wrote; Adds that raced in during the
	// write stay buffered for the next flush.
	wrote := len(written)
	b.mu.Lock()
	if wrote > 0 {
		kept := b.batch[:0]
		for _, e := range b.batch {
			if written[string(e.roomID)+"/"+e.record.MID] {
				continue
			}
			kept = append(kept, e)
		}
		b.batch = kept
	}
	size := len(b.batch)
	b.mu.Unlock()

	metrics.DigestionBatchSize.Set(float64(size))
	if flushErr != nil {
		return flushErr
	}
	metrics.DigestionFlushes.WithLabelValues("ok").Inc()
	logging.Info(ctx, "digestion flush complete", zap.Int("written", wrote), zap.Int("remaining", size))
	return nil
}

// Len returns the number of buffered envelopes.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batch)
}

// Run flushes on the configured interval until ctx is cancelled, then
// performs one final flush so a clean shutdown loses nothing.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := b.Flush(flushCtx); err != nil {
				logging.Error(flushCtx, "final digestion flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				logging.Error(ctx, "interval flush failed", zap.Error(err))
			}
		}
	}
}
