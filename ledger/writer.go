package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

func nowMs() int64 { return time.Now().UnixMilli() }

// Writer is the fire-and-forget ledger write path: a bounded channel
// drained by a single background goroutine that batches rows and
// flushes on whichever comes first, a row-count threshold or a time
// threshold (spec.md §4.7). Modeled on the teacher gateway's
// metering.AsyncLogger drain loop (metering/metering.go).
type Writer struct {
	db     *DB
	logger zerolog.Logger

	flushRows  int
	flushEvery time.Duration
	checkpointEvery time.Duration

	ch   chan TokenLog
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWriter creates a Writer. flushRows/flushEvery/checkpointEvery are
// normally config.Config's LedgerFlushRows/LedgerFlushEvery/
// LedgerCheckpointEvery (defaults 10, 100ms, 5m per spec.md).
func NewWriter(db *DB, logger zerolog.Logger, flushRows int, flushEvery, checkpointEvery time.Duration) *Writer {
	return &Writer{
		db:              db,
		logger:          logger,
		flushRows:       flushRows,
		flushEvery:      flushEvery,
		checkpointEvery: checkpointEvery,
		ch:              make(chan TokenLog, 1024),
		done:            make(chan struct{}),
	}
}

// WriteLog enqueues one row without blocking the caller. A full buffer
// drops the row; the recorder logs a warning when that happens.
func (w *Writer) WriteLog(row TokenLog) bool {
	select {
	case w.ch <- row:
		return true
	default:
		return false
	}
}

// Start launches the batching consumer and the periodic TRUNCATE
// checkpoint task.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.drain(ctx)
}

func (w *Writer) drain(ctx context.Context) {
	defer w.wg.Done()

	batch := make([]TokenLog, 0, w.flushRows)
	flushTimer := time.NewTimer(w.flushEvery)
	defer flushTimer.Stop()
	checkpointTicker := time.NewTicker(w.checkpointEvery)
	defer checkpointTicker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.db.insertBatch(ctx, batch); err != nil {
			w.logger.Error().Err(err).Int("rows", len(batch)).Msg("ledger batch insert failed")
		}
		batch = batch[:0]
		if err := w.db.Checkpoint(ctx, "PASSIVE"); err != nil {
			w.logger.Warn().Err(err).Msg("ledger passive checkpoint failed")
		}
	}

	for {
		select {
		case row := <-w.ch:
			batch = append(batch, row)
			if len(batch) >= w.flushRows {
				flush()
				if !flushTimer.Stop() {
					<-flushTimer.C
				}
				flushTimer.Reset(w.flushEvery)
			}
		case <-flushTimer.C:
			flush()
			flushTimer.Reset(w.flushEvery)
		case <-checkpointTicker.C:
			if err := w.db.Checkpoint(ctx, "TRUNCATE"); err != nil {
				w.logger.Warn().Err(err).Msg("ledger truncate checkpoint failed")
			}
		case <-w.done:
			// Drain whatever is already queued before the final flush.
			for {
				select {
				case row := <-w.ch:
					batch = append(batch, row)
				default:
					flush()
					if err := w.db.Checkpoint(context.Background(), "TRUNCATE"); err != nil {
						w.logger.Warn().Err(err).Msg("ledger shutdown checkpoint failed")
					}
					return
				}
			}
		case <-ctx.Done():
			flush()
			_ = w.db.Checkpoint(context.Background(), "TRUNCATE")
			return
		}
	}
}

// Stop drains pending rows, performs a final flush with a TRUNCATE
// checkpoint, and waits for the consumer goroutine to exit.
func (w *Writer) Stop() {
	close(w.done)
	w.wg.Wait()
}
