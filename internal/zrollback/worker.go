package zrollback

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zptr"
)

// Job describes one transaction's undo that needs applying.
type Job struct {
	Xid      zid.Xid
	Latest   zptr.UndoPtr
	SubStart *zptr.UndoPtr
}

// DiscardAdvancer is the subset of a discard tracker the worker uses
// to opportunistically advance the discard horizon during idle ticks
// (spec.md §4.8, §4.9).
type DiscardAdvancer interface {
	Advance() error
}

// DeadXidScanner finds forgotten aborts: committed-crash or
// never-finished transactions whose undo was never rolled back,
// discovered by scanning the undo logs for Xids with no corresponding
// liveness record.
type DeadXidScanner func(ctx context.Context) ([]Job, error)

// Worker is the background undo worker of spec.md §4.8: it drains an
// enqueued-job channel, and between jobs opportunistically scans for
// forgotten aborts and advances the discard horizon, hibernating with
// an adaptive backoff from 100ms to 10s when there is nothing to do.
type Worker struct {
	engine   *Engine
	jobs     chan Job
	discard  DiscardAdvancer
	scanDead DeadXidScanner
	log      logrus.FieldLogger
}

func NewWorker(engine *Engine, discard DiscardAdvancer, scanDead DeadXidScanner, log logrus.FieldLogger) *Worker {
	return &Worker{
		engine:   engine,
		jobs:     make(chan Job, 64),
		discard:  discard,
		scanDead: scanDead,
		log:      log,
	}
}

// ShouldDispatchToWorker decides foreground vs. background for one
// transaction's undo size in bytes, given the configured threshold
// (zheapconf.Config.ForegroundUndoMaxBytes — spec.md §4.8 leaves the
// exact cutoff as an engine parameter rather than a fixed constant).
func ShouldDispatchToWorker(undoSizeBytes int, thresholdBytes int64) bool {
	return int64(undoSizeBytes) >= thresholdBytes
}

// Enqueue hands a transaction's rollback to the worker. Blocks if the
// queue is full, applying natural backpressure.
func (w *Worker) Enqueue(job Job) {
	w.jobs <- job
}

// Run drives the worker loop until ctx is cancelled. Cancellation is
// checked between page batches (inside Engine.Rollback) and between
// idle ticks, never mid-page (spec.md §5's "foreground rollback
// cannot be cancelled mid-page" applies symmetrically here: a batch
// that has started applying finishes before the next check).
func (w *Worker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-w.jobs:
			bo.Reset()
			if err := w.engine.Rollback(ctx, job.Xid, job.Latest, job.SubStart); err != nil {
				w.logWarn("background rollback failed", err)
			}
			continue
		default:
		}

		processed, err := w.idleTick(ctx)
		if err != nil {
			w.logWarn("idle tick failed", err)
		}
		if processed {
			bo.Reset()
			continue
		}

		d := bo.NextBackOff()
		if d == backoff.Stop {
			d = 10 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// idleTick opportunistically processes one round of forgotten-abort
// scanning and discard-horizon advancement; it reports whether it did
// any real work, which resets the backoff.
func (w *Worker) idleTick(ctx context.Context) (bool, error) {
	didWork := false

	if w.scanDead != nil {
		jobs, err := w.scanDead(ctx)
		if err != nil {
			return didWork, err
		}
		for _, job := range jobs {
			if err := w.engine.Rollback(ctx, job.Xid, job.Latest, job.SubStart); err != nil {
				return didWork, err
			}
			didWork = true
		}
	}

	if w.discard != nil {
		if err := w.discard.Advance(); err != nil {
			return didWork, err
		}
	}

	return didWork, nil
}

func (w *Worker) logWarn(msg string, err error) {
	if w.log != nil {
		w.log.WithError(err).Warn(msg)
	}
}
