// Package events drives the outbox half of spec §4.3: a background worker
// that turns pending OutboxEntry rows into at-least-once deliveries of
// their Event payload to an external projection. Appending the event and
// enqueueing its outbox row both happen inside the caller's own
// storage.Storage.Transact call (storage/sql.crud.go's appendEvent /
// EnqueueOutbox) — this package only owns what happens after that
// transaction commits.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thefixer3x/onasis-authgate/storage"
)

// Projector delivers a single event to the external projection target.
// Implementations must be idempotent on Event.EventID: the worker
// redelivers on any error, including ones where the projection actually
// received the event but failed to acknowledge.
type Projector interface {
	Deliver(ctx context.Context, e storage.Event) error
}

// ProjectorFunc adapts a plain function to a Projector.
type ProjectorFunc func(ctx context.Context, e storage.Event) error

func (f ProjectorFunc) Deliver(ctx context.Context, e storage.Event) error { return f(ctx, e) }

const (
	defaultBatchSize    = 50
	defaultPollInterval = 5 * time.Second
	defaultBackoffBase  = 30 * time.Second
	defaultBackoffCap   = 30 * time.Minute
	// errMsgTruncateLen bounds how much of a delivery error's text is
	// persisted in OutboxEntry.Error, so a verbose driver error can't
	// blow out the column.
	errMsgTruncateLen = 2000
)

// WorkerOptions configures Worker.
type WorkerOptions struct {
	// BatchSize is how many due rows are fetched per poll. Default 50.
	BatchSize int
	// PollInterval is how often the worker checks for due rows when it
	// isn't actively draining a full batch. Default 5s.
	PollInterval time.Duration
	// BackoffBase and BackoffCap parameterize delay(attempts) = min(base
	// * 2^attempts, cap), spec §4.3's default/implementation-chosen
	// values.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Worker periodically drains pending outbox rows, grounded on
// dex's server.go startGarbageCollection ticker-goroutine: a single
// background goroutine looping on a ticker until its context is done.
type Worker struct {
	store     storage.Storage
	projector Projector
	logger    logrus.FieldLogger
	opts      WorkerOptions
}

// NewWorker constructs a Worker. Call Run to start draining.
func NewWorker(store storage.Storage, projector Projector, logger logrus.FieldLogger, opts WorkerOptions) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	return &Worker{store: store, projector: projector, logger: logger, opts: opts}
}

// Run blocks, draining due outbox rows on opts.PollInterval until ctx is
// canceled. Callers typically run it in its own goroutine (or register it
// with an oklog/run.Group actor alongside the HTTP server).
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := w.drainOnce(ctx); err != nil {
				w.logger.WithError(err).Error("events: outbox drain failed")
			}
		}
	}
}

// drainOnce fetches and attempts delivery of one batch of due rows. It
// keeps fetching batches while the previous one was full, so a large
// backlog drains within a single tick rather than one batch per
// PollInterval.
func (w *Worker) drainOnce(ctx context.Context) error {
	for {
		due, err := w.store.FetchDueOutbox(ctx, time.Now(), w.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		for _, entry := range due {
			w.deliverOne(ctx, entry)
		}
		if len(due) < w.opts.BatchSize {
			return nil
		}
	}
}

func (w *Worker) deliverOne(ctx context.Context, entry storage.OutboxEntry) {
	now := time.Now()
	ev, err := w.store.GetEvent(ctx, entry.EventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The event row is gone (should not happen — events are
			// append-only and never deleted) but an outbox row with no
			// event to deliver can never succeed; it is counted as a
			// failed attempt, so it dead-letters after
			// storage.MaxOutboxAttempts rather than retrying forever.
			w.failAttempt(ctx, entry, now, errors.New("event not found"))
			return
		}
		w.logger.WithError(err).WithField("event_id", entry.EventID).Warn("events: load event for delivery failed, will retry")
		return
	}

	if err := w.projector.Deliver(ctx, ev); err != nil {
		w.failAttempt(ctx, entry, now, err)
		return
	}

	if err := w.store.MarkOutboxSent(ctx, entry.ID, now); err != nil {
		w.logger.WithError(err).WithField("outbox_id", entry.ID).Error("events: mark outbox sent failed")
	}
}

func (w *Worker) failAttempt(ctx context.Context, entry storage.OutboxEntry, now time.Time, deliveryErr error) {
	attempts := entry.Attempts + 1
	msg := deliveryErr.Error()
	if len(msg) > errMsgTruncateLen {
		msg = msg[:errMsgTruncateLen]
	}
	next := now.Add(backoff(attempts, w.opts.BackoffBase, w.opts.BackoffCap))
	if err := w.store.MarkOutboxFailedAttempt(ctx, entry.ID, attempts, msg, next, now); err != nil {
		w.logger.WithError(err).WithField("outbox_id", entry.ID).Error("events: mark outbox failed-attempt failed")
		return
	}
	if attempts >= storage.MaxOutboxAttempts {
		w.logger.WithField("outbox_id", entry.ID).WithField("event_id", entry.EventID).
			Warn("events: outbox entry dead-lettered after max attempts")
	}
}

// backoff implements delay(attempts) = min(base * 2^attempts, cap).
func backoff(attempts int, base, cap_ time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	// Cap the exponent so the shift can't overflow for a pathologically
	// high attempt count; MaxOutboxAttempts is 5 so this is generous
	// headroom, not a real limit in practice.
	const maxShift = 32
	shift := attempts
	if shift > maxShift {
		shift = maxShift
	}
	d := base << uint(shift)
	if d <= 0 || d > cap_ {
		return cap_
	}
	return d
}
