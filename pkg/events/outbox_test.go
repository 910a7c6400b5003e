package events

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/thefixer3x/onasis-authgate/storage"
	"github.com/thefixer3x/onasis-authgate/storage/memory"
)

func testLogger() *logrus.Logger {
	return &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &logrus.TextFormatter{DisableColors: true},
		Level:     logrus.ErrorLevel,
	}
}

type recordingProjector struct {
	mu        sync.Mutex
	delivered []storage.Event
	failUntil int // fail the first N calls, then succeed
	calls     int
}

func (p *recordingProjector) Deliver(ctx context.Context, e storage.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failUntil {
		return errors.New("simulated delivery failure")
	}
	p.delivered = append(p.delivered, e)
	return nil
}

func appendAndEnqueue(t *testing.T, s storage.Storage) storage.Event {
	t.Helper()
	ctx := context.Background()
	ev := storage.Event{
		AggregateType:    storage.AggregateSession,
		AggregateID:      "session-1",
		EventType:        "SessionCreated",
		EventTypeVersion: 1,
		Payload:          []byte(`{}`),
		OccurredAt:       time.Now(),
	}
	err := s.Transact(ctx, func(ctx context.Context, tx storage.Storage) error {
		eventID, _, err := tx.AppendEvent(ctx, ev)
		if err != nil {
			return err
		}
		ev.EventID = eventID
		return tx.EnqueueOutbox(ctx, storage.OutboxEntry{
			EventID:       eventID,
			Destination:   "projection",
			Status:        storage.OutboxPending,
			NextAttemptAt: time.Now(),
		})
	})
	require.NoError(t, err)
	return ev
}

func TestDrainOnceDeliversPendingEntry(t *testing.T) {
	s := memory.New()
	ev := appendAndEnqueue(t, s)

	proj := &recordingProjector{}
	w := NewWorker(s, proj, testLogger(), WorkerOptions{})

	require.NoError(t, w.drainOnce(context.Background()))

	proj.mu.Lock()
	defer proj.mu.Unlock()
	require.Len(t, proj.delivered, 1)
	require.Equal(t, ev.EventType, proj.delivered[0].EventType)

	pending, failed, _, err := s.OutboxStats(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, pending)
	require.Equal(t, 0, failed)
}

func TestDrainOnceRetriesOnDeliveryFailure(t *testing.T) {
	s := memory.New()
	appendAndEnqueue(t, s)

	proj := &recordingProjector{failUntil: 1}
	w := NewWorker(s, proj, testLogger(), WorkerOptions{BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})

	require.NoError(t, w.drainOnce(context.Background()))
	pending, failed, _, err := s.OutboxStats(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, pending, "failed delivery should remain pending for retry")
	require.Equal(t, 0, failed)

	// next_attempt_at was pushed into the future; nothing is due yet.
	due, err := s.FetchDueOutbox(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	// once the backoff window has passed, the row is due again for a retry.
	due, err = s.FetchDueOutbox(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestDrainOnceDeadLettersAfterMaxAttempts(t *testing.T) {
	s := memory.New()
	appendAndEnqueue(t, s)

	proj := &recordingProjector{failUntil: 1000}
	w := NewWorker(s, proj, testLogger(), WorkerOptions{BackoffBase: time.Nanosecond, BackoffCap: time.Nanosecond})

	for i := 0; i < storage.MaxOutboxAttempts; i++ {
		require.NoError(t, w.drainOnce(context.Background()))
	}

	pending, failed, _, err := s.OutboxStats(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, pending)
	require.Equal(t, 1, failed)
}

func TestBackoffIsBoundedByCap(t *testing.T) {
	require.Equal(t, 60*time.Second, backoff(1, 30*time.Second, time.Hour))
	require.Equal(t, 120*time.Second, backoff(2, 30*time.Second, time.Hour))
	require.Equal(t, time.Hour, backoff(20, 30*time.Second, time.Hour))
}
