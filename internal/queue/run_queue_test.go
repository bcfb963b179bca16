package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestQueue(t *testing.T, config Config) *RunQueue {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if config.Name == "" {
		config.Name = "runs"
	}
	q, err := NewRunQueue(db, config, arbor.NewLogger())
	require.NoError(t, err)
	return q
}

func enqueueAll(t *testing.T, q *RunQueue, runIDs ...string) {
	t.Helper()
	for _, id := range runIDs {
		require.NoError(t, q.Enqueue(context.Background(), id))
		time.Sleep(time.Millisecond)
	}
}

func TestRunQueue_DeliversInOrder(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	enqueueAll(t, q, "run-1", "run-2", "run-3")

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, want := range []string{"run-1", "run-2", "run-3"} {
		got, ack, err := q.TryReceive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		require.NoError(t, ack())
	}

	_, _, err = q.TryReceive(ctx)
	assert.True(t, errors.Is(err, ErrNoMessage))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunQueue_ReceivedMessageIsHiddenUntilTimeout(t *testing.T) {
	q := newTestQueue(t, Config{VisibilityTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	enqueueAll(t, q, "run-1")

	got, _, err := q.TryReceive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got)

	_, _, err = q.TryReceive(ctx)
	assert.True(t, errors.Is(err, ErrNoMessage))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	time.Sleep(80 * time.Millisecond)
	again, ack, err := q.TryReceive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", again)
	require.NoError(t, ack())
	require.NoError(t, ack())
}

func TestRunQueue_DropsAfterMaxReceive(t *testing.T) {
	q := newTestQueue(t, Config{VisibilityTimeout: time.Millisecond, MaxReceive: 2})
	ctx := context.Background()
	enqueueAll(t, q, "run-1")

	for i := 0; i < 2; i++ {
		_, _, err := q.TryReceive(ctx)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	_, _, err := q.TryReceive(ctx)
	assert.True(t, errors.Is(err, ErrNoMessage))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunQueue_ReceiveWakesOnEnqueue(t *testing.T) {
	q := newTestQueue(t, Config{PollInterval: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan string, 1)
	go func() {
		runID, ack, err := q.Receive(ctx)
		if err == nil {
			_ = ack()
		}
		received <- runID
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "run-7"))

	select {
	case got := <-received:
		assert.Equal(t, "run-7", got)
	case <-ctx.Done():
		t.Fatal("receive did not wake up")
	}
}

func TestRunQueue_ReceiveStopsOnCancel(t *testing.T) {
	q := newTestQueue(t, Config{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := q.Receive(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewRunQueue_Validates(t *testing.T) {
	_, err := NewRunQueue(nil, Config{Name: "runs"}, arbor.NewLogger())
	assert.Error(t, err)

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	defer db.Close()
	_, err = NewRunQueue(db, Config{}, arbor.NewLogger())
	assert.Error(t, err)
}
