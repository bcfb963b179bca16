package events

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestEmit_PreservesOrder(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	var mu sync.Mutex
	var seen []string
	require.NoError(t, svc.Subscribe(AllEvents, func(ctx context.Context, e interfaces.Event) error {
		ev := e.Payload.(interfaces.RunEvent)
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s:%v", ev.Name, ev.Payload))
		mu.Unlock()
		return nil
	}))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Emit(ctx, "run-1", "org-1", models.EventStepCompleted, i))
	}
	require.NoError(t, svc.Emit(ctx, "run-1", "org-1", models.EventRunFinished, "done"))

	assert.Equal(t, []string{
		"test_run.step_completed:0", "test_run.step_completed:1", "test_run.step_completed:2",
		"test_run.step_completed:3", "test_run.step_completed:4", "test_run.finished:done",
	}, seen)
}

func TestPublishSync_HandlerPanicIsReported(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	require.NoError(t, svc.Subscribe("boom", func(ctx context.Context, e interfaces.Event) error {
		panic("handler exploded")
	}))

	err := svc.PublishSync(context.Background(), interfaces.Event{Type: "boom"})
	assert.Error(t, err)
}

func TestUnsubscribe(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	calls := 0
	handler := func(ctx context.Context, e interfaces.Event) error {
		calls++
		return nil
	}
	require.NoError(t, svc.Subscribe("x", handler))
	require.NoError(t, svc.PublishSync(context.Background(), interfaces.Event{Type: "x"}))
	require.NoError(t, svc.Unsubscribe("x", handler))
	require.NoError(t, svc.PublishSync(context.Background(), interfaces.Event{Type: "x"}))
	assert.Equal(t, 1, calls)
}

func TestWebSocketBroadcaster_FiltersByRun(t *testing.T) {
	logger := arbor.NewLogger()
	svc := NewService(logger)
	b := NewWebSocketBroadcaster(svc, logger, nil)

	server := httptest.NewServer(httpHandler(b))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?run_id=run-2"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, svc.Emit(ctx, "run-1", "org-1", models.EventRunFinished, nil))
	require.NoError(t, svc.Emit(ctx, "run-2", "org-1", models.EventRunFinished, nil))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type    string              `json:"type"`
		Payload interfaces.RunEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.EventRunFinished, msg.Type)
	assert.Equal(t, "run-2", msg.Payload.RunID)
}

func TestEmit_BlockedRunDoesNotHoldOthers(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, svc.Subscribe(AllEvents, func(ctx context.Context, e interfaces.Event) error {
		if e.Payload.(interfaces.RunEvent).RunID == "run-1" {
			close(entered)
			<-release
		}
		return nil
	}))

	ctx := context.Background()
	blocked := make(chan error, 1)
	go func() { blocked <- svc.Emit(ctx, "run-1", "org-1", models.EventStepCompleted, 0) }()
	<-entered

	done := make(chan error, 1)
	go func() { done <- svc.Emit(ctx, "run-2", "org-1", models.EventStepCompleted, 0) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("emit for run-2 waited on run-1")
	}

	close(release)
	require.NoError(t, <-blocked)
	assert.Empty(t, svc.runLocks)
}

func TestWebSocketBroadcaster_DropsStalledClient(t *testing.T) {
	logger := arbor.NewLogger()
	svc := NewService(logger)
	b := NewWebSocketBroadcaster(svc, logger, &common.WebSocketConfig{SendBuffer: 2, WriteTimeout: 100 * time.Millisecond})

	server := httptest.NewServer(httpHandler(b))
	defer server.Close()

	// The client never reads, so its socket buffers fill up
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	payload := strings.Repeat("x", 64*1024)
	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < 500; i++ {
			_ = svc.Emit(context.Background(), "run-1", "org-1", models.EventStepCompleted, payload)
		}
	}()

	select {
	case <-emitted:
	case <-time.After(5 * time.Second):
		t.Fatal("emit blocked on a stalled websocket client")
	}
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}
