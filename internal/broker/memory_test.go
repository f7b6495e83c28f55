package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PublishFansOutToAllSubscribers(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	var wg sync.WaitGroup
	wg.Add(2)

	handler := func(_ context.Context, _ string, payload []byte) {
		mu.Lock()
		received = append(received, string(payload))
		mu.Unlock()
		wg.Done()
	}

	_, err := m.Subscribe(ctx, "topic-a", handler)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "topic-a", handler)
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "topic-a", []byte("hello")))

	waitWithTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 2)
}

func TestMemory_UnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	calls := 0
	var mu sync.Mutex
	tok, err := m.Subscribe(ctx, "topic-a", func(_ context.Context, _ string, _ []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, m.Unsubscribe(ctx, tok))
	require.NoError(t, m.Publish(ctx, "topic-a", []byte("ignored")))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestMemory_UnsubscribeUnknownTokenIsNoop(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	assert.NoError(t, m.Unsubscribe(context.Background(), Token(9999)))
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for subscribers to be notified")
	}
}
