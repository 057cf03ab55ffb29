package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/coachpo/geyserpub/internal/domain/schema"
	"github.com/coachpo/geyserpub/internal/observability"
)

// unreachableBroker refuses connections, which keeps every accepted record buffered.
const unreachableBroker = "127.0.0.1:1"

func newTestProducer(t *testing.T, opts map[string]string) *Producer {
	t.Helper()
	base := map[string]string{
		KeyBootstrapServers:  unreachableBroker,
		KeyEnableIdempotence: "false",
	}
	for k, v := range opts {
		base[k] = v
	}
	cfg, _, err := ParseOptions(base)
	require.NoError(t, err)
	producer, err := NewProducer(cfg, WithLogger(observability.Nop(), kgo.LogLevelNone))
	require.NoError(t, err)
	t.Cleanup(producer.Close)
	return producer
}

func outbound(payload string) schema.OutboundMessage {
	return schema.OutboundMessage{
		Topic:        "accounts",
		PartitionKey: []byte("key"),
		Payload:      []byte(payload),
		EnqueuedAt:   time.Now(),
	}
}

func TestTryEnqueueStopsAtRecordLimit(t *testing.T) {
	producer := newTestProducer(t, map[string]string{KeyMaxMessages: "3"})

	for i := 0; i < 3; i++ {
		require.True(t, producer.TryEnqueue(outbound("v")))
	}
	start := time.Now()
	require.False(t, producer.TryEnqueue(outbound("v")))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(3), producer.Pending())
}

func TestTryEnqueueStopsAtByteLimit(t *testing.T) {
	producer := newTestProducer(t, map[string]string{KeyMaxKBytes: "1"})

	big := make([]byte, 600)
	require.True(t, producer.TryEnqueue(outbound(string(big))))
	require.False(t, producer.TryEnqueue(outbound(string(big))))
	require.Equal(t, int64(1), producer.Pending())
	require.Equal(t, int64(600+len("key")), producer.PendingBytes())
}

func TestFlushHonoursDeadlineWithUnreachableBroker(t *testing.T) {
	producer := newTestProducer(t, nil)
	require.True(t, producer.TryEnqueue(outbound("a")))
	require.True(t, producer.TryEnqueue(outbound("b")))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	remaining, err := producer.Flush(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int64(2), remaining)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestCloseReleasesReservationsAndRejects(t *testing.T) {
	producer := newTestProducer(t, map[string]string{KeyMaxMessages: "2"})
	var (
		mu       sync.Mutex
		failures int
	)
	producer.SetFailureHandler(func(string, error) {
		mu.Lock()
		failures++
		mu.Unlock()
	})

	require.True(t, producer.TryEnqueue(outbound("a")))
	producer.Close()
	producer.Close()

	require.Eventually(t, func() bool { return producer.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.False(t, producer.TryEnqueue(outbound("b")))

	remaining, err := producer.Flush(context.Background())
	require.NoError(t, err)
	require.Zero(t, remaining)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, failures, "records abandoned at close are not delivery failures")
}

func TestDeliveryTimeoutReportsFailure(t *testing.T) {
	producer := newTestProducer(t, map[string]string{KeyMessageTimeoutMs: "1000"})
	type failure struct {
		topic string
		err   error
	}
	failed := make(chan failure, 1)
	producer.SetFailureHandler(func(topic string, err error) {
		select {
		case failed <- failure{topic: topic, err: err}:
		default:
		}
	})

	require.True(t, producer.TryEnqueue(outbound("a")))
	select {
	case f := <-failed:
		require.Equal(t, "accounts", f.topic)
		require.Error(t, f.err)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery failure not reported")
	}
	require.Eventually(t, func() bool { return producer.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
}
