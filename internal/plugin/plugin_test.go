package plugin

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/geyserpub/errs"
	"github.com/coachpo/geyserpub/internal/allowlist"
	"github.com/coachpo/geyserpub/internal/codec"
	"github.com/coachpo/geyserpub/internal/domain/schema"
	"github.com/coachpo/geyserpub/internal/infra/broker/kafka"
	"github.com/coachpo/geyserpub/internal/infra/config"
	"github.com/coachpo/geyserpub/internal/observability"
	"github.com/coachpo/geyserpub/internal/shutdown"
)

const (
	allowlistURL = "http://allowlist.local/programs.json"

	p1 = "Sysvar1111111111111111111111111111111111111"
	p2 = "Vote111111111111111111111111111111111111111"
	p3 = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	p4 = "WormT3McKhFJ2RkiGpdw9GKvNCrB2aB54gb2uV9MfQC"
)

type fakeBroker struct {
	mu        sync.Mutex
	capacity  int
	msgs      []schema.OutboundMessage
	stuck     chan struct{}
	closed    atomic.Bool
	flushes   atomic.Int32
	onFailure kafka.FailureHandler
}

func newFakeBroker(capacity int) *fakeBroker {
	return &fakeBroker{capacity: capacity}
}

func (b *fakeBroker) TryEnqueue(msg schema.OutboundMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() || len(b.msgs) >= b.capacity {
		return false
	}
	b.msgs = append(b.msgs, msg)
	return true
}

func (b *fakeBroker) Flush(ctx context.Context) (int64, error) {
	b.flushes.Add(1)
	if b.stuck != nil {
		<-b.stuck
		return b.Pending(), ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = nil
	return 0, nil
}

func (b *fakeBroker) Pending() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.msgs))
}

func (b *fakeBroker) Close() { b.closed.Store(true) }

func (b *fakeBroker) SetFailureHandler(fn kafka.FailureHandler) { b.onFailure = fn }

func (b *fakeBroker) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, m.Topic)
	}
	return out
}

func parseConfig(t *testing.T, body string) config.AppConfig {
	t.Helper()
	cfg, err := config.Parse([]byte("kafka: {bootstrap.servers: \"127.0.0.1:1\"}\n" + body))
	require.NoError(t, err)
	return cfg
}

func mustID(t *testing.T, raw string) schema.ProgramID {
	t.Helper()
	id, err := schema.ParseProgramID(raw)
	require.NoError(t, err)
	return id
}

func account(t *testing.T, owner string) schema.AccountUpdate {
	return schema.AccountUpdate{
		Pubkey:       mustID(t, p1),
		Owner:        mustID(t, owner),
		Lamports:     1_000_000,
		Data:         []byte{1, 2, 3},
		Slot:         42,
		WriteVersion: 7,
	}
}

func newPlugin(t *testing.T, cfg config.AppConfig, broker *fakeBroker, opts ...Option) *Plugin {
	t.Helper()
	base := []Option{WithBroker(broker), WithLogger(observability.Nop())}
	p, err := New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { p.OnUnload(context.Background()) })
	return p
}

func mockedClient(t *testing.T) *http.Client {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func TestIgnoredOwnerFilteredWithEmptyAllowlist(t *testing.T) {
	broker := newFakeBroker(10)
	p := newPlugin(t, parseConfig(t, `
update_account_topic: accounts
program_ignores: [`+p1+`]`), broker)

	require.Equal(t, Filtered, p.OnAccountUpdate(context.Background(), account(t, p1)))
	require.Equal(t, Published, p.OnAccountUpdate(context.Background(), account(t, p2)))
	require.Equal(t, []string{"accounts"}, broker.topics())
	require.Equal(t, map[Disposition]uint64{Filtered: 1, Published: 1}, p.Stats())
}

func TestStaticAllowlistRestrictsOwners(t *testing.T) {
	broker := newFakeBroker(10)
	p := newPlugin(t, parseConfig(t, `
update_account_topic: accounts
program_allowlist: [`+p2+`]`), broker)

	require.Equal(t, Filtered, p.OnAccountUpdate(context.Background(), account(t, p1)))
	require.Equal(t, Published, p.OnAccountUpdate(context.Background(), account(t, p2)))
}

func TestPublishedPayloadDecodes(t *testing.T) {
	broker := newFakeBroker(10)
	p := newPlugin(t, parseConfig(t, `
update_account_topic: accounts
encoding: msgpack`), broker)

	require.Equal(t, Published, p.OnAccountUpdate(context.Background(), account(t, p3)))
	require.Len(t, broker.msgs, 1)
	msg := broker.msgs[0]
	require.Equal(t, mustID(t, p1).Bytes(), msg.PartitionKey)

	rec, err := codec.DecodeAccount(codec.FormatMsgpack, msg.Payload)
	require.NoError(t, err)
	require.Equal(t, p3, rec.Owner)
	require.Equal(t, uint64(42), rec.Slot)
	require.Equal(t, []byte{1, 2, 3}, rec.Data)
}

func TestRemoteAllowlistReplacesPreviousFetch(t *testing.T) {
	client := mockedClient(t)
	var body atomic.Value
	body.Store(`{"program_allowlist":["` + p3 + `"]}`)
	httpmock.RegisterResponder(http.MethodGet, allowlistURL, func(*http.Request) (*http.Response, error) {
		return httpmock.NewStringResponse(http.StatusOK, body.Load().(string)), nil
	})

	var now atomic.Int64
	now.Store(time.Unix(1_700_000_000, 0).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	broker := newFakeBroker(10)
	p := newPlugin(t, parseConfig(t, `
update_account_topic: accounts
program_allowlist: [`+p2+`]
program_allowlist_url: `+allowlistURL+`
program_allowlist_expiry_sec: 60`), broker, WithHTTPClient(client), WithClock(clock))

	ctx := context.Background()
	require.Equal(t, Published, p.OnAccountUpdate(ctx, account(t, p2)))
	require.Equal(t, Published, p.OnAccountUpdate(ctx, account(t, p3)))
	require.Equal(t, Filtered, p.OnAccountUpdate(ctx, account(t, p4)))

	body.Store(`{"program_allowlist":["` + p4 + `"]}`)
	now.Add(int64(61 * time.Second))
	_, err := p.Refresher().Tick(ctx)
	require.NoError(t, err)

	require.Equal(t, Published, p.OnAccountUpdate(ctx, account(t, p2)))
	require.Equal(t, Filtered, p.OnAccountUpdate(ctx, account(t, p3)))
	require.Equal(t, Published, p.OnAccountUpdate(ctx, account(t, p4)))
}

func TestInitialFetchFailureKeepsStaticAllowlist(t *testing.T) {
	client := mockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, allowlistURL, httpmock.NewStringResponder(http.StatusBadGateway, "down"))

	broker := newFakeBroker(10)
	p := newPlugin(t, parseConfig(t, `
update_account_topic: accounts
program_allowlist: [`+p2+`]
program_allowlist_url: `+allowlistURL), broker, WithHTTPClient(client))

	require.Equal(t, Published, p.OnAccountUpdate(context.Background(), account(t, p2)))
	require.Equal(t, Filtered, p.OnAccountUpdate(context.Background(), account(t, p3)))
	require.True(t, p.Cache().Load().FetchedAt.IsZero())
}

func TestSaturatedBrokerDropsWithoutBlocking(t *testing.T) {
	broker := newFakeBroker(2)
	p := newPlugin(t, parseConfig(t, `
update_account_topic: accounts
slot_status_topic: slots`), broker)

	ctx := context.Background()
	require.Equal(t, Published, p.OnAccountUpdate(ctx, account(t, p1)))
	require.Equal(t, Published, p.OnSlotStatus(ctx, schema.SlotStatusUpdate{Slot: 1, Status: schema.SlotRooted}))

	start := time.Now()
	for range 1000 {
		require.Equal(t, Dropped, p.OnAccountUpdate(ctx, account(t, p1)))
	}
	require.Equal(t, Dropped, p.OnSlotStatus(ctx, schema.SlotStatusUpdate{Slot: 2, Status: schema.SlotConfirmed}))
	require.Less(t, time.Since(start), time.Second)

	require.Equal(t, uint64(1000), p.Dispatcher().Drops("accounts"))
	require.Equal(t, uint64(1), p.Dispatcher().Drops("slots"))
}

func TestStartupAccountsSkippedUnlessPublishAll(t *testing.T) {
	update := account(t, p2)
	update.IsStartup = true

	skip := newPlugin(t, parseConfig(t, `update_account_topic: accounts`), newFakeBroker(10))
	require.Equal(t, StartupSkipped, skip.OnAccountUpdate(context.Background(), update))

	all := newPlugin(t, parseConfig(t, `
update_account_topic: accounts
publish_all_accounts: true
program_ignores: [`+p2+`]`), newFakeBroker(10))
	require.Equal(t, Filtered, all.OnAccountUpdate(context.Background(), update))
	update.Owner = mustID(t, p3)
	require.Equal(t, Published, all.OnAccountUpdate(context.Background(), update))
}

func TestDisabledStreams(t *testing.T) {
	broker := newFakeBroker(10)
	p := newPlugin(t, parseConfig(t, `slot_status_topic: slots`), broker)

	require.Equal(t, Disabled, p.OnAccountUpdate(context.Background(), account(t, p2)))
	require.Equal(t, Invalid, p.OnSlotStatus(context.Background(), schema.SlotStatusUpdate{Slot: 3, Status: "frozen"}))
	require.Equal(t, Published, p.OnSlotStatus(context.Background(), schema.SlotStatusUpdate{Slot: 3, Status: schema.SlotProcessed}))
	require.Equal(t, []string{"slots"}, broker.topics())

	accounts := newPlugin(t, parseConfig(t, `update_account_topic: accounts`), newFakeBroker(10))
	require.Equal(t, Disabled, accounts.OnSlotStatus(context.Background(), schema.SlotStatusUpdate{Slot: 3, Status: schema.SlotRooted}))
}

func TestDeliveryFailuresReachDispatcher(t *testing.T) {
	broker := newFakeBroker(10)
	p := newPlugin(t, parseConfig(t, `update_account_topic: accounts`), broker)

	require.NotNil(t, broker.onFailure)
	broker.onFailure("accounts", errors.New("record timed out"))
	require.Equal(t, uint64(1), p.Dispatcher().Snapshot()["accounts"].DeliveryFailures)
}

func TestNewRejectsFatalConfiguration(t *testing.T) {
	cfg := parseConfig(t, `update_account_topic: accounts`)
	cfg.ProgramIgnores = []string{"not-a-program"}

	p, err := New(context.Background(), cfg, WithBroker(newFakeBroker(1)), WithLogger(observability.Nop()))
	require.Nil(t, p)
	require.True(t, errs.HasCode(err, errs.CodeConfig), "got %v", err)
}

func TestNewNormalisesCodeBuiltConfig(t *testing.T) {
	broker := newFakeBroker(10)
	p := newPlugin(t, config.AppConfig{
		UpdateAccountTopic: "accounts",
		Kafka:              map[string]string{kafka.KeyBootstrapServers: "127.0.0.1:1"},
	}, broker)

	require.Equal(t, Published, p.OnAccountUpdate(context.Background(), account(t, p2)))
	require.Equal(t, []string{"accounts"}, broker.topics())
}

func TestZeroAllowlistExpiryUsesMinimum(t *testing.T) {
	client := mockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, allowlistURL,
		httpmock.NewStringResponder(http.StatusOK, `{"program_allowlist":[]}`))

	p := newPlugin(t, parseConfig(t, `
update_account_topic: accounts
program_allowlist_url: `+allowlistURL+`
program_allowlist_expiry_sec: 0`), newFakeBroker(1), WithHTTPClient(client), WithoutInitialFetch())

	require.Equal(t, allowlist.MinExpiry, p.Refresher().Expiry())
}

type warnLogger struct {
	mu    sync.Mutex
	warns map[string][]observability.Field
}

func (l *warnLogger) Debug(string, ...observability.Field) {}
func (l *warnLogger) Info(string, ...observability.Field)  {}
func (l *warnLogger) Error(string, ...observability.Field) {}
func (l *warnLogger) Warn(msg string, fields ...observability.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.warns == nil {
		l.warns = map[string][]observability.Field{}
	}
	l.warns[msg] = append(l.warns[msg], fields...)
}

func TestUnsupportedKafkaOptionsWarn(t *testing.T) {
	cfg, err := config.Parse([]byte(`
update_account_topic: accounts
shutdown_timeout_ms: 100
kafka:
  bootstrap.servers: 127.0.0.1:1
  socket.keepalive.enable: "true"`))
	require.NoError(t, err)

	logger := new(warnLogger)
	p, err := New(context.Background(), cfg, WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { p.OnUnload(context.Background()) })

	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Equal(t, []observability.Field{observability.F("key", "socket.keepalive.enable")},
		logger.warns["ignoring unsupported kafka option"])
}

func TestUnloadFlushesAndStopsBackgroundWork(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := mockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, allowlistURL,
		httpmock.NewStringResponder(http.StatusOK, `{"program_allowlist":[]}`))

	broker := newFakeBroker(10)
	p, err := New(context.Background(), parseConfig(t, `
update_account_topic: accounts
program_allowlist_url: `+allowlistURL), WithBroker(broker), WithLogger(observability.Nop()), WithHTTPClient(client))
	require.NoError(t, err)

	require.Equal(t, Published, p.OnAccountUpdate(context.Background(), account(t, p3)))
	outcome := p.OnUnload(context.Background())
	require.True(t, outcome.Flushed)
	require.Zero(t, outcome.Remaining)
	require.NoError(t, outcome.Err)
	require.Equal(t, shutdown.Stopped, p.State())
	require.True(t, broker.closed.Load())

	again := p.OnUnload(context.Background())
	require.Equal(t, outcome, again)
	require.Equal(t, int32(1), broker.flushes.Load())
}

func TestUnloadBoundedByShutdownTimeout(t *testing.T) {
	broker := newFakeBroker(10)
	broker.stuck = make(chan struct{})
	t.Cleanup(func() { close(broker.stuck) })

	p, err := New(context.Background(), parseConfig(t, `
update_account_topic: accounts
shutdown_timeout_ms: 150`), WithBroker(broker), WithLogger(observability.Nop()))
	require.NoError(t, err)

	require.Equal(t, Published, p.OnAccountUpdate(context.Background(), account(t, p3)))
	start := time.Now()
	outcome := p.OnUnload(context.Background())
	require.Less(t, time.Since(start), 150*time.Millisecond+closeTimeout)
	require.False(t, outcome.Flushed)
	require.Equal(t, int64(1), outcome.Remaining)
	require.Equal(t, "abandoned", outcome.Result())
}

func TestDispositionStrings(t *testing.T) {
	require.Equal(t, "published", Published.String())
	require.Equal(t, "startup_skipped", StartupSkipped.String())
	require.Equal(t, "unknown", dispositionCount.String())
}
