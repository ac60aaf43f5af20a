package auditchain

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/eventbus"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/metrics"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/retry"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/store"
)

func decisionEvent(id string, pass bool) models.DecisionEvent {
	return models.DecisionEvent{
		CorrelationID: id,
		Timestamp:     time.Now().Add(-50 * time.Millisecond).UTC(),
		Decisions:     []models.Decision{{Policy: "no-public", Pass: pass}},
		Resource:      json.RawMessage(`{"public":false}`),
	}
}

type recordingSink struct {
	mu   sync.Mutex
	recs []models.AuditRecord
}

func (s *recordingSink) Emit(rec models.AuditRecord) {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
}

func (s *recordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func runConsumer(t *testing.T, c *Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestConsumerBuildsChainInStreamOrder(t *testing.T) {
	bus := eventbus.NewMemory()
	st := NewMemoryStore()
	chain, err := Open(context.Background(), st, "orders")
	require.NoError(t, err)
	sink := &recordingSink{}
	reg := metrics.NewRegistry()
	c, err := NewConsumer(ConsumerOptions{
		Source:   bus,
		Chain:    chain,
		Dedup:    store.NewMemoryCache(),
		DedupTTL: time.Hour,
		Sinks:    []Sink{sink},
		Logger:   zaptest.NewLogger(t),
		Metrics:  reg,
	})
	require.NoError(t, err)

	dup := decisionEvent("c-1", true)
	require.NoError(t, bus.Publish(context.Background(), dup))
	require.NoError(t, bus.Append([]byte("junk"), []byte("{not json")))
	require.NoError(t, bus.Append([]byte("no-ts"), []byte(`{"correlationId":"x","decisions":[]}`)))
	require.NoError(t, bus.Publish(context.Background(), decisionEvent("c-2", false)))
	require.NoError(t, bus.Publish(context.Background(), dup))
	require.NoError(t, bus.Publish(context.Background(), decisionEvent("c-3", true)))

	cancel, done := runConsumer(t, c)
	require.Eventually(t, func() bool { return bus.Committed() == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	stored, err := st.Records(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, []string{"c-1", "c-2", "c-3"}, []string{stored[0].CorrelationID, stored[1].CorrelationID, stored[2].CorrelationID})
	require.NoError(t, Verify(stored))
	assert.Greater(t, stored[0].LagMs, int64(0))
	assert.Equal(t, 3, sink.Len())

	assert.Equal(t, int64(3), reg.Counter(metrics.AuditAppended, ""))
	assert.Equal(t, int64(1), reg.Counter(metrics.AuditDuplicates, ""))
	assert.Equal(t, int64(2), reg.Counter(metrics.AuditUndecodable, ""))
}

type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	err      error
}

func (f *flakyStore) Append(ctx context.Context, prev models.ChainState, rec models.AuditRecord) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return f.MemoryStore.Append(ctx, prev, rec)
}

func TestConsumerRetriesStoreFailures(t *testing.T) {
	bus := eventbus.NewMemory()
	st := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2, err: errors.New("connection reset")}
	chain, err := Open(context.Background(), st, "test")
	require.NoError(t, err)
	reg := metrics.NewRegistry()
	c, err := NewConsumer(ConsumerOptions{
		Source:     bus,
		Chain:      chain,
		StoreRetry: retry.Policy{Attempts: 5, BaseDelay: time.Millisecond},
		Logger:     zaptest.NewLogger(t),
		Metrics:    reg,
	})
	require.NoError(t, err)

	msg := mustMessage(t, decisionEvent("c-1", true))
	require.NoError(t, c.Handle(context.Background(), msg))

	stored, _ := st.Records(context.Background(), "test")
	assert.Len(t, stored, 1)
	assert.Equal(t, int64(2), reg.Counter(metrics.AuditStoreRetries, ""))
	assert.Equal(t, int64(0), bus.Committed())
}

func TestConsumerLeavesOffsetUncommittedWhenStoreIsDown(t *testing.T) {
	bus := eventbus.NewMemory()
	st := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100, err: errors.New("db down")}
	chain, err := Open(context.Background(), st, "test")
	require.NoError(t, err)
	dedup := store.NewMemoryCache()
	c, err := NewConsumer(ConsumerOptions{
		Source:     bus,
		Chain:      chain,
		Dedup:      dedup,
		StoreRetry: retry.Policy{Attempts: 2, BaseDelay: time.Millisecond},
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	event := decisionEvent("c-1", true)
	require.NoError(t, bus.Publish(context.Background(), event))
	_, done := runConsumer(t, c)
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after store retries were exhausted")
	}
	assert.Equal(t, int64(-1), bus.Committed())
	assert.True(t, chain.State().Genesis())

	// A restarted consumer must not treat the redelivery as a duplicate.
	st.failures = 0
	bus.Rewind()
	msg, err := bus.Fetch(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Handle(context.Background(), msg))
	stored, _ := st.Records(context.Background(), "test")
	assert.Len(t, stored, 1)
	assert.Equal(t, int64(0), bus.Committed())
}

func TestConsumerStopsOnChainConflict(t *testing.T) {
	bus := eventbus.NewMemory()
	st := NewMemoryStore()
	chain, err := Open(context.Background(), st, "test")
	require.NoError(t, err)
	other, err := Open(context.Background(), st, "test")
	require.NoError(t, err)
	_, err = other.Append(context.Background(), []byte(`{"foreign":true}`), "other", time.Now())
	require.NoError(t, err)

	c, err := NewConsumer(ConsumerOptions{Source: bus, Chain: chain, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), decisionEvent("c-1", true)))

	_, done := runConsumer(t, c)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrChainConflict)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer kept running after a chain conflict")
	}
	assert.Equal(t, int64(-1), bus.Committed())
	stored, _ := st.Records(context.Background(), "test")
	assert.Len(t, stored, 1)
}

type brokenCache struct{ store.Cache }

func (brokenCache) Get(context.Context, string) (string, error) {
	return "", errors.New("redis down")
}

func (brokenCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("redis down")
}

func TestConsumerAppendsWhenDedupUnavailable(t *testing.T) {
	bus := eventbus.NewMemory()
	st := NewMemoryStore()
	chain, err := Open(context.Background(), st, "test")
	require.NoError(t, err)
	c, err := NewConsumer(ConsumerOptions{Source: bus, Chain: chain, Dedup: brokenCache{}, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	event := decisionEvent("c-1", true)
	require.NoError(t, c.Handle(context.Background(), mustMessage(t, event)))
	require.NoError(t, c.Handle(context.Background(), mustMessage(t, event)))
	stored, _ := st.Records(context.Background(), "test")
	assert.Len(t, stored, 1, "the store rejects the redelivery without the cache")
}

// dyingStore ends the calling goroutine inside Append, the way a killed
// process never returns from its write.
type dyingStore struct{ *MemoryStore }

func (dyingStore) Append(context.Context, models.ChainState, models.AuditRecord) error {
	runtime.Goexit()
	return nil
}

func TestConsumerRedeliveryAfterCrashBeforeStoreIsRecorded(t *testing.T) {
	bus := eventbus.NewMemory()
	st := NewMemoryStore()
	dedup := store.NewMemoryCache()
	require.NoError(t, bus.Publish(context.Background(), decisionEvent("c-1", true)))

	crashing, err := Open(context.Background(), dyingStore{st}, "test")
	require.NoError(t, err)
	c, err := NewConsumer(ConsumerOptions{Source: bus, Chain: crashing, Dedup: dedup, DedupTTL: time.Hour, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	msg, err := bus.Fetch(context.Background())
	require.NoError(t, err)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_ = c.Handle(context.Background(), msg)
	}()
	<-exited
	assert.Equal(t, int64(-1), bus.Committed())

	bus.Rewind()
	chain, err := Open(context.Background(), st, "test")
	require.NoError(t, err)
	restarted, err := NewConsumer(ConsumerOptions{Source: bus, Chain: chain, Dedup: dedup, DedupTTL: time.Hour, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	msg, err = bus.Fetch(context.Background())
	require.NoError(t, err)
	require.NoError(t, restarted.Handle(context.Background(), msg))

	stored, _ := st.Records(context.Background(), "test")
	require.Len(t, stored, 1)
	assert.Equal(t, "c-1", stored[0].CorrelationID)
	assert.Equal(t, int64(0), bus.Committed())
}

// lostAckStore stores the record and then reports a failure, like a commit
// whose acknowledgement never reached the client.
type lostAckStore struct {
	*MemoryStore
	mu    sync.Mutex
	drops int
}

func (s *lostAckStore) Append(ctx context.Context, prev models.ChainState, rec models.AuditRecord) error {
	if err := s.MemoryStore.Append(ctx, prev, rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drops > 0 {
		s.drops--
		return context.DeadlineExceeded
	}
	return nil
}

func TestConsumerAbsorbsStoredButUnacknowledgedAppend(t *testing.T) {
	bus := eventbus.NewMemory()
	st := &lostAckStore{MemoryStore: NewMemoryStore(), drops: 1}
	chain, err := Open(context.Background(), st, "test")
	require.NoError(t, err)
	reg := metrics.NewRegistry()
	c, err := NewConsumer(ConsumerOptions{
		Source:     bus,
		Chain:      chain,
		Dedup:      store.NewMemoryCache(),
		DedupTTL:   time.Hour,
		StoreRetry: retry.Policy{Attempts: 3, BaseDelay: time.Millisecond},
		Logger:     zaptest.NewLogger(t),
		Metrics:    reg,
	})
	require.NoError(t, err)
	events := []models.DecisionEvent{decisionEvent("c-1", true), decisionEvent("c-2", true)}
	for _, e := range events {
		require.NoError(t, bus.Publish(context.Background(), e))
	}

	for range events {
		msg, err := bus.Fetch(context.Background())
		require.NoError(t, err)
		require.NoError(t, c.Handle(context.Background(), msg))
	}
	assert.Equal(t, int64(1), bus.Committed())
	assert.Equal(t, int64(1), reg.Counter(metrics.AuditDuplicates, ""))

	// A restarted consumer without the shared cache sees both events again.
	replay := eventbus.NewMemory()
	for _, e := range events {
		require.NoError(t, replay.Publish(context.Background(), e))
	}
	resumed, err := Open(context.Background(), st, "test")
	require.NoError(t, err)
	restarted, err := NewConsumer(ConsumerOptions{Source: replay, Chain: resumed, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	for range events {
		msg, err := replay.Fetch(context.Background())
		require.NoError(t, err)
		require.NoError(t, restarted.Handle(context.Background(), msg))
	}
	assert.Equal(t, int64(1), replay.Committed())

	stored, _ := st.Records(context.Background(), "test")
	require.Len(t, stored, 2)
	assert.Equal(t, []string{"c-1", "c-2"}, []string{stored[0].CorrelationID, stored[1].CorrelationID})
	require.NoError(t, Verify(stored))
}

func TestConsumerReturnsNilWhenSourceCloses(t *testing.T) {
	bus := eventbus.NewMemory()
	chain, err := Open(context.Background(), NewMemoryStore(), "test")
	require.NoError(t, err)
	c, err := NewConsumer(ConsumerOptions{Source: bus, Chain: chain})
	require.NoError(t, err)

	_, done := runConsumer(t, c)
	require.NoError(t, bus.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after source closed")
	}
}

func TestNewConsumerValidation(t *testing.T) {
	_, err := NewConsumer(ConsumerOptions{})
	assert.Error(t, err)
	_, err = NewConsumer(ConsumerOptions{Source: eventbus.NewMemory()})
	assert.Error(t, err)
}

func mustMessage(t *testing.T, event models.DecisionEvent) eventbus.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return eventbus.Message{Key: []byte(event.CorrelationID), Value: value}
}
