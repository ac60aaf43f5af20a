package auditchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/eventbus"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/logging"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/metrics"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/retry"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/store"
)

// Sink receives every record after it has been stored.
type Sink interface {
	Emit(rec models.AuditRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(models.AuditRecord)

func (f SinkFunc) Emit(rec models.AuditRecord) { f(rec) }

var DefaultStoreRetry = retry.Policy{Attempts: 10, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

type ConsumerOptions struct {
	Source eventbus.Consumer
	Chain  *Chain
	// Dedup remembers fingerprints of stored payloads so redeliveries skip
	// the store. The store rejects duplicates either way; nil disables the cache.
	Dedup        store.Cache
	DedupTTL     time.Duration
	Sinks        []Sink
	StoreRetry   retry.Policy
	FetchBackoff time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Registry
}

// Consumer is the single writer of a chain: one loop fetches, links, stores
// and commits messages strictly in stream order.
type Consumer struct {
	source       eventbus.Consumer
	chain        *Chain
	dedup        store.Cache
	dedupTTL     time.Duration
	sinks        []Sink
	storeRetry   retry.Policy
	fetchBackoff time.Duration
	logger       *zap.Logger
	metrics      *metrics.Registry
}

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Source == nil {
		return nil, errors.New("auditchain: source required")
	}
	if opts.Chain == nil {
		return nil, errors.New("auditchain: chain required")
	}
	c := &Consumer{
		source:       opts.Source,
		chain:        opts.Chain,
		dedup:        opts.Dedup,
		dedupTTL:     opts.DedupTTL,
		sinks:        opts.Sinks,
		storeRetry:   opts.StoreRetry,
		fetchBackoff: opts.FetchBackoff,
		logger:       logging.OrNop(opts.Logger),
		metrics:      opts.Metrics,
	}
	if c.storeRetry.Attempts <= 0 {
		c.storeRetry = DefaultStoreRetry
	}
	if c.fetchBackoff <= 0 {
		c.fetchBackoff = time.Second
	}
	if c.metrics == nil {
		c.metrics = metrics.NewRegistry()
	}
	return c, nil
}

// Run consumes until ctx ends or the source closes, which both return nil.
// A chain conflict or exhausted store retries stop the loop with an error and
// leave the message uncommitted.
func (c *Consumer) Run(ctx context.Context) error {
	state := c.chain.State()
	c.logger.Info("audit consumer started",
		zap.String("chain_id", state.ChainID),
		zap.String("segment_id", state.SegmentID),
		zap.Int64("seq", state.Seq))
	for {
		msg, err := c.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, eventbus.ErrClosed) {
				return nil
			}
			c.logger.Warn("decision stream fetch failed", zap.Error(err))
			if err := retry.Sleep(ctx, c.fetchBackoff); err != nil {
				return nil
			}
			continue
		}
		if err := c.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Handle processes one message and commits it unless it could not be stored.
func (c *Consumer) Handle(ctx context.Context, msg eventbus.Message) error {
	var event models.DecisionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.metrics.Inc(metrics.AuditUndecodable, "")
		c.logger.Warn("skipping undecodable decision event",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(fmt.Errorf("%w: %w", ErrDecode, err)))
		return c.commit(ctx, msg)
	}
	log := c.logger.With(logging.CorrelationID(event.CorrelationID))
	canonical, err := models.CanonicalJSON(msg.Value)
	if err != nil {
		c.metrics.Inc(metrics.AuditUndecodable, "")
		log.Warn("skipping non-canonicalizable decision event", zap.Error(err))
		return c.commit(ctx, msg)
	}

	key := c.dedupKey(canonical)
	if c.seen(ctx, key, log) {
		c.metrics.Inc(metrics.AuditDuplicates, "")
		log.Info("skipping duplicate decision event", zap.Int64("offset", msg.Offset))
		return c.commit(ctx, msg)
	}

	var rec models.AuditRecord
	err = retry.Do(ctx, c.storeRetry, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			c.metrics.Inc(metrics.AuditStoreRetries, "")
		}
		var err error
		rec, err = c.chain.Append(ctx, canonical, event.CorrelationID, event.Timestamp)
		if errors.Is(err, ErrChainConflict) || errors.Is(err, ErrDecode) || errors.Is(err, ErrDuplicate) {
			return retry.Stop(err)
		}
		if err != nil {
			log.Warn("audit store append failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	switch {
	case errors.Is(err, ErrDuplicate):
		c.remember(ctx, key, event.CorrelationID, log)
		c.metrics.Inc(metrics.AuditDuplicates, "")
		log.Info("decision event already recorded", zap.Int64("offset", msg.Offset), zap.Error(err))
		return c.commit(ctx, msg)
	case err != nil:
		log.Error("audit record not stored, offset left uncommitted", zap.Error(err))
		return fmt.Errorf("append audit record: %w", err)
	}
	c.remember(ctx, key, event.CorrelationID, log)

	c.metrics.Inc(metrics.AuditAppended, "")
	c.metrics.SetGauge(metrics.AuditLagGauge, float64(rec.LagMs))
	c.metrics.SetGauge(metrics.AuditSeqGauge, float64(rec.Seq))
	log.Info("audit record appended",
		zap.String("hash", rec.Hash),
		zap.Int64("seq", rec.Seq),
		zap.Int64("lag_ms", rec.LagMs))
	for _, s := range c.sinks {
		s.Emit(rec)
	}
	return c.commit(ctx, msg)
}

func (c *Consumer) dedupKey(canonical []byte) string {
	return "audit:dedup:" + c.chain.State().ChainID + ":" + Fingerprint(canonical)
}

// seen reports whether key was remembered for a stored record. Cache errors
// fall through to the store, which rejects duplicates itself.
func (c *Consumer) seen(ctx context.Context, key string, log *zap.Logger) bool {
	if c.dedup == nil {
		return false
	}
	_, err := c.dedup.Get(ctx, key)
	switch {
	case err == nil:
		return true
	case !store.IsMiss(err):
		log.Warn("dedup cache unavailable, relying on the audit store", zap.Error(err))
	}
	return false
}

// remember runs only once the record is durable, so a crash never leaves a
// key behind for an event the store does not hold.
func (c *Consumer) remember(ctx context.Context, key, correlationID string, log *zap.Logger) {
	if c.dedup == nil {
		return
	}
	if err := c.dedup.Set(ctx, key, correlationID, c.dedupTTL); err != nil {
		log.Warn("dedup key not recorded", zap.Error(err))
	}
}

// commit failures are logged only: a later commit covers the offset and a
// redelivery is rejected as a duplicate.
func (c *Consumer) commit(ctx context.Context, msg eventbus.Message) error {
	if err := c.source.Commit(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("offset commit failed",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
	return nil
}
