package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/directory"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/eventbus"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/logging"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/metrics"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/policyeval"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/telemetry"
)

var (
	// ErrDirectoryUnavailable aborts an evaluation; no partial event is produced.
	ErrDirectoryUnavailable = errors.New("policy directory unavailable")
	// ErrInvalidResource is returned when the resource is not valid JSON.
	ErrInvalidResource = errors.New("resource is not valid JSON")
)

const (
	defaultDirectoryTimeout = 2 * time.Second
	defaultHandlerTimeout   = 3 * time.Second
	defaultMaxConcurrency   = 8
)

type Options struct {
	Directory        directory.Directory
	Registry         *policyeval.Registry
	Publisher        eventbus.Publisher
	DirectoryTimeout time.Duration
	HandlerTimeout   time.Duration
	MaxConcurrency   int
	Logger           *zap.Logger
	Metrics          *metrics.Registry
	Now              func() time.Time
	NewID            func() string
}

// Dispatcher resolves the policies matching a query, runs their handlers and
// aggregates the verdicts into a DecisionEvent. It keeps no per-request state.
type Dispatcher struct {
	directory        directory.Directory
	registry         *policyeval.Registry
	publisher        eventbus.Publisher
	directoryTimeout time.Duration
	handlerTimeout   time.Duration
	maxConcurrency   int
	logger           *zap.Logger
	metrics          *metrics.Registry
	now              func() time.Time
	newID            func() string
	tracer           trace.Tracer
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Directory == nil {
		return nil, errors.New("dispatch: directory required")
	}
	if opts.Registry == nil {
		return nil, errors.New("dispatch: handler registry required")
	}
	d := &Dispatcher{
		directory:        opts.Directory,
		registry:         opts.Registry,
		publisher:        opts.Publisher,
		directoryTimeout: opts.DirectoryTimeout,
		handlerTimeout:   opts.HandlerTimeout,
		maxConcurrency:   opts.MaxConcurrency,
		logger:           logging.OrNop(opts.Logger),
		metrics:          opts.Metrics,
		now:              opts.Now,
		newID:            opts.NewID,
		tracer:           telemetry.Tracer("guardrails/dispatch"),
	}
	if d.directoryTimeout <= 0 {
		d.directoryTimeout = defaultDirectoryTimeout
	}
	if d.handlerTimeout <= 0 {
		d.handlerTimeout = defaultHandlerTimeout
	}
	if d.maxConcurrency <= 0 {
		d.maxConcurrency = defaultMaxConcurrency
	}
	if d.metrics == nil {
		d.metrics = metrics.NewRegistry()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	return d, nil
}

type resolved struct {
	policy  models.Policy
	handler policyeval.Handler
}

// Evaluate builds the decision event for resource. Decisions follow directory
// order; policies without a handler are skipped. A handler error, panic or
// timeout yields pass=false for that policy only. If ctx ends while handlers
// run, ctx.Err() is returned and no event.
func (d *Dispatcher) Evaluate(ctx context.Context, query string, resource json.RawMessage, correlationID string) (models.DecisionEvent, error) {
	start := time.Now()
	if strings.TrimSpace(correlationID) == "" {
		correlationID = d.newID()
	}
	ctx, span := d.tracer.Start(ctx, "dispatch.evaluate",
		trace.WithAttributes(attribute.String("correlation_id", correlationID)))
	defer span.End()
	log := d.logger.With(logging.CorrelationID(correlationID))

	ec, err := decodeResource(resource)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.DecisionEvent{}, err
	}

	policies, err := d.search(ctx, query)
	if err != nil {
		d.metrics.Inc(metrics.EvaluationFailures, "directory")
		span.RecordError(err)
		span.SetStatus(codes.Error, "directory")
		log.Warn("policy directory lookup failed", zap.Error(err))
		return models.DecisionEvent{}, err
	}

	work := make([]resolved, 0, len(policies))
	for _, p := range policies {
		h, ok := d.registry.Resolve(p.Type)
		if !ok {
			log.Debug("no handler for policy type, skipping",
				logging.Policy(p.Name), zap.String("type", string(p.Type)))
			continue
		}
		work = append(work, resolved{policy: p, handler: h})
	}
	span.SetAttributes(
		attribute.Int("policies.found", len(policies)),
		attribute.Int("policies.resolved", len(work)),
	)

	results := make([]bool, len(work))
	var g errgroup.Group
	g.SetLimit(d.maxConcurrency)
	for i, w := range work {
		g.Go(func() error {
			results[i] = d.invoke(ctx, ec, w, log)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		d.metrics.Inc(metrics.EvaluationFailures, "cancelled")
		span.SetStatus(codes.Error, "cancelled")
		return models.DecisionEvent{}, err
	}

	decisions := make([]models.Decision, len(work))
	for i, w := range work {
		decisions[i] = models.Decision{Policy: w.policy.Name, Pass: results[i]}
		d.metrics.Inc(metrics.DecisionsTotal, passLabel(results[i]))
	}
	d.metrics.Inc(metrics.EvaluationsTotal, "")
	d.metrics.ObserveLatency(metrics.EvaluationHistogram, time.Since(start))

	return models.DecisionEvent{
		CorrelationID: correlationID,
		Timestamp:     d.now().UTC(),
		Decisions:     decisions,
		Resource:      resource,
	}, nil
}

// Submit evaluates and then publishes the event. A publish failure discards
// the computed decisions and returns an error wrapping eventbus.ErrPublish.
func (d *Dispatcher) Submit(ctx context.Context, query string, resource json.RawMessage, correlationID string) (models.DecisionEvent, error) {
	event, err := d.Evaluate(ctx, query, resource, correlationID)
	if err != nil {
		return models.DecisionEvent{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.DecisionEvent{}, err
	}
	if d.publisher == nil {
		return models.DecisionEvent{}, fmt.Errorf("%w: no publisher configured", eventbus.ErrPublish)
	}
	if err := d.publisher.Publish(ctx, event); err != nil {
		d.metrics.Inc(metrics.PublishFailures, "")
		d.logger.Error("decision event publish failed",
			logging.CorrelationID(event.CorrelationID), zap.Error(err))
		if !errors.Is(err, eventbus.ErrPublish) {
			err = fmt.Errorf("%w: %w", eventbus.ErrPublish, err)
		}
		return models.DecisionEvent{}, err
	}
	return event, nil
}

func (d *Dispatcher) search(ctx context.Context, query string) ([]models.Policy, error) {
	searchCtx, cancel := context.WithTimeout(ctx, d.directoryTimeout)
	defer cancel()
	policies, err := d.directory.Search(searchCtx, query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	return policies, nil
}

type outcome struct {
	pass bool
	err  error
}

// invoke runs one handler under the handler timeout. The handler runs on its
// own goroutine so a handler ignoring ctx is abandoned, not waited on.
func (d *Dispatcher) invoke(ctx context.Context, ec models.EvaluationContext, w resolved, log *zap.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		pass, err := w.handler.Evaluate(ctx, ec, w.policy)
		done <- outcome{pass: pass, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res = outcome{err: ctx.Err()}
	}
	if res.err != nil {
		d.metrics.Inc(metrics.HandlerFailures, string(w.handler.Kind()))
		log.Warn("policy handler failed, recording pass=false",
			logging.Policy(w.policy.Name),
			zap.String("type", string(w.policy.Type)),
			zap.Error(res.err))
		return false
	}
	return res.pass
}

func decodeResource(raw json.RawMessage) (models.EvaluationContext, error) {
	if len(raw) == 0 {
		return models.EvaluationContext{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return models.EvaluationContext{}, fmt.Errorf("%w: %w", ErrInvalidResource, err)
	}
	return models.EvaluationContext{Resource: v}, nil
}

func passLabel(pass bool) string {
	if pass {
		return "pass"
	}
	return "fail"
}
