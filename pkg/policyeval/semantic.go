package policyeval

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/embedding"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
)

// DefaultSemanticThreshold is the minimum cosine similarity for a pass.
const DefaultSemanticThreshold = 0.8

// SemanticHandler passes a resource when its embedding is close enough to the
// embedding of the policy text. Every failure evaluates to false.
type SemanticHandler struct {
	provider  embedding.Provider
	threshold float64
	logger    *zap.Logger
}

func NewSemanticHandler(provider embedding.Provider, threshold float64, logger *zap.Logger) *SemanticHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticHandler{provider: provider, threshold: threshold, logger: logger}
}

func (h *SemanticHandler) Kind() models.PolicyType { return models.PolicyTypeSemantic }

func (h *SemanticHandler) Supports(t models.PolicyType) bool { return supports(h.Kind(), t) }

func (h *SemanticHandler) Evaluate(ctx context.Context, ec models.EvaluationContext, p models.Policy) (bool, error) {
	sim, err := h.Similarity(ctx, ec, p)
	if err != nil {
		h.logger.Warn("semantic evaluation failed closed",
			zap.String("policy", p.Name), zap.Error(err))
		return false, nil
	}
	return sim >= h.threshold, nil
}

// Similarity embeds resource and policy text concurrently and compares them.
func (h *SemanticHandler) Similarity(ctx context.Context, ec models.EvaluationContext, p models.Policy) (float64, error) {
	if h.provider == nil {
		return 0, fmt.Errorf("%w: no provider", embedding.ErrUnavailable)
	}
	resource, err := ec.CanonicalResource()
	if err != nil {
		return 0, fmt.Errorf("encode resource: %w", err)
	}
	var resVec, polVec []float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := h.provider.Embed(gctx, string(resource))
		resVec = v
		return err
	})
	g.Go(func() error {
		v, err := h.provider.Embed(gctx, p.Expression)
		polVec = v
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return embedding.Cosine(resVec, polVec)
}
