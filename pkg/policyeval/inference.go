package policyeval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/inference"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
)

// InferenceHandler asks a model backend whether the resource is in scope of the
// policy prompt. Every failure evaluates to false.
type InferenceHandler struct {
	backend inference.Backend
	logger  *zap.Logger
}

func NewInferenceHandler(backend inference.Backend, logger *zap.Logger) *InferenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InferenceHandler{backend: backend, logger: logger}
}

func (h *InferenceHandler) Kind() models.PolicyType { return models.PolicyTypeML }

func (h *InferenceHandler) Supports(t models.PolicyType) bool { return supports(h.Kind(), t) }

func (h *InferenceHandler) Evaluate(ctx context.Context, ec models.EvaluationContext, p models.Policy) (bool, error) {
	res, err := h.infer(ctx, ec, p)
	if err != nil {
		h.logger.Warn("inference evaluation failed closed",
			zap.String("policy", p.Name), zap.Error(err))
		return false, nil
	}
	return res.Allowed(), nil
}

func (h *InferenceHandler) infer(ctx context.Context, ec models.EvaluationContext, p models.Policy) (inference.Result, error) {
	if h.backend == nil {
		return inference.Result{}, fmt.Errorf("%w: no backend", inference.ErrUnavailable)
	}
	resource, err := ec.CanonicalResource()
	if err != nil {
		return inference.Result{}, fmt.Errorf("encode resource: %w", err)
	}
	return h.backend.Infer(ctx, p.Expression, resource)
}
