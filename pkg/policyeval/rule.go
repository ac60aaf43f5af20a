package policyeval

import (
	"context"
	"sync"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/ruleexpr"
)

const maxCachedPrograms = 4096

// RuleHandler evaluates restricted boolean expressions over the resource.
// Parsed programs are cached by expression text.
type RuleHandler struct {
	mu       sync.RWMutex
	programs map[string]*ruleexpr.Program
}

func NewRuleHandler() *RuleHandler {
	return &RuleHandler{programs: make(map[string]*ruleexpr.Program)}
}

func (h *RuleHandler) Kind() models.PolicyType { return models.PolicyTypeRule }

func (h *RuleHandler) Supports(t models.PolicyType) bool { return supports(h.Kind(), t) }

// Evaluate returns ruleexpr.ErrExpression for malformed or unevaluable rules.
func (h *RuleHandler) Evaluate(ctx context.Context, ec models.EvaluationContext, p models.Policy) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	prog, err := h.program(p.Expression)
	if err != nil {
		return false, err
	}
	return prog.Test(ec.Resource)
}

func (h *RuleHandler) program(expr string) (*ruleexpr.Program, error) {
	h.mu.RLock()
	prog, ok := h.programs[expr]
	h.mu.RUnlock()
	if ok {
		return prog, nil
	}
	prog, err := ruleexpr.Parse(expr)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if len(h.programs) >= maxCachedPrograms {
		h.programs = make(map[string]*ruleexpr.Program)
	}
	h.programs[expr] = prog
	h.mu.Unlock()
	return prog, nil
}

func (h *RuleHandler) cached() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.programs)
}
