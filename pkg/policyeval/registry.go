package policyeval

import (
	"context"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
)

// Handler evaluates one policy kind against a resource.
type Handler interface {
	Kind() models.PolicyType
	Supports(t models.PolicyType) bool
	Evaluate(ctx context.Context, ec models.EvaluationContext, p models.Policy) (bool, error)
}

// supports is the shared Supports rule: a handler claims exactly its own kind.
func supports(kind, t models.PolicyType) bool {
	switch t {
	case models.PolicyTypeRule, models.PolicyTypeSemantic, models.PolicyTypeML:
		return kind == t
	default:
		return false
	}
}

// Registry resolves a policy type to a handler. Handlers are consulted in
// registration order and the first one that supports the type wins.
type Registry struct {
	handlers []Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register appends h. Registration must finish before the registry is shared.
func (r *Registry) Register(h Handler) {
	if h == nil {
		return
	}
	r.handlers = append(r.handlers, h)
}

// Resolve returns the first handler supporting t, or false when none does.
func (r *Registry) Resolve(t models.PolicyType) (Handler, bool) {
	if r == nil || !t.Known() {
		return nil, false
	}
	for _, h := range r.handlers {
		if h.Supports(t) {
			return h, true
		}
	}
	return nil, false
}

// Kinds lists the kind of each registered handler in order.
func (r *Registry) Kinds() []models.PolicyType {
	out := make([]models.PolicyType, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Kind())
	}
	return out
}
