package ruleexpr

import (
	"encoding/json"
	"math"
)

// Program is a parsed expression. It is immutable and safe for concurrent use.
type Program struct {
	src  string
	root node
}

// Source returns the expression text the program was parsed from.
func (p *Program) Source() string { return p.src }

// Eval interprets the program against a resource decoded from JSON. The
// resource is read in place; numbers are converted only where a path reaches them.
func (p *Program) Eval(resource any) (any, error) {
	return p.root.eval(resource)
}

// Test evaluates the program and reports the truthiness of the result.
func (p *Program) Test(resource any) (bool, error) {
	v, err := p.Eval(resource)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Evaluate parses and tests expr in one step.
func Evaluate(expr string, resource any) (bool, error) {
	prog, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return prog.Test(resource)
}

func (n *literalNode) eval(any) (any, error) { return n.value, nil }

func (n *listNode) eval(resource any) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.eval(resource)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// eval walks the path; a missing key or index yields null rather than an error.
func (n *pathNode) eval(resource any) (any, error) {
	cur := resource
	for _, seg := range n.segments {
		switch v := cur.(type) {
		case map[string]any:
			if seg.isIdx {
				return nil, nil
			}
			cur = v[seg.field]
		case []any:
			if !seg.isIdx {
				if seg.field == "length" {
					cur = float64(len(v))
					continue
				}
				return nil, nil
			}
			if seg.index >= len(v) {
				return nil, nil
			}
			cur = v[seg.index]
		case string:
			if !seg.isIdx && seg.field == "length" {
				cur = float64(len(v))
				continue
			}
			return nil, nil
		default:
			return nil, nil
		}
	}
	return scalar(cur), nil
}

func (n *unaryNode) eval(resource any) (any, error) {
	x, err := n.x.eval(resource)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(x), nil
	case "-":
		f, ok := x.(float64)
		if !ok {
			return nil, errorf(n.pos, "unary minus on %s", typeName(x))
		}
		return -f, nil
	}
	return nil, errorf(n.pos, "unknown operator %q", n.op)
}

func (n *binaryNode) eval(resource any) (any, error) {
	l, err := n.l.eval(resource)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !truthy(l) {
			return false, nil
		}
		r, err := n.r.eval(resource)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case "||":
		if truthy(l) {
			return true, nil
		}
		r, err := n.r.eval(resource)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	r, err := n.r.eval(resource)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==", "!=":
		eq, err := equal(l, r, n.pos)
		if err != nil {
			return nil, err
		}
		if n.op == "==" {
			return eq, nil
		}
		return !eq, nil
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r, n.pos)
	case "in":
		items, ok := r.([]any)
		if !ok {
			return nil, errorf(n.pos, "right side of 'in' must be a list, got %s", typeName(r))
		}
		for _, item := range items {
			eq, err := equal(l, scalar(item), n.pos)
			if err != nil {
				return nil, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, errorf(n.pos, "unknown operator %q", n.op)
}

// equal is strict: values of different types are never equal.
func equal(l, r any, pos int) (bool, error) {
	switch lv := l.(type) {
	case nil:
		return r == nil, nil
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv, nil
	case float64:
		rv, ok := r.(float64)
		return ok && lv == rv, nil
	case string:
		rv, ok := r.(string)
		return ok && lv == rv, nil
	default:
		return false, errorf(pos, "cannot compare %s for equality", typeName(l))
	}
}

func compare(op string, l, r any, pos int) (bool, error) {
	switch lv := l.(type) {
	case float64:
		rv, ok := r.(float64)
		if !ok {
			break
		}
		switch op {
		case "<":
			return lv < rv, nil
		case "<=":
			return lv <= rv, nil
		case ">":
			return lv > rv, nil
		default:
			return lv >= rv, nil
		}
	case string:
		rv, ok := r.(string)
		if !ok {
			break
		}
		switch op {
		case "<":
			return lv < rv, nil
		case "<=":
			return lv <= rv, nil
		case ">":
			return lv > rv, nil
		default:
			return lv >= rv, nil
		}
	}
	return false, errorf(pos, "cannot order %s and %s", typeName(l), typeName(r))
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	default:
		return true
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

// scalar converts decoder-specific number types so comparisons see float64 only.
func scalar(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
