package ruleexpr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrExpression matches every parse and evaluation failure via errors.Is.
var ErrExpression = errors.New("rule expression error")

// Error reports a malformed or unevaluable expression at a byte offset.
type Error struct {
	Pos int
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rule expression: %s at offset %d", e.Msg, e.Pos)
}

func (e *Error) Is(target error) bool { return target == ErrExpression }

func errorf(pos int, format string, args ...any) *Error {
	return &Error{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

const (
	MaxLength = 4096
	maxDepth  = 64
)

// RootIdentifier is the only free variable an expression may reference.
const RootIdentifier = "resource"

// node is the closed set of AST nodes; only this package can add variants.
type node interface {
	eval(resource any) (any, error)
	position() int
}

type literalNode struct {
	pos   int
	value any
}

type listNode struct {
	pos   int
	items []node
}

type pathNode struct {
	pos      int
	segments []pathSegment
}

type pathSegment struct {
	field string
	index int
	isIdx bool
}

type unaryNode struct {
	pos int
	op  string
	x   node
}

type binaryNode struct {
	pos  int
	op   string
	l, r node
}

func (n *literalNode) position() int { return n.pos }
func (n *listNode) position() int    { return n.pos }
func (n *pathNode) position() int    { return n.pos }
func (n *unaryNode) position() int   { return n.pos }
func (n *binaryNode) position() int  { return n.pos }

type parser struct {
	toks  []token
	i     int
	depth int
}

// Parse compiles src into a Program without evaluating it.
func Parse(src string) (*Program, error) {
	if strings.TrimSpace(src) == "" {
		return nil, errorf(0, "empty expression")
	}
	if len(src) > MaxLength {
		return nil, errorf(MaxLength, "expression longer than %d bytes", MaxLength)
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, errorf(tok.pos, "unexpected %q", tok.text)
	}
	return &Program{src: src, root: root}, nil
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	tok := p.toks[p.i]
	if tok.kind != tokEOF {
		p.i++
	}
	return tok
}

func (p *parser) isOp(ops ...string) bool {
	tok := p.peek()
	if tok.kind != tokOp && tok.kind != tokIdent {
		return false
	}
	for _, op := range ops {
		if tok.text == op {
			return true
		}
	}
	return false
}

func (p *parser) isPunct(s string) bool {
	tok := p.peek()
	return tok.kind == tokPunct && tok.text == s
}

func (p *parser) expectPunct(s string) error {
	tok := p.next()
	if tok.kind != tokPunct || tok.text != s {
		return errorf(tok.pos, "expected %q", s)
	}
	return nil
}

func (p *parser) enter(pos int) error {
	p.depth++
	if p.depth > maxDepth {
		return errorf(pos, "expression nested deeper than %d", maxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||", "or") {
		tok := p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: tok.pos, op: "||", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&", "and") {
		tok := p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: tok.pos, op: "&&", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.isOp("==", "===", "!=", "!==", "<", "<=", ">", ">=", "in") {
		tok := p.next()
		op := tok.text
		switch op {
		case "===":
			op = "=="
		case "!==":
			op = "!="
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if p.isOp("==", "===", "!=", "!==", "<", "<=", ">", ">=", "in") {
			return nil, errorf(p.peek().pos, "chained comparison requires parentheses")
		}
		return &binaryNode{pos: tok.pos, op: op, l: left, r: right}, nil
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("!", "not", "-") {
		tok := p.next()
		if err := p.enter(tok.pos); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		op := tok.text
		if op == "not" {
			op = "!"
		}
		return &unaryNode{pos: tok.pos, op: op, x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return &literalNode{pos: tok.pos, value: tok.num}, nil
	case tokString:
		return &literalNode{pos: tok.pos, value: tok.text}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return &literalNode{pos: tok.pos, value: true}, nil
		case "false":
			return &literalNode{pos: tok.pos, value: false}, nil
		case "null", "undefined":
			return &literalNode{pos: tok.pos, value: nil}, nil
		case RootIdentifier:
			return p.parsePath(tok)
		case "and", "or", "not", "in":
			return nil, errorf(tok.pos, "unexpected keyword %q", tok.text)
		default:
			return nil, errorf(tok.pos, "unknown identifier %q", tok.text)
		}
	case tokPunct:
		switch tok.text {
		case "(":
			if err := p.enter(tok.pos); err != nil {
				return nil, err
			}
			defer p.leave()
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return inner, nil
		case "[":
			return p.parseList(tok)
		}
	case tokEOF:
		return nil, errorf(tok.pos, "unexpected end of expression")
	}
	return nil, errorf(tok.pos, "unexpected %q", tok.text)
}

func (p *parser) parseList(open token) (node, error) {
	list := &listNode{pos: open.pos}
	if p.isPunct("]") {
		p.next()
		return list, nil
	}
	for {
		tok := p.next()
		switch {
		case tok.kind == tokNumber:
			list.items = append(list.items, &literalNode{pos: tok.pos, value: tok.num})
		case tok.kind == tokString:
			list.items = append(list.items, &literalNode{pos: tok.pos, value: tok.text})
		case tok.kind == tokIdent && (tok.text == "true" || tok.text == "false"):
			list.items = append(list.items, &literalNode{pos: tok.pos, value: tok.text == "true"})
		case tok.kind == tokIdent && tok.text == "null":
			list.items = append(list.items, &literalNode{pos: tok.pos, value: nil})
		case tok.kind == tokOp && tok.text == "-" && p.peek().kind == tokNumber:
			num := p.next()
			list.items = append(list.items, &literalNode{pos: tok.pos, value: -num.num})
		default:
			return nil, errorf(tok.pos, "list items must be literals")
		}
		if p.isPunct(",") {
			p.next()
			continue
		}
		if err := p.expectPunct("]"); err != nil {
			return nil, err
		}
		return list, nil
	}
}

func (p *parser) parsePath(root token) (node, error) {
	path := &pathNode{pos: root.pos}
	for {
		switch {
		case p.isPunct("."):
			p.next()
			tok := p.next()
			if tok.kind != tokIdent {
				return nil, errorf(tok.pos, "expected field name after '.'")
			}
			path.segments = append(path.segments, pathSegment{field: tok.text})
		case p.isPunct("["):
			p.next()
			tok := p.next()
			switch tok.kind {
			case tokString:
				path.segments = append(path.segments, pathSegment{field: tok.text})
			case tokNumber:
				if tok.num < 0 || tok.num != float64(int(tok.num)) {
					return nil, errorf(tok.pos, "index must be a non-negative integer")
				}
				path.segments = append(path.segments, pathSegment{index: int(tok.num), isIdx: true})
			default:
				return nil, errorf(tok.pos, "index must be a string or number literal")
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
		case p.isPunct("("):
			return nil, errorf(p.peek().pos, "function calls are not allowed")
		default:
			return path, nil
		}
	}
}
