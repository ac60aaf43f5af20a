package ruleexpr

import (
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

var threeCharOps = []string{"===", "!=="}
var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

func lex(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '"' || ch == '\'':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tokString, text: s, pos: i})
			i += n
		case ch >= '0' && ch <= '9' || (ch == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9'):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E' ||
				((src[i] == '+' || src[i] == '-') && (src[i-1] == 'e' || src[i-1] == 'E'))) {
				i++
			}
			f, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, errorf(start, "invalid number %q", src[start:i])
			}
			out = append(out, token{kind: tokNumber, text: src[start:i], num: f, pos: start})
		case isIdentStart(rune(ch)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			out = append(out, token{kind: tokIdent, text: src[start:i], pos: start})
		case strings.ContainsRune("()[].,", rune(ch)):
			out = append(out, token{kind: tokPunct, text: string(ch), pos: i})
			i++
		default:
			op := matchOp(src[i:])
			if op == "" {
				return nil, errorf(i, "unexpected character %q", ch)
			}
			out = append(out, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}
	out = append(out, token{kind: tokEOF, pos: len(src)})
	return out, nil
}

func matchOp(rest string) string {
	for _, op := range threeCharOps {
		if strings.HasPrefix(rest, op) {
			return op
		}
	}
	for _, op := range twoCharOps {
		if strings.HasPrefix(rest, op) {
			return op
		}
	}
	switch rest[0] {
	case '<', '>', '!', '-':
		return rest[:1]
	}
	return ""
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		ch := src[i]
		if ch == quote {
			return b.String(), i - start + 1, nil
		}
		if ch == '\\' {
			if i+1 >= len(src) {
				break
			}
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '"', '\'':
				b.WriteByte(src[i])
			default:
				return "", 0, errorf(i, "unsupported escape \\%c", src[i])
			}
			i++
			continue
		}
		b.WriteByte(ch)
		i++
	}
	return "", 0, errorf(start, "unterminated string")
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r rune) bool { return isIdentStart(r) || (r >= '0' && r <= '9') }
