package workflow

import (
	"strconv"
	"strings"
)

// EvalCondition evaluates a guard expression against workflow variables.
// Supported forms: the literals true/false, dotted-path lookups into the
// variables map (an optional "variables." prefix is stripped), == and !=
// equality, <, <=, >, >= numeric comparisons, and the connectives &&, ||
// and !. Anything that fails to parse evaluates to false.
func EvalCondition(expr string, variables map[string]interface{}) bool {
	p := &condParser{input: expr, vars: variables}
	p.skipSpace()
	v, ok := p.parseOr()
	if !ok {
		return false
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return false
	}
	return truthy(v)
}

type condParser struct {
	input string
	pos   int
	vars  map[string]interface{}
}

func (p *condParser) parseOr() (interface{}, bool) {
	left, ok := p.parseAnd()
	if !ok {
		return nil, false
	}
	for p.consume("||") {
		right, ok := p.parseAnd()
		if !ok {
			return nil, false
		}
		left = truthy(left) || truthy(right)
	}
	return left, true
}

func (p *condParser) parseAnd() (interface{}, bool) {
	left, ok := p.parseComparison()
	if !ok {
		return nil, false
	}
	for p.consume("&&") {
		right, ok := p.parseComparison()
		if !ok {
			return nil, false
		}
		left = truthy(left) && truthy(right)
	}
	return left, true
}

func (p *condParser) parseComparison() (interface{}, bool) {
	left, ok := p.parseUnary()
	if !ok {
		return nil, false
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if !p.consume(op) {
			continue
		}
		right, ok := p.parseUnary()
		if !ok {
			return nil, false
		}
		return compare(op, left, right)
	}
	return left, true
}

func (p *condParser) parseUnary() (interface{}, bool) {
	if p.consume("!") {
		v, ok := p.parseUnary()
		if !ok {
			return nil, false
		}
		return !truthy(v), true
	}
	return p.parseTerm()
}

func (p *condParser) parseTerm() (interface{}, bool) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, false
	}
	if p.consume("(") {
		v, ok := p.parseOr()
		if !ok || !p.consume(")") {
			return nil, false
		}
		return v, true
	}
	c := p.input[p.pos]
	switch {
	case c == '\'' || c == '"':
		return p.parseString(c)
	case c >= '0' && c <= '9' || c == '-':
		return p.parseNumber()
	default:
		return p.parseIdentifier()
	}
}

func (p *condParser) parseString(quote byte) (interface{}, bool) {
	p.pos++
	start := p.pos
	for p.pos < len(p.input) {
		if p.input[p.pos] == quote {
			s := p.input[start:p.pos]
			p.pos++
			return s, true
		}
		p.pos++
	}
	return nil, false
}

func (p *condParser) parseNumber() (interface{}, bool) {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	f, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return nil, false
	}
	return f, true
}

func (p *condParser) parseIdentifier() (interface{}, bool) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '_' || c == '.' || c == '-' || c == ':' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return nil, false
	}
	ident := p.input[start:p.pos]
	switch ident {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return lookupPath(ident, p.vars), true
}

func (p *condParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *condParser) consume(tok string) bool {
	p.skipSpace()
	if !strings.HasPrefix(p.input[p.pos:], tok) {
		return false
	}
	// Avoid eating "<=" when matching "<".
	if (tok == "<" || tok == ">") && p.pos+1 < len(p.input) && p.input[p.pos+1] == '=' {
		return false
	}
	p.pos += len(tok)
	return true
}

// lookupPath resolves a dotted path into the variables map. Missing
// segments yield nil, which is falsy.
func lookupPath(path string, vars map[string]interface{}) interface{} {
	path = strings.TrimPrefix(path, "variables.")
	segments := strings.Split(path, ".")
	var current interface{} = vars
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return current
}

func compare(op string, left, right interface{}) (interface{}, bool) {
	switch op {
	case "==":
		return looseEqual(left, right), true
	case "!=":
		return !looseEqual(left, right), true
	}
	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if !lok || !rok {
		return false, true
	}
	switch op {
	case "<":
		return lf < rf, true
	case "<=":
		return lf <= rf, true
	case ">":
		return lf > rf, true
	case ">=":
		return lf >= rf, true
	}
	return nil, false
}

func looseEqual(left, right interface{}) bool {
	if lf, ok := asNumber(left); ok {
		if rf, ok := asNumber(right); ok {
			return lf == rf
		}
	}
	if lb, ok := left.(bool); ok {
		if rb, ok := right.(bool); ok {
			return lb == rb
		}
	}
	return asString(left) == asString(right)
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	}
	return ""
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case nil:
		return false
	}
	return false
}
