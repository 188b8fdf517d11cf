package template

import (
	"strconv"
	"strings"

	"github.com/haasonsaas/atrium/internal/apperr"
)

// EvaluateExpression parses expr into a small AST and evaluates it against a
// fixed whitelist: literals (numbers, strings, booleans, null), lists,
// comparisons (> < >= <= == != in, not in), boolean and/or, and unary not.
// Anything else — name lookups, attribute access, calls, subscripts,
// arithmetic — fails with a validation error. The final value must be a
// boolean.
func EvaluateExpression(expr string) (bool, error) {
	p := &exprParser{input: expr}
	p.next()
	node, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.tok.kind != tokEOF {
		return false, apperr.Validation("unexpected %q in expression", p.tok.text)
	}
	value, err := evalNode(node)
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, apperr.Validation("expression must evaluate to a boolean, got %T", value)
	}
	return b, nil
}

// AST

type exprNode interface{}

type litNode struct{ value any }

type listNode struct{ items []exprNode }

type notNode struct{ operand exprNode }

type boolNode struct {
	op    string // "and" | "or"
	left  exprNode
	right exprNode
}

type compareNode struct {
	left exprNode
	ops  []string
	rest []exprNode
}

// Lexer

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokKeyword // and or not in true false null
	tokOp      // comparison operators, brackets, comma, parens
)

type token struct {
	kind tokenKind
	text string
	num  float64
	str  string
}

type exprParser struct {
	input string
	pos   int
	tok   token
	err   error
}

var keywords = map[string]string{
	"and": "and", "or": "or", "not": "not", "in": "in",
	"true": "true", "True": "true",
	"false": "false", "False": "false",
	"null": "null", "None": "null", "none": "null",
}

func (p *exprParser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = apperr.Validation(format, args...)
	}
	p.tok = token{kind: tokEOF}
}

func (p *exprParser) next() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n' || p.input[p.pos] == '\r') {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF}
		return
	}

	c := p.input[p.pos]
	switch {
	case c >= '0' && c <= '9', c == '-' && p.pos+1 < len(p.input) && p.input[p.pos+1] >= '0' && p.input[p.pos+1] <= '9':
		start := p.pos
		p.pos++ // first digit or sign
		for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
			p.pos++
		}
		text := p.input[start:p.pos]
		num, err := strconv.ParseFloat(text, 64)
		if err != nil {
			p.fail("invalid number %q", text)
			return
		}
		p.tok = token{kind: tokNumber, text: text, num: num}

	case c == '\'' || c == '"':
		quote := c
		p.pos++
		var sb strings.Builder
		for p.pos < len(p.input) && p.input[p.pos] != quote {
			if p.input[p.pos] == '\\' && p.pos+1 < len(p.input) {
				p.pos++
			}
			sb.WriteByte(p.input[p.pos])
			p.pos++
		}
		if p.pos >= len(p.input) {
			p.fail("unterminated string literal")
			return
		}
		p.pos++ // closing quote
		p.tok = token{kind: tokString, text: sb.String(), str: sb.String()}

	case isIdentByte(c):
		start := p.pos
		for p.pos < len(p.input) && (isIdentByte(p.input[p.pos]) || p.input[p.pos] >= '0' && p.input[p.pos] <= '9') {
			p.pos++
		}
		word := p.input[start:p.pos]
		kw, ok := keywords[word]
		if !ok {
			// Bare identifiers are name lookups; hard reject.
			p.fail("name %q is not allowed in expressions", word)
			return
		}
		p.tok = token{kind: tokKeyword, text: kw}

	default:
		for _, op := range []string{">=", "<=", "==", "!="} {
			if strings.HasPrefix(p.input[p.pos:], op) {
				p.pos += 2
				p.tok = token{kind: tokOp, text: op}
				return
			}
		}
		switch c {
		case '>', '<', '(', ')', '[', ']', ',':
			p.pos++
			p.tok = token{kind: tokOp, text: string(c)}
		default:
			p.fail("character %q is not allowed in expressions", string(c))
		}
	}
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

// Parser. Precedence (loosest first): or, and, not, comparison, operand.

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokKeyword && p.tok.text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &boolNode{op: "or", left: left, right: right}
	}
	return left, p.err
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokKeyword && p.tok.text == "and" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &boolNode{op: "and", left: left, right: right}
	}
	return left, p.err
}

func (p *exprParser) parseNot() (exprNode, error) {
	if p.tok.kind == tokKeyword && p.tok.text == "not" {
		p.next()
		// "not in" is handled by parseComparison; a bare "not" here negates.
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, p.err
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (exprNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	node := &compareNode{left: left}
	for {
		op, ok := p.comparisonOp()
		if !ok {
			break
		}
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		node.ops = append(node.ops, op)
		node.rest = append(node.rest, right)
	}
	if len(node.ops) == 0 {
		return left, p.err
	}
	return node, p.err
}

// comparisonOp consumes a comparison operator if one is next, handling the
// two-word "not in" form.
func (p *exprParser) comparisonOp() (string, bool) {
	if p.tok.kind == tokOp {
		switch p.tok.text {
		case ">", "<", ">=", "<=", "==", "!=":
			op := p.tok.text
			p.next()
			return op, true
		}
	}
	if p.tok.kind == tokKeyword && p.tok.text == "in" {
		p.next()
		return "in", true
	}
	if p.tok.kind == tokKeyword && p.tok.text == "not" {
		// Lookahead for "not in"; a bare "not" in operator position is an error
		// surfaced by the caller's EOF check.
		save := *p
		p.next()
		if p.tok.kind == tokKeyword && p.tok.text == "in" {
			p.next()
			return "not in", true
		}
		*p = save
	}
	return "", false
}

func (p *exprParser) parseOperand() (exprNode, error) {
	switch {
	case p.tok.kind == tokNumber:
		node := &litNode{value: p.tok.num}
		p.next()
		return node, p.err

	case p.tok.kind == tokString:
		node := &litNode{value: p.tok.str}
		p.next()
		return node, p.err

	case p.tok.kind == tokKeyword:
		switch p.tok.text {
		case "true":
			p.next()
			return &litNode{value: true}, p.err
		case "false":
			p.next()
			return &litNode{value: false}, p.err
		case "null":
			p.next()
			return &litNode{value: nil}, p.err
		}
		return nil, apperr.Validation("unexpected keyword %q", p.tok.text)

	case p.tok.kind == tokOp && p.tok.text == "(":
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokOp || p.tok.text != ")" {
			return nil, apperr.Validation("expected closing parenthesis")
		}
		p.next()
		return inner, p.err

	case p.tok.kind == tokOp && p.tok.text == "[":
		p.next()
		list := &listNode{}
		for !(p.tok.kind == tokOp && p.tok.text == "]") {
			if p.tok.kind == tokEOF {
				return nil, apperr.Validation("unterminated list literal")
			}
			item, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			list.items = append(list.items, item)
			if p.tok.kind == tokOp && p.tok.text == "," {
				p.next()
			}
		}
		p.next() // ]
		return list, p.err
	}

	if p.err != nil {
		return nil, p.err
	}
	return nil, apperr.Validation("unexpected %q in expression", p.tok.text)
}

// Evaluator

func evalNode(node exprNode) (any, error) {
	switch n := node.(type) {
	case *litNode:
		return n.value, nil

	case *listNode:
		items := make([]any, len(n.items))
		for i, item := range n.items {
			v, err := evalNode(item)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil

	case *notNode:
		v, err := evalNode(n.operand)
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, apperr.Validation("not requires a boolean operand")
		}
		return !b, nil

	case *boolNode:
		left, err := evalNode(n.left)
		if err != nil {
			return nil, err
		}
		lb, ok := left.(bool)
		if !ok {
			return nil, apperr.Validation("%s requires boolean operands", n.op)
		}
		// Short circuit.
		if n.op == "and" && !lb {
			return false, nil
		}
		if n.op == "or" && lb {
			return true, nil
		}
		right, err := evalNode(n.right)
		if err != nil {
			return nil, err
		}
		rb, ok := right.(bool)
		if !ok {
			return nil, apperr.Validation("%s requires boolean operands", n.op)
		}
		return rb, nil

	case *compareNode:
		left, err := evalNode(n.left)
		if err != nil {
			return nil, err
		}
		for i, op := range n.ops {
			right, err := evalNode(n.rest[i])
			if err != nil {
				return nil, err
			}
			ok, err := compare(op, left, right)
			if err != nil {
				return nil, err
			}
			if !ok {
				return false, nil
			}
			left = right
		}
		return true, nil
	}
	return nil, apperr.Validation("unsupported expression node")
}

func compare(op string, left, right any) (bool, error) {
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "in", "not in":
		found, err := contains(right, left)
		if err != nil {
			return false, err
		}
		if op == "not in" {
			return !found, nil
		}
		return found, nil
	}

	// Ordering operators.
	if ln, lok := left.(float64); lok {
		rn, rok := right.(float64)
		if !rok {
			return false, apperr.Validation("cannot compare number with %T", right)
		}
		switch op {
		case ">":
			return ln > rn, nil
		case "<":
			return ln < rn, nil
		case ">=":
			return ln >= rn, nil
		case "<=":
			return ln <= rn, nil
		}
	}
	if ls, lok := left.(string); lok {
		rs, rok := right.(string)
		if !rok {
			return false, apperr.Validation("cannot compare string with %T", right)
		}
		switch op {
		case ">":
			return ls > rs, nil
		case "<":
			return ls < rs, nil
		case ">=":
			return ls >= rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}
	return false, apperr.Validation("operator %q not supported for %T", op, left)
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, ok := a.(float64); ok {
		bn, ok := b.(float64)
		return ok && an == bn
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return false
}

func contains(container, needle any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, item := range c {
			if looseEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, apperr.Validation("membership in a string requires a string operand")
		}
		return strings.Contains(c, s), nil
	default:
		return false, apperr.Validation("in requires a list or string on the right")
	}
}
