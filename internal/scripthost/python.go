package scripthost

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// evalPython runs a tiny restricted expression language modeled on the
// `result = <expr>` convention of a whitelisted-builtin Python sandbox: no
// Go library in the ecosystem embeds a restricted Python interpreter, so
// this hand-written evaluator covers the realistic subset a header-value
// expression needs — string/number literals, dotted lookups into ctx,
// string concatenation, and the `str()`/`len()` builtins — without ever
// touching the filesystem, network, or process environment.
func evalPython(parent context.Context, source string, ctxValues Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type outcome struct {
		value string
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		v, err := runRestrictedPython(source, ctxValues)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return "", &ScriptError{Kind: ErrTimeout}
	}
}

func runRestrictedPython(source string, ctxValues Context) (string, error) {
	if ctxValues == nil {
		ctxValues = Context{}
	}
	expr := strings.TrimSpace(source)
	if idx := strings.Index(expr, "result"); idx >= 0 {
		if eq := strings.Index(expr[idx:], "="); eq >= 0 {
			expr = strings.TrimSpace(expr[idx+eq+1:])
		}
	}
	if expr == "" {
		return "", &ScriptError{Kind: ErrCompile, Err: fmt.Errorf("empty expression")}
	}

	p := &pyParser{src: expr, ctx: ctxValues}
	val, err := p.parseExpr()
	if err != nil {
		return "", &ScriptError{Kind: ErrCompile, Err: err}
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return "", &ScriptError{Kind: ErrCompile, Err: fmt.Errorf("unexpected trailing input at %d", p.pos)}
	}
	return val, nil
}

// pyParser is a minimal recursive-descent evaluator over:
//
//	expr       := term ( '+' term )*
//	term       := string | number | call | lookup
//	call       := ident '(' expr? ')'
//	lookup     := ident ( '.' ident )*
type pyParser struct {
	src string
	pos int
	ctx Context
}

func (p *pyParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *pyParser) parseExpr() (string, error) {
	var b strings.Builder
	first, err := p.parseTerm()
	if err != nil {
		return "", err
	}
	b.WriteString(first)
	for {
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == '+' {
			p.pos++
			p.skipSpace()
			next, err := p.parseTerm()
			if err != nil {
				return "", err
			}
			b.WriteString(next)
			continue
		}
		break
	}
	return b.String(), nil
}

func (p *pyParser) parseTerm() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return "", fmt.Errorf("unexpected end of expression")
	}

	switch c := p.src[p.pos]; {
	case c == '"' || c == '\'':
		return p.parseString(c)
	case c >= '0' && c <= '9' || c == '-':
		return p.parseNumber()
	default:
		return p.parseIdentOrCall()
	}
}

func (p *pyParser) parseString(quote byte) (string, error) {
	p.pos++ // skip opening quote
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] != quote {
		p.pos++
	}
	if p.pos >= len(p.src) {
		return "", fmt.Errorf("unterminated string literal")
	}
	s := p.src[start:p.pos]
	p.pos++ // skip closing quote
	return s, nil
}

func (p *pyParser) parseNumber() (string, error) {
	start := p.pos
	if p.src[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
		p.pos++
	}
	numStr := p.src[start:p.pos]
	if _, err := strconv.ParseFloat(numStr, 64); err != nil {
		return "", fmt.Errorf("invalid number literal %q", numStr)
	}
	return numStr, nil
}

func (p *pyParser) parseIdent() string {
	start := p.pos
	for p.pos < len(p.src) && (isIdentByte(p.src[p.pos])) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *pyParser) parseIdentOrCall() (string, error) {
	name := p.parseIdent()
	if name == "" {
		return "", fmt.Errorf("unexpected character %q at %d", p.src[p.pos], p.pos)
	}

	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == '(' {
		p.pos++
		p.skipSpace()
		var arg string
		if p.pos < len(p.src) && p.src[p.pos] != ')' {
			a, err := p.parseExpr()
			if err != nil {
				return "", err
			}
			arg = a
		}
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != ')' {
			return "", fmt.Errorf("expected closing ) for call to %s", name)
		}
		p.pos++
		return p.callBuiltin(name, arg)
	}

	return p.lookup(name)
}

// callBuiltin dispatches the whitelisted builtin set: str() and len().
func (p *pyParser) callBuiltin(name, arg string) (string, error) {
	switch name {
	case "str":
		return arg, nil
	case "len":
		return strconv.Itoa(len(arg)), nil
	default:
		return "", fmt.Errorf("call to non-whitelisted builtin %q", name)
	}
}

func (p *pyParser) lookup(name string) (string, error) {
	parts := strings.Split(name, ".")
	var cur interface{} = map[string]interface{}(p.ctx)
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("cannot index into non-object at %q", part)
		}
		v, ok := m[part]
		if !ok {
			return "", fmt.Errorf("undefined name %q", name)
		}
		cur = v
	}
	return fmt.Sprintf("%v", cur), nil
}
