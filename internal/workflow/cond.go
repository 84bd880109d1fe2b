package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// EvalCondition evaluates a step condition against the workflow
// parameters. The grammar is deliberately tiny: !, ==, !=, &&, ||,
// parentheses, literals, and parameters.<name> references. A
// hand-written recursive-descent parser keeps this far away from
// anything eval-shaped.
func EvalCondition(expr string, params map[string]any) (bool, error) {
	tokens, err := lexCondition(expr)
	if err != nil {
		return false, err
	}
	p := &condParser{tokens: tokens, params: params}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if !p.done() {
		return false, fmt.Errorf("unexpected token %q", p.peek().text)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("condition is not boolean: %v", v)
	}
	return b, nil
}

type condToken struct {
	kind string // ident, number, string, op
	text string
}

func lexCondition(s string) ([]condToken, error) {
	var tokens []condToken
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(' || c == ')':
			tokens = append(tokens, condToken{kind: "op", text: string(c)})
			i++
		case c == '!':
			if i+1 < len(s) && s[i+1] == '=' {
				tokens = append(tokens, condToken{kind: "op", text: "!="})
				i += 2
			} else {
				tokens = append(tokens, condToken{kind: "op", text: "!"})
				i++
			}
		case strings.HasPrefix(s[i:], "=="):
			tokens = append(tokens, condToken{kind: "op", text: "=="})
			i += 2
		case strings.HasPrefix(s[i:], "&&"):
			tokens = append(tokens, condToken{kind: "op", text: "&&"})
			i += 2
		case strings.HasPrefix(s[i:], "||"):
			tokens = append(tokens, condToken{kind: "op", text: "||"})
			i += 2
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string literal")
			}
			tokens = append(tokens, condToken{kind: "string", text: s[i+1 : i+1+end]})
			i += end + 2
		case c >= '0' && c <= '9' || c == '-':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			tokens = append(tokens, condToken{kind: "number", text: s[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_' || s[j] == '.') {
				j++
			}
			tokens = append(tokens, condToken{kind: "ident", text: s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return tokens, nil
}

type condParser struct {
	tokens []condToken
	pos    int
	params map[string]any
}

func (p *condParser) done() bool { return p.pos >= len(p.tokens) }

func (p *condParser) peek() condToken {
	if p.done() {
		return condToken{}
	}
	return p.tokens[p.pos]
}

func (p *condParser) accept(op string) bool {
	if !p.done() && p.tokens[p.pos].kind == "op" && p.tokens[p.pos].text == op {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lb, lok := left.(bool)
		rb, rok := right.(bool)
		if !lok || !rok {
			return nil, fmt.Errorf("|| requires boolean operands")
		}
		left = lb || rb
	}
	return left, nil
}

func (p *condParser) parseAnd() (any, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.accept("&&") {
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		lb, lok := left.(bool)
		rb, rok := right.(bool)
		if !lok || !rok {
			return nil, fmt.Errorf("&& requires boolean operands")
		}
		left = lb && rb
	}
	return left, nil
}

func (p *condParser) parseEquality() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var negate bool
		if p.accept("==") {
			negate = false
		} else if p.accept("!=") {
			negate = true
		} else {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		eq := valuesEqual(left, right)
		left = eq != negate
	}
}

func (p *condParser) parseUnary() (any, error) {
	if p.accept("!") {
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("! requires a boolean operand")
		}
		return !b, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (any, error) {
	if p.accept("(") {
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(")") {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return v, nil
	}
	if p.done() {
		return nil, fmt.Errorf("unexpected end of condition")
	}

	tok := p.tokens[p.pos]
	p.pos++
	switch tok.kind {
	case "string":
		return tok.text, nil
	case "number":
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", tok.text)
		}
		return f, nil
	case "ident":
		switch tok.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		if name, ok := strings.CutPrefix(tok.text, "parameters."); ok {
			if strings.Contains(name, ".") {
				return nil, fmt.Errorf("nested parameter access %q not supported", tok.text)
			}
			v, present := p.params[name]
			if !present {
				return nil, fmt.Errorf("unknown parameter %q", name)
			}
			return normalizeValue(v), nil
		}
		return nil, fmt.Errorf("unknown identifier %q", tok.text)
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	}
}

// normalizeValue folds ints into float64 so literals compare cleanly.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func valuesEqual(a, b any) bool {
	return normalizeValue(a) == normalizeValue(b)
}
