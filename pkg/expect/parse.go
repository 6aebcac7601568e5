package expect

import (
	"fmt"
	"strings"
	"unicode"
)

// Expression is a parsed expectation such as "no_nulls(col=x)".
type Expression struct {
	Kind   string
	Params map[string]string
}

// Parse parses an expectation expression.
//
// The grammar is kind or kind(arg, ...), where each arg is key=value or a
// bare value. A bare first argument is taken as the column. Values may be
// quoted with single or double quotes to include commas or spaces.
func Parse(expr string) (*Expression, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	open := strings.IndexByte(expr, '(')
	if open < 0 {
		if !isIdent(expr) {
			return nil, fmt.Errorf("invalid expectation kind %q", expr)
		}
		return &Expression{Kind: expr, Params: map[string]string{}}, nil
	}
	if !strings.HasSuffix(expr, ")") {
		return nil, fmt.Errorf("expression %q: missing closing parenthesis", expr)
	}

	kind := strings.TrimSpace(expr[:open])
	if !isIdent(kind) {
		return nil, fmt.Errorf("invalid expectation kind %q", kind)
	}

	args, err := splitArgs(expr[open+1 : len(expr)-1])
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expr, err)
	}

	params := make(map[string]string, len(args))
	for i, arg := range args {
		key, value, hasKey := cutUnquoted(arg, '=')
		if !hasKey {
			if i != 0 {
				return nil, fmt.Errorf("expression %q: positional argument %q must come first", expr, arg)
			}
			params["col"] = unquote(strings.TrimSpace(arg))
			continue
		}
		key = strings.TrimSpace(key)
		if !isIdent(key) {
			return nil, fmt.Errorf("expression %q: invalid parameter name %q", expr, key)
		}
		if _, dup := params[key]; dup {
			return nil, fmt.Errorf("expression %q: duplicate parameter %q", expr, key)
		}
		params[key] = unquote(strings.TrimSpace(value))
	}

	return &Expression{Kind: kind, Params: params}, nil
}

// String formats the expression in canonical form with sorted keys.
func (e *Expression) String() string {
	if len(e.Params) == 0 {
		return e.Kind
	}
	keys := sortedKeys(e.Params)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := e.Params[k]
		if strings.ContainsAny(v, ", ()='\"") {
			v = "'" + strings.ReplaceAll(v, "'", "\\'") + "'"
		}
		parts = append(parts, k+"="+v)
	}
	return e.Kind + "(" + strings.Join(parts, ", ") + ")"
}

// splitArgs splits on commas outside quotes.
func splitArgs(s string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != 0:
			current.WriteRune(r)
			escaped = true
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			current.WriteRune(r)
			quote = r
		case r == ',':
			args = append(args, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if tail := current.String(); strings.TrimSpace(tail) != "" || len(args) > 0 {
		args = append(args, tail)
	}
	for _, a := range args {
		if strings.TrimSpace(a) == "" {
			return nil, fmt.Errorf("empty argument")
		}
	}
	return args, nil
}

// cutUnquoted cuts s around the first sep outside quotes.
func cutUnquoted(s string, sep rune) (string, string, bool) {
	var quote rune
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == sep:
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		inner := s[1 : len(s)-1]
		return strings.ReplaceAll(inner, "\\"+string(s[0]), string(s[0]))
	}
	return s
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}
