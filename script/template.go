package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\${([^}]+)}`)

// Template is a string with embedded ${...} script expressions.
type Template struct {
	raw   string
	parts []string
	codes []Script
	slots []int
}

// NewTemplate compiles every ${...} expression in raw using the given
// compiler.
func NewTemplate(engine Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	matches := templateExpr.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return &Template{raw: raw}, nil
	}

	var lastEnd int
	var parts []string
	var codes []Script
	var slots []int
	for _, match := range matches {
		if match[0] > lastEnd {
			parts = append(parts, raw[lastEnd:match[0]])
		}
		expr := raw[match[2]:match[3]]
		compiled, err := engine.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		codes = append(codes, compiled)
		slots = append(slots, len(parts))
		parts = append(parts, "")
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		parts = append(parts, raw[lastEnd:])
	}
	return &Template{raw: raw, parts: parts, codes: codes, slots: slots}, nil
}

// Eval evaluates the template expressions against the given globals and
// returns the rendered string.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.codes) == 0 {
		return t.raw, nil
	}
	parts := make([]string, len(t.parts))
	copy(parts, t.parts)

	for i, code := range t.codes {
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		parts[t.slots[i]] = result.String()
	}
	return strings.Join(parts, ""), nil
}

// Render is a convenience that compiles and evaluates raw in one call.
func Render(ctx context.Context, engine Compiler, raw string, globals map[string]any) (string, error) {
	tmpl, err := NewTemplate(engine, raw)
	if err != nil {
		return "", err
	}
	return tmpl.Eval(ctx, globals)
}
