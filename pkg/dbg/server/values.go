package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jnsquire/dapper/pkg/dbg/core"
	"github.com/jnsquire/dapper/pkg/dbg/eval"
	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// scopeBindings resolves a frame scope to its live bindings map.
func scopeBindings(frame runtime.FrameLike, scope core.ScopeKind) (map[string]any, error) {
	switch scope {
	case core.ScopeLocals:
		bindings, err := frame.Locals()
		if err != nil {
			return nil, fmt.Errorf("frame locals unavailable: %w", err)
		}
		return bindings, nil
	case core.ScopeGlobals:
		bindings, err := frame.Globals()
		if err != nil {
			return nil, fmt.Errorf("frame globals unavailable: %w", err)
		}
		return bindings, nil
	default:
		return nil, fmt.Errorf("unknown scope: %s", scope)
	}
}

// convertValue converts a setVariable value string: literal parsing first,
// then policy-gated evaluation in the frame context (without builtins).
func convertValue(s *Session, valueStr string, frame runtime.FrameLike) (any, error) {
	trimmed := strings.TrimSpace(valueStr)

	switch strings.ToLower(trimmed) {
	case "none", "null", "nil":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	if n, err := strconv.Atoi(trimmed); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f, nil
	}
	if len(trimmed) >= 2 {
		if (trimmed[0] == '\'' && trimmed[len(trimmed)-1] == '\'') ||
			(trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"') {
			return trimmed[1 : len(trimmed)-1], nil
		}
	}

	value, err := s.debugger.EvaluateInFrame(trimmed, frameIDOf(s, frame), false)
	if err == nil {
		return value, nil
	}
	if isPolicyError(err) {
		return nil, err
	}

	// Fall back to the raw string when nothing else applies.
	return valueStr, nil
}

func isPolicyError(err error) bool {
	return errors.Is(err, eval.ErrPolicy)
}

// frameIDOf finds the allocated frame id for a live frame, or 0.
func frameIDOf(s *Session, frame runtime.FrameLike) int {
	tracker := s.debugger.Threads()
	for _, th := range tracker.Threads() {
		for _, sf := range tracker.StackFrames(th.Id) {
			if f := tracker.Frame(sf.Id); f != nil && f.ID() == frame.ID() {
				return sf.Id
			}
		}
	}
	return 0
}

// containerElement reads a named element out of a referenced container.
func containerElement(container any, name string) (any, bool) {
	switch c := container.(type) {
	case map[string]any:
		v, ok := c[name]
		return v, ok
	case []any:
		idx, err := parseIndexName(name)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	}
	return nil, false
}

// setContainerElement writes a named element of a referenced container.
// Element values are coerced to the type of one sample element (the first
// list element, or an arbitrary map value); the container is not checked for
// homogeneity.
func setContainerElement(container any, name, valueStr string) error {
	switch c := container.(type) {
	case map[string]any:
		c[name] = coerceLike(valueStr, sampleValue(c))
		return nil
	case []any:
		idx, err := parseIndexName(name)
		if err != nil {
			return fmt.Errorf("invalid element name %q: %w", name, err)
		}
		if idx < 0 || idx >= len(c) {
			return fmt.Errorf("index out of range: %d", idx)
		}
		var sample any
		if len(c) > 0 {
			sample = c[0]
		}
		c[idx] = coerceLike(valueStr, sample)
		return nil
	}
	return fmt.Errorf("cannot set elements of %T", container)
}

// parseIndexName accepts "[3]" and "3" element names.
func parseIndexName(name string) (int, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "["), "]")
	return strconv.Atoi(trimmed)
}

// sampleValue returns an arbitrary value of a map for type coercion.
func sampleValue(m map[string]any) any {
	for _, v := range m {
		return v
	}
	return nil
}

// coerceLike converts a string to the sample's type when the sample is a
// primitive; otherwise literal parsing applies.
func coerceLike(valueStr string, sample any) any {
	trimmed := strings.TrimSpace(valueStr)

	switch sample.(type) {
	case int:
		if n, err := strconv.Atoi(trimmed); err == nil {
			return n
		}
	case float64:
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return f
		}
	case bool:
		if b, err := strconv.ParseBool(strings.ToLower(trimmed)); err == nil {
			return b
		}
	case string:
		return strings.Trim(trimmed, `"'`)
	}

	switch strings.ToLower(trimmed) {
	case "none", "null", "nil":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return strings.Trim(trimmed, `"'`)
}
