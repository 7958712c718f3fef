package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnsquire/dapper/pkg/dbg/dbgtest"
	"github.com/jnsquire/dapper/pkg/dbg/eval"
)

func newTestResolver() *Resolver {
	return NewResolver(eval.NewEvaluator(), nil)
}

// TestEvaluateHitCondition tests the hit-count predicate grammar
func TestEvaluateHitCondition(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		hitCount int
		expected bool
	}{
		{name: "modulo match", expr: "%3", hitCount: 3, expected: true},
		{name: "modulo match multiple", expr: "%3", hitCount: 6, expected: true},
		{name: "modulo miss", expr: "%3", hitCount: 4, expected: false},
		{name: "modulo with space", expr: "% 2", hitCount: 4, expected: true},
		{name: "modulo zero never matches", expr: "%0", hitCount: 5, expected: false},
		{name: "equals match", expr: "==5", hitCount: 5, expected: true},
		{name: "equals miss", expr: "==5", hitCount: 4, expected: false},
		{name: "ge match", expr: ">=3", hitCount: 3, expected: true},
		{name: "ge above", expr: ">=3", hitCount: 10, expected: true},
		{name: "ge miss", expr: ">=3", hitCount: 2, expected: false},
		{name: "plain number match", expr: "4", hitCount: 4, expected: true},
		{name: "plain number miss", expr: "4", hitCount: 5, expected: false},
		{name: "garbage fails open", expr: "every 3rd", hitCount: 1, expected: true},
		{name: "unsupported operator fails open", expr: "<=2", hitCount: 9, expected: true},
		{name: "empty fails open", expr: "", hitCount: 1, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EvaluateHitCondition(tt.expr, tt.hitCount))
		})
	}
}

// TestResolveNoMeta tests that a nil meta resolves to stop
func TestResolveNoMeta(t *testing.T) {
	r := newTestResolver()
	result := r.Resolve(nil, nil, ResolveOptions{})
	assert.Equal(t, ActionStop, result.Action)
	assert.True(t, result.ShouldStop())
}

// TestResolveHitCounter tests hit counting before predicate evaluation
func TestResolveHitCounter(t *testing.T) {
	r := newTestResolver()
	meta := &BreakpointMeta{HitCondition: "%2"}

	// Hit 1: predicate not met; hit 2: met.
	result := r.Resolve(meta, nil, ResolveOptions{})
	assert.Equal(t, ActionContinue, result.Action)
	assert.Equal(t, 1, meta.HitCount)

	result = r.Resolve(meta, nil, ResolveOptions{})
	assert.Equal(t, ActionStop, result.Action)
	assert.Equal(t, 2, meta.HitCount)
}

// TestResolveCondition checks that a false condition keeps counting hits
// but never stops.
func TestResolveCondition(t *testing.T) {
	r := newTestResolver()
	code := &dbgtest.FakeCode{File: "/app/prog.star", FuncName: "main"}
	meta := &BreakpointMeta{Condition: "i >= 3"}

	stops := 0
	for i := 0; i < 5; i++ {
		frame := dbgtest.NewFrame(code, 2, map[string]any{"i": i, "x": i})
		if r.Resolve(meta, frame, ResolveOptions{}).ShouldStop() {
			stops++
		}
	}
	assert.Equal(t, 2, stops, "expected stops for i=3 and i=4 only")
	assert.Equal(t, 5, meta.HitCount, "hit counter increments on every hit")
}

// TestResolveConditionErrors tests that evaluation failures never stop
func TestResolveConditionErrors(t *testing.T) {
	r := newTestResolver()
	code := &dbgtest.FakeCode{File: "/app/prog.star", FuncName: "main"}
	frame := dbgtest.NewFrame(code, 2, map[string]any{})

	tests := []struct {
		name string
		meta *BreakpointMeta
	}{
		{name: "undefined name", meta: &BreakpointMeta{Condition: "undefined_var > 1"}},
		{name: "policy blocked", meta: &BreakpointMeta{Condition: "__class__"}},
		{name: "syntax error", meta: &BreakpointMeta{Condition: "1 +"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.Resolve(tt.meta, frame, ResolveOptions{})
			assert.Equal(t, ActionContinue, result.Action)
		})
	}

	// Absent frame with a condition set also continues.
	result := r.Resolve(&BreakpointMeta{Condition: "x > 1"}, nil, ResolveOptions{})
	assert.Equal(t, ActionContinue, result.Action)
}

// TestResolveLogpoint tests that logpoints emit output and never stop
func TestResolveLogpoint(t *testing.T) {
	r := newTestResolver()
	code := &dbgtest.FakeCode{File: "/app/prog.star", FuncName: "main"}
	meta := &BreakpointMeta{LogMessage: "i={i}"}

	var outputs []string
	emit := func(category, output string) {
		require.Equal(t, "console", category)
		outputs = append(outputs, output)
	}

	for i := 0; i < 3; i++ {
		frame := dbgtest.NewFrame(code, 2, map[string]any{"i": i})
		result := r.Resolve(meta, frame, ResolveOptions{EmitOutput: emit})
		assert.Equal(t, ActionContinue, result.Action, "logpoints never stop")
	}
	assert.Equal(t, []string{"i=0", "i=1", "i=2"}, outputs)
}

// TestResolveLogpointWithTrueCondition tests that a logpoint continues even
// when its condition passes
func TestResolveLogpointWithTrueCondition(t *testing.T) {
	r := newTestResolver()
	code := &dbgtest.FakeCode{File: "/app/prog.star", FuncName: "main"}
	frame := dbgtest.NewFrame(code, 2, map[string]any{"x": 9})

	meta := &BreakpointMeta{Condition: "x > 1", LogMessage: "x={x}"}
	result := r.Resolve(meta, frame, ResolveOptions{})
	assert.Equal(t, ActionContinue, result.Action)
	assert.Equal(t, "x=9", result.LogOutput)
}

// TestRenderLogMessage tests template rendering and brace escaping
func TestRenderLogMessage(t *testing.T) {
	r := newTestResolver()
	code := &dbgtest.FakeCode{File: "/app/prog.star", FuncName: "main"}
	frame := dbgtest.NewFrame(code, 2, map[string]any{"x": 7, "name": "bob"})

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{name: "plain text", template: "hello", expected: "hello"},
		{name: "single interpolation", template: "x={x}", expected: "x=7"},
		{name: "expression", template: "next={x + 1}", expected: "next=8"},
		{name: "multiple", template: "{name}: {x}", expected: "bob: 7"},
		{name: "escaped braces", template: "{{x}} is {x}", expected: "{x} is 7"},
		{name: "only escapes", template: "{{}}", expected: "{}"},
		{name: "errored placeholder", template: "v={missing}", expected: "v=<error>"},
		{name: "error keeps text", template: "a={missing}b", expected: "a=<error>b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.RenderLogMessage(tt.template, frame))
		})
	}

	// A nil frame returns the template untouched.
	assert.Equal(t, "x={x}", r.RenderLogMessage("x={x}", nil))
}

// TestMatchesAccessType tests the data breakpoint access type policy
func TestMatchesAccessType(t *testing.T) {
	tests := []struct {
		name       string
		metaAccess string
		access     string
		expected   bool
	}{
		{name: "write meta accepts write", metaAccess: "write", access: "write", expected: true},
		{name: "write meta ignores read", metaAccess: "write", access: "read", expected: false},
		{name: "read meta ignores write", metaAccess: "read", access: "write", expected: false},
		{name: "read meta accepts read", metaAccess: "read", access: "read", expected: true},
		{name: "readWrite accepts both", metaAccess: "readWrite", access: "read", expected: true},
		{name: "readWrite accepts write", metaAccess: "readWrite", access: "write", expected: true},
		{name: "empty defaults to write", metaAccess: "", access: "write", expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := &BreakpointMeta{AccessType: tt.metaAccess}
			assert.Equal(t, tt.expected, meta.MatchesAccessType(tt.access))
		})
	}
}
