package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnsquire/dapper/pkg/dbg/dbgtest"
	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// TestConfigFromFilters tests DAP filter id parsing
func TestConfigFromFilters(t *testing.T) {
	tests := []struct {
		name     string
		filters  []string
		raised   bool
		uncaught bool
	}{
		{name: "none", filters: nil},
		{name: "raised", filters: []string{"raised"}, raised: true},
		{name: "uncaught", filters: []string{"uncaught"}, uncaught: true},
		{name: "both", filters: []string{"raised", "uncaught"}, raised: true, uncaught: true},
		{name: "unknown ignored", filters: []string{"userUnhandled"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ConfigFromFilters(tt.filters)
			assert.Equal(t, tt.raised, cfg.BreakOnRaised)
			assert.Equal(t, tt.uncaught, cfg.BreakOnUncaught)
			assert.Equal(t, tt.raised || tt.uncaught, cfg.Enabled())
		})
	}
}

// TestShouldBreak tests the break decision across filter configurations
func TestShouldBreak(t *testing.T) {
	handledCode := &dbgtest.FakeCode{
		File:         "/app/prog.star",
		FuncName:     "main",
		Regions:      []runtime.TryRegion{{StartLine: 5, EndLine: 9}},
		RegionsKnown: true,
	}
	unhandledCode := &dbgtest.FakeCode{
		File:         "/app/prog.star",
		FuncName:     "main",
		RegionsKnown: true,
	}
	unknownCode := &dbgtest.FakeCode{
		File:     "/app/prog.star",
		FuncName: "main",
	}

	tests := []struct {
		name     string
		filters  []string
		code     *dbgtest.FakeCode
		line     int
		expected bool
	}{
		{name: "disabled never breaks", filters: nil, code: unhandledCode, line: 3, expected: false},
		{name: "raised always breaks", filters: []string{"raised"}, code: handledCode, line: 7, expected: true},
		{name: "uncaught skips handled line", filters: []string{"uncaught"}, code: handledCode, line: 7, expected: false},
		{name: "uncaught breaks outside handlers", filters: []string{"uncaught"}, code: handledCode, line: 20, expected: true},
		{name: "uncaught breaks with no handlers", filters: []string{"uncaught"}, code: unhandledCode, line: 3, expected: true},
		{name: "indeterminable defaults to handled", filters: []string{"uncaught"}, code: unknownCode, line: 3, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewExceptionHandler()
			h.Configure(ConfigFromFilters(tt.filters))
			frame := dbgtest.NewFrame(tt.code, tt.line, nil)
			assert.Equal(t, tt.expected, h.ShouldBreak(frame))
		})
	}
}

// TestBuildExceptionInfo tests the exception info record shape
func TestBuildExceptionInfo(t *testing.T) {
	h := NewExceptionHandler()
	h.Configure(ExceptionBreakpointConfig{BreakOnUncaught: true})

	code := &dbgtest.FakeCode{File: "/app/prog.star", FuncName: "main"}
	frame := dbgtest.NewFrame(code, 3, nil)
	exc := &runtime.ExcInfo{
		TypeName:     "ValueError",
		FullTypeName: "builtins.ValueError",
		Message:      "b",
		StackTrace:   []string{"frame main at /app/prog.star:3"},
	}

	info := h.BuildExceptionInfo(exc, frame)
	assert.Equal(t, "ValueError", info.ExceptionID)
	assert.Equal(t, "b", info.Description)
	assert.Equal(t, "unhandled", info.BreakMode)
	assert.Equal(t, "builtins.ValueError", info.Details.FullTypeName)
	assert.Equal(t, "/app/prog.star", info.Details.Source)
	assert.Equal(t, "ValueError: b", ExceptionText(exc))

	h.Configure(ExceptionBreakpointConfig{BreakOnRaised: true})
	assert.Equal(t, "always", h.BreakMode())
}

// TestExceptionInfoStorage tests per-thread storage lifecycle
func TestExceptionInfoStorage(t *testing.T) {
	h := NewExceptionHandler()
	info := &ExceptionInfo{ExceptionID: "KeyError"}

	h.StoreExceptionInfo(5, info)
	require.NotNil(t, h.ExceptionInfoForThread(5))
	assert.Nil(t, h.ExceptionInfoForThread(6))

	h.ClearExceptionInfo(5)
	assert.Nil(t, h.ExceptionInfoForThread(5))

	h.StoreExceptionInfo(5, info)
	h.StoreExceptionInfo(6, info)
	h.ClearAll()
	assert.Nil(t, h.ExceptionInfoForThread(5))
	assert.Nil(t, h.ExceptionInfoForThread(6))
}
