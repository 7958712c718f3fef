package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnsquire/dapper/pkg/dbg/dbgtest"
	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

func newSettraceFixture() (*SettraceBackend, *dbgtest.FakeTracer, *stubSink) {
	tracer := &dbgtest.FakeTracer{}
	backend := NewSettraceBackend(tracer, nil)
	sink := &stubSink{}
	return backend, tracer, sink
}

// TestSettraceLifecycle tests install/shutdown of the trace hook
func TestSettraceLifecycle(t *testing.T) {
	backend, tracer, sink := newSettraceFixture()

	assert.False(t, backend.SupportsReadWatch())
	assert.Equal(t, "settrace", backend.Name())

	require.NoError(t, backend.Install(sink))
	assert.True(t, tracer.Installed())

	require.NoError(t, backend.Install(sink), "idempotent while installed")

	backend.Shutdown()
	assert.False(t, tracer.Installed())
	backend.Shutdown()

	require.NoError(t, backend.Install(sink))
	assert.True(t, tracer.Installed())
}

// TestSettraceLineFiltering tests the per-mode line event filter
func TestSettraceLineFiltering(t *testing.T) {
	backend, tracer, sink := newSettraceFixture()
	require.NoError(t, backend.Install(sink))

	code := &dbgtest.FakeCode{File: "/app/prog.star", FuncName: "main"}
	otherCode := &dbgtest.FakeCode{File: "/app/other.star", FuncName: "helper"}
	backend.UpdateBreakpoints("/app/prog.star", map[int]bool{5: true})

	fireLine := func(c *dbgtest.FakeCode, line int) {
		tracer.Fire(runtime.TraceEvent{Kind: runtime.TraceLine, Frame: dbgtest.NewFrame(c, line, nil)})
	}

	// CONTINUE: only breakpoint lines reach the sink.
	fireLine(code, 3)
	fireLine(code, 5)
	fireLine(otherCode, 5)
	assert.Equal(t, 1, sink.lineCount())

	// STEP_IN: every line reaches the sink.
	backend.SetStepping(StepModeIn)
	fireLine(otherCode, 7)
	assert.Equal(t, 2, sink.lineCount())

	// STEP_OVER: only the captured code unit (or breakpoint lines) fire.
	backend.CaptureStepContext(code)
	backend.SetStepping(StepModeOver)
	fireLine(otherCode, 8)
	assert.Equal(t, 2, sink.lineCount())
	fireLine(code, 6)
	assert.Equal(t, 3, sink.lineCount())
}

// TestSettraceReturnBoundary tests the step-over frame-exit transition
func TestSettraceReturnBoundary(t *testing.T) {
	backend, tracer, sink := newSettraceFixture()
	require.NoError(t, backend.Install(sink))

	code := &dbgtest.FakeCode{File: "/app/prog.star", FuncName: "helper"}
	backend.CaptureStepContext(code)
	backend.SetStepping(StepModeOver)

	tracer.Fire(runtime.TraceEvent{
		Kind:  runtime.TraceReturn,
		Frame: dbgtest.NewFrame(code, 9, nil),
	})

	assert.Equal(t, 1, sink.boundaries)

	// After the boundary the mode is step-in: any line fires.
	other := &dbgtest.FakeCode{File: "/app/other.star", FuncName: "main"}
	tracer.Fire(runtime.TraceEvent{Kind: runtime.TraceLine, Frame: dbgtest.NewFrame(other, 2, nil)})
	assert.Equal(t, 1, sink.lineCount())
}

// TestSettraceCallForwarding tests call forwarding
func TestSettraceCallForwarding(t *testing.T) {
	backend, tracer, sink := newSettraceFixture()
	require.NoError(t, backend.Install(sink))

	code := &dbgtest.FakeCode{File: "/app/prog.star", FuncName: "run"}

	// Calls only reach the sink while function breakpoints exist.
	tracer.Fire(runtime.TraceEvent{Kind: runtime.TraceCall, Frame: dbgtest.NewFrame(code, 1, nil)})
	assert.Empty(t, sink.calls)

	backend.UpdateFunctionBreakpoints(map[string]bool{"run": true})
	tracer.Fire(runtime.TraceEvent{Kind: runtime.TraceCall, Frame: dbgtest.NewFrame(code, 1, nil)})
	assert.Equal(t, []string{"run"}, sink.calls)
}

// TestSettraceOpcodeToggle tests opcode event toggling via read watch sync
func TestSettraceOpcodeToggle(t *testing.T) {
	backend, tracer, sink := newSettraceFixture()
	require.NoError(t, backend.Install(sink))
	assert.False(t, tracer.OpcodesEnabled())

	sink.mu.Lock()
	sink.readWatchNames = []string{"x"}
	sink.mu.Unlock()
	backend.SyncReadWatchpoints()
	assert.True(t, tracer.OpcodesEnabled())

	backend.EnableOpcodeEvents(false)
	assert.False(t, tracer.OpcodesEnabled())
}
