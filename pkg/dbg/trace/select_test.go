package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnsquire/dapper/pkg/dbg/dbgtest"
	"github.com/jnsquire/dapper/pkg/dbg/eval"
	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// TestInstallPreferredMonitoring tests that the monitoring backend wins when
// the monitor is available
func TestInstallPreferredMonitoring(t *testing.T) {
	monitor := dbgtest.NewFakeMonitor()
	tracer := &dbgtest.FakeTracer{}
	sink := &stubSink{}

	backend, err := InstallPreferred(monitor, tracer, eval.NewEvaluator(), sink, nil)
	require.NoError(t, err)
	assert.Equal(t, "monitoring", backend.Name())
	assert.False(t, tracer.Installed())
}

// TestInstallPreferredFallback tests the fall back to the trace hook when
// the tool slot is held
func TestInstallPreferredFallback(t *testing.T) {
	monitor := dbgtest.NewFakeMonitor()
	require.NoError(t, monitor.UseToolID(runtime.DebuggerToolID, "profiler"))
	tracer := &dbgtest.FakeTracer{}
	sink := &stubSink{}

	backend, err := InstallPreferred(monitor, tracer, eval.NewEvaluator(), sink, nil)
	require.NoError(t, err)
	assert.Equal(t, "settrace", backend.Name())
	assert.True(t, tracer.Installed())
}

// TestInstallPreferredNoMonitor tests the trace hook when no monitor exists
func TestInstallPreferredNoMonitor(t *testing.T) {
	tracer := &dbgtest.FakeTracer{}
	sink := &stubSink{}

	backend, err := InstallPreferred(nil, tracer, eval.NewEvaluator(), sink, nil)
	require.NoError(t, err)
	assert.Equal(t, "settrace", backend.Name())
}

// TestInstallPreferredSlotHeldNoFallback tests the fatal error when only a
// held monitor is available
func TestInstallPreferredSlotHeldNoFallback(t *testing.T) {
	monitor := dbgtest.NewFakeMonitor()
	require.NoError(t, monitor.UseToolID(runtime.DebuggerToolID, "profiler"))

	_, err := InstallPreferred(monitor, nil, eval.NewEvaluator(), &stubSink{}, nil)
	assert.ErrorIs(t, err, ErrSlotHeld)
}
