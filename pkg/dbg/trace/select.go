package trace

import (
	"log/slog"

	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// InstallPreferred installs the best available backend for the host runtime:
// the monitoring backend when a tool-slot monitor is exposed, falling back to
// the legacy trace hook when the monitor is absent or its install fails
// (e.g. the debugger tool slot is already held).
func InstallPreferred(
	monitor runtime.Monitor,
	tracer runtime.Tracer,
	evaluator runtime.Evaluator,
	sink Sink,
	logger *slog.Logger,
) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if monitor != nil {
		backend := NewMonitoringBackend(monitor, evaluator, logger)
		if err := backend.Install(sink); err == nil {
			return backend, nil
		} else if tracer == nil {
			return nil, err
		} else {
			logger.Warn("monitoring backend install failed; falling back to trace hook", "error", err)
		}
	}

	backend := NewSettraceBackend(tracer, logger)
	if err := backend.Install(sink); err != nil {
		return nil, err
	}
	return backend, nil
}
