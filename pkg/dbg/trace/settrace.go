package trace

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// SettraceBackend drives the legacy per-instruction trace hook. The runtime
// invokes a single callback for every frame event until the hook is cleared,
// so per-event cost is uniform and there is no selective enablement: the
// backend filters events itself before handing them to the sink.
//
// Read watchpoints are not supported on this backend; read and readWrite
// data breakpoints downgrade to write when it is active.
type SettraceBackend struct {
	tracer runtime.Tracer
	logger *slog.Logger

	mu        sync.Mutex
	installed bool
	sink      Sink

	// breakpoints is the atomically swapped per-file line-set map
	breakpoints atomic.Value

	// functionBreakpoints is the atomically swapped qualified-name set
	functionBreakpoints atomic.Value

	stepMode atomic.Int32
	stepCode runtime.CodeLike

	// opcodeEvents tracks whether per-instruction events are enabled
	opcodeEvents bool
}

// NewSettraceBackend creates a backend over the given trace hook surface.
func NewSettraceBackend(tracer runtime.Tracer, logger *slog.Logger) *SettraceBackend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &SettraceBackend{tracer: tracer, logger: logger}
	b.breakpoints.Store(map[string]map[int]bool{})
	b.functionBreakpoints.Store(map[string]bool{})
	return b
}

// Name identifies the backend variant.
func (b *SettraceBackend) Name() string { return "settrace" }

// SupportsReadWatch reports read-watch support; the trace hook cannot observe
// individual variable loads.
func (b *SettraceBackend) SupportsReadWatch() bool { return false }

// Install registers the trace hook. Idempotent on a fresh instance.
func (b *SettraceBackend) Install(sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.installed {
		return nil
	}
	b.sink = sink
	b.installed = true
	b.tracer.SetTrace(b.onTraceEvent)
	b.logger.Debug("settrace backend installed")
	return nil
}

// Shutdown clears the trace hook and internal state.
func (b *SettraceBackend) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.installed {
		return
	}
	b.tracer.ClearTrace()
	b.tracer.SetTraceOpcodes(false)
	b.installed = false
	b.sink = nil
	b.breakpoints.Store(map[string]map[int]bool{})
	b.functionBreakpoints.Store(map[string]bool{})
	b.stepMode.Store(int32(StepModeContinue))
	b.stepCode = nil
	b.opcodeEvents = false
	b.logger.Debug("settrace backend shut down")
}

// UpdateBreakpoints replaces the line set for a file.
func (b *SettraceBackend) UpdateBreakpoints(path string, lines map[int]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.breakpoints.Load().(map[string]map[int]bool)
	next := make(map[string]map[int]bool, len(old)+1)
	for p, ls := range old {
		next[p] = ls
	}
	if len(lines) > 0 {
		copied := make(map[int]bool, len(lines))
		for line := range lines {
			copied[line] = true
		}
		next[path] = copied
	} else {
		delete(next, path)
	}
	b.breakpoints.Store(next)
}

// SetConditions is a no-op: the trace hook has no per-line fast path, so
// conditions are evaluated by the resolver only.
func (b *SettraceBackend) SetConditions(string, int, string) {}

// SetStepping records the stepping mode; event filtering happens in the hook.
func (b *SettraceBackend) SetStepping(mode StepMode) {
	b.stepMode.Store(int32(mode))
}

// CaptureStepContext records the code unit for step-over and step-out.
func (b *SettraceBackend) CaptureStepContext(code runtime.CodeLike) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepCode = code
}

// UpdateFunctionBreakpoints replaces the qualified-name set.
func (b *SettraceBackend) UpdateFunctionBreakpoints(names map[string]bool) {
	copied := make(map[string]bool, len(names))
	for name := range names {
		copied[name] = true
	}
	b.functionBreakpoints.Store(copied)
}

// SyncReadWatchpoints enables opcode events while the sink has read-watch
// names and disables them otherwise. Opcode events reach the sink only as
// UserOpcode calls; read watchpoints themselves stay unsupported here.
func (b *SettraceBackend) SyncReadWatchpoints() {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := false
	if b.sink != nil {
		want = len(b.sink.ReadWatchNames()) > 0
	}
	if want != b.opcodeEvents {
		b.opcodeEvents = want
		b.tracer.SetTraceOpcodes(want)
	}
}

// EnableOpcodeEvents toggles per-instruction trace events, used for
// instruction-granularity stepping.
func (b *SettraceBackend) EnableOpcodeEvents(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opcodeEvents != enabled {
		b.opcodeEvents = enabled
		b.tracer.SetTraceOpcodes(enabled)
	}
}

// onTraceEvent is the single hook invoked by the runtime for every frame
// event. It filters by stepping mode and breakpoint tables before involving
// the sink; errors never propagate back into the runtime.
func (b *SettraceBackend) onTraceEvent(ev runtime.TraceEvent) {
	sink := b.currentSink()
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("trace hook panic recovered", "kind", ev.Kind.String(), "panic", r)
		}
	}()

	switch ev.Kind {
	case runtime.TraceLine:
		if b.shouldDeliverLine(ev.Frame) {
			sink.UserLine(ev.Frame)
		}

	case runtime.TraceCall:
		names := b.functionBreakpoints.Load().(map[string]bool)
		if len(names) > 0 {
			sink.UserCall(ev.Frame, ev.Arg)
		}

	case runtime.TraceReturn:
		mode := StepMode(b.stepMode.Load())
		if mode == StepModeOver || mode == StepModeOut {
			if b.isStepBoundary(ev.Frame) {
				b.stepMode.Store(int32(StepModeIn))
				b.mu.Lock()
				b.stepCode = nil
				b.mu.Unlock()
				sink.StepBoundaryReturn()
			}
		}
		sink.UserReturn(ev.Frame, ev.Arg)

	case runtime.TraceException:
		exc, _ := ev.Arg.(*runtime.ExcInfo)
		sink.UserException(ev.Frame, exc)

	case runtime.TraceOpcode:
		sink.UserOpcode(ev.Frame)
	}
}

// shouldDeliverLine applies the per-mode line filter: during step-in every
// line fires; during step-over the captured code unit and breakpoint lines
// fire; during step-out and continue only breakpoint lines fire.
func (b *SettraceBackend) shouldDeliverLine(frame runtime.FrameLike) bool {
	mode := StepMode(b.stepMode.Load())

	switch mode {
	case StepModeIn:
		return true

	case StepModeOver:
		code, err := frame.Code()
		if err != nil {
			return false
		}
		b.mu.Lock()
		stepCode := b.stepCode
		b.mu.Unlock()
		if stepCode == nil || code == stepCode {
			return true
		}
		return b.isBreakpointLine(frame)

	case StepModeOut:
		return b.isBreakpointLine(frame)

	default: // CONTINUE
		return b.isBreakpointLine(frame)
	}
}

func (b *SettraceBackend) isBreakpointLine(frame runtime.FrameLike) bool {
	code, err := frame.Code()
	if err != nil {
		return false
	}
	line, err := frame.Line()
	if err != nil {
		return false
	}
	lines := b.breakpoints.Load().(map[string]map[int]bool)[code.Filename()]
	return lines != nil && lines[line]
}

// isStepBoundary reports whether the returning frame is the captured step
// context.
func (b *SettraceBackend) isStepBoundary(frame runtime.FrameLike) bool {
	b.mu.Lock()
	stepCode := b.stepCode
	b.mu.Unlock()

	if stepCode == nil {
		return true
	}
	code, err := frame.Code()
	if err != nil {
		return false
	}
	return code == stepCode
}

func (b *SettraceBackend) currentSink() Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink
}
