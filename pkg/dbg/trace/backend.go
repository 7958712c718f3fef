// Package trace implements the pluggable tracing backends that feed
// execution events to the debugger core. Two variants exist: a legacy
// per-instruction trace hook (SettraceBackend) and the runtime's tool-slot
// event-registration API (MonitoringBackend). The monitoring variant is the
// performance path: it enables events selectively per code unit and uses the
// per-offset disable sentinel so non-breakpoint lines incur at most a
// one-time cost.
package trace

import (
	"errors"

	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// StepMode is the backend-facing stepping mode.
type StepMode int

const (
	// StepModeContinue disables global line events; per-file line events
	// remain only where breakpoints exist
	StepModeContinue StepMode = iota
	// StepModeIn makes every frame emit line events
	StepModeIn
	// StepModeOver emits line events only on the captured code unit and
	// watches for its return
	StepModeOver
	// StepModeOut suppresses line events on the captured code unit and
	// watches for its return
	StepModeOut
)

// String returns the string representation of a StepMode
func (m StepMode) String() string {
	switch m {
	case StepModeContinue:
		return "CONTINUE"
	case StepModeIn:
		return "STEP_IN"
	case StepModeOver:
		return "STEP_OVER"
	case StepModeOut:
		return "STEP_OUT"
	default:
		return "unknown"
	}
}

// ErrSlotHeld is returned by Install when the runtime's debugger tool slot
// is already claimed by another tool.
var ErrSlotHeld = errors.New("debugger tool slot is already held")

// Sink receives execution events from a backend on the debuggee thread.
// The core Debugger implements this interface. Sink methods may block the
// calling thread (that is how a stopped debuggee waits for resume); they must
// not reenter the backend's Install or Shutdown.
type Sink interface {
	// UserLine handles a qualifying line event
	UserLine(frame runtime.FrameLike)
	// UserCall handles a function-breakpoint call event
	UserCall(frame runtime.FrameLike, arg0 any)
	// UserReturn handles a frame return event
	UserReturn(frame runtime.FrameLike, retval any)
	// UserException handles a raised exception event
	UserException(frame runtime.FrameLike, exc *runtime.ExcInfo)
	// UserOpcode handles a per-instruction event during instruction stepping
	UserOpcode(frame runtime.FrameLike)
	// HandleReadWatchAccess handles a read-access watchpoint hit
	HandleReadWatchAccess(name string, frame runtime.FrameLike) bool
	// ReadWatchNames returns the current read-watched variable names
	ReadWatchNames() []string
	// StepBoundaryReturn is invoked when the stepped-over or stepped-out
	// frame exits so the sink can realign its stepping state
	StepBoundaryReturn()
}

// Backend is the contract the core calls on a tracing backend.
type Backend interface {
	// Install claims the runtime's event source and registers callbacks.
	// Idempotent on a fresh instance; fails when the source is unavailable
	// or already claimed.
	Install(sink Sink) error
	// Shutdown releases the event source and clears internal caches.
	// Idempotent and safe to call before Install.
	Shutdown()
	// UpdateBreakpoints sets the active breakpoint line set for a file.
	// A non-empty set enables per-code-unit line events for every known
	// code unit of the file; an empty set disables them. Previously
	// disabled offsets are re-offered.
	UpdateBreakpoints(path string, lines map[int]bool)
	// SetConditions associates a condition expression with a line so the
	// backend can short-circuit condition misses on the hot path. An empty
	// expression clears the association.
	SetConditions(path string, line int, expr string)
	// SetStepping configures the event mask for the given stepping mode
	SetStepping(mode StepMode)
	// CaptureStepContext records the code unit for the next step-over or
	// step-out; call immediately after SetStepping
	CaptureStepContext(code runtime.CodeLike)
	// UpdateFunctionBreakpoints sets the qualified-name set and toggles
	// call events accordingly
	UpdateFunctionBreakpoints(names map[string]bool)
	// SyncReadWatchpoints re-reads the sink's read-watch names and toggles
	// instruction events accordingly
	SyncReadWatchpoints()
	// SupportsReadWatch reports whether read-access watchpoints work on
	// this backend
	SupportsReadWatch() bool
	// Name identifies the backend variant
	Name() string
}
