package core

import (
	"sync"

	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// StopReason is the DAP reason attached to a stopped event.
type StopReason string

const (
	StopReasonBreakpoint         StopReason = "breakpoint"
	StopReasonStep               StopReason = "step"
	StopReasonEntry              StopReason = "entry"
	StopReasonException          StopReason = "exception"
	StopReasonPause              StopReason = "pause"
	StopReasonDataBreakpoint     StopReason = "data breakpoint"
	StopReasonFunctionBreakpoint StopReason = "function breakpoint"
	StopReasonGoto               StopReason = "goto"
)

// StepGranularity is the DAP stepGranularity for next/stepIn/stepOut.
type StepGranularity string

const (
	// GranularityLine stops at the next source line
	GranularityLine StepGranularity = "line"
	// GranularityStatement stops at the next logical statement; without a
	// sub-line statement boundary in the runtime this behaves like line
	// stepping for next/stepOut and like stepIn for stepIn
	GranularityStatement StepGranularity = "statement"
	// GranularityInstruction stops at every bytecode instruction
	GranularityInstruction StepGranularity = "instruction"
)

// ParseGranularity converts a raw DAP granularity string; unknown values
// fall back to line.
func ParseGranularity(s string) StepGranularity {
	switch StepGranularity(s) {
	case GranularityStatement:
		return GranularityStatement
	case GranularityInstruction:
		return GranularityInstruction
	default:
		return GranularityLine
	}
}

// SteppingController tracks stepping mode, the current frame, the requested
// granularity, and the async-step-over flag.
type SteppingController struct {
	mu sync.Mutex

	// stepping is true while a step operation is in progress
	stepping bool
	// stopOnEntry requests a stop at program entry
	stopOnEntry bool
	// currentFrame is the frame the debuggee is stopped at
	currentFrame runtime.FrameLike
	// asyncStepOver silently continues through event-loop internal frames
	// until user code is reached; set when next/stepIn is requested while
	// stopped inside a coroutine frame
	asyncStepOver bool
	// granularity is the client-requested granularity for the current step
	granularity StepGranularity
}

// NewSteppingController creates a controller in the continue state.
func NewSteppingController() *SteppingController {
	return &SteppingController{granularity: GranularityLine}
}

// IsStepping reports whether a step is in progress.
func (c *SteppingController) IsStepping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepping
}

// SetStepping sets the stepping flag.
func (c *SteppingController) SetStepping(value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepping = value
}

// StopOnEntry reports whether a stop at entry is pending.
func (c *SteppingController) StopOnEntry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopOnEntry
}

// SetStopOnEntry sets the stop-at-entry flag.
func (c *SteppingController) SetStopOnEntry(value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopOnEntry = value
}

// CurrentFrame returns the frame the debuggee is stopped at, if any.
func (c *SteppingController) CurrentFrame() runtime.FrameLike {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentFrame
}

// SetCurrentFrame records the stopped frame.
func (c *SteppingController) SetCurrentFrame(frame runtime.FrameLike) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentFrame = frame
}

// AsyncStepOver reports whether event-loop frames are being skipped.
func (c *SteppingController) AsyncStepOver() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asyncStepOver
}

// SetAsyncStepOver toggles event-loop frame skipping.
func (c *SteppingController) SetAsyncStepOver(value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asyncStepOver = value
}

// Granularity returns the requested step granularity.
func (c *SteppingController) Granularity() StepGranularity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.granularity
}

// SetGranularity records the requested step granularity.
func (c *SteppingController) SetGranularity(g StepGranularity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granularity = g
}

// StopReasonForState returns the stop reason implied by the current state
// without consuming it: entry wins over step, step over breakpoint.
func (c *SteppingController) StopReasonForState() StopReason {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopOnEntry {
		return StopReasonEntry
	}
	if c.stepping {
		return StopReasonStep
	}
	return StopReasonBreakpoint
}

// ConsumeStopState returns the stop reason and clears the flag that produced
// it. Call after emitting the stopped event.
func (c *SteppingController) ConsumeStopState() StopReason {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopOnEntry {
		c.stopOnEntry = false
		return StopReasonEntry
	}
	if c.stepping {
		c.stepping = false
		return StopReasonStep
	}
	return StopReasonBreakpoint
}

// Clear resets all stepping state.
func (c *SteppingController) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stepping = false
	c.stopOnEntry = false
	c.currentFrame = nil
	c.asyncStepOver = false
	c.granularity = GranularityLine
}
