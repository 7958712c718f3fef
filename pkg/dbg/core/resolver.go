// Package core implements the in-process debugger: breakpoint state and
// resolution, data watches, stepping, exception handling, thread and frame
// tracking, variable references, and the event entry points invoked by the
// tracing backends.
package core

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/jnsquire/dapper/pkg/dbg/eval"
	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// ResolveAction is the action to take after resolving a breakpoint.
type ResolveAction int

const (
	// ActionStop stops execution at this breakpoint
	ActionStop ResolveAction = iota
	// ActionContinue continues execution (condition not met or log message emitted)
	ActionContinue
	// ActionSkip means no breakpoint applies here
	ActionSkip
)

// String returns the string representation of a ResolveAction
func (a ResolveAction) String() string {
	switch a {
	case ActionStop:
		return "stop"
	case ActionContinue:
		return "continue"
	case ActionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// BreakpointMeta is the metadata bundle shared by every breakpoint kind.
type BreakpointMeta struct {
	// Condition is an expression that must evaluate truthy to stop
	Condition string
	// HitCondition controls when to stop based on the hit count
	// (e.g. ">=5", "%3", "==10", or just "5")
	HitCondition string
	// LogMessage, when set, is rendered and emitted instead of stopping
	LogMessage string
	// HitCount is the number of times this breakpoint has been hit
	HitCount int
	// AccessType applies to data breakpoints: "write", "read" or "readWrite"
	AccessType string
}

// IncrementHit increments and returns the new hit count.
func (m *BreakpointMeta) IncrementHit() int {
	m.HitCount++
	return m.HitCount
}

// MatchesAccessType reports whether the metadata applies to the requested
// access mode. Write meta ignores read hits, read meta ignores writes,
// readWrite accepts both.
func (m *BreakpointMeta) MatchesAccessType(accessType string) bool {
	mode := strings.ToLower(strings.TrimSpace(m.AccessType))
	if mode == "" {
		mode = "write"
	}
	switch mode {
	case "readwrite", "read_write", "read-write":
		return true
	}
	if accessType == "read" {
		return mode == "read"
	}
	return mode == "write"
}

// ResolveResult is the outcome of resolving a breakpoint.
type ResolveResult struct {
	// Action is the action to take
	Action ResolveAction
	// Reason is a human-readable explanation, useful when debugging the debugger
	Reason string
	// LogOutput is the rendered message when the action is a logpoint continue
	LogOutput string
}

// ShouldStop reports whether execution should stop.
func (r ResolveResult) ShouldStop() bool {
	return r.Action == ActionStop
}

// OutputEmitter emits output events (e.g. rendered logpoint messages).
type OutputEmitter func(category, output string)

// Resolver evaluates breakpoint conditions and decides whether to stop.
// The resolver is breakpoint-type agnostic: line, function, and data
// breakpoints all resolve through the same sequence of hit counter, hit
// condition, condition expression, and log message.
type Resolver struct {
	evaluator runtime.Evaluator
	logger    *slog.Logger
}

// NewResolver creates a resolver evaluating conditions with the given evaluator.
func NewResolver(evaluator runtime.Evaluator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{evaluator: evaluator, logger: logger}
}

// ResolveOptions tunes a single resolution.
type ResolveOptions struct {
	// EmitOutput receives rendered logpoint messages; nil renders without emitting
	EmitOutput OutputEmitter
	// NoAutoIncrement disables the hit counter increment
	NoAutoIncrement bool
}

// Resolve evaluates a breakpoint and determines the action to take.
// A nil meta means there are no conditions to check and resolves to stop.
func (r *Resolver) Resolve(meta *BreakpointMeta, frame runtime.FrameLike, opts ResolveOptions) ResolveResult {
	if meta == nil {
		return ResolveResult{Action: ActionStop, Reason: "no conditions"}
	}

	if !opts.NoAutoIncrement {
		meta.IncrementHit()
	}

	if meta.HitCondition != "" && !EvaluateHitCondition(meta.HitCondition, meta.HitCount) {
		return ResolveResult{
			Action: ActionContinue,
			Reason: fmt.Sprintf("hit condition not met: %s (count=%d)", meta.HitCondition, meta.HitCount),
		}
	}

	if meta.Condition != "" {
		if !r.evaluateCondition(meta.Condition, frame) {
			return ResolveResult{
				Action: ActionContinue,
				Reason: fmt.Sprintf("condition not met: %s", meta.Condition),
			}
		}
	}

	if meta.LogMessage != "" {
		rendered := r.RenderLogMessage(meta.LogMessage, frame)
		if opts.EmitOutput != nil {
			opts.EmitOutput("console", rendered)
		}
		return ResolveResult{Action: ActionContinue, Reason: "logpoint", LogOutput: rendered}
	}

	return ResolveResult{Action: ActionStop, Reason: "conditions met"}
}

// ShouldStop is a convenience wrapper equivalent to Resolve(...).ShouldStop().
func (r *Resolver) ShouldStop(meta *BreakpointMeta, frame runtime.FrameLike, emit OutputEmitter) bool {
	return r.Resolve(meta, frame, ResolveOptions{EmitOutput: emit}).ShouldStop()
}

// evaluateCondition evaluates a condition expression in the frame context.
// A falsy result, an evaluation error, or a missing frame all mean the
// condition is not met; conditions never stop the debuggee by failing.
func (r *Resolver) evaluateCondition(condition string, frame runtime.FrameLike) bool {
	if frame == nil {
		r.logger.Debug("cannot evaluate condition without frame", "condition", condition)
		return false
	}
	result, err := eval.EvaluateWithPolicy(r.evaluator, condition, frame, true)
	if err != nil {
		r.logger.Debug("condition evaluation failed", "condition", condition, "error", err)
		return false
	}
	return eval.IsTruthy(result)
}

var (
	hitModRe = regexp.MustCompile(`^%\s*(\d+)$`)
	hitEqRe  = regexp.MustCompile(`^==\s*(\d+)$`)
	hitGeRe  = regexp.MustCompile(`^>=\s*(\d+)$`)
	hitNumRe = regexp.MustCompile(`^\d+$`)
)

// EvaluateHitCondition evaluates a hit-count predicate against the current
// hit count.
//
// Supported syntax:
//   - %n  — hit count divisible by n
//   - ==n — hit count equals n
//   - >=n — hit count at least n
//   - n   — plain number, same as ==n
//
// Parse failures fail open: an unrecognised predicate counts as matched.
func EvaluateHitCondition(expr string, hitCount int) bool {
	s := strings.TrimSpace(expr)

	if m := hitModRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return true
		}
		return n > 0 && hitCount%n == 0
	}
	if m := hitEqRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return true
		}
		return hitCount == n
	}
	if m := hitGeRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return true
		}
		return hitCount >= n
	}
	if hitNumRe.MatchString(s) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return true
		}
		return hitCount == n
	}
	return true
}

// Placeholder code points used while rendering log messages so that escaped
// double braces are not picked up as expressions by the interpolation regex.
const (
	leftBracePlaceholder  = "\x01"
	rightBracePlaceholder = "\x02"
)

var logInterpolationRe = regexp.MustCompile(`\{([^{}]+)\}`)

// RenderLogMessage renders a log-point template against a frame. Template
// syntax is plain text with {expression} interpolations; {{ and }} are
// literal braces. A failed interpolation renders as <error> and leaves the
// surrounding text intact.
func (r *Resolver) RenderLogMessage(template string, frame runtime.FrameLike) string {
	if frame == nil {
		return template
	}

	s := strings.ReplaceAll(template, "{{", leftBracePlaceholder)
	s = strings.ReplaceAll(s, "}}", rightBracePlaceholder)

	s = logInterpolationRe.ReplaceAllStringFunc(s, func(match string) string {
		expr := match[1 : len(match)-1]
		val, err := eval.EvaluateWithPolicy(r.evaluator, expr, frame, true)
		if err != nil {
			return "<error>"
		}
		return eval.FormatValue(val)
	})

	s = strings.ReplaceAll(s, leftBracePlaceholder, "{")
	return strings.ReplaceAll(s, rightBracePlaceholder, "}")
}
