package trace

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jnsquire/dapper/pkg/dbg/eval"
	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// MonitoringBackend drives the runtime's tool-slot event API. It claims the
// debugger tool slot on install, keeps a lazily populated registry of code
// units per filename, and enables line events only for code units whose file
// has active breakpoints. Line callbacks for lines that are neither
// breakpoints nor covered by stepping return the disable sentinel, so each
// uninteresting offset costs exactly one callback until events are restarted.
//
// The breakpoint and code registries are guarded by mu; the line hot path
// reads an atomically swapped immutable snapshot of the per-file line sets so
// it stays effectively lock-free.
type MonitoringBackend struct {
	monitor   runtime.Monitor
	evaluator runtime.Evaluator
	logger    *slog.Logger

	mu        sync.Mutex
	installed bool
	sink      Sink

	// breakpoints holds the per-file breakpoint line sets. The value is an
	// atomically swapped map[string]map[int]bool; writers replace the whole
	// map, readers load it without the lock.
	breakpoints atomic.Value

	// conditions maps (path, line) to a condition expression for the
	// hot-path short circuit
	conditions map[condKey]string

	// functionBreakpoints is the atomically swapped qualified-name set
	functionBreakpoints atomic.Value

	// readWatchNames is the atomically swapped read-watch name set
	readWatchNames atomic.Value

	// codeRegistry maps filename to the code units first entered in that file
	codeRegistry map[string][]runtime.CodeLike

	// instructionMaps caches offset to instruction lookups per code unit
	instructionMaps map[runtime.CodeLike]map[int]runtime.Instruction

	// stepMode is read on the hot path without the lock
	stepMode atomic.Int32
	stepCode runtime.CodeLike

	// Diagnostic counters
	stats Stats
}

type condKey struct {
	path string
	line int
}

// Stats holds diagnostic counters for a backend.
type Stats struct {
	LineCallbacks        int64
	LineHits             int64
	LineDisabled         int64
	CallCallbacks        int64
	CallHits             int64
	StartCallbacks       int64
	ReturnCallbacks      int64
	ConditionEvaluations int64
	ConditionSkips       int64
	InstructionCallbacks int64
	InstructionHits      int64
	InstructionDisabled  int64
}

// NewMonitoringBackend creates a backend over the given monitor. The
// evaluator is used for hot-path condition short-circuiting.
func NewMonitoringBackend(monitor runtime.Monitor, evaluator runtime.Evaluator, logger *slog.Logger) *MonitoringBackend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &MonitoringBackend{
		monitor:         monitor,
		evaluator:       evaluator,
		logger:          logger,
		conditions:      make(map[condKey]string),
		codeRegistry:    make(map[string][]runtime.CodeLike),
		instructionMaps: make(map[runtime.CodeLike]map[int]runtime.Instruction),
	}
	b.breakpoints.Store(map[string]map[int]bool{})
	b.functionBreakpoints.Store(map[string]bool{})
	b.readWatchNames.Store(map[string]bool{})
	return b
}

// Name identifies the backend variant.
func (b *MonitoringBackend) Name() string { return "monitoring" }

// SupportsReadWatch reports read-watch support; the monitoring backend
// implements it through instruction events.
func (b *MonitoringBackend) SupportsReadWatch() bool { return true }

// Install claims the debugger tool slot and registers the event callbacks.
func (b *MonitoringBackend) Install(sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.installed {
		return nil
	}

	if name, held := b.monitor.ActiveTool(runtime.DebuggerToolID); held {
		return fmt.Errorf("%w: by %q", ErrSlotHeld, name)
	}
	if err := b.monitor.UseToolID(runtime.DebuggerToolID, "dapper"); err != nil {
		return fmt.Errorf("claiming debugger tool slot: %w", err)
	}

	b.monitor.RegisterCallbacks(runtime.DebuggerToolID, runtime.Callbacks{
		Line:        b.onLine,
		Call:        b.onCall,
		Start:       b.onStart,
		Return:      b.onReturn,
		Instruction: b.onInstruction,
	})

	// Start events stay enabled globally so newly entered code units are
	// discovered and added to the registry.
	b.monitor.SetEvents(runtime.DebuggerToolID, runtime.EventStart)

	b.sink = sink
	b.installed = true
	b.syncReadWatchpointsLocked()
	b.logger.Debug("monitoring backend installed")
	return nil
}

// Shutdown releases the tool slot, unregisters callbacks, and clears caches.
func (b *MonitoringBackend) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.installed {
		return
	}

	b.monitor.SetEvents(runtime.DebuggerToolID, runtime.NoEvents)
	b.monitor.RegisterCallbacks(runtime.DebuggerToolID, runtime.Callbacks{})
	b.monitor.FreeToolID(runtime.DebuggerToolID)

	b.installed = false
	b.sink = nil
	b.codeRegistry = make(map[string][]runtime.CodeLike)
	b.instructionMaps = make(map[runtime.CodeLike]map[int]runtime.Instruction)
	b.breakpoints.Store(map[string]map[int]bool{})
	b.conditions = make(map[condKey]string)
	b.functionBreakpoints.Store(map[string]bool{})
	b.readWatchNames.Store(map[string]bool{})
	b.stepMode.Store(int32(StepModeContinue))
	b.stepCode = nil
	b.logger.Debug("monitoring backend shut down")
}

// UpdateBreakpoints sets the active breakpoint line set for a file, applies
// local events to every code unit known for the file, and restarts events so
// previously disabled offsets are re-offered.
func (b *MonitoringBackend) UpdateBreakpoints(path string, lines map[int]bool) {
	b.mu.Lock()

	old := b.breakpointsSnapshot()
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
		for key := range b.conditions {
			if key.path == path {
				delete(b.conditions, key)
			}
		}
	}
	b.breakpoints.Store(next)

	b.applyLocalEventsLocked(path)
	b.mu.Unlock()

	// Restart is process-global; keep it outside the lock.
	b.monitor.RestartEvents()
}

// SetConditions associates a condition expression with a line.
func (b *MonitoringBackend) SetConditions(path string, line int, expr string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := condKey{path: path, line: line}
	if expr != "" {
		b.conditions[key] = expr
	} else {
		delete(b.conditions, key)
	}
}

// SetStepping configures the global event mask for the stepping mode.
func (b *MonitoringBackend) SetStepping(mode StepMode) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stepMode.Store(int32(mode))

	switch mode {
	case StepModeIn:
		b.monitor.SetEvents(runtime.DebuggerToolID,
			runtime.EventLine|runtime.EventStart|runtime.EventReturn|b.extraEventsLocked())

	case StepModeOver:
		b.monitor.SetEvents(runtime.DebuggerToolID,
			runtime.EventStart|runtime.EventReturn|b.extraEventsLocked())
		if b.stepCode != nil {
			if err := b.monitor.SetLocalEvents(runtime.DebuggerToolID, b.stepCode, runtime.EventLine); err != nil {
				b.logger.Debug("local line events for step over failed; falling back to global", "error", err)
				b.monitor.SetEvents(runtime.DebuggerToolID,
					runtime.EventLine|runtime.EventStart|runtime.EventReturn|b.extraEventsLocked())
			}
		}

	case StepModeOut:
		b.monitor.SetEvents(runtime.DebuggerToolID,
			runtime.EventStart|runtime.EventReturn|b.extraEventsLocked())
		if b.stepCode != nil {
			if err := b.monitor.SetLocalEvents(runtime.DebuggerToolID, b.stepCode, runtime.NoEvents); err != nil {
				b.logger.Debug("clearing local line events for step out failed", "error", err)
			}
		}

	default: // CONTINUE
		b.stepMode.Store(int32(StepModeContinue))
		b.stepCode = nil
		b.monitor.SetEvents(runtime.DebuggerToolID, runtime.EventStart|b.extraEventsLocked())
		for path := range b.breakpointsSnapshot() {
			b.applyLocalEventsLocked(path)
		}
		b.monitor.RestartEvents()
	}
}

// CaptureStepContext records the code unit active when the stepping command
// was issued, for step-over and step-out.
func (b *MonitoringBackend) CaptureStepContext(code runtime.CodeLike) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepCode = code
}

// UpdateFunctionBreakpoints sets the qualified-name set and toggles the call
// event globally.
func (b *MonitoringBackend) UpdateFunctionBreakpoints(names map[string]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	copied := make(map[string]bool, len(names))
	for name := range names {
		copied[name] = true
	}
	b.functionBreakpoints.Store(copied)

	current := b.monitor.Events(runtime.DebuggerToolID)
	if len(copied) > 0 {
		b.monitor.SetEvents(runtime.DebuggerToolID, current|runtime.EventCall)
	} else if StepMode(b.stepMode.Load()) == StepModeContinue {
		b.monitor.SetEvents(runtime.DebuggerToolID, current&^runtime.EventCall)
	}
}

// SyncReadWatchpoints reads the sink's read-watch names and toggles the
// instruction event globally.
func (b *MonitoringBackend) SyncReadWatchpoints() {
	b.mu.Lock()
	b.syncReadWatchpointsLocked()
	b.mu.Unlock()

	b.monitor.RestartEvents()
}

// Statistics returns a copy of the diagnostic counters.
func (b *MonitoringBackend) Statistics() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *MonitoringBackend) syncReadWatchpointsLocked() {
	names := map[string]bool{}
	if b.sink != nil {
		for _, name := range b.sink.ReadWatchNames() {
			if name != "" {
				names[name] = true
			}
		}
	}

	old := b.readWatchNames.Load().(map[string]bool)
	if sameNameSet(old, names) {
		return
	}
	b.readWatchNames.Store(names)

	current := b.monitor.Events(runtime.DebuggerToolID)
	if len(names) > 0 {
		b.monitor.SetEvents(runtime.DebuggerToolID, current|runtime.EventInstruction)
	} else {
		b.monitor.SetEvents(runtime.DebuggerToolID, current&^runtime.EventInstruction)
	}
}

func sameNameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func (b *MonitoringBackend) breakpointsSnapshot() map[string]map[int]bool {
	return b.breakpoints.Load().(map[string]map[int]bool)
}

// applyLocalEventsLocked enables or disables line events on every code unit
// known for a file. Must be called with mu held.
func (b *MonitoringBackend) applyLocalEventsLocked(path string) {
	codeObjs := b.codeRegistry[path]
	if len(codeObjs) == 0 {
		return
	}
	_, hasBreakpoints := b.breakpointsSnapshot()[path]
	target := runtime.NoEvents
	if hasBreakpoints {
		target = runtime.EventLine
	}
	for _, code := range codeObjs {
		if err := b.monitor.SetLocalEvents(runtime.DebuggerToolID, code, target); err != nil {
			b.logger.Debug("set local events failed", "code", code.Name(), "error", err)
		}
	}
}

// --- Event callbacks (run on the debuggee thread) ---

// onLine returns ActionDisable for lines that are neither breakpoints nor
// covered by stepping; breakpoint lines stay hot so condition changes made by
// the adapter take effect without an event restart.
func (b *MonitoringBackend) onLine(code runtime.CodeLike, line int) runtime.CallbackAction {
	atomic.AddInt64(&b.stats.LineCallbacks, 1)
	path := code.Filename()

	bpLines := b.breakpointsSnapshot()[path]
	isBreakpointLine := bpLines != nil && bpLines[line]
	isStepping := StepMode(b.stepMode.Load()) != StepModeContinue

	if !isBreakpointLine && !isStepping {
		atomic.AddInt64(&b.stats.LineDisabled, 1)
		return runtime.ActionDisable
	}

	if isBreakpointLine {
		b.mu.Lock()
		condition := b.conditions[condKey{path: path, line: line}]
		b.mu.Unlock()
		if condition != "" {
			atomic.AddInt64(&b.stats.ConditionEvaluations, 1)
			frame := b.monitor.CurrentFrame()
			result, err := eval.EvaluateWithPolicy(b.evaluator, condition, frame, true)
			if err == nil && !eval.IsTruthy(result) {
				atomic.AddInt64(&b.stats.ConditionSkips, 1)
				// Not ActionDisable: the adapter may change the condition,
				// and the breakpoint must be re-evaluated next pass.
				return runtime.ActionNone
			}
		}
	}

	atomic.AddInt64(&b.stats.LineHits, 1)
	b.dispatchUserLine()
	return runtime.ActionNone
}

func (b *MonitoringBackend) dispatchUserLine() {
	sink := b.currentSink()
	if sink == nil {
		return
	}
	frame := b.monitor.CurrentFrame()
	defer b.recoverCallback("user line")
	sink.UserLine(frame)
}

// onCall matches the callable against the function-breakpoint set by
// qualified then short name; a mismatch disables this call site.
func (b *MonitoringBackend) onCall(_ runtime.CodeLike, _ int, callable any, arg0 any) runtime.CallbackAction {
	atomic.AddInt64(&b.stats.CallCallbacks, 1)

	names := b.functionBreakpoints.Load().(map[string]bool)
	if len(names) == 0 {
		return runtime.ActionDisable
	}

	matched := names[callableName(callable)]
	if !matched {
		if n, ok := callable.(interface{ Name() string }); ok {
			matched = names[n.Name()]
		}
	}
	if !matched {
		return runtime.ActionDisable
	}

	atomic.AddInt64(&b.stats.CallHits, 1)
	sink := b.currentSink()
	if sink != nil {
		frame := b.monitor.CurrentFrame()
		func() {
			defer b.recoverCallback("user call")
			sink.UserCall(frame, arg0)
		}()
	}
	return runtime.ActionNone
}

// callableName resolves the match key for a callable: qualified name when
// available, short name otherwise.
func callableName(callable any) string {
	type qualNamed interface{ QualifiedName() string }
	type named interface{ Name() string }

	if q, ok := callable.(qualNamed); ok {
		if name := q.QualifiedName(); name != "" {
			return name
		}
	}
	if n, ok := callable.(named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%v", callable)
}

// onStart records the code unit in the registry under its filename and, when
// the file has active breakpoints, enables line events locally. Always
// disables: the registry is now populated and further entries at this offset
// are irrelevant.
func (b *MonitoringBackend) onStart(code runtime.CodeLike, _ int) runtime.CallbackAction {
	atomic.AddInt64(&b.stats.StartCallbacks, 1)
	path := code.Filename()

	b.mu.Lock()
	known := false
	for _, c := range b.codeRegistry[path] {
		if c == code {
			known = true
			break
		}
	}
	if !known {
		b.codeRegistry[path] = append(b.codeRegistry[path], code)
	}
	if _, ok := b.breakpointsSnapshot()[path]; ok {
		if err := b.monitor.SetLocalEvents(runtime.DebuggerToolID, code, runtime.EventLine); err != nil {
			b.logger.Debug("enabling line events on first entry failed", "code", code.Name(), "error", err)
		}
	}
	b.mu.Unlock()

	return runtime.ActionDisable
}

// onReturn detects the frame-exit boundary during step-over and step-out and
// switches to step-in so the next line in the caller fires.
func (b *MonitoringBackend) onReturn(_ runtime.CodeLike, _ int, _ any) runtime.CallbackAction {
	atomic.AddInt64(&b.stats.ReturnCallbacks, 1)

	b.mu.Lock()
	mode := StepMode(b.stepMode.Load())
	if mode == StepModeContinue {
		b.mu.Unlock()
		return runtime.ActionDisable
	}
	if mode == StepModeOver || mode == StepModeOut {
		b.stepMode.Store(int32(StepModeIn))
		b.stepCode = nil
		b.monitor.SetEvents(runtime.DebuggerToolID,
			runtime.EventLine|runtime.EventStart|runtime.EventReturn|b.extraEventsLocked())
	}
	b.mu.Unlock()

	if mode == StepModeOver || mode == StepModeOut {
		if sink := b.currentSink(); sink != nil {
			sink.StepBoundaryReturn()
		}
	}
	return runtime.ActionNone
}

// onInstruction implements read watchpoints: decode the instruction at the
// offset, and when it is a variable-load opcode naming a watched variable,
// hand it to the sink. Every other offset disables itself.
func (b *MonitoringBackend) onInstruction(code runtime.CodeLike, offset int) runtime.CallbackAction {
	atomic.AddInt64(&b.stats.InstructionCallbacks, 1)

	watched := b.readWatchNames.Load().(map[string]bool)
	if len(watched) == 0 {
		atomic.AddInt64(&b.stats.InstructionDisabled, 1)
		return runtime.ActionDisable
	}

	instr, ok := b.instructionAt(code, offset)
	if !ok || !instr.IsVariableLoad() {
		atomic.AddInt64(&b.stats.InstructionDisabled, 1)
		return runtime.ActionDisable
	}

	name, ok := instr.Arg.(string)
	if !ok || !watched[name] {
		atomic.AddInt64(&b.stats.InstructionDisabled, 1)
		return runtime.ActionDisable
	}

	atomic.AddInt64(&b.stats.InstructionHits, 1)
	if sink := b.currentSink(); sink != nil {
		frame := b.monitor.CurrentFrame()
		func() {
			defer b.recoverCallback("read watch access")
			sink.HandleReadWatchAccess(name, frame)
		}()
	}
	return runtime.ActionNone
}

// instructionAt returns the decoded instruction at an offset, building and
// caching the per-code-unit offset map on first use.
func (b *MonitoringBackend) instructionAt(code runtime.CodeLike, offset int) (runtime.Instruction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mapping, ok := b.instructionMaps[code]
	if !ok {
		mapping = make(map[int]runtime.Instruction)
		for _, instr := range code.Instructions() {
			mapping[instr.Offset] = instr
		}
		b.instructionMaps[code] = mapping
	}
	instr, ok := mapping[offset]
	return instr, ok
}

func (b *MonitoringBackend) currentSink() Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink
}

// extraEventsLocked preserves the call/instruction bits that function
// breakpoints and read watches keep enabled across stepping changes.
func (b *MonitoringBackend) extraEventsLocked() runtime.Event {
	extra := runtime.NoEvents
	if names := b.functionBreakpoints.Load().(map[string]bool); len(names) > 0 {
		extra |= runtime.EventCall
	}
	if names := b.readWatchNames.Load().(map[string]bool); len(names) > 0 {
		extra |= runtime.EventInstruction
	}
	return extra
}

// recoverCallback swallows panics from sink callbacks: an escaped panic on
// the debuggee thread would corrupt the runtime's monitoring state.
func (b *MonitoringBackend) recoverCallback(where string) {
	if r := recover(); r != nil {
		b.logger.Debug("callback panic recovered", "where", where, "panic", r)
	}
}
