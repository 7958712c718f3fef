package core

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/go-dap"

	"github.com/jnsquire/dapper/pkg/dbg/eval"
	"github.com/jnsquire/dapper/pkg/dbg/runtime"
	"github.com/jnsquire/dapper/pkg/dbg/trace"
)

// EventSink receives the debugger's asynchronous events (stopped, thread,
// output, ...). Sends must not block the debuggee thread.
type EventSink interface {
	SendEvent(event string, body any)
}

// ThreadEventBody is the body of a thread event.
type ThreadEventBody struct {
	ThreadID int    `json:"threadId"`
	Reason   string `json:"reason"`
	Name     string `json:"name,omitempty"`
}

// OutputEventBody is the body of an output event.
type OutputEventBody struct {
	Category string `json:"category"`
	Output   string `json:"output"`
	Level    string `json:"level,omitempty"`
	Logger   string `json:"logger,omitempty"`
}

// StackAnnotator post-processes built stack frames (e.g. attaching source
// references for synthetic files).
type StackAnnotator func(frames []dap.StackFrame)

// Options configures a Debugger.
type Options struct {
	// Evaluator evaluates condition and watch expressions; required
	Evaluator runtime.Evaluator
	// Threads exposes native thread identity; required
	Threads runtime.Threads
	// Sink receives asynchronous events; required
	Sink EventSink
	// JustMyCode skips library frames during stepping (default true in the
	// launcher; zero value here means disabled)
	JustMyCode bool
	// Classifier implements the just-my-code path rules
	Classifier *FrameClassifier
	// Annotator post-processes stack frames before they are stored
	Annotator StackAnnotator
	// Logger receives debug-level diagnostics
	Logger *slog.Logger
}

// Debugger is the in-process debuggee core. The tracing backend feeds it
// execution events on the debuggee thread; command handlers drive it from
// the dispatch goroutine. A debuggee thread suspends only inside UserLine,
// UserCall, UserException, UserOpcode, or HandleReadWatchAccess, after
// emitting a stopped event, and resumes when the matching resume command
// arrives for that thread id.
type Debugger struct {
	resolver   *Resolver
	bpManager  *BreakpointManager
	stepping   *SteppingController
	exceptions *ExceptionHandler
	threads    *ThreadTracker
	vars       *VariableManager
	dataWatch  *DataWatchState

	evaluator  runtime.Evaluator
	threadsAPI runtime.Threads
	sink       EventSink
	classifier *FrameClassifier
	annotator  StackAnnotator
	logger     *slog.Logger

	mu sync.Mutex
	// backend is the active tracing backend, set during integration
	backend trace.Backend
	// justMyCode skips library frames during stepping
	justMyCode bool
	// resumeChans blocks each stopped debuggee thread until resume
	resumeChans map[int]chan struct{}
	// pauseRequested marks threads that should stop at the next event
	pauseRequested map[int]bool
	// terminated refuses further stops once the session is torn down
	terminated bool
}

// NewDebugger creates a debugger core.
func NewDebugger(opts Options) *Debugger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewFrameClassifier(nil)
	}

	return &Debugger{
		resolver:       NewResolver(opts.Evaluator, logger),
		bpManager:      NewBreakpointManager(),
		stepping:       NewSteppingController(),
		exceptions:     NewExceptionHandler(),
		threads:        NewThreadTracker(),
		vars:           NewVariableManager(),
		dataWatch:      NewDataWatchState(opts.Evaluator),
		evaluator:      opts.Evaluator,
		threadsAPI:     opts.Threads,
		sink:           opts.Sink,
		classifier:     classifier,
		annotator:      opts.Annotator,
		logger:         logger,
		justMyCode:     opts.JustMyCode,
		resumeChans:    make(map[int]chan struct{}),
		pauseRequested: make(map[int]bool),
	}
}

// --- Accessors for sub-managers (ownership stays with the Debugger) ---

// Breakpoints returns the breakpoint store.
func (d *Debugger) Breakpoints() *BreakpointManager { return d.bpManager }

// Stepping returns the stepping controller.
func (d *Debugger) Stepping() *SteppingController { return d.stepping }

// Exceptions returns the exception handler.
func (d *Debugger) Exceptions() *ExceptionHandler { return d.exceptions }

// Threads returns the thread tracker.
func (d *Debugger) Threads() *ThreadTracker { return d.threads }

// Variables returns the variable manager.
func (d *Debugger) Variables() *VariableManager { return d.vars }

// DataWatch returns the data-watch state.
func (d *Debugger) DataWatch() *DataWatchState { return d.dataWatch }

// Resolver returns the breakpoint resolver.
func (d *Debugger) Resolver() *Resolver { return d.resolver }

// SetBackend attaches the active tracing backend.
func (d *Debugger) SetBackend(b trace.Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backend = b
}

// Backend returns the active tracing backend, or nil.
func (d *Debugger) Backend() trace.Backend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend
}

// JustMyCode reports whether library frames are skipped during stepping.
func (d *Debugger) JustMyCode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.justMyCode
}

// SetJustMyCode toggles library-frame skipping.
func (d *Debugger) SetJustMyCode(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.justMyCode = enabled
}

// IsTerminated reports whether the session has been torn down.
func (d *Debugger) IsTerminated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminated
}

// --- Data watch wiring ---

// RegisterDataWatches replaces the watched names and expressions and syncs
// the backend's read watchpoints.
func (d *Debugger) RegisterDataWatches(
	names []string,
	metas map[string][]*BreakpointMeta,
	exprs []string,
	exprMetas map[string][]*BreakpointMeta,
) {
	d.dataWatch.RegisterWatches(names, metas)
	d.dataWatch.RegisterExpressionWatches(exprs, exprMetas)
	if b := d.Backend(); b != nil {
		b.SyncReadWatchpoints()
	}
}

// ReadWatchNames implements trace.Sink.
func (d *Debugger) ReadWatchNames() []string {
	return d.dataWatch.ReadWatchNames()
}

// StepBoundaryReturn implements trace.Sink: the stepped-over frame exited
// and the backend switched itself to step-in, so the in-progress step keeps
// its state and the next line in the caller stops.
func (d *Debugger) StepBoundaryReturn() {}

// --- Event entry points (run on the debuggee thread) ---

// UserLine handles a qualifying line event.
func (d *Debugger) UserLine(frame runtime.FrameLike) {
	if d.IsTerminated() {
		return
	}

	// Async-aware stepping: when stepping over/into an await expression the
	// event loop resumes before the user coroutine does. Skip event-loop
	// internal frames so the stop lands on the next line of user code.
	if d.stepping.AsyncStepOver() && d.isEventLoopFrame(frame) {
		return
	}

	code, err := frame.Code()
	if err != nil || code == nil {
		return
	}
	filename := code.Filename()
	line, err := frame.Line()
	if err != nil {
		return
	}

	// Just my code: library frames keep stepping without a stop unless an
	// explicit breakpoint is set there.
	if d.JustMyCode() && !d.classifier.IsUserPath(filename) {
		hasExplicit := d.bpManager.HasLineBreakpoint(filename, line) ||
			d.bpManager.HasCustomBreakpoint(filename, line)
		if !hasExplicit {
			return
		}
	}

	// Reached user code; subsequent steps are unaffected regardless of
	// whether this frame is a coroutine.
	d.stepping.SetAsyncStepOver(false)

	threadID := d.threadsAPI.CurrentThreadID()

	// Data watches first.
	if d.checkDataWatches(frame, threadID) {
		return
	}

	// Regular line/custom breakpoints.
	if handled := d.handleLineBreakpoint(filename, line, frame, threadID); handled {
		return
	}

	// Stepping, entry, and pause stops.
	if d.consumePause(threadID) {
		d.ensureThreadRegistered(threadID)
		d.emitStopped(frame, threadID, StopReasonPause, "", "")
		d.blockUntilResumed(threadID)
		return
	}

	if d.stepping.IsStepping() || d.stepping.StopOnEntry() {
		d.ensureThreadRegistered(threadID)
		reason := d.stepping.ConsumeStopState()
		d.emitStopped(frame, threadID, reason, "", "")
		d.blockUntilResumed(threadID)
	}
}

// UserCall handles the function-breakpoint path.
func (d *Debugger) UserCall(frame runtime.FrameLike, arg0 any) {
	if d.IsTerminated() || !d.bpManager.HasFunctionBreakpoints() {
		return
	}

	candidates := functionCandidateNames(frame)
	var match string
	for _, name := range d.bpManager.FunctionNames() {
		if candidates[name] {
			match = name
			break
		}
	}
	if match == "" {
		return
	}

	meta := d.bpManager.FunctionMeta(match)
	result := d.resolver.Resolve(meta, frame, ResolveOptions{EmitOutput: d.emitOutput})
	if !result.ShouldStop() {
		return
	}

	threadID := d.threadsAPI.CurrentThreadID()
	d.ensureThreadRegistered(threadID)
	d.emitStopped(frame, threadID, StopReasonFunctionBreakpoint, "", "")
	d.blockUntilResumed(threadID)
}

// UserReturn handles a frame return event. Step boundaries are detected in
// the backend; nothing else consumes returns today.
func (d *Debugger) UserReturn(frame runtime.FrameLike, retval any) {}

// UserException handles the exception-breakpoint path.
func (d *Debugger) UserException(frame runtime.FrameLike, exc *runtime.ExcInfo) {
	if d.IsTerminated() || exc == nil {
		return
	}
	if !d.exceptions.ShouldBreak(frame) {
		return
	}

	threadID := d.threadsAPI.CurrentThreadID()
	info := d.exceptions.BuildExceptionInfo(exc, frame)
	d.exceptions.StoreExceptionInfo(threadID, info)

	d.ensureThreadRegistered(threadID)
	d.emitStopped(frame, threadID, StopReasonException, "", ExceptionText(exc))
	d.blockUntilResumed(threadID)
}

// UserOpcode stops at each bytecode instruction during instruction-level
// stepping; otherwise it returns immediately.
func (d *Debugger) UserOpcode(frame runtime.FrameLike) {
	if d.IsTerminated() {
		return
	}
	if !d.stepping.IsStepping() || d.stepping.Granularity() != GranularityInstruction {
		return
	}
	if d.stepping.AsyncStepOver() && d.isEventLoopFrame(frame) {
		return
	}
	d.stepping.SetAsyncStepOver(false)

	threadID := d.threadsAPI.CurrentThreadID()
	d.ensureThreadRegistered(threadID)
	reason := d.stepping.ConsumeStopState()
	d.emitStopped(frame, threadID, reason, "", "")
	d.blockUntilResumed(threadID)
}

// HandleReadWatchAccess handles a read-access watchpoint hit from the
// monitoring backend.
func (d *Debugger) HandleReadWatchAccess(name string, frame runtime.FrameLike) bool {
	if d.IsTerminated() {
		return false
	}
	if !d.dataWatch.IsReadWatching(name) {
		return false
	}
	if !d.shouldStopForDataBreakpoint(name, frame, "read") {
		return false
	}

	threadID := d.threadsAPI.CurrentThreadID()
	d.ensureThreadRegistered(threadID)
	d.emitStopped(frame, threadID, StopReasonDataBreakpoint, fmt.Sprintf("%s read", name), "")
	d.blockUntilResumed(threadID)
	return true
}

// --- Resume commands (run on the dispatch goroutine) ---

// Continue resumes a stopped thread without stepping.
func (d *Debugger) Continue(threadID int) {
	d.stepping.SetStepping(false)
	if b := d.Backend(); b != nil {
		b.SetStepping(trace.StepModeContinue)
	}
	d.resume(threadID)
}

// Next steps over the current line in the stopped frame.
func (d *Debugger) Next(threadID int, granularity StepGranularity) {
	d.prepareStep(granularity)
	frame := d.stepping.CurrentFrame()
	d.armAsyncStepOver(frame)
	if b := d.Backend(); b != nil {
		b.SetStepping(trace.StepModeOver)
		if frame != nil {
			if code, err := frame.Code(); err == nil {
				b.CaptureStepContext(code)
			}
		}
	}
	d.resume(threadID)
}

// StepIn steps into the next call.
func (d *Debugger) StepIn(threadID int, granularity StepGranularity) {
	d.prepareStep(granularity)
	d.armAsyncStepOver(d.stepping.CurrentFrame())
	if b := d.Backend(); b != nil {
		b.SetStepping(trace.StepModeIn)
	}
	d.resume(threadID)
}

// StepOut runs until the current frame returns.
func (d *Debugger) StepOut(threadID int) {
	d.prepareStep(GranularityLine)
	frame := d.stepping.CurrentFrame()
	if b := d.Backend(); b != nil {
		b.SetStepping(trace.StepModeOut)
		if frame != nil {
			if code, err := frame.Code(); err == nil {
				b.CaptureStepContext(code)
			}
		}
	}
	d.resume(threadID)
}

// Pause requests a stop at the next event in the given thread.
func (d *Debugger) Pause(threadID int) {
	d.mu.Lock()
	d.pauseRequested[threadID] = true
	d.mu.Unlock()

	// Line events must fire everywhere for the pause to land.
	if b := d.Backend(); b != nil {
		b.SetStepping(trace.StepModeIn)
	}
}

// Goto jumps a stopped thread to a target line.
func (d *Debugger) Goto(threadID int, targetLine int) error {
	frame := d.threads.TopFrameForThread(threadID)
	if frame == nil {
		return fmt.Errorf("no stopped frame found for thread %d", threadID)
	}
	if targetLine <= 0 {
		return fmt.Errorf("invalid target line %d", targetLine)
	}
	if err := frame.SetLine(targetLine); err != nil {
		return fmt.Errorf("cannot jump to line %d: %w", targetLine, err)
	}

	d.ensureThreadRegistered(threadID)
	d.emitStopped(frame, threadID, StopReasonGoto, fmt.Sprintf("Jumped to line %d", targetLine), "")
	return nil
}

// GotoTargets resolves goto targets for a frame/line pair. A single
// line-level target is exposed when the frame is known and the line positive.
func (d *Debugger) GotoTargets(frameID, line int) []dap.GotoTarget {
	if d.threads.Frame(frameID) == nil {
		return nil
	}
	if line <= 0 {
		return nil
	}
	return []dap.GotoTarget{{
		Id:    line,
		Label: fmt.Sprintf("Line %d", line),
		Line:  line,
	}}
}

// MarkTerminated tears the session down: no further stops are honoured and
// every blocked thread is released.
func (d *Debugger) MarkTerminated() {
	d.mu.Lock()
	d.terminated = true
	chans := d.resumeChans
	d.resumeChans = make(map[int]chan struct{})
	d.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}

// EvaluateInFrame evaluates an expression in a frame under the policy. The
// policy rejects before frame resolution so a blocked expression surfaces as
// a policy error even for stale frame ids.
func (d *Debugger) EvaluateInFrame(expr string, frameID int, allowBuiltins bool) (any, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, eval.ErrEmptyExpression
	}
	if err := eval.CheckPolicy(trimmed); err != nil {
		return nil, err
	}
	frame := d.threads.Frame(frameID)
	if frame == nil {
		return nil, fmt.Errorf("invalid frame id: %d", frameID)
	}
	return eval.EvaluateWithPolicy(d.evaluator, trimmed, frame, allowBuiltins)
}

// --- Internals ---

func (d *Debugger) prepareStep(granularity StepGranularity) {
	d.stepping.SetStepping(true)
	d.stepping.SetGranularity(granularity)
}

// armAsyncStepOver sets the sticky async-step-over flag when the stopped
// frame is a coroutine, so stepping over an await lands on the next user
// line instead of inside the scheduler.
func (d *Debugger) armAsyncStepOver(frame runtime.FrameLike) {
	if frame == nil {
		return
	}
	code, err := frame.Code()
	if err != nil || code == nil {
		return
	}
	if code.Flags().IsCoroutine() {
		d.stepping.SetAsyncStepOver(true)
	}
}

func (d *Debugger) isEventLoopFrame(frame runtime.FrameLike) bool {
	code, err := frame.Code()
	if err != nil || code == nil {
		return false
	}
	return IsEventLoopPath(code.Filename())
}

// checkDataWatches detects watched-name and watched-expression changes,
// refreshes the snapshots, and stops once per change that the resolver
// approves. Returns true when any change was detected.
func (d *Debugger) checkDataWatches(frame runtime.FrameLike, threadID int) bool {
	locals, err := frame.Locals()
	if err != nil {
		return false
	}

	frameID := frame.ID()
	changedNames := d.dataWatch.CheckForChanges(frameID, locals)
	changedExprs := d.dataWatch.CheckExpressionChanges(frameID, frame)
	d.dataWatch.UpdateSnapshots(frameID, locals)
	d.dataWatch.UpdateExpressionSnapshots(frameID, frame)

	if len(changedNames) == 0 && len(changedExprs) == 0 {
		return false
	}

	for _, name := range changedNames {
		if d.shouldStopForDataBreakpoint(name, frame, "write") {
			d.ensureThreadRegistered(threadID)
			d.emitStopped(frame, threadID, StopReasonDataBreakpoint, fmt.Sprintf("%s changed", name), "")
			d.blockUntilResumed(threadID)
		}
	}
	for _, expr := range changedExprs {
		if d.shouldStopForExpressionBreakpoint(expr, frame) {
			d.ensureThreadRegistered(threadID)
			d.emitStopped(frame, threadID, StopReasonDataBreakpoint, fmt.Sprintf("%s changed", expr), "")
			d.blockUntilResumed(threadID)
		}
	}
	return true
}

// shouldStopForDataBreakpoint evaluates the metadata entries for a changed
// variable. Absent metadata means default stop semantics.
func (d *Debugger) shouldStopForDataBreakpoint(name string, frame runtime.FrameLike, accessType string) bool {
	metas := d.dataWatch.WatchMeta(name)
	if len(metas) == 0 {
		return true
	}
	for _, meta := range metas {
		if !meta.MatchesAccessType(accessType) {
			continue
		}
		if d.resolver.Resolve(meta, frame, ResolveOptions{}).ShouldStop() {
			return true
		}
	}
	return false
}

func (d *Debugger) shouldStopForExpressionBreakpoint(expr string, frame runtime.FrameLike) bool {
	metas := d.dataWatch.ExpressionMeta(expr)
	if len(metas) == 0 {
		return true
	}
	for _, meta := range metas {
		if d.resolver.Resolve(meta, frame, ResolveOptions{}).ShouldStop() {
			return true
		}
	}
	return false
}

// handleLineBreakpoint resolves line and custom breakpoints at the location.
// Returns true when a breakpoint existed there (hit or silently skipped).
func (d *Debugger) handleLineBreakpoint(filename string, line int, frame runtime.FrameLike, threadID int) bool {
	hasLine := d.bpManager.HasLineBreakpoint(filename, line)
	hasCustom := d.bpManager.HasCustomBreakpoint(filename, line)
	if !hasLine && !hasCustom {
		return false
	}

	var meta *BreakpointMeta
	if hasLine {
		meta = d.bpManager.LineMeta(filename, line)
	} else if cond, ok := d.bpManager.CustomCondition(filename, line); ok && cond != "" {
		meta = &BreakpointMeta{Condition: cond}
	}

	result := d.resolver.Resolve(meta, frame, ResolveOptions{EmitOutput: d.emitOutput})
	if result.Action == ActionContinue {
		return true
	}

	d.ensureThreadRegistered(threadID)
	d.emitStopped(frame, threadID, StopReasonBreakpoint, "", "")
	d.blockUntilResumed(threadID)
	return true
}

func (d *Debugger) consumePause(threadID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.pauseRequested[threadID] {
		return false
	}
	delete(d.pauseRequested, threadID)
	return true
}

// ensureThreadRegistered registers the thread on its first observed event
// and emits the thread started event.
func (d *Debugger) ensureThreadRegistered(threadID int) {
	name := d.threadsAPI.ThreadName(threadID)
	if d.threads.Register(threadID, name) {
		d.sink.SendEvent("thread", ThreadEventBody{
			ThreadID: threadID,
			Reason:   "started",
			Name:     name,
		})
	}
}

// emitStopped performs the stop bookkeeping: record the frame, mark the
// thread stopped, build and store the stack, and emit the stopped event.
func (d *Debugger) emitStopped(frame runtime.FrameLike, threadID int, reason StopReason, description, text string) {
	d.stepping.SetCurrentFrame(frame)
	d.threads.MarkStopped(threadID)

	stackFrames := d.threads.BuildStackFrames(frame)
	if d.annotator != nil {
		d.annotator(stackFrames)
	}
	if d.JustMyCode() {
		d.annotateLibraryFrames(stackFrames)
	}
	d.threads.StoreStackFrames(threadID, stackFrames)

	d.sink.SendEvent("stopped", dap.StoppedEventBody{
		Reason:            string(reason),
		ThreadId:          threadID,
		Description:       description,
		Text:              text,
		AllThreadsStopped: true,
	})
}

// annotateLibraryFrames marks non-user frames subtle so clients can dim them.
func (d *Debugger) annotateLibraryFrames(frames []dap.StackFrame) {
	for i := range frames {
		if frames[i].Source == nil || frames[i].Source.Path == "" {
			continue
		}
		if !d.classifier.IsUserPath(frames[i].Source.Path) {
			frames[i].PresentationHint = "subtle"
		}
	}
}

// blockUntilResumed suspends the calling debuggee thread until the adapter
// resumes this thread id. The IPC write already happened; no locks are held.
func (d *Debugger) blockUntilResumed(threadID int) {
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return
	}
	ch, ok := d.resumeChans[threadID]
	if !ok {
		ch = make(chan struct{})
		d.resumeChans[threadID] = ch
	}
	d.mu.Unlock()

	<-ch
}

// resume releases a blocked thread and invalidates its frame state.
func (d *Debugger) resume(threadID int) {
	d.threads.MarkContinued(threadID)
	d.threads.ClearFrames()
	d.exceptions.ClearExceptionInfo(threadID)

	d.mu.Lock()
	ch, ok := d.resumeChans[threadID]
	if ok {
		delete(d.resumeChans, threadID)
	}
	d.mu.Unlock()

	if ok {
		close(ch)
	}
}

func (d *Debugger) emitOutput(category, output string) {
	d.sink.SendEvent("output", OutputEventBody{Category: category, Output: output})
}

// functionCandidateNames builds the name set a function breakpoint can match
// for a call frame: the short name, the qualified name, and the
// module-qualified name.
func functionCandidateNames(frame runtime.FrameLike) map[string]bool {
	names := make(map[string]bool)
	code, err := frame.Code()
	if err != nil || code == nil {
		return names
	}

	short := code.Name()
	if short != "" {
		names[short] = true
	}
	if qual := code.QualifiedName(); qual != "" {
		names[qual] = true
	}
	if globals, err := frame.Globals(); err == nil {
		if mod, ok := globals["__name__"].(string); ok && mod != "" && short != "" {
			names[mod+"."+short] = true
		}
	}
	return names
}
