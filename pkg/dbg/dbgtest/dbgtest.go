// Package dbgtest provides fake runtime implementations for debugger tests:
// frames, code units, a monitor with disable semantics, a trace hook, and a
// recording event sink.
package dbgtest

import (
	"fmt"
	"sync"

	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// FakeCode is a test code unit.
type FakeCode struct {
	File      string
	FuncName  string
	QualName  string
	StartLine int
	CodeFlags runtime.CodeFlags
	Instrs    []runtime.Instruction
	// Regions are the handler-covered line ranges; RegionsKnown gates the
	// TryRegions ok result
	Regions      []runtime.TryRegion
	RegionsKnown bool
}

func (c *FakeCode) Filename() string { return c.File }
func (c *FakeCode) Name() string     { return c.FuncName }
func (c *FakeCode) QualifiedName() string {
	if c.QualName != "" {
		return c.QualName
	}
	return c.FuncName
}
func (c *FakeCode) FirstLine() int                   { return c.StartLine }
func (c *FakeCode) Flags() runtime.CodeFlags         { return c.CodeFlags }
func (c *FakeCode) Instructions() []runtime.Instruction { return c.Instrs }
func (c *FakeCode) TryRegions() ([]runtime.TryRegion, bool) {
	return c.Regions, c.RegionsKnown
}

var nextFrameID uint64

// FakeFrame is a test frame. Err fields force accessor failures.
type FakeFrame struct {
	FrameID    uint64
	CodeUnit   *FakeCode
	CurLine    int
	LocalVars  map[string]any
	GlobalVars map[string]any
	Caller     runtime.FrameLike

	CodeErr    error
	LineErr    error
	LocalsErr  error
	GlobalsErr error
	BackErr    error
}

// NewFrame builds a frame over a code unit with fresh identity.
func NewFrame(code *FakeCode, line int, locals map[string]any) *FakeFrame {
	nextFrameID++
	if locals == nil {
		locals = map[string]any{}
	}
	return &FakeFrame{
		FrameID:    nextFrameID,
		CodeUnit:   code,
		CurLine:    line,
		LocalVars:  locals,
		GlobalVars: map[string]any{},
	}
}

func (f *FakeFrame) ID() uint64 { return f.FrameID }

func (f *FakeFrame) Code() (runtime.CodeLike, error) {
	if f.CodeErr != nil {
		return nil, f.CodeErr
	}
	return f.CodeUnit, nil
}

func (f *FakeFrame) Line() (int, error) {
	if f.LineErr != nil {
		return 0, f.LineErr
	}
	return f.CurLine, nil
}

func (f *FakeFrame) Locals() (map[string]any, error) {
	if f.LocalsErr != nil {
		return nil, f.LocalsErr
	}
	return f.LocalVars, nil
}

func (f *FakeFrame) Globals() (map[string]any, error) {
	if f.GlobalsErr != nil {
		return nil, f.GlobalsErr
	}
	return f.GlobalVars, nil
}

func (f *FakeFrame) Back() (runtime.FrameLike, error) {
	if f.BackErr != nil {
		return nil, f.BackErr
	}
	return f.Caller, nil
}

func (f *FakeFrame) SetLine(line int) error {
	f.CurLine = line
	return nil
}

// FakeThreads is a fixed-identity thread surface.
type FakeThreads struct {
	ID   int
	Name string
}

func (t *FakeThreads) CurrentThreadID() int { return t.ID }
func (t *FakeThreads) ThreadName(id int) string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("Thread-%d", id)
}

// Event is one recorded sink event.
type Event struct {
	Name string
	Body any
}

// RecordingSink records every event the debugger emits.
type RecordingSink struct {
	mu     sync.Mutex
	Events []Event
}

func (s *RecordingSink) SendEvent(event string, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, Event{Name: event, Body: body})
}

// Named returns the recorded events with the given name.
func (s *RecordingSink) Named(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.Events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops recorded events.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = nil
}

// localKey identifies a (code, offset) pair for disable bookkeeping.
type localKey struct {
	code   runtime.CodeLike
	offset int
}

// FakeMonitor simulates the runtime's tool-slot monitoring API, including
// per-(code, offset) disable semantics and local event masks.
type FakeMonitor struct {
	mu sync.Mutex

	tools       map[int]string
	callbacks   map[int]runtime.Callbacks
	events      map[int]runtime.Event
	localEvents map[int]map[runtime.CodeLike]runtime.Event
	disabled    map[localKey]bool

	// SetLocalEventsErr forces SetLocalEvents failures
	SetLocalEventsErr error
	// RestartCount counts RestartEvents calls
	RestartCount int

	currentFrame runtime.FrameLike
}

// NewFakeMonitor creates an empty monitor.
func NewFakeMonitor() *FakeMonitor {
	return &FakeMonitor{
		tools:       make(map[int]string),
		callbacks:   make(map[int]runtime.Callbacks),
		events:      make(map[int]runtime.Event),
		localEvents: make(map[int]map[runtime.CodeLike]runtime.Event),
		disabled:    make(map[localKey]bool),
	}
}

func (m *FakeMonitor) UseToolID(id int, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tools[id]; ok {
		return fmt.Errorf("tool slot %d already held by %q", id, existing)
	}
	m.tools[id] = name
	return nil
}

func (m *FakeMonitor) FreeToolID(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tools, id)
	delete(m.callbacks, id)
	delete(m.events, id)
	delete(m.localEvents, id)
}

func (m *FakeMonitor) ActiveTool(id int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.tools[id]
	return name, ok
}

func (m *FakeMonitor) RegisterCallbacks(id int, cbs runtime.Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[id] = cbs
}

func (m *FakeMonitor) SetEvents(id int, events runtime.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id] = events
}

func (m *FakeMonitor) Events(id int) runtime.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[id]
}

func (m *FakeMonitor) SetLocalEvents(id int, code runtime.CodeLike, events runtime.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetLocalEventsErr != nil {
		return m.SetLocalEventsErr
	}
	if m.localEvents[id] == nil {
		m.localEvents[id] = make(map[runtime.CodeLike]runtime.Event)
	}
	m.localEvents[id][code] = events
	return nil
}

// LocalEvents returns the local mask for a code unit.
func (m *FakeMonitor) LocalEvents(id int, code runtime.CodeLike) runtime.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localEvents[id][code]
}

func (m *FakeMonitor) RestartEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RestartCount++
	m.disabled = make(map[localKey]bool)
}

func (m *FakeMonitor) CurrentFrame() runtime.FrameLike {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentFrame
}

// eventEnabled reports whether an event reaches the tool for a code unit:
// the global mask or the code unit's local mask must contain it.
func (m *FakeMonitor) eventEnabled(id int, code runtime.CodeLike, event runtime.Event) bool {
	if m.events[id]&event != 0 {
		return true
	}
	return m.localEvents[id][code]&event != 0
}

// FireLine delivers a line event for the frame, honouring masks and the
// disable bookkeeping. Returns true when the callback ran.
func (m *FakeMonitor) FireLine(id int, frame *FakeFrame) bool {
	m.mu.Lock()
	code := runtime.CodeLike(frame.CodeUnit)
	key := localKey{code: code, offset: frame.CurLine}
	cb := m.callbacks[id].Line
	enabled := m.eventEnabled(id, code, runtime.EventLine)
	if cb == nil || !enabled || m.disabled[key] {
		m.mu.Unlock()
		return false
	}
	m.currentFrame = frame
	m.mu.Unlock()

	action := cb(code, frame.CurLine)

	m.mu.Lock()
	if action == runtime.ActionDisable {
		m.disabled[key] = true
	}
	m.currentFrame = nil
	m.mu.Unlock()
	return true
}

// FireStart delivers a first-entry event for the frame's code unit.
func (m *FakeMonitor) FireStart(id int, frame *FakeFrame) bool {
	m.mu.Lock()
	code := runtime.CodeLike(frame.CodeUnit)
	key := localKey{code: code, offset: -1}
	cb := m.callbacks[id].Start
	enabled := m.eventEnabled(id, code, runtime.EventStart)
	if cb == nil || !enabled || m.disabled[key] {
		m.mu.Unlock()
		return false
	}
	m.currentFrame = frame
	m.mu.Unlock()

	action := cb(code, 0)

	m.mu.Lock()
	if action == runtime.ActionDisable {
		m.disabled[key] = true
	}
	m.currentFrame = nil
	m.mu.Unlock()
	return true
}

// FireCall delivers a call event.
func (m *FakeMonitor) FireCall(id int, frame *FakeFrame, callable any, arg0 any) bool {
	m.mu.Lock()
	code := runtime.CodeLike(frame.CodeUnit)
	key := localKey{code: code, offset: -2}
	cb := m.callbacks[id].Call
	enabled := m.eventEnabled(id, code, runtime.EventCall)
	if cb == nil || !enabled || m.disabled[key] {
		m.mu.Unlock()
		return false
	}
	m.currentFrame = frame
	m.mu.Unlock()

	action := cb(code, 0, callable, arg0)

	m.mu.Lock()
	if action == runtime.ActionDisable {
		m.disabled[key] = true
	}
	m.currentFrame = nil
	m.mu.Unlock()
	return true
}

// FireReturn delivers a frame-return event.
func (m *FakeMonitor) FireReturn(id int, frame *FakeFrame, retval any) bool {
	m.mu.Lock()
	code := runtime.CodeLike(frame.CodeUnit)
	cb := m.callbacks[id].Return
	enabled := m.eventEnabled(id, code, runtime.EventReturn)
	if cb == nil || !enabled {
		m.mu.Unlock()
		return false
	}
	m.currentFrame = frame
	m.mu.Unlock()

	cb(code, 0, retval)

	m.mu.Lock()
	m.currentFrame = nil
	m.mu.Unlock()
	return true
}

// FireInstruction delivers a per-instruction event at an offset.
func (m *FakeMonitor) FireInstruction(id int, frame *FakeFrame, offset int) bool {
	m.mu.Lock()
	code := runtime.CodeLike(frame.CodeUnit)
	key := localKey{code: code, offset: 1000 + offset}
	cb := m.callbacks[id].Instruction
	enabled := m.eventEnabled(id, code, runtime.EventInstruction)
	if cb == nil || !enabled || m.disabled[key] {
		m.mu.Unlock()
		return false
	}
	m.currentFrame = frame
	m.mu.Unlock()

	action := cb(code, offset)

	m.mu.Lock()
	if action == runtime.ActionDisable {
		m.disabled[key] = true
	}
	m.currentFrame = nil
	m.mu.Unlock()
	return true
}

// FakeTracer is a legacy trace hook surface.
type FakeTracer struct {
	mu      sync.Mutex
	fn      runtime.TraceFunc
	opcodes bool
}

func (t *FakeTracer) SetTrace(fn runtime.TraceFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fn = fn
}

func (t *FakeTracer) ClearTrace() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fn = nil
}

func (t *FakeTracer) SetTraceOpcodes(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opcodes = enabled
}

// Installed reports whether a hook is set.
func (t *FakeTracer) Installed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fn != nil
}

// OpcodesEnabled reports whether opcode events are on.
func (t *FakeTracer) OpcodesEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opcodes
}

// Fire delivers a trace event to the installed hook.
func (t *FakeTracer) Fire(ev runtime.TraceEvent) bool {
	t.mu.Lock()
	fn := t.fn
	t.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}
