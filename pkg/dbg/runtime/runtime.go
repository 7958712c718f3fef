// Package runtime defines the interfaces through which the debugger core
// observes and manipulates the host language runtime. It separates the
// debugger logic from any concrete interpreter, allowing the same core to be
// embedded in different runtimes (and driven by fakes in tests).
package runtime

import "reflect"

// CodeFlags describes properties of a compiled code unit.
type CodeFlags uint32

const (
	// FlagCoroutine marks a coroutine body (async function)
	FlagCoroutine CodeFlags = 1 << iota
	// FlagAsyncGenerator marks an async generator body
	FlagAsyncGenerator
	// FlagGenerator marks a generator body
	FlagGenerator
)

// IsCoroutine reports whether the flags mark coroutine-like code, i.e. code
// whose frames suspend and resume through the event loop.
func (f CodeFlags) IsCoroutine() bool {
	return f&(FlagCoroutine|FlagAsyncGenerator) != 0
}

// Instruction is one decoded bytecode instruction of a code unit.
type Instruction struct {
	// Offset is the instruction offset inside the code unit
	Offset int
	// OpName is the mnemonic (e.g. LOAD_FAST)
	OpName string
	// Arg is the decoded operand, typically a variable name for load opcodes
	Arg any
}

// Variable-load opcode family recognised by read watchpoints.
var loadOpNames = map[string]bool{
	"LOAD_FAST":   true,
	"LOAD_NAME":   true,
	"LOAD_GLOBAL": true,
	"LOAD_DEREF":  true,
}

// IsVariableLoad reports whether the instruction loads a named variable.
func (i Instruction) IsVariableLoad() bool {
	return loadOpNames[i.OpName]
}

// TryRegion is a source region covered by an exception handler.
type TryRegion struct {
	StartLine int
	EndLine   int
}

// CodeLike is the debugger's handle on a compiled code unit (a function body
// or module body). Implementations may be backed by real interpreter state or
// by test fakes; accessors must not panic.
type CodeLike interface {
	// Filename returns the source filename, possibly synthetic ("<string>")
	Filename() string
	// Name returns the short name of the code unit
	Name() string
	// QualifiedName returns the dotted qualified name ("Class.method")
	QualifiedName() string
	// FirstLine returns the first source line of the code unit
	FirstLine() int
	// Flags returns the code unit's flags
	Flags() CodeFlags
	// Instructions returns the decoded bytecode, or nil when the runtime
	// cannot expose it
	Instructions() []Instruction
	// TryRegions returns the handler-covered source regions. ok is false
	// when the runtime cannot determine handler coverage.
	TryRegions() (regions []TryRegion, ok bool)
}

// FrameLike is the debugger's view of an execution frame. Any accessor may
// fail: the runtime can present partially constructed or synthetic frames
// during introspection, and the stack builder must treat accessor errors as a
// walk terminator rather than crash the debuggee thread.
type FrameLike interface {
	// ID returns a stable identity for this frame, unique while the frame
	// is live. Used for snapshot keying and cycle detection.
	ID() uint64
	// Code returns the frame's code unit
	Code() (CodeLike, error)
	// Line returns the currently executing source line
	Line() (int, error)
	// Locals returns the frame's local bindings
	Locals() (map[string]any, error)
	// Globals returns the frame's module-level bindings
	Globals() (map[string]any, error)
	// Back returns the caller frame, or nil at the bottom of the stack
	Back() (FrameLike, error)
	// SetLine moves the frame's execution point to the given line (goto).
	SetLine(line int) error
}

// ExcInfo captures a raised exception as observed by the trace machinery.
type ExcInfo struct {
	// TypeName is the short exception type name ("ValueError")
	TypeName string
	// FullTypeName is the module-qualified type name
	FullTypeName string
	// Message is the exception message
	Message string
	// Value is the exception object itself, if the runtime exposes it
	Value any
	// StackTrace is the formatted traceback, outermost first
	StackTrace []string
}

// Evaluator evaluates an expression against explicit global and local
// bindings. allowBuiltins controls whether the runtime's builtin namespace is
// visible to the expression.
type Evaluator interface {
	Eval(expr string, globals, locals map[string]any, allowBuiltins bool) (any, error)
}

// LineCache exposes the runtime's cache of source text, including text for
// synthetic filenames that never existed on disk.
type LineCache interface {
	// SourceLines returns the cached source lines for a filename
	SourceLines(filename string) (lines []string, ok bool)
}

// Threads exposes the runtime's native thread identity.
type Threads interface {
	// CurrentThreadID returns the native id of the calling thread
	CurrentThreadID() int
	// ThreadName returns the live name of a thread
	ThreadName(id int) string
}

// SessionHooks are the process-level primitives the session invokes on
// terminate/disconnect and restart. Tests substitute their own hooks so the
// test runner is not killed.
type SessionHooks struct {
	// Exit terminates the process with the given code
	Exit func(code int)
	// Exec replaces the process image with the given program and argv
	Exec func(path string, argv []string) error
}

// SameValue implements the change-detection equality used by data watches:
// value types compare by equality, reference types by identity. The intent is
// to detect rebinding of a name, not in-place mutation of a shared container.
func SameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ra := reflect.ValueOf(a)
	rb := reflect.ValueOf(b)
	if ra.Kind() != rb.Kind() {
		return false
	}
	switch ra.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	}
	if !ra.Comparable() || !rb.Comparable() {
		return false
	}
	return a == b
}
