package core

import (
	"path/filepath"
	"sync"

	"github.com/google/go-dap"

	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// MaxStackDepth caps stack walking so mocked or cyclic frame chains cannot
// hang the debuggee thread.
const MaxStackDepth = 128

// ThreadTracker manages thread registration, stopped state, and frame-id
// allocation. Frame ids are per-process and monotonic; an id is valid only
// between a stopped event and the matching resume. The frame-id table is a
// cache, not an owner: ClearFrames evicts every entry on resume so stale
// frames (and their locals) are released.
type ThreadTracker struct {
	mu sync.Mutex

	// threads maps thread id to thread name
	threads map[int]string
	// stopped is the set of currently stopped thread ids
	stopped map[int]bool
	// framesByThread stores the DAP stack frames built at stop time
	framesByThread map[int][]dap.StackFrame
	// frameIDToFrame resolves a frame id back to the live frame
	frameIDToFrame map[int]runtime.FrameLike
	// nextFrameID is the next frame id to allocate
	nextFrameID int
}

// NewThreadTracker creates an empty tracker.
func NewThreadTracker() *ThreadTracker {
	return &ThreadTracker{
		threads:        make(map[int]string),
		stopped:        make(map[int]bool),
		framesByThread: make(map[int][]dap.StackFrame),
		frameIDToFrame: make(map[int]runtime.FrameLike),
		nextFrameID:    1,
	}
}

// IsRegistered reports whether the thread has been seen before.
func (t *ThreadTracker) IsRegistered(threadID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.threads[threadID]
	return ok
}

// Register records a thread and its name. Returns false when the thread was
// already registered.
func (t *ThreadTracker) Register(threadID int, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.threads[threadID]; ok {
		return false
	}
	t.threads[threadID] = name
	return true
}

// ThreadName returns the registered name for a thread.
func (t *ThreadTracker) ThreadName(threadID int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.threads[threadID]
	return name, ok
}

// Threads returns every registered thread as a DAP Thread record.
func (t *ThreadTracker) Threads() []dap.Thread {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]dap.Thread, 0, len(t.threads))
	for id, name := range t.threads {
		out = append(out, dap.Thread{Id: id, Name: name})
	}
	return out
}

// IsStopped reports whether a thread is currently stopped.
func (t *ThreadTracker) IsStopped(threadID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped[threadID]
}

// MarkStopped marks a thread stopped.
func (t *ThreadTracker) MarkStopped(threadID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped[threadID] = true
}

// MarkContinued marks a thread running again. Returns false when the thread
// was not stopped.
func (t *ThreadTracker) MarkContinued(threadID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.stopped[threadID] {
		return false
	}
	delete(t.stopped, threadID)
	return true
}

// HasStoppedThreads reports whether any thread is stopped.
func (t *ThreadTracker) HasStoppedThreads() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stopped) > 0
}

// StoreStackFrames records the stack frames built for a stopped thread.
func (t *ThreadTracker) StoreStackFrames(threadID int, frames []dap.StackFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.framesByThread[threadID] = frames
}

// StackFrames returns the stored frames for a thread.
func (t *ThreadTracker) StackFrames(threadID int) []dap.StackFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framesByThread[threadID]
}

// Frame resolves a frame id to the live frame, or nil after resume.
func (t *ThreadTracker) Frame(frameID int) runtime.FrameLike {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameIDToFrame[frameID]
}

// TopFrameForThread resolves the newest stored frame for a stopped thread.
func (t *ThreadTracker) TopFrameForThread(threadID int) runtime.FrameLike {
	t.mu.Lock()
	defer t.mu.Unlock()

	frames := t.framesByThread[threadID]
	if len(frames) == 0 {
		return nil
	}
	return t.frameIDToFrame[frames[0].Id]
}

// BuildStackFrames walks the frame chain from the given frame, allocating
// and registering a frame id per frame, and produces DAP frame records. The
// walk is capped at MaxStackDepth, terminates on the first repeated frame
// identity, and treats any accessor failure as the end of the chain.
func (t *ThreadTracker) BuildStackFrames(frame runtime.FrameLike) []dap.StackFrame {
	t.mu.Lock()
	defer t.mu.Unlock()

	var frames []dap.StackFrame
	visited := make(map[uint64]bool)
	current := frame

	for depth := 0; current != nil && depth < MaxStackDepth; depth++ {
		id := current.ID()
		if visited[id] {
			break
		}
		visited[id] = true

		code, err := current.Code()
		if err != nil || code == nil {
			break
		}
		line, err := current.Line()
		if err != nil {
			break
		}

		filename := code.Filename()
		name := code.Name()
		if name == "" {
			name = "<unknown>"
		}

		frameID := t.nextFrameID
		t.nextFrameID++
		t.frameIDToFrame[frameID] = current

		frames = append(frames, dap.StackFrame{
			Id:     frameID,
			Name:   name,
			Line:   line,
			Column: 0,
			Source: &dap.Source{
				Name: filepath.Base(filename),
				Path: filename,
			},
		})

		next, err := current.Back()
		if err != nil {
			break
		}
		current = next
	}

	return frames
}

// ClearFrames evicts all frame references and stored stacks. Called on every
// resume; frame ids handed to the adapter stop resolving afterwards.
func (t *ThreadTracker) ClearFrames() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frameIDToFrame = make(map[int]runtime.FrameLike)
	t.framesByThread = make(map[int][]dap.StackFrame)
}

// Clear resets all thread and frame state.
func (t *ThreadTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.threads = make(map[int]string)
	t.stopped = make(map[int]bool)
	t.framesByThread = make(map[int][]dap.StackFrame)
	t.frameIDToFrame = make(map[int]runtime.FrameLike)
	t.nextFrameID = 1
}
