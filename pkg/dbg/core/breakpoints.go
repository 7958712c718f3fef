package core

import (
	"sync"

	"github.com/jnsquire/dapper/pkg/utils"
)

// LineKey identifies a line breakpoint.
type LineKey struct {
	Path string
	Line int
}

// BreakpointManager is the authoritative store for line, function, and
// custom breakpoints and their metadata. Line breakpoints are replaced
// wholesale per file on each setBreakpoints request; a breakpoint's hit
// counter survives replacement and resets only when the breakpoint is
// cleared. Custom breakpoints are owned independently of the setBreakpoints
// set and survive line-breakpoint replacement.
type BreakpointManager struct {
	mu sync.Mutex

	// lineMeta maps (path, line) to breakpoint metadata
	lineMeta map[LineKey]*BreakpointMeta
	// lines maps path to the active breakpoint line set
	lines map[string]map[int]bool
	// functionNames is the ordered function breakpoint name list
	functionNames []string
	// functionMeta maps qualified name to metadata
	functionMeta map[string]*BreakpointMeta
	// custom maps path to line to optional condition
	custom map[string]map[int]string
}

// NewBreakpointManager creates an empty breakpoint store.
func NewBreakpointManager() *BreakpointManager {
	return &BreakpointManager{
		lineMeta:     make(map[LineKey]*BreakpointMeta),
		lines:        make(map[string]map[int]bool),
		functionMeta: make(map[string]*BreakpointMeta),
		custom:       make(map[string]map[int]string),
	}
}

// --- Line breakpoints ---

// RecordLineBreakpoint records metadata for a line breakpoint. An existing
// breakpoint at the same location keeps its hit counter; only the condition,
// hit condition, and log message are replaced.
func (m *BreakpointManager) RecordLineBreakpoint(path string, line int, condition, hitCondition, logMessage string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := LineKey{Path: path, Line: line}
	meta, ok := m.lineMeta[key]
	if !ok {
		meta = &BreakpointMeta{}
		m.lineMeta[key] = meta
	}
	meta.Condition = condition
	meta.HitCondition = hitCondition
	meta.LogMessage = logMessage

	if m.lines[path] == nil {
		m.lines[path] = make(map[int]bool)
	}
	m.lines[path][line] = true
}

// LineMeta returns the metadata for a line breakpoint, or nil.
func (m *BreakpointManager) LineMeta(path string, line int) *BreakpointMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lineMeta[LineKey{Path: path, Line: line}]
}

// HasLineBreakpoint reports whether a line breakpoint is set at the location.
func (m *BreakpointManager) HasLineBreakpoint(path string, line int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lines[path][line]
}

// LineSet returns a copy of the active breakpoint line set for a file.
func (m *BreakpointManager) LineSet(path string) map[int]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.lines[path]
	out := make(map[int]bool, len(src))
	for line := range src {
		out[line] = true
	}
	return out
}

// FilesWithBreakpoints returns every path with at least one active line breakpoint.
func (m *BreakpointManager) FilesWithBreakpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return utils.Keys(m.lines)
}

// ClearLineBreakpoint removes one line breakpoint and its metadata,
// resetting its hit counter.
func (m *BreakpointManager) ClearLineBreakpoint(path string, line int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.lineMeta, LineKey{Path: path, Line: line})
	if lines := m.lines[path]; lines != nil {
		delete(lines, line)
		if len(lines) == 0 {
			delete(m.lines, path)
		}
	}
}

// ClearLineBreakpointsForFile removes the line set and metadata for a file.
func (m *BreakpointManager) ClearLineBreakpointsForFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for line := range m.lines[path] {
		delete(m.lineMeta, LineKey{Path: path, Line: line})
	}
	delete(m.lines, path)
}

// --- Function breakpoints ---

// SetFunctionBreakpoints replaces the function breakpoint set wholesale.
func (m *BreakpointManager) SetFunctionBreakpoints(names []string, metas map[string]*BreakpointMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.functionNames = append([]string(nil), names...)
	m.functionMeta = make(map[string]*BreakpointMeta, len(metas))
	for name, meta := range metas {
		m.functionMeta[name] = meta
	}
}

// FunctionNames returns the registered function breakpoint names.
func (m *BreakpointManager) FunctionNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.functionNames...)
}

// FunctionMeta returns metadata for a function breakpoint, or nil.
func (m *BreakpointManager) FunctionMeta(name string) *BreakpointMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.functionMeta[name]
}

// HasFunctionBreakpoints reports whether any function breakpoints are set.
func (m *BreakpointManager) HasFunctionBreakpoints() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.functionNames) > 0 || len(m.functionMeta) > 0
}

// ClearFunctionBreakpoints removes all function breakpoints.
func (m *BreakpointManager) ClearFunctionBreakpoints() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.functionNames = nil
	m.functionMeta = make(map[string]*BreakpointMeta)
}

// --- Custom breakpoints ---

// SetCustomBreakpoint sets a programmatic breakpoint independent of the
// setBreakpoints set.
func (m *BreakpointManager) SetCustomBreakpoint(path string, line int, condition string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.custom[path] == nil {
		m.custom[path] = make(map[int]string)
	}
	m.custom[path][line] = condition
}

// ClearCustomBreakpoint removes a custom breakpoint. Returns false when none existed.
func (m *BreakpointManager) ClearCustomBreakpoint(path string, line int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines, ok := m.custom[path]
	if !ok {
		return false
	}
	if _, ok := lines[line]; !ok {
		return false
	}
	delete(lines, line)
	if len(lines) == 0 {
		delete(m.custom, path)
	}
	return true
}

// HasCustomBreakpoint reports whether a custom breakpoint exists at the location.
func (m *BreakpointManager) HasCustomBreakpoint(path string, line int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines, ok := m.custom[path]
	if !ok {
		return false
	}
	_, ok = lines[line]
	return ok
}

// CustomCondition returns the condition attached to a custom breakpoint.
func (m *BreakpointManager) CustomCondition(path string, line int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines, ok := m.custom[path]
	if !ok {
		return "", false
	}
	cond, ok := lines[line]
	return cond, ok
}

// ClearAllCustomBreakpoints removes every custom breakpoint.
func (m *BreakpointManager) ClearAllCustomBreakpoints() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custom = make(map[string]map[int]string)
}

// ClearAll clears all breakpoint state.
func (m *BreakpointManager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lineMeta = make(map[LineKey]*BreakpointMeta)
	m.lines = make(map[string]map[int]bool)
	m.functionNames = nil
	m.functionMeta = make(map[string]*BreakpointMeta)
	m.custom = make(map[string]map[int]string)
}
