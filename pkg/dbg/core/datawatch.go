package core

import (
	"sync"

	"github.com/jnsquire/dapper/pkg/dbg/eval"
	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// evalErrorSentinel is stored in expression snapshots when evaluation fails.
// The sentinel equals itself, so a repeated error does not register as a
// change; transitioning between an error and a value does.
type evalErrorSentinel struct{}

var exprEvalError = &evalErrorSentinel{}

// DataWatchState tracks write watchpoints on names and expressions and the
// read-watch name set. Per-frame value snapshots are keyed by frame identity;
// change detection uses the runtime's equality for value types and identity
// for reference types — the intent is to catch rebinding of the watched name,
// not in-place mutation of a shared container.
type DataWatchState struct {
	mu sync.Mutex

	// watchNames is the ordered list of write-watched variable names
	watchNames []string
	// watchMeta maps a watched name to its data-breakpoint metadata entries
	watchMeta map[string][]*BreakpointMeta
	// watchExpressions is the ordered list of watched expressions
	watchExpressions []string
	// watchExpressionMeta maps a watched expression to metadata entries
	watchExpressionMeta map[string][]*BreakpointMeta
	// readWatchNames is the set of names watched for read access
	readWatchNames map[string]bool

	// nameSnapshots maps frame identity to name to last seen value
	nameSnapshots map[uint64]map[string]any
	// exprSnapshots maps frame identity to expression to last seen value
	exprSnapshots map[uint64]map[string]any

	evaluator runtime.Evaluator
}

// NewDataWatchState creates an empty data-watch store. The evaluator is used
// for expression watches.
func NewDataWatchState(evaluator runtime.Evaluator) *DataWatchState {
	return &DataWatchState{
		watchMeta:           make(map[string][]*BreakpointMeta),
		watchExpressionMeta: make(map[string][]*BreakpointMeta),
		readWatchNames:      make(map[string]bool),
		nameSnapshots:       make(map[uint64]map[string]any),
		exprSnapshots:       make(map[uint64]map[string]any),
		evaluator:           evaluator,
	}
}

// RegisterWatches replaces the set of variable names watched for writes.
// Metadata entries carry condition, hit condition, and access type; multiple
// entries per name are kept. Names whose metadata requests read or readWrite
// access are added to the read-watch set.
func (s *DataWatchState) RegisterWatches(names []string, metas map[string][]*BreakpointMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watchNames = append([]string(nil), names...)
	s.watchMeta = make(map[string][]*BreakpointMeta, len(metas))
	s.readWatchNames = make(map[string]bool)
	for name, entries := range metas {
		s.watchMeta[name] = entries
		for _, meta := range entries {
			if meta.MatchesAccessType("read") {
				s.readWatchNames[name] = true
			}
		}
	}

	// Snapshots for names no longer watched are stale; drop them so a
	// re-added watch re-seeds instead of firing on the old value.
	watched := make(map[string]bool, len(names))
	for _, n := range names {
		watched[n] = true
	}
	for frameID, snap := range s.nameSnapshots {
		for name := range snap {
			if !watched[name] {
				delete(snap, name)
			}
		}
		if len(snap) == 0 {
			delete(s.nameSnapshots, frameID)
		}
	}
}

// RegisterExpressionWatches replaces the set of watched expressions.
func (s *DataWatchState) RegisterExpressionWatches(exprs []string, metas map[string][]*BreakpointMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watchExpressions = append([]string(nil), exprs...)
	s.watchExpressionMeta = make(map[string][]*BreakpointMeta, len(metas))
	for expr, entries := range metas {
		s.watchExpressionMeta[expr] = entries
	}

	watched := make(map[string]bool, len(exprs))
	for _, e := range exprs {
		watched[e] = true
	}
	for frameID, snap := range s.exprSnapshots {
		for expr := range snap {
			if !watched[expr] {
				delete(snap, expr)
			}
		}
		if len(snap) == 0 {
			delete(s.exprSnapshots, frameID)
		}
	}
}

// WatchedNames returns the write-watched names.
func (s *DataWatchState) WatchedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.watchNames...)
}

// WatchMeta returns the metadata entries for a watched name.
func (s *DataWatchState) WatchMeta(name string) []*BreakpointMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchMeta[name]
}

// ExpressionMeta returns the metadata entries for a watched expression.
func (s *DataWatchState) ExpressionMeta(expr string) []*BreakpointMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchExpressionMeta[expr]
}

// IsReadWatching reports whether a name is watched for read access.
func (s *DataWatchState) IsReadWatching(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readWatchNames[name]
}

// ReadWatchNames returns the read-watched name set.
func (s *DataWatchState) ReadWatchNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.readWatchNames))
	for name := range s.readWatchNames {
		names = append(names, name)
	}
	return names
}

// HasDataBreakpointForName reports whether the name is in the data-watch set.
// Used to decorate Variable records with the hasDataBreakpoint attribute.
func (s *DataWatchState) HasDataBreakpointForName(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watchMeta[name]; ok {
		return true
	}
	for _, n := range s.watchNames {
		if n == name {
			return true
		}
	}
	return s.readWatchNames[name]
}

// CheckForChanges compares the current bindings of every watched name in the
// frame against the last snapshot and returns the names whose value changed.
// A name seen for the first time in a frame seeds the snapshot and does not
// count as a change. Snapshots are not updated here; call UpdateSnapshots
// after change processing.
func (s *DataWatchState) CheckForChanges(frameID uint64, locals map[string]any) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	snap := s.nameSnapshots[frameID]

	for _, name := range s.watchNames {
		current, bound := locals[name]
		if !bound {
			continue
		}
		if snap == nil {
			continue // first visit; UpdateSnapshots will seed
		}
		last, seen := snap[name]
		if !seen {
			continue
		}
		if !runtime.SameValue(last, current) {
			changed = append(changed, name)
		}
	}

	return changed
}

// CheckExpressionChanges evaluates every watched expression in the frame and
// returns the expressions whose result changed since the last snapshot.
// Evaluation errors are recorded as a sentinel equal to itself.
func (s *DataWatchState) CheckExpressionChanges(frameID uint64, frame runtime.FrameLike) []string {
	s.mu.Lock()
	exprs := append([]string(nil), s.watchExpressions...)
	snap := s.exprSnapshots[frameID]
	var lastValues map[string]any
	if snap != nil {
		lastValues = make(map[string]any, len(snap))
		for k, v := range snap {
			lastValues[k] = v
		}
	}
	s.mu.Unlock()

	if len(exprs) == 0 {
		return nil
	}

	var changed []string
	for _, expr := range exprs {
		current := s.evaluateWatchExpression(expr, frame)
		if lastValues == nil {
			continue // first visit
		}
		last, seen := lastValues[expr]
		if !seen {
			continue
		}
		if !watchValuesEqual(last, current) {
			changed = append(changed, expr)
		}
	}

	return changed
}

// UpdateSnapshots refreshes the per-frame snapshot of watched names.
func (s *DataWatchState) UpdateSnapshots(frameID uint64, locals map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.watchNames) == 0 {
		return
	}
	snap := s.nameSnapshots[frameID]
	if snap == nil {
		snap = make(map[string]any)
		s.nameSnapshots[frameID] = snap
	}
	for _, name := range s.watchNames {
		if current, bound := locals[name]; bound {
			snap[name] = current
		}
	}
}

// UpdateExpressionSnapshots refreshes the per-frame snapshot of watched expressions.
func (s *DataWatchState) UpdateExpressionSnapshots(frameID uint64, frame runtime.FrameLike) {
	s.mu.Lock()
	exprs := append([]string(nil), s.watchExpressions...)
	s.mu.Unlock()

	if len(exprs) == 0 {
		return
	}

	values := make(map[string]any, len(exprs))
	for _, expr := range exprs {
		values[expr] = s.evaluateWatchExpression(expr, frame)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.exprSnapshots[frameID]
	if snap == nil {
		snap = make(map[string]any)
		s.exprSnapshots[frameID] = snap
	}
	for expr, v := range values {
		snap[expr] = v
	}
}

// Clear drops all watches and snapshots.
func (s *DataWatchState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watchNames = nil
	s.watchMeta = make(map[string][]*BreakpointMeta)
	s.watchExpressions = nil
	s.watchExpressionMeta = make(map[string][]*BreakpointMeta)
	s.readWatchNames = make(map[string]bool)
	s.nameSnapshots = make(map[uint64]map[string]any)
	s.exprSnapshots = make(map[uint64]map[string]any)
}

func (s *DataWatchState) evaluateWatchExpression(expr string, frame runtime.FrameLike) any {
	val, err := eval.EvaluateWithPolicy(s.evaluator, expr, frame, true)
	if err != nil {
		return exprEvalError
	}
	return val
}

// watchValuesEqual extends SameValue with sentinel identity so a repeated
// evaluation error does not register as a change.
func watchValuesEqual(a, b any) bool {
	if a == exprEvalError || b == exprEvalError {
		return a == b
	}
	return runtime.SameValue(a, b)
}
