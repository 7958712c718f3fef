package core

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jnsquire/dapper/pkg/dbg/dbgtest"
	"github.com/jnsquire/dapper/pkg/dbg/eval"
)

func newWatchState() *DataWatchState {
	return NewDataWatchState(eval.NewEvaluator())
}

// TestNameWatchChangeDetection checks that the assignment sequence
// 1, 2, 2, 3 produces changes for 1→2 and 2→3 only.
func TestNameWatchChangeDetection(t *testing.T) {
	s := newWatchState()
	s.RegisterWatches([]string{"x"}, nil)

	const frameID = 42
	changes := 0
	for _, value := range []any{1, 2, 2, 3} {
		locals := map[string]any{"x": value}
		changed := s.CheckForChanges(frameID, locals)
		s.UpdateSnapshots(frameID, locals)
		changes += len(changed)
	}

	assert.Equal(t, 2, changes, "expected changes for the 1→2 and 2→3 transitions only")
}

// TestNameWatchFirstVisitSeeds tests that the first visit snapshots without
// reporting a change
func TestNameWatchFirstVisitSeeds(t *testing.T) {
	s := newWatchState()
	s.RegisterWatches([]string{"x"}, nil)

	locals := map[string]any{"x": 1}
	assert.Empty(t, s.CheckForChanges(7, locals))
	s.UpdateSnapshots(7, locals)

	// Same value again: still no change.
	assert.Empty(t, s.CheckForChanges(7, locals))
}

// TestNameWatchPerFrameIsolation tests that snapshots are keyed by frame
// identity
func TestNameWatchPerFrameIsolation(t *testing.T) {
	s := newWatchState()
	s.RegisterWatches([]string{"x"}, nil)

	s.UpdateSnapshots(1, map[string]any{"x": 1})
	s.UpdateSnapshots(2, map[string]any{"x": 99})

	changed := s.CheckForChanges(1, map[string]any{"x": 2})
	assert.Equal(t, []string{"x"}, changed)
	assert.Empty(t, s.CheckForChanges(2, map[string]any{"x": 99}))
}

// TestNameWatchReferenceIdentity tests that reference values compare by
// identity, not content
func TestNameWatchReferenceIdentity(t *testing.T) {
	s := newWatchState()
	s.RegisterWatches([]string{"m"}, nil)

	m1 := map[string]any{"a": 1}
	s.UpdateSnapshots(1, map[string]any{"m": m1})

	// Same map mutated in place: no rebinding, no change.
	m1["a"] = 2
	assert.Empty(t, s.CheckForChanges(1, map[string]any{"m": m1}))

	// A different map with equal content is a rebinding.
	m2 := map[string]any{"a": 2}
	assert.Equal(t, []string{"m"}, s.CheckForChanges(1, map[string]any{"m": m2}))
}

// TestExpressionWatch tests expression snapshots and the error sentinel
func TestExpressionWatch(t *testing.T) {
	s := newWatchState()
	s.RegisterExpressionWatches([]string{"x + y"}, nil)

	code := &dbgtest.FakeCode{File: "/app/prog.star", FuncName: "main"}
	frame := dbgtest.NewFrame(code, 1, map[string]any{"x": 1, "y": 1})

	// Seed.
	assert.Empty(t, s.CheckExpressionChanges(frame.ID(), frame))
	s.UpdateExpressionSnapshots(frame.ID(), frame)

	// Same result: no change.
	assert.Empty(t, s.CheckExpressionChanges(frame.ID(), frame))

	// Different result: change.
	frame.LocalVars["y"] = 5
	assert.Equal(t, []string{"x + y"}, s.CheckExpressionChanges(frame.ID(), frame))
	s.UpdateExpressionSnapshots(frame.ID(), frame)

	// Evaluation error: value→error is a change.
	delete(frame.LocalVars, "y")
	assert.Equal(t, []string{"x + y"}, s.CheckExpressionChanges(frame.ID(), frame))
	s.UpdateExpressionSnapshots(frame.ID(), frame)

	// Repeated error: the sentinel equals itself, no change.
	assert.Empty(t, s.CheckExpressionChanges(frame.ID(), frame))
}

// TestReadWatchNames tests read-watch set derivation from access types
func TestReadWatchNames(t *testing.T) {
	s := newWatchState()
	s.RegisterWatches([]string{"a", "b", "c"}, map[string][]*BreakpointMeta{
		"a": {{AccessType: "write"}},
		"b": {{AccessType: "read"}},
		"c": {{AccessType: "readWrite"}},
	})

	assert.False(t, s.IsReadWatching("a"))
	assert.True(t, s.IsReadWatching("b"))
	assert.True(t, s.IsReadWatching("c"))
	assert.ElementsMatch(t, []string{"b", "c"}, s.ReadWatchNames())
}

// TestHasDataBreakpointForName tests variable decoration lookups
func TestHasDataBreakpointForName(t *testing.T) {
	s := newWatchState()
	s.RegisterWatches([]string{"x"}, map[string][]*BreakpointMeta{
		"x": {{AccessType: "write"}},
	})

	assert.True(t, s.HasDataBreakpointForName("x"))
	assert.False(t, s.HasDataBreakpointForName("y"))
}

// TestRegisterWatchesDropsStaleSnapshots tests that removing a watch drops
// its snapshots so a later re-add re-seeds
func TestRegisterWatchesDropsStaleSnapshots(t *testing.T) {
	s := newWatchState()
	s.RegisterWatches([]string{"x"}, nil)
	s.UpdateSnapshots(1, map[string]any{"x": 1})

	s.RegisterWatches(nil, nil)
	s.RegisterWatches([]string{"x"}, nil)

	// Value differs from the pre-clear snapshot, but the watch was re-added
	// and must re-seed instead of firing.
	assert.Empty(t, s.CheckForChanges(1, map[string]any{"x": 2}))
}
