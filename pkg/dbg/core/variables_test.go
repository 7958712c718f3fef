package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X int
	Y int
}

// fakeModel implements StructuredModel for tests
type fakeModel struct{}

func (fakeModel) ModelLabel() string { return "record Point" }
func (fakeModel) ModelFields() []ModelField {
	return []ModelField{{Name: "x", Value: 1}, {Name: "y", Value: 2}}
}

type staticWatch map[string]bool

func (w staticWatch) HasDataBreakpointForName(name string) bool { return w[name] }

// TestAllocateRef tests expandability rules and the reserved threshold
func TestAllocateRef(t *testing.T) {
	m := NewVariableManager()

	tests := []struct {
		name       string
		value      any
		expandable bool
	}{
		{name: "int", value: 42, expandable: false},
		{name: "string", value: "hello", expandable: false},
		{name: "bool", value: true, expandable: false},
		{name: "nil", value: nil, expandable: false},
		{name: "map", value: map[string]any{"a": 1}, expandable: true},
		{name: "slice", value: []any{1, 2}, expandable: true},
		{name: "struct", value: point{1, 2}, expandable: true},
		{name: "struct pointer", value: &point{1, 2}, expandable: true},
		{name: "structured model", value: fakeModel{}, expandable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := m.AllocateRef(tt.value)
			if tt.expandable {
				assert.GreaterOrEqual(t, ref, DefaultStartVarRef)
				_, ok := m.Ref(ref)
				assert.True(t, ok)
			} else {
				assert.Equal(t, 0, ref)
			}
		})
	}
}

// TestScopeRefs tests frame scope reference resolution
func TestScopeRefs(t *testing.T) {
	m := NewVariableManager()

	ref := m.AllocateScopeRef(7, ScopeLocals)
	stored, ok := m.Ref(ref)
	require.True(t, ok)
	assert.True(t, stored.IsScope())
	assert.Equal(t, 7, stored.FrameID)
	assert.Equal(t, ScopeLocals, stored.Scope)

	m.Clear()
	_, ok = m.Ref(ref)
	assert.False(t, ok)
}

// TestMakeVariable tests the Variable record shape
func TestMakeVariable(t *testing.T) {
	m := NewVariableManager()

	v := m.MakeVariable("x", 42, nil)
	assert.Equal(t, "x", v.Name)
	assert.Equal(t, "42", v.Value)
	assert.Equal(t, "int", v.Type)
	assert.Equal(t, 0, v.VariablesReference)
	require.NotNil(t, v.PresentationHint)
	assert.Equal(t, "data", v.PresentationHint.Kind)
	assert.Equal(t, "public", v.PresentationHint.Visibility)

	private := m.MakeVariable("_hidden", 1, nil)
	assert.Equal(t, "private", private.PresentationHint.Visibility)

	expandable := m.MakeVariable("items", []any{1, 2}, nil)
	assert.GreaterOrEqual(t, expandable.VariablesReference, DefaultStartVarRef)
}

// TestMakeVariableTruncation tests value truncation with ellipsis
func TestMakeVariableTruncation(t *testing.T) {
	m := NewVariableManager()
	m.MaxValueLength = 10

	long := strings.Repeat("a", 50)
	v := m.MakeVariable("s", long, nil)
	assert.True(t, strings.HasSuffix(v.Value, "..."))
	assert.Len(t, v.Value, 13)
}

// TestMakeVariableDataBreakpointAttribute tests hasDataBreakpoint decoration
func TestMakeVariableDataBreakpointAttribute(t *testing.T) {
	m := NewVariableManager()
	watches := staticWatch{"x": true}

	v := m.MakeVariable("x", 1, watches)
	assert.Contains(t, v.PresentationHint.Attributes, "hasDataBreakpoint")

	v = m.MakeVariable("y", 1, watches)
	assert.NotContains(t, v.PresentationHint.Attributes, "hasDataBreakpoint")
}

// TestMakeVariableStructuredModel tests model decoration
func TestMakeVariableStructuredModel(t *testing.T) {
	m := NewVariableManager()

	v := m.MakeVariable("p", fakeModel{}, nil)
	assert.Equal(t, "record Point", v.Type)
	assert.Equal(t, 2, v.NamedVariables)

	children := m.ExpandValue(fakeModel{}, nil)
	require.Len(t, children, 2)
	assert.Equal(t, "x", children[0].Name)
	assert.Equal(t, "property", children[0].PresentationHint.Kind)
}

// TestExpandValue tests container expansion
func TestExpandValue(t *testing.T) {
	m := NewVariableManager()

	children := m.ExpandValue([]any{10, 20}, nil)
	require.Len(t, children, 2)
	assert.Equal(t, "[0]", children[0].Name)
	assert.Equal(t, "10", children[0].Value)

	children = m.ExpandValue(map[string]any{"k": "v"}, nil)
	require.Len(t, children, 1)
	assert.Equal(t, "k", children[0].Name)
	assert.Equal(t, `"v"`, children[0].Value)

	children = m.ExpandValue(point{3, 4}, nil)
	require.Len(t, children, 2)

	assert.Nil(t, m.ExpandValue(42, nil))
}

// TestFormatValue tests canonical rendering
func TestFormatValue(t *testing.T) {
	m := NewVariableManager()
	assert.Equal(t, "None", m.FormatValue(nil))
	assert.Equal(t, "True", m.FormatValue(true))
	assert.Equal(t, "False", m.FormatValue(false))
	assert.Equal(t, `"hi"`, m.FormatValue("hi"))
	assert.Equal(t, "3", m.FormatValue(3))
}
