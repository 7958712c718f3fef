package core

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/go-dap"
)

// DefaultStartVarRef is the first variable reference id handed out; lower
// ids are reserved (0 means "not expandable").
const DefaultStartVarRef = 1000

// DefaultMaxValueLength caps the textual form of a value before truncation.
const DefaultMaxValueLength = 1000

// ScopeKind names a frame scope a variable reference can resolve to.
type ScopeKind string

const (
	// ScopeLocals is the frame's local bindings
	ScopeLocals ScopeKind = "locals"
	// ScopeGlobals is the frame's module-level bindings
	ScopeGlobals ScopeKind = "globals"
)

// VarRef is what a variable reference resolves to: either an arbitrary
// runtime value or a (frame id, scope) pair.
type VarRef struct {
	// Object is the referenced value when Scope is empty
	Object any
	// FrameID and Scope identify a frame scope reference
	FrameID int
	Scope   ScopeKind
}

// IsScope reports whether the reference points at a frame scope.
func (r VarRef) IsScope() bool { return r.Scope != "" }

// StructuredModel marks values that present as structured records in the
// variables UI: the type label is decorated with the model kind and fields
// expand with a property presentation hint.
type StructuredModel interface {
	// ModelLabel returns the decorated type label (e.g. "dataclass Point")
	ModelLabel() string
	// ModelFields returns the declared fields in order
	ModelFields() []ModelField
}

// ModelField is one named field of a structured model.
type ModelField struct {
	Name  string
	Value any
}

// VariableManager allocates variable references for expandable values and
// synthesizes DAP Variable records with presentation hints.
type VariableManager struct {
	mu sync.Mutex

	nextRef int
	refs    map[int]VarRef

	// MaxValueLength truncates rendered values; values longer than this get
	// an ellipsis suffix
	MaxValueLength int
}

// NewVariableManager creates a manager allocating refs from DefaultStartVarRef.
func NewVariableManager() *VariableManager {
	return &VariableManager{
		nextRef:        DefaultStartVarRef,
		refs:           make(map[int]VarRef),
		MaxValueLength: DefaultMaxValueLength,
	}
}

// AllocateRef allocates a reference for an expandable value. Primitives
// return 0.
func (m *VariableManager) AllocateRef(value any) int {
	if !IsExpandable(value) {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ref := m.nextRef
	m.nextRef++
	m.refs[ref] = VarRef{Object: value}
	return ref
}

// AllocateScopeRef allocates a reference resolving to a frame scope.
func (m *VariableManager) AllocateScopeRef(frameID int, scope ScopeKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := m.nextRef
	m.nextRef++
	m.refs[ref] = VarRef{FrameID: frameID, Scope: scope}
	return ref
}

// Ref resolves a reference id.
func (m *VariableManager) Ref(id int) (VarRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[id]
	return ref, ok
}

// Clear drops all references and resets the counter.
func (m *VariableManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs = make(map[int]VarRef)
	m.nextRef = DefaultStartVarRef
}

// IsExpandable reports whether a value gets a variable reference: maps,
// slices, arrays, structs (and pointers to them), and structured models.
func IsExpandable(value any) bool {
	if value == nil {
		return false
	}
	if _, ok := value.(StructuredModel); ok {
		return true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	}
	return false
}

// DataBreakpointChecker reports whether a variable name is in the current
// data-watch set; used for the hasDataBreakpoint attribute.
type DataBreakpointChecker interface {
	HasDataBreakpointForName(name string) bool
}

// MakeVariable synthesizes a DAP Variable record for a named value.
func (m *VariableManager) MakeVariable(name string, value any, watches DataBreakpointChecker) dap.Variable {
	valStr := m.FormatValue(value)
	varRef := m.AllocateRef(value)
	typeName := typeNameOf(value)
	kind, attrs := detectKindAndAttrs(value, m.MaxValueLength)

	namedVariables := 0
	if model, ok := value.(StructuredModel); ok {
		typeName = model.ModelLabel()
		namedVariables = len(model.ModelFields())
	}

	if watches != nil && watches.HasDataBreakpointForName(name) {
		attrs = append(attrs, "hasDataBreakpoint")
	}

	return dap.Variable{
		Name:               name,
		Value:              valStr,
		Type:               typeName,
		VariablesReference: varRef,
		NamedVariables:     namedVariables,
		PresentationHint: &dap.VariablePresentationHint{
			Kind:       kind,
			Attributes: attrs,
			Visibility: visibilityOf(name),
		},
	}
}

// ExpandValue produces the child variables of a referenced value: map
// entries, slice elements, struct fields, or structured-model fields (the
// latter with a property presentation hint).
func (m *VariableManager) ExpandValue(value any, watches DataBreakpointChecker) []dap.Variable {
	if model, ok := value.(StructuredModel); ok {
		fields := model.ModelFields()
		out := make([]dap.Variable, 0, len(fields))
		for _, field := range fields {
			v := m.MakeVariable(field.Name, field.Value, watches)
			v.PresentationHint.Kind = "property"
			out = append(out, v)
		}
		return out
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		keys := rv.MapKeys()
		out := make([]dap.Variable, 0, len(keys))
		for _, key := range keys {
			out = append(out, m.MakeVariable(fmt.Sprintf("%v", key.Interface()), rv.MapIndex(key).Interface(), watches))
		}
		return out

	case reflect.Slice, reflect.Array:
		out := make([]dap.Variable, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, m.MakeVariable(fmt.Sprintf("[%d]", i), rv.Index(i).Interface(), watches))
		}
		return out

	case reflect.Struct:
		rt := rv.Type()
		out := make([]dap.Variable, 0, rt.NumField())
		for i := 0; i < rt.NumField(); i++ {
			if !rv.Field(i).CanInterface() {
				continue
			}
			out = append(out, m.MakeVariable(rt.Field(i).Name, rv.Field(i).Interface(), watches))
		}
		return out
	}

	return nil
}

// FormatValue renders a value's canonical textual form, truncated to the
// configured limit with an ellipsis suffix.
func (m *VariableManager) FormatValue(value any) string {
	s := renderValue(value)
	max := m.MaxValueLength
	if max <= 0 {
		max = DefaultMaxValueLength
	}
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "None"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func typeNameOf(value any) string {
	if value == nil {
		return "NoneType"
	}
	return reflect.TypeOf(value).String()
}

func detectKindAndAttrs(value any, maxStringLength int) (string, []string) {
	attrs := []string{}

	if value == nil {
		return "data", attrs
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Func {
		attrs = append(attrs, "hasSideEffects")
		return "method", attrs
	}

	if s, ok := value.(string); ok {
		if len(s) > maxStringLength || containsNewline(s) {
			attrs = append(attrs, "rawString")
		}
		return "data", attrs
	}

	return "data", attrs
}

func containsNewline(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return true
		}
	}
	return false
}

func visibilityOf(name string) string {
	if len(name) > 0 && name[0] == '_' {
		return "private"
	}
	return "public"
}
