package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCache is a line cache with fixed content
type fakeCache map[string][]string

func (c fakeCache) SourceLines(filename string) ([]string, bool) {
	lines, ok := c[filename]
	return lines, ok
}

// TestIsSynthetic tests synthetic filename detection
func TestIsSynthetic(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{path: "<string>", expected: true},
		{path: "<stdin>", expected: true},
		{path: "<frozen importlib._bootstrap>", expected: true},
		{path: "<ipython-input-3-abcdef>", expected: true},
		{path: "<template inline>", expected: true},
		{path: "/app/main.star", expected: false},
		{path: "main.star", expected: false},
		{path: "<unclosed", expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsSynthetic(tt.path))
		})
	}
}

// TestRefAllocation tests monotonic allocation and stable bindings
func TestRefAllocation(t *testing.T) {
	c := NewCatalog(nil)

	ref1 := c.GetOrCreateRef("<string>")
	ref2 := c.GetOrCreateRef("<stdin>")
	assert.Equal(t, 1, ref1)
	assert.Equal(t, 2, ref2)

	// Same path returns the same ref.
	assert.Equal(t, ref1, c.GetOrCreateRef("<string>"))

	got, ok := c.RefForPath("<stdin>")
	require.True(t, ok)
	assert.Equal(t, ref2, got)

	_, ok = c.RefForPath("<missing>")
	assert.False(t, ok)
}

// TestSyntheticContent tests line-cache content and the placeholder fallback
func TestSyntheticContent(t *testing.T) {
	cache := fakeCache{
		"<string>": {"x = 1", "y = 2"},
	}
	c := NewCatalog(cache)

	ref := c.GetOrCreateRef("<string>")
	content, ok := c.ContentByRef(ref)
	require.True(t, ok)
	assert.Equal(t, "x = 1\ny = 2", content)

	// No cached content: placeholder comment.
	ref = c.GetOrCreateRef("<stdin>")
	content, ok = c.ContentByRef(ref)
	require.True(t, ok)
	assert.Contains(t, content, "<stdin>")
	assert.Contains(t, content, "Source unavailable")
}

// TestUpdateContent tests content updates with stable ref binding
func TestUpdateContent(t *testing.T) {
	c := NewCatalog(nil)
	ref := c.GetOrCreateRef("<string>")

	require.True(t, c.UpdateContent(ref, "new body"))
	content, ok := c.ContentByRef(ref)
	require.True(t, ok)
	assert.Equal(t, "new body", content)

	entry, ok := c.EntryForRef(ref)
	require.True(t, ok)
	assert.Equal(t, "<string>", entry.Path)

	assert.False(t, c.UpdateContent(999, "x"))
}

// TestRealFileContent tests on-demand reads for real files
func TestRealFileContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.star")
	require.NoError(t, os.WriteFile(path, []byte("print('hi')\n"), 0o644))

	c := NewCatalog(nil)
	ref := c.GetOrCreateRef(path)

	content, ok := c.ContentByRef(ref)
	require.True(t, ok)
	assert.Equal(t, "print('hi')\n", content)

	// Round trip is byte-equal while the file is unmodified.
	again, ok := c.ContentByRef(ref)
	require.True(t, ok)
	assert.Equal(t, content, again)

	_, ok = c.ContentByRef(12345)
	assert.False(t, ok)
}

// TestSources tests the loadedSources record shapes
func TestSources(t *testing.T) {
	c := NewCatalog(nil)
	c.GetOrCreateRef("<string>")
	c.GetOrCreateRef("/app/main.star")

	sources := c.Sources()
	require.Len(t, sources, 2)

	byPath := make(map[string]dap.Source)
	for _, s := range sources {
		byPath[s.Path] = s
	}
	assert.NotZero(t, byPath["<string>"].SourceReference, "synthetic sources carry a reference")
	assert.Zero(t, byPath["/app/main.star"].SourceReference, "real files are fetched by path")
	assert.Equal(t, "main.star", byPath["/app/main.star"].Name)
}

// TestAnnotateStackFrames tests source-reference annotation of synthetic
// frames
func TestAnnotateStackFrames(t *testing.T) {
	c := NewCatalog(nil)

	frames := []dap.StackFrame{
		{Id: 1, Source: &dap.Source{Name: "<string>", Path: "<string>"}},
		{Id: 2, Source: &dap.Source{Name: "main.star", Path: "/app/main.star"}},
		{Id: 3},
	}
	c.AnnotateStackFrames(frames)

	assert.NotZero(t, frames[0].Source.SourceReference)
	assert.Zero(t, frames[1].Source.SourceReference)
	assert.Nil(t, frames[2].Source)
}
