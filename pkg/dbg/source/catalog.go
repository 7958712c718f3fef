// Package source maps synthetic filenames (interactive, eval'd, templated
// code) to in-memory source text and allocates the source references through
// which the adapter fetches content it does not have on disk.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/go-dap"

	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// syntheticRe matches filenames of the form <...>: <string>, <stdin>,
// <frozen importlib._bootstrap>, <ipython-input-3-...>, <template ...>, etc.
var syntheticRe = regexp.MustCompile(`^<.*>$`)

// IsSynthetic reports whether a filename designates in-memory code.
func IsSynthetic(filename string) bool {
	return syntheticRe.MatchString(filename)
}

// Entry is one registered source.
type Entry struct {
	// Ref is the allocated source reference
	Ref int
	// Path is the (possibly synthetic) filename
	Path string
	// Name is the display name
	Name string
	// Content is the in-memory text for synthetic sources; empty for real
	// files, whose content is read on demand
	Content string
	// Origin tags where a synthetic source came from ("linecache",
	// "placeholder", ...)
	Origin string
}

// Catalog allocates source references and stores synthetic source text.
// References are assigned monotonically; the ref-to-path binding is stable
// once created, though synthetic content may be updated.
type Catalog struct {
	mu sync.Mutex

	refs      map[int]*Entry
	pathToRef map[string]int
	nextRef   int

	// cache is the runtime's line cache, consulted for synthetic content
	cache runtime.LineCache
}

// NewCatalog creates an empty catalog over the runtime's line cache. A nil
// cache registers placeholders for all synthetic sources.
func NewCatalog(cache runtime.LineCache) *Catalog {
	return &Catalog{
		refs:      make(map[int]*Entry),
		pathToRef: make(map[string]int),
		nextRef:   1,
		cache:     cache,
	}
}

// GetOrCreateRef allocates (or returns the existing) source reference for a
// path. Synthetic paths are registered with content from the line cache, or
// a placeholder comment when the cache has nothing.
func (c *Catalog) GetOrCreateRef(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ref, ok := c.pathToRef[path]; ok {
		return ref
	}

	entry := &Entry{
		Ref:  c.nextRef,
		Path: path,
		Name: displayName(path),
	}
	c.nextRef++

	if IsSynthetic(path) {
		if lines, ok := c.cachedLines(path); ok {
			entry.Content = strings.Join(lines, "\n")
			entry.Origin = "linecache"
		} else {
			entry.Content = fmt.Sprintf("# Source unavailable for %s\n", path)
			entry.Origin = "placeholder"
		}
	}

	c.refs[entry.Ref] = entry
	c.pathToRef[path] = entry.Ref
	return entry.Ref
}

// RefForPath returns the existing reference for a path, if any.
func (c *Catalog) RefForPath(path string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.pathToRef[path]
	return ref, ok
}

// EntryForRef returns the registered entry for a reference.
func (c *Catalog) EntryForRef(ref int) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.refs[ref]
	return entry, ok
}

// UpdateContent replaces the stored content of a synthetic source. The
// ref-to-path binding never changes.
func (c *Catalog) UpdateContent(ref int, content string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.refs[ref]
	if !ok {
		return false
	}
	entry.Content = content
	return true
}

// ContentByRef returns the source text for a reference: stored content for
// synthetic sources, the file's bytes for real paths.
func (c *Catalog) ContentByRef(ref int) (string, bool) {
	c.mu.Lock()
	entry, ok := c.refs[ref]
	c.mu.Unlock()
	if !ok {
		return "", false
	}

	if entry.Content != "" || IsSynthetic(entry.Path) {
		return entry.Content, true
	}

	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Sources returns a DAP Source record per registered entry, for
// loadedSources responses.
func (c *Catalog) Sources() []dap.Source {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]dap.Source, 0, len(c.refs))
	for _, entry := range c.refs {
		src := dap.Source{
			Name: entry.Name,
			Path: entry.Path,
		}
		if IsSynthetic(entry.Path) {
			src.SourceReference = entry.Ref
		}
		out = append(out, src)
	}
	return out
}

// AnnotateStackFrames attaches source references to frames whose filename is
// synthetic, so the adapter can fetch content through the source command.
func (c *Catalog) AnnotateStackFrames(frames []dap.StackFrame) {
	for i := range frames {
		src := frames[i].Source
		if src == nil || src.Path == "" {
			continue
		}
		if IsSynthetic(src.Path) {
			src.SourceReference = c.GetOrCreateRef(src.Path)
		}
	}
}

func (c *Catalog) cachedLines(path string) ([]string, bool) {
	if c.cache == nil {
		return nil, false
	}
	lines, ok := c.cache.SourceLines(path)
	if !ok || len(lines) == 0 {
		return nil, false
	}
	return lines, true
}

func displayName(path string) string {
	if IsSynthetic(path) {
		return path
	}
	return filepath.Base(path)
}
