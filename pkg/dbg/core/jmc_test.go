package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestIsEventLoopPath tests event-loop frame detection
func TestIsEventLoopPath(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{path: "/usr/lib/runtime/asyncio/events.star", expected: true},
		{path: "/usr/lib/runtime/concurrent/futures/thread.star", expected: true},
		{path: `C:\runtime\asyncio\base_events.star`, expected: true},
		{path: "/app/main.star", expected: false},
		{path: "/app/asyncio_helpers.star", expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsEventLoopPath(tt.path))
		})
	}
}

// TestIsUserPath tests just-my-code classification
func TestIsUserPath(t *testing.T) {
	c := NewFrameClassifier([]string{"/usr/lib/runtime", `C:\Runtime`})

	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{name: "user file", path: "/home/bob/project/main.star", expected: true},
		{name: "frozen module", path: "<frozen importlib._bootstrap>", expected: false},
		{name: "bare frozen", path: "<frozen>", expected: false},
		{name: "site packages", path: "/venv/lib/site-packages/requests/api.star", expected: false},
		{name: "dist packages", path: "/usr/lib/dist-packages/thing.star", expected: false},
		{name: "interpreter prefix", path: "/usr/lib/runtime/json/decoder.star", expected: false},
		{name: "prefix is case insensitive", path: "/USR/LIB/RUNTIME/os.star", expected: false},
		{name: "windows prefix with backslashes", path: `C:\Runtime\lib\io.star`, expected: false},
		{name: "sibling of prefix", path: "/usr/lib/runtime_extras/x.star", expected: true},
		{name: "debugger core frames", path: "/home/bob/dapper/core/debugger.star", expected: false},
		{name: "debugger launcher frames", path: "/home/bob/dapper/launcher/main.star", expected: false},
		{name: "synthetic non-frozen", path: "<string>", expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.IsUserPath(tt.path))
		})
	}
}

// TestIsUserPathNoPrefixes tests classification with no interpreter prefixes
func TestIsUserPathNoPrefixes(t *testing.T) {
	c := NewFrameClassifier(nil)
	assert.True(t, c.IsUserPath("/anywhere/at/all.star"))
	assert.False(t, c.IsUserPath("<frozen importlib>"))
}
