package core

import "strings"

// Filename substrings that identify event-loop internal frames. Normalised
// to forward slashes so the check works identically on Windows and POSIX.
var eventLoopPathMarkers = []string{"/asyncio/", "/concurrent/futures/"}

// IsEventLoopPath reports whether a filename belongs to the event-loop
// internals that async-aware stepping skips.
func IsEventLoopPath(filename string) bool {
	norm := strings.ReplaceAll(filename, "\\", "/")
	for _, marker := range eventLoopPathMarkers {
		if strings.Contains(norm, marker) {
			return true
		}
	}
	return false
}

// FrameClassifier implements just-my-code classification: a frame is library
// code when its source file is a frozen bootstrap module, lives in a
// site-packages/dist-packages tree, sits under one of the interpreter's
// prefix paths, or belongs to the debugger's own package.
type FrameClassifier struct {
	// prefixes are normalised interpreter prefix paths, each ending in "/"
	prefixes []string
	// ownSegments are path segments identifying the debugger's own frames
	ownSegments []string
}

// NewFrameClassifier builds a classifier from the runtime's interpreter
// prefix paths. Each prefix is lowercased, separator-normalised, and given a
// trailing slash so a sibling directory whose name merely starts with the
// prefix does not match.
func NewFrameClassifier(interpreterPrefixes []string) *FrameClassifier {
	prefixes := make([]string, 0, len(interpreterPrefixes))
	for _, p := range interpreterPrefixes {
		if p == "" {
			continue
		}
		norm := strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
		if !strings.HasSuffix(norm, "/") {
			norm += "/"
		}
		prefixes = append(prefixes, norm)
	}
	return &FrameClassifier{
		prefixes:    prefixes,
		ownSegments: []string{"/dapper/core/", "/dapper/launcher/"},
	}
}

// IsUserPath reports whether a raw filename should be treated as user code.
func (c *FrameClassifier) IsUserPath(filename string) bool {
	if strings.HasPrefix(filename, "<frozen ") || filename == "<frozen>" {
		return false
	}

	norm := strings.ReplaceAll(filename, "\\", "/")
	normLower := strings.ToLower(norm)

	if strings.Contains(normLower, "site-packages/") || strings.Contains(normLower, "dist-packages/") {
		return false
	}

	for _, prefix := range c.prefixes {
		if strings.HasPrefix(normLower, prefix) {
			return false
		}
	}

	for _, segment := range c.ownSegments {
		if strings.Contains(norm, segment) {
			return false
		}
	}

	return true
}
