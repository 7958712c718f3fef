package core

import (
	"fmt"
	"sync"

	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// ExceptionBreakpointConfig holds the exception filter configuration.
type ExceptionBreakpointConfig struct {
	// BreakOnRaised breaks on every raised exception
	BreakOnRaised bool
	// BreakOnUncaught breaks only when no enclosing handler exists
	BreakOnUncaught bool
}

// Enabled reports whether any exception breakpoint is configured.
func (c ExceptionBreakpointConfig) Enabled() bool {
	return c.BreakOnRaised || c.BreakOnUncaught
}

// ConfigFromFilters builds the configuration from DAP filter IDs.
func ConfigFromFilters(filters []string) ExceptionBreakpointConfig {
	var cfg ExceptionBreakpointConfig
	for _, f := range filters {
		switch f {
		case "raised":
			cfg.BreakOnRaised = true
		case "uncaught":
			cfg.BreakOnUncaught = true
		}
	}
	return cfg
}

// ExceptionInfo is the DAP-shaped record stored per thread for the
// exceptionInfo request.
type ExceptionInfo struct {
	ExceptionID string           `json:"exceptionId"`
	Description string           `json:"description"`
	BreakMode   string           `json:"breakMode"`
	Details     ExceptionDetails `json:"details"`
}

// ExceptionDetails carries the structured exception description.
type ExceptionDetails struct {
	Message      string   `json:"message"`
	TypeName     string   `json:"typeName"`
	FullTypeName string   `json:"fullTypeName"`
	Source       string   `json:"source"`
	StackTrace   []string `json:"stackTrace"`
}

// ExceptionHandler decides whether to break on an exception and stores
// per-thread exception info for the adapter.
type ExceptionHandler struct {
	mu sync.Mutex

	config ExceptionBreakpointConfig
	// infoByThread stores the captured exception info per thread id
	infoByThread map[int]*ExceptionInfo
}

// NewExceptionHandler creates a handler with no filters enabled.
func NewExceptionHandler() *ExceptionHandler {
	return &ExceptionHandler{infoByThread: make(map[int]*ExceptionInfo)}
}

// Configure replaces the exception filter configuration.
func (h *ExceptionHandler) Configure(cfg ExceptionBreakpointConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = cfg
}

// Config returns the current configuration.
func (h *ExceptionHandler) Config() ExceptionBreakpointConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.config
}

// ShouldBreak decides whether to break for an exception raised in the frame.
// With "raised" every exception breaks; with only "uncaught" the handler
// probes the frame's code for an enclosing try handler covering the current
// line and breaks only when none exists. When handler coverage cannot be
// determined the exception is assumed handled.
func (h *ExceptionHandler) ShouldBreak(frame runtime.FrameLike) bool {
	cfg := h.Config()
	if !cfg.Enabled() {
		return false
	}
	if cfg.BreakOnRaised {
		return true
	}
	return frameMayHandleException(frame) == handlerAbsent
}

type handlerProbe int

const (
	handlerUnknown handlerProbe = iota
	handlerPresent
	handlerAbsent
)

// frameMayHandleException probes the frame's code unit for a try handler
// covering the current line. Indeterminable cases report handlerUnknown,
// which callers treat as handled.
func frameMayHandleException(frame runtime.FrameLike) handlerProbe {
	if frame == nil {
		return handlerUnknown
	}
	code, err := frame.Code()
	if err != nil || code == nil {
		return handlerUnknown
	}
	line, err := frame.Line()
	if err != nil {
		return handlerUnknown
	}

	regions, ok := code.TryRegions()
	if !ok {
		return handlerUnknown
	}
	for _, region := range regions {
		if line >= region.StartLine && line <= region.EndLine {
			return handlerPresent
		}
	}
	return handlerAbsent
}

// BreakMode returns the DAP break mode string for the current configuration.
func (h *ExceptionHandler) BreakMode() string {
	if h.Config().BreakOnRaised {
		return "always"
	}
	return "unhandled"
}

// BuildExceptionInfo builds the DAP exception info record for a raised
// exception.
func (h *ExceptionHandler) BuildExceptionInfo(exc *runtime.ExcInfo, frame runtime.FrameLike) *ExceptionInfo {
	source := "<unknown>"
	if frame != nil {
		if code, err := frame.Code(); err == nil && code != nil {
			source = code.Filename()
		}
	}

	return &ExceptionInfo{
		ExceptionID: exc.TypeName,
		Description: exc.Message,
		BreakMode:   h.BreakMode(),
		Details: ExceptionDetails{
			Message:      exc.Message,
			TypeName:     exc.TypeName,
			FullTypeName: exc.FullTypeName,
			Source:       source,
			StackTrace:   exc.StackTrace,
		},
	}
}

// ExceptionText returns the short text for the stopped event, e.g.
// "ValueError: invalid value".
func ExceptionText(exc *runtime.ExcInfo) string {
	return fmt.Sprintf("%s: %s", exc.TypeName, exc.Message)
}

// StoreExceptionInfo stores exception info for a thread.
func (h *ExceptionHandler) StoreExceptionInfo(threadID int, info *ExceptionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.infoByThread[threadID] = info
}

// ExceptionInfoForThread returns the stored exception info, or nil.
func (h *ExceptionHandler) ExceptionInfoForThread(threadID int) *ExceptionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.infoByThread[threadID]
}

// ClearExceptionInfo drops the stored exception info for a thread.
func (h *ExceptionHandler) ClearExceptionInfo(threadID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.infoByThread, threadID)
}

// ClearAll drops every stored exception info.
func (h *ExceptionHandler) ClearAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.infoByThread = make(map[int]*ExceptionInfo)
}
