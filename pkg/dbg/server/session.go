// Package server implements the debuggee-side command surface: session
// state, thread-safe receipt of IPC frames, routing to command handlers and
// provider plug-ins, and response framing.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jnsquire/dapper/pkg/dbg/core"
	"github.com/jnsquire/dapper/pkg/dbg/ipc"
	"github.com/jnsquire/dapper/pkg/dbg/runtime"
	"github.com/jnsquire/dapper/pkg/dbg/source"
	"github.com/jnsquire/dapper/pkg/dbg/trace"
)

// Command is one decoded IPC command frame.
type Command struct {
	// Command is the command name
	Command string `json:"command"`
	// Arguments carries the command-specific arguments
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// ID, when present, requests a response frame with the matching id
	ID *int `json:"id,omitempty"`
	// Seq is the adapter's sequence number
	Seq int `json:"seq,omitempty"`
}

// Result is what a command handler returns: nil means the handler sent its
// own events; otherwise a response frame is synthesized for id-carrying
// commands.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Body    any    `json:"body,omitempty"`
}

// CommandProvider is a plug-in consulted before the built-in handlers.
// Providers are ordered by descending priority.
type CommandProvider interface {
	// CanHandle reports whether the provider handles the command
	CanHandle(command string) bool
	// Handle processes the command; a nil result means the provider sent
	// any events or responses itself
	Handle(s *Session, command string, arguments json.RawMessage, full Command) (*Result, error)
}

type providerEntry struct {
	priority int
	provider CommandProvider
}

// HandlerFunc is a built-in command handler.
type HandlerFunc func(s *Session, arguments json.RawMessage) (*Result, error)

// Options configures a session.
type Options struct {
	// Channel is the connected IPC channel; required
	Channel *ipc.Channel
	// Evaluator evaluates expressions; required
	Evaluator runtime.Evaluator
	// Threads exposes native thread identity; required
	Threads runtime.Threads
	// LineCache feeds the source catalog; may be nil
	LineCache runtime.LineCache
	// Backend is the active tracing backend; may be nil until installed
	Backend trace.Backend
	// Hooks are the process-level exit/exec primitives; zero-value hooks
	// default to os.Exit and an exec error
	Hooks runtime.SessionHooks
	// JustMyCode enables library-frame skipping (launch default true)
	JustMyCode bool
	// StopOnEntry stops at the first user line
	StopOnEntry bool
	// Program and Args record the launch target for restart
	Program string
	Args    []string
	// InterpreterPrefixes configure just-my-code classification
	InterpreterPrefixes []string
	// Logger receives diagnostics
	Logger *slog.Logger
}

// Session owns the debugger core and the command dispatch for one adapter
// connection.
type Session struct {
	debugger *core.Debugger
	channel  *ipc.Channel
	catalog  *source.Catalog
	hooks    runtime.SessionHooks
	logger   *slog.Logger

	program string
	args    []string

	stopOnEntry bool
	configured  atomic.Bool
	terminated  atomic.Bool

	providersMu sync.Mutex
	providers   []providerEntry

	handlers map[string]HandlerFunc
}

// NewSession wires a session over a connected channel.
func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hooks := opts.Hooks
	if hooks.Exit == nil {
		hooks.Exit = os.Exit
	}
	if hooks.Exec == nil {
		hooks.Exec = func(path string, argv []string) error {
			return fmt.Errorf("exec is not available in this process")
		}
	}

	s := &Session{
		channel:     opts.Channel,
		catalog:     source.NewCatalog(opts.LineCache),
		hooks:       hooks,
		logger:      logger,
		program:     opts.Program,
		args:        append([]string(nil), opts.Args...),
		stopOnEntry: opts.StopOnEntry,
	}

	s.debugger = core.NewDebugger(core.Options{
		Evaluator:  opts.Evaluator,
		Threads:    opts.Threads,
		Sink:       s,
		JustMyCode: opts.JustMyCode,
		Classifier: core.NewFrameClassifier(opts.InterpreterPrefixes),
		Annotator:  s.catalog.AnnotateStackFrames,
		Logger:     logger,
	})
	if opts.Backend != nil {
		s.debugger.SetBackend(opts.Backend)
	}

	s.handlers = builtinHandlers()
	return s
}

// Debugger returns the session's debugger core.
func (s *Session) Debugger() *core.Debugger { return s.debugger }

// Catalog returns the session's source catalog.
func (s *Session) Catalog() *source.Catalog { return s.catalog }

// IsTerminated reports whether the session has been torn down.
func (s *Session) IsTerminated() bool { return s.terminated.Load() }

// IsConfigured reports whether configurationDone has been received.
func (s *Session) IsConfigured() bool { return s.configured.Load() }

// StopOnEntry reports whether the session stops at program entry.
func (s *Session) StopOnEntry() bool { return s.stopOnEntry }

// RegisterCommandProvider registers a provider; higher priority providers
// are consulted first.
func (s *Session) RegisterCommandProvider(p CommandProvider, priority int) {
	s.providersMu.Lock()
	defer s.providersMu.Unlock()

	s.providers = append(s.providers, providerEntry{priority: priority, provider: p})
	sort.SliceStable(s.providers, func(i, j int) bool {
		return s.providers[i].priority > s.providers[j].priority
	})
}

// UnregisterCommandProvider removes a previously registered provider.
func (s *Session) UnregisterCommandProvider(p CommandProvider) {
	s.providersMu.Lock()
	defer s.providersMu.Unlock()

	kept := s.providers[:0]
	for _, entry := range s.providers {
		if entry.provider != p {
			kept = append(kept, entry)
		}
	}
	s.providers = kept
}

// SendEvent implements core.EventSink: events are flattened into the frame
// envelope alongside the event discriminator.
func (s *Session) SendEvent(event string, body any) {
	if s.terminated.Load() {
		return
	}
	msg, err := envelope(event, body)
	if err != nil {
		s.logger.Debug("encoding event failed", "event", event, "error", err)
		return
	}
	if err := s.channel.Send(msg); err != nil {
		s.logger.Debug("event send failed; terminating session", "event", event, "error", err)
		s.terminate(false)
	}
}

// sendResponse synthesizes a response frame echoing the command id.
func (s *Session) sendResponse(id int, result *Result) {
	msg := map[string]any{
		"event":   "response",
		"id":      id,
		"success": result.Success,
	}
	if result.Message != "" {
		msg["message"] = result.Message
	}
	if result.Body != nil {
		msg["body"] = result.Body
	}
	if err := s.channel.Send(msg); err != nil {
		s.logger.Debug("response send failed; terminating session", "error", err)
		s.terminate(false)
	}
}

// Serve reads command frames until the channel fails or the session ends.
// Runs on its own goroutine; handlers never block on debuggee threads.
func (s *Session) Serve() error {
	for {
		msg, err := s.channel.Receive()
		if err != nil {
			if s.terminated.Load() {
				return nil
			}
			s.logger.Debug("ipc receive failed; terminating session", "error", err)
			s.terminate(true)
			return err
		}

		var cmd Command
		if raw, ok := msg["command"]; ok {
			if err := json.Unmarshal(raw, &cmd.Command); err != nil {
				s.logger.Debug("malformed command frame", "error", err)
				continue
			}
		}
		cmd.Arguments = msg["arguments"]
		if raw, ok := msg["id"]; ok {
			var id int
			if err := json.Unmarshal(raw, &id); err == nil {
				cmd.ID = &id
			}
		}
		if raw, ok := msg["seq"]; ok {
			_ = json.Unmarshal(raw, &cmd.Seq)
		}

		s.Dispatch(cmd)
	}
}

// Dispatch routes one command through providers and built-in handlers. The
// dispatch loop never crashes on handler faults: errors and panics become
// error responses.
func (s *Session) Dispatch(cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("command handler panic", "command", cmd.Command, "panic", r)
			s.respondError(cmd, fmt.Sprintf("Error handling command %s: %v", cmd.Command, r))
		}
	}()

	s.providersMu.Lock()
	providers := make([]CommandProvider, 0, len(s.providers))
	for _, entry := range s.providers {
		providers = append(providers, entry.provider)
	}
	s.providersMu.Unlock()

	for _, provider := range providers {
		if !provider.CanHandle(cmd.Command) {
			continue
		}
		result, err := provider.Handle(s, cmd.Command, cmd.Arguments, cmd)
		if err != nil {
			s.respondError(cmd, fmt.Sprintf("Error handling command %s: %v", cmd.Command, err))
			return
		}
		if result != nil && cmd.ID != nil {
			s.sendResponse(*cmd.ID, result)
		}
		return
	}

	handler, ok := s.handlers[cmd.Command]
	if !ok {
		s.respondError(cmd, fmt.Sprintf("Unknown command: %s", cmd.Command))
		return
	}

	result, err := handler(s, cmd.Arguments)
	if err != nil {
		s.respondError(cmd, fmt.Sprintf("Error handling command %s: %v", cmd.Command, err))
		return
	}
	if result != nil && cmd.ID != nil {
		s.sendResponse(*cmd.ID, result)
	}
}

func (s *Session) respondError(cmd Command, message string) {
	if cmd.ID != nil {
		s.sendResponse(*cmd.ID, &Result{Success: false, Message: message})
		return
	}
	s.SendEvent("error", map[string]any{"message": message})
}

// terminate unwinds the session: mark terminated, release blocked threads,
// close the write channel, then invoke the process exit hook.
func (s *Session) terminate(exitProcess bool) {
	if s.terminated.Swap(true) {
		return
	}
	s.debugger.MarkTerminated()
	if b := s.debugger.Backend(); b != nil {
		b.Shutdown()
	}
	_ = s.channel.Close()
	if exitProcess {
		s.hooks.Exit(0)
	}
}

// envelope flattens an event body into the wire envelope.
func envelope(event string, body any) (map[string]any, error) {
	msg := map[string]any{"event": event}
	if body == nil {
		return msg, nil
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		msg[k] = v
	}
	return msg, nil
}
