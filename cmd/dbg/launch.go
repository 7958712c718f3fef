// Package dbg contains the debugger launch commands.
package dbg

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jnsquire/dapper/pkg/dbg/config"
	"github.com/jnsquire/dapper/pkg/dbg/ipc"
	"github.com/jnsquire/dapper/pkg/dbg/runtime"
	"github.com/jnsquire/dapper/pkg/dbg/server"
)

// Color definitions for launcher output
var (
	colorBanner  = color.New(color.FgCyan, color.Bold)
	colorInfo    = color.New(color.FgGreen)
	colorWarning = color.New(color.FgYellow, color.Bold)
	colorError   = color.New(color.FgRed, color.Bold)
)

// ProgramRunner executes the debuggee program inside this process once the
// session is connected. The embedding runtime registers its runner before
// Execute; the debugger core observes execution through the runner's
// tracing surface.
type ProgramRunner interface {
	// Run executes the program to completion and returns its exit code
	Run(session *server.Session, program string, args []string) (int, error)
	// Evaluator returns the runtime's expression evaluator
	Evaluator() runtime.Evaluator
	// Threads exposes the runtime's thread identity
	Threads() runtime.Threads
	// LineCache exposes the runtime's source cache
	LineCache() runtime.LineCache
}

var programRunner ProgramRunner

// RegisterRunner installs the embedded program runner. Must be called by the
// hosting runtime before Execute.
func RegisterRunner(r ProgramRunner) {
	programRunner = r
}

// DbgCmd groups the debugger subcommands.
var DbgCmd = &cobra.Command{
	Use:   "dbg",
	Short: "Run programs under the debug adapter runtime",
}

var launchCmd = &cobra.Command{
	Use:   "launch <program> [--arg value]...",
	Short: "Launch a program with the debuggee core attached",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLaunch,
}

func init() {
	DbgCmd.AddCommand(launchCmd)

	launchCmd.Flags().StringArray("arg", nil, "program argument (repeatable)")
	launchCmd.Flags().String("launch-config", "", "launch configuration file (yaml)")
	launchCmd.Flags().String("ipc", "tcp", "ipc transport: tcp or pipe")
	launchCmd.Flags().String("ipc-host", "localhost", "ipc bind host")
	launchCmd.Flags().Int("ipc-port", 0, "ipc port (0 picks an ephemeral port)")
	launchCmd.Flags().Bool("ipc-binary", true, "use binary frame mode")
	launchCmd.Flags().Bool("just-my-code", true, "skip library frames while stepping")
	launchCmd.Flags().Bool("stop-on-entry", false, "stop at the first user line")
}

func runLaunch(cmd *cobra.Command, args []string) error {
	cfg := config.Defaults()
	if path, _ := cmd.Flags().GetString("launch-config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			colorError.Fprintln(os.Stderr, err)
			return err
		}
		cfg = loaded
	}

	cfg.Program = args[0]
	if extra, _ := cmd.Flags().GetStringArray("arg"); len(extra) > 0 {
		cfg.Args = extra
	}
	if cmd.Flags().Changed("ipc") {
		cfg.IPC, _ = cmd.Flags().GetString("ipc")
	}
	if cmd.Flags().Changed("ipc-host") {
		cfg.IPCHost, _ = cmd.Flags().GetString("ipc-host")
	}
	if cmd.Flags().Changed("ipc-port") {
		cfg.IPCPort, _ = cmd.Flags().GetInt("ipc-port")
	}
	if cmd.Flags().Changed("just-my-code") {
		jmc, _ := cmd.Flags().GetBool("just-my-code")
		cfg.JustMyCode = &jmc
	}
	if cmd.Flags().Changed("stop-on-entry") {
		cfg.StopOnEntry, _ = cmd.Flags().GetBool("stop-on-entry")
	}
	if err := cfg.Validate(); err != nil {
		colorError.Fprintln(os.Stderr, err)
		return err
	}

	if programRunner == nil {
		err := fmt.Errorf("no debuggee runtime is linked into this binary; embed the core and call dbg.RegisterRunner")
		colorError.Fprintln(os.Stderr, err)
		return err
	}

	colorBanner.Fprintln(os.Stderr, "dapper debuggee runtime")

	var channel *ipc.Channel
	switch cfg.IPC {
	case "pipe":
		channel = ipc.NewPipeChannel(os.Stdin, os.Stdout)
		colorInfo.Fprintln(os.Stderr, "ipc: stdio pipe")
	default:
		listener, err := ipc.ListenTCP(cfg.IPCHost, cfg.IPCPort)
		if err != nil {
			colorError.Fprintln(os.Stderr, err)
			return err
		}
		defer listener.Close()

		if listener.NonLoopback {
			colorWarning.Fprintf(os.Stderr,
				"SECURITY: debug channel bound to non-loopback address %s; anyone who can reach it controls this process\n",
				listener.Addr())
		}
		colorInfo.Fprintln(os.Stderr, "ipc: listening on", listener.Addr())

		channel, err = listener.Accept()
		if err != nil {
			colorError.Fprintln(os.Stderr, err)
			return err
		}
	}

	session := server.NewSession(server.Options{
		Channel:     channel,
		Evaluator:   programRunner.Evaluator(),
		Threads:     programRunner.Threads(),
		LineCache:   programRunner.LineCache(),
		Hooks:       runtime.SessionHooks{Exit: os.Exit},
		JustMyCode:  cfg.JustMyCodeEnabled(),
		StopOnEntry: cfg.StopOnEntry,
		Program:     cfg.Program,
		Args:        cfg.Args,
		Logger:      slog.Default(),
	})

	go func() {
		if err := session.Serve(); err != nil {
			slog.Debug("session ended", "error", err)
		}
	}()

	exitCode, err := programRunner.Run(session, cfg.Program, cfg.Args)
	if err != nil {
		colorError.Fprintln(os.Stderr, "program failed:", err)
	}
	session.SendEvent("exited", map[string]any{"exitCode": exitCode})
	return err
}
