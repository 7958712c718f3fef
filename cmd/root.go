package cmd

import (
	"fmt"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jnsquire/dapper/cmd/dbg"
)

var cfgFile string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "dapper",
	Short: "An in-process debug adapter runtime",
	Long: `Dapper is a Debug Adapter Protocol (DAP) debuggee runtime: it runs inside
the debugged process, intercepts execution events, evaluates breakpoints and
data watches, and serves an external adapter over a binary IPC channel.

This CLI is the entry point for launching programs under the debugger.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	err := RootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.AddCommand(dbg.DbgCmd)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dapper.yaml)")
	RootCmd.PersistentFlags().String("log-file", "", "append a JSON debug log to this file")
	RootCmd.PersistentFlags().String("log-level", "info", "minimum log level (debug, info, warn, error)")
	cobra.OnInitialize(initConfig, initLogging)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".dapper" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dapper")
	}

	viper.SetEnvPrefix("dapper")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging builds the process logger: always stderr text, plus a JSON
// file handler when --log-file is set. The handlers fan out through a single
// slog front door so core packages stay handler-agnostic.
func initLogging() {
	levelName, _ := RootCmd.PersistentFlags().GetString("log-level")
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}

	logPath, _ := RootCmd.PersistentFlags().GetString("log-file")
	if logPath == "" {
		logPath = viper.GetString("log_file")
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot open log file:", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
	}

	slog.SetDefault(slog.New(slogmulti.Fanout(handlers...)))
}
