// Package cmd implements kernelctl, the CLI front end for the hosted
// kernel simulation: booting an instance, replaying a seed scenario
// against it, serving its debug/metrics HTTP surface, or attaching an
// interactive console.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breenix/breenix-go/klog"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

// Global flags.
var (
	globalLog       string
	globalLogFormat string
	globalDebug     bool
)

// rootCmd is the base command for kernelctl.
var rootCmd = &cobra.Command{
	Use:   "kernelctl",
	Short: "Control and introspect a hosted kernel simulation",
	Long: `kernelctl boots, drives, and introspects the hosted kernel
simulation: virtual memory, the scheduler, signals, deferred work, TCP,
and VirtIO devices, all running as a single Go process in place of real
hardware.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")
}

func setupLogging() {
	logOutput := os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := slog.LevelInfo
	if globalDebug {
		logLevel = slog.LevelDebug
	}

	klog.SetDefault(klog.New(klog.Config{Level: logLevel, Format: globalLogFormat, Output: logOutput}))
}
