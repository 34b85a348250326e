package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "governor",
		Short: "Configuration change governance engine",
		Long: `Governor decides whether a proposed configuration change may be applied.

Changes are checked against hard invariants, classified LOW, MEDIUM or HIGH
risk, and routed to auto-apply, acknowledgement or explicit approval. Every
transition is written to a tamper-evident audit log.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newClassifyCmd(),
		newEvaluateCmd(),
		newAuditCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// loadConfig reads the environment and installs the configured slog handler
// as the default logger.
func loadConfig(logOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		h = slog.NewTextHandler(logOut, opts)
	} else {
		h = slog.NewJSONHandler(logOut, opts)
	}
	slog.SetDefault(slog.New(h))
	return cfg, nil
}
