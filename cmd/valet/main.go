// Package main is the valet CLI: a personal agent daemon with a session
// engine, proactive heartbeat, cron jobs, Telegram channel, and a loopback
// control panel.
//
// Start the daemon:
//
//	valet serve
//
// Talk to it from the terminal:
//
//	valet chat
//
// Secrets come from the OS keychain (service "valet") with VALET_<NAME>
// environment variables as fallback, so headless hosts work too.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Populated by ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	// A .env next to the binary is a convenience for development.
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "valet",
		Short:        "valet - personal agent daemon",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildHeartbeatCmd(),
		buildStatusCmd(),
	)
	return root
}
