package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/clawd/cmd.Version=v1.0.0"
var Version = "dev"

var (
	agentDir string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "clawd",
	Short: "clawd — single-tenant AI agent runtime",
	Long:  "clawd runs a personal AI agent: a WebSocket gateway with streaming chat, sandboxed tools, cron jobs, and declarative workflows, all driven from one agent directory.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&agentDir, "dir", "", "agent directory (default: $CLAWD_DIR or ~/.clawd)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawd %s\n", Version)
		},
	}
}

func resolveAgentDir() string {
	if agentDir != "" {
		return agentDir
	}
	if v := os.Getenv("CLAWD_DIR"); v != "" {
		return v
	}
	return "~/.clawd"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
