package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version     = "0.1.0"
	configFlag  string
	monitorFlag bool
	addrFlag    string

	rootCmd = &cobra.Command{
		Use:           "lingyi",
		Short:         "LingYi - task scheduler for agent tool calls and background jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler with the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{addr: addrFlag, monitor: monitorFlag})
		},
	}

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve registered agents as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context(), os.Stdin, os.Stdout)
		},
	}

	agentsCmd = &cobra.Command{
		Use:   "agents",
		Short: "List builtin and discovered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgents(cmd.OutOrStdout())
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of lingyi",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lingyi version %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"Config file (default: ~/.lingyi/config.toml merged with .lingyi/config.toml)")
	serveCmd.Flags().BoolVarP(&monitorFlag, "monitor", "m", false, "Show the terminal task monitor")
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address, overriding server.addr")

	rootCmd.AddCommand(serveCmd, mcpCmd, agentsCmd, versionCmd)
}

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
