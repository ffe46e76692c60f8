// Package commands provides the CLI commands for patchsync.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/telnet2/patchsync/internal/config"
	"github.com/telnet2/patchsync/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "patchsync",
	Short: "patchsync - incremental JSON state sync over SSE and WebSocket",
	Long: `patchsync keeps JSON values in sync between one server and many clients.

Producers publish full values per named channel; subscribers receive the
JSON Patch between consecutive values, in order, over Server-Sent Events
or WebSocket.

Run 'patchsync serve' to start a server, then 'patchsync publish' and
'patchsync watch' against it.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://"+config.Address(nil), "Server URL for client commands")

	// Version template
	rootCmd.SetVersionTemplate(fmt.Sprintf("patchsync %s (%s)\n", Version, BuildTime))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(watchCmd)
}

// initLogging prints logs to stderr with --print-logs and otherwise writes
// them to a file under the state directory.
func initLogging() {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(logLevel)
	if printLogs {
		cfg.Output = os.Stderr
		cfg.Pretty = true
	} else {
		cfg.Output = io.Discard
		cfg.LogToFile = true
		cfg.LogDir = config.GetPaths().LogPath()
	}
	logging.Init(cfg)
}

// Execute runs the root command.
func Execute() error {
	defer logging.Close()
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
