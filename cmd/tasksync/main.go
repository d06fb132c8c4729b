// Command tasksync is an offline-first task list that syncs with a remote
// authority.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	dbOverride string
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Offline-first task list with background sync",
	Long: `tasksync keeps a local task list in SQLite and syncs it with a remote
authority. Every change is written locally first and queued in an outbox;
'tasksync sync' or a running 'tasksync daemon' delivers queued changes and
pulls changes made elsewhere.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $TASKSYNC_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "database path (overrides db_path)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
