package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/tasksync/internal/coordinator"
	"github.com/mschirtzinger/tasksync/internal/outbox"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued changes and pull remote changes now",
	Long: `Run one sync cycle in the foreground: push every queued outbox entry, then
pull changes made elsewhere.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		opts := appOptions{}
		if verbose {
			opts.logOut = os.Stderr
		}
		opts.onRejected = func(entry schema.OutboxEntry, reason string) {
			fmt.Printf("%s %s %s refused: %s\n", ui.RenderWarn("⚠"), entry.Operation, shortID(entry.EntityID), reason)
		}

		a, err := openApp(opts)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if !a.session.Authenticated() {
			return fmt.Errorf("not logged in; run 'tasksync login'")
		}
		if !a.prober.Probe(ctx) {
			return fmt.Errorf("%s is unreachable; changes stay queued", a.cfg.Remote.URL)
		}

		res, err := a.coord.ForceSyncNow(ctx)
		if err != nil {
			if syncerr.IsUserActionRequired(err) {
				return fmt.Errorf("%w; run 'tasksync login'", err)
			}
			return err
		}
		switch res.Outcome {
		case coordinator.OutcomeCompleted:
			fmt.Printf("%s Synced: pushed %d, pulled %d, applied %d (%s)\n",
				ui.RenderPass("✓"), res.Accepted, res.Pulled, res.Applied, res.Duration.Round(time.Millisecond))
			if res.Rejected+res.Missing > 0 {
				fmt.Printf("   %d change(s) still queued\n", res.Rejected+res.Missing)
			}
		default:
			fmt.Printf("Sync %s\n", res.Outcome)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, _ := cmd.Flags().GetBool("probe")

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		meta, err := a.db.LoadSyncMeta(ctx)
		if err != nil {
			return err
		}
		pending, err := a.outbox.PendingCount(ctx)
		if err != nil {
			return err
		}
		failures, err := a.outbox.Failures(ctx, "")
		if err != nil {
			return err
		}
		count, err := a.db.TaskCount(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("tasksync"))
		fmt.Println(ui.KV("Remote", a.cfg.Remote.URL))
		fmt.Println(ui.KV("Database", a.db.Path()))
		if probe {
			reach := ui.RenderFail("unreachable")
			if a.prober.Probe(ctx) {
				reach = ui.RenderPass("reachable")
			}
			fmt.Println(ui.KV("Network", reach))
		}
		login := ui.RenderPass("logged in")
		if !a.session.Authenticated() {
			login = ui.RenderWarn("not logged in")
		}
		fmt.Println(ui.KV("Session", login))
		fmt.Println(ui.KV("Last sync", ui.Ago(meta.LastSyncAt, time.Now())))
		fmt.Println(ui.KV("Tasks", count))

		queued := fmt.Sprint(pending)
		if len(failures) > 0 {
			queued += ui.RenderWarn(fmt.Sprintf(" (%d refused)", len(failures)))
		}
		fmt.Println(ui.KV("Queued", queued))
		if meta.LastError != "" {
			fmt.Println(ui.KV("Last error", ui.RenderFail(meta.LastError)+" "+ui.RenderMuted(meta.LastErrorMessage)))
		}
		fmt.Println()
		return nil
	},
}

// outboxRecord is the YAML/text view of an outbox entry.
type outboxRecord struct {
	ID        string `yaml:"id"`
	Operation string `yaml:"operation"`
	Entity    string `yaml:"entity"`
	CreatedAt string `yaml:"created_at"`
	Synced    bool   `yaml:"synced"`
	SyncedAt  string `yaml:"synced_at,omitempty"`
	Attempts  int    `yaml:"attempts,omitempty"`
	LastError string `yaml:"last_error,omitempty"`
	Payload   any    `yaml:"payload"`
}

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "sync",
	Short:   "Inspect queued changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		failed, _ := cmd.Flags().GetBool("failed")
		asYAML, _ := cmd.Flags().GetBool("yaml")

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.outbox.List(cmd.Context(), outbox.ListFilter{IncludeSynced: all, FailedOnly: failed})
		if err != nil {
			return err
		}

		if asYAML {
			records, err := outboxRecords(entries)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(records)
		}

		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("Outbox is empty."))
			return nil
		}
		for _, e := range entries {
			state := ui.RenderWarn("queued")
			if e.Synced {
				state = ui.RenderPass("synced")
			} else if e.AttemptCount > 0 {
				state = ui.RenderFail(fmt.Sprintf("refused x%d", e.AttemptCount))
			}
			fmt.Printf("%s  %-6s %s  %s  %s\n",
				ui.RenderMuted(e.CreatedAt.Local().Format("2006-01-02 15:04:05")),
				e.Operation, shortID(e.EntityID), state, ui.RenderMuted(ui.Truncate(e.LastError, 60)))
		}
		return nil
	},
}

func outboxRecords(entries []schema.OutboxEntry) ([]outboxRecord, error) {
	records := make([]outboxRecord, 0, len(entries))
	for _, e := range entries {
		raw, err := schema.EncodePayload(e.Payload)
		if err != nil {
			return nil, err
		}
		var payload any
		if err := yaml.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("failed to convert payload of %s: %w", e.ID, err)
		}

		r := outboxRecord{
			ID:        e.ID,
			Operation: string(e.Operation),
			Entity:    string(e.EntityType) + "/" + e.EntityID,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
			Synced:    e.Synced,
			Attempts:  e.AttemptCount,
			LastError: e.LastError,
			Payload:   payload,
		}
		if e.SyncedAt != nil {
			r.SyncedAt = e.SyncedAt.UTC().Format(time.RFC3339Nano)
		}
		records = append(records, r)
	}
	return records, nil
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "setup",
	Short:   "Log out and clear all local data",
	Long: `Log out: delete the saved token and clear local tasks, the outbox and the
sync cursor. Queued changes that were never delivered are lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		pending, err := a.outbox.PendingCount(cmd.Context())
		if err != nil {
			return err
		}
		if pending > 0 && !force {
			return fmt.Errorf("%d change(s) have not been synced; run 'tasksync sync' first or pass --force", pending)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := a.coord.Logout(ctx); err != nil {
			return err
		}
		fmt.Printf("%s Logged out; local data cleared\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolP("verbose", "v", false, "log sync activity to stderr")
	statusCmd.Flags().Bool("probe", false, "check whether the remote is reachable")
	outboxCmd.Flags().BoolP("all", "a", false, "include synced entries")
	outboxCmd.Flags().Bool("failed", false, "only entries the remote refused")
	outboxCmd.Flags().Bool("yaml", false, "print YAML")
	logoutCmd.Flags().Bool("force", false, "discard unsynced changes")

	rootCmd.AddCommand(syncCmd, statusCmd, outboxCmd, logoutCmd)
}
