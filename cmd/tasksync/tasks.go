package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/tasks"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

const dateLayout = "2006-01-02"

var addCmd = &cobra.Command{
	Use:     "add [title...]",
	GroupID: "tasks",
	Short:   "Create a task",
	Long: `Create a task. The change is saved locally and queued for the next sync.
Without a title argument you are prompted for one.`,
	Example: `  tasksync add Buy milk
  tasksync add "Quarterly report" --due 2026-04-01 -p 3 --attr project=finance`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.Join(args, " ")
		if strings.TrimSpace(title) == "" {
			if !ui.IsTerminal() {
				return fmt.Errorf("a title is required")
			}
			err := huh.NewInput().
				Title("Task title").
				Value(&title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("title cannot be empty")
					}
					return nil
				}).
				Run()
			if err != nil {
				return err
			}
		}

		notes, _ := cmd.Flags().GetString("notes")
		priority, _ := cmd.Flags().GetInt("priority")
		attrs, _ := cmd.Flags().GetStringToString("attr")
		due, err := dueFlag(cmd)
		if err != nil {
			return err
		}

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.tasks.Create(cmd.Context(), tasks.NewTask{
			Title:      title,
			Notes:      notes,
			DueAt:      due,
			Priority:   priority,
			Attributes: attrs,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s Created %s %s\n", ui.RenderPass("✓"), ui.RenderMuted(shortID(task.ID)), task.Title)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "tasks",
	Short:   "Change fields of a task",
	Example: `  tasksync edit 3f2a --title "Buy oat milk"
  tasksync edit 3f2a --clear-due --unset-attr project`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var u schema.TaskUpdate
		flags := cmd.Flags()

		if flags.Changed("title") {
			v, _ := flags.GetString("title")
			u.Title = &v
		}
		if flags.Changed("notes") {
			v, _ := flags.GetString("notes")
			u.Notes = &v
		}
		if flags.Changed("priority") {
			v, _ := flags.GetInt("priority")
			u.Priority = &v
		}
		due, err := dueFlag(cmd)
		if err != nil {
			return err
		}
		u.DueAt = due
		u.ClearDueAt, _ = flags.GetBool("clear-due")

		attrs, _ := flags.GetStringToString("attr")
		unset, _ := flags.GetStringSlice("unset-attr")
		if len(attrs)+len(unset) > 0 {
			u.Attributes = make(map[string]*string)
			for k, v := range attrs {
				u.Attributes[k] = &v
			}
			for _, k := range unset {
				u.Attributes[k] = nil
			}
		}

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveID(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		task, err := a.tasks.Update(cmd.Context(), id, u)
		if errors.Is(err, tasks.ErrNoChanges) {
			return fmt.Errorf("nothing to change; pass at least one field flag")
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s Updated %s %s\n", ui.RenderPass("✓"), ui.RenderMuted(shortID(task.ID)), task.Title)
		return nil
	},
}

// batchCmd builds a command that applies op to every id argument.
func batchCmd(use, short, verb string, op func(ctx context.Context, a *app, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:     use + " <id>...",
		GroupID: "tasks",
		Short:   short,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			failed := 0
			for _, arg := range args {
				id, err := resolveID(cmd.Context(), a, arg)
				if err == nil {
					err = op(cmd.Context(), a, id)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), arg, err)
					failed++
					continue
				}
				fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), verb, ui.RenderMuted(shortID(id)))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d failed", failed, len(args))
			}
			return nil
		},
	}
}

var completeCmd = batchCmd("complete", "Mark tasks done", "Completed", func(ctx context.Context, a *app, id string) error {
	_, err := a.tasks.Complete(ctx, id)
	return err
})

var reopenCmd = batchCmd("reopen", "Mark tasks not done", "Reopened", func(ctx context.Context, a *app, id string) error {
	_, err := a.tasks.Reopen(ctx, id)
	return err
})

var rmCmd = batchCmd("rm", "Delete tasks", "Deleted", func(ctx context.Context, a *app, id string) error {
	return a.tasks.Delete(ctx, id)
})

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "tasks",
	Short:   "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		deleted, _ := cmd.Flags().GetBool("deleted")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.tasks.List(cmd.Context(), store.ListTasksFilter{
			IncludeCompleted: all || deleted,
			IncludeDeleted:   deleted,
			Limit:            limit,
		})
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if list == nil {
				list = []*schema.Task{}
			}
			return enc.Encode(list)
		}

		if len(list) == 0 {
			fmt.Println(ui.RenderMuted("No tasks."))
			return nil
		}
		warned, err := warnedTasks(cmd.Context(), a)
		if err != nil {
			return err
		}
		for _, t := range list {
			fmt.Println(taskLine(t, warned[t.ID]))
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "tasks",
	Short:   "Show a task and any sync warnings",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveID(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		t, err := a.tasks.Get(cmd.Context(), id)
		if err != nil {
			return err
		}

		now := time.Now()
		fmt.Printf("\n%s %s\n\n", ui.RenderAccent(t.Title), ui.RenderMuted(t.ID))
		status := "open"
		if t.Completed {
			status = "done " + ui.Ago(t.CompletedAt, now)
		}
		fmt.Println(ui.KV("Status", status))
		fmt.Println(ui.KV("Priority", t.Priority))
		if t.DueAt != nil {
			fmt.Println(ui.KV("Due", t.DueAt.Local().Format(dateLayout)))
		}
		if t.Notes != "" {
			fmt.Println(ui.KV("Notes", t.Notes))
		}
		keys := make([]string, 0, len(t.Attributes))
		for k := range t.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Println(ui.KV(k, t.Attributes[k]))
		}
		fmt.Println(ui.KV("Modified", ui.Ago(&t.LastModifiedAt, now)))

		warnings, err := a.tasks.Warnings(cmd.Context(), id)
		if err != nil {
			return err
		}
		if len(warnings) > 0 {
			fmt.Printf("\n%s Changes refused by the remote:\n", ui.RenderWarn("⚠"))
			for _, w := range warnings {
				fmt.Printf("  %s %s (attempt %d): %s\n", w.Operation, ui.RenderMuted(shortID(w.EntryID)), w.Attempts, w.Message)
			}
		}
		fmt.Println()
		return nil
	},
}

func init() {
	addCmd.Flags().String("notes", "", "free-form notes")
	addCmd.Flags().IntP("priority", "p", 0, "priority 0-4 (4 = highest)")
	addCmd.Flags().String("due", "", "due date (YYYY-MM-DD)")
	addCmd.Flags().StringToString("attr", nil, "attribute key=value (repeatable)")

	editCmd.Flags().String("title", "", "new title")
	editCmd.Flags().String("notes", "", "new notes")
	editCmd.Flags().IntP("priority", "p", 0, "priority 0-4")
	editCmd.Flags().String("due", "", "due date (YYYY-MM-DD)")
	editCmd.Flags().Bool("clear-due", false, "remove the due date")
	editCmd.Flags().StringToString("attr", nil, "set attribute key=value (repeatable)")
	editCmd.Flags().StringSlice("unset-attr", nil, "remove attribute (repeatable)")
	editCmd.MarkFlagsMutuallyExclusive("due", "clear-due")

	listCmd.Flags().BoolP("all", "a", false, "include completed tasks")
	listCmd.Flags().Bool("deleted", false, "include deleted tasks")
	listCmd.Flags().IntP("limit", "n", 0, "maximum number of tasks")
	listCmd.Flags().Bool("json", false, "print JSON")

	rootCmd.AddCommand(addCmd, editCmd, completeCmd, reopenCmd, rmCmd, listCmd, showCmd)
}

func dueFlag(cmd *cobra.Command) (*time.Time, error) {
	s, _ := cmd.Flags().GetString("due")
	if s == "" {
		return nil, nil
	}
	d, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid --due %q: want YYYY-MM-DD", s)
	}
	d = d.UTC()
	return &d, nil
}

// resolveID accepts a full id or a unique prefix of a live task's id.
func resolveID(ctx context.Context, a *app, arg string) (string, error) {
	if _, err := a.tasks.Get(ctx, arg); err == nil {
		return arg, nil
	}
	list, err := a.tasks.List(ctx, store.ListTasksFilter{IncludeCompleted: true})
	if err != nil {
		return "", err
	}
	var matches []string
	for _, t := range list {
		if strings.HasPrefix(t.ID, arg) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("task %s: %w", arg, tasks.ErrNotFound)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("id prefix %q is ambiguous (%d tasks)", arg, len(matches))
}

func warnedTasks(ctx context.Context, a *app) (map[string]bool, error) {
	warnings, err := a.outbox.Failures(ctx, "")
	if err != nil {
		return nil, err
	}
	warned := make(map[string]bool, len(warnings))
	for _, e := range warnings {
		warned[e.EntityID] = true
	}
	return warned, nil
}

func taskLine(t *schema.Task, warned bool) string {
	box := "[ ]"
	if t.Completed {
		box = ui.RenderPass("[x]")
	}
	title := ui.Truncate(t.Title, 60)
	if t.IsDeleted() {
		title = ui.RenderMuted(title + " (deleted)")
	}

	var extra []string
	if t.Priority > 0 {
		extra = append(extra, fmt.Sprintf("P%d", t.Priority))
	}
	if t.DueAt != nil {
		due := "due " + t.DueAt.Local().Format(dateLayout)
		if !t.Completed && t.DueAt.Before(time.Now()) {
			due = ui.RenderFail(due)
		}
		extra = append(extra, due)
	}
	if warned {
		extra = append(extra, ui.RenderWarn("⚠ not synced"))
	}

	line := fmt.Sprintf("%s %s %s", box, ui.RenderMuted(shortID(t.ID)), title)
	if len(extra) > 0 {
		line += "  " + strings.Join(extra, "  ")
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
