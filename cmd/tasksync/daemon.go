package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/statusfeed"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync (foreground process)",
	Long: `Run the sync coordinator until interrupted.

The daemon:
  1. Probes the remote and syncs on every offline to online transition
  2. Syncs on a timer (sync.interval) and shortly after local changes
  3. Backs off after failures
  4. Serves live status on the status feed (feed.addr): /ws, /health, /metrics
  5. Applies sync.interval changes from the config file without a restart

Changes made by other tasksync commands while the daemon runs are picked up
on the next timer tick, or immediately with 'tasksync sync'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loader, err := loadConfig()
		if err != nil {
			return err
		}
		logOut := logWriter(cfg)
		logger := log.New(logOut, "[daemon] ", log.LstdFlags)

		// The feed starts after the coordinator, so early rejections are
		// only logged.
		var feed atomic.Pointer[statusfeed.Server]
		a, err := openApp(appOptions{
			cfg:    cfg,
			loader: loader,
			logOut: logOut,
			onRejected: func(entry schema.OutboxEntry, reason string) {
				if f := feed.Load(); f != nil {
					f.OnEntryRejected(entry, reason)
				}
			},
		})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)

		a.prober.Start(ctx)
		if err := a.coord.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to start coordinator: %w", err)
		}

		if cfg.Feed.Enabled {
			server, err := statusfeed.NewServer(&statusfeed.Config{
				Addr:   cfg.Feed.Addr,
				State:  a.coord.State(),
				Logger: log.New(logOut, "[statusfeed] ", log.LstdFlags),
			})
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				return err
			}
			feed.Store(server)
			g.Go(func() error {
				<-ctx.Done()
				return server.Stop()
			})
		}

		a.loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				logger.Printf("Ignoring config change: %v", err)
				return
			}
			if next.Sync.Interval != a.cfg.Sync.Interval {
				if err := a.coord.SetSyncInterval(next.Sync.Interval); err != nil {
					logger.Printf("Failed to apply sync interval: %v", err)
					return
				}
				a.cfg.Sync.Interval = next.Sync.Interval
			}
		})

		g.Go(func() error {
			watchSession(ctx, a, logger)
			return nil
		})

		fmt.Printf("%s tasksync daemon running\n", ui.RenderAccent("▶"))
		fmt.Println(ui.KV("Remote", a.cfg.Remote.URL))
		fmt.Println(ui.KV("Database", a.cfg.DBPath))
		if f := feed.Load(); f != nil {
			fmt.Println(ui.KV("Status feed", "ws://"+f.Addr()+"/ws"))
		}
		if a.cfg.Log.File != "" {
			fmt.Println(ui.KV("Log", a.cfg.Log.File))
		}
		fmt.Println("\nPress Ctrl+C to stop")

		err = g.Wait()
		logger.Println("Shutting down")
		return err
	},
}

// watchSession logs when the coordinator reports an expired session, which
// pauses syncing until the user logs in again.
func watchSession(ctx context.Context, a *app, logger *log.Logger) {
	updates, cancel := a.coord.State().Subscribe()
	defer cancel()

	var last syncerr.Kind
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if st.LastError == syncerr.KindAuthExpired && last != syncerr.KindAuthExpired {
				logger.Println("Session expired; syncing is paused until 'tasksync login'")
			}
			last = st.LastError
		}
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
