package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "setup",
	Short:   "Development tools for the remote authority",
}

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an in-memory remote authority",
	Long: `Serve the sync protocol from memory, for local development and demos.
State is lost when the process exits.`,
	Example: `  tasksync remote serve --token dev
  tasksync login --token dev`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		logger := log.New(os.Stderr, "[remote] ", log.LstdFlags)
		mem := remote.NewMemory()
		mem.SetPageSize(pageSize)

		var authorize remote.Authorizer
		if token != "" {
			authorize = remote.BearerToken(token)
		}

		server := &http.Server{
			Addr:              addr,
			Handler:           remote.NewHandler(mem, authorize, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()

		fmt.Printf("%s In-memory remote listening on http://%s\n", ui.RenderAccent("▶"), addr)
		if token == "" {
			fmt.Println(ui.RenderWarn("   No --token given; every request is accepted"))
		}
		fmt.Println("\nPress Ctrl+C to stop")

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		apply, fetch := mem.Calls()
		logger.Printf("Stopped after %d apply and %d fetch calls (%d live tasks)", apply, fetch, mem.Len())
		return nil
	},
}

func init() {
	remoteServeCmd.Flags().String("addr", "127.0.0.1:7400", "listen address")
	remoteServeCmd.Flags().String("token", "", "required bearer token")
	remoteServeCmd.Flags().Int("page-size", remote.DefaultPageSize, "entities per fetch page")

	remoteCmd.AddCommand(remoteServeCmd)
	rootCmd.AddCommand(remoteCmd)
}
