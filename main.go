// Command beadboard is a local daemon that turns the bd issue tracker CLI
// into a reactive browser UI: clients connect over a WebSocket, subscribe to
// named list views, and receive push deltas as the tracker database changes.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper-darkly/beadboard/config"
	"github.com/whisper-darkly/beadboard/registry"
	"github.com/whisper-darkly/beadboard/router"
	"github.com/whisper-darkly/beadboard/server"
	"github.com/whisper-darkly/beadboard/store"
	"github.com/whisper-darkly/beadboard/store/sqlite"
	"github.com/whisper-darkly/beadboard/tracker"
	"github.com/whisper-darkly/beadboard/watcher"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "beadboard",
		Short:         "Reactive web UI daemon for the bd issue tracker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), startCmd(), stopCmd(), restartCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "beadboard:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(config.Load())
		},
	}
}

// runDaemon wires the components together and serves until SIGINT/SIGTERM.
func runDaemon(cfg config.Config) error {
	fmt.Printf("beadboard %s\n", version)

	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("runtime dir: %w", err)
	}

	// The activity journal is observability only; the daemon runs without it.
	var st store.Store
	if db, err := sqlite.Open(cfg.ActivityDBPath()); err != nil {
		log.Printf("activity journal disabled: %v", err)
	} else {
		st = db
		defer db.Close()
	}

	cli := tracker.New(cfg.TrackerBin, cfg.Workspace, cfg.DBPath, cfg.TrackerTimeout)
	reg := registry.New()
	ref := registry.NewRefresher(reg, cli, cfg.Debounce)
	hub := server.New(cli, reg, ref, st, cfg.Heartbeat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watcher.New(cfg.ChangeLogPath(), ref.ScheduleAll).Run(ctx)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router.New(hub, reg, st, cfg),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http: %w", err)
	case <-sigCh:
	}

	log.Println("shutting down")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	return nil
}
