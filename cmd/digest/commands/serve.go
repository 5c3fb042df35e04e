package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/logger"
	"github.com/teranos/digest/server"
)

// ServeCmd starts the HTTP API together with the scheduler
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the HTTP API, live job stream and scheduler",
	Long: `Start the digest server.

On startup, jobs left running by a previous process are failed so they can
be retried, and every enabled subscription is scheduled.

Press Ctrl+C once to shut down gracefully (in-flight jobs get
pulse.shutdown_timeout_seconds to finish), twice to exit immediately.`,
	RunE: runServe,
}

var servePort int

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}

	port := a.cfg.GetServerPort()
	if servePort > 0 {
		port = servePort
	}

	recovered, err := a.engine.RecoverInterrupted()
	if err != nil {
		a.Close()
		return errors.Wrap(err, "failed to recover interrupted jobs")
	}
	scheduled, err := a.subs.Start()
	if err != nil {
		a.Close()
		return errors.Wrap(err, "failed to start scheduler")
	}

	srv := server.New(a.engine, a.subs, server.Config{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		DefaultHour:    a.cfg.Scheduler.DefaultHour,
		DefaultMinute:  a.cfg.Scheduler.DefaultMinute,
		Limiter:        a.limiter,
	}, logger.Logger)

	printStartupBanner(port, a.cfg.GetDatabasePath(), recovered, scheduled)

	if watcher := a.watchConfig(); watcher != nil {
		defer watcher.Stop()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(fmt.Sprintf(":%d", port))
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		a.Close()
		if err == nil {
			return nil
		}
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
			defer cancel()
			stopErr := srv.Stop(ctx)
			if closeErr := a.Close(); stopErr == nil {
				stopErr = closeErr
			}
			shutdownDone <- stopErr
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
