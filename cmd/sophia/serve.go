package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sophia-care/sophia/internal/api"
	"github.com/sophia-care/sophia/internal/lockfile"
	"github.com/sophia-care/sophia/internal/messaging"
	"github.com/sophia-care/sophia/internal/persona"
	"github.com/sophia-care/sophia/internal/scheduler"
	"github.com/sophia-care/sophia/internal/store"
)

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run Sophia on the configured transport",
		Long: `Serve connects the configured transport, dispatches inbound messages to
the conversation engine, runs proactive check-ins when enabled and exposes
the HTTP API (health, Twilio webhook, admin endpoints).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd.Context())
		},
	}
}

func (c *cli) runServe(ctx context.Context) error {
	cfg := c.cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(store.WithDSN(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	machine, catalog, err := buildMachine(cfg, st)
	if err != nil {
		return err
	}

	tr, err := c.buildTransport(ctx)
	if err != nil {
		return err
	}
	defer tr.close()

	eg, egCtx := errgroup.WithContext(ctx)
	if err := tr.svc.Start(egCtx); err != nil {
		return fmt.Errorf("failed to start %s transport: %w", cfg.Transport, err)
	}
	defer tr.svc.Stop()

	dispatcher := messaging.NewDispatcher(tr.svc, machine, append(cfg.DispatcherOptions(), messaging.WithDedup(st))...)

	apiOpts := []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithAPIToken(cfg.APIToken),
		api.WithResetter(dispatcher),
	}
	if tr.webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(tr.webhook, cfg.Twilio.AuthToken, cfg.Twilio.WebhookURL))
	}
	if cfg.ProactiveEnabled {
		slots, err := scheduler.ParseTimes(cfg.ProactiveTimes)
		if err != nil {
			return fmt.Errorf("invalid PROACTIVE_TIMES: %w", err)
		}
		sched := scheduler.NewScheduler(tr.svc, st, st, scheduler.WithSlots(slots))
		defer sched.Stop()
		if n, err := sched.Restore(egCtx); err != nil {
			slog.Warn("serve: failed to restore proactive schedules", "error", err)
		} else {
			slog.Info("serve: proactive schedules restored", "count", n)
		}
		apiOpts = append(apiOpts, api.WithScheduler(sched))
	}
	server := api.NewServer(st, apiOpts...)

	eg.Go(func() error {
		return dispatcher.Run(egCtx)
	})
	eg.Go(func() error {
		return server.Run(egCtx)
	})
	if cfg.PersonaFile != "" {
		eg.Go(func() error {
			watchPersonas(egCtx, catalog, cfg.PersonaFile)
			return nil
		})
	}

	slog.Info("serve: Sophia started", "transport", cfg.Transport, "api_addr", cfg.APIAddr, "proactive", cfg.ProactiveEnabled)
	if err := eg.Wait(); err != nil {
		slog.Error("serve: stopped with error", "error", err)
		return err
	}
	slog.Info("serve: Sophia stopped")
	return nil
}

// watchPersonas hot-reloads the persona file. A watcher failure only loses
// hot reload; the loaded catalog keeps serving.
func watchPersonas(ctx context.Context, catalog *persona.Catalog, path string) {
	if err := catalog.Watch(ctx, path, persona.DefaultReloadDebounce); err != nil {
		slog.Warn("serve: persona hot reload unavailable", "path", path, "error", err)
	}
}
