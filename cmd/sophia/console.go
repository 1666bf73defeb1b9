package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/sophia-care/sophia/internal/messaging"
	"github.com/sophia-care/sophia/internal/store"
)

const consoleBanner = "Sophia (console). Écris ton message, /start pour recommencer, Ctrl-D pour quitter."

func (c *cli) newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Chat with Sophia in the terminal",
		Long: `Console runs the conversation engine on standard input and output with an
in-memory session store. It needs the LLM settings only; no WhatsApp
account or database is involved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runConsole(cmd.Context())
		},
	}
}

func (c *cli) runConsole(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	st := store.NewInMemoryStore()
	machine, _, err := buildMachine(c.cfg, st)
	if err != nil {
		return err
	}

	svc := messaging.NewConsoleService(c.stdin, c.stdout)
	fmt.Fprintln(c.stdout, consoleBanner)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	dispatcher := messaging.NewDispatcher(svc, machine, append(c.cfg.DispatcherOptions(), messaging.WithDedup(st))...)
	return dispatcher.Run(ctx)
}
