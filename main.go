package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"gcetools/pkg/app"
	"gcetools/pkg/cmd/create"
	"gcetools/pkg/cmd/firewall"
	"gcetools/pkg/cmd/ipranges"
	"gcetools/pkg/cmd/reroll"
)

// One binary, a subcommand per tool. They share config, logging and
// the project menu through app.App and nothing else.
//
// Ctrl-C cancels the context handed to the subcommand. reroll uses
// that to stop after the in flight start/stop finishes instead of
// leaving the instance half way through a transition, everything else
// just bails.
func root(a *app.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gcetools",
		Short:         "small helpers for compute engine free tier vms",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.Setup(cmd.Flags())
		},
	}
	a.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		create.Cmd(a),
		reroll.Cmd(a),
		ipranges.Cmd(a),
		firewall.Cmd(a),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(os.Stdin, os.Stdout, os.Stderr)
	err := root(a).ExecuteContext(ctx)

	if errors.Is(err, context.Canceled) {
		a.Log.Warn("interrupted")
		stop()
		os.Exit(130)
	}
	if err != nil {
		stop()
		log.Fatalf("%+v\n", err)
	}
}
