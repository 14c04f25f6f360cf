package reroll

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"gcetools/pkg/app"
	rr "gcetools/pkg/reroll"
	"gcetools/pkg/ui"
	"gcetools/pkg/vm"
)

// Everything the command needs from the api, gce.Client in real life.
type Client interface {
	app.ProjectSearcher
	rr.Compute
	ListInstances(ctx context.Context, project string) ([]vm.Instance, error)
}

type Options struct {
	// Both set skips the instance menu.
	Zone     string
	Instance string

	Target      string
	MaxAttempts int

	sleep func(ctx context.Context, d time.Duration) error
}

func Cmd(a *app.App) *cobra.Command {
	var o Options
	cmd := &cobra.Command{
		Use:   "reroll",
		Short: "stop/start an instance until it lands on the cpu platform you want",
		Long: `
Pick an instance and power cycle it until the cpu platform the
provider reports contains the target string (AMD by default). Each
stop/start is a new roll of the placement dice. Ctrl-C stops after
the in flight start/stop finishes.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("target") {
				o.Target = a.Config.Reroll.Target
			}
			if !cmd.Flags().Changed("max-attempts") {
				o.MaxAttempts = a.Config.Reroll.MaxAttempts
			}
			c, err := a.Client(cmd.Context())
			if err != nil {
				return err
			}
			return Run(cmd.Context(), a, c, o)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&o.Zone, "zone", "", "zone of the instance, with --instance skips the menu")
	fs.StringVar(&o.Instance, "instance", "", "instance name, with --zone skips the menu")
	fs.StringVarP(&o.Target, "target", "t", "AMD", "substring wanted in the cpu platform, case insensitive")
	fs.IntVar(&o.MaxAttempts, "max-attempts", 0, "give up after this many attempts, 0 for never")
	return cmd
}

func Run(ctx context.Context, a *app.App, c Client, o Options) error {
	project, err := a.SelectProject(ctx, c)
	if err != nil {
		return err
	}

	ref, err := pick(ctx, a, c, project, o)
	if err != nil {
		return err
	}

	cfg := a.Config.Reroll
	opts := rr.Options{
		Target:        o.Target,
		MaxAttempts:   o.MaxAttempts,
		MetadataPolls: cfg.MetadataPolls,
		PollInterval:  cfg.PollInterval,
		ResetPause:    cfg.ResetPause,
		DrainTimeout:  cfg.DrainTimeout,
		Observer:      observer(a.Log),
		Sleep:         o.sleep,
	}
	ctl := rr.New(c, opts)
	a.Log.Info("rerolling", "instance", ref, "target", ctl.Options().Target, "max_attempts", o.MaxAttempts)

	res, err := ctl.Run(ctx, ref)
	switch {
	case res.Reason == rr.ReasonInterrupted:
		a.Log.Warn("interrupted", "attempt", res.Attempt.Number, "phase", res.Attempt.Phase, "status", res.Attempt.Status)
		if res.Failure != nil {
			a.Log.Error("operation failed after the interrupt", "err", res.Failure)
			return err
		}
		return nil
	case err != nil:
		return err
	case res.Reason == rr.ReasonExhausted:
		return errors.Newf("no %q cpu platform after %d attempts, last was %q",
			ctl.Options().Target, res.Attempt.Number, res.Attempt.Platform)
	}

	fmt.Fprintln(a.Err, ui.Success(fmt.Sprintf("%s is on %s after %d attempt(s)", ref.Name, res.Attempt.Platform, res.Attempt.Number)))
	return nil
}

func pick(ctx context.Context, a *app.App, c Client, project string, o Options) (vm.Ref, error) {
	if o.Zone != "" && o.Instance != "" {
		return vm.Ref{Project: project, Zone: o.Zone, Name: o.Instance}, nil
	}

	insts, err := c.ListInstances(ctx, project)
	if err != nil {
		return vm.Ref{}, err
	}
	if len(insts) == 0 {
		return vm.Ref{}, errors.Newf("no instances in %s", project)
	}

	fmt.Fprintln(a.Err, ui.InstanceTable(insts, false))
	i, err := a.Prompt.Pick(ctx, "instance", len(insts))
	if err != nil {
		return vm.Ref{}, err
	}
	return insts[i].Ref, nil
}

func observer(l *log.Logger) func(rr.Attempt) {
	return func(at rr.Attempt) {
		switch at.Phase {
		case rr.PoweringOn:
			l.Info("powering on", "attempt", at.Number)
		case rr.AwaitingMetadata:
			switch {
			case at.Unstable:
				l.Warn("instance left RUNNING while waiting on the cpu platform", "status", at.Status)
			case at.Poll == 0:
				l.Debug("waiting for the cpu platform", "attempt", at.Number)
			default:
				l.Info("still waiting for the cpu platform", "attempt", at.Number, "poll", at.Poll)
			}
		case rr.Evaluating:
			l.Info("cpu platform", "attempt", at.Number, "platform", at.Platform)
		case rr.ResettingAndRetrying:
			if at.TimedOut {
				l.Warn("cpu platform never showed up", "attempt", at.Number)
			}
			l.Info("stopping for another roll", "attempt", at.Number)
		}
	}
}
