package firewall

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	compute "google.golang.org/api/compute/v1"

	"gcetools/pkg/app"
	fw "gcetools/pkg/firewall"
	"gcetools/pkg/gce"
	"gcetools/pkg/ui"
	"gcetools/pkg/vm"
)

type Client interface {
	app.ProjectSearcher
	ListInstances(ctx context.Context, project string) ([]vm.Instance, error)
	InsertFirewall(ctx context.Context, project string, rule *compute.Firewall) error
}

type Options struct {
	IPFile   string
	Network  string
	Collapse bool
	// Answer yes to both questions.
	Yes bool
}

func Cmd(a *app.App) *cobra.Command {
	var o Options
	cmd := &cobra.Command{
		Use:   "firewall",
		Short: "list instances and add the allow-all ingress / deny egress rules",
		Long: `
List the instances of a project, then offer to add two firewall
rules: one allowing all ingress from anywhere and one denying all
egress to the ranges listed in an ip list file (cdnip.txt by default,
first field of each line). A rule that already exists is skipped.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			if !fs.Changed("ip-file") {
				o.IPFile = a.Config.Firewall.IPFile
			}
			if !fs.Changed("network") {
				o.Network = a.Config.Network
			}
			if !fs.Changed("collapse") {
				o.Collapse = a.Config.Firewall.Collapse
			}
			c, err := a.Client(cmd.Context())
			if err != nil {
				return err
			}
			return Run(cmd.Context(), a, c, o)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&o.IPFile, "ip-file", "f", "cdnip.txt", "ip list for the deny rule")
	fs.StringVar(&o.Network, "network", "global/networks/default", "network the rules apply to")
	fs.BoolVar(&o.Collapse, "collapse", false, "merge the ip list into the fewest cidr blocks before capping it")
	fs.BoolVarP(&o.Yes, "yes", "y", false, "don't ask, add both rules")
	return cmd
}

func Run(ctx context.Context, a *app.App, c Client, o Options) error {
	project, err := a.SelectProject(ctx, c)
	if err != nil {
		return err
	}

	insts, err := c.ListInstances(ctx, project)
	if err != nil {
		return err
	}
	if len(insts) == 0 {
		a.Log.Info("no instances", "project", project)
	} else {
		fmt.Fprintln(a.Err, ui.InstanceTable(insts, true))
	}

	cfg := a.Config.Firewall

	// A failed ingress rule doesn't stop the egress one, both failures
	// come back at the end.
	var ingressErr error
	ok, err := confirm(ctx, a, o, "[1/2] add a rule allowing all ingress from 0.0.0.0/0?")
	if err != nil {
		return err
	}
	if ok {
		rule := fw.AllowAllIngress(fw.Rule{Name: cfg.AllowName, Network: o.Network, Priority: cfg.AllowPriority})
		if ingressErr = insert(ctx, a, c, project, rule); ingressErr != nil {
			a.Log.Error("couldn't create rule", "rule", rule.Name, "err", ingressErr)
		}
	} else {
		a.Log.Info("skipping ingress rule")
	}

	return errors.Join(ingressErr, denyEgress(ctx, a, c, o, project))
}

func denyEgress(ctx context.Context, a *app.App, c Client, o Options, project string) error {
	cfg := a.Config.Firewall

	ok, err := confirm(ctx, a, o, fmt.Sprintf("[2/2] add a rule denying egress to the ranges in %s?", o.IPFile))
	if err != nil {
		return err
	}
	if !ok {
		a.Log.Info("skipping egress rule")
		return nil
	}

	ranges, err := ipList(a, o, cfg.MaxRanges)
	if err != nil {
		return err
	}
	if len(ranges) == 0 {
		a.Log.Warn("ip list is empty, skipping egress rule", "file", o.IPFile)
		return nil
	}

	rule, err := fw.DenyEgress(fw.Rule{Name: cfg.DenyName, Network: o.Network, Priority: cfg.DenyPriority}, ranges)
	if err != nil {
		return err
	}
	return insert(ctx, a, c, project, rule)
}

func confirm(ctx context.Context, a *app.App, o Options, q string) (bool, error) {
	if o.Yes {
		return true, nil
	}
	return a.Prompt.Confirm(ctx, q)
}

func ipList(a *app.App, o Options, max int) ([]string, error) {
	ranges, err := fw.LoadIPList(o.IPFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf("ip list %s not found, create it with one range per line", o.IPFile)
		}
		return nil, err
	}
	a.Log.Info("read ip list", "file", o.IPFile, "ranges", len(ranges))

	if o.Collapse && len(ranges) > 0 {
		n := len(ranges)
		if ranges, err = fw.Collapse(ranges); err != nil {
			return nil, err
		}
		a.Log.Info("collapsed ip list", "raw", n, "merged", len(ranges))
	}

	capped, dropped := fw.Cap(ranges, max)
	if dropped {
		a.Log.Warn("too many ranges for one rule, keeping the first ones", "ranges", len(ranges), "max", max)
	}
	return capped, nil
}

func insert(ctx context.Context, a *app.App, c Client, project string, rule *compute.Firewall) error {
	a.Log.Info("creating firewall rule", "rule", rule.Name, "direction", rule.Direction, "priority", rule.Priority)
	err := c.InsertFirewall(ctx, project, rule)
	switch {
	case errors.Is(err, gce.ErrAlreadyExists):
		a.Log.Warn("rule already exists, skipping", "rule", rule.Name)
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintln(a.Err, ui.Success(fmt.Sprintf("firewall rule %s created", rule.Name)))
	return nil
}
