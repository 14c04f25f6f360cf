package create

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	compute "google.golang.org/api/compute/v1"

	"gcetools/pkg/app"
	"gcetools/pkg/cloudinit"
	"gcetools/pkg/config"
	"gcetools/pkg/ui"
	"gcetools/pkg/vm"
)

type Client interface {
	app.ProjectSearcher
	ImageFromFamily(ctx context.Context, project, family string) (string, error)
	InsertInstance(ctx context.Context, project, zone string, inst *compute.Instance) (vm.Operation, error)
	AwaitOperation(ctx context.Context, op vm.Operation) error
	GetInstance(ctx context.Context, ref vm.Ref) (vm.Instance, error)
}

// Flags, anything left empty comes from config or the menus.
type Options struct {
	Name        string
	Zone        string
	ImageFamily string
	MachineType string
	DiskSize    string
	SshUser     string
	SshKeyFile  string
}

func Cmd(a *app.App) *cobra.Command {
	var o Options
	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a free tier style vm",
		Long: `
Pick a project, region and os image and create a small vm with a
standard tier external ip. Defaults are an e2-micro with a 30GiB
pd-standard boot disk, which is what the free tier covers in the
us-west1, us-central1 and us-east1 regions.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.Client(cmd.Context())
			if err != nil {
				return err
			}
			return Run(cmd.Context(), a, c, o)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&o.Name, "name", "n", "", "instance name, \"auto\" for a random one (default from config)")
	fs.StringVar(&o.Zone, "zone", "", "zone, skips the region menu")
	fs.StringVar(&o.ImageFamily, "image", "", "image family from the configured images, skips the image menu")
	fs.StringVar(&o.MachineType, "machine-type", "", "machine type (default from config)")
	fs.StringVar(&o.DiskSize, "disk-size", "", "boot disk size, e.g. 30GiB (default from config)")
	fs.StringVar(&o.SshUser, "ssh-user", "", "user to create for --ssh-key")
	fs.StringVar(&o.SshKeyFile, "ssh-key", "", "public key file to authorize for --ssh-user")
	return cmd
}

func Run(ctx context.Context, a *app.App, c Client, o Options) error {
	project, err := a.SelectProject(ctx, c)
	if err != nil {
		return err
	}

	zone, err := pickZone(ctx, a, o.Zone)
	if err != nil {
		return err
	}
	img, err := pickImage(ctx, a, o.ImageFamily)
	if err != nil {
		return err
	}

	uc := userConfig(a.Config, o)
	uc.Zone = zone
	uc.ImageProject = img.Project
	uc.ImageFamily = img.Family

	if uc.SshKey, err = sshKey(a.Config, o); err != nil {
		return err
	}

	cfg, err := uc.ToConfig()
	if err != nil {
		return err
	}
	a.Log.Info("creating", "project", project, "vm", fmt.Sprintf("%v", cfg))

	image, err := c.ImageFromFamily(ctx, cfg.ImageProject, cfg.ImageFamily)
	if err != nil {
		return err
	}

	var userData []byte
	if cfg.SshKey != "" {
		if userData, err = cloudinit.UserData(cfg.Name, cfg.SshUser, cfg.SshKey); err != nil {
			return err
		}
	}

	op, err := c.InsertInstance(ctx, project, cfg.Zone, cfg.Instance(image, userData))
	if err != nil {
		return err
	}
	a.Log.Info("waiting for the instance to be created", "operation", op.Name)
	if err := c.AwaitOperation(ctx, op); err != nil {
		return errors.Wrapf(err, "creating %s", cfg.Name)
	}

	fmt.Fprintln(a.Err, ui.Success(fmt.Sprintf("instance %s created in %s", cfg.Name, cfg.Zone)))

	inst, err := c.GetInstance(ctx, vm.Ref{Project: project, Zone: cfg.Zone, Name: cfg.Name})
	if err != nil {
		a.Log.Warn("could not look up the external ip", "err", err)
		return nil
	}
	if inst.ExternalIP == "" {
		a.Log.Warn("instance has no external ip yet", "instance", cfg.Name)
		return nil
	}
	a.Log.Info("external ip", "instance", cfg.Name, "ip", inst.ExternalIP)
	fmt.Fprintln(a.Out, inst.ExternalIP)
	return nil
}

func userConfig(c config.Config, o Options) vm.UserConfig {
	or := func(flag, cfg string) string {
		if flag != "" {
			return flag
		}
		return cfg
	}
	return vm.UserConfig{
		Name:        or(o.Name, c.InstanceName),
		MachineType: or(o.MachineType, c.MachineType),
		Disksize:    or(o.DiskSize, c.DiskSize),
		DiskType:    c.DiskType,
		Network:     c.Network,
		NetworkTier: c.NetworkTier,
		Tags:        c.Tags,
		SshUser:     or(o.SshUser, c.SshUser),
	}
}

func sshKey(c config.Config, o Options) (string, error) {
	p := o.SshKeyFile
	if p == "" {
		p = c.SshKeyFile
	}
	if p == "" {
		return "", nil
	}
	return cloudinit.ReadAuthorizedKey(p)
}

func pickZone(ctx context.Context, a *app.App, zone string) (string, error) {
	if zone != "" {
		return zone, nil
	}
	regions := a.Config.Regions
	labels := make([]string, len(regions))
	for i, r := range regions {
		labels[i] = fmt.Sprintf("%s (%s)", r.Name, r.Zone)
	}
	i, err := a.Prompt.Choose(ctx, "Regions", labels)
	if err != nil {
		return "", err
	}
	return regions[i].Zone, nil
}

func pickImage(ctx context.Context, a *app.App, family string) (config.Image, error) {
	images := a.Config.Images
	if family != "" {
		for _, img := range images {
			if img.Family == family {
				return img, nil
			}
		}
		return config.Image{}, errors.Newf("image family %q is not one of the configured images", family)
	}

	labels := make([]string, len(images))
	for i, img := range images {
		labels[i] = fmt.Sprintf("%s (%s/%s)", img.Name, img.Project, img.Family)
	}
	i, err := a.Prompt.Choose(ctx, "Images", labels)
	if err != nil {
		return config.Image{}, err
	}
	return images[i], nil
}
