// Package app is the state every subcommand shares: resolved config,
// the logger, the console prompt and a lazily built api client.
package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	flag "github.com/spf13/pflag"

	"gcetools/pkg/config"
	"gcetools/pkg/gce"
	"gcetools/pkg/prompt"
	"gcetools/pkg/ui"
)

type App struct {
	Config config.Config
	Log    *log.Logger
	Prompt *prompt.Prompter

	// Data (cidrs, ips) goes to Out, everything else to the logger.
	Out io.Writer
	Err io.Writer

	// From --project, skips the project menu when set.
	Project string

	// Swapped in tests.
	Lookup    func(string) (string, bool)
	NewClient func(ctx context.Context, credentialsFile string) (*gce.Client, error)

	client *gce.Client
}

func New(in io.Reader, out, errw io.Writer) *App {
	l, _ := ui.NewLogger(errw, "info")
	return &App{
		Config:    config.Default(),
		Log:       l,
		Prompt:    prompt.New(in, errw),
		Out:       out,
		Err:       errw,
		Lookup:    os.LookupEnv,
		NewClient: gce.New,
	}
}

func (a *App) AddFlags(fs *flag.FlagSet) {
	config.AddFlags(fs)
}

// Setup resolves the config layers for the command about to run. fs
// has to hold the persistent flags from AddFlags.
func (a *App) Setup(fs *flag.FlagSet) error {
	if err := config.LoadDotenv(); err != nil {
		a.Log.Warn("ignoring .env", "err", err)
	}

	p, required := config.ConfigPath(fs, a.Lookup)
	c, err := config.Load(p, required)
	if err != nil {
		return err
	}
	c.ApplyEnv(a.Lookup)
	if err := c.ApplyFlags(fs); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return errors.Wrapf(err, "config %s", p)
	}

	l, err := ui.NewLogger(a.Err, c.LogLevel)
	if err != nil {
		return err
	}

	a.Config = c
	a.Log = l
	a.Project = config.Project(fs)
	a.Log.Debug("config loaded", "path", p, "project", a.Project, "default_project", c.DefaultProject)
	return nil
}

// Client builds the api client on first use so commands that never
// talk to the api (ipranges) don't need credentials.
func (a *App) Client(ctx context.Context) (*gce.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	c, err := a.NewClient(ctx, a.Config.CredentialsFile)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

type ProjectSearcher interface {
	SearchProjects(ctx context.Context) ([]gce.Project, error)
}

// SelectProject works out which project to act on: --project if given,
// otherwise a menu of the active projects. A failed or empty search
// falls back to default_project with a warning.
func (a *App) SelectProject(ctx context.Context, s ProjectSearcher) (string, error) {
	if a.Project != "" {
		return a.Project, nil
	}

	projects, err := s.SearchProjects(ctx)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		a.Log.Warn("could not list projects", "err", err)
		return a.fallbackProject()
	case len(projects) == 0:
		a.Log.Warn("no active projects found")
		return a.fallbackProject()
	}

	labels := make([]string, len(projects))
	for i, p := range projects {
		labels[i] = fmt.Sprintf("%s (%s)", p.ID, p.DisplayName)
	}
	i, err := a.Prompt.Choose(ctx, "Projects", labels)
	if err != nil {
		return "", err
	}
	return projects[i].ID, nil
}

func (a *App) fallbackProject() (string, error) {
	if a.Config.DefaultProject == "" {
		return "", errors.Newf("no project to use, pass --project or set default_project (or $%s)", config.EnvProject)
	}
	a.Log.Warn("using default project", "project", a.Config.DefaultProject)
	return a.Config.DefaultProject, nil
}
