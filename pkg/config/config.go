// Package config holds everything the subcommands can be told from
// the outside. Layers, later wins:
//
//	defaults -> $XDG_CONFIG_HOME/gcetools/config.yaml -> .env/environment -> flags
package config

import (
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const APPNAME = "gcetools"

const (
	EnvProject     = "GCETOOLS_PROJECT"
	EnvCredentials = "GCETOOLS_CREDENTIALS"
	EnvLogLevel    = "GCETOOLS_LOG_LEVEL"
	EnvConfig      = "GCETOOLS_CONFIG"

	// gcloud and the client libraries both honor this one.
	EnvCloudProject = "GOOGLE_CLOUD_PROJECT"
)

// A zone offered in the create menu.
type Region struct {
	Zone string `yaml:"zone"`
	Name string `yaml:"name"`
}

// A public image family offered in the create menu.
type Image struct {
	Project string `yaml:"project"`
	Family  string `yaml:"family"`
	Name    string `yaml:"name"`
}

type Reroll struct {
	Target        string        `yaml:"target"`
	MaxAttempts   int           `yaml:"max_attempts"`
	MetadataPolls int           `yaml:"metadata_polls"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	ResetPause    time.Duration `yaml:"reset_pause"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

type Firewall struct {
	IPFile        string `yaml:"ip_file"`
	MaxRanges     int    `yaml:"max_ranges"`
	Collapse      bool   `yaml:"collapse"`
	AllowName     string `yaml:"allow_name"`
	AllowPriority int64  `yaml:"allow_priority"`
	DenyName      string `yaml:"deny_name"`
	DenyPriority  int64  `yaml:"deny_priority"`
}

type Config struct {
	// Used when project search fails or comes back empty.
	DefaultProject  string `yaml:"default_project"`
	CredentialsFile string `yaml:"credentials_file"`
	LogLevel        string `yaml:"log_level"`

	Regions      []Region `yaml:"regions"`
	Images       []Image  `yaml:"images"`
	InstanceName string   `yaml:"instance_name"`
	MachineType  string   `yaml:"machine_type"`
	DiskSize     string   `yaml:"disk_size"`
	DiskType     string   `yaml:"disk_type"`
	Network      string   `yaml:"network"`
	NetworkTier  string   `yaml:"network_tier"`
	Tags         []string `yaml:"tags"`
	SshUser      string   `yaml:"ssh_user"`
	SshKeyFile   string   `yaml:"ssh_key_file"`

	FeedURL      string        `yaml:"feed_url"`
	FeedMaxAge   time.Duration `yaml:"feed_max_age"`
	RangeRegions []string      `yaml:"range_regions"`

	Reroll   Reroll   `yaml:"reroll"`
	Firewall Firewall `yaml:"firewall"`
}

// Default is the free tier setup: an e2-micro with a 30GB standard
// disk in one of the three us regions that qualify.
func Default() Config {
	return Config{
		LogLevel: "info",
		Regions: []Region{
			{Zone: "us-west1-b", Name: "Oregon"},
			{Zone: "us-central1-f", Name: "Iowa"},
			{Zone: "us-east1-b", Name: "South Carolina"},
		},
		Images: []Image{
			{Project: "debian-cloud", Family: "debian-12", Name: "Debian 12"},
			{Project: "ubuntu-os-cloud", Family: "ubuntu-2204-lts", Name: "Ubuntu 22.04 LTS"},
		},
		InstanceName: "free-tier-vm",
		MachineType:  "e2-micro",
		DiskSize:     "30GiB",
		DiskType:     "pd-standard",
		Network:      "global/networks/default",
		NetworkTier:  "STANDARD",
		Tags:         []string{"http-server", "https-server"},

		FeedURL:      "https://www.gstatic.com/ipranges/cloud.json",
		FeedMaxAge:   24 * time.Hour,
		RangeRegions: []string{"us-west1", "us-central1", "us-east1"},

		Reroll: Reroll{
			Target:        "AMD",
			MetadataPolls: 60,
			PollInterval:  2 * time.Second,
			ResetPause:    2 * time.Second,
			DrainTimeout:  3 * time.Minute,
		},
		Firewall: Firewall{
			IPFile:        "cdnip.txt",
			MaxRanges:     256,
			AllowName:     "allow-all-ingress-custom",
			AllowPriority: 1000,
			DenyName:      "deny-cdn-egress-custom",
			DenyPriority:  900,
		},
	}
}

func DefaultPath() string {
	return path.Join(xdg.ConfigHome, APPNAME, "config.yaml")
}

// Load reads path over the defaults. A missing file is only an error
// when required is set, i.e. the user pointed at it explicitly.
func Load(path string, required bool) (Config, error) {
	c := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return c, nil
		}
		return c, errors.Wrapf(err, "config %s", path)
	}
	defer f.Close()

	if err := c.Decode(f); err != nil {
		return c, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

// Decode yaml over whatever is in c already. Unknown keys are an
// error, typos in a config file shouldn't silently do nothing.
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Pull in a .env in the working dir if there is one. Values already in
// the environment win, same as godotenv.Load.
func LoadDotenv(files ...string) error {
	var present []string
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// ApplyEnv overrides from the environment, lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvProject); ok {
		c.DefaultProject = v
	} else if v, ok := get(EnvCloudProject); ok && c.DefaultProject == "" {
		c.DefaultProject = v
	}
	if v, ok := get(EnvCredentials); ok {
		c.CredentialsFile = v
	}
	if v, ok := get(EnvLogLevel); ok {
		c.LogLevel = v
	}
}

// Flags shared by every subcommand.
func AddFlags(fs *flag.FlagSet) {
	fs.String("config", "", "config file (default "+DefaultPath()+")")
	fs.String("project", "", "project id, skips the project menu")
	fs.String("credentials", "", "service account json key, default is application default credentials")
	fs.String("log-level", "", "debug, info, warn or error")
}

// ApplyFlags overrides with whatever flags were actually given on the
// command line. --project is not here, it's a selection and not a
// fallback, see Project.
func (c *Config) ApplyFlags(fs *flag.FlagSet) error {
	if fs.Changed("credentials") {
		v, err := fs.GetString("credentials")
		if err != nil {
			return err
		}
		c.CredentialsFile = v
	}
	if fs.Changed("log-level") {
		v, err := fs.GetString("log-level")
		if err != nil {
			return err
		}
		c.LogLevel = v
	}
	return nil
}

// Project given with --project, empty if there wasn't one.
func Project(fs *flag.FlagSet) string {
	if !fs.Changed("project") {
		return ""
	}
	v, _ := fs.GetString("project")
	return strings.TrimSpace(v)
}

// ConfigPath is --config, then $GCETOOLS_CONFIG, then the xdg default.
// The bool says the user asked for that file specifically.
func ConfigPath(fs *flag.FlagSet, lookup func(string) (string, bool)) (string, bool) {
	if fs.Changed("config") {
		v, _ := fs.GetString("config")
		return v, true
	}
	if v, ok := lookup(EnvConfig); ok && v != "" {
		return v, true
	}
	return DefaultPath(), false
}

func (c Config) Validate() error {
	if len(c.Regions) == 0 {
		return errors.New("no regions configured")
	}
	for _, r := range c.Regions {
		if r.Zone == "" {
			return errors.Newf("region %q has no zone", r.Name)
		}
	}
	if len(c.Images) == 0 {
		return errors.New("no images configured")
	}
	for _, i := range c.Images {
		if i.Project == "" || i.Family == "" {
			return errors.Newf("image %q needs both project and family", i.Name)
		}
	}
	if c.Reroll.MaxAttempts < 0 {
		return errors.New("reroll.max_attempts can't be negative")
	}
	if c.Firewall.MaxRanges <= 0 {
		return errors.New("firewall.max_ranges has to be positive")
	}
	return nil
}
