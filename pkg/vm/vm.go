package vm

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	petname "github.com/dustinkirkland/golang-petname"
	compute "google.golang.org/api/compute/v1"
)

// Generic vm creation request, as the user/config file hands it to
// us. Disk size is a string to allow for stuff like 30g/30GiB etc...
//
// This is all then convertable into a Config struct which has the
// values the compute api wants.
type UserConfig struct {
	Name        string // "auto" means make up a name
	Zone        string
	MachineType string
	Disksize    string
	DiskType    string

	ImageProject string
	ImageFamily  string

	Network     string
	NetworkTier string
	Tags        []string

	// Optional, an authorized_keys line and the user it's for.
	SshUser string
	SshKey  string
}

type Config struct {
	Name        string
	Zone        string
	MachineType string
	Disksize    int64 // bytes
	DiskType    string

	ImageProject string
	ImageFamily  string

	Network     string
	NetworkTier string
	Tags        []string

	SshUser string
	SshKey  string
}

const (
	// Sizing related nonsense
	GIB = (1024 * 1024 * 1024)
	MIB = (1024 * 1024)
	KIB = 1024

	// Smallest boot disk gce will hand out for the public images.
	MinDiskSize = 10 * GIB

	AutoName = "auto"
)

func fmtIec(bytes int64) string {
	switch {
	case bytes >= GIB && bytes%GIB == 0:
		return fmt.Sprintf("%dGiB", bytes/GIB)
	case bytes >= GIB:
		return fmt.Sprintf("%.2fGiB", float64(bytes)/GIB)
	case bytes >= MIB:
		return fmt.Sprintf("%.2fMiB", float64(bytes)/MIB)
	case bytes >= KIB:
		return fmt.Sprintf("%.2fKiB", float64(bytes)/KIB)
	}
	return fmt.Sprintf("%dbytes", bytes)
}

// Custom format function for debugging more simply.
func (c Config) Format(f fmt.State, r rune) {
	out := fmt.Sprintf("%s: zone=%s type=%s disk=%s/%s image=%s/%s tier=%s", c.Name, c.Zone, c.MachineType, fmtIec(c.Disksize), c.DiskType, c.ImageProject, c.ImageFamily, c.NetworkTier)
	f.Write([]byte(out))
}

// Function to map a userconfig struct to a config struct
func (uc UserConfig) ToConfig() (c Config, e error) {
	if uc.Zone == "" {
		return c, errors.New("zone is required")
	}
	if uc.ImageProject == "" || uc.ImageFamily == "" {
		return c, errors.New("image project and family are required")
	}

	bytes, err := units.RAMInBytes(uc.Disksize)
	if err != nil {
		return c, errors.Wrapf(err, "disk size %q", uc.Disksize)
	}
	if bytes < MinDiskSize {
		return c, errors.Newf("disk size %s is below the %s minimum", fmtIec(bytes), fmtIec(MinDiskSize))
	}
	c.Disksize = bytes

	c.Name = uc.Name
	if c.Name == "" || c.Name == AutoName {
		c.Name = petname.Generate(2, "-")
	}

	c.Zone = uc.Zone
	c.MachineType = uc.MachineType
	c.DiskType = uc.DiskType
	c.ImageProject = uc.ImageProject
	c.ImageFamily = uc.ImageFamily
	c.Network = uc.Network
	c.NetworkTier = strings.ToUpper(uc.NetworkTier)
	c.Tags = uc.Tags
	c.SshUser = uc.SshUser
	c.SshKey = uc.SshKey
	return c, nil
}

// Disk size in the whole GB units the api wants, rounded up.
func (c Config) DiskSizeGb() int64 {
	return (c.Disksize + GIB - 1) / GIB
}

// Build the api instance resource. sourceImage is the image self link
// resolved from the family, userData the optional cloud-init payload.
func (c Config) Instance(sourceImage string, userData []byte) *compute.Instance {
	inst := &compute.Instance{
		Name:        c.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", c.Zone, c.MachineType),
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: sourceImage,
					DiskSizeGb:  c.DiskSizeGb(),
					DiskType:    fmt.Sprintf("zones/%s/diskTypes/%s", c.Zone, c.DiskType),
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				Network: c.Network,
				AccessConfigs: []*compute.AccessConfig{
					{
						Name:        "External NAT",
						Type:        "ONE_TO_ONE_NAT",
						NetworkTier: c.NetworkTier,
					},
				},
			},
		},
	}

	if len(c.Tags) > 0 {
		inst.Tags = &compute.Tags{Items: c.Tags}
	}

	var items []*compute.MetadataItems
	if c.SshKey != "" {
		key := c.SshKey
		if c.SshUser != "" {
			key = fmt.Sprintf("%s:%s", c.SshUser, c.SshKey)
		}
		items = append(items, &compute.MetadataItems{Key: "ssh-keys", Value: &key})
	}
	if len(userData) > 0 {
		ud := string(userData)
		items = append(items, &compute.MetadataItems{Key: "user-data", Value: &ud})
	}
	if len(items) > 0 {
		inst.Metadata = &compute.Metadata{Items: items}
	}

	return inst
}
