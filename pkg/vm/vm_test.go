package vm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeTier() UserConfig {
	return UserConfig{
		Name:         "free-tier-vm",
		Zone:         "us-west1-b",
		MachineType:  "e2-micro",
		Disksize:     "30GB",
		DiskType:     "pd-standard",
		ImageProject: "debian-cloud",
		ImageFamily:  "debian-12",
		Network:      "global/networks/default",
		NetworkTier:  "standard",
		Tags:         []string{"http-server", "https-server"},
	}
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]Status{
		"RUNNING":    Running,
		"running":    Running,
		" STOPPED ":  Stopped,
		"STOPPING":   Stopping,
		"STAGING":    Provisioning,
		"TERMINATED": Terminated,
		"SUSPENDED":  Unknown,
		"":           Unknown,
	} {
		assert.Equal(t, want, ParseStatus(in), in)
	}
}

func TestToConfig(t *testing.T) {
	c, err := freeTier().ToConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(30*GIB), c.Disksize)
	assert.Equal(t, int64(30), c.DiskSizeGb())
	assert.Equal(t, "STANDARD", c.NetworkTier)
	assert.Equal(t, "free-tier-vm: zone=us-west1-b type=e2-micro disk=30GiB/pd-standard image=debian-cloud/debian-12 tier=STANDARD", fmt.Sprintf("%v", c))
}

func TestToConfigAutoName(t *testing.T) {
	uc := freeTier()
	uc.Name = AutoName
	c, err := uc.ToConfig()
	require.NoError(t, err)
	assert.NotEmpty(t, c.Name)
	assert.NotEqual(t, AutoName, c.Name)
}

func TestToConfigRejects(t *testing.T) {
	small := freeTier()
	small.Disksize = "2g"
	_, err := small.ToConfig()
	assert.ErrorContains(t, err, "below")

	junk := freeTier()
	junk.Disksize = "lots"
	_, err = junk.ToConfig()
	assert.ErrorContains(t, err, "disk size")

	nozone := freeTier()
	nozone.Zone = ""
	_, err = nozone.ToConfig()
	assert.Error(t, err)
}

func TestInstance(t *testing.T) {
	uc := freeTier()
	uc.SshUser = "mitch"
	uc.SshKey = "ssh-ed25519 AAAA test"
	c, err := uc.ToConfig()
	require.NoError(t, err)

	inst := c.Instance("projects/debian-cloud/global/images/debian-12-x", []byte("#cloud-config\n"))
	assert.Equal(t, "zones/us-west1-b/machineTypes/e2-micro", inst.MachineType)
	require.Len(t, inst.Disks, 1)
	assert.True(t, inst.Disks[0].Boot)
	assert.True(t, inst.Disks[0].AutoDelete)
	assert.Equal(t, int64(30), inst.Disks[0].InitializeParams.DiskSizeGb)
	assert.Equal(t, "zones/us-west1-b/diskTypes/pd-standard", inst.Disks[0].InitializeParams.DiskType)

	ac := inst.NetworkInterfaces[0].AccessConfigs[0]
	assert.Equal(t, "ONE_TO_ONE_NAT", ac.Type)
	assert.Equal(t, "STANDARD", ac.NetworkTier)
	assert.Equal(t, []string{"http-server", "https-server"}, inst.Tags.Items)

	require.NotNil(t, inst.Metadata)
	require.Len(t, inst.Metadata.Items, 2)
	assert.Equal(t, "ssh-keys", inst.Metadata.Items[0].Key)
	assert.Equal(t, "mitch:ssh-ed25519 AAAA test", *inst.Metadata.Items[0].Value)
	assert.Equal(t, "user-data", inst.Metadata.Items[1].Key)
}

func TestInstanceNoMetadata(t *testing.T) {
	c, err := freeTier().ToConfig()
	require.NoError(t, err)
	inst := c.Instance("img", nil)
	assert.Nil(t, inst.Metadata)
}
