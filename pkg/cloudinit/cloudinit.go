package cloudinit

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// Just the bits of the cloud-config schema we set, the gce images run
// cloud-init (ubuntu) or google-guest-agent (debian) and both are fine
// with a user-data key carrying this.
type CloudInitUserData struct {
	FinalMessage string              `yaml:"final_message"`
	Hostname     string              `yaml:"hostname"`
	SshPwauth    bool                `yaml:"ssh_pwauth"`
	Output       CloudInitUserOutput `yaml:"output"`
	Users        []CloudInitUser     `yaml:"users,omitempty"`
	Runcmd       [][]string          `yaml:"runcmd,omitempty"`
	GrowPart     CloudInitGrowPart   `yaml:"growpart"`
}

type CloudInitGrowPart struct {
	Mode                   string   `yaml:"mode"`
	Devices                []string `yaml:"devices"`
	IgnoreGrowRootDisabled bool     `yaml:"ignore_growroot_disabled"`
}

type CloudInitUserOutput struct {
	All string `yaml:"all"`
}

type CloudInitUser struct {
	Name              string   `yaml:"name"`
	Shell             string   `yaml:"shell"`
	Sudo              string   `yaml:"sudo"`
	Groups            string   `yaml:"groups,omitempty"`
	SshAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

// Return the cloudinit user data for a new instance. user and key may
// both be empty in which case no user gets created and login is left
// to the project/instance ssh-keys metadata.
func UserData(hostname string, user string, authorizedKey string) ([]byte, error) {
	output := CloudInitUserData{
		FinalMessage: "fin",
		Hostname:     hostname,
		SshPwauth:    false,
		Output: CloudInitUserOutput{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
		GrowPart: CloudInitGrowPart{
			Mode:                   "auto",
			Devices:                []string{"/"},
			IgnoreGrowRootDisabled: true,
		},
	}

	if authorizedKey != "" {
		if user == "" {
			return nil, errors.New("an ssh key needs a user to go with it")
		}
		key, err := AuthorizedKey(authorizedKey)
		if err != nil {
			return nil, err
		}
		output.Users = []CloudInitUser{
			{
				Name:              user,
				Shell:             "/bin/bash",
				Sudo:              "ALL=(ALL) NOPASSWD:ALL",
				SshAuthorizedKeys: []string{key},
			},
		}
		output.Runcmd = [][]string{
			{"systemctl", "restart", "--no-block", "ssh.service"},
		}
	}

	yaml, err := yaml.Marshal(&output)

	if err != nil {
		return nil, err
	}

	return []byte(fmt.Sprintf("#cloud-config\n%s", yaml)), nil
}

// AuthorizedKey validates an authorized_keys line and hands it back in
// canonical "type base64 comment" form without a trailing newline.
func AuthorizedKey(line string) (string, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", errors.Wrap(err, "ssh public key")
	}
	out := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		out = out + " " + comment
	}
	return out, nil
}

// Read a public key file, ~/.ssh/id_ed25519.pub and friends.
func ReadAuthorizedKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return AuthorizedKey(string(data))
}
