package cloudinit

import (
	"crypto/ed25519"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

func testKey(t *testing.T) string {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
}

func TestUserDataWithKey(t *testing.T) {
	key := testKey(t)
	data, err := UserData("free-tier-vm", "mitch", "  "+key+" me@laptop\n")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "#cloud-config\n"))

	var got CloudInitUserData
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, "free-tier-vm", got.Hostname)
	assert.False(t, got.SshPwauth)
	require.Len(t, got.Users, 1)
	assert.Equal(t, "mitch", got.Users[0].Name)
	assert.Equal(t, []string{key + " me@laptop"}, got.Users[0].SshAuthorizedKeys)
	assert.Equal(t, "auto", got.GrowPart.Mode)
}

func TestUserDataWithoutKey(t *testing.T) {
	data, err := UserData("vm", "", "")
	require.NoError(t, err)
	assert.NotContains(t, string(data), "users:")
	assert.NotContains(t, string(data), "runcmd:")
}

func TestUserDataRejects(t *testing.T) {
	_, err := UserData("vm", "", testKey(t))
	assert.Error(t, err)

	_, err = UserData("vm", "mitch", "ssh-rsa not-base64")
	assert.ErrorContains(t, err, "ssh public key")
}

func TestReadAuthorizedKey(t *testing.T) {
	key := testKey(t)
	p := path.Join(t.TempDir(), "id_ed25519.pub")
	require.NoError(t, os.WriteFile(p, []byte(key+"\n"), 0o600))

	got, err := ReadAuthorizedKey(p)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = ReadAuthorizedKey(path.Join(t.TempDir(), "nope.pub"))
	assert.Error(t, err)
}
