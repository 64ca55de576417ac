package sshkeygen

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerate(t *testing.T) {
	kp, err := Generate("hostshift")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(kp.PublicKey, "ssh-ed25519 "))
	assert.True(t, strings.HasSuffix(kp.PublicKey, " hostshift\n"))

	signer, err := ssh.ParsePrivateKey([]byte(kp.PrivateKey))
	require.NoError(t, err)
	assert.Equal(t, strings.Fields(kp.PublicKey)[1], strings.Fields(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))[1])

	fp, err := Fingerprint(kp.PublicKey)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fp, "SHA256:"))
}

func TestWriteFiles(t *testing.T) {
	kp, err := Generate("")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys", "id_ed25519")
	require.NoError(t, kp.WriteFiles(path, false))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	pub, err := os.ReadFile(path + ".pub")
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, string(pub))

	assert.Error(t, kp.WriteFiles(path, false))
	assert.NoError(t, kp.WriteFiles(path, true))
}
