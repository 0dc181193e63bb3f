package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adap-ai/adap/internal/config"
	"github.com/adap-ai/adap/internal/crypto"
)

func TestInitializeAdap(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	require.NoError(t, initializeAdap(dir, &out))

	cfg, err := config.Load(filepath.Join(dir, "adap.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".adap", "adap.key"), cfg.Crypto.IdentityPath)
	assert.Equal(t, filepath.Join(dir, "data", "api_keys.enc"), cfg.Secrets.Path)

	info, err := os.Stat(cfg.Crypto.IdentityPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	km := crypto.NewKeyManager(cfg.Crypto.IdentityPath)
	require.NoError(t, km.Load())
	assert.Contains(t, out.String(), km.PublicKey())

	for _, folder := range []string{"plugins", "skills"} {
		info, err := os.Stat(filepath.Join(dir, folder))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestInitializeAdapKeepsExistingIdentity(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, initializeAdap(dir, &bytes.Buffer{}))

	km := crypto.NewKeyManager(filepath.Join(dir, ".adap", "adap.key"))
	require.NoError(t, km.Load())
	first := km.PublicKey()

	require.NoError(t, initializeAdap(dir, &bytes.Buffer{}))
	require.NoError(t, km.Load())
	assert.Equal(t, first, km.PublicKey())
}
