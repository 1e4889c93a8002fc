package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedTLSProducesUsableConfig(t *testing.T) {
	cfg, err := generateSelfSignedTLS("test-node")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, uint16(0x0304), cfg.MinVersion) // tls.VersionTLS13
}

func TestLoadConfigFallsBackToDefaultWhenMissing(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "identity.key", cfg.IdentityKeyFile)
	assert.Greater(t, cfg.MaxPeers, 0)
}
