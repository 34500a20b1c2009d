package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syuink/node/internal/proto"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadCIDR(t *testing.T) {
	cfg := Default()
	cfg.Overlay.CIDR = "not-a-cidr"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadServiceProto(t *testing.T) {
	cfg := Default()
	cfg.Services = []proto.ServiceDecl{{IP: "192.168.10.5", Port: 22, Proto: "icmp"}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonHTTPRendezvousScheme(t *testing.T) {
	cfg := Default()
	cfg.Rendezvous.BaseURL = "ftp://example.org"
	assert.Error(t, cfg.Validate())
}

func TestEnsureCreatesDefaultThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	cfg2, created2, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, cfg, cfg2)
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Direct.KeepAliveSec = 0
	assert.Error(t, Save(path, cfg))
}
