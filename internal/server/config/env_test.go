package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnv_DotenvFileAndProcessEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"APPTSYNC_DATABASE_DSN=postgres://file\n"+
			"APPTSYNC_SESSION_TTL=90s\n"+
			"APPTSYNC_ARCHIVE_ENABLED=true\n"+
			"APPTSYNC_DELTA_PAGE_SIZE=42\n"), 0o600))

	for _, k := range []string{"APPTSYNC_DATABASE_DSN", "APPTSYNC_SESSION_TTL", "APPTSYNC_ARCHIVE_ENABLED", "APPTSYNC_DELTA_PAGE_SIZE"} {
		k := k
		t.Cleanup(func() { _ = os.Unsetenv(k) })
	}
	t.Setenv("APPTSYNC_GRPC_ADDR", ":6000")

	var c Config
	c.LoadDefaults()
	parseEnv(&c, path)

	assert.Equal(t, ":6000", c.EndpointAddrGRPC)
	assert.Equal(t, "postgres://file", c.DatabaseDSN)
	assert.Equal(t, 90*time.Second, c.SessionValidityDuration)
	assert.True(t, c.ArchiveEnabled)
	assert.Equal(t, 42, c.DeltaPageSize)
}

func TestParseEnv_MissingFileKeepsDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()
	parseEnv(&c, filepath.Join(t.TempDir(), "absent.env"))
	assert.Equal(t, ":50051", c.EndpointAddrGRPC)
}

func TestParseEnv_BadValuesIgnored(t *testing.T) {
	t.Setenv("APPTSYNC_SESSION_TTL", "forever")
	t.Setenv("APPTSYNC_DELTA_PAGE_SIZE", "many")

	var c Config
	c.LoadDefaults()
	parseEnv(&c, "")
	assert.Equal(t, 24*time.Hour, c.SessionValidityDuration)
	assert.Equal(t, 500, c.DeltaPageSize)
}
