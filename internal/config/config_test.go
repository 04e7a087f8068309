package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"kiaansync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWebProfile(t *testing.T) {
	path := writeConfig(t, `
app:
  name: kiaan-sync
database:
  path: /tmp/kiaan/offline.db
remote:
  base_url: https://api.mindvibe.app
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, models.ProfileWeb, cfg.Sync.Profile)
	assert.Equal(t, models.DefaultMaxRetriesWeb, cfg.Sync.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 24*time.Hour, cfg.DefaultCacheTTL())
	assert.Equal(t, time.Hour, cfg.CleanupInterval())
	assert.Equal(t, 2000, cfg.Sync.BackoffInitialMs)
}

func TestLoad_MobileProfileDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/kiaan/offline.db
sync:
  profile: mobile
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMaxRetriesMobile, cfg.Sync.MaxRetries)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("KIAAN_DB_PATH", "/var/lib/kiaan/offline.db")
	path := writeConfig(t, `
database:
  path: ${KIAAN_DB_PATH}
remote:
  base_url: https://api.mindvibe.app
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/kiaan/offline.db", cfg.Database.Path)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing database path", `
remote:
  base_url: https://api.mindvibe.app
`},
		{"web profile without base url", `
database:
  path: /tmp/offline.db
`},
		{"unknown profile", `
database:
  path: /tmp/offline.db
sync:
  profile: desktop
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_StatusPortDefault(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/offline.db
remote:
  base_url: https://api.mindvibe.app
status:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Status.Port)
}
