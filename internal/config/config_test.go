package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
client_id: laptop-01
subvolumes:
  - name: root
    source_path: /
  - name: home
    source_path: /home
remote_host: archive.example.net
remote_user: arkvolt
remote_base_path: /srv/arkvolt
identity_file: /etc/arkvolt/id_ed25519
snapshot_dir: /.snapshots
data_dir: /var/lib/arkvolt
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arkvolt.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "laptop-01", cfg.ClientID)
	assert.Len(t, cfg.Subvolumes, 2)
	assert.Equal(t, uint16(22), cfg.RemotePort)
	assert.Equal(t, 6, cfg.MonthsToKeep)
	assert.Equal(t, 30, cfg.DailyIncrementalDays)
	assert.Equal(t, 7, cfg.LocalSnapshotDays)
	assert.Equal(t, "zstd", cfg.CompressAlgo)
	assert.Equal(t, 30, cfg.ConnectTimeoutSeconds)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	_, err := Load(writeConfig(t, `
subvolumes:
  - name: root
    source_path: /
remote_host: archive.example.net
remote_user: arkvolt
remote_base_path: /srv/arkvolt
identity_file: /etc/arkvolt/id_ed25519
snapshot_dir: /.snapshots
`))
	assert.Error(t, err)
}

func TestLoadRejectsUnsafeSubvolumeName(t *testing.T) {
	_, err := Load(writeConfig(t, `
client_id: laptop-01
subvolumes:
  - name: ../escape
    source_path: /
remote_host: archive.example.net
remote_user: arkvolt
remote_base_path: /srv/arkvolt
identity_file: /etc/arkvolt/id_ed25519
snapshot_dir: /.snapshots
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subvolumes[0]")
}

func TestEnvOverrideWinsOverYAML(t *testing.T) {
	t.Setenv("ARKVOLT_REMOTE_HOST", "override.example.net")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "override.example.net", cfg.RemoteHost)
}

func TestKeyfileAndLineagePaths(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/arkvolt/backup-encryption.key", cfg.KeyfilePath())
	assert.Equal(t, "/var/lib/arkvolt/lineage.db", cfg.LineageDBPath())
}
