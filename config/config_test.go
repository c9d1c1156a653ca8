package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-mc/fulcrum/slots"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fulcrum.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
bus:
  redisUrl: redis:6379
  queueCap: 500
service:
  family: mini
  address: 10.0.0.1:25565
  heartbeatInterval: 2s
slots:
  provisionTimeout: 3s
  idleTimeout: 120s
  queueDepth: 8
  families:
    - familyId: mini
      maxSlots: 4
      variants: [classic, rush]
    - familyId: duels
      maxSlots: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis:6379", cfg.Bus.RedisURL)
	assert.Equal(t, 500, cfg.Bus.QueueCap)
	assert.Equal(t, "mini", cfg.Service.Family)
	assert.Equal(t, Duration(2*time.Second), cfg.Service.HeartbeatInterval)
	assert.Equal(t, Duration(3*time.Second), cfg.Slots.ProvisionTimeout)
	assert.Equal(t, 8, cfg.Slots.QueueDepth)
	require.Len(t, cfg.Slots.Families, 2)
	assert.Equal(t, []string{"classic", "rush"}, cfg.Slots.Families[0].Variants)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Bus.RedisURL)
	assert.Equal(t, Duration(5*time.Second), cfg.Service.HeartbeatInterval)
	assert.Equal(t, Duration(slots.DefaultProvisionTimeout), cfg.Slots.ProvisionTimeout)
	assert.Equal(t, Duration(slots.DefaultIdleTimeout), cfg.Slots.IdleTimeout)
	assert.Equal(t, slots.DefaultQueueDepth, cfg.Slots.QueueDepth)
}

func TestLoadFillsOmittedTimings(t *testing.T) {
	path := writeConfig(t, `
slots:
  families:
    - familyId: mini
      maxSlots: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Duration(slots.DefaultProvisionTimeout), cfg.Slots.ProvisionTimeout)
	assert.Equal(t, Duration(5*time.Second), cfg.Service.HeartbeatInterval)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
bus:
  redisUrl: redis:6379
service:
  address: 10.0.0.1:25565
  family: mini
`)
	t.Setenv("FULCRUM_REDIS_URL", "other:6380")
	t.Setenv("FULCRUM_ADDRESS", "10.9.9.9:25565")
	t.Setenv("FULCRUM_FAMILY", "duels")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "other:6380", cfg.Bus.RedisURL)
	assert.Equal(t, "10.9.9.9:25565", cfg.Service.Address)
	assert.Equal(t, "duels", cfg.Service.Family)
}

func TestLoadRejectsInvalidFamilies(t *testing.T) {
	_, err := Load(writeConfig(t, `
slots:
  families:
    - familyId: ""
      maxSlots: 4
`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `
slots:
  families:
    - familyId: mini
      maxSlots: 0
`))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedDurations(t *testing.T) {
	_, err := Load(writeConfig(t, `
service:
  heartbeatInterval: soon
`))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "slots: [not: a: mapping"))
	assert.Error(t, err)
}
