package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.MaxPlayers)
	assert.Equal(t, 10, cfg.CountdownSecs)
	assert.Equal(t, 2, cfg.ReadyThreshold)
	assert.Equal(t, Duration(10*time.Second), cfg.HeartbeatInterval)
	assert.Equal(t, Duration(3*time.Second), cfg.BombFuse)
	assert.Equal(t, Duration(1250*time.Millisecond), cfg.FireCleanup)
}

// TestLoadConfigOverrides 文件里写了的字段覆盖默认值，没写的保持默认
func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":6000"
max_players: 4
bomb_fuse: 500ms
heartbeat_interval: 3s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.MaxPlayers)
	assert.Equal(t, Duration(500*time.Millisecond), cfg.BombFuse)
	assert.Equal(t, Duration(3*time.Second), cfg.HeartbeatInterval)
	assert.Equal(t, 15, cfg.GridWidth, "未覆盖的字段保持默认")
	assert.Equal(t, 10, cfg.CountdownSecs)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"too many players", "max_players: 9"},
		{"zero players", "max_players: 0"},
		{"tiny grid", "grid_width: 3"},
		{"threshold below two", "ready_threshold: 1"},
		{"bad duration", `bomb_fuse: "soon"`},
		{"not yaml", ":\n  - ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestConfigRules(t *testing.T) {
	cfg := DefaultConfig()
	rules := cfg.Rules()

	assert.Equal(t, 15, rules.GridWidth)
	assert.Equal(t, 15, rules.GridHeight)
	assert.Equal(t, 25, rules.PowerUpChance)
	assert.Equal(t, 3*time.Second, rules.BombFuse)
	assert.Equal(t, 1250*time.Millisecond, rules.FireCleanup)
	assert.Equal(t, 10, rules.InvincibilitySecs)
	assert.Equal(t, 3*time.Second, rules.GameOverResetDelay)
}
