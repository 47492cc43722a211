package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8787/ws", cfg.Gateway.URL)
	assert.Equal(t, 0, cfg.Gateway.MaxReconnectAttempts)
	assert.Equal(t, 50, cfg.Store.BatchSize)
	assert.Equal(t, 8790, cfg.Control.Port)
	assert.Equal(t, int64(1048576), cfg.Control.MaxBodyBytes)
	assert.Equal(t, 50, cfg.Bridge.HistoryLimit)
	assert.Equal(t, "", cfg.NATS.URL)

	assert.Equal(t, time.Second, cfg.Gateway.ReconnectInterval())
	assert.Equal(t, time.Second, cfg.Store.BatchInterval())
	assert.Equal(t, 5*time.Second, cfg.Bridge.GapThreshold())
	assert.Equal(t, 2*time.Minute, cfg.Bridge.BusyWindow())
	assert.Equal(t, 5*time.Second, cfg.Notifier.RetryBackoff())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_GATEWAY_URL", "ws://gateway.internal:9000/ws")
	t.Setenv("BRIDGE_GATEWAY_TOKEN", "tok-1")
	t.Setenv("BRIDGE_CONTROL_SECRET", "ctl-1")
	t.Setenv("BRIDGE_STORE_BATCH_SIZE", "10")
	t.Setenv("BRIDGE_GAP_THRESHOLD_MS", "2500")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "ws://gateway.internal:9000/ws", cfg.Gateway.URL)
	assert.Equal(t, "tok-1", cfg.Gateway.Token)
	assert.Equal(t, "ctl-1", cfg.Control.Secret)
	assert.Equal(t, 10, cfg.Store.BatchSize)
	assert.Equal(t, 2500*time.Millisecond, cfg.Bridge.GapThreshold())
}

func TestLoadLegacyEnvNames(t *testing.T) {
	t.Setenv("GATEWAY_URL", "ws://legacy:8787/ws")
	t.Setenv("CONVEX_URL", "https://store.example.site")
	t.Setenv("CONVEX_SECRET", "legacy-secret")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "ws://legacy:8787/ws", cfg.Gateway.URL)
	assert.Equal(t, "https://store.example.site", cfg.Store.URL)
	assert.Equal(t, "legacy-secret", cfg.Store.Secret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("BRIDGE_STORE_BATCH_SIZE", "0")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.batchSize")
}

func TestValidateRequiresStoreSecretWithURL(t *testing.T) {
	t.Setenv("CONVEX_URL", "https://store.example.site")
	t.Setenv("CONVEX_SECRET", "")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.secret")
}
