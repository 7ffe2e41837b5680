package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(newViper(), filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2*time.Second, cfg.PingTimeout)
	assert.Equal(t, 15*time.Second, cfg.SubmitTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ForegroundTimeout)
	assert.Equal(t, 200, cfg.MaxSteps)
	assert.Equal(t, 5*time.Minute, cfg.RecoveryWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
	assert.Equal(t, "*/15 * * * *", cfg.PurgeSchedule)
	assert.Equal(t, ":4100", cfg.ListenAddr)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, "gemini-2.5-flash-image", cfg.Generation.Model)
	assert.Equal(t, 120*time.Second, cfg.Generation.Timeout)
	assert.True(t, cfg.Generation.Stream)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, "genflow.db", filepath.Base(cfg.DBPath))
}

func TestLoadConfigLayers(t *testing.T) {
	path := writeFile(t, `{
		"pool_size": 4,
		"ping_timeout": "500ms",
		"log_level": "debug",
		"generation": {"model": "file-model", "max_retries": 2},
		"breaker": {"cooldown": "1m"}
	}`)
	t.Setenv("GENFLOW_POOL_SIZE", "6")
	t.Setenv("GENFLOW_GENERATION_API_KEY", "sk-test")

	cfg, err := loadConfig(newViper(), path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.PoolSize, "env beats file")
	assert.Equal(t, 500*time.Millisecond, cfg.PingTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "file-model", cfg.Generation.Model)
	assert.Equal(t, 2, cfg.Generation.MaxRetries)
	assert.Equal(t, "sk-test", cfg.Generation.APIKey)
	assert.Equal(t, time.Minute, cfg.Breaker.Cooldown)
	assert.Equal(t, 15*time.Second, cfg.SubmitTimeout, "untouched keys keep defaults")
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(newViper(), writeFile(t, `{not json`))
	require.Error(t, err)

	_, err = loadConfig(newViper(), writeFile(t, `{"pool_size": 0}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool_size")
}

func TestHostConfig(t *testing.T) {
	cfg, err := loadConfig(newViper(), writeFile(t, `{"nats_url": "nats://localhost:4222", "channel": "team-a"}`))
	require.NoError(t, err)

	hc := cfg.hostConfig()
	assert.Equal(t, cfg.DBPath, hc.DBPath)
	assert.Equal(t, "nats://localhost:4222", hc.NATSURL)
	assert.Equal(t, "team-a", hc.Channel)
	assert.Equal(t, cfg.Generation.Model, hc.Generation.Model)
	assert.Equal(t, cfg.Breaker.FailureThreshold, hc.Breaker.FailureThreshold)
	assert.Equal(t, cfg.RecoveryWindow, hc.RecoveryWindow)
	assert.Equal(t, cfg.MaxSteps, hc.MaxSteps)
}

func TestDiffConfigs(t *testing.T) {
	old, err := loadConfig(newViper(), filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	next := old
	assert.Equal(t, configDiff{}, diffConfigs(old, next))

	next.LogLevel = "debug"
	next.PoolSize = 3
	next.Generation.Model = "other"
	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"pool_size", "generation"}, d.RestartNeeded)
}

func TestWriteSettingsDropsSecrets(t *testing.T) {
	t.Setenv("GENFLOW_GENERATION_API_KEY", "sk-secret")
	v := newViper()
	_, err := loadConfig(v, filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	require.NoError(t, writeSettings(path, v.AllSettings()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")

	var written map[string]any
	require.NoError(t, json.Unmarshal(data, &written))
	gen, ok := written["generation"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, gen, "api_key")
	assert.Contains(t, gen, "model")

	// The written file loads back to the same configuration.
	t.Setenv("GENFLOW_GENERATION_API_KEY", "")
	cfg, err := loadConfig(newViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2*time.Second, cfg.PingTimeout)
}

func TestDeleteKey(t *testing.T) {
	m := map[string]any{
		"a": map[string]any{"b": 1, "c": 2},
		"d": 3,
	}
	deleteKey(m, "a.b")
	deleteKey(m, "d")
	deleteKey(m, "x.y")
	assert.Equal(t, map[string]any{"a": map[string]any{"c": 2}}, m)
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newCLI().rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "settings.json")}, args...))
	require.NoError(t, root.Execute())
	return out.String()
}

func TestListCommand(t *testing.T) {
	out := runCLI(t, "--db-path", ":memory:", "list")
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "STATUS")
}

func TestPurgeCommand(t *testing.T) {
	out := runCLI(t, "--db-path", ":memory:", "purge", "--retention", "1h")
	assert.Contains(t, out, "purged 0 workflows")
}

func TestRecoverCommand(t *testing.T) {
	out := runCLI(t, "--db-path", ":memory:", "recover")
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Contains(t, report, "resumed")
}

func TestVersionCommand(t *testing.T) {
	assert.Equal(t, "dev\n", runCLI(t, "version"))
}

func TestInstallCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	var out bytes.Buffer
	root := newCLI().rootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "install", "--pool-size", "7"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), path)

	cfg, err := loadConfig(newViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.PoolSize)

	root = newCLI().rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", path, "install"})
	require.Error(t, root.Execute(), "existing file needs --force")
}
