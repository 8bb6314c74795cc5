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

	"github.com/rendis/autoflow/internal/logging"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"), envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.True(t, cfg.Scheduler)
	assert.Equal(t, 5*time.Minute, time.Duration(cfg.MaxRetryDelay))
	assert.Equal(t, 30*time.Second, time.Duration(cfg.Webhook.Timeout))
	assert.Equal(t, "autoflow.db", filepath.Base(cfg.DBPath))
}

func TestLoadConfig_Layering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"db_path": "/data/from-file.db",
		"log_level": "debug",
		"pool_size": 4,
		"scheduler_interval": "15s",
		"smtp": {"addr": "mail:25", "from": "noreply@example.com"},
		"webhook": {"secret": "file-secret", "timeout": "5s"}
	}`), 0o600))

	cfg, err := loadConfigFrom(path, envMap(map[string]string{
		"AUTOFLOW_POOL_SIZE":       "20",
		"AUTOFLOW_WEBHOOK_SECRET":  "env-secret",
		"AUTOFLOW_STRICT_LOOKUP":   "true",
		"AUTOFLOW_SCHEDULER":       "false",
		"AUTOFLOW_MAX_RETRY_DELAY": "1m",
	}))
	require.NoError(t, err)

	// From file.
	assert.Equal(t, "/data/from-file.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 15*time.Second, time.Duration(cfg.SchedulerInterval))
	assert.Equal(t, 5*time.Second, time.Duration(cfg.Webhook.Timeout))
	assert.Equal(t, "mail:25", cfg.SMTP.Addr)

	// Env wins over file.
	assert.Equal(t, 20, cfg.PoolSize)
	assert.Equal(t, "env-secret", cfg.Webhook.Secret)
	assert.True(t, cfg.StrictLookup)
	assert.False(t, cfg.Scheduler)
	assert.Equal(t, time.Minute, time.Duration(cfg.MaxRetryDelay))

	// Untouched default.
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"pool_size": "many"}`), 0o600))
	_, err := loadConfigFrom(bad, envMap(nil))
	require.Error(t, err)

	badDuration := filepath.Join(dir, "duration.json")
	require.NoError(t, os.WriteFile(badDuration, []byte(`{"max_retry_delay": 300}`), 0o600))
	_, err = loadConfigFrom(badDuration, envMap(nil))
	require.Error(t, err)

	missing := filepath.Join(dir, "missing.json")
	for key, value := range map[string]string{
		"AUTOFLOW_POOL_SIZE":       "ten",
		"AUTOFLOW_SCHEDULER":       "maybe",
		"AUTOFLOW_WEBHOOK_TIMEOUT": "soon",
	} {
		_, err := loadConfigFrom(missing, envMap(map[string]string{key: value}))
		require.Error(t, err, key)
		assert.Contains(t, err.Error(), key)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.validate())

	cfg.PoolSize = 0
	cfg.LogFormat = "xml"
	cfg.SMTP.Addr = "mail:25"
	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool_size")
	assert.Contains(t, err.Error(), "log_format")
	assert.Contains(t, err.Error(), "smtp.from")
}

func TestDuration_JSON(t *testing.T) {
	data, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	assert.Equal(t, 250*time.Millisecond, time.Duration(d))
}

func TestWriteSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	cfg := defaultConfig()
	cfg.PoolSize = 3

	require.NoError(t, writeSettings(path, cfg, false))
	require.Error(t, writeSettings(path, cfg, false))
	require.NoError(t, writeSettings(path, cfg, true))

	loaded, err := loadConfigFrom(path, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.PoolSize)
	assert.Equal(t, cfg.MaxRetryDelay, loaded.MaxRetryDelay)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := defaultConfig()
	cfg.LogLevel = "warn"

	logger := newLogger(cfg, &buf)
	ctx := logging.WithExecutionID(t.Context(), "exec-1")
	logger.InfoContext(ctx, "dropped")
	logger.WarnContext(ctx, "kept")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "exec-1", rec["execution_id"])

	buf.Reset()
	cfg.LogFormat = "text"
	newLogger(cfg, &buf).Warn("plain")
	assert.Contains(t, buf.String(), "plain")
	assert.NotContains(t, buf.String(), "\x1b[", "non-terminal writers get no color")
}

func TestVaultKeyIsEnvOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"VaultKey": "from-file"}`), 0o600))

	cfg, err := loadConfigFrom(path, envMap(nil))
	require.NoError(t, err)
	assert.Empty(t, cfg.VaultKey)

	cfg, err = loadConfigFrom(path, envMap(map[string]string{"AUTOFLOW_VAULT_KEY": "correct horse"}))
	require.NoError(t, err)
	assert.Equal(t, "correct horse", cfg.VaultKey)

	out := filepath.Join(t.TempDir(), "written.json")
	require.NoError(t, writeSettings(out, cfg, false))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "correct horse")
}

func TestOpenVault(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "autoflow.db")
	cfg.VaultKey = "correct horse"

	a, err := buildApp(t.Context(), cfg, logging.Discard())
	require.NoError(t, err)
	require.NotNil(t, a.vault)
	require.NoError(t, a.vault.Store(t.Context(), "hook_token", []byte("tok-1")))
	a.Close()

	// Reopening with the same passphrase reads the same salt back.
	a, err = buildApp(t.Context(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	val, err := a.vault.Resolve(t.Context(), "hook_token")
	require.NoError(t, err)
	assert.Equal(t, []byte("tok-1"), val)
}

func TestLoadConfig_HTTP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"http_addr": "127.0.0.1:8420"}`), 0o600))

	cfg, err := loadConfigFrom(path, envMap(map[string]string{"AUTOFLOW_HTTP_TOKEN": "tok"}))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8420", cfg.HTTPAddr)
	assert.Equal(t, "tok", cfg.HTTPToken)

	cfg, err = loadConfigFrom(path, envMap(map[string]string{"AUTOFLOW_HTTP_ADDR": ":9000"}))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Empty(t, cfg.HTTPToken)
}
