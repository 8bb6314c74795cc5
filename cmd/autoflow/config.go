package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all autoflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string   `json:"db_path"`
	LogLevel       string   `json:"log_level"`
	LogFormat      string   `json:"log_format"` // json or text
	PoolSize       int      `json:"pool_size"`
	StrictLookup   bool     `json:"strict_lookup"`
	MaxRetryDelay  Duration `json:"max_retry_delay"`
	DefinitionsDir string   `json:"definitions_dir,omitempty"`

	Scheduler         bool     `json:"scheduler"`
	SchedulerInterval Duration `json:"scheduler_interval"`

	SMTP    SMTPSettings    `json:"smtp"`
	Webhook WebhookSettings `json:"webhook"`

	// HTTPAddr enables the HTTP API when set, e.g. "127.0.0.1:8420".
	HTTPAddr string `json:"http_addr,omitempty"`

	// HTTPToken is the bearer token the HTTP API requires. Env only.
	HTTPToken string `json:"-"`

	// VaultKey is the secret vault passphrase. Env only, never written to disk.
	VaultKey string `json:"-"`
}

// SMTPSettings configures the outgoing mail relay. An empty Addr disables email steps.
type SMTPSettings struct {
	Addr     string `json:"addr,omitempty"`
	From     string `json:"from,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// WebhookSettings configures webhook delivery.
type WebhookSettings struct {
	Secret  string   `json:"secret,omitempty"`
	Timeout Duration `json:"timeout"`
}

// Duration is a time.Duration that reads and writes as "30s" style strings.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(autoflowDir(), "autoflow.db"),
		LogLevel:          "info",
		LogFormat:         "json",
		PoolSize:          10,
		MaxRetryDelay:     Duration(5 * time.Minute),
		Scheduler:         true,
		SchedulerInterval: Duration(time.Minute),
		Webhook:           WebhookSettings{Timeout: Duration(30 * time.Second)},
	}
}

func autoflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autoflow"
	}
	return filepath.Join(home, ".autoflow")
}

func settingsPath() string {
	return filepath.Join(autoflowDir(), "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file at path and then getenv over the
// defaults. A missing settings file is not an error.
func loadConfigFrom(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars override.
	env := envReader{getenv: getenv}
	env.stringVar("AUTOFLOW_DB_PATH", &cfg.DBPath)
	env.stringVar("AUTOFLOW_LOG_LEVEL", &cfg.LogLevel)
	env.stringVar("AUTOFLOW_LOG_FORMAT", &cfg.LogFormat)
	env.intVar("AUTOFLOW_POOL_SIZE", &cfg.PoolSize)
	env.boolVar("AUTOFLOW_STRICT_LOOKUP", &cfg.StrictLookup)
	env.durationVar("AUTOFLOW_MAX_RETRY_DELAY", &cfg.MaxRetryDelay)
	env.stringVar("AUTOFLOW_DEFINITIONS_DIR", &cfg.DefinitionsDir)
	env.boolVar("AUTOFLOW_SCHEDULER", &cfg.Scheduler)
	env.durationVar("AUTOFLOW_SCHEDULER_INTERVAL", &cfg.SchedulerInterval)
	env.stringVar("AUTOFLOW_SMTP_ADDR", &cfg.SMTP.Addr)
	env.stringVar("AUTOFLOW_SMTP_FROM", &cfg.SMTP.From)
	env.stringVar("AUTOFLOW_SMTP_USERNAME", &cfg.SMTP.Username)
	env.stringVar("AUTOFLOW_SMTP_PASSWORD", &cfg.SMTP.Password)
	env.stringVar("AUTOFLOW_WEBHOOK_SECRET", &cfg.Webhook.Secret)
	env.durationVar("AUTOFLOW_WEBHOOK_TIMEOUT", &cfg.Webhook.Timeout)
	env.stringVar("AUTOFLOW_VAULT_KEY", &cfg.VaultKey)
	env.stringVar("AUTOFLOW_HTTP_ADDR", &cfg.HTTPAddr)
	env.stringVar("AUTOFLOW_HTTP_TOKEN", &cfg.HTTPToken)
	if env.err != nil {
		return cfg, env.err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("pool_size must be >= 1, got %d", c.PoolSize))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	if c.SMTP.Addr != "" && c.SMTP.From == "" {
		errs = append(errs, errors.New("smtp.from is required when smtp.addr is set"))
	}
	return errors.Join(errs...)
}

// envReader applies env overrides and keeps the first parse error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) stringVar(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) boolVar(key string, dst *bool) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}

func (e *envReader) durationVar(key string, dst *Duration) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = Duration(d)
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: %w", key, err)
	}
}
