package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/delivery"
	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/httpapi"
	"github.com/rendis/autoflow/internal/scheduler"
	"github.com/rendis/autoflow/internal/secrets"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/mcp"
)

const usage = `usage: autoflow [command]

commands:
  serve            run the MCP stdio server (default)
  import <dir>     validate and store the YAML/JSON definitions in dir
  init [flags]     write ~/.autoflow/settings.json
  version          print the version
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "init":
		if err := runInit(args); err != nil {
			return fatal(err)
		}
		return 0
	case "help", "--help", "-h":
		fmt.Print(usage)
		return 0
	case "serve", "import":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
	if cmd == "import" && len(args) != 1 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		return fatal(err)
	}
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd == "import" {
		err = runImport(ctx, cfg, logger, args[0])
	} else {
		err = serve(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("autoflow exited with error", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func fatal(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// app holds the wired components shared by serve and import.
type app struct {
	store     *store.LibSQLStore
	executor  engine.Executor
	validator *validation.WorkflowValidator
	events    *streaming.MemoryHub
	vault     secrets.Vault // nil without AUTOFLOW_VAULT_KEY
}

func (a *app) Close() {
	a.executor.Shutdown()
	_ = a.store.Close()
}

func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	conditions, err := expressions.NewConditionEvaluator()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var email actions.EmailTransport
	if cfg.SMTP.Addr != "" {
		email = delivery.NewSMTPTransport(delivery.SMTPConfig{
			Addr:     cfg.SMTP.Addr,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		})
	} else {
		logger.Warn("smtp.addr not set; email steps will fail")
	}
	webhook := delivery.NewHTTPDelivery(delivery.HTTPConfig{
		Secret:    cfg.Webhook.Secret,
		Timeout:   time.Duration(cfg.Webhook.Timeout),
		UserAgent: "autoflow/" + version,
	})

	registry, err := actions.NewBuiltinRegistry(actions.Collaborators{Email: email, Webhook: webhook}, conditions)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	recorder := delivery.NewRecorder()
	sandbox, err := actions.NewBuiltinRegistry(actions.Collaborators{Email: recorder, Webhook: recorder}, conditions)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	events := streaming.NewMemoryHub()
	execCfg := engine.ExecutorConfig{
		PoolSize:      cfg.PoolSize,
		StrictLookup:  cfg.StrictLookup,
		MaxRetryDelay: time.Duration(cfg.MaxRetryDelay),
		Logger:        logger,
		Sandbox:       sandbox,
		Events:        events,
	}
	a := &app{store: st, validator: validator, events: events}

	if cfg.VaultKey != "" {
		vault, vaultErr := openVault(ctx, st, cfg.VaultKey)
		if vaultErr != nil {
			_ = st.Close()
			return nil, vaultErr
		}
		a.vault = vault
		execCfg.Secrets = vault
	} else {
		logger.Info("AUTOFLOW_VAULT_KEY not set; {{secrets.*}} references will fail")
	}

	if a.executor, err = engine.NewExecutor(st, registry, execCfg); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func openVault(ctx context.Context, st *store.LibSQLStore, passphrase string) (*secrets.AESVault, error) {
	salt, err := st.VaultSalt(ctx)
	if err != nil {
		return nil, err
	}
	return secrets.NewAESVault(st, secrets.VaultConfig{Passphrase: passphrase, Salt: salt})
}

func serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.DefinitionsDir != "" {
		if err := importDefinitions(ctx, a, logger, cfg.DefinitionsDir); err != nil {
			return err
		}
	}

	deps := mcp.ServerDeps{
		Executor:  a.executor,
		Store:     a.store,
		Validator: a.validator,
		Events:    a.events,
		Vault:     a.vault,
		Logger:    logger,
		Version:   version,
	}

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(a.store, a.executor, logger, time.Duration(cfg.SchedulerInterval))
		if _, err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed trigger recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
		deps.Scheduler = sched
	}

	if cfg.HTTPAddr != "" {
		api := httpapi.NewServer(httpapi.Deps{
			Store:    a.store,
			Executor: a.executor,
			Hub:      a.events,
			Logger:   logger,
			Token:    cfg.HTTPToken,
		})
		httpCtx, stopHTTP := context.WithCancel(ctx)
		httpDone := make(chan struct{})
		go func() {
			defer close(httpDone)
			if err := api.ListenAndServe(httpCtx, cfg.HTTPAddr); err != nil {
				logger.Error("http api stopped", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			stopHTTP()
			<-httpDone
		}()
	}

	logger.Info("autoflow serving MCP on stdio",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize))
	return mcp.NewAutoflowServer(deps).Serve(ctx)
}

func runImport(ctx context.Context, cfg Config, logger *slog.Logger, dir string) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return importDefinitions(ctx, a, logger, dir)
}

func importDefinitions(ctx context.Context, a *app, logger *slog.Logger, dir string) error {
	defs, err := store.LoadDefinitions(dir)
	if err != nil {
		return err
	}
	if err := store.Seed(ctx, a.store, a.validator, defs); err != nil {
		return err
	}
	logger.Info("workflow definitions imported", slog.String("dir", dir), slog.Int("count", len(defs)))
	return nil
}

// runInit writes a settings file from flags, like a first-run installer.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfg := defaultConfig()
	dbPath := fs.String("db-path", cfg.DBPath, "database path")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", cfg.LogFormat, "log format: json or text")
	poolSize := fs.Int("pool-size", cfg.PoolSize, "worker pool size")
	smtpAddr := fs.String("smtp-addr", "", "SMTP relay host:port")
	smtpFrom := fs.String("smtp-from", "", "default sender address")
	httpAddr := fs.String("http-addr", "", "HTTP API listen address, empty disables it")
	noScheduler := fs.Bool("no-scheduler", false, "disable the cron scheduler")
	force := fs.Bool("force", false, "overwrite an existing settings file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.DBPath = *dbPath
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.PoolSize = *poolSize
	cfg.SMTP.Addr = *smtpAddr
	cfg.SMTP.From = *smtpFrom
	cfg.HTTPAddr = *httpAddr
	cfg.Scheduler = !*noScheduler
	if err := cfg.validate(); err != nil {
		return err
	}

	path := settingsPath()
	return writeSettings(path, cfg, *force)
}

func writeSettings(path string, cfg Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use -force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}
