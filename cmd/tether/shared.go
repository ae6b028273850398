package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/config"
	"github.com/jkaninda/tether/internal/dryrun"
	"github.com/jkaninda/tether/internal/observability"
	"github.com/jkaninda/tether/internal/ratelimit"
	"github.com/jkaninda/tether/internal/sandbox"
	"github.com/jkaninda/tether/internal/screenshot"
	"github.com/jkaninda/tether/internal/secrets"
	"github.com/jkaninda/tether/internal/security"
	"github.com/jkaninda/tether/internal/storage"
	pgstore "github.com/jkaninda/tether/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/tether/internal/storage/sqlite"
	"github.com/jkaninda/tether/internal/target"
	"github.com/jkaninda/tether/internal/tools"
	"github.com/jkaninda/tether/internal/translate"
)

// Components holds every initialized subsystem the serving commands need.
// Built once by initShared, torn down by Cleanup.
type Components struct {
	Config  *config.Config
	Logger  *slog.Logger
	Profile security.SecurityProfile

	Store       storage.Store
	Secrets     *secrets.Resolver
	Obs         *observability.Observability
	Access      *access.Controller
	Limiter     *ratelimit.Limiter
	CodeSandbox *sandbox.CodeSandbox
	Manager     *security.Manager
	Target      *target.Connector
	Screenshots *screenshot.Store
	Dispatcher  *tools.Dispatcher

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// loadConfig resolves the config path (TETHER_CONFIG wins over --config)
// and loads it, falling back to defaults when the file is missing.
func loadConfig() (*config.Config, error) {
	path := goutils.Env(config.EnvConfig, configPath)
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs always go to stderr: stdout
// belongs to the MCP transport.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// initSecrets builds the secret reference resolver. Vault joins env and
// file only when configured.
func initSecrets(cfg *config.Config, logger *slog.Logger) *secrets.Resolver {
	providers := []secrets.Provider{secrets.NewEnvProvider(), secrets.NewFileProvider()}
	if cfg.Vault != nil && cfg.Vault.Enabled() {
		vp, err := secrets.NewVaultProvider(*cfg.Vault)
		if err != nil {
			logger.Error("vault secret provider disabled", slog.String("error", err.Error()))
		} else {
			providers = append(providers, vp)
		}
	}
	return secrets.NewResolver(providers...)
}

// initStore opens the configured backend and runs migrations.
func initStore(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		store, err = initPostgresStore(ctx, cfg, resolver, logger)
	case storage.DriverSQLite:
		store, err = sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: cfg.Storage.SQLite.JournalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func initPostgresStore(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	dsn := pg.DSN
	if pg.DSNRef != "" {
		v, err := resolver.Value(ctx, pg.DSNRef)
		if err != nil {
			return nil, fmt.Errorf("resolving storage.postgres.dsn_ref: %w", err)
		}
		dsn = v
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or storage.postgres.dsn_ref)")
	}
	db, err := pgstore.Open(pgstore.Config{
		DSN:             dsn,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(db), nil
}

// initSandbox builds the process boundary for sandboxed code.
func initSandbox(cfg *config.Config, profile security.SecurityProfile, logger *slog.Logger) (sandbox.Sandbox, error) {
	scratch := filepath.Join(cfg.ResolvedDataDir(), "sandbox")
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, fmt.Errorf("creating sandbox scratch root %s: %w", scratch, err)
	}
	switch cfg.Sandbox.SandboxType() {
	case "docker":
		return sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:          cfg.Sandbox.DockerImage(),
			DefaultTimeout: profile.SandboxTimeout,
			MemoryMB:       cfg.Sandbox.MemoryMB(),
			CPUCores:       cfg.Sandbox.Docker.CPUCores,
			PIDsLimit:      cfg.Sandbox.Docker.PIDsLimit,
			ScratchRoot:    scratch,
		}, logger), nil
	case "process":
		return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout: profile.SandboxTimeout,
			DefaultLimits: sandbox.ResourceLimits{
				MaxCPUSeconds: cfg.Sandbox.CPUSeconds(),
			},
			ScratchRoot: scratch,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q (supported: process, docker)", cfg.Sandbox.Type)
	}
}

// initScreenshots opens the screenshot store. When the profile encrypts,
// a missing or weak secret is fatal.
func initScreenshots(ctx context.Context, cfg *config.Config, profile security.SecurityProfile, resolver *secrets.Resolver, logger *slog.Logger) (*screenshot.Store, error) {
	var enc *screenshot.Encryptor
	if profile.EnableScreenshotEncryption {
		secret := cfg.Screenshot.Secret
		if secret == "" && cfg.Screenshot.SecretRef != "" {
			v, err := resolver.Value(ctx, cfg.Screenshot.SecretRef)
			if err != nil {
				return nil, fmt.Errorf("resolving screenshot.secret_ref: %w", err)
			}
			secret = v
		}
		if err := screenshot.ValidateSecret(secret); err != nil {
			return nil, fmt.Errorf("security level %s encrypts screenshots: %w (set %s)", profile.Level, err, config.EnvScreenshotKey)
		}
		e, err := screenshot.NewEncryptor(secret)
		if err != nil {
			return nil, err
		}
		enc = e
	}
	return screenshot.NewStore(cfg.ScreenshotDir(), enc, logger)
}

// initShared performs all initialization shared by serve and mcp.
// Callers must call c.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	profile, err := cfg.ResolveProfile()
	if err != nil {
		return nil, err
	}
	c.Profile = profile
	logger.Info("security profile resolved",
		slog.String("level", profile.Level),
		slog.String("risk_threshold", profile.RiskThreshold.String()),
		slog.Bool("sandbox", profile.EnableSandbox),
		slog.Bool("screenshot_encryption", profile.EnableScreenshotEncryption),
		slog.Duration("sandbox_timeout", profile.SandboxTimeout),
	)

	// Observability. Without a config block only the health checker runs.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Error("flushing traces", slog.String("error", err.Error()))
		}
	})
	metrics, tracer, anomaly := obs.Metrics, obs.Tracer, obs.Anomaly

	c.Secrets = initSecrets(cfg, logger)

	// Screenshots come first: a bad secret must stop startup before
	// anything else is opened.
	shots, err := initScreenshots(ctx, cfg, profile, c.Secrets, logger)
	if err != nil {
		c.Cleanup()
		return nil, err
	}
	c.Screenshots = shots

	// Storage.
	store, err := initStore(ctx, cfg, c.Secrets, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	c.Store = store
	c.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Access control.
	c.Limiter = ratelimit.NewLimiter()
	c.Access = access.NewController(store.Users(), c.Limiter, access.Config{
		SessionTimeout:   cfg.Security.SessionTimeout(),
		DefaultRateLimit: cfg.Security.DefaultRateLimit(),
	}, logger)
	metrics.RegisterSessionGauge(c.Access.ActiveSessions)

	// Audit: the store always, plus an optional JSONL mirror, written
	// off the request path.
	var sink security.AuditSink = store.Audit()
	if cfg.Security.AuditLogPath != "" {
		jsonl, err := security.NewJSONLAuditLogger(cfg.Security.AuditLogPath, logger)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		c.addCleanup(func() { _ = jsonl.Close() })
		sink = security.TeeSink{store.Audit(), jsonl}
	}
	audit := security.NewAsyncAuditLogger(sink, cfg.Security.AuditQueue(), logger, metrics.AuditFailure)
	c.addCleanup(func() {
		if err := audit.Close(); err != nil {
			logger.Error("draining audit queue", slog.String("error", err.Error()))
		}
	})

	// Sandbox.
	sbx, err := initSandbox(cfg, profile, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	if metrics != nil || tracer != nil {
		sbx = observability.NewInstrumentedSandbox(sbx, cfg.Sandbox.SandboxType(), metrics, tracer)
	}
	c.CodeSandbox = sandbox.NewCodeSandbox(sandbox.CodeConfig{
		NodePath:      cfg.Sandbox.NodePath,
		Timeout:       profile.SandboxTimeout,
		MaxMemoryMB:   cfg.Sandbox.MemoryMB(),
		Containerized: cfg.Sandbox.SandboxType() == "docker",
	}, sbx, logger)

	// Security manager.
	validator := security.NewValidator()
	c.Manager = security.NewManager(validator, c.CodeSandbox, audit, profile, logger)
	var executor tools.Executor = c.Manager
	if metrics != nil || tracer != nil || anomaly != nil {
		executor = observability.NewInstrumentedExecutor(c.Manager, metrics, tracer, anomaly)
	}

	// Target.
	c.Target = target.NewConnector(target.Config{
		Host:         cfg.Target.TargetHost(),
		Ports:        cfg.Target.CandidatePorts(),
		WebSocketURL: cfg.Target.WebSocketURL,
		URLContains:  cfg.Target.URLContains,
	}, logger)
	c.addCleanup(func() { _ = c.Target.Close() })

	// Tools.
	registry := tools.NewDefaultRegistry(tools.Deps{
		Target:      c.Target,
		Interaction: translate.New(c.Target),
		Capturer:    c.Target,
		Screenshots: shots,
		Analyzer:    dryrun.NewAnalyzer(validator),
		Profiles:    c.Manager,
	})
	c.Dispatcher = tools.NewDispatcher(registry, c.Access, executor, logger)
	logger.Debug("tools registered", slog.Int("count", len(registry.All())))

	return c, nil
}

// ensureAdmin creates the first admin user on an empty store.
func ensureAdmin(ctx context.Context, c *Components) error {
	password, err := c.Access.EnsureDefaultAdmin(ctx, os.Getenv(config.EnvAdminPassword))
	if err != nil {
		return fmt.Errorf("creating default admin: %w", err)
	}
	if password == "" {
		return nil
	}
	if os.Getenv(config.EnvAdminPassword) != "" {
		c.Logger.Info("default admin user created", slog.String("username", access.DefaultAdminUsername))
		return nil
	}
	c.Logger.Warn("default admin user created with a generated password; it is not shown again",
		slog.String("username", access.DefaultAdminUsername),
		slog.String("password", password),
	)
	return nil
}

// readinessChecks registers the dependency probes behind /readyz.
func readinessChecks(c *Components) {
	h := c.Obs.Health
	h.AddCheck("store", c.Store.Ping)
	if c.Profile.EnableSandbox {
		h.AddCheck("javascript_runtime", func(context.Context) error { return c.CodeSandbox.Available() })
	}
	h.AddOptionalCheck("target", func(ctx context.Context) error {
		eps, err := c.Target.Discover(ctx)
		if err != nil {
			return err
		}
		for _, ep := range eps {
			if len(ep.Pages()) > 0 {
				return nil
			}
		}
		return errors.New("no attachable page")
	})
}

// openAccess opens only the store and the access controller, for the
// administrative subcommands.
func openAccess(ctx context.Context) (*access.Controller, storage.Store, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(cfg)
	store, err := initStore(ctx, cfg, initSecrets(cfg, logger), logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing storage: %w", err)
	}
	ctl := access.NewController(store.Users(), ratelimit.NewLimiter(), access.Config{
		SessionTimeout:   cfg.Security.SessionTimeout(),
		DefaultRateLimit: cfg.Security.DefaultRateLimit(),
	}, logger)
	return ctl, store, logger, nil
}
