package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/leadloop/points/internal/backfill"
	"github.com/leadloop/points/internal/httpserver"
	"github.com/leadloop/points/internal/jobs"
	"github.com/leadloop/points/internal/oplog"
	"github.com/leadloop/points/internal/reward"
	"github.com/leadloop/points/internal/store/gormstore"
	"github.com/leadloop/points/internal/store/pgstore"
	"github.com/leadloop/points/pkg/points"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagSigningKey     = "signing-key"
	flagTokenIssuer    = "token-issuer"
	flagAllowedOrigins = "allowed-origins"
	flagSignupGrant    = "signup-grant"
	flagStoreBackend   = "store-backend"
	flagRewardSweep    = "reward-sweep-spec"
	flagBackfillFlush  = "backfill-flush-spec"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeySigningKey     = "token_signing_key"
	configKeyTokenIssuer    = "token_issuer"
	configKeyAllowedOrigins = "allowed_origins"
	configKeySignupGrant    = "signup_grant"
	configKeyStoreBackend   = "store_backend"
	configKeyRewardSweep    = "reward_sweep_spec"
	configKeyBackfillFlush  = "backfill_flush_spec"

	defaultDatabaseURL  = "sqlite:///tmp/points.db"
	defaultListenAddr   = ":8080"
	defaultSignupGrant  = int64(100)
	defaultStoreBackend = "gorm"

	backendGorm = "gorm"
	backendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	SigningKey        string
	TokenIssuer       string
	AllowedOrigins    []string
	SignupGrant       int64
	StoreBackend      string
	RewardSweepSpec   string
	BackfillFlushSpec string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pointsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "pointsd",
		Short:         "Points ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSigningKey, "", "HMAC key validating API bearer tokens")
	cmd.Flags().String(flagTokenIssuer, "", "expected token issuer")
	cmd.Flags().String(flagAllowedOrigins, "", "comma separated CORS origins")
	cmd.Flags().Int64(flagSignupGrant, defaultSignupGrant, "credits granted on first bootstrap")
	cmd.Flags().String(flagStoreBackend, defaultStoreBackend, "persistence backend: gorm or pgx")
	cmd.Flags().String(flagRewardSweep, "", "cron spec for the reward expiry sweep")
	cmd.Flags().String(flagBackfillFlush, "", "cron spec for the transaction log backfill flush")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeySigningKey:     "TOKEN_SIGNING_KEY",
		configKeyTokenIssuer:    "TOKEN_ISSUER",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeySignupGrant:    "SIGNUP_GRANT",
		configKeyStoreBackend:   "STORE_BACKEND",
		configKeyRewardSweep:    "REWARD_SWEEP_SPEC",
		configKeyBackfillFlush:  "BACKFILL_FLUSH_SPEC",
	}
	for configKey, envName := range envBindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeySigningKey:     flagSigningKey,
		configKeyTokenIssuer:    flagTokenIssuer,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeySignupGrant:    flagSignupGrant,
		configKeyStoreBackend:   flagStoreBackend,
		configKeyRewardSweep:    flagRewardSweep,
		configKeyBackfillFlush:  flagBackfillFlush,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.TokenIssuer = viper.GetString(configKeyTokenIssuer)
	cfg.AllowedOrigins = httpserver.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.SignupGrant = viper.GetInt64(configKeySignupGrant)
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}
	cfg.RewardSweepSpec = viper.GetString(configKeyRewardSweep)
	cfg.BackfillFlushSpec = viper.GetString(configKeyBackfillFlush)

	if cfg.SigningKey == "" {
		return fmt.Errorf("token signing key is required")
	}
	if cfg.SignupGrant < 0 {
		return fmt.Errorf("signup grant must not be negative")
	}
	if cfg.StoreBackend != backendGorm && cfg.StoreBackend != backendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ledgerStore, rewardStore, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer cleanup()

	signupGrant, err := points.NewCredits(cfg.SignupGrant)
	if err != nil {
		return fmt.Errorf("signup grant: %w", err)
	}

	queue := backfill.New(logger)
	clock := func() int64 { return time.Now().UTC().Unix() }

	ledger, err := points.NewService(ledgerStore, clock,
		points.WithOperationLogger(oplog.NewZapOperationLogger(logger)),
		points.WithBackfillQueue(queue),
		points.WithSignupGrant(signupGrant),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	granter, err := reward.NewGranter(rewardStore, ledger, clock)
	if err != nil {
		return fmt.Errorf("reward granter init: %w", err)
	}

	scheduler, err := jobs.NewScheduler(jobs.Config{
		RewardSweepSpec:   cfg.RewardSweepSpec,
		BackfillFlushSpec: cfg.BackfillFlushSpec,
	}, granter, queue, ledgerStore, logger)
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	server, err := httpserver.New(httpserver.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  cfg.AllowedOrigins,
		TokenSigningKey: cfg.SigningKey,
		TokenIssuer:     cfg.TokenIssuer,
	}, ledger, granter, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	return server.Run(ctx)
}

func openStores(ctx context.Context, cfg *runtimeConfig) (points.Store, reward.Store, func() error, error) {
	if cfg.StoreBackend == backendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return store, store, cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			_ = cleanup()
			return nil, nil, nil, err
		}
	}
	return store, store, cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{TranslateError: true}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "points.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
