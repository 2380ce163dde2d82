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

	"github.com/MarkoPoloResearchLab/entitlement/internal/apiserver"
	"github.com/MarkoPoloResearchLab/entitlement/internal/billing"
	"github.com/MarkoPoloResearchLab/entitlement/internal/identity"
	"github.com/MarkoPoloResearchLab/entitlement/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/entitlement/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/entitlement/internal/webhook"
	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagAdminAccounts       = "admin-accounts"
	flagAccountDirectory    = "account-directory"
	flagSessionIssuer       = "session-issuer"
	flagBillingAPIURL       = "billing-api-url"
	flagBillingIntervalDays = "billing-interval-days"

	configKeyDatabaseURL          = "database_url"
	configKeyListenAddr           = "listen_addr"
	configKeyAllowedOrigins       = "allowed_origins"
	configKeyAdminAccounts        = "admin_accounts"
	configKeyAccountDirectory     = "account_directory"
	configKeySessionIssuer        = "session_issuer"
	configKeySessionSigningKey    = "session_signing_key"
	configKeyWebhookSigningSecret = "webhook_signing_secret"
	configKeyBillingAPIURL        = "billing_api_url"
	configKeyBillingAPIKey        = "billing_api_key"
	configKeyBillingIntervalDays  = "billing_interval_days"

	defaultDatabaseURL         = "sqlite:///tmp/entitlement.db"
	defaultListenAddr          = ":9090"
	defaultBillingIntervalDays = 30
)

type runtimeConfig struct {
	DatabaseURL          string
	ListenAddr           string
	AllowedOrigins       string
	AdminAccounts        string
	AccountDirectory     string
	SessionIssuer        string
	SessionSigningKey    string
	WebhookSigningSecret string
	BillingAPIURL        string
	BillingAPIKey        string
	BillingIntervalDays  int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "entitlementd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "entitlementd",
		Short:         "Entitlement ledger API server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL, sqlite, or memory:// connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagAdminAccounts, "", "comma-delimited allow-listed account ids")
	cmd.Flags().String(flagAccountDirectory, "", "comma-delimited email=account pairs")
	cmd.Flags().String(flagSessionIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagBillingAPIURL, "", "payment provider API base URL")
	cmd.Flags().Int64(flagBillingIntervalDays, defaultBillingIntervalDays, "subscription billing interval in days")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:          "DATABASE_URL",
		configKeyListenAddr:           "LISTEN_ADDR",
		configKeyAllowedOrigins:       "ALLOWED_ORIGINS",
		configKeyAdminAccounts:        "ADMIN_ACCOUNTS",
		configKeyAccountDirectory:     "ACCOUNT_DIRECTORY",
		configKeySessionIssuer:        "SESSION_ISSUER",
		configKeySessionSigningKey:    "SESSION_SIGNING_KEY",
		configKeyWebhookSigningSecret: "WEBHOOK_SIGNING_SECRET",
		configKeyBillingAPIURL:        "BILLING_API_URL",
		configKeyBillingAPIKey:        "BILLING_API_KEY",
		configKeyBillingIntervalDays:  "BILLING_INTERVAL_DAYS",
	}
	for configKey, envName := range envBindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:         flagDatabaseURL,
		configKeyListenAddr:          flagListenAddr,
		configKeyAllowedOrigins:      flagAllowedOrigins,
		configKeyAdminAccounts:       flagAdminAccounts,
		configKeyAccountDirectory:    flagAccountDirectory,
		configKeySessionIssuer:       flagSessionIssuer,
		configKeyBillingAPIURL:       flagBillingAPIURL,
		configKeyBillingIntervalDays: flagBillingIntervalDays,
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
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.AdminAccounts = viper.GetString(configKeyAdminAccounts)
	cfg.AccountDirectory = viper.GetString(configKeyAccountDirectory)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.WebhookSigningSecret = viper.GetString(configKeyWebhookSigningSecret)
	cfg.BillingAPIURL = viper.GetString(configKeyBillingAPIURL)
	cfg.BillingAPIKey = viper.GetString(configKeyBillingAPIKey)
	cfg.BillingIntervalDays = viper.GetInt64(configKeyBillingIntervalDays)
	if cfg.BillingIntervalDays <= 0 {
		cfg.BillingIntervalDays = defaultBillingIntervalDays
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.WebhookSigningSecret == "" {
		return fmt.Errorf("webhook signing secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	allowList := entitlement.NewAllowList(apiserver.ParseCommaList(cfg.AdminAccounts))
	clock := func() int64 { return time.Now().UTC().Unix() }
	serviceOptions := []entitlement.ServiceOption{
		entitlement.WithAllowList(allowList),
		entitlement.WithOperationLogger(entitlement.NewZapOperationLogger(logger)),
		entitlement.WithBillingIntervalSeconds(cfg.BillingIntervalDays * 24 * 60 * 60),
	}
	if cfg.BillingAPIURL != "" && cfg.BillingAPIKey != "" {
		billingClient, err := billing.NewClient(cfg.BillingAPIURL, cfg.BillingAPIKey)
		if err != nil {
			return fmt.Errorf("billing client init: %w", err)
		}
		serviceOptions = append(serviceOptions, entitlement.WithBillingProvider(billingClient))
	}
	service, err := entitlement.NewService(store, entitlement.DefaultCatalog(), clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("entitlement service init: %w", err)
	}

	verifier, err := webhook.NewVerifier(cfg.WebhookSigningSecret, clock)
	if err != nil {
		return fmt.Errorf("webhook verifier init: %w", err)
	}
	directory := identity.NewStaticDirectory(apiserver.ParseDirectory(cfg.AccountDirectory))
	reconciler, err := webhook.NewReconciler(verifier, service, directory, logger)
	if err != nil {
		return fmt.Errorf("webhook reconciler init: %w", err)
	}
	serverCfg := apiserver.Config{
		ListenAddr:           cfg.ListenAddr,
		AllowedOrigins:       apiserver.ParseCommaList(cfg.AllowedOrigins),
		SessionSigningKey:    cfg.SessionSigningKey,
		SessionIssuer:        cfg.SessionIssuer,
		WebhookSigningSecret: cfg.WebhookSigningSecret,
	}
	if err := serverCfg.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	resolver, err := identity.NewTokenResolver([]byte(cfg.SessionSigningKey), serverCfg.SessionIssuer)
	if err != nil {
		return fmt.Errorf("token resolver init: %w", err)
	}

	server, err := apiserver.New(serverCfg, service, reconciler, resolver, directory, allowList, logger)
	if err != nil {
		return fmt.Errorf("api server init: %w", err)
	}
	return server.Run(ctx)
}

func openStore(ctx context.Context, dsn string) (entitlement.Store, func() error, error) {
	if strings.HasPrefix(dsn, "memory://") {
		return memstore.New(), func() error { return nil }, nil
	}
	gormDB, cleanup, driver, err := openDatabase(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
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
			path = "entitlement.db"
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
