package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/synterhq/creditd/internal/dbconn"
	"github.com/synterhq/creditd/internal/httpserver"
	"github.com/synterhq/creditd/internal/oplog"
	"github.com/synterhq/creditd/pkg/credits"
	"go.uber.org/zap"
)

const (
	flagListenAddr     = "listen-addr"
	flagDatabaseURL    = "database-url"
	flagDBEngine       = "db-engine"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagAllowedOrigins = "allowed-origins"
	flagWebhookSecret  = "webhook-secret"
	flagUpgradeURL     = "upgrade-url"
	flagPriceRefs      = "price-refs"

	configKeyListenAddr     = "listen_addr"
	configKeyDatabaseURL    = "database_url"
	configKeyDBEngine       = "db_engine"
	configKeyJWTSigningKey  = "jwt_signing_key"
	configKeyJWTIssuer      = "jwt_issuer"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyWebhookSecret  = "webhook_secret"
	configKeyUpgradeURL     = "upgrade_url"
	configKeyPriceRefs      = "package_price_refs"

	defaultDatabaseURL = "sqlite:///tmp/creditd.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL string
	DBEngine    string
	Server      httpserver.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Synter credit ledger API server",
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

	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or SQLite path")
	cmd.Flags().String(flagDBEngine, dbconn.EnginePgx, "PostgreSQL access layer: pgx or gorm")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 key validating dashboard session tokens")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for the purchase webhook")
	cmd.Flags().String(flagUpgradeURL, "", "top-up page linked from insufficient-credit responses")
	cmd.Flags().String(flagPriceRefs, "", "comma-delimited package_id=price_ref pairs")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	// Local development reads a .env file when present.
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyDBEngine:       "DB_ENGINE",
		configKeyJWTSigningKey:  "JWT_SIGNING_KEY",
		configKeyJWTIssuer:      "JWT_ISSUER",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyWebhookSecret:  "WEBHOOK_SECRET",
		configKeyUpgradeURL:     "UPGRADE_URL",
		configKeyPriceRefs:      "PACKAGE_PRICE_REFS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyListenAddr:     flagListenAddr,
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyDBEngine:       flagDBEngine,
		configKeyJWTSigningKey:  flagJWTSigningKey,
		configKeyJWTIssuer:      flagJWTIssuer,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyWebhookSecret:  flagWebhookSecret,
		configKeyUpgradeURL:     flagUpgradeURL,
		configKeyPriceRefs:      flagPriceRefs,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.DBEngine = viper.GetString(configKeyDBEngine)
	cfg.Server = httpserver.Config{
		ListenAddr:       viper.GetString(configKeyListenAddr),
		AllowedOrigins:   httpserver.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins)),
		JWTSigningKey:    viper.GetString(configKeyJWTSigningKey),
		JWTIssuer:        viper.GetString(configKeyJWTIssuer),
		WebhookSecret:    viper.GetString(configKeyWebhookSecret),
		UpgradeURL:       viper.GetString(configKeyUpgradeURL),
		PackagePriceRefs: httpserver.ParsePriceRefs(viper.GetString(configKeyPriceRefs)),
	}
	return cfg.Server.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	backend, cleanup, err := dbconn.Open(ctx, cfg.DatabaseURL, dbconn.WithEngine(cfg.DBEngine))
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	logger.Info("database ready", zap.String("driver", backend.Driver))

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledger, err := credits.NewService(backend.Store, clock, credits.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	return httpserver.Run(ctx, cfg.Server, ledger, logger)
}
