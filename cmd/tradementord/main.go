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
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/tradementor/internal/advisor"
	"github.com/MarkoPoloResearchLab/tradementor/internal/bus/membus"
	"github.com/MarkoPoloResearchLab/tradementor/internal/bus/natsbus"
	"github.com/MarkoPoloResearchLab/tradementor/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tradementor/internal/quotes"
	"github.com/MarkoPoloResearchLab/tradementor/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/booking"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/expiry"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/feed"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/pricing"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/wallet"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagNATSURL        = "nats-url"
	flagJWTSecret      = "jwt-secret"
	flagSweepInterval  = "sweep-interval"
	flagAllowedOrigins = "allowed-origins"
	flagAdvisorAPIKey  = "advisor-api-key"
	flagQuotesBaseURL  = "quotes-base-url"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyNATSURL        = "nats_url"
	configKeyJWTSecret      = "jwt_secret"
	configKeySweepInterval  = "sweep_interval"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyAdvisorAPIKey  = "advisor_api_key"
	configKeyQuotesBaseURL  = "quotes_base_url"

	defaultDatabaseURL   = "sqlite:///tmp/tradementor.db"
	defaultListenAddr    = ":8080"
	defaultSweepInterval = 5 * time.Second
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	NATSURL        string
	JWTSecret      string
	SweepInterval  time.Duration
	AllowedOrigins []string
	AdvisorAPIKey  string
	QuotesBaseURL  string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tradementord: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "tradementord",
		Short:         "Mentor session and wallet API server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagNATSURL, "", "NATS server URL; empty runs the in-process bus")
	cmd.Flags().String(flagJWTSecret, "", "HS256 secret for bearer tokens")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "expiry sweep interval")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "allowed CORS origins")
	cmd.Flags().String(flagAdvisorAPIKey, "", "text-completion API key; empty disables the advisor route")
	cmd.Flags().String(flagQuotesBaseURL, "", "quote upstream base URL override")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyNATSURL:        "NATS_URL",
		configKeyJWTSecret:      "JWT_SECRET",
		configKeySweepInterval:  "SWEEP_INTERVAL",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyAdvisorAPIKey:  "ADVISOR_API_KEY",
		configKeyQuotesBaseURL:  "QUOTES_BASE_URL",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyNATSURL:        flagNATSURL,
		configKeyJWTSecret:      flagJWTSecret,
		configKeySweepInterval:  flagSweepInterval,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyAdvisorAPIKey:  flagAdvisorAPIKey,
		configKeyQuotesBaseURL:  flagQuotesBaseURL,
	}
	for configKey, flagName := range flags {
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
	cfg.NATSURL = viper.GetString(configKeyNATSURL)
	cfg.JWTSecret = viper.GetString(configKeyJWTSecret)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.AdvisorAPIKey = viper.GetString(configKeyAdvisorAPIKey)
	cfg.QuotesBaseURL = viper.GetString(configKeyQuotesBaseURL)

	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if driver == "sqlite" {
		if err := gormstore.PrepareSchema(gormDB); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	bus, busCleanup, err := connectBus(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}
	defer busCleanup()

	walletService, err := wallet.NewService(store.Wallets(), clock)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}
	resolver, err := pricing.NewResolver(store)
	if err != nil {
		return fmt.Errorf("pricing resolver init: %w", err)
	}
	bookingService, err := booking.NewService(store, walletService, store, resolver, clock)
	if err != nil {
		return fmt.Errorf("booking service init: %w", err)
	}
	feedService, err := feed.NewService(store, bus, clock)
	if err != nil {
		return fmt.Errorf("feed service init: %w", err)
	}
	monitor, err := expiry.NewMonitor(store, bus, clock,
		expiry.WithSweepInterval(cfg.SweepInterval),
		expiry.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("expiry monitor init: %w", err)
	}

	var advisorClient *advisor.Client
	if cfg.AdvisorAPIKey != "" {
		advisorClient = advisor.NewClient(cfg.AdvisorAPIKey)
	}
	var quoteOptions []quotes.ClientOption
	if cfg.QuotesBaseURL != "" {
		quoteOptions = append(quoteOptions, quotes.WithBaseURL(cfg.QuotesBaseURL))
	}
	quotesClient := quotes.NewClient(quoteOptions...)

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
	}, httpapi.Dependencies{
		Logger:        logger,
		WalletService: walletService,
		Booking:       bookingService,
		Feed:          feedService,
		Sessions:      store,
		Resolver:      resolver,
		Rates:         store,
		Advisor:       advisorClient,
		Quotes:        quotesClient,
	})
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(groupCtx)
	})
	group.Go(func() error {
		err := monitor.Run(groupCtx)
		if err != nil && groupCtx.Err() != nil {
			return nil
		}
		return err
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func connectBus(natsURL string, logger *zap.Logger) (feed.Bus, func(), error) {
	if natsURL == "" {
		logger.Info("using in-process message bus")
		return membus.New(), func() {}, nil
	}
	conn, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to nats", zap.String("url", natsURL))
	cleanup := func() {
		if drainErr := conn.Drain(); drainErr != nil {
			conn.Close()
		}
	}
	return natsbus.New(conn), cleanup, nil
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
			path = "tradementor.db"
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
