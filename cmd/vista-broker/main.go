package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vistabridge/vistabridge/internal/broker/api"
	"github.com/vistabridge/vistabridge/internal/broker/dispatch"
	"github.com/vistabridge/vistabridge/internal/broker/grants"
	"github.com/vistabridge/vistabridge/internal/broker/issuer"
	"github.com/vistabridge/vistabridge/internal/config"
	"github.com/vistabridge/vistabridge/internal/platform/db"
	"github.com/vistabridge/vistabridge/internal/platform/token"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vista-broker",
		Short: "VistA RPC gateway and token service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keysCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the broker API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the grant database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := grants.NewPGStore(pool).Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("schema applied")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show schema status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			var count int
			err = pool.QueryRow(ctx,
				`SELECT count(*) FROM information_schema.tables
				 WHERE table_name = 'auth_applications'`).Scan(&count)
			if err != nil {
				return err
			}
			if count == 0 {
				fmt.Println("schema not applied (run: vista-broker migrate up)")
				return nil
			}

			var apps int
			if err := pool.QueryRow(ctx, `SELECT count(*) FROM auth_applications`).Scan(&apps); err != nil {
				return err
			}
			fmt.Printf("schema applied, %d application(s) registered\n", apps)
			return nil
		},
	})

	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}

	genCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an RSA signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			private, _ := cmd.Flags().GetString("private")
			public, _ := cmd.Flags().GetString("public")
			bits, _ := cmd.Flags().GetInt("bits")

			if err := token.GenerateKeyPair(private, public, bits); err != nil {
				return err
			}
			fmt.Printf("wrote %s and %s\n", private, public)
			return nil
		},
	}
	genCmd.Flags().String("private", "keys/private.pem", "private key output path")
	genCmd.Flags().String("public", "keys/public.pem", "public key output path")
	genCmd.Flags().Int("bits", 2048, "RSA key size")
	cmd.AddCommand(genCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Signing keys
	privateKey, publicKey, err := loadSigningKeys(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load signing keys")
	}

	codec, err := token.NewCodec(token.Options{
		PrivateKey:         privateKey,
		PublicKey:          publicKey,
		Issuer:             cfg.JWTIssuer,
		Audience:           cfg.JWTAudience,
		FederationIssuer:   cfg.FederationIssuer,
		FederationAudience: cfg.FederationAudience,
		TTL:                cfg.TokenTTL(),
		RefreshTTL:         cfg.RefreshTTL(),
		Leeway:             cfg.ClockSkew(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build token codec")
	}

	// Grant store. With a database the primary store is Postgres wrapped in
	// the test-key fallback; without one, an in-memory store seeded from file.
	ctx := context.Background()
	var pool *pgxpool.Pool
	var store grants.Store
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
		store = grants.NewFallbackStore(grants.NewPGStore(pool), cfg.TestAPIKeys, logger)
	} else {
		mem := grants.NewInMemoryStore()
		store = grants.NewFallbackStore(&unavailableStore{}, cfg.TestAPIKeys, logger)
		if cfg.GrantSeedFile != "" {
			n, err := grants.LoadSeedFile(ctx, mem, cfg.GrantSeedFile)
			if err != nil {
				logger.Fatal().Err(err).Str("file", cfg.GrantSeedFile).Msg("failed to load grant seed file")
			}
			logger.Info().Int("applications", n).Msg("loaded grant seed file")
			store = grants.NewFallbackStore(mem, cfg.TestAPIKeys, logger)
		}
		logger.Warn().Msg("no DATABASE_URL set, grants served from memory")
	}

	// Dispatcher
	dispatcher := dispatch.New(dispatch.Config{
		EnableDelay:   cfg.EnableResponseDelay,
		MinDelay:      time.Duration(cfg.MinResponseDelayMS) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.MaxResponseDelayMS) * time.Millisecond,
		ErrorRate:     cfg.ErrorInjectionRate,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    time.Duration(cfg.RetryDelayMS) * time.Millisecond,
	}, logger)
	dispatcher.RegisterDefaults()

	e := api.NewServer(cfg, api.Deps{
		Codec:      codec,
		Issuer:     issuer.New(store, codec, logger),
		Dispatcher: dispatcher,
		Pool:       pool,
	}, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// loadSigningKeys reads the configured key pair, generating an ephemeral one
// in development when no paths are set.
func loadSigningKeys(cfg *config.Config, logger zerolog.Logger) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if cfg.JWTPrivateKeyPath == "" || cfg.JWTPublicKeyPath == "" {
		if !cfg.IsDev() {
			return nil, nil, fmt.Errorf("JWT key paths are required outside development")
		}
		logger.Warn().Msg("no signing keys configured, generating an ephemeral pair")
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		return key, &key.PublicKey, nil
	}

	private, err := token.LoadPrivateKey(cfg.JWTPrivateKeyPath)
	if err != nil {
		return nil, nil, err
	}
	public, err := token.LoadPublicKey(cfg.JWTPublicKeyPath)
	if err != nil {
		return nil, nil, err
	}
	return private, public, nil
}

// unavailableStore stands in for the primary grant store when no database is
// configured, so the fallback path still decides which keys are served.
type unavailableStore struct{}

func (*unavailableStore) GetByKey(context.Context, string) (*grants.Application, error) {
	return nil, fmt.Errorf("no grant database configured")
}

func (*unavailableStore) Put(context.Context, *grants.Application) error {
	return fmt.Errorf("no grant database configured")
}
