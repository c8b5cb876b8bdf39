package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/directory"
	"github.com/openbotauth/openbotauth/internal/kv"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
	"github.com/openbotauth/openbotauth/internal/telemetry"
	"github.com/openbotauth/openbotauth/internal/verifier"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("verifier exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("verifier")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("verifier.port", 8081)
	viper.SetDefault("verifier.admin_secret", "")
	viper.SetDefault("verifier.rate_limit_rps", 0)
	viper.SetDefault("max.skew_sec", 300)
	viper.SetDefault("nonce.ttl_sec", 600)
	viper.SetDefault("trusted.directories", "")
	viper.SetDefault("require.tag", "")
	viper.SetDefault("jwks.cache_ttl_sec", 300)
	viper.SetDefault("database.url", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── KV store (nonces + telemetry counters) ───────────────────────────────
	store := kv.NewMemory(5 * time.Minute)
	defer store.Close()

	// ── Optional relational verification log ─────────────────────────────────
	var logs telemetry.LogWriter
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logs = repository.NewVerificationRepository(db)
		logger.Info("verification log enabled")
	} else {
		logger.Info("no database configured: verification log disabled, counters stay in KV")
	}
	recorder := telemetry.NewRecorder(store, logs, logger)

	// ── Verification pipeline ────────────────────────────────────────────────
	var trusted []string
	if raw := viper.GetString("trusted.directories"); raw != "" {
		for _, host := range strings.Split(raw, ",") {
			if host = strings.TrimSpace(host); host != "" {
				trusted = append(trusted, host)
			}
		}
	}
	if len(trusted) == 0 {
		logger.Warn("TRUSTED_DIRECTORIES not set: any absolute Signature-Agent URL is accepted")
	}

	dirs := directory.NewCache(directory.CacheConfig{
		DefaultTTL: time.Duration(viper.GetInt("jwks.cache_ttl_sec")) * time.Second,
	}, logger)

	svc := verifier.NewService(verifier.Config{
		MaxSkew:            time.Duration(viper.GetInt("max.skew_sec")) * time.Second,
		MinNonceTTL:        time.Duration(viper.GetInt("nonce.ttl_sec")) * time.Second,
		TrustedDirectories: trusted,
		RequireTag:         viper.GetString("require.tag"),
	}, dirs, store, recorder, logger)

	h, err := verifier.NewHandler(svc, dirs, store, viper.GetString("verifier.admin_secret"), logger)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(verifier.PrometheusMiddleware())
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})
	h.Register(router)

	port := viper.GetInt("verifier.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("verifier listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down verifier...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("verifier stopped")
	return nil
}
