package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/clinicflow/appointment-scheduling/internal/api"
	"github.com/clinicflow/appointment-scheduling/internal/appointment"
	"github.com/clinicflow/appointment-scheduling/internal/config"
	"github.com/clinicflow/appointment-scheduling/internal/db"
	"github.com/clinicflow/appointment-scheduling/internal/logger"
	"github.com/clinicflow/appointment-scheduling/internal/metrics"
	redisclient "github.com/clinicflow/appointment-scheduling/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(os.Stderr, "info", true)
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logger.New(os.Stdout, cfg.LogLevel, !cfg.IsProd())
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AutoMigrate {
		if err := db.MigrateUp(cfg.PostgresDSN); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		log.Info().Msg("migrations applied")
	}

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns: cfg.PostgresMaxConn,
		MinConns: cfg.PostgresMinConn,
		AppName:  "api-server",
	})
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	checks := []api.Check{{Name: "postgres", Required: true, Ping: pgPool.Ping}}

	var locker redisclient.Locker
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.ClientOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

		locker = redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL, log)
		checks = append(checks, api.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	} else {
		log.Warn().Msg("REDIS_ADDR not set, using in-process doctor locks")
		locker = redisclient.NewLocalLocker()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	repo := appointment.NewPgRepository(pgPool)
	svc := appointment.NewService(appointment.Deps{
		Repo:      repo,
		Directory: repo,
		Audit:     repo,
		Locker:    locker,
		Metrics:   collector,
		Logger:    &log,
	})

	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		Checks:      checks,
		Metrics:     metrics.Handler(reg),
		JWTSecret:   []byte(cfg.JWTSecret),
		RateLimiter: api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Logger:      log,
		Env:         cfg.Env,
		Version:     version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	log.Info().Msg("api-server stopped")
}
