package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/ngoyal88/promptrelay/pkg/ai"
	"github.com/ngoyal88/promptrelay/pkg/api"
	"github.com/ngoyal88/promptrelay/pkg/cache"
	"github.com/ngoyal88/promptrelay/pkg/capture"
	"github.com/ngoyal88/promptrelay/pkg/config"
	"github.com/ngoyal88/promptrelay/pkg/logging"
	"github.com/ngoyal88/promptrelay/pkg/middleware"
	"github.com/ngoyal88/promptrelay/pkg/provider"
	"github.com/ngoyal88/promptrelay/pkg/proxy"
	"github.com/ngoyal88/promptrelay/pkg/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	boot, err := logging.New(logging.Config{})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	// 1. Load Config with hot reload
	cfgStore, err := config.LoadAndWatch(boot)
	if err != nil {
		boot.Fatal("failed to load config", zap.Error(err))
	}
	cfg := cfgStore.Get()

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		boot.Fatal("invalid logging config", zap.Error(err))
	}
	defer logging.Sync(logger)

	// 2. Redis backs the capture fallback and the shared rate limit. The
	// relay keeps forwarding without it.
	var rdb *cache.Client
	if cfg.Redis.Enabled {
		rdb, err = cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis unavailable: fallback store and shared rate limit disabled", zap.Error(err))
			rdb = nil
		} else {
			logger.Info("connected to redis", zap.String("address", cfg.Redis.Address))
		}
	}

	// 3. Providers and the forwarder
	registry, err := provider.NewRegistry(cfg.Proxy.Upstreams)
	if err != nil {
		logger.Fatal("invalid upstream configuration", zap.Error(err))
	}
	forwarder := proxy.New(proxy.Options{
		ResponseHeaderTimeout: cfg.Proxy.ResponseHeaderTimeout,
		MaxCaptureBytes:       cfg.Capture.MaxResponseBytes,
	}, logger)

	// 4. Capture pipeline
	var (
		pipeline *capture.Pipeline
		primary  *storage.APIStore
		fallback storage.FallbackStore
		replayer *capture.Replayer
	)
	if cfg.Capture.Enabled {
		primary, err = storage.NewAPIStore(cfg.Capture.APIBaseURL, cfg.Capture.IngestPath, &http.Client{})
		if err != nil {
			logger.Fatal("invalid capture configuration", zap.Error(err))
		}
		if cfg.Capture.FallbackEnabled && rdb != nil {
			fallback = storage.NewRedisStore(rdb, cfg.Capture.FallbackTTL)
			replayer = capture.NewReplayer(fallback, primary, cfg.Capture.PrimaryTimeout, logger)
		}

		opts := capture.Options{
			PrimaryTimeout: cfg.Capture.PrimaryTimeout,
			MaxInflight:    cfg.Capture.MaxInflight,
		}
		if cfg.Capture.EstimateTokens {
			opts.Estimator = func(model, text string) (int, float64, error) {
				n, err := ai.CountTokens(model, text)
				if err != nil {
					return 0, 0, err
				}
				// Prices follow config reloads.
				return n, ai.EstimateCost(n, model, cfgStore.Get().Models), nil
			}
		}
		pipeline = capture.NewPipeline(primary, fallback, opts, logger)
		logger.Info("prompt capture enabled",
			zap.String("api", cfg.Capture.APIBaseURL+cfg.Capture.IngestPath),
			zap.Bool("fallback", fallback != nil),
		)
	}

	// 5. Routing
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	if cfg.RateLimit.Enabled {
		r.Use(middleware.NewRateLimiter(cfg.RateLimit, rdb, logger).Middleware)
		logger.Info("rate limiting enabled",
			zap.Int("requests_per_minute", cfg.RateLimit.RequestsPerMinute),
			zap.Bool("shared", rdb != nil),
		)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	var breaker api.BreakerState
	if primary != nil {
		breaker = primary
	}
	api.NewAdminAPI(fallback, replayer, breaker, cfgStore, logger).RegisterRoutes(r)

	r.Handle("/*", middleware.NewInterceptor(registry, forwarder, pipeline, cfgStore, logger))

	// 6. Serve until signalled
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: streamed completions can run for minutes.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening",
			zap.String("addr", cfg.Server.Port),
			zap.Strings("providers", registry.Names()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if pipeline != nil {
		if err := pipeline.Close(shutdownCtx); err != nil {
			logger.Warn("captures still in flight at exit", zap.Error(err))
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}
