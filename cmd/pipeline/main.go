package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/archive"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/chain"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/config"
	consul_client "github.com/Shaund12/pixelninjakitties-sub000/internal/consul"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/executor"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/handlers"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/ipfs"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/natsclient"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/pipeline"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/providers"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/server"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/store"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/watcher"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err) // Use standard log before Zap is up
	}

	// --- Logger ---
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// --- Chain Client ---
	// An unreachable chain or a chain id mismatch refuses to serve.
	chainClient, err := chain.Dial(rootCtx, cfg.RPCURL, cfg.ContractAddress, cfg.SignerKey, cfg.ChainID, logger)
	if err != nil {
		logger.Fatal("Failed to connect to chain", zap.Error(err))
	}
	defer chainClient.Close()

	priceCtx, priceCancel := context.WithTimeout(rootCtx, 5*time.Second)
	if wei, err := chainClient.ReadPrice(priceCtx); err != nil {
		logger.Warn("Could not read mint price from contract", zap.Error(err))
	} else {
		logger.Info("Contract mint price", zap.String("eth", chain.PriceInEth(wei).String()))
	}
	priceCancel()

	// --- Task Store ---
	taskStore, err := buildTaskStore(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize task store", zap.Error(err))
	}
	defer taskStore.Close()

	// --- Image Providers ---
	registry := providers.NewRegistry(
		providers.NewDallE(cfg.OpenAIKey, logger),
		providers.NewStability(cfg.StabilityKey, logger),
		providers.NewHuggingFace(cfg.HuggingFaceKey, logger),
		logger,
	)

	// --- IPFS ---
	ipfsClient := ipfs.NewClient(cfg.IPFSEndpoint, logger)

	// --- Orchestrator ---
	exec := executor.New(taskStore, cfg.StageTimeouts, executor.DefaultRetryPolicy(), logger)
	orchestrator := pipeline.New(taskStore, registry, ipfsClient, chainClient, exec,
		cfg.MaxConcurrentTasks, cfg.TaskDeadline, logger)

	// --- Optional NATS status publishing ---
	var natsConn *nats.Conn
	if cfg.Nats.Enabled {
		natsConn, err = natsclient.Connect(cfg.Nats.Address, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsConn.Close()
		orchestrator.WithPublisher(natsclient.NewStatusPublisher(natsConn, cfg.Nats.StatusSubjectPrefix, logger))
	}

	// --- Optional image archive ---
	if cfg.Archive.Enabled {
		archiver, err := archive.NewMinioArchiver(cfg.Archive, logger)
		if err != nil {
			logger.Fatal("Failed to initialize image archive", zap.Error(err))
		}
		orchestrator.WithArchiver(archiver)
	}

	// --- Optional Consul registration ---
	var consulDeregister func()
	if cfg.Consul.Enabled {
		consulClient, err := consul_client.Connect(cfg.Consul.Address, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Consul agent", zap.Error(err))
		}
		serviceID := config.GenerateServiceID(cfg.Consul.ServiceIDPrefix)
		if err := consul_client.RegisterService(consulClient, cfg, serviceID, logger); err != nil {
			logger.Fatal("Failed to register service with Consul", zap.Error(err))
		}
		logger.Info("Registered service with Consul", zap.String("service_id", serviceID))
		consulDeregister = func() {
			if err := consulClient.Agent().ServiceDeregister(serviceID); err != nil {
				logger.Error("Failed to deregister service from Consul", zap.Error(err))
			}
		}
	}

	// --- Event Watcher ---
	defaults := models.ProviderRequest{
		Provider: cfg.DefaultProvider,
		Model:    cfg.DefaultModel,
		Quality:  cfg.DefaultQuality,
		Style:    cfg.DefaultStyle,
	}
	mintWatcher := watcher.New(chainClient, orchestrator, taskStore, cfg.BackfillChunkBlocks, defaults, logger)

	// --- Setup Router and Server ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", healthHandler(chainClient, natsConn, cfg.Nats.Enabled))

	statusHandler := handlers.NewStatusHandler(taskStore, logger)
	r.Mount("/api", statusHandler.Routes())
	logger.Info("Status API routes mounted under /api")

	srv := server.NewServer(cfg.Port, r, logger)

	// --- Start background loops ---
	go func() {
		if err := orchestrator.Recover(rootCtx); err != nil {
			logger.Error("Task recovery failed", zap.Error(err))
		}
		if err := orchestrator.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Error("Orchestrator stopped unexpectedly", zap.Error(err))
		}
	}()
	go func() {
		if err := mintWatcher.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Error("Watcher stopped unexpectedly", zap.Error(err))
		}
	}()

	// --- Start Server Goroutine ---
	go srv.Start()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	if consulDeregister != nil {
		consulDeregister()
	}

	rootCancel() // stop watcher and orchestrator loops

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(ctx)
}

// healthHandler reports whether the chain RPC answers and, when NATS is
// enabled, whether the connection is currently up. Consul's check hits this
// endpoint, so a dead chain link takes the service out of rotation.
func healthHandler(chainClient *chain.Client, natsConn *nats.Conn, natsEnabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		health := map[string]interface{}{"status": "ok"}

		block, err := chainClient.CurrentBlock(ctx)
		if err != nil {
			status = http.StatusServiceUnavailable
			health["status"] = "degraded"
			health["chain"] = "unreachable"
		} else {
			health["chain"] = "ok"
			health["chain_block"] = block
		}

		switch {
		case !natsEnabled:
			health["nats"] = "disabled"
		case natsConn != nil && natsConn.IsConnected():
			health["nats"] = "connected"
		default:
			health["nats"] = "disconnected"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(health)
	}
}

// buildTaskStore selects the configured backing store. Postgres gives
// crash-safe tasks and checkpoints; the in-memory store covers a single
// process lifetime.
func buildTaskStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.TaskStore, error) {
	if cfg.Postgres.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		pg := store.NewPostgresStore(pool, logger)
		if err := pg.Initialize(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("Postgres task store initialized")
		return pg, nil
	}

	mem := store.NewMemoryStore(0, logger)
	if err := mem.Initialize(ctx); err != nil {
		return nil, err
	}
	logger.Info("In-memory task store initialized")
	return mem, nil
}

// setupLogger configures Zap based on the log level string.
func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel // Default to info if parsing fails
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(logLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// NewStructuredLogger returns a middleware that logs request details using Zap.
func NewStructuredLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				duration := time.Since(start)
				logger.Info("Request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_ip", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", duration),
				)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
