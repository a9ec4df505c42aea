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

	"github.com/celerix-dev/celerix-ledger/internal/api"
	"github.com/celerix-dev/celerix-ledger/internal/backup"
	"github.com/celerix-dev/celerix-ledger/internal/bucket"
	"github.com/celerix-dev/celerix-ledger/internal/config"
	"github.com/celerix-dev/celerix-ledger/internal/engine"
	"github.com/celerix-dev/celerix-ledger/internal/observability"
	"github.com/celerix-dev/celerix-ledger/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.LoggerConfig{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Outputs:     cfg.Log.Outputs,
		Environment: cfg.Environment,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("ledger daemon stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// 2. Persistence and the day book
	store, err := engine.NewPersistence(cfg.Ledger.DataDir, logger)
	if err != nil {
		return fmt.Errorf("initialize persistence: %w", err)
	}
	days, err := store.Days()
	if err != nil {
		logger.Warn("could not list existing day files", zap.Error(err))
	}
	book := engine.NewBook(store, logger, engine.WithLocation(loc))
	today, records := book.Today()
	logger.Info("ledger started",
		zap.String("data_dir", cfg.Ledger.DataDir),
		zap.String("timezone", loc.String()),
		zap.Int("days_on_disk", len(days)),
		zap.String("today", today.Key()),
		zap.Int("records_today", len(records)))

	// 3. Backups
	queue, err := startBackups(cfg, logger)
	if err != nil {
		return err
	}

	// 4. HTTP
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(observability.GinLogger(logger), observability.GinRecovery(logger))

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	h := &api.Handler{Book: book, Logger: logger}
	if queue != nil {
		h.Backups = queue
	}
	api.RegisterRoutes(r, h)

	if cfg.Server.PublicDir != "" {
		r.Static("/public", cfg.Server.PublicDir)
	}
	r.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{"error": "API route not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	// 5. TCP line protocol
	var router *server.Router
	if cfg.Server.TCPAddr != "" {
		var submitter server.Submitter
		if queue != nil {
			submitter = queue
		}
		router = server.NewRouter(book, submitter, logger.Named("tcp"))
		go func() {
			logger.Info("TCP server listening", zap.String("addr", cfg.Server.TCPAddr))
			if err := router.Listen(cfg.Server.TCPAddr); err != nil {
				errCh <- fmt.Errorf("TCP server failed: %w", err)
			}
		}()
	}

	// 6. Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		srv.Close()
		if router != nil {
			router.Stop()
		}
		if queue != nil {
			queue.Close()
		}
		return err
	case sig := <-sigChan:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if router != nil {
		router.Stop()
	}
	if queue != nil {
		logger.Info("waiting for queued backups")
		queue.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

// startBackups builds the bucket client, resolves the bucket and starts the
// queue. It returns a nil queue when backups are off.
func startBackups(cfg *config.Config, logger *zap.Logger) (*backup.Queue, error) {
	if !cfg.Backup.Enabled {
		logger.Info("backups disabled")
		return nil, nil
	}
	if !cfg.HasCredentials() {
		logger.Warn("backup credentials missing, backups disabled",
			zap.Bool("account_id_set", cfg.Backup.AccountID != ""),
			zap.Bool("account_key_set", cfg.Backup.AccountKey != ""))
		return nil, nil
	}

	creds := bucket.Credentials{AccountID: cfg.Backup.AccountID, Key: cfg.Backup.AccountKey}
	var client backup.BucketClient
	switch cfg.Backup.Driver {
	case "dir":
		dc, err := bucket.NewDirClient(cfg.Backup.Dir, cfg.Backup.Bucket)
		if err != nil {
			return nil, fmt.Errorf("initialize backup dir: %w", err)
		}
		client = dc
	default:
		client = bucket.NewHTTPClient(cfg.Backup.Endpoint, creds, nil)
	}

	pipeline := backup.NewPipeline(client, backup.Config{
		Credentials: creds,
		Bucket:      cfg.Backup.Bucket,
		Root:        cfg.Ledger.DataDir,
		Timeout:     cfg.Backup.Timeout,
	}, logger.Named("backup"))

	id, err := pipeline.ResolveBucket(context.Background())
	if err != nil {
		return nil, fmt.Errorf("resolve backup bucket: %w", err)
	}
	logger.Info("backups enabled",
		zap.String("driver", cfg.Backup.Driver),
		zap.String("bucket", cfg.Backup.Bucket),
		zap.String("bucket_id", id))

	return backup.NewQueue(pipeline, backup.QueueConfig{
		Workers:  cfg.Backup.Workers,
		Size:     cfg.Backup.QueueSize,
		Attempts: cfg.Backup.Attempts,
		Backoff:  cfg.Backup.Backoff,
	}, logger.Named("backup")), nil
}
