package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"receiptscanner/internal/util"
	"receiptscanner/services/receipts/internal/app"
	"receiptscanner/services/receipts/internal/config"
	"receiptscanner/services/receipts/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("receipts exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	fs := ff.NewFlagSet("receipts")
	var (
		configPath = fs.StringLong("config", config.ConfigPath, "path to the YAML config file")
		port       = fs.StringLong("port", "", "HTTP port (overrides config)")
		logLevel   = fs.StringLong("log-level", "", "debug, info, warn or error (overrides config)")
		noWorker   = fs.BoolLong("no-worker", "do not consume the upload queue in this process")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("RECEIPTS")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers closerStack
	defer func() { closers.closeAll(logger) }()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	closers.push("store", st.Close)

	model, embedder, err := openModels(ctx, cfg, &closers)
	if err != nil {
		return err
	}
	tokens, err := openTokenizer()
	if err != nil {
		return err
	}

	appCfg := app.Config{
		Store:          st,
		Model:          model,
		Embedder:       embedder,
		Tokens:         tokens,
		TargetLanguage: cfg.TargetLanguage,
		SearchLimit:    cfg.SearchLimit,
		TokenBudget:    cfg.TokenBudget,
	}
	wireOCR(&appCfg, cfg, awsCfg)
	wireTranslation(&appCfg, cfg, awsCfg)
	if err := wireObjects(&appCfg, cfg); err != nil {
		return err
	}
	jobQueue, err := wireQueue(&appCfg, cfg, &closers)
	if err != nil {
		return err
	}
	if err := wirePublisher(&appCfg, cfg, &closers); err != nil {
		return err
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	srvCfg := server.Config{App: appCore}
	if err := wireLimits(&srvCfg, cfg, &closers); err != nil {
		return err
	}
	httpServer := server.New(srvCfg)

	waitWorkers := func() {}
	if jobQueue != nil && !*noWorker {
		waitWorkers = jobQueue.Start(ctx, cfg.Queue.Concurrency, appCore.HandleJob)
		logger.Info("upload worker started", "concurrency", cfg.Queue.Concurrency)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("receipts server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}
	// Workers stop with ctx and must finish before the closers release
	// the store and the queue.
	stop()
	waitWorkers()
	return err
}
