package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/studyloop/ingestd/internal/api"
	"github.com/studyloop/ingestd/internal/config"
	"github.com/studyloop/ingestd/internal/extract"
	"github.com/studyloop/ingestd/internal/genai"
	"github.com/studyloop/ingestd/internal/ingest"
	"github.com/studyloop/ingestd/internal/keypool"
	"github.com/studyloop/ingestd/internal/pdf"
	"github.com/studyloop/ingestd/internal/retrieval"
	"github.com/studyloop/ingestd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ingestd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "ingestd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Cooldowns persist in storage so a restart does not hammer a
	// provider that was rate limiting us moments ago.
	pool, err := keypool.New(cfg.Model.APIKeys,
		keypool.WithCooldownStore(store),
		keypool.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("building credential pool: %w", err)
	}

	client := genai.NewClient(cfg.Model.BaseURL)
	extractor := extract.New(client, pool, cfg.Model.ExtractModel,
		extract.WithBatchSize(cfg.Ingest.PageBatchSize),
		extract.WithLogger(logger),
	)
	embedder := retrieval.NewEmbedder(client, pool, cfg.Model.EmbedModel)
	retriever := retrieval.NewRetriever(embedder, store)
	orchestrator := ingest.NewOrchestrator(embedder, store, cfg.Ingest.EmbedBatchSize, cfg.Ingest.WriteBatchSize)

	var quota ingest.QuotaService = api.AllowAll{}
	if cfg.Quota.BaseURL != "" {
		quota = api.NewHTTPQuota(cfg.Quota.BaseURL, cfg.Quota.Token)
	}

	coordinator := ingest.NewCoordinator(store, pdf.NewReader(), extractor, orchestrator, quota, ingest.CoordinatorConfig{
		MaxFileSize:       cfg.Ingest.MaxFileSizeMB << 20,
		MaxConcurrentJobs: cfg.Ingest.MaxConcurrentJobs,
		Logger:            logger,
	})

	handler := api.NewHandler(api.Deps{
		Store:       store,
		Coordinator: coordinator,
		Retriever:   retriever,
		Pool:        pool,
		Token:       cfg.Server.AuthToken,
		Logger:      logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP over stdio so an agent host can query the corpus directly.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Retriever: retriever})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "ingestd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
