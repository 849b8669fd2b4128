package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nutraley.com/product-assistant/internal/api"
	"nutraley.com/product-assistant/internal/core"
	"nutraley.com/product-assistant/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP chat API (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	llm, err := newProvider(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer llm.close()

	// searcher stays a nil interface in full_catalog mode so the search tool is not offered
	var searcher core.Searcher
	var products []store.Product
	indexLoaded := false

	if cfg.SeedMode == core.SeedModeVector {
		index, err := core.LoadRetrievalIndex(ctx, dbStore, llm.embedder, cfg.EmbeddingDim, core.IndexOptions{
			SimilarityThreshold: cfg.SimilarityThreshold,
			EmbeddingTimeout:    cfg.EmbeddingTimeout,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to load retrieval index (run `server ingest` first): %w", err)
		}
		searcher, products, indexLoaded = index, index.Products(), true
	} else {
		products, err = dbStore.GetProducts(ctx)
		if err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
	}

	orderCount, err := dbStore.CountOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to read order ledger: %w", err)
	}
	log.Info("order ledger ready", zap.Int("orders", orderCount))

	seed, err := core.BuildSeedPrompt(cfg.SeedMode, products)
	if err != nil {
		return err
	}

	sessions := core.NewSessionStore(seed, core.SessionStoreOptions{
		TTL:         cfg.SessionTTL,
		MaxSessions: cfg.MaxSessions,
	}, log)
	tools := core.NewToolExecutor(searcher, core.NewOrderService(dbStore), log)
	chatService := core.NewChatService(sessions, llm.completer, tools, core.ChatOptions{
		MaxToolRounds:      cfg.MaxToolRounds,
		CompletionTimeout:  cfg.CompletionTimeout,
		MaxConcurrentTurns: cfg.MaxConcurrentTurns,
	}, log)

	apiHandler := api.NewAPIHandler(chatService, sessions, api.HealthInfo{
		Mode:           cfg.SeedMode,
		ProductsLoaded: len(products),
		IndexLoaded:    indexLoaded,
	}, log)
	router := api.NewRouter(apiHandler, log)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.CompletionTimeout*time.Duration(cfg.MaxToolRounds) + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", serverAddr), zap.String("mode", cfg.SeedMode), zap.Int("products", len(products)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited gracefully")
	return nil
}
