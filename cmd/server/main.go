package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nutraley.com/product-assistant/internal/config"
	"nutraley.com/product-assistant/internal/core"
	"nutraley.com/product-assistant/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Nutraley product assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFile)
	log.Debug("configuration loaded",
		zap.String("provider", cfg.LLMProvider),
		zap.String("chat_model", cfg.ChatModel),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.String("seed_mode", cfg.SeedMode))
	return cfg, log, nil
}

// provider bundles the completion and embedding clients of one vendor.
type provider struct {
	completer core.Completer
	embedder  core.Embedder
	close     func()
}

func newProvider(ctx context.Context, cfg *config.Config, log *zap.Logger) (*provider, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		svc := core.NewOpenAIService(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ChatModel, cfg.EmbeddingModel, log)
		return &provider{completer: svc, embedder: svc, close: func() {}}, nil
	case config.ProviderGemini:
		svc, err := core.NewGeminiService(ctx, cfg.GeminiAPIKey, cfg.ChatModel, cfg.EmbeddingModel, log)
		if err != nil {
			return nil, err
		}
		return &provider{completer: svc, embedder: svc, close: svc.Close}, nil
	}
	return nil, fmt.Errorf("unsupported LLM_PROVIDER %q", cfg.LLMProvider)
}
