package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nutraley.com/product-assistant/internal/store"
)

func init() {
	ingestCmd.Flags().String("products", "data/products.json", "product catalog JSON file")
	ingestCmd.Flags().String("orders", "data/orders.json", "order ledger JSON file")
	ingestCmd.Flags().Duration("pace", 0, "minimum delay between embedding requests")
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Embed the product catalog and load the order ledger into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		productsPath, _ := cmd.Flags().GetString("products")
		ordersPath, _ := cmd.Flags().GetString("orders")
		pace, _ := cmd.Flags().GetDuration("pace")

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

		embed := func(ctx context.Context, text string) ([]float32, error) {
			ectx, cancel := context.WithTimeout(ctx, cfg.EmbeddingTimeout)
			defer cancel()
			vec, err := llm.embedder.Embed(ectx, text)
			if err != nil {
				return nil, err
			}
			if len(vec) != cfg.EmbeddingDim {
				return nil, fmt.Errorf("embedding model returned %d dimensions, EMBEDDING_DIM is %d", len(vec), cfg.EmbeddingDim)
			}
			return vec, nil
		}

		log.Info("starting data ingestion", zap.String("products", productsPath), zap.String("orders", ordersPath))
		numProducts, err := dbStore.IngestCatalog(ctx, productsPath, embed, pace, log)
		if err != nil {
			return fmt.Errorf("catalog ingestion failed: %w", err)
		}
		numOrders, err := dbStore.IngestOrders(ctx, ordersPath)
		if err != nil {
			return fmt.Errorf("order ingestion failed: %w", err)
		}
		log.Info("data ingestion complete", zap.Int("products", numProducts), zap.Int("orders", numOrders))
		return nil
	},
}
