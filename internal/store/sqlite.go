package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// EmbedFunc turns a piece of text into an embedding vector.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS products (
        position INTEGER PRIMARY KEY,
        id TEXT UNIQUE NOT NULL,
        record_json TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS product_embeddings (
        position INTEGER PRIMARY KEY,
        embedding TEXT NOT NULL -- pgvector text encoding, e.g. [0.1,0.2]
    );

    CREATE TABLE IF NOT EXISTS orders (
        order_id TEXT PRIMARY KEY,
        customer_name TEXT NOT NULL,
        product_name TEXT NOT NULL,
        quantity INTEGER NOT NULL,
        order_date TEXT NOT NULL,
        shipped_date TEXT,
        estimated_delivery TEXT,
        actual_delivery TEXT,
        status TEXT NOT NULL,
        shipping_method TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// Catalog methods

// ReplaceCatalog swaps the stored catalog and its embeddings in one
// transaction. vectors[i] belongs to products[i].
func (s *SQLiteStore) ReplaceCatalog(ctx context.Context, products []Product, vectors [][]float32) error {
	if len(products) != len(vectors) {
		return fmt.Errorf("catalog misaligned: %d products, %d vectors", len(products), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin catalog transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM products"); err != nil {
		return fmt.Errorf("failed to clear products: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM product_embeddings"); err != nil {
		return fmt.Errorf("failed to clear product embeddings: %w", err)
	}

	productStmt, err := tx.PrepareContext(ctx, "INSERT INTO products (position, id, record_json) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare product insert: %w", err)
	}
	defer productStmt.Close()

	embeddingStmt, err := tx.PrepareContext(ctx, "INSERT INTO product_embeddings (position, embedding) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare embedding insert: %w", err)
	}
	defer embeddingStmt.Close()

	for i, p := range products {
		record, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal product %s: %w", p.ID, err)
		}
		if _, err := productStmt.ExecContext(ctx, i, p.ID, string(record)); err != nil {
			return fmt.Errorf("failed to insert product %s: %w", p.ID, err)
		}
		if _, err := embeddingStmt.ExecContext(ctx, i, pgvector.NewVector(vectors[i])); err != nil {
			return fmt.Errorf("failed to insert embedding for product %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// GetProducts returns the catalog in index order.
func (s *SQLiteStore) GetProducts(ctx context.Context) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT position, record_json FROM products ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var position int
		var record string
		if err := rows.Scan(&position, &record); err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		if position != len(products) {
			return nil, fmt.Errorf("product positions not contiguous: expected %d, got %d", len(products), position)
		}
		var p Product
		if err := json.Unmarshal([]byte(record), &p); err != nil {
			return nil, fmt.Errorf("failed to decode product at position %d: %w", position, err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// GetProductEmbeddings returns the stored vectors in index order.
func (s *SQLiteStore) GetProductEmbeddings(ctx context.Context) ([][]float32, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT position, embedding FROM product_embeddings ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query product embeddings: %w", err)
	}
	defer rows.Close()

	var vectors [][]float32
	for rows.Next() {
		var position int
		var vec pgvector.Vector
		if err := rows.Scan(&position, &vec); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		if position != len(vectors) {
			return nil, fmt.Errorf("embedding positions not contiguous: expected %d, got %d", len(vectors), position)
		}
		vectors = append(vectors, vec.Slice())
	}
	return vectors, rows.Err()
}

// Order methods

func (s *SQLiteStore) ReplaceOrders(ctx context.Context, orders []Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin orders transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM orders"); err != nil {
		return fmt.Errorf("failed to clear orders: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO orders (order_id, customer_name, product_name, quantity, order_date,
        shipped_date, estimated_delivery, actual_delivery, status, shipping_method)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare order insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range orders {
		_, err := stmt.ExecContext(ctx, o.OrderID, o.CustomerName, o.ProductName, o.Quantity, o.OrderDate,
			nullable(o.ShippedDate), nullable(o.EstimatedDelivery), nullable(o.ActualDelivery), o.Status, o.ShippingMethod)
		if err != nil {
			return fmt.Errorf("failed to insert order %s: %w", o.OrderID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetOrderByID(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	var shipped, estimated, actual sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT order_id, customer_name, product_name, quantity, order_date,
        shipped_date, estimated_delivery, actual_delivery, status, shipping_method
        FROM orders WHERE order_id = ?`, orderID).Scan(
		&o.OrderID, &o.CustomerName, &o.ProductName, &o.Quantity, &o.OrderDate,
		&shipped, &estimated, &actual, &o.Status, &o.ShippingMethod)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	o.ShippedDate = fromNullable(shipped)
	o.EstimatedDelivery = fromNullable(estimated)
	o.ActualDelivery = fromNullable(actual)
	return &o, nil
}

func (s *SQLiteStore) CountOrders(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

func nullable(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullable(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	v := ns.String
	return &v
}

// Ingestion

func ReadProductsFile(path string) ([]Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(products))
	for i, p := range products {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog entry %d has neither id nor name", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate product id %q in catalog", p.ID)
		}
		seen[p.ID] = true
	}
	return products, nil
}

func ReadOrdersFile(path string) ([]Order, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read orders file %s: %w", path, err)
	}
	var orders []Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("failed to parse orders file %s: %w", path, err)
	}
	return orders, nil
}

// IngestCatalog embeds every product in catalogPath and replaces the stored
// catalog. Any embedding failure aborts the run: a partially embedded catalog
// would leave the index and metadata misaligned.
func (s *SQLiteStore) IngestCatalog(ctx context.Context, catalogPath string, embed EmbedFunc, pace time.Duration, log *zap.Logger) (int, error) {
	products, err := ReadProductsFile(catalogPath)
	if err != nil {
		return 0, err
	}
	if len(products) == 0 {
		return 0, fmt.Errorf("catalog file %s contains no products", catalogPath)
	}

	log.Info("embedding catalog", zap.Int("products", len(products)))

	var ticker *time.Ticker
	if pace > 0 {
		ticker = time.NewTicker(pace) // delay to not hit the provider rate limit
		defer ticker.Stop()
	}

	vectors := make([][]float32, len(products))
	for i := range products {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		vec, err := embed(ctx, products[i].EmbeddingText())
		if err != nil {
			return 0, fmt.Errorf("failed to embed product %s: %w", products[i].ID, err)
		}
		vectors[i] = vec
		if (i+1)%10 == 0 || i+1 == len(products) {
			log.Info("embedded products", zap.Int("done", i+1), zap.Int("total", len(products)))
		}
	}

	if err := s.ReplaceCatalog(ctx, products, vectors); err != nil {
		return 0, err
	}
	return len(products), nil
}

func (s *SQLiteStore) IngestOrders(ctx context.Context, ordersPath string) (int, error) {
	orders, err := ReadOrdersFile(ordersPath)
	if err != nil {
		return 0, err
	}
	if err := s.ReplaceOrders(ctx, orders); err != nil {
		return 0, err
	}
	return len(orders), nil
}
