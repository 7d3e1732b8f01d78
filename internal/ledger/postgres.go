package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const pgSchema = `
	CREATE TABLE IF NOT EXISTS gpu_prices (
		timestamp  TEXT           NOT NULL,
		instance   TEXT           NOT NULL,
		price_usd  NUMERIC(12, 6) NOT NULL
	)
`

// PostgresStore keeps the ledger in a single PostgreSQL table. The schema is
// ensured at open so a fresh database works without migration tooling.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) ExistingTimestamps(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT timestamp FROM gpu_prices`)
	if err != nil {
		return nil, fmt.Errorf("query ledger timestamps: %w", err)
	}
	defer rows.Close()

	stamps := make(map[string]struct{})
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan ledger timestamp: %w", err)
		}
		stamps[ts] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ledger timestamps: %w", err)
	}
	return stamps, nil
}

// Append writes all rows in one transaction, preserving the single-flush
// semantics of the engine: either every row lands or none do.
func (s *PostgresStore) Append(ctx context.Context, rows []Observation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger append: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO gpu_prices (timestamp, instance, price_usd) VALUES ($1, $2, $3)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.Timestamp, row.Instance, row.PriceUSD); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert ledger row %s/%s: %w", row.Timestamp, row.Instance, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger append: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
