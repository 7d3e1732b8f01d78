package ledger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
)

// ClickHouseConfig holds connection settings for the ClickHouse backend.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

const chSchema = `
	CREATE TABLE IF NOT EXISTS gpu_prices (
		id         UUID,
		timestamp  String,
		instance   String,
		price_usd  Decimal(12, 6),
		created_at DateTime DEFAULT now()
	) ENGINE = MergeTree()
	ORDER BY (timestamp, instance)
`

// ClickHouseStore keeps the ledger in a MergeTree table, for deployments
// where the price history feeds analytics queries.
type ClickHouseStore struct {
	conn clickhouse.Conn
}

func NewClickHouseStore(ctx context.Context, cfg *ClickHouseConfig) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse ledger: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse ledger: %w", err)
	}
	if err := conn.Exec(ctx, chSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return &ClickHouseStore{conn: conn}, nil
}

func (s *ClickHouseStore) ExistingTimestamps(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.conn.Query(ctx, `SELECT DISTINCT timestamp FROM gpu_prices`)
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
	return stamps, nil
}

func (s *ClickHouseStore) Append(ctx context.Context, rows []Observation) error {
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO gpu_prices (id, timestamp, instance, price_usd)`)
	if err != nil {
		return fmt.Errorf("prepare ledger batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(uuid.New(), row.Timestamp, row.Instance, row.PriceUSD); err != nil {
			return fmt.Errorf("append ledger row %s/%s: %w", row.Timestamp, row.Instance, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send ledger batch: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}
