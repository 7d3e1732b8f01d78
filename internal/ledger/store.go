// Package ledger provides the append-only observation store behind the
// tracker. The CSV file is the canonical backend; PostgreSQL and ClickHouse
// backends exist for deployments that want the history queryable.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Observation is one recorded price point. Rows are immutable once written.
type Observation struct {
	Timestamp string
	Instance  string
	PriceUSD  decimal.Decimal
}

// Store is the ledger contract consumed by the reconciliation engine.
// ExistingTimestamps is read once per run; Append is called at most once.
type Store interface {
	// ExistingTimestamps returns the set of timestamp keys already recorded.
	ExistingTimestamps(ctx context.Context) (map[string]struct{}, error)

	// Append durably records rows in the given order.
	Append(ctx context.Context, rows []Observation) error

	Close() error
}
