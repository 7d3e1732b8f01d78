// Package reconcile decides which price observations are still missing from
// the ledger and produces exactly those rows: a month-by-month historical
// back-fill plus today's price, flushed in a single append.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amorton45/aws-gpu-price-tracker/internal/ledger"
	"github.com/amorton45/aws-gpu-price-tracker/internal/pricelist"
)

const dateLayout = "2006-01-02"

// Precision controls the timestamp key for today's observation. Back-fill
// keys are always month-start dates.
type Precision string

const (
	// PrecisionSecond keys today's row by UTC date-time truncated to seconds.
	PrecisionSecond Precision = "second"
	// PrecisionDay keys today's row by UTC date, one row set per day.
	PrecisionDay Precision = "day"
)

// InstanceTarget is one tracked instance type. Label is a human tag for the
// GPU generation ("H100") used in logs only; the ledger records the type.
type InstanceTarget struct {
	Type  string
	Label string
}

// Config holds the static reconciliation settings for one run.
type Config struct {
	// Instances is the ordered set of instance types to record.
	Instances []InstanceTarget

	// BackfillStart is the earliest month to walk back to, inclusive.
	BackfillStart time.Time

	// Precision selects the timestamp key shape for today's observation.
	Precision Precision

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// SnapshotResolver obtains the price list effective on a date. A nil document
// with a nil error means no snapshot exists for that date.
type SnapshotResolver interface {
	Resolve(ctx context.Context, day time.Time) (*pricelist.Document, error)
}

// PriceExtractor pulls one instance's on-demand USD price from a document.
type PriceExtractor interface {
	Extract(doc *pricelist.Document, instanceType string) (decimal.Decimal, bool, error)
}

// RunResult summarizes one engine run.
type RunResult struct {
	RunID         uuid.UUID
	RowsWritten   int
	MonthsVisited int
	GapMonths     int
}

// Engine owns the back-fill walk and the daily-append decision.
type Engine struct {
	resolver  SnapshotResolver
	extractor PriceExtractor
	store     ledger.Store
	logger    *slog.Logger
	cfg       Config
}

func NewEngine(resolver SnapshotResolver, extractor PriceExtractor, store ledger.Store, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Precision == "" {
		cfg.Precision = PrecisionSecond
	}
	return &Engine{
		resolver:  resolver,
		extractor: extractor,
		store:     store,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run executes the back-fill walk, the daily check, and a single flush.
// Any resolver or extractor failure that is not the expected "no snapshot"
// or "no matching offer" case aborts the run before anything is written.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{RunID: uuid.New()}
	log := e.logger.With("run_id", result.RunID)

	existing, err := e.store.ExistingTimestamps(ctx)
	if err != nil {
		return nil, fmt.Errorf("load existing timestamps: %w", err)
	}
	log.Info("ledger loaded", "timestamps", len(existing))

	now := e.cfg.Now().UTC()
	var rows []ledger.Observation

	rows, err = e.backfill(ctx, log, now, existing, rows, result)
	if err != nil {
		return nil, err
	}

	rows, err = e.today(ctx, log, now, existing, rows)
	if err != nil {
		return nil, err
	}

	if len(rows) > 0 {
		if err := e.store.Append(ctx, rows); err != nil {
			return nil, fmt.Errorf("append %d rows: %w", len(rows), err)
		}
	}
	result.RowsWritten = len(rows)
	log.Info("run complete",
		"rows_written", result.RowsWritten,
		"months_visited", result.MonthsVisited,
		"gap_months", result.GapMonths)
	return result, nil
}

// backfill walks candidate months strictly backward from the current month
// down to the configured start. A month whose snapshot is absent is skipped
// and never retried: its timestamp is never recorded, so it stays a gap.
func (e *Engine) backfill(ctx context.Context, log *slog.Logger, now time.Time, existing map[string]struct{}, rows []ledger.Observation, result *RunResult) ([]ledger.Observation, error) {
	start := monthStart(e.cfg.BackfillStart)
	for month := monthStart(now); !month.Before(start); month = month.AddDate(0, -1, 0) {
		stamp := month.Format(dateLayout)
		if _, ok := existing[stamp]; ok {
			continue
		}
		result.MonthsVisited++

		doc, err := e.resolver.Resolve(ctx, month)
		if err != nil {
			return nil, fmt.Errorf("resolve snapshot for %s: %w", stamp, err)
		}
		if doc == nil {
			result.GapMonths++
			log.Warn("no price list for month, leaving gap", "month", stamp)
			continue
		}

		emitted := 0
		for _, inst := range e.cfg.Instances {
			price, ok, err := e.extractor.Extract(doc, inst.Type)
			if err != nil {
				return nil, fmt.Errorf("extract %s price for %s: %w", inst.Type, stamp, err)
			}
			if !ok {
				log.Warn("no matching offer", "month", stamp, "instance", inst.Type, "label", inst.Label)
				continue
			}
			rows = append(rows, ledger.Observation{Timestamp: stamp, Instance: inst.Type, PriceUSD: price})
			emitted++
		}
		if emitted > 0 {
			// A recorded timestamp marks the whole period reconciled,
			// so all instances for it must land in this same batch.
			existing[stamp] = struct{}{}
		}
		log.Info("month reconciled", "month", stamp, "rows", emitted)
	}
	return rows, nil
}

func (e *Engine) today(ctx context.Context, log *slog.Logger, now time.Time, existing map[string]struct{}, rows []ledger.Observation) ([]ledger.Observation, error) {
	stamp := e.todayStamp(now)
	if _, ok := existing[stamp]; ok {
		log.Info("today already recorded", "timestamp", stamp)
		return rows, nil
	}

	doc, err := e.resolver.Resolve(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("resolve snapshot for today: %w", err)
	}
	if doc == nil {
		log.Warn("no price list for today")
		return rows, nil
	}

	for _, inst := range e.cfg.Instances {
		price, ok, err := e.extractor.Extract(doc, inst.Type)
		if err != nil {
			return nil, fmt.Errorf("extract %s price for today: %w", inst.Type, err)
		}
		if !ok {
			log.Warn("no matching offer today", "instance", inst.Type, "label", inst.Label)
			continue
		}
		rows = append(rows, ledger.Observation{Timestamp: stamp, Instance: inst.Type, PriceUSD: price})
	}
	return rows, nil
}

func (e *Engine) todayStamp(now time.Time) string {
	if e.cfg.Precision == PrecisionDay {
		return now.Format(dateLayout)
	}
	return now.Truncate(time.Second).Format("2006-01-02T15:04:05")
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
