package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amorton45/aws-gpu-price-tracker/internal/ledger"
	"github.com/amorton45/aws-gpu-price-tracker/internal/pricelist"
)

// fakeResolver serves canned documents keyed by ISO date. Dates in the absent
// set resolve to no snapshot; dates in failOn return a transport error.
type fakeResolver struct {
	docs   map[string]*pricelist.Document
	absent map[string]bool
	failOn map[string]bool
	calls  []string
}

func (f *fakeResolver) Resolve(ctx context.Context, day time.Time) (*pricelist.Document, error) {
	key := day.Format("2006-01-02")
	f.calls = append(f.calls, key)
	if f.failOn[key] {
		return nil, errors.New("connection reset")
	}
	if f.absent[key] {
		return nil, nil
	}
	if doc, ok := f.docs[key]; ok {
		return doc, nil
	}
	return nil, nil
}

// memStore is an in-memory ledger with append-call accounting.
type memStore struct {
	rows      []ledger.Observation
	appends   int
	appendErr error
}

func (m *memStore) ExistingTimestamps(ctx context.Context) (map[string]struct{}, error) {
	stamps := make(map[string]struct{})
	for _, row := range m.rows {
		stamps[row.Timestamp] = struct{}{}
	}
	return stamps, nil
}

func (m *memStore) Append(ctx context.Context, rows []ledger.Observation) error {
	m.appends++
	if m.appendErr != nil {
		return m.appendErr
	}
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *memStore) Close() error { return nil }

func docFor(prices map[string]string) *pricelist.Document {
	doc := &pricelist.Document{
		Products: make(map[string]pricelist.Product),
		Terms:    pricelist.Terms{OnDemand: make(map[string]map[string]pricelist.Term)},
	}
	i := 0
	for instanceType, usd := range prices {
		sku := string(rune('A'+i)) + "SKU"
		i++
		doc.Products[sku] = pricelist.Product{
			SKU: sku,
			Attributes: map[string]string{
				"instanceType":    instanceType,
				"operatingSystem": "Linux",
				"regionCode":      "us-east-1",
			},
		}
		doc.Terms.OnDemand[sku] = map[string]pricelist.Term{
			sku + ".OD": {
				PriceDimensions: map[string]pricelist.PriceDimension{
					sku + ".OD.HRS": {
						Unit:         "Hrs",
						PricePerUnit: map[string]string{"USD": usd},
					},
				},
			},
		}
	}
	return doc
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestEngine(resolver *fakeResolver, store *memStore, cfg Config) *Engine {
	extractor := &pricelist.Extractor{PreferredRegion: "us-east-1"}
	return NewEngine(resolver, extractor, store, discardLogger(), cfg)
}

func TestBackfillEmptyLedger(t *testing.T) {
	// Earliest month M = Jan 2024, current month M+2 = Mar 2024. Every month
	// resolves to a document pricing instance X at 98.32.
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	doc := docFor(map[string]string{"X": "98.32"})
	resolver := &fakeResolver{docs: map[string]*pricelist.Document{
		"2024-03-01": doc,
		"2024-02-01": doc,
		"2024-01-01": doc,
		"2024-03-15": doc,
	}}
	store := &memStore{}

	engine := newTestEngine(resolver, store, Config{
		Instances:     []InstanceTarget{{Type: "X", Label: "X"}},
		BackfillStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:           fixedNow(now),
	})

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.RowsWritten != 4 {
		t.Fatalf("got %d rows, want 4 (3 months + today)", result.RowsWritten)
	}
	if store.appends != 1 {
		t.Fatalf("got %d append calls, want exactly 1", store.appends)
	}

	wantStamps := []string{"2024-03-01", "2024-02-01", "2024-01-01", "2024-03-15T10:30:00"}
	for i, row := range store.rows {
		if row.Timestamp != wantStamps[i] {
			t.Errorf("row %d: got timestamp %s, want %s", i, row.Timestamp, wantStamps[i])
		}
		if want := decimal.RequireFromString("98.32"); !row.PriceUSD.Equal(want) {
			t.Errorf("row %d: got price %s, want %s", i, row.PriceUSD, want)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	doc := docFor(map[string]string{"X": "98.32"})
	resolver := &fakeResolver{docs: map[string]*pricelist.Document{
		"2024-03-01": doc, "2024-02-01": doc, "2024-01-01": doc, "2024-03-15": doc,
	}}
	store := &memStore{}
	cfg := Config{
		Instances:     []InstanceTarget{{Type: "X"}},
		BackfillStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:           fixedNow(now),
	}

	if _, err := newTestEngine(resolver, store, cfg).Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	firstRows := len(store.rows)

	result, err := newTestEngine(resolver, store, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if result.RowsWritten != 0 {
		t.Fatalf("second run wrote %d rows, want 0", result.RowsWritten)
	}
	if len(store.rows) != firstRows {
		t.Fatalf("ledger grew on second run: %d -> %d", firstRows, len(store.rows))
	}
	if store.appends != 1 {
		t.Fatalf("got %d append calls, want 1 (no write when nothing new)", store.appends)
	}
}

func TestAbsentMonthStaysAGap(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	doc := docFor(map[string]string{"X": "98.32"})
	resolver := &fakeResolver{
		docs:   map[string]*pricelist.Document{"2024-03-01": doc, "2024-01-01": doc, "2024-03-15": doc},
		absent: map[string]bool{"2024-02-01": true},
	}
	store := &memStore{}
	cfg := Config{
		Instances:     []InstanceTarget{{Type: "X"}},
		BackfillStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:           fixedNow(now),
	}

	result, err := newTestEngine(resolver, store, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.GapMonths != 1 {
		t.Fatalf("got %d gap months, want 1", result.GapMonths)
	}
	for _, row := range store.rows {
		if row.Timestamp == "2024-02-01" {
			t.Fatal("gap month must not produce a row")
		}
	}

	// The gap is permanent: a later run with the same absent response visits
	// the month again but still writes nothing for it.
	result, err = newTestEngine(resolver, store, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if result.RowsWritten != 0 {
		t.Fatalf("second run wrote %d rows, want 0", result.RowsWritten)
	}
	for _, row := range store.rows {
		if row.Timestamp == "2024-02-01" {
			t.Fatal("gap month reappeared on a later run")
		}
	}
}

func TestTodayAlreadyRecorded(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	store := &memStore{rows: []ledger.Observation{
		{Timestamp: "2024-03-01", Instance: "X", PriceUSD: decimal.RequireFromString("98.32")},
		{Timestamp: "2024-02-01", Instance: "X", PriceUSD: decimal.RequireFromString("98.32")},
		{Timestamp: "2024-01-01", Instance: "X", PriceUSD: decimal.RequireFromString("98.32")},
		{Timestamp: "2024-03-15T10:30:00", Instance: "X", PriceUSD: decimal.RequireFromString("98.32")},
	}}
	resolver := &fakeResolver{}
	cfg := Config{
		Instances:     []InstanceTarget{{Type: "X"}, {Type: "Y"}},
		BackfillStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:           fixedNow(now),
	}

	result, err := newTestEngine(resolver, store, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.RowsWritten != 0 {
		t.Fatalf("wrote %d rows, want 0: today's timestamp already covered", result.RowsWritten)
	}
	if len(resolver.calls) != 0 {
		t.Fatalf("resolver called %d times, want 0 (everything already reconciled)", len(resolver.calls))
	}
}

func TestDayPrecisionFirstOfMonthCollision(t *testing.T) {
	// With day precision and today being the 1st, the back-fill already
	// records today's timestamp; the daily phase must not duplicate it.
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	doc := docFor(map[string]string{"X": "98.32"})
	resolver := &fakeResolver{docs: map[string]*pricelist.Document{
		"2024-03-01": doc, "2024-02-01": doc,
	}}
	store := &memStore{}
	cfg := Config{
		Instances:     []InstanceTarget{{Type: "X"}},
		BackfillStart: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Precision:     PrecisionDay,
		Now:           fixedNow(now),
	}

	result, err := newTestEngine(resolver, store, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.RowsWritten != 2 {
		t.Fatalf("got %d rows, want 2 (Mar + Feb, no duplicate for today)", result.RowsWritten)
	}
	seen := make(map[string]int)
	for _, row := range store.rows {
		seen[row.Timestamp]++
	}
	if seen["2024-03-01"] != 1 {
		t.Fatalf("timestamp 2024-03-01 recorded %d times, want 1", seen["2024-03-01"])
	}
}

func TestMissingInstanceDoesNotBlockOthers(t *testing.T) {
	now := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	doc := docFor(map[string]string{"X": "98.32"}) // no offer for Y
	resolver := &fakeResolver{docs: map[string]*pricelist.Document{
		"2024-02-01": doc, "2024-02-10": doc,
	}}
	store := &memStore{}
	cfg := Config{
		Instances:     []InstanceTarget{{Type: "Y", Label: "B200"}, {Type: "X", Label: "H100"}},
		BackfillStart: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Now:           fixedNow(now),
	}

	result, err := newTestEngine(resolver, store, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.RowsWritten != 2 {
		t.Fatalf("got %d rows, want 2 (X for the month and for today)", result.RowsWritten)
	}
	for _, row := range store.rows {
		if row.Instance != "X" {
			t.Fatalf("unexpected instance %s in ledger", row.Instance)
		}
	}
}

func TestResolverFailureAbortsWithoutWrites(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	doc := docFor(map[string]string{"X": "98.32"})
	resolver := &fakeResolver{
		docs:   map[string]*pricelist.Document{"2024-03-01": doc},
		failOn: map[string]bool{"2024-02-01": true},
	}
	store := &memStore{}
	cfg := Config{
		Instances:     []InstanceTarget{{Type: "X"}},
		BackfillStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:           fixedNow(now),
	}

	if _, err := newTestEngine(resolver, store, cfg).Run(context.Background()); err == nil {
		t.Fatal("expected run to fail on transport error")
	}
	if store.appends != 0 {
		t.Fatal("failed run must not write to the ledger")
	}
}

func TestMalformedDocumentAborts(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	broken := docFor(map[string]string{"X": "98.32"})
	// Matched SKU with its terms stripped out.
	broken.Terms.OnDemand = map[string]map[string]pricelist.Term{}
	resolver := &fakeResolver{docs: map[string]*pricelist.Document{"2024-03-01": broken}}
	store := &memStore{}
	cfg := Config{
		Instances:     []InstanceTarget{{Type: "X"}},
		BackfillStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Now:           fixedNow(now),
	}

	_, err := newTestEngine(resolver, store, cfg).Run(context.Background())
	if !errors.Is(err, pricelist.ErrMalformedDocument) {
		t.Fatalf("got err %v, want ErrMalformedDocument", err)
	}
	if store.appends != 0 {
		t.Fatal("failed run must not write to the ledger")
	}
}
