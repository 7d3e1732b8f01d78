package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

var csvHeader = []string{"timestamp", "instance", "price_usd"}

// CSVStore is the flat-file ledger backend. A missing file is an empty
// ledger; the header row is written the first time the file is created.
type CSVStore struct {
	path string
}

func NewCSVStore(path string) *CSVStore {
	return &CSVStore{path: path}
}

func (s *CSVStore) ExistingTimestamps(ctx context.Context) (map[string]struct{}, error) {
	stamps := make(map[string]struct{})

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return stamps, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read ledger %s: %w", s.path, err)
		}
		if first {
			first = false
			continue
		}
		if len(rec) > 0 {
			stamps[rec[0]] = struct{}{}
		}
	}
	return stamps, nil
}

func (s *CSVStore) Append(ctx context.Context, rows []Observation) error {
	_, statErr := os.Stat(s.path)
	newFile := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger %s for append: %w", s.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("write ledger header: %w", err)
		}
	}
	for _, row := range rows {
		if err := w.Write([]string{row.Timestamp, row.Instance, row.PriceUSD.String()}); err != nil {
			return fmt.Errorf("write ledger row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush ledger %s: %w", s.path, err)
	}
	return nil
}

func (s *CSVStore) Close() error {
	return nil
}
