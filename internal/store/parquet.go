package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"optbot/internal/domain"
)

// Compile-time interface check.
var _ OptionArchive = (*ParquetArchive)(nil)

// ParquetArchive implements OptionArchive using Parquet files on disk.
type ParquetArchive struct {
	DataDir string

	loc *time.Location
	mu  sync.Mutex
}

// NewParquetArchive creates a ParquetArchive rooted at dataDir. Quote
// samples are grouped by their trading date in loc.
func NewParquetArchive(dataDir string, loc *time.Location) *ParquetArchive {
	if loc == nil {
		loc = time.UTC
	}
	return &ParquetArchive{DataDir: dataDir, loc: loc}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// OpenRecord is the Parquet schema for a day's opening premiums.
type OpenRecord struct {
	Ticker     string  `parquet:"ticker"`
	Date       string  `parquet:"date"`
	Strike     float64 `parquet:"strike"`
	Expiration string  `parquet:"expiration"`
	CallSymbol string  `parquet:"call_symbol"`
	CallOpen   float64 `parquet:"call_open"`
	PutSymbol  string  `parquet:"put_symbol"`
	PutOpen    float64 `parquet:"put_open"`
	Underlying float64 `parquet:"underlying"`
	RecordedAt int64   `parquet:"recorded_at,timestamp(millisecond)"` // Unix ms
}

// QuoteRecord is the Parquet schema for a premium observed during a cycle.
type QuoteRecord struct {
	Symbol     string  `parquet:"symbol"`
	Underlying string  `parquet:"underlying"`
	OptionType string  `parquet:"option_type"`
	Strike     float64 `parquet:"strike"`
	Expiration string  `parquet:"expiration"`
	Premium    float64 `parquet:"premium"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// ---------------------------------------------------------------------------
// Open prices
// ---------------------------------------------------------------------------

// SaveOpens merges records into the file for date. Records for tickers
// already present are replaced.
//
//	<DataDir>/options/opens/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) SaveOpens(_ context.Context, date string, records []domain.OpenPriceRecord) error {
	if len(records) == 0 {
		return nil
	}
	incoming := make([]OpenRecord, 0, len(records))
	for _, r := range records {
		incoming = append(incoming, OpenRecord{
			Ticker:     r.Ticker,
			Date:       date,
			Strike:     r.Strike,
			Expiration: r.Expiration,
			CallSymbol: r.CallSymbol,
			CallOpen:   r.CallOpen,
			PutSymbol:  r.PutSymbol,
			PutOpen:    r.PutOpen,
			Underlying: r.Underlying,
			RecordedAt: r.RecordedAt.UnixMilli(),
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := a.opensPath(date)
	existing, err := readParquetFile[OpenRecord](path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading opens for %s: %w", date, err)
	}
	if err := writeParquetFile(path, mergeOpenRecords(existing, incoming)); err != nil {
		return fmt.Errorf("writing opens for %s: %w", date, err)
	}
	return nil
}

// LoadOpens reads the open-price records archived for date.
func (a *ParquetArchive) LoadOpens(_ context.Context, date string) ([]domain.OpenPriceRecord, error) {
	a.mu.Lock()
	records, err := readParquetFile[OpenRecord](a.opensPath(date))
	a.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading opens for %s: %w", date, err)
	}

	out := make([]domain.OpenPriceRecord, 0, len(records))
	for _, r := range records {
		out = append(out, domain.OpenPriceRecord{
			Ticker:     r.Ticker,
			Date:       r.Date,
			Strike:     r.Strike,
			Expiration: r.Expiration,
			CallSymbol: r.CallSymbol,
			CallOpen:   r.CallOpen,
			PutSymbol:  r.PutSymbol,
			PutOpen:    r.PutOpen,
			Underlying: r.Underlying,
			RecordedAt: time.UnixMilli(r.RecordedAt),
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Quote samples
// ---------------------------------------------------------------------------

// AppendQuotes writes samples to Parquet files organized by underlying and
// trading date.
//
//	<DataDir>/options/quotes/<UNDERLYING>/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) AppendQuotes(_ context.Context, samples []domain.QuoteSample) error {
	if len(samples) == 0 {
		return nil
	}

	type key struct {
		underlying string
		date       string
	}
	groups := make(map[key][]QuoteRecord)
	for _, s := range samples {
		k := key{underlying: s.Contract.Underlying, date: s.Timestamp.In(a.loc).Format(domain.DateLayout)}
		groups[k] = append(groups[k], QuoteRecord{
			Symbol:     s.Contract.Symbol,
			Underlying: s.Contract.Underlying,
			OptionType: string(s.Contract.Type),
			Strike:     s.Contract.Strike,
			Expiration: s.Contract.Expiration,
			Premium:    s.Premium,
			Timestamp:  s.Timestamp.UnixMilli(),
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for k, records := range groups {
		path := a.quotesPath(k.underlying, k.date)

		// Read existing records to merge.
		existing, err := readParquetFile[QuoteRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading quotes for %s/%s: %w", k.underlying, k.date, err)
		}
		merged := mergeQuoteRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing quotes for %s/%s: %w", k.underlying, k.date, err)
		}
	}
	return nil
}

// ReadQuotes reads the samples archived for underlying on date, oldest first.
func (a *ParquetArchive) ReadQuotes(_ context.Context, underlying, date string) ([]domain.QuoteSample, error) {
	a.mu.Lock()
	records, err := readParquetFile[QuoteRecord](a.quotesPath(underlying, date))
	a.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading quotes for %s/%s: %w", underlying, date, err)
	}

	out := make([]domain.QuoteSample, 0, len(records))
	for _, r := range records {
		out = append(out, domain.QuoteSample{
			Contract: domain.Contract{
				Symbol:     r.Symbol,
				Underlying: r.Underlying,
				Type:       domain.OptionType(r.OptionType),
				Strike:     r.Strike,
				Expiration: r.Expiration,
			},
			Premium:   r.Premium,
			Timestamp: time.UnixMilli(r.Timestamp),
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

func (a *ParquetArchive) opensPath(date string) string {
	return filepath.Join(a.DataDir, "options", "opens", date+".parquet")
}

func (a *ParquetArchive) quotesPath(underlying, date string) string {
	return filepath.Join(a.DataDir, "options", "quotes", strings.ToUpper(underlying), date+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeOpenRecords deduplicates open records by ticker, preferring incoming
// records over existing ones. Results are sorted by ticker.
func mergeOpenRecords(existing, incoming []OpenRecord) []OpenRecord {
	seen := make(map[string]OpenRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Ticker] = r
	}
	for _, r := range incoming {
		seen[r.Ticker] = r
	}

	merged := make([]OpenRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Ticker < merged[j].Ticker
	})
	return merged
}

// mergeQuoteRecords deduplicates quote records by (symbol, timestamp),
// preferring new records over existing ones. Results are sorted by timestamp.
func mergeQuoteRecords(existing, incoming []QuoteRecord) []QuoteRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]QuoteRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]QuoteRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].Symbol < merged[j].Symbol
	})
	return merged
}
