package engine

import (
	"sort"
	"sync"

	"optbot/internal/domain"
)

type cacheKey struct {
	ticker string
	date   string
}

// OpenPriceCache holds the opening premiums recorded per (ticker, trading
// date). It is safe for concurrent use.
type OpenPriceCache struct {
	mu      sync.RWMutex
	records map[cacheKey]domain.OpenPriceRecord
}

// NewOpenPriceCache creates an empty cache.
func NewOpenPriceCache() *OpenPriceCache {
	return &OpenPriceCache{records: make(map[cacheKey]domain.OpenPriceRecord)}
}

// Record stores rec under (rec.Ticker, rec.Date), replacing any previous
// record for the same key.
func (c *OpenPriceCache) Record(rec domain.OpenPriceRecord) {
	c.mu.Lock()
	c.records[cacheKey{rec.Ticker, rec.Date}] = rec
	c.mu.Unlock()
}

// Get returns the record for ticker on date. A missing record is a normal
// condition before day start or after a failed resolution.
func (c *OpenPriceCache) Get(ticker, date string) (domain.OpenPriceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[cacheKey{ticker, date}]
	return rec, ok
}

// ClearBefore drops every record dated before date (YYYY-MM-DD).
func (c *OpenPriceCache) ClearBefore(date string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.records {
		if k.date < date {
			delete(c.records, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached records.
func (c *OpenPriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Records returns the records for date ordered by ticker.
func (c *OpenPriceCache) Records(date string) []domain.OpenPriceRecord {
	c.mu.RLock()
	var out []domain.OpenPriceRecord
	for k, rec := range c.records {
		if k.date == date {
			out = append(out, rec)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}
