package store

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/i474232898/metar-aggregation/internal/metar"
)

const (
	// DefaultMetarTTL is how long a cleaned report is served from memory.
	DefaultMetarTTL = 5 * time.Minute
)

// MetarCache is a concurrency-safe in-memory cache of cleaned METAR reports keyed by airport.
// Expired entries are evicted lazily on read, or in bulk by Prune.
type MetarCache struct {
	mu sync.Mutex

	// key: airport code
	data map[metar.AirportCode]metar.Record

	ttl   time.Duration
	clock clock.PassiveClock
}

// NewMetarCache creates a MetarCache. A non-positive ttl falls back to DefaultMetarTTL and a
// nil clock to the wall clock.
func NewMetarCache(ttl time.Duration, clk clock.PassiveClock) *MetarCache {
	if ttl <= 0 {
		ttl = DefaultMetarTTL
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MetarCache{
		data:  make(map[metar.AirportCode]metar.Record),
		ttl:   ttl,
		clock: clk,
	}
}

// Get returns the cached report for code if it is younger than the TTL.
func (c *MetarCache) Get(code metar.AirportCode) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.data[code]
	if !ok {
		return "", false
	}
	if c.clock.Since(rec.AcquiredAt) >= c.ttl {
		delete(c.data, code)
		return "", false
	}
	return rec.Text, true
}

// Set stores text for code. Empty text is ignored so "no data" is never cached.
func (c *MetarCache) Set(code metar.AirportCode, text string) {
	if text == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[code] = metar.Record{
		Code:       code,
		Text:       text,
		AcquiredAt: c.clock.Now(),
	}
}

// Clear removes every entry.
func (c *MetarCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[metar.AirportCode]metar.Record)
}

// Len returns the number of stored entries, including ones that expired but were not yet
// evicted.
func (c *MetarCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.data)
}

// Prune evicts every expired entry and returns how many were removed.
func (c *MetarCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-c.ttl)
	evicted := 0
	for code, rec := range c.data {
		if !rec.AcquiredAt.After(cutoff) {
			delete(c.data, code)
			evicted++
		}
	}
	return evicted
}
