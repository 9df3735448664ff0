package store

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/i474232898/metar-aggregation/internal/metar"
)

const (
	// DefaultFeedTTL is how long a downloaded bulk feed is considered fresh.
	DefaultFeedTTL = time.Minute

	feedFlightKey = "feed"
)

// FeedCache holds at most one bulk feed. Concurrent misses share a single upstream fetch.
type FeedCache struct {
	mu   sync.Mutex
	feed metar.BulkFeed

	ttl   time.Duration
	clock clock.PassiveClock

	group singleflight.Group
}

// NewFeedCache creates a FeedCache. A non-positive ttl falls back to DefaultFeedTTL and a nil
// clock to the wall clock.
func NewFeedCache(ttl time.Duration, clk clock.PassiveClock) *FeedCache {
	if ttl <= 0 {
		ttl = DefaultFeedTTL
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &FeedCache{
		ttl:   ttl,
		clock: clk,
	}
}

// Get returns the feed if it is still fresh.
func (c *FeedCache) Get() (metar.BulkFeed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.feed.Empty() || c.clock.Since(c.feed.FetchedAt) >= c.ttl {
		return metar.BulkFeed{}, false
	}
	return c.feed, true
}

// Load returns the fresh feed or fetches a new one. When the fetch fails the previous feed,
// however old, is returned alongside the error.
func (c *FeedCache) Load(ctx context.Context, fetch metar.FeedFetchFunc) (metar.BulkFeed, error) {
	if feed, ok := c.Get(); ok {
		return feed, nil
	}
	return c.Refresh(ctx, fetch)
}

// Refresh fetches a new feed regardless of the cached one's age. Failure semantics match Load.
func (c *FeedCache) Refresh(ctx context.Context, fetch metar.FeedFetchFunc) (metar.BulkFeed, error) {
	// The shared fetch outlives any single caller; fetch applies its own timeout.
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(feedFlightKey, func() (interface{}, error) {
		text, err := fetch(detached)
		if err != nil {
			return nil, err
		}
		if text != "" {
			c.store(text)
		}
		return nil, nil
	})

	select {
	case res := <-ch:
		return c.current(), res.Err
	case <-ctx.Done():
		return c.current(), ctx.Err()
	}
}

func (c *FeedCache) store(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.feed = metar.BulkFeed{
		Text:      text,
		FetchedAt: c.clock.Now(),
	}
}

func (c *FeedCache) current() metar.BulkFeed {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.feed
}

// Present reports whether any feed, fresh or stale, is held.
func (c *FeedCache) Present() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.feed.Empty()
}

// Clear drops the held feed.
func (c *FeedCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.feed = metar.BulkFeed{}
}
