package metar

import (
	"context"
)

// Source abstracts an upstream METAR provider (bulk feed, aviationweather.gov, apocfly.com).
// Fetch returns the reports it found for the requested codes; a returned error means the
// source contributed nothing to this request.
type Source interface {
	Name() string
	Priority() int
	Fetch(ctx context.Context, codes []AirportCode) (SourceResult, error)
}

// Warmer is implemented by sources that can prefetch their data ahead of requests.
type Warmer interface {
	Warm(ctx context.Context) error
}

// Cache is the contract for the per-airport report cache.
type Cache interface {
	Get(code AirportCode) (string, bool)
	Set(code AirportCode, text string)
	Clear()
	Len() int
}

// Pruner is implemented by caches that can drop expired entries in bulk.
type Pruner interface {
	Prune() int
}

// FeedFetchFunc downloads a fresh copy of a bulk feed.
type FeedFetchFunc func(ctx context.Context) (string, error)

// FeedStore holds the most recent bulk feed. Load returns the cached feed while it is fresh
// and fetches otherwise; when the fetch fails the previous feed (possibly empty) is returned
// together with the error.
type FeedStore interface {
	Load(ctx context.Context, fetch FeedFetchFunc) (BulkFeed, error)
	Refresh(ctx context.Context, fetch FeedFetchFunc) (BulkFeed, error)
	Present() bool
	Clear()
}
