package metar

import (
	"errors"
	"time"
)

var (
	// ErrInvalidAirportCode is returned when request input is not a 4-letter code or a
	// comma-separated list of them.
	ErrInvalidAirportCode = errors.New("invalid airport code")

	// ErrUpstreamUnavailable covers transport failures, timeouts and unexpected statuses.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamMalformed is returned when an upstream body does not have the expected shape.
	ErrUpstreamMalformed = errors.New("upstream response malformed")
)

// AirportCode is a canonical (upper-case, 4-letter) ICAO airport identifier.
type AirportCode string

func (c AirportCode) String() string {
	return string(c)
}

// Record is a cleaned METAR report for one airport together with the time it was acquired.
type Record struct {
	Code       AirportCode
	Text       string
	AcquiredAt time.Time
}

// BulkFeed is the raw multi-airport text returned by a bulk feed source.
type BulkFeed struct {
	Text      string
	FetchedAt time.Time
}

// Empty reports whether the feed carries no data.
func (f BulkFeed) Empty() bool {
	return f.Text == ""
}

// SourceResult maps airport codes to cleaned report text for a single source invocation.
// A missing key or an empty value means the source had no data for that code.
type SourceResult map[AirportCode]string

// EmptyResult is the result a source returns when the upstream answered but had no reports.
func EmptyResult(codes []AirportCode) SourceResult {
	res := make(SourceResult, len(codes))
	for _, c := range codes {
		res[c] = ""
	}
	return res
}

// CacheStats is a read-only snapshot of cache occupancy.
type CacheStats struct {
	Entries     int  `json:"cache_size"`
	FeedPresent bool `json:"feed_present"`
}
