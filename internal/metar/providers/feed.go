package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/metar-aggregation/internal/metar"
)

// DefaultFeedURL is the VATSIM endpoint returning every current METAR in one text blob.
const DefaultFeedURL = "https://metar.vatsim.net/all"

// FeedProvider implements metar.Source on top of a cached bulk feed. Requests are answered
// from memory; the upstream is only hit when the cached feed has expired.
type FeedProvider struct {
	name    string
	url     string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	feed    metar.FeedStore
	logger  *zap.Logger
}

// NewFeedProvider creates a FeedProvider. httpCfg.Timeout bounds each feed download.
func NewFeedProvider(url string, feed metar.FeedStore, httpCfg HTTPClientConfig, logger *zap.Logger) *FeedProvider {
	if url == "" {
		url = DefaultFeedURL
	}
	if httpCfg.Timeout <= 0 {
		httpCfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedProvider{
		name:    "vatsim",
		url:     url,
		httpCfg: httpCfg,
		circuit: newCircuitBreaker("vatsim"),
		feed:    feed,
		logger:  logger,
	}
}

// Name returns the source name used in logs.
func (p *FeedProvider) Name() string {
	return p.name
}

// Priority makes the feed the first source dispatched.
func (p *FeedProvider) Priority() int {
	return 1
}

// Fetch answers from the cached feed, downloading it when expired. A stale feed is served
// when the download fails.
func (p *FeedProvider) Fetch(ctx context.Context, codes []metar.AirportCode) (metar.SourceResult, error) {
	if len(codes) == 0 {
		return metar.SourceResult{}, nil
	}

	feed, err := p.feed.Load(ctx, p.download)
	if err != nil {
		if feed.Empty() {
			return nil, err
		}
		p.logger.Warn("feed refresh failed; serving stale feed",
			zap.Time("fetched_at", feed.FetchedAt),
			zap.Error(err),
		)
	}

	return ParseFeed(feed.Text, codes), nil
}

// Warm refreshes the cached feed ahead of requests.
func (p *FeedProvider) Warm(ctx context.Context) error {
	feed, err := p.feed.Refresh(ctx, p.download)
	if err != nil {
		return err
	}
	p.logger.Debug("feed refreshed", zap.Int("bytes", len(feed.Text)))
	return nil
}

// download fetches the raw feed from upstream.
func (p *FeedProvider) download(ctx context.Context) (string, error) {
	ctx, cancel := fetchWithTimeout(ctx, p.httpCfg)
	defer cancel()

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, func(ctx context.Context) (*http.Request, error) {
		return newRequest(ctx, p.url)
	})
	if err != nil {
		return "", upstreamError(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s: status %d", metar.ErrUpstreamUnavailable, p.name, resp.StatusCode)
	}

	text, err := readBody(resp, maxFeedBodyBytes)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s: empty feed", metar.ErrUpstreamMalformed, p.name)
	}

	p.logger.Info("feed downloaded", zap.Int("bytes", len(text)))
	return text, nil
}

// ParseFeed scans a bulk feed once for lines starting with a requested code, optionally
// preceded by "METAR " or "SPECI ". Matching is case-sensitive and stops as soon as every
// code has been found.
func ParseFeed(text string, codes []metar.AirportCode) metar.SourceResult {
	res := make(metar.SourceResult, len(codes))
	if text == "" || len(codes) == 0 {
		return res
	}

	wanted := make(map[metar.AirportCode]struct{}, len(codes))
	for _, c := range codes {
		wanted[c] = struct{}{}
	}

	for text != "" && len(wanted) > 0 {
		var line string
		line, text, _ = strings.Cut(text, "\n")
		line = strings.TrimSpace(line)

		code, ok := feedLineCode(line)
		if !ok {
			continue
		}
		if _, ok := wanted[code]; !ok {
			continue
		}
		res[code] = metar.Clean(line)
		delete(wanted, code)
	}

	return res
}

// feedLineCode extracts the station code a feed line starts with.
func feedLineCode(line string) (metar.AirportCode, bool) {
	for _, prefix := range []string{"METAR ", "SPECI "} {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			line = rest
			break
		}
	}
	if len(line) < 5 || line[4] != ' ' {
		return "", false
	}
	return metar.AirportCode(line[:4]), true
}

var _ metar.Warmer = (*FeedProvider)(nil)
