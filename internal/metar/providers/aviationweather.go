package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/metar-aggregation/internal/common"
	"github.com/i474232898/metar-aggregation/internal/metar"
)

// DefaultAviationWeatherURL is the aviationweather.gov raw METAR endpoint.
const DefaultAviationWeatherURL = "https://aviationweather.gov/api/data/metar"

// AviationWeatherProvider implements metar.Source for aviationweather.gov. One request
// carries every code; the plain-text answer has one line per code in request order.
type AviationWeatherProvider struct {
	name    string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewAviationWeatherProvider creates the provider; an empty baseURL uses DefaultAviationWeatherURL.
func NewAviationWeatherProvider(baseURL string, httpCfg HTTPClientConfig, logger *zap.Logger) *AviationWeatherProvider {
	if baseURL == "" {
		baseURL = DefaultAviationWeatherURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AviationWeatherProvider{
		name:    "aviationweather",
		baseURL: baseURL,
		httpCfg: httpCfg,
		circuit: newCircuitBreaker("aviationweather"),
		logger:  logger,
	}
}

// Name returns the source name used in logs.
func (p *AviationWeatherProvider) Name() string {
	return p.name
}

// Priority places the provider after the bulk feed.
func (p *AviationWeatherProvider) Priority() int {
	return 2
}

// Fetch requests every code in one call. 204 means no data for any of them.
func (p *AviationWeatherProvider) Fetch(ctx context.Context, codes []metar.AirportCode) (metar.SourceResult, error) {
	if len(codes) == 0 {
		return metar.SourceResult{}, nil
	}

	ctx, cancel := fetchWithTimeout(ctx, p.httpCfg)
	defer cancel()

	// Codes are validated letters, so the comma-joined list needs no escaping.
	u := fmt.Sprintf("%s?ids=%s", p.baseURL, joinCodes(codes))
	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, func(ctx context.Context) (*http.Request, error) {
		return newRequest(ctx, u)
	})
	if err != nil {
		return nil, upstreamError(p.name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		p.logger.Debug("aviationweather returned no content", zap.Int("codes", len(codes)))
		return metar.EmptyResult(codes), nil
	default:
		return nil, fmt.Errorf("%w: %s: status %d", metar.ErrUpstreamUnavailable, p.name, resp.StatusCode)
	}

	body, err := readBody(resp, maxBodyBytes)
	if err != nil {
		return nil, err
	}

	res := parseLineResponse(body, codes)
	if n := countFilled(res); n > 0 {
		p.logger.Info("aviationweather fetch succeeded", zap.Int("airports", n))
	}
	return res, nil
}

// parseLineResponse aligns response lines positionally with the requested codes. Lines
// reporting "not found" and missing lines yield empty text.
func parseLineResponse(body string, codes []metar.AirportCode) metar.SourceResult {
	body = strings.TrimSpace(body)
	if body == "" {
		return metar.EmptyResult(codes)
	}

	lines := strings.Split(body, "\n")
	res := make(metar.SourceResult, len(codes))
	for i, code := range codes {
		if i >= len(lines) {
			res[code] = ""
			continue
		}
		line := strings.TrimSpace(lines[i])
		if line == "" || common.HasAnyFold(line, "not found") {
			res[code] = ""
			continue
		}
		res[code] = metar.Clean(line)
	}
	return res
}

func countFilled(res metar.SourceResult) int {
	n := 0
	for _, v := range res {
		if v != "" {
			n++
		}
	}
	return n
}
