package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/metar-aggregation/internal/metar"
)

// DefaultApocflyURL is the apocfly.com METAR endpoint.
const DefaultApocflyURL = "https://www.apocfly.com/api/metar"

const apocflySuccessCode = "GET_METAR"

// ApocflyProvider implements metar.Source for apocfly.com, which answers with a JSON
// envelope whose data array is aligned with the requested codes.
type ApocflyProvider struct {
	name    string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewApocflyProvider creates the provider; an empty baseURL uses DefaultApocflyURL.
func NewApocflyProvider(baseURL string, httpCfg HTTPClientConfig, logger *zap.Logger) *ApocflyProvider {
	if baseURL == "" {
		baseURL = DefaultApocflyURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApocflyProvider{
		name:    "apocfly",
		baseURL: baseURL,
		httpCfg: httpCfg,
		circuit: newCircuitBreaker("apocfly"),
		logger:  logger,
	}
}

// Name returns the source name used in logs.
func (p *ApocflyProvider) Name() string {
	return p.name
}

// Priority makes apocfly the last source dispatched.
func (p *ApocflyProvider) Priority() int {
	return 3
}

// Fetch requests every code in one call. 404 means no data for any of them.
func (p *ApocflyProvider) Fetch(ctx context.Context, codes []metar.AirportCode) (metar.SourceResult, error) {
	if len(codes) == 0 {
		return metar.SourceResult{}, nil
	}

	ctx, cancel := fetchWithTimeout(ctx, p.httpCfg)
	defer cancel()

	u := fmt.Sprintf("%s?icao=%s", p.baseURL, joinCodes(codes))
	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, func(ctx context.Context) (*http.Request, error) {
		return newRequest(ctx, u)
	})
	if err != nil {
		return nil, upstreamError(p.name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		p.logger.Debug("apocfly returned not found", zap.Int("codes", len(codes)))
		return metar.EmptyResult(codes), nil
	default:
		return nil, fmt.Errorf("%w: %s: status %d", metar.ErrUpstreamUnavailable, p.name, resp.StatusCode)
	}

	body, err := readBody(resp, maxBodyBytes)
	if err != nil {
		return nil, err
	}

	res, err := parseApocflyEnvelope([]byte(body), codes)
	if err != nil {
		return nil, err
	}

	if n := countFilled(res); n > 0 {
		p.logger.Info("apocfly fetch succeeded", zap.Int("airports", n))
	}
	return res, nil
}

func parseApocflyEnvelope(body []byte, codes []metar.AirportCode) (metar.SourceResult, error) {
	var payload struct {
		Code string    `json:"code"`
		Data []*string `json:"data"`
	}

	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: apocfly: %v", metar.ErrUpstreamMalformed, err)
	}
	if payload.Code != apocflySuccessCode || len(payload.Data) == 0 {
		return nil, fmt.Errorf("%w: apocfly: unexpected envelope code %q with %d entries",
			metar.ErrUpstreamMalformed, payload.Code, len(payload.Data))
	}

	res := make(metar.SourceResult, len(codes))
	for i, code := range codes {
		if i < len(payload.Data) && payload.Data[i] != nil {
			res[code] = metar.Clean(*payload.Data[i])
			continue
		}
		res[code] = ""
	}
	return res, nil
}
