package metar

import (
	"fmt"
	"regexp"
	"strings"
)

var airportCodePattern = regexp.MustCompile(`^[A-Z]{4}$`)

// NormalizeCodes turns raw path input ("zsss" or "ZSSS,zbaa") into unique upper-case codes,
// keeping the order of first occurrence. Any malformed element rejects the whole input.
func NormalizeCodes(raw string) ([]AirportCode, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: no airport codes provided", ErrInvalidAirportCode)
	}

	parts := strings.Split(strings.ToUpper(raw), ",")
	codes := make([]AirportCode, 0, len(parts))
	seen := make(map[AirportCode]struct{}, len(parts))

	for _, p := range parts {
		if !airportCodePattern.MatchString(p) {
			if len(parts) > 1 {
				return nil, fmt.Errorf("%w list: %s", ErrInvalidAirportCode, raw)
			}
			return nil, fmt.Errorf("%w: %s", ErrInvalidAirportCode, raw)
		}

		code := AirportCode(p)
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	return codes, nil
}
