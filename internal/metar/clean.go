package metar

import "strings"

// reportPrefixes are checked in order; the first match is stripped.
var reportPrefixes = []string{"METAR ", "TAF ", "SPECI "}

// Clean strips a leading report-type prefix and trailing "=" terminators from raw upstream
// text so cached values look the same whichever source produced them.
func Clean(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return text
	}

	for _, prefix := range reportPrefixes {
		if strings.HasPrefix(text, prefix) {
			text = text[len(prefix):]
			break
		}
	}

	return strings.TrimSpace(strings.TrimRight(text, "= "))
}
