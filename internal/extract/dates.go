package extract

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stg-circuits/specdex/internal/hashing"
)

// dateFormats are tried in order. The set covers every form observed in
// historical questionnaires. Ambiguous slash dates resolve month-first
// (the templates that use slashes come from US-order sources); dotted
// dates resolve day-first.
var dateFormats = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"02/01/2006",
	"2006.01.02",
	"02.01.2006",
	"01-02-06",
}

// ParseDate parses a date cell. Full-width digits are folded to ASCII and
// date ranges ("04/09/2023 / 29/09/2023") collapse to their first date.
func ParseDate(s string) (time.Time, error) {
	cleaned := hashing.Normalize(s)
	if cleaned == "" {
		return time.Time{}, eris.New("extract: empty date")
	}

	if i := strings.Index(cleaned, " / "); i >= 0 {
		cleaned = strings.TrimSpace(cleaned[:i])
	} else if parts := strings.Split(cleaned, "/"); len(parts) > 3 {
		cleaned = strings.Join(parts[:3], "/")
	}

	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("extract: unparseable date %q", s)
}
