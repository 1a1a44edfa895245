package agg

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

/*
 * Declarative window syntax.
 *
 * Two accepted forms:
 *   - last_<n><unit>: last_7d, last_5h, last_90m, last_30s
 *   - bare duration:  "5h", "90m", "1h30m" (time.ParseDuration, plus a
 *     d suffix for whole days, which ParseDuration does not accept)
 *
 * Windows are durations, not calendar ranges; the absolute interval is
 * always [asOf-window, asOf) so results never include the current instant.
 */

// ParseWindow translates declarative window syntax into a duration.
func ParseWindow(s string) (time.Duration, error) {
	raw := strings.TrimSpace(strings.ToLower(s))
	if raw == "" {
		return 0, fmt.Errorf("empty window")
	}
	raw = strings.TrimPrefix(raw, "last_")

	// Day suffix: whole days only, not understood by ParseDuration
	if strings.HasSuffix(raw, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window %q must be positive", s)
	}
	return d, nil
}

// FormatWindow renders a duration in the compact declarative form used in
// cache keys and trace output.
func FormatWindow(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	return d.String()
}
