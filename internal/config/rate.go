package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseRate converts a bandwidth string to bytes per second. Rates ending in "bps" are
// bits per second ("1Mbps", "512kbps"); rates ending in "/s" are bytes per second
// ("2MB/s", "64KiB/s").
func ParseRate(s string) (uint64, error) {
	v := strings.TrimSpace(s)
	lower := strings.ToLower(v)

	switch {
	case strings.HasSuffix(lower, "bps"):
		bits, err := humanize.ParseBytes(strings.TrimSpace(v[:len(v)-3]))
		if err != nil {
			return 0, fmt.Errorf("unexpected rate format %q: %w", s, err)
		}

		return bits / 8, nil
	case strings.HasSuffix(lower, "/s"):
		n, err := humanize.ParseBytes(strings.TrimSpace(v[:len(v)-2]))
		if err != nil {
			return 0, fmt.Errorf("unexpected rate format %q: %w", s, err)
		}

		return n, nil
	default:
		return 0, fmt.Errorf("unexpected rate format %q: missing bps or /s unit", s)
	}
}

// FormatRate renders bytes per second for logs.
func FormatRate(bytesPerSecond uint64) string {
	return humanize.Bytes(bytesPerSecond) + "/s"
}
