package util

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a human readable size such as "64KiB", "1G" or "4096".
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	size, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return size, nil
}

// FormatSize renders a byte count with IEC units.
func FormatSize(n uint64) string {
	return humanize.IBytes(n)
}
