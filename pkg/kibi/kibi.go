// Package kibi formats and parses byte sizes with binary (1024) multiples,
// such as the image size limits in our config file.
package kibi

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidByteSize = errors.New("invalid byte size")

var sizeRegex = regexp.MustCompile(`^(\d+)\s*([a-z]*)$`)

var units = []string{"bytes", "KB", "MB", "GB", "TB", "PB"}

// Multipliers of the suffixes that ParseBytes understands
var suffixes = map[string]int64{
	"":      1,
	"b":     1,
	"bytes": 1,
	"k":     1 << 10,
	"kb":    1 << 10,
	"m":     1 << 20,
	"mb":    1 << 20,
	"g":     1 << 30,
	"gb":    1 << 30,
	"t":     1 << 40,
	"tb":    1 << 40,
	"p":     1 << 50,
	"pb":    1 << 50,
}

// FormatBytes rounds down to the largest whole unit, eg "35 MB"
func FormatBytes(b int64) string {
	unit := 0
	for unit < len(units)-1 && b >= 1024 {
		b /= 1024
		unit++
	}
	return fmt.Sprintf("%v %v", b, units[unit])
}

// ParseBytes accepts an integer with an optional suffix, eg "50", "50 kb", "50M", "1 GB"
func ParseBytes(v string) (int64, error) {
	m := sizeRegex.FindStringSubmatch(strings.ToLower(strings.TrimSpace(v)))
	if m == nil {
		return 0, fmt.Errorf("%w '%v'", ErrInvalidByteSize, v)
	}
	multiplier, ok := suffixes[m[2]]
	if !ok {
		return 0, fmt.Errorf("%w '%v': unknown suffix '%v'", ErrInvalidByteSize, v, m[2])
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w '%v': %w", ErrInvalidByteSize, v, err)
	}
	return n * multiplier, nil
}
