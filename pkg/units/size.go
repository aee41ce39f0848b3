// Package units parses and prints byte sizes such as "32MiB" or "1.5 KB"
package units

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	KiB int64 = 1 << (10 * (iota + 1))
	MiB
	GiB
	TiB
)

// Decimal units are powers of 1000; single letters and the i-forms are
// powers of 1024.
var multipliers = map[string]int64{
	"":   1,
	"B":  1,
	"KB": 1000, "MB": 1000 * 1000, "GB": 1000 * 1000 * 1000, "TB": 1000 * 1000 * 1000 * 1000,
	"K": KiB, "KIB": KiB,
	"M": MiB, "MIB": MiB,
	"G": GiB, "GIB": GiB,
	"T": TiB, "TIB": TiB,
}

// ParseSize returns the number of bytes in s. Units are case insensitive
// and may be separated from the number by spaces.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	i := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) && r != '.' })
	num, unit := s, ""
	if i >= 0 {
		num, unit = s[:i], strings.ToUpper(strings.TrimSpace(s[i:]))
	}
	if num == "" {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	mult, ok := multipliers[unit]
	if !ok {
		return 0, fmt.Errorf("unknown unit in %q", s)
	}
	if n, err := strconv.ParseInt(num, 10, 64); err == nil {
		return n * mult, nil
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(f * float64(mult)), nil
}

// FormatSize prints n in the largest binary unit that keeps it at least 1
func FormatSize(n int64) string {
	if n < 0 {
		return "invalid"
	}
	if n < KiB {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB", "TB"}
	div, exp := KiB, 0
	for n/div >= 1024 && exp < len(units)-1 {
		div *= 1024
		exp++
	}
	v := float64(n) / float64(div)
	switch {
	case v == float64(int64(v)):
		return fmt.Sprintf("%.0f %s", v, units[exp])
	case v*10 == float64(int64(v*10)):
		return fmt.Sprintf("%.1f %s", v, units[exp])
	}
	return fmt.Sprintf("%.2f %s", v, units[exp])
}
