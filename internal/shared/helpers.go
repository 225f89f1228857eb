package shared

import (
	"fmt"
	"strings"
	"time"
)

// FormatTsCode appends the exchange suffix to a bare symbol:
// 60/68 -> Shanghai, 00/30 -> Shenzhen, everything else Beijing.
func FormatTsCode(code string) string {
	code = strings.TrimSpace(code)
	if strings.Contains(code, ".") {
		return code
	}

	switch {
	case strings.HasPrefix(code, "60"), strings.HasPrefix(code, "68"):
		return code + ".SH"
	case strings.HasPrefix(code, "00"), strings.HasPrefix(code, "30"):
		return code + ".SZ"
	default:
		return code + ".BJ"
	}
}

// StripTsSuffix returns the bare symbol the upstream API expects.
func StripTsSuffix(tsCode string) string {
	if i := strings.Index(tsCode, "."); i >= 0 {
		return tsCode[:i]
	}
	return tsCode
}

// NormalizeDate accepts YYYYMMDD or YYYY-MM-DD and returns YYYYMMDD.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}

	for _, layout := range []string{"20060102", "2006-01-02", "2006/01/02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("20060102"), nil
		}
	}
	return "", fmt.Errorf("unrecognized date: %q", s)
}

func Today() string {
	return time.Now().Format("20060102")
}
