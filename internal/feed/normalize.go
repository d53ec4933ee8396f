package feed

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NormalizeSymbol maps vendor and human spellings of a pair to the
// canonical form: uppercase, no separators ("btcusdt", "BTC/USDT",
// "BTC-USDT" all become "BTCUSDT").
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("invalid symbol %q", raw)
		}
	}
	return s, nil
}

// streamName is the subscription name for a canonical symbol.
func streamName(symbol string) string {
	return strings.ToLower(symbol) + "@trade"
}

// ParsePrice converts a wire price string and rejects anything that is
// not a finite positive number. Fail closed: a bad price never reaches
// the simulators.
func ParsePrice(raw string) (float64, error) {
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable price %q: %w", raw, err)
	}
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return 0, fmt.Errorf("invalid price %v", p)
	}
	return p, nil
}
