package helpers

import (
	"fmt"
	"strconv"
	"strings"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

// FormatSats renders a satoshi amount as a BTC decimal string without
// trailing zeros, e.g. 150000 -> "0.0015".
func FormatSats(sats int64) string {
	sign := ""
	if sats < 0 {
		sign = "-"
		sats = -sats
	}
	whole := sats / SatsPerBTC
	frac := sats % SatsPerBTC
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%08d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, fracStr)
}

// ParseBTC parses a BTC decimal string into satoshis. More than eight
// fractional digits is an error rather than silent truncation.
func ParseBTC(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" {
		wholeStr = "0"
	}
	if len(fracStr) > 8 {
		return 0, fmt.Errorf("too many decimal places: %s", s)
	}
	for _, part := range []string{wholeStr, fracStr} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("invalid character in amount: %c", c)
			}
		}
	}
	fracStr += strings.Repeat("0", 8-len(fracStr))

	whole, err := strconv.ParseInt(wholeStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	frac, err := strconv.ParseInt(fracStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if whole > 21_000_000 {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}
	return whole*SatsPerBTC + frac, nil
}
