package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Units is an amount of credit expressed in hundredths of a credit unit.
// All balance arithmetic is integer-only; Units(1250) is "12.50".
type Units int64

// UnitsFromVolume converts a dispensed volume into credit units, rounding
// half-up to two decimal places. Non-positive volumes or unit sizes yield 0.
func UnitsFromVolume(volumeMl, unitMl float64) Units {
	if volumeMl <= 0 || unitMl <= 0 || math.IsNaN(volumeMl) || math.IsNaN(unitMl) {
		return 0
	}
	hundredths := volumeMl / unitMl * 100
	// The small bias absorbs binary representation error so that values
	// which are exactly .5 in decimal round up.
	return Units(math.Floor(hundredths + 0.5 + 1e-9))
}

// VolumeMl returns the volume that u buys at unitMl millilitres per unit.
func (u Units) VolumeMl(unitMl float64) float64 {
	if u <= 0 || unitMl <= 0 {
		return 0
	}
	return float64(u) / 100 * unitMl
}

// Min returns the smaller of u and other.
func (u Units) Min(other Units) Units {
	if other < u {
		return other
	}
	return u
}

// String formats u with exactly two decimals.
func (u Units) String() string {
	sign := ""
	v := int64(u)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// ParseUnits parses a decimal string such as "12", "12.5" or "12.50".
// More than two fractional digits is an error rather than a silent rounding.
func ParseUnits(s string) (Units, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("parse units: empty string")
	}
	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && (len(frac) == 0 || len(frac) > 2) {
		return 0, fmt.Errorf("parse units %q: want at most two decimals", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse units %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse units %q: %w", s, err)
	}
	v := w*100 + f
	if neg {
		v = -v
	}
	return Units(v), nil
}

// MarshalText encodes u as its decimal string so JSON never carries floats
// for balances.
func (u Units) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (u *Units) UnmarshalText(b []byte) error {
	v, err := ParseUnits(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}
