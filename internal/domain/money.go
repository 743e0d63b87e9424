package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Cents is a currency amount in hundredths of a unit. All arithmetic and
// settlement comparisons happen on this integer representation so that a
// schedule totalling exactly zero reads as exactly zero.
type Cents int64

// ParseCents reads a decimal currency string ("1500", "1500.5", "1500.50").
// More than two fraction digits are accepted only when the excess digits are
// zero; anything else is a precision loss and is rejected.
func ParseCents(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("parse amount: empty value")
	}

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}

	whole := s
	frac := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole, frac = s[:idx], s[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}

	var hundredths int64
	switch {
	case frac == "":
	case len(frac) == 1:
		d, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse amount %q: %w", s, err)
		}
		hundredths = d * 10
	default:
		if rest := strings.TrimRight(frac[2:], "0"); rest != "" {
			return 0, fmt.Errorf("parse amount %q: more than two decimal places", s)
		}
		d, err := strconv.ParseInt(frac[:2], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse amount %q: %w", s, err)
		}
		hundredths = d
	}

	total := units*100 + hundredths
	if negative {
		total = -total
	}
	return Cents(total), nil
}

// String renders the amount with a fixed two-decimal representation.
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON encodes the amount as a plain decimal number, matching the
// wire format of the collections server.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted decimal string.
func (c *Cents) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	if raw == "null" {
		*c = 0
		return nil
	}
	parsed, err := ParseCents(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
