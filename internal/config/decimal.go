package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Decimal is a monetary or percentage value decoded from TOML. It accepts
// strings ("0.1"), integers and floats; floats are converted through their
// shortest decimal representation so 0.1 stays exactly 0.1.
type Decimal struct {
	decimal.Decimal
}

// UnmarshalTOML implements toml.Unmarshaler.
func (d *Decimal) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case string:
		return d.UnmarshalText([]byte(x))
	case int64:
		d.Decimal = decimal.NewFromInt(x)
		return nil
	case float64:
		parsed, err := decimal.NewFromString(strconv.FormatFloat(x, 'f', -1, 64))
		if err != nil {
			return err
		}
		d.Decimal = parsed
		return nil
	default:
		return fmt.Errorf("cannot decode %T as decimal", v)
	}
}

// UnmarshalText parses a decimal string; it is also used for env overrides.
func (d *Decimal) UnmarshalText(text []byte) error {
	parsed, err := decimal.NewFromString(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", string(text), err)
	}
	d.Decimal = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.Decimal.String()), nil
}

func mustDecimal(s string) Decimal {
	return Decimal{decimal.RequireFromString(s)}
}
