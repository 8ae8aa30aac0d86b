package model

import (
	"strconv"
	"strings"
	"time"
)

// Update is one value flowing from the scaling pipeline into the alarm
// engine. Value is usually a float64 but may be a string when an
// ingested value could not be coerced.
type Update struct {
	Identifier string
	Value      any
	Timestamp  time.Time
}

// Float returns the numeric form of the value.
func (u Update) Float() (float64, bool) { return ToFloat(u.Value) }

// ToFloat coerces numeric kinds, bools and numeric strings to float64.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// RawValue is a decoded but unscaled value entering the scaling pipeline,
// either from a register read or from an ingested payload.
type RawValue struct {
	Identifier string
	Value      any
	// Raw is the register content the value was decoded from. For BIT and
	// POINT sources it is the full 16-bit register.
	Raw           uint32
	Timestamp     time.Time
	TransactionID uint16
}
