package registry

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

var errShortRegisters = errors.New("insufficient registers")

// Decode converts the registers read for a point into its numeric value and
// the raw register content. 32-bit formats take the high register first.
// Unknown formats decode as UINT16 of the first register.
func Decode(format model.Format, bit uint8, regs []uint16) (float64, uint32, error) {
	if len(regs) < 1 {
		return 0, 0, errShortRegisters
	}
	switch format {
	case model.FormatBit, model.FormatPoint:
		raw := uint32(regs[0])
		return float64((raw >> bit) & 1), raw, nil
	case model.FormatInt16:
		return float64(int16(regs[0])), uint32(regs[0]), nil
	case model.FormatUint16:
		return float64(regs[0]), uint32(regs[0]), nil
	case model.FormatInt32, model.FormatUint32, model.FormatFloat32:
		if len(regs) < 2 {
			return 0, 0, fmt.Errorf("%s: %w", format, errShortRegisters)
		}
		raw := uint32(regs[0])<<16 | uint32(regs[1])
		switch format {
		case model.FormatInt32:
			return float64(int32(raw)), raw, nil
		case model.FormatUint32:
			return float64(raw), raw, nil
		default:
			return float64(math.Float32frombits(raw)), raw, nil
		}
	default:
		return float64(regs[0]), uint32(regs[0]), nil
	}
}

// Encode is the inverse of Decode, producing the registers for value.
func Encode(format model.Format, bit uint8, value float64) []uint16 {
	switch format {
	case model.FormatBit, model.FormatPoint:
		if value != 0 {
			return []uint16{1 << bit}
		}
		return []uint16{0}
	case model.FormatInt16:
		return []uint16{uint16(int16(value))}
	case model.FormatInt32:
		return split32(uint32(int32(value)))
	case model.FormatUint32:
		return split32(uint32(value))
	case model.FormatFloat32:
		return split32(math.Float32bits(float32(value)))
	default:
		return []uint16{uint16(value)}
	}
}

func split32(u uint32) []uint16 { return []uint16{uint16(u >> 16), uint16(u)} }

// FormatValue renders an already scaled value for display. FLOAT32 uses two
// decimals; the unit is appended after a space.
func FormatValue(format model.Format, scaled float64, unit string) string {
	var s string
	if format == model.FormatFloat32 {
		s = strconv.FormatFloat(scaled, 'f', 2, 64)
	} else {
		s = strconv.FormatFloat(scaled, 'f', -1, 64)
	}
	if unit != "" {
		s += " " + unit
	}
	return s
}

// BinaryString is the 16-bit display form of a register.
func BinaryString(raw uint16) string { return fmt.Sprintf("%016b", raw) }
