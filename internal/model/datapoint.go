package model

import (
	"strings"
	"time"
)

// Format selects how the registers of a data point are decoded.
type Format string

const (
	FormatBit     Format = "BIT"
	FormatInt16   Format = "INT16"
	FormatUint16  Format = "UINT16"
	FormatInt32   Format = "INT32"
	FormatUint32  Format = "UINT32"
	FormatFloat32 Format = "FLOAT32"
	// FormatPoint is a virtual point: one bit extracted from another
	// point's raw register value.
	FormatPoint Format = "POINT"
)

// ParseFormat normalizes s and reports whether it names a known format.
func ParseFormat(s string) (Format, bool) {
	f := Format(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case FormatBit, FormatInt16, FormatUint16, FormatInt32, FormatUint32, FormatFloat32, FormatPoint:
		return f, true
	}
	return f, false
}

// Quantity is the number of registers read for one value.
func (f Format) Quantity() uint16 {
	switch f {
	case FormatInt32, FormatUint32, FormatFloat32:
		return 2
	default:
		return 1
	}
}

// BitLike reports whether values of this format are single bits.
func (f Format) BitLike() bool { return f == FormatBit || f == FormatPoint }

// DataPointDefinition describes one configured data point.
type DataPointDefinition struct {
	ID           string
	Name         string
	Address      uint16
	FunctionCode uint8
	Format       Format
	// BitPosition is nil unless Format is BIT or POINT.
	BitPosition   *uint8
	Scale         float64
	Unit          string
	AlarmEnabled  bool
	AlarmContent  string
	LowLevelAlarm bool
	// Source references the definition a POINT extracts its bit from.
	Source string
}

// Bit returns the configured bit position or 0.
func (d DataPointDefinition) Bit() uint8 {
	if d.BitPosition == nil {
		return 0
	}
	return *d.BitPosition
}

// ScaleFactor returns Scale, defaulting to 1 when unset.
func (d DataPointDefinition) ScaleFactor() float64 {
	if d.Scale == 0 {
		return 1
	}
	return d.Scale
}

// DisplayName falls back to the identifier when no name is configured.
func (d DataPointDefinition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// DataPointValue is the latest decoded value of a data point.
type DataPointValue struct {
	ID        string    `json:"id"`
	Value     float64   `json:"value"`
	Raw       uint32    `json:"raw"`
	Binary    string    `json:"binary,omitempty"`
	Formatted string    `json:"formatted"`
	Timestamp time.Time `json:"timestamp"`

	Previous          *float64  `json:"previous,omitempty"`
	PreviousTimestamp time.Time `json:"previous_timestamp,omitempty"`
	TransactionID     uint16    `json:"transaction_id"`
}
