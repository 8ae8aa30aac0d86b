package modbus

import (
	"errors"
	"fmt"
	"strings"

	mb "github.com/goburrow/modbus"
)

var (
	// ErrNotConnected is returned for requests issued while the link is
	// not in the Connected state.
	ErrNotConnected = errors.New("modbus: link not connected")
	// ErrLinkClosed resolves every pending waiter when the link is closed.
	ErrLinkClosed = errors.New("modbus: link closed")
	// ErrNoTransactionID means all 65535 transaction ids are pending.
	ErrNoTransactionID = errors.New("modbus: no free transaction id")
)

// ExceptionCode is a Modbus exception code carried by a response whose
// function code has the high bit set.
type ExceptionCode byte

const (
	IllegalFunction              ExceptionCode = mb.ExceptionCodeIllegalFunction
	IllegalDataAddress           ExceptionCode = mb.ExceptionCodeIllegalDataAddress
	IllegalDataValue             ExceptionCode = mb.ExceptionCodeIllegalDataValue
	SlaveDeviceFailure           ExceptionCode = mb.ExceptionCodeServerDeviceFailure
	Acknowledge                  ExceptionCode = mb.ExceptionCodeAcknowledge
	SlaveDeviceBusy              ExceptionCode = mb.ExceptionCodeServerDeviceBusy
	MemoryParityError            ExceptionCode = mb.ExceptionCodeMemoryParityError
	GatewayPathUnavailable       ExceptionCode = mb.ExceptionCodeGatewayPathUnavailable
	GatewayTargetFailedToRespond ExceptionCode = mb.ExceptionCodeGatewayTargetDeviceFailedToRespond
)

func (c ExceptionCode) String() string {
	switch c {
	case IllegalFunction:
		return "IllegalFunction"
	case IllegalDataAddress:
		return "IllegalDataAddress"
	case IllegalDataValue:
		return "IllegalDataValue"
	case SlaveDeviceFailure:
		return "SlaveDeviceFailure"
	case Acknowledge:
		return "Acknowledge"
	case SlaveDeviceBusy:
		return "SlaveDeviceBusy"
	case MemoryParityError:
		return "MemoryParityError"
	case GatewayPathUnavailable:
		return "GatewayPathUnavailable"
	case GatewayTargetFailedToRespond:
		return "GatewayTargetFailedToRespond"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(c))
	}
}

// Known reports whether c is one of the standard exception codes.
func (c ExceptionCode) Known() bool {
	return !strings.HasPrefix(c.String(), "Unknown(")
}

// ModbusException is an exception response matched to a transaction.
type ModbusException struct {
	TransactionID uint16
	FunctionCode  byte
	Code          ExceptionCode
}

func (e *ModbusException) Error() string {
	return fmt.Sprintf("modbus: exception %s (fc=0x%02x tid=%d)", e.Code, e.FunctionCode, e.TransactionID)
}

// Unwrap exposes the exception in goburrow's representation so callers
// sharing code with goburrow clients can match either.
func (e *ModbusException) Unwrap() error {
	return &mb.ModbusError{FunctionCode: e.FunctionCode | 0x80, ExceptionCode: byte(e.Code)}
}

// FrameError reports a malformed or truncated ADU.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string { return "modbus: bad frame: " + e.Reason }

func frameErrorf(format string, args ...any) error {
	return &FrameError{Reason: fmt.Sprintf(format, args...)}
}

// ConnectionError is a transport failure: refused, reset or dial timeout.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("modbus: %s: %v", e.Op, e.Err) }

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is a per-operation response timeout.
type TimeoutError struct {
	Op            string
	TransactionID uint16
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("modbus: %s timed out (tid=%d)", e.Op, e.TransactionID)
}

// Timeout lets TimeoutError satisfy net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// IsException reports whether err carries a Modbus exception with code.
func IsException(err error, code ExceptionCode) bool {
	var me *ModbusException
	return errors.As(err, &me) && me.Code == code
}
