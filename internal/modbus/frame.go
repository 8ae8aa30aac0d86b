package modbus

import (
	"encoding/binary"
	"fmt"
	"io"

	mb "github.com/goburrow/modbus"
)

const (
	FuncReadHoldingRegisters   byte = mb.FuncCodeReadHoldingRegisters
	FuncReadInputRegisters     byte = mb.FuncCodeReadInputRegisters
	FuncWriteSingleRegister    byte = mb.FuncCodeWriteSingleRegister
	FuncWriteMultipleRegisters byte = mb.FuncCodeWriteMultipleRegisters

	// MBAPHeaderSize is transaction id, protocol id, length and unit id.
	MBAPHeaderSize = 7
	// MinADUSize is the header plus a function code and one payload byte.
	MinADUSize = 9
	// MaxADUSize bounds a Modbus TCP frame.
	MaxADUSize = 260

	MaxReadQuantity  = 125
	MaxWriteQuantity = 123

	protocolID = 0
)

// Response is a decoded response ADU.
type Response struct {
	TransactionID uint16
	UnitID        byte
	FunctionCode  byte

	// Registers is set for function codes 3 and 4.
	Registers []uint16
	// Address and Value echo a write-single; Address and Quantity echo a
	// write-multiple.
	Address  uint16
	Value    uint16
	Quantity uint16

	// Exception is set when the function code has the high bit set.
	Exception *ModbusException
}

// Request is a decoded request ADU, used by the simulator server.
type Request struct {
	TransactionID uint16
	UnitID        byte
	PDU           mb.ProtocolDataUnit
}

func encodeADU(tid uint16, unit byte, pdu mb.ProtocolDataUnit) []byte {
	adu := make([]byte, MBAPHeaderSize+1+len(pdu.Data))
	binary.BigEndian.PutUint16(adu[0:2], tid)
	binary.BigEndian.PutUint16(adu[2:4], protocolID)
	binary.BigEndian.PutUint16(adu[4:6], uint16(2+len(pdu.Data)))
	adu[6] = unit
	adu[7] = pdu.FunctionCode
	copy(adu[8:], pdu.Data)
	return adu
}

// EncodeReadRequest builds a read holding (3) or read input (4) request.
func EncodeReadRequest(tid uint16, unit, function byte, address, quantity uint16) ([]byte, error) {
	if function != FuncReadHoldingRegisters && function != FuncReadInputRegisters {
		return nil, fmt.Errorf("modbus: unsupported read function code %d", function)
	}
	if quantity < 1 || quantity > MaxReadQuantity {
		return nil, fmt.Errorf("modbus: read quantity %d out of range [1,%d]", quantity, MaxReadQuantity)
	}
	if int(address)+int(quantity) > 0x10000 {
		return nil, fmt.Errorf("modbus: read of %d registers at %d overflows address space", quantity, address)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return encodeADU(tid, unit, mb.ProtocolDataUnit{FunctionCode: function, Data: data}), nil
}

// EncodeWriteSingleRequest builds a write single register (6) request.
func EncodeWriteSingleRequest(tid uint16, unit byte, address, value uint16) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], value)
	return encodeADU(tid, unit, mb.ProtocolDataUnit{FunctionCode: FuncWriteSingleRegister, Data: data})
}

// EncodeWriteMultipleRequest builds a write multiple registers (16) request.
func EncodeWriteMultipleRequest(tid uint16, unit byte, address uint16, values []uint16) ([]byte, error) {
	if len(values) < 1 || len(values) > MaxWriteQuantity {
		return nil, fmt.Errorf("modbus: write quantity %d out of range [1,%d]", len(values), MaxWriteQuantity)
	}
	if int(address)+len(values) > 0x10000 {
		return nil, fmt.Errorf("modbus: write of %d registers at %d overflows address space", len(values), address)
	}
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	return encodeADU(tid, unit, mb.ProtocolDataUnit{FunctionCode: FuncWriteMultipleRegisters, Data: data}), nil
}

// EncodeResponse builds a response ADU around an already-built PDU.
func EncodeResponse(tid uint16, unit byte, pdu mb.ProtocolDataUnit) []byte {
	return encodeADU(tid, unit, pdu)
}

// TransactionIDOf returns the transaction id of an ADU with a complete
// header.
func TransactionIDOf(adu []byte) (uint16, bool) {
	if len(adu) < MBAPHeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint16(adu[0:2]), true
}

func checkHeader(adu []byte) error {
	if len(adu) < MinADUSize {
		return frameErrorf("adu length %d below minimum %d", len(adu), MinADUSize)
	}
	if pid := binary.BigEndian.Uint16(adu[2:4]); pid != protocolID {
		return frameErrorf("protocol id %d", pid)
	}
	length := int(binary.BigEndian.Uint16(adu[4:6]))
	if length != len(adu)-6 {
		return frameErrorf("length field %d does not match %d trailing bytes", length, len(adu)-6)
	}
	return nil
}

// DecodeResponse decodes a response ADU for function codes 3, 4, 6 and
// 16, or an exception response for any of them.
func DecodeResponse(adu []byte) (*Response, error) {
	if err := checkHeader(adu); err != nil {
		return nil, err
	}
	resp := &Response{
		TransactionID: binary.BigEndian.Uint16(adu[0:2]),
		UnitID:        adu[6],
		FunctionCode:  adu[7],
	}
	data := adu[8:]

	if resp.FunctionCode&0x80 != 0 {
		resp.Exception = &ModbusException{
			TransactionID: resp.TransactionID,
			FunctionCode:  resp.FunctionCode &^ 0x80,
			Code:          ExceptionCode(data[0]),
		}
		return resp, nil
	}

	switch resp.FunctionCode {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		count := int(data[0])
		if count%2 != 0 {
			return nil, frameErrorf("odd byte count %d", count)
		}
		if len(data)-1 < count {
			return nil, frameErrorf("byte count %d exceeds payload %d", count, len(data)-1)
		}
		resp.Registers = make([]uint16, count/2)
		for i := range resp.Registers {
			resp.Registers[i] = binary.BigEndian.Uint16(data[1+2*i:])
		}
	case FuncWriteSingleRegister:
		if len(data) < 4 {
			return nil, frameErrorf("write single response payload %d bytes", len(data))
		}
		resp.Address = binary.BigEndian.Uint16(data[0:2])
		resp.Value = binary.BigEndian.Uint16(data[2:4])
	case FuncWriteMultipleRegisters:
		if len(data) < 4 {
			return nil, frameErrorf("write multiple response payload %d bytes", len(data))
		}
		resp.Address = binary.BigEndian.Uint16(data[0:2])
		resp.Quantity = binary.BigEndian.Uint16(data[2:4])
	default:
		return nil, frameErrorf("unsupported function code %d", resp.FunctionCode)
	}
	return resp, nil
}

// DecodeRequest splits a request ADU into header fields and PDU.
func DecodeRequest(adu []byte) (*Request, error) {
	if len(adu) < MBAPHeaderSize+1 {
		return nil, frameErrorf("request length %d", len(adu))
	}
	if pid := binary.BigEndian.Uint16(adu[2:4]); pid != protocolID {
		return nil, frameErrorf("protocol id %d", pid)
	}
	return &Request{
		TransactionID: binary.BigEndian.Uint16(adu[0:2]),
		UnitID:        adu[6],
		PDU:           mb.ProtocolDataUnit{FunctionCode: adu[7], Data: append([]byte(nil), adu[8:]...)},
	}, nil
}

// ReadFrame reads one complete ADU from a stream using the MBAP length
// field. A length outside [2, 254] means the stream is out of sync.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > MaxADUSize-6 {
		return nil, frameErrorf("length field %d", length)
	}
	adu := make([]byte, 6+length)
	copy(adu, header)
	if _, err := io.ReadFull(r, adu[MBAPHeaderSize:]); err != nil {
		return nil, err
	}
	return adu, nil
}
