package modbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	mb "github.com/goburrow/modbus"
)

func writeEchoPDU(function byte, address, value uint16) mb.ProtocolDataUnit {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], value)
	return mb.ProtocolDataUnit{FunctionCode: function, Data: data}
}

func TestEncodeReadRequest(t *testing.T) {
	adu, err := EncodeReadRequest(0x0102, 1, FuncReadHoldingRegisters, 100, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0x01, 0x02, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x64, 0x00, 0x02}
	if !bytes.Equal(adu, want) {
		t.Fatalf("adu = % x, want % x", adu, want)
	}
}

func TestEncodeReadRequestRejectsBadQuantity(t *testing.T) {
	if _, err := EncodeReadRequest(1, 1, FuncReadHoldingRegisters, 0, 0); err == nil {
		t.Fatal("expected error for quantity 0")
	}
	if _, err := EncodeReadRequest(1, 1, FuncReadHoldingRegisters, 0, 126); err == nil {
		t.Fatal("expected error for quantity 126")
	}
	if _, err := EncodeReadRequest(1, 1, FuncWriteSingleRegister, 0, 1); err == nil {
		t.Fatal("expected error for non-read function code")
	}
}

func TestEncodeWriteMultipleRequest(t *testing.T) {
	adu, err := EncodeWriteMultipleRequest(7, 1, 10, []uint16{0x1234, 0x5678})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x0B, 0x01, 0x10, 0x00, 0x0A, 0x00, 0x02, 0x04, 0x12, 0x34, 0x56, 0x78}
	if !bytes.Equal(adu, want) {
		t.Fatalf("adu = % x, want % x", adu, want)
	}
}

func TestDecodeReadResponse(t *testing.T) {
	adu := []byte{0x00, 0x2A, 0x00, 0x00, 0x00, 0x07, 0x01, 0x03, 0x04, 0x00, 0x0A, 0xFF, 0xFF}
	resp, err := DecodeResponse(adu)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TransactionID != 42 || resp.FunctionCode != 3 {
		t.Fatalf("header = tid %d fc %d", resp.TransactionID, resp.FunctionCode)
	}
	if len(resp.Registers) != 2 || resp.Registers[0] != 10 || resp.Registers[1] != 0xFFFF {
		t.Fatalf("registers = %v", resp.Registers)
	}
}

func TestDecodeExceptionResponse(t *testing.T) {
	adu := []byte{0x00, 0x05, 0x00, 0x00, 0x00, 0x03, 0x01, 0x83, 0x02}
	resp, err := DecodeResponse(adu)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Exception == nil {
		t.Fatal("expected exception")
	}
	if resp.Exception.FunctionCode != 3 || resp.Exception.Code != IllegalDataAddress {
		t.Fatalf("exception = %+v", resp.Exception)
	}
	if !IsException(resp.Exception, IllegalDataAddress) {
		t.Fatal("IsException mismatch")
	}
}

func TestDecodeWriteEchoes(t *testing.T) {
	single := EncodeResponse(3, 1, writeEchoPDU(FuncWriteSingleRegister, 5, 99))
	resp, err := DecodeResponse(single)
	if err != nil {
		t.Fatalf("decode single: %v", err)
	}
	if resp.Address != 5 || resp.Value != 99 {
		t.Fatalf("single echo = %+v", resp)
	}
	multi := EncodeResponse(4, 1, writeEchoPDU(FuncWriteMultipleRegisters, 5, 3))
	resp, err = DecodeResponse(multi)
	if err != nil {
		t.Fatalf("decode multi: %v", err)
	}
	if resp.Address != 5 || resp.Quantity != 3 {
		t.Fatalf("multi echo = %+v", resp)
	}
}

func TestDecodeResponseFrameErrors(t *testing.T) {
	cases := map[string][]byte{
		"short":          {0x00, 0x01, 0x00, 0x00, 0x00, 0x02, 0x01, 0x03},
		"protocol":       {0x00, 0x01, 0x00, 0x01, 0x00, 0x03, 0x01, 0x03, 0x00},
		"length":         {0x00, 0x01, 0x00, 0x00, 0x00, 0x09, 0x01, 0x03, 0x00},
		"odd byte count": {0x00, 0x01, 0x00, 0x00, 0x00, 0x04, 0x01, 0x03, 0x01, 0x00},
		"count overrun":  {0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x04, 0x00, 0x01},
		"unsupported fc": {0x00, 0x01, 0x00, 0x00, 0x00, 0x03, 0x01, 0x01, 0x00},
	}
	for name, adu := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeResponse(adu)
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want FrameError", err)
			}
		})
	}
}

func TestReadFrame(t *testing.T) {
	a, _ := EncodeReadRequest(1, 1, FuncReadInputRegisters, 0, 1)
	b := EncodeWriteSingleRequest(2, 1, 0, 7)
	r := bytes.NewReader(append(append([]byte(nil), a...), b...))

	got, err := ReadFrame(r)
	if err != nil || !bytes.Equal(got, a) {
		t.Fatalf("first frame = % x, %v", got, err)
	}
	got, err = ReadFrame(r)
	if err != nil || !bytes.Equal(got, b) {
		t.Fatalf("second frame = % x, %v", got, err)
	}
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	r := bytes.NewReader([]byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01})
	_, err := ReadFrame(r)
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FrameError", err)
	}
}

func TestExceptionCodeString(t *testing.T) {
	if IllegalDataAddress.String() != "IllegalDataAddress" {
		t.Fatalf("got %q", IllegalDataAddress.String())
	}
	if ExceptionCode(0x42).String() != "Unknown(66)" {
		t.Fatalf("got %q", ExceptionCode(0x42).String())
	}
	if ExceptionCode(0x42).Known() || !SlaveDeviceBusy.Known() {
		t.Fatal("Known mismatch")
	}
}
