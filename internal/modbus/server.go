package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	mb "github.com/goburrow/modbus"
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
)

// DefaultServerSize is the number of registers a server exposes per table
// when no size is given.
const DefaultServerSize = 65536

// Server is a small Modbus TCP server with holding and input register
// tables, used to simulate a controller.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	// silent drops requests without answering while set.
	silent atomic.Bool

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	mu               sync.RWMutex
	HoldingRegisters []uint16
	InputRegisters   []uint16
}

// NewServer constructs a server exposing size registers per table.
// Addresses at or beyond size answer with IllegalDataAddress.
func NewServer(size int) *Server {
	if size <= 0 || size > DefaultServerSize {
		size = DefaultServerSize
	}
	return &Server{
		HoldingRegisters: make([]uint16, size),
		InputRegisters:   make([]uint16, size),
		quit:             make(chan struct{}),
		conns:            make(map[net.Conn]struct{}),
	}
}

// Listen starts accepting Modbus TCP connections on the provided address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetResponding toggles whether requests are answered. A muted server
// keeps connections open and reads requests but never replies.
func (s *Server) SetResponding(on bool) { s.silent.Store(!on) }

// DropConnections closes every accepted connection.
func (s *Server) DropConnections() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	for {
		adu, err := ReadFrame(conn)
		if err != nil {
			return
		}
		req, err := DecodeRequest(adu)
		if err != nil {
			continue
		}
		if s.silent.Load() {
			continue
		}

		pdu := s.handlePDU(req.PDU)
		if _, err := conn.Write(EncodeResponse(req.TransactionID, req.UnitID, pdu)); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(pdu mb.ProtocolDataUnit) mb.ProtocolDataUnit {
	function := pdu.FunctionCode
	switch function {
	case FuncReadHoldingRegisters:
		data, err := s.readRegisters(s.HoldingRegisters, pdu.Data)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return mb.ProtocolDataUnit{FunctionCode: function, Data: append([]byte{byte(len(data))}, data...)}
	case FuncReadInputRegisters:
		data, err := s.readRegisters(s.InputRegisters, pdu.Data)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return mb.ProtocolDataUnit{FunctionCode: function, Data: append([]byte{byte(len(data))}, data...)}
	case FuncWriteSingleRegister:
		if err := s.writeSingle(pdu.Data); err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return mb.ProtocolDataUnit{FunctionCode: function, Data: append([]byte(nil), pdu.Data[:4]...)}
	case FuncWriteMultipleRegisters:
		if err := s.writeMultiple(pdu.Data); err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return mb.ProtocolDataUnit{FunctionCode: function, Data: append([]byte(nil), pdu.Data[:4]...)}
	default:
		return exceptionResponse(function, byte(IllegalFunction))
	}
}

func (s *Server) readRegisters(source []uint16, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	if quantity == 0 || quantity > MaxReadQuantity {
		return nil, errInvalidQty
	}
	end := int(start) + int(quantity)
	if end > len(source) {
		return nil, errOutOfRange
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]byte, quantity*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:(i+1)*2], source[int(start)+i])
	}
	return result, nil
}

func (s *Server) writeSingle(data []byte) error {
	if len(data) < 4 {
		return errInvalidPDULen
	}
	return s.SetHoldingRegister(binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4]))
}

func (s *Server) writeMultiple(data []byte) error {
	if len(data) < 5 {
		return errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(data[0:2])
	quantity := int(binary.BigEndian.Uint16(data[2:4]))
	count := int(data[4])
	if quantity == 0 || quantity > MaxWriteQuantity || count != 2*quantity || len(data) < 5+count {
		return errInvalidQty
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[5+2*i:])
	}
	return s.SetHoldingRegisters(start, values)
}

func exceptionResponse(function byte, code byte) mb.ProtocolDataUnit {
	return mb.ProtocolDataUnit{FunctionCode: function | 0x80, Data: []byte{code}}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return byte(IllegalDataAddress)
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen):
		return byte(IllegalDataValue)
	default:
		return byte(IllegalFunction)
	}
}

// Close stops the server and waits for all goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.DropConnections()
	})
	s.wg.Wait()
}

// SetHoldingRegister updates a holding register value.
func (s *Server) SetHoldingRegister(address uint16, value uint16) error {
	return s.SetHoldingRegisters(address, []uint16{value})
}

// SetHoldingRegisters updates consecutive holding registers atomically.
func (s *Server) SetHoldingRegisters(address uint16, values []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(address)+len(values) > len(s.HoldingRegisters) {
		return fmt.Errorf("address %d: %w", address, errOutOfRange)
	}
	copy(s.HoldingRegisters[address:], values)
	return nil
}

// SetInputRegister updates an input register value.
func (s *Server) SetInputRegister(address uint16, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(address) >= len(s.InputRegisters) {
		return fmt.Errorf("address %d: %w", address, errOutOfRange)
	}
	s.InputRegisters[address] = value
	return nil
}

// GetHoldingRegister returns the current holding register value at address.
func (s *Server) GetHoldingRegister(address uint16) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(address) >= len(s.HoldingRegisters) {
		return 0, fmt.Errorf("address %d: %w", address, errOutOfRange)
	}
	return s.HoldingRegisters[address], nil
}

// GetInputRegister returns the current input register value at address.
func (s *Server) GetInputRegister(address uint16) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(address) >= len(s.InputRegisters) {
		return 0, fmt.Errorf("address %d: %w", address, errOutOfRange)
	}
	return s.InputRegisters[address], nil
}

// Size returns the number of registers per table.
func (s *Server) Size() int { return len(s.HoldingRegisters) }
