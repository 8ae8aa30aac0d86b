package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/clock"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/metrics"
)

// State is the connection state of a Link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// EventType classifies link events.
type EventType int

const (
	EventConnected EventType = iota
	EventConnectionLost
	EventConnectFailed
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection_lost"
	case EventConnectFailed:
		return "connect_failed"
	default:
		return "unknown"
	}
}

// Event is published on Events whenever the link changes state in a way a
// supervisor may act on.
type Event struct {
	Type EventType
	Err  error
	At   time.Time
}

// ReadResult is the outcome of one read transaction, delivered on Results.
type ReadResult struct {
	TransactionID uint16
	FunctionCode  byte
	Address       uint16
	Quantity      uint16
	Registers     []uint16
	Tag           any
	ReceivedAt    time.Time
	Err           error
}

// WriteResult is the echoed part of a write response.
type WriteResult struct {
	TransactionID uint16 `json:"transaction_id"`
	Address       uint16 `json:"address"`
	Value         uint16 `json:"value,omitempty"`
	Quantity      uint16 `json:"quantity,omitempty"`
}

// Call tracks an issued write until its response, exception, timeout or
// cancellation.
type Call struct {
	TransactionID uint16

	once   sync.Once
	done   chan struct{}
	result WriteResult
	err    error
}

func newCall() *Call { return &Call{done: make(chan struct{})} }

func (c *Call) resolve(res WriteResult, err error) {
	c.once.Do(func() {
		c.result, c.err = res, err
		close(c.done)
	})
}

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call resolves or ctx is done.
func (c *Call) Wait(ctx context.Context) (WriteResult, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
}

// KeepAlive configures the liveness check.
type KeepAlive struct {
	Enabled      bool
	Interval     time.Duration
	Address      uint16
	FunctionCode byte
}

// Options configures a Link. Zero durations take defaults.
type Options struct {
	Name           string
	Address        string
	UnitID         byte
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	// TeardownGrace delays closing a lost socket so callbacks already in
	// flight on it finish against a live descriptor.
	TeardownGrace time.Duration
	KeepAlive     KeepAlive
	ResultBuffer  int

	Dial    func(ctx context.Context, network, address string) (net.Conn, error)
	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.TeardownGrace <= 0 {
		o.TeardownGrace = 100 * time.Millisecond
	}
	if o.KeepAlive.Interval <= 0 {
		o.KeepAlive.Interval = 30 * time.Second
	}
	if o.KeepAlive.FunctionCode == 0 {
		o.KeepAlive.FunctionCode = FuncReadHoldingRegisters
	}
	if o.ResultBuffer <= 0 {
		o.ResultBuffer = 1024
	}
	if o.UnitID == 0 {
		o.UnitID = 1
	}
	if o.Dial == nil {
		var d net.Dialer
		o.Dial = d.DialContext
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// keepAlivePeriod is how often liveness is checked: min(10s, interval/2).
func keepAlivePeriod(interval time.Duration) time.Duration {
	p := interval / 2
	if p > 10*time.Second {
		p = 10 * time.Second
	}
	if p <= 0 {
		p = time.Millisecond
	}
	return p
}

type inboundFrame struct {
	session uint64
	adu     []byte
	err     error
}

type dialResult struct {
	session uint64
	conn    net.Conn
	err     error
}

// Link owns one Modbus TCP connection. Connection state, the pending
// transaction table and keep-alive bookkeeping are only touched by the
// actor goroutine started in NewLink; every public method, inbound frame
// and timer tick is serialized onto it.
type Link struct {
	opts    Options
	log     zerolog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	cmds     chan func()
	internal chan any
	results  chan ReadResult
	events   chan Event
	quit     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	state     atomic.Int32

	// actor-owned
	conn            net.Conn
	session         uint64
	everConnected   bool
	closed          bool
	pending         *pendingTable
	lastActivity    time.Time
	keepAlive       keepAliveState
	connectWaiters  []chan error
	dialCancel      context.CancelFunc
	keepAliveTicker *clock.Ticker
	sweepTicker     *clock.Ticker
}

// NewLink starts the link's actor. The link starts Disconnected.
func NewLink(opts Options) *Link {
	opts.applyDefaults()
	name := opts.Name
	if name == "" {
		name = opts.Address
	}
	l := &Link{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "modbus-link").Str("link", name).Logger(),
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		cmds:     make(chan func()),
		internal: make(chan any, 64),
		results:  make(chan ReadResult, opts.ResultBuffer),
		events:   make(chan Event, 32),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		pending:  newPendingTable(),
	}
	go l.run()
	return l
}

// State returns the current connection state.
func (l *Link) State() State { return State(l.state.Load()) }

// Results delivers read results. It is closed after Close.
func (l *Link) Results() <-chan ReadResult { return l.results }

// Events delivers connection events. It is closed after Close.
func (l *Link) Events() <-chan Event { return l.events }

func (l *Link) run() {
	defer func() {
		close(l.results)
		close(l.events)
		close(l.done)
	}()
	for {
		var sweepC, keepAliveC <-chan time.Time
		if l.sweepTicker != nil {
			sweepC = l.sweepTicker.C
		}
		if l.keepAliveTicker != nil {
			keepAliveC = l.keepAliveTicker.C
		}
		select {
		case fn := <-l.cmds:
			fn()
		case msg := <-l.internal:
			switch m := msg.(type) {
			case dialResult:
				l.handleDial(m)
			case inboundFrame:
				l.handleInbound(m)
			}
		case <-sweepC:
			l.sweep()
		case <-keepAliveC:
			l.checkKeepAlive()
		case <-l.quit:
			return
		}
	}
}

// do runs fn on the actor goroutine.
func (l *Link) do(ctx context.Context, fn func()) error {
	select {
	case l.cmds <- fn:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands a message from a helper goroutine to the actor.
func (l *Link) post(msg any) bool {
	select {
	case l.internal <- msg:
		return true
	case <-l.done:
		return false
	}
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
	l.metrics.LinkState(int(s))
}

func (l *Link) emit(ev Event) {
	ev.At = l.clock.Now()
	select {
	case l.events <- ev:
	default:
		l.log.Warn().Str("event", ev.Type.String()).Msg("event buffer full, dropping link event")
	}
}

// Connect dials the controller. Concurrent calls while a dial is in
// progress share its outcome. The connect timeout only bounds the dial;
// once connected the socket carries no deadline and liveness is tracked
// by the keep-alive request.
func (l *Link) Connect(ctx context.Context) error {
	ch := make(chan error, 1)
	if err := l.do(ctx, func() { l.startConnect(ch) }); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLinkClosed
	}
}

func (l *Link) startConnect(ch chan error) {
	if l.closed {
		ch <- ErrLinkClosed
		return
	}
	switch l.State() {
	case StateConnected:
		ch <- nil
		return
	case StateConnecting, StateReconnecting:
		l.connectWaiters = append(l.connectWaiters, ch)
		return
	}
	if l.everConnected {
		l.setState(StateReconnecting)
	} else {
		l.setState(StateConnecting)
	}
	l.connectWaiters = append(l.connectWaiters, ch)
	l.session++
	session := l.session
	dctx, cancel := context.WithTimeout(context.Background(), l.opts.ConnectTimeout)
	l.dialCancel = cancel
	l.log.Info().Str("address", l.opts.Address).Msg("connecting")
	go func() {
		conn, err := l.opts.Dial(dctx, "tcp", l.opts.Address)
		cancel()
		if !l.post(dialResult{session: session, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (l *Link) resolveConnect(err error) {
	for _, ch := range l.connectWaiters {
		ch <- err
	}
	l.connectWaiters = nil
}

func (l *Link) handleDial(m dialResult) {
	if m.session != l.session || l.closed {
		if m.conn != nil {
			m.conn.Close()
		}
		return
	}
	l.dialCancel = nil
	if m.err != nil {
		l.setState(StateDisconnected)
		err := &ConnectionError{Op: "dial " + l.opts.Address, Err: m.err}
		l.log.Warn().Err(m.err).Msg("connect failed")
		l.resolveConnect(err)
		l.emit(Event{Type: EventConnectFailed, Err: err})
		return
	}

	// The dial deadline must not linger as an idle timeout.
	_ = m.conn.SetDeadline(time.Time{})
	l.conn = m.conn
	l.everConnected = true
	l.lastActivity = l.clock.Now()
	l.keepAlive = keepAliveState{}
	l.setState(StateConnected)

	l.sweepTicker = l.clock.NewTicker(sweepPeriod(l.opts.RequestTimeout))
	if l.opts.KeepAlive.Enabled {
		l.keepAliveTicker = l.clock.NewTicker(keepAlivePeriod(l.opts.KeepAlive.Interval))
	}
	go l.readLoop(m.conn, m.session)

	l.log.Info().Str("address", l.opts.Address).Msg("connected")
	l.resolveConnect(nil)
	l.emit(Event{Type: EventConnected})
}

func sweepPeriod(timeout time.Duration) time.Duration {
	p := timeout / 4
	if p < 10*time.Millisecond {
		p = 10 * time.Millisecond
	}
	if p > time.Second {
		p = time.Second
	}
	return p
}

func (l *Link) readLoop(conn net.Conn, session uint64) {
	for {
		adu, err := ReadFrame(conn)
		if !l.post(inboundFrame{session: session, adu: adu, err: err}) || err != nil {
			return
		}
	}
}

func (l *Link) stopTimers() {
	if l.keepAliveTicker != nil {
		l.keepAliveTicker.Stop()
		l.keepAliveTicker = nil
	}
	if l.sweepTicker != nil {
		l.sweepTicker.Stop()
		l.sweepTicker = nil
	}
}

// lose tears the connection down after a link-fatal error.
func (l *Link) lose(cause error) {
	if l.State() != StateConnected {
		return
	}
	l.setState(StateDisconnected)
	l.stopTimers()
	l.session++
	conn := l.conn
	l.conn = nil
	l.failAll(cause)
	if conn != nil {
		l.clock.AfterFunc(l.opts.TeardownGrace, func() { conn.Close() })
	}
	l.log.Error().Err(cause).Msg("link lost")
	l.emit(Event{Type: EventConnectionLost, Err: cause})
}

func (l *Link) failAll(cause error) {
	for tid, p := range l.pending.drain() {
		l.fail(tid, p, cause)
	}
}

func (l *Link) write(frame []byte) error {
	// Socket deadlines are wall time, whatever clock drives the protocol.
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.opts.RequestTimeout)); err != nil {
		return err
	}
	_, err := l.conn.Write(frame)
	return err
}

func (l *Link) send(p *pending) (uint16, error) {
	if l.State() != StateConnected {
		return 0, ErrNotConnected
	}
	tid, err := l.pending.allocate()
	if err != nil {
		return 0, err
	}
	var frame []byte
	switch p.function {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		frame, err = EncodeReadRequest(tid, l.opts.UnitID, p.function, p.address, p.quantity)
	case FuncWriteSingleRegister:
		frame = EncodeWriteSingleRequest(tid, l.opts.UnitID, p.address, p.values[0])
	case FuncWriteMultipleRegisters:
		frame, err = EncodeWriteMultipleRequest(tid, l.opts.UnitID, p.address, p.values)
	default:
		err = fmt.Errorf("modbus: unsupported function code %d", p.function)
	}
	if err != nil {
		return 0, err
	}
	now := l.clock.Now()
	p.issuedAt = now
	timeout := l.opts.RequestTimeout
	if p.function == FuncWriteMultipleRegisters {
		timeout = l.opts.WriteTimeout
	}
	p.deadline = now.Add(timeout)
	if err := l.write(frame); err != nil {
		cerr := &ConnectionError{Op: "write", Err: err}
		l.lose(cerr)
		return 0, cerr
	}
	l.pending.put(tid, p)
	l.metrics.RequestSent(strconv.Itoa(int(p.function)))
	return tid, nil
}

// Read issues a read of quantity registers and returns its transaction id.
// The response is delivered on Results carrying tag.
func (l *Link) Read(ctx context.Context, function byte, address, quantity uint16, tag any) (uint16, error) {
	type reply struct {
		tid uint16
		err error
	}
	ch := make(chan reply, 1)
	err := l.do(ctx, func() {
		tid, err := l.send(&pending{kind: pendingRead, function: function, address: address, quantity: quantity, tag: tag})
		ch <- reply{tid, err}
	})
	if err != nil {
		return 0, err
	}
	select {
	case r := <-ch:
		return r.tid, r.err
	case <-l.done:
		return 0, ErrLinkClosed
	}
}

func (l *Link) ReadHoldingRegisters(ctx context.Context, address, quantity uint16, tag any) (uint16, error) {
	return l.Read(ctx, FuncReadHoldingRegisters, address, quantity, tag)
}

func (l *Link) ReadInputRegisters(ctx context.Context, address, quantity uint16, tag any) (uint16, error) {
	return l.Read(ctx, FuncReadInputRegisters, address, quantity, tag)
}

func (l *Link) issueWrite(ctx context.Context, function byte, address uint16, values []uint16) (*Call, error) {
	call := newCall()
	errCh := make(chan error, 1)
	err := l.do(ctx, func() {
		tid, err := l.send(&pending{
			kind: pendingWrite, function: function, address: address,
			quantity: uint16(len(values)), values: values, call: call,
		})
		call.TransactionID = tid
		errCh <- err
	})
	if err != nil {
		return nil, err
	}
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
		return call, nil
	case <-l.done:
		return nil, ErrLinkClosed
	}
}

// WriteSingleRegister issues function 6. The returned Call resolves when
// the controller echoes the write or the request times out.
func (l *Link) WriteSingleRegister(ctx context.Context, address, value uint16) (*Call, error) {
	return l.issueWrite(ctx, FuncWriteSingleRegister, address, []uint16{value})
}

// WriteMultipleRegisters issues function 16 under the write timeout.
func (l *Link) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) (*Call, error) {
	if len(values) == 0 {
		return nil, errors.New("modbus: no values to write")
	}
	return l.issueWrite(ctx, FuncWriteMultipleRegisters, address, append([]uint16(nil), values...))
}

// WriteRegister writes one register and waits for the result.
func (l *Link) WriteRegister(ctx context.Context, address, value uint16) (WriteResult, error) {
	call, err := l.WriteSingleRegister(ctx, address, value)
	if err != nil {
		return WriteResult{}, err
	}
	return call.Wait(ctx)
}

// WriteRegisters writes consecutive registers and waits for the result.
func (l *Link) WriteRegisters(ctx context.Context, address uint16, values []uint16) (WriteResult, error) {
	call, err := l.WriteMultipleRegisters(ctx, address, values)
	if err != nil {
		return WriteResult{}, err
	}
	return call.Wait(ctx)
}

func (l *Link) deliver(res ReadResult) {
	select {
	case l.results <- res:
	default:
		l.metrics.ResultDropped()
		l.log.Warn().Uint16("tid", res.TransactionID).Msg("result buffer full, dropping read result")
	}
}

func (l *Link) handleInbound(m inboundFrame) {
	if m.session != l.session || l.State() != StateConnected {
		return
	}
	if m.err != nil {
		l.lose(&ConnectionError{Op: "read", Err: m.err})
		return
	}
	l.lastActivity = l.clock.Now()

	resp, err := DecodeResponse(m.adu)
	if err != nil {
		l.metrics.ResponseReceived("frame_error")
		tid, ok := TransactionIDOf(m.adu)
		l.log.Warn().Err(err).Uint16("tid", tid).Msg("discarding malformed response")
		if ok {
			if p, found := l.pending.take(tid); found {
				l.fail(tid, p, err)
			}
		}
		return
	}

	p, ok := l.pending.take(resp.TransactionID)
	if !ok {
		l.metrics.ResponseReceived("unmatched")
		l.log.Debug().Uint16("tid", resp.TransactionID).Msg("response for unknown transaction")
		return
	}
	if resp.Exception != nil {
		l.metrics.ResponseReceived("exception")
		l.fail(resp.TransactionID, p, resp.Exception)
		return
	}
	l.metrics.ResponseReceived("ok")
	l.complete(resp.TransactionID, p, resp)
}

func (l *Link) complete(tid uint16, p *pending, resp *Response) {
	switch p.kind {
	case pendingRead:
		if resp.FunctionCode != p.function || len(resp.Registers) < int(p.quantity) {
			l.deliver(l.readResult(tid, p, nil, frameErrorf("response fc=%d with %d registers for fc=%d quantity %d",
				resp.FunctionCode, len(resp.Registers), p.function, p.quantity)))
			return
		}
		l.deliver(l.readResult(tid, p, resp.Registers[:p.quantity], nil))
	case pendingWrite:
		if resp.FunctionCode != p.function || resp.Address != p.address {
			p.call.resolve(WriteResult{TransactionID: tid}, frameErrorf("write echo fc=%d address=%d for fc=%d address=%d",
				resp.FunctionCode, resp.Address, p.function, p.address))
			return
		}
		p.call.resolve(WriteResult{TransactionID: tid, Address: resp.Address, Value: resp.Value, Quantity: resp.Quantity}, nil)
	case pendingKeepAlive:
		l.keepAliveOK(tid, "ok")
	}
}

func (l *Link) fail(tid uint16, p *pending, err error) {
	switch p.kind {
	case pendingRead:
		l.deliver(l.readResult(tid, p, nil, err))
	case pendingWrite:
		p.call.resolve(WriteResult{TransactionID: tid}, err)
	case pendingKeepAlive:
		// Any answer from the controller, exceptions included, proves
		// the link is alive.
		var me *ModbusException
		if errors.As(err, &me) {
			l.keepAliveOK(tid, "exception")
		}
	}
}

func (l *Link) readResult(tid uint16, p *pending, regs []uint16, err error) ReadResult {
	return ReadResult{
		TransactionID: tid,
		FunctionCode:  p.function,
		Address:       p.address,
		Quantity:      p.quantity,
		Registers:     regs,
		Tag:           p.tag,
		ReceivedAt:    l.clock.Now(),
		Err:           err,
	}
}

func (l *Link) sweep() {
	if l.State() != StateConnected {
		return
	}
	type keepAlive struct {
		tid uint16
		p   *pending
	}
	var keepAlives []keepAlive
	for tid, p := range l.pending.expired(l.clock.Now()) {
		switch p.kind {
		case pendingRead:
			l.metrics.Timeout("read")
			l.deliver(l.readResult(tid, p, nil, &TimeoutError{Op: "read", TransactionID: tid}))
		case pendingWrite:
			op := "write single register"
			if p.function == FuncWriteMultipleRegisters {
				op = "write multiple registers"
			}
			l.metrics.Timeout("write")
			p.call.resolve(WriteResult{TransactionID: tid}, &TimeoutError{Op: op, TransactionID: tid})
		case pendingKeepAlive:
			keepAlives = append(keepAlives, keepAlive{tid, p})
		}
	}
	// Keep-alives go last: a lost one tears the link down, and every other
	// expired entry is already out of the table by then.
	for _, ka := range keepAlives {
		if l.State() != StateConnected {
			return
		}
		l.metrics.Timeout("keepalive")
		l.keepAliveTimeout(ka.tid, ka.p)
	}
}

// Close cancels every pending transaction with ErrLinkClosed, stops the
// timers, releases the socket and stops the actor.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		ack := make(chan struct{})
		select {
		case l.cmds <- func() { l.shutdown(); close(ack) }:
			<-ack
		case <-l.done:
		}
		close(l.quit)
		<-l.done
	})
	return nil
}

func (l *Link) shutdown() {
	l.closed = true
	l.stopTimers()
	if l.dialCancel != nil {
		l.dialCancel()
		l.dialCancel = nil
	}
	l.session++
	l.failAll(ErrLinkClosed)
	l.resolveConnect(ErrLinkClosed)
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.setState(StateDisconnected)
	l.log.Info().Msg("link closed")
}
