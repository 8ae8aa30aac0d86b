package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/clock"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/metrics"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/modbus"
)

// Reader issues one tagged read. *modbus.Link implements it.
type Reader interface {
	Read(ctx context.Context, function byte, address, quantity uint16, tag any) (uint16, error)
}

// PollScheduler issues one read per register-backed definition on every
// tick. Reads are fire-and-forget: results come back on the link's result
// stream tagged with the definition id.
type PollScheduler struct {
	reader   Reader
	interval time.Duration
	clock    clock.Clock
	log      zerolog.Logger
	metrics  *metrics.Metrics
	paused   atomic.Bool

	mu      sync.Mutex
	defs    []model.DataPointDefinition
	lastTID map[string]uint16
}

func NewPollScheduler(reader Reader, interval time.Duration, clk clock.Clock, logger zerolog.Logger, m *metrics.Metrics) *PollScheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &PollScheduler{
		reader:   reader,
		interval: interval,
		clock:    clk,
		log:      logger.With().Str("component", "poller").Logger(),
		metrics:  m,
		lastTID:  make(map[string]uint16),
	}
}

// SetDefinitions replaces the polled set. POINT definitions are kept out;
// they are derived from their source's read.
func (s *PollScheduler) SetDefinitions(defs []model.DataPointDefinition) {
	polled := make([]model.DataPointDefinition, 0, len(defs))
	for _, d := range defs {
		if d.Format != model.FormatPoint {
			polled = append(polled, d)
		}
	}
	s.mu.Lock()
	s.defs = polled
	s.mu.Unlock()
}

// Add inserts or replaces one definition.
func (s *PollScheduler) Add(d model.DataPointDefinition) {
	if d.Format == model.FormatPoint {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.defs {
		if s.defs[i].ID == d.ID {
			s.defs[i] = d
			return
		}
	}
	s.defs = append(s.defs, d)
}

func (s *PollScheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.defs {
		if s.defs[i].ID == id {
			s.defs = append(s.defs[:i], s.defs[i+1:]...)
			break
		}
	}
	delete(s.lastTID, id)
}

// LastTransaction returns the transaction id of the latest read issued
// for id.
func (s *PollScheduler) LastTransaction(id string) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tid, ok := s.lastTID[id]
	return tid, ok
}

// Pause makes ticks no-ops until Resume. The manager pauses while the
// link is down so no reads pile up against a dead socket.
func (s *PollScheduler) Pause() { s.paused.Store(true) }

func (s *PollScheduler) Resume() { s.paused.Store(false) }

func (s *PollScheduler) Paused() bool { return s.paused.Load() }

// Tick issues one read per definition and returns how many were issued.
// It stops at the first ErrNotConnected; other per-point errors are
// logged and skipped.
func (s *PollScheduler) Tick(ctx context.Context) int {
	if s.paused.Load() {
		return 0
	}
	s.mu.Lock()
	defs := append([]model.DataPointDefinition(nil), s.defs...)
	s.mu.Unlock()

	issued := 0
	for _, d := range defs {
		if ctx.Err() != nil {
			break
		}
		tid, err := s.reader.Read(ctx, d.FunctionCode, d.Address, d.Format.Quantity(), d.ID)
		if err != nil {
			if errors.Is(err, modbus.ErrNotConnected) || errors.Is(err, modbus.ErrLinkClosed) {
				s.log.Debug().Err(err).Int("issued", issued).Msg("poll tick stopped")
				break
			}
			s.log.Warn().Err(err).Str("point", d.ID).Uint16("address", d.Address).Msg("read not issued")
			continue
		}
		s.mu.Lock()
		s.lastTID[d.ID] = tid
		s.mu.Unlock()
		issued++
	}
	s.metrics.PollCycle()
	return issued
}

// Run ticks immediately and then every interval until ctx is done.
func (s *PollScheduler) Run(ctx context.Context) {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}
