// Package servermgr runs the in-process Modbus TCP simulator used for
// commissioning and tests.
package servermgr

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/config"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/modbus"
)

const (
	listenAttempts = 3
	retryDelay     = time.Second
)

// Manager owns one simulator server seeded from configuration.
type Manager struct {
	Cfg config.SimulatorConfig

	log   zerolog.Logger
	mu    sync.Mutex
	srv   *modbus.Server
	ready chan struct{}
}

func NewManager(cfg config.SimulatorConfig, log zerolog.Logger) *Manager {
	return &Manager{
		Cfg:   cfg,
		log:   log.With().Str("component", "simulator").Logger(),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the server listens and its registers are seeded.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Addr returns the bound address, or nil before Ready.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.srv == nil {
		return nil
	}
	return m.srv.Addr()
}

// Server exposes the running server for register manipulation.
func (m *Manager) Server() *modbus.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.srv
}

// Run listens, seeds the configured registers and blocks until ctx is
// canceled.
func (m *Manager) Run(ctx context.Context) error {
	size := m.Cfg.Size
	if size <= 0 {
		size = 65536
	}

	var server *modbus.Server
	var err error
	for attempt := 1; attempt <= listenAttempts; attempt++ {
		server = modbus.NewServer(size)
		if err = server.Listen(m.Cfg.Listen); err == nil {
			break
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Str("addr", m.Cfg.Listen).Msg("listen failed")
		if attempt == listenAttempts {
			return fmt.Errorf("simulator listen %s: %w", m.Cfg.Listen, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}

	if err := Seed(server, m.Cfg.Registers); err != nil {
		server.Close()
		return err
	}

	m.mu.Lock()
	m.srv = server
	m.mu.Unlock()
	close(m.ready)
	m.log.Info().Str("addr", server.Addr().String()).Int("seeded", len(m.Cfg.Registers)).Msg("simulator listening")

	<-ctx.Done()
	server.Close()
	m.log.Info().Msg("simulator stopped")
	return nil
}

// Seed writes the configured register values into server.
func Seed(server *modbus.Server, regs []config.RegisterConfig) error {
	for _, r := range regs {
		var err error
		switch strings.ToLower(r.Type) {
		case "holding":
			err = server.SetHoldingRegister(r.Address, r.Value)
		case "input":
			err = server.SetInputRegister(r.Address, r.Value)
		default:
			err = fmt.Errorf("unknown register type %q", r.Type)
		}
		if err != nil {
			return fmt.Errorf("seed %s register %d: %w", r.Type, r.Address, err)
		}
	}
	return nil
}
