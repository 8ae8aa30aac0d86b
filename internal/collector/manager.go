package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/alarm"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/clock"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/config"
	dbpkg "github.com/qchenwhy/sewage-monitoring-system-sub002/internal/db"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/ingest"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/metrics"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/modbus"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/notify"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/registry"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/scaling"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/utils"
)

// maxResultBatch bounds how many queued read results are drained into one
// pipeline pass.
const maxResultBatch = 256

// Options configures a Manager. Dial and Clock are for tests.
type Options struct {
	Config   config.Config
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Clock    clock.Clock
	Dial     func(ctx context.Context, network, address string) (net.Conn, error)
}

// Manager wires the link, poller, registry, scaling pipeline, alarm engine
// and history writer, and supervises reconnects. The link never redials on
// its own.
type Manager struct {
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	DB       *dbpkg.DB
	Alarms   *dbpkg.AlarmStore
	Registry *registry.Registry
	Pipeline *scaling.Pipeline
	Engine   *alarm.Engine
	Link     *modbus.Link
	Poller   *PollScheduler
	History  *Storage
	Notifier notify.Notifier

	kafka   *notify.KafkaNotifier
	updates chan []model.Update
	once    sync.Once
}

func New(opts Options) (*Manager, error) {
	cfg := opts.Config
	log := opts.Logger
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	m := &Manager{
		cfg:     cfg,
		log:     log.With().Str("component", "manager").Logger(),
		metrics: opts.Metrics,
		clock:   clk,
		updates: make(chan []model.Update, 64),
	}

	db, err := dbpkg.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	m.DB = db
	m.Alarms = dbpkg.NewAlarmStore(db)

	sinks := notify.Multi{}
	if cfg.Notify.Log || !cfg.Notify.Kafka.Enabled {
		sinks = append(sinks, notify.NewLogNotifier(log))
	}
	if cfg.Notify.Kafka.Enabled {
		k, err := notify.NewKafkaNotifier(notify.KafkaConfig{
			Brokers:      cfg.Notify.Kafka.Brokers,
			Topic:        cfg.Notify.Kafka.Topic,
			Codec:        cfg.Notify.Kafka.Codec,
			WriteTimeout: cfg.Notify.Kafka.WriteTimeout,
			Logger:       log,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("kafka notifier: %w", err)
		}
		m.kafka = k
		sinks = append(sinks, k)
	}
	if opts.Notifier != nil {
		sinks = append(sinks, opts.Notifier)
	}
	m.Notifier = sinks

	m.Registry = registry.New(log)
	m.Registry.Load(cfg.Definitions())
	m.Pipeline = scaling.New(m.Registry, m.Registry, log)

	pointRules, multiRules, ruleErrs := cfg.Rules()
	for _, err := range ruleErrs {
		m.log.Warn().Err(err).Msg("skipping rule")
	}
	m.Engine = alarm.New(alarm.Options{
		Catalog:    m.Registry,
		PointRules: pointRules,
		MultiRules: multiRules,
		Store:      m.Alarms,
		Notifier:   m.Notifier,
		Clock:      clk,
		Logger:     log,
		Metrics:    opts.Metrics,
	})

	lc := cfg.Link
	m.Link = modbus.NewLink(modbus.Options{
		Name:           lc.Name,
		Address:        lc.Address(),
		UnitID:         lc.UnitID,
		ConnectTimeout: lc.ConnectTimeout,
		RequestTimeout: lc.RequestTimeout,
		WriteTimeout:   lc.WriteTimeout,
		KeepAlive: modbus.KeepAlive{
			Enabled:      lc.KeepAlive.Enabled,
			Interval:     lc.KeepAlive.Interval,
			Address:      lc.KeepAlive.Address,
			FunctionCode: lc.KeepAlive.FunctionCode,
		},
		ResultBuffer: lc.ResultBuffer,
		Dial:         opts.Dial,
		Clock:        clk,
		Logger:       log,
		Metrics:      opts.Metrics,
	})

	m.Poller = NewPollScheduler(m.Link, lc.PollInterval, clk, log, opts.Metrics)
	m.Poller.SetDefinitions(m.Registry.Definitions())

	if cfg.Storage.HistoryEnabled {
		cache := utils.NewValueCache(cfg.Storage.HistoryDedupTTL, clk)
		m.History = NewStorage(db, m.Registry, cfg.Storage.QueueSize, cache, log)
	}
	return m, nil
}

// Run connects and processes until ctx is done, then shuts everything
// down. It returns an error only when the first connection cannot be
// established and reconnecting is disabled or exhausted.
func (m *Manager) Run(ctx context.Context) error {
	defer m.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	start(func() { m.Engine.Run(ctx, m.updates, m.cfg.Alarm.StaleCheckInterval) })
	start(func() { m.consumeResults(ctx) })
	start(func() { m.supervise(ctx) })

	if err := m.connect(ctx); err != nil {
		stopped := ctx.Err() != nil
		cancel()
		wg.Wait()
		if stopped {
			return nil
		}
		return err
	}
	start(func() { m.Poller.Run(ctx) })

	<-ctx.Done()
	m.log.Info().Msg("shutting down")
	wg.Wait()
	return nil
}

// Close releases the link, the history writer and the database. It is
// safe to call more than once.
func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		_ = m.Link.Close()
		if m.History != nil {
			m.History.Close()
		}
		if m.kafka != nil {
			if kerr := m.kafka.Close(); kerr != nil {
				m.log.Warn().Err(kerr).Msg("closing kafka writer")
			}
		}
		err = m.DB.Close()
	})
	return err
}

// connect dials with exponential backoff per link.reconnect.
func (m *Manager) connect(ctx context.Context) error {
	rc := m.cfg.Link.Reconnect
	delay := rc.InitialDelay
	for attempt := 1; ; attempt++ {
		err := m.Link.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, modbus.ErrLinkClosed) || ctx.Err() != nil {
			return err
		}
		if !rc.Enabled {
			return err
		}
		if rc.MaxAttempts > 0 && attempt >= rc.MaxAttempts {
			return fmt.Errorf("giving up after %d connect attempts: %w", attempt, err)
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")
		if !m.sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
		if delay > rc.MaxDelay {
			delay = rc.MaxDelay
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	ch := make(chan struct{})
	t := m.clock.AfterFunc(d, func() { close(ch) })
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

func (m *Manager) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.Link.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case modbus.EventConnected:
				m.log.Info().Str("link", m.cfg.Link.Name).Msg("link up")
				m.Poller.Resume()
			case modbus.EventConnectionLost:
				m.Poller.Pause()
				m.log.Error().Err(ev.Err).Str("link", m.cfg.Link.Name).Msg("link lost")
				m.notify(ctx, notify.ErrorEvent("link", m.cfg.Link.Name, ev.Err, ev.At))
				if !m.cfg.Link.Reconnect.Enabled {
					continue
				}
				if err := m.connect(ctx); err != nil && ctx.Err() == nil {
					m.log.Error().Err(err).Msg("reconnect abandoned")
					m.notify(ctx, notify.ErrorEvent("link", m.cfg.Link.Name, err, m.clock.Now()))
				}
			}
		}
	}
}

func (m *Manager) consumeResults(ctx context.Context) {
	results := m.Link.Results()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			batch := []modbus.ReadResult{res}
		drain:
			for len(batch) < maxResultBatch {
				select {
				case more, ok := <-results:
					if !ok {
						break drain
					}
					batch = append(batch, more)
				default:
					break drain
				}
			}
			m.handleResults(ctx, batch)
		}
	}
}

func (m *Manager) handleResults(ctx context.Context, results []modbus.ReadResult) {
	raws := make([]model.RawValue, 0, len(results))
	for _, res := range results {
		rv, err := m.Registry.Apply(res)
		if err != nil {
			id, _ := res.Tag.(string)
			m.log.Warn().Err(err).Str("point", id).Uint16("tid", res.TransactionID).Msg("read failed")
			if res.Err != nil {
				m.notify(ctx, notify.ErrorEvent("modbus", id, err, m.clock.Now()))
			}
			continue
		}
		raws = append(raws, rv)
	}
	m.process(ctx, raws)
}

// process runs raw values through the pipeline, records history and hands
// the updates to the alarm engine.
func (m *Manager) process(ctx context.Context, raws []model.RawValue) []model.Update {
	if len(raws) == 0 {
		return nil
	}
	updates := m.Pipeline.Process(raws)
	if len(updates) == 0 {
		return nil
	}
	if m.History != nil {
		for _, u := range updates {
			v, ok := m.Registry.Value(u.Identifier)
			if !ok || !v.Timestamp.Equal(u.Timestamp) {
				continue
			}
			if err := m.History.Handle(v); err != nil {
				m.log.Warn().Err(err).Str("point", u.Identifier).Msg("history value dropped")
			}
		}
	}
	select {
	case m.updates <- updates:
	case <-ctx.Done():
	}
	return updates
}

// Ingest feeds an externally pushed payload through the same path as
// polled values. id is required for scalar payloads only.
func (m *Manager) Ingest(ctx context.Context, id string, payload []byte) ([]model.Update, error) {
	raws, err := ingest.NormalizeFor(id, payload, m.clock.Now())
	if len(raws) == 0 {
		return nil, err
	}
	return m.process(ctx, raws), err
}

func (m *Manager) notify(ctx context.Context, ev notify.Event) {
	if err := m.Notifier.Notify(ctx, ev); err != nil {
		m.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("notify failed")
	}
}

// LinkState reports the current link state.
func (m *Manager) LinkState() modbus.State { return m.Link.State() }

func (m *Manager) Values() []model.DataPointValue { return m.Registry.Values() }

func (m *Manager) Value(id string) (model.DataPointValue, bool) { return m.Registry.Value(id) }

func (m *Manager) Definitions() []model.DataPointDefinition { return m.Registry.Definitions() }

func (m *Manager) WriteRegister(ctx context.Context, address, value uint16) (modbus.WriteResult, error) {
	return m.Link.WriteRegister(ctx, address, value)
}

func (m *Manager) WriteRegisters(ctx context.Context, address uint16, values []uint16) (modbus.WriteResult, error) {
	return m.Link.WriteRegisters(ctx, address, values)
}

func (m *Manager) AlarmHistory(ctx context.Context, f dbpkg.HistoryFilter) ([]model.AlarmRecord, int64, error) {
	return m.Alarms.History(ctx, f)
}

func (m *Manager) ActiveAlarms(ctx context.Context) ([]model.AlarmRecord, error) {
	return m.Alarms.Active(ctx)
}

func (m *Manager) RuleStates() []alarm.RuleState { return m.Engine.RuleStates() }

func (m *Manager) ResetRule(id string) bool { return m.Engine.ResetRule(id) }

func (m *Manager) PointHistory(ctx context.Context, id string, since time.Time, limit int) ([]model.PointValueRecord, error) {
	return m.DB.PointHistory(ctx, id, since, limit)
}
