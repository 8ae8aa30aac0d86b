// Package alarm evaluates alarm rules over the stream of point updates and
// records their transitions in the alarm store.
package alarm

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/clock"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/metrics"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/notify"
)

// Store is the alarm persistence the engine drives.
type Store interface {
	Trigger(ctx context.Context, identifier, content, level string, at time.Time, meta *model.PointMeta) (*model.AlarmRecord, bool, error)
	Clear(ctx context.Context, identifier string, at time.Time) (*model.AlarmRecord, error)
	Latest(ctx context.Context, identifier string) (*model.AlarmRecord, error)
}

// Catalog resolves data point definitions.
type Catalog interface {
	Definition(id string) (model.DataPointDefinition, bool)
}

// Rule kinds reported by RuleStates.
const (
	KindEdge      = "edge"
	KindNoUpdate  = "no_update"
	KindThreshold = "threshold"
	KindMulti     = "multi"
)

const defaultEdgeLevel = "alarm"

type Options struct {
	Catalog    Catalog
	PointRules []model.PointRule
	MultiRules []model.MultiConditionRule
	Store      Store
	Notifier   notify.Notifier
	Clock      clock.Clock
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

type edgeState struct {
	prev      *bool
	triggered bool
}

type pointState struct {
	triggered      bool
	conditionStart *time.Time
	lastCheck      time.Time
}

type multiState struct {
	count     int
	triggered bool
	lastCheck time.Time
	snapshot  map[string]any
}

// Engine owns all rule state. Every evaluation runs under one lock, which
// makes the engine the single owner of each rule's state.
type Engine struct {
	catalog  Catalog
	store    Store
	notifier notify.Notifier
	clock    clock.Clock
	log      zerolog.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	outbox     []notify.Event
	delivering bool
	pointRules []model.PointRule
	multiRules []model.MultiConditionRule
	rulesByPt  map[string][]int
	multisByPt map[string][]int
	edges      map[string]*edgeState
	points     map[string]*pointState
	multis     map[string]*multiState
	latest     map[string]any
	lastSeen   map[string]time.Time
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	e := &Engine{
		catalog:  opts.Catalog,
		store:    opts.Store,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		log:      opts.Logger.With().Str("component", "alarm").Logger(),
		metrics:  opts.Metrics,
		edges:    make(map[string]*edgeState),
		latest:   make(map[string]any),
		lastSeen: make(map[string]time.Time),
	}
	e.SetRules(opts.PointRules, opts.MultiRules)
	return e
}

// SetRules replaces the rule set. State of rules that keep their id is
// preserved.
func (e *Engine) SetRules(pointRules []model.PointRule, multiRules []model.MultiConditionRule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	oldPoints, oldMultis := e.points, e.multis
	e.pointRules = append([]model.PointRule(nil), pointRules...)
	e.multiRules = append([]model.MultiConditionRule(nil), multiRules...)
	e.rulesByPt = make(map[string][]int)
	e.multisByPt = make(map[string][]int)
	e.points = make(map[string]*pointState, len(pointRules))
	e.multis = make(map[string]*multiState, len(multiRules))

	for i, r := range e.pointRules {
		e.rulesByPt[r.Point] = append(e.rulesByPt[r.Point], i)
		if st, ok := oldPoints[r.ID]; ok {
			e.points[r.ID] = st
		} else {
			e.points[r.ID] = &pointState{}
		}
	}
	for i, r := range e.multiRules {
		seen := make(map[string]bool)
		for _, c := range r.Conditions {
			if !seen[c.Point] {
				seen[c.Point] = true
				e.multisByPt[c.Point] = append(e.multisByPt[c.Point], i)
			}
		}
		if st, ok := oldMultis[r.ID]; ok {
			e.multis[r.ID] = st
		} else {
			e.multis[r.ID] = &multiState{}
		}
	}
}

// Process evaluates one batch of updates. Every rule runs once per update
// of a point it references, so the outcome does not depend on how updates
// were batched. Resulting events are delivered after the state lock is
// released.
func (e *Engine) Process(ctx context.Context, updates []model.Update) {
	e.mu.Lock()
	for _, u := range updates {
		e.apply(ctx, u)
	}
	e.deliver(ctx)
}

func (e *Engine) apply(ctx context.Context, u model.Update) {
	e.latest[u.Identifier] = u.Value
	if u.Timestamp.After(e.lastSeen[u.Identifier]) {
		e.lastSeen[u.Identifier] = u.Timestamp
	}

	if d, ok := e.catalog.Definition(u.Identifier); ok && d.AlarmEnabled && d.Format.BitLike() {
		e.evalEdge(ctx, d, u)
	}
	for _, i := range e.rulesByPt[u.Identifier] {
		r := e.pointRules[i]
		if !r.Enabled {
			continue
		}
		switch r.Type {
		case model.RuleThreshold:
			e.evalThreshold(ctx, r, u)
		case model.RuleNoUpdate:
			// A fresh update can only clear a stale alarm.
			if e.points[r.ID].triggered {
				e.evalNoUpdate(ctx, r, e.clock.Now())
			}
		}
	}
	for _, i := range e.multisByPt[u.Identifier] {
		if r := e.multiRules[i]; r.Enabled {
			e.evalMulti(ctx, r)
		}
	}
}

// CheckStale evaluates every no-update rule against the current time.
func (e *Engine) CheckStale(ctx context.Context) {
	e.mu.Lock()
	now := e.clock.Now()
	for _, r := range e.pointRules {
		if r.Enabled && r.Type == model.RuleNoUpdate {
			e.evalNoUpdate(ctx, r, now)
		}
	}
	e.deliver(ctx)
}

// deliver is entered with e.mu held and releases it before any event
// reaches the notifier. Only one caller delivers at a time and it drains
// the outbox until empty, so events leave in the order they were produced
// and a slow sink never stalls evaluation.
func (e *Engine) deliver(ctx context.Context) {
	if e.delivering {
		e.mu.Unlock()
		return
	}
	e.delivering = true
	for {
		events := e.outbox
		e.outbox = nil
		if len(events) == 0 {
			e.delivering = false
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		for _, ev := range events {
			if err := e.notifier.Notify(ctx, ev); err != nil {
				e.log.Warn().Err(err).Str("event", string(ev.Type)).Str("identifier", ev.Identifier).Msg("notify failed")
			}
		}
		e.mu.Lock()
	}
}

// Run consumes update batches until in is closed or ctx is done, checking
// staleness every staleInterval.
func (e *Engine) Run(ctx context.Context, in <-chan []model.Update, staleInterval time.Duration) {
	if staleInterval <= 0 {
		staleInterval = time.Second
	}
	t := e.clock.NewTicker(staleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-in:
			if !ok {
				return
			}
			e.Process(ctx, batch)
		case <-t.C:
			e.CheckStale(ctx)
		}
	}
}

// ResetRule clears the in-memory state of a rule or an edge alarm so it
// re-arms. Persisted alarm rows are not touched.
func (e *Engine) ResetRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.points[id]; ok {
		e.points[id] = &pointState{}
		e.log.Info().Str("rule", id).Msg("rule state reset")
		return true
	}
	if _, ok := e.multis[id]; ok {
		e.multis[id] = &multiState{}
		e.log.Info().Str("rule", id).Msg("rule state reset")
		return true
	}
	if _, ok := e.edges[id]; ok {
		e.edges[id] = &edgeState{}
		e.log.Info().Str("point", id).Msg("edge alarm state reset")
		return true
	}
	return false
}

// RuleState is a read-only view of one rule's state.
type RuleState struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	Triggered      bool           `json:"triggered"`
	Count          int            `json:"count,omitempty"`
	ConditionStart *time.Time     `json:"condition_start,omitempty"`
	LastCheck      time.Time      `json:"last_check,omitempty"`
	Snapshot       map[string]any `json:"snapshot,omitempty"`
}

// RuleStates returns the state of every rule and edge alarm, by id.
func (e *Engine) RuleStates() []RuleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RuleState, 0, len(e.points)+len(e.multis)+len(e.edges))
	for _, r := range e.pointRules {
		st := e.points[r.ID]
		rs := RuleState{ID: r.ID, Kind: string(r.Type), Triggered: st.triggered, LastCheck: st.lastCheck}
		if st.conditionStart != nil {
			cs := *st.conditionStart
			rs.ConditionStart = &cs
		}
		out = append(out, rs)
	}
	for _, r := range e.multiRules {
		st := e.multis[r.ID]
		snap := make(map[string]any, len(st.snapshot))
		for k, v := range st.snapshot {
			snap[k] = v
		}
		out = append(out, RuleState{ID: r.ID, Kind: KindMulti, Triggered: st.triggered, Count: st.count, LastCheck: st.lastCheck, Snapshot: snap})
	}
	for id, st := range e.edges {
		out = append(out, RuleState{ID: id, Kind: KindEdge, Triggered: st.triggered})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// trigger persists an alarm and notifies on a newly created row. It
// reports whether the caller may advance its state.
func (e *Engine) trigger(ctx context.Context, kind, identifier, content, level string, at time.Time, meta *model.PointMeta) bool {
	rec, created, err := e.store.Trigger(ctx, identifier, content, level, at, meta)
	if err != nil {
		e.persistenceFailed("trigger", identifier, err, at)
		return false
	}
	if !created {
		e.log.Debug().Str("identifier", identifier).Uint("record", rec.ID).Msg("alarm already active")
		return true
	}
	e.metrics.AlarmTransition(kind, "trigger")
	e.log.Warn().Str("identifier", identifier).Str("kind", kind).Str("level", level).Msg(content)
	ev := notify.NewEvent(notify.EventAlarm, identifier, at)
	ev.Content, ev.Level, ev.Point = content, level, meta
	e.send(ev)
	return true
}

func (e *Engine) clear(ctx context.Context, kind, identifier string, at time.Time) bool {
	rec, err := e.store.Clear(ctx, identifier, at)
	if err != nil {
		e.persistenceFailed("clear", identifier, err, at)
		return false
	}
	if rec == nil {
		return true
	}
	e.metrics.AlarmTransition(kind, "clear")
	e.log.Info().Str("identifier", identifier).Str("kind", kind).Msg("alarm cleared")
	ev := notify.NewEvent(notify.EventAlarmCleared, identifier, at)
	ev.Content, ev.Level = rec.Content, rec.Level
	if rec.PointID != nil {
		ev.Point = &model.PointMeta{ID: *rec.PointID}
		if rec.PointName != nil {
			ev.Point.Name = *rec.PointName
		}
	}
	e.send(ev)
	return true
}

func (e *Engine) persistenceFailed(op, identifier string, err error, at time.Time) {
	e.metrics.PersistenceError(op)
	e.log.Error().Err(err).Str("identifier", identifier).Str("op", op).Msg("alarm store failed, will retry on next evaluation")
	e.send(notify.ErrorEvent("alarm", identifier, err, at))
}

// send queues ev for delivery once the current evaluation ends.
func (e *Engine) send(ev notify.Event) { e.outbox = append(e.outbox, ev) }

// renderContent fills {id}, {name} and {value} placeholders.
func renderContent(tmpl, id, name string, value any) string {
	return strings.NewReplacer("{id}", id, "{name}", name, "{value}", stringOf(value)).Replace(tmpl)
}
