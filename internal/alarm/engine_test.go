package alarm

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/clock"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/db"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/notify"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// memStore mirrors the alarm store contract in memory.
type memStore struct {
	mu      sync.Mutex
	rows    []model.AlarmRecord
	fail    error
	latestN int
}

func (m *memStore) active(id string) int {
	for i := range m.rows {
		if m.rows[i].Identifier == id && m.rows[i].Status == model.AlarmActive {
			return i
		}
	}
	return -1
}

func (m *memStore) Trigger(_ context.Context, id, content, level string, at time.Time, meta *model.PointMeta) (*model.AlarmRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, false, m.fail
	}
	if i := m.active(id); i >= 0 {
		r := m.rows[i]
		return &r, false, nil
	}
	r := model.AlarmRecord{ID: uint(len(m.rows) + 1), Identifier: id, Content: content, Level: level, TriggeredTime: at, Status: model.AlarmActive}
	if meta != nil {
		pid, name := meta.ID, meta.Name
		r.PointID, r.PointName = &pid, &name
	}
	m.rows = append(m.rows, r)
	return &r, true, nil
}

func (m *memStore) Clear(_ context.Context, id string, at time.Time) (*model.AlarmRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	i := m.active(id)
	if i < 0 {
		return nil, nil
	}
	m.rows[i].Status = model.AlarmCleared
	m.rows[i].ClearedTime = &at
	r := m.rows[i]
	return &r, nil
}

func (m *memStore) Latest(_ context.Context, id string) (*model.AlarmRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestN++
	if m.fail != nil {
		return nil, m.fail
	}
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].Identifier == id {
			r := m.rows[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memStore) count(id string, status model.AlarmStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.Identifier == id && r.Status == status {
			n++
		}
	}
	return n
}

type mapCatalog map[string]model.DataPointDefinition

func (c mapCatalog) Definition(id string) (model.DataPointDefinition, bool) {
	d, ok := c[id]
	return d, ok
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	engine *Engine
	store  *memStore
	events *recorder
	clock  *clock.Fake
}

func newFixture(t *testing.T, cat mapCatalog, pointRules []model.PointRule, multiRules []model.MultiConditionRule) *fixture {
	t.Helper()
	f := &fixture{store: &memStore{}, events: &recorder{}, clock: clock.NewFake(t0)}
	f.engine = New(Options{
		Catalog:    cat,
		PointRules: pointRules,
		MultiRules: multiRules,
		Store:      f.store,
		Notifier:   f.events,
		Clock:      f.clock,
		Logger:     zerolog.Nop(),
	})
	return f
}

func (f *fixture) feed(id string, values ...any) {
	for i, v := range values {
		f.engine.Process(context.Background(), []model.Update{{Identifier: id, Value: v, Timestamp: t0.Add(time.Duration(i) * time.Second)}})
	}
}

func sameTypes(got []notify.EventType, want ...notify.EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func bit(b uint8) *uint8 { return &b }

func TestEdgeAlarmRisingTriggersFallingClears(t *testing.T) {
	cat := mapCatalog{"door": {ID: "door", Name: "Door open", Format: model.FormatBit, BitPosition: bit(0), AlarmEnabled: true, AlarmContent: "{name} alarm"}}
	f := newFixture(t, cat, nil, nil)

	f.feed("door", 0.0, 0.0, 1.0, 1.0, 0.0)

	if got := f.events.types(); !sameTypes(got, notify.EventAlarm, notify.EventAlarmCleared) {
		t.Fatalf("events = %v", got)
	}
	if f.store.count("door", model.AlarmCleared) != 1 || f.store.count("door", model.AlarmActive) != 0 {
		t.Fatalf("rows = %+v", f.store.rows)
	}
	ev := f.events.events[0]
	if ev.Content != "Door open alarm" || ev.Point == nil || ev.Point.ID != "door" {
		t.Fatalf("alarm event = %+v", ev)
	}
	if !f.store.rows[0].TriggeredTime.Equal(t0.Add(2 * time.Second)) {
		t.Fatalf("triggered at %v", f.store.rows[0].TriggeredTime)
	}
}

func TestEdgeAlarmLowLevelInvertsPolarity(t *testing.T) {
	cat := mapCatalog{"level_ok": {ID: "level_ok", Format: model.FormatPoint, BitPosition: bit(3), AlarmEnabled: true, LowLevelAlarm: true}}
	f := newFixture(t, cat, nil, nil)

	f.feed("level_ok", 0.0, 0.0, 1.0, 1.0, 0.0)

	// 0->1 clears (nothing active) and 1->0 triggers.
	if got := f.events.types(); !sameTypes(got, notify.EventAlarm) {
		t.Fatalf("events = %v", got)
	}
	if f.store.count("level_ok", model.AlarmActive) != 1 {
		t.Fatalf("rows = %+v", f.store.rows)
	}
}

func TestEdgeAlarmFirstSampleIsBaseline(t *testing.T) {
	cat := mapCatalog{"door": {ID: "door", Format: model.FormatBit, AlarmEnabled: true}}
	f := newFixture(t, cat, nil, nil)
	f.feed("door", 1.0)
	if len(f.events.types()) != 0 {
		t.Fatalf("first sample should not fire, got %v", f.events.types())
	}
}

func TestEdgeAlarmIgnoresDisabledAndNonBitPoints(t *testing.T) {
	cat := mapCatalog{
		"off":  {ID: "off", Format: model.FormatBit},
		"temp": {ID: "temp", Format: model.FormatFloat32, AlarmEnabled: true},
	}
	f := newFixture(t, cat, nil, nil)
	f.feed("off", 0.0, 1.0)
	f.feed("temp", 0.0, 1.0)
	if len(f.events.types()) != 0 {
		t.Fatalf("events = %v", f.events.types())
	}
}

func TestEdgeAlarmRetriesAfterPersistenceFailure(t *testing.T) {
	cat := mapCatalog{"door": {ID: "door", Format: model.FormatBit, AlarmEnabled: true}}
	f := newFixture(t, cat, nil, nil)
	f.feed("door", 0.0)

	f.store.fail = errors.New("database is locked")
	f.feed("door", 1.0)
	if got := f.events.types(); !sameTypes(got, notify.EventError) {
		t.Fatalf("events after failure = %v", got)
	}

	// Previous value was not advanced, so the same 0->1 edge fires again.
	f.store.fail = nil
	f.feed("door", 1.0)
	if got := f.events.types(); !sameTypes(got, notify.EventError, notify.EventAlarm) {
		t.Fatalf("events after retry = %v", got)
	}
	if f.store.count("door", model.AlarmActive) != 1 {
		t.Fatalf("rows = %+v", f.store.rows)
	}
}

func TestNoUpdateRuleTriggersAndClears(t *testing.T) {
	cat := mapCatalog{"flow": {ID: "flow", Name: "Flow", Format: model.FormatUint16}}
	rule := model.PointRule{ID: "flow_stale", Point: "flow", Type: model.RuleNoUpdate, TimeoutSeconds: 5, Level: "warning", Enabled: true}
	f := newFixture(t, cat, []model.PointRule{rule}, nil)
	ctx := context.Background()

	f.engine.Process(ctx, []model.Update{{Identifier: "flow", Value: 3.0, Timestamp: t0}})
	f.clock.Advance(4 * time.Second)
	f.engine.CheckStale(ctx)
	if len(f.events.types()) != 0 {
		t.Fatalf("fired before timeout: %v", f.events.types())
	}

	f.clock.Advance(2 * time.Second)
	f.engine.CheckStale(ctx)
	f.engine.CheckStale(ctx)
	if got := f.events.types(); !sameTypes(got, notify.EventAlarm) {
		t.Fatalf("events = %v", got)
	}
	if f.events.events[0].Content != "Flow has not updated" || f.events.events[0].Level != "warning" {
		t.Fatalf("event = %+v", f.events.events[0])
	}

	f.engine.Process(ctx, []model.Update{{Identifier: "flow", Value: 4.0, Timestamp: f.clock.Now()}})
	if got := f.events.types(); !sameTypes(got, notify.EventAlarm, notify.EventAlarmCleared) {
		t.Fatalf("events = %v", got)
	}
	if f.store.count("flow_stale", model.AlarmActive) != 0 {
		t.Fatal("alarm still active")
	}
}

func TestNoUpdateRuleNeverSeenIsStale(t *testing.T) {
	rule := model.PointRule{ID: "r", Point: "ghost", Type: model.RuleNoUpdate, TimeoutSeconds: 60, Enabled: true}
	f := newFixture(t, mapCatalog{}, []model.PointRule{rule}, nil)
	f.engine.CheckStale(context.Background())
	if f.store.count("r", model.AlarmActive) != 1 {
		t.Fatalf("rows = %+v", f.store.rows)
	}
}

func TestNoUpdateRuleReconcilesWithStore(t *testing.T) {
	rule := model.PointRule{ID: "r", Point: "flow", Type: model.RuleNoUpdate, TimeoutSeconds: 5, Enabled: true}
	f := newFixture(t, mapCatalog{}, []model.PointRule{rule}, nil)
	ctx := context.Background()

	// Active row left over from a previous run, point fresh now.
	_, _, _ = f.store.Trigger(ctx, "r", "stale", "", t0, nil)
	f.engine.Process(ctx, []model.Update{{Identifier: "flow", Value: 1.0, Timestamp: t0}})
	f.engine.CheckStale(ctx)

	if f.store.count("r", model.AlarmActive) != 0 {
		t.Fatal("leftover alarm should be cleared after reconciliation")
	}
	if got := f.events.types(); !sameTypes(got, notify.EventAlarmCleared) {
		t.Fatalf("events = %v", got)
	}
}

func TestNoUpdateRuleStoreFailureChangesNothing(t *testing.T) {
	rule := model.PointRule{ID: "r", Point: "flow", Type: model.RuleNoUpdate, TimeoutSeconds: 5, Enabled: true}
	f := newFixture(t, mapCatalog{}, []model.PointRule{rule}, nil)
	f.store.fail = errors.New("disk I/O error")
	f.engine.CheckStale(context.Background())

	if got := f.events.types(); !sameTypes(got, notify.EventError) {
		t.Fatalf("events = %v", got)
	}
	for _, st := range f.engine.RuleStates() {
		if st.ID == "r" && st.Triggered {
			t.Fatal("rule should not be triggered")
		}
	}
}

func TestThresholdRuleHonoursDuration(t *testing.T) {
	cat := mapCatalog{"temp": {ID: "temp", Name: "Temperature", Format: model.FormatFloat32}}
	rule := model.PointRule{ID: "temp_high", Point: "temp", Type: model.RuleThreshold, Operator: model.OpGt, Value: 10, DurationSeconds: 3, Level: "high", Enabled: true}
	f := newFixture(t, cat, []model.PointRule{rule}, nil)

	f.feed("temp", 11.0, 12.0, 12.5)
	if len(f.events.types()) != 0 {
		t.Fatalf("fired before duration: %v", f.events.types())
	}
	f.engine.Process(context.Background(), []model.Update{{Identifier: "temp", Value: 13.0, Timestamp: t0.Add(3 * time.Second)}})
	if got := f.events.types(); !sameTypes(got, notify.EventAlarm) {
		t.Fatalf("events = %v", got)
	}
	if c := f.events.events[0].Content; c != "Temperature out of range: 13" {
		t.Fatalf("content = %q", c)
	}

	f.engine.Process(context.Background(), []model.Update{{Identifier: "temp", Value: 9.0, Timestamp: t0.Add(4 * time.Second)}})
	if got := f.events.types(); !sameTypes(got, notify.EventAlarm, notify.EventAlarmCleared) {
		t.Fatalf("events = %v", got)
	}
}

func TestThresholdRuleResetsWhenConditionBreaks(t *testing.T) {
	rule := model.PointRule{ID: "r", Point: "temp", Type: model.RuleThreshold, Operator: model.OpGt, Value: 10, DurationSeconds: 3, Enabled: true}
	f := newFixture(t, mapCatalog{}, []model.PointRule{rule}, nil)

	// Broken at second 2, so the window restarts at second 3.
	f.feed("temp", 11.0, 11.0, 5.0, 11.0, 11.0, 11.0)
	if len(f.events.types()) != 0 {
		t.Fatalf("events = %v", f.events.types())
	}
	f.engine.Process(context.Background(), []model.Update{{Identifier: "temp", Value: 11.0, Timestamp: t0.Add(6 * time.Second)}})
	if f.store.count("r", model.AlarmActive) != 1 {
		t.Fatalf("rows = %+v", f.store.rows)
	}
}

func TestThresholdRuleIgnoresNonNumeric(t *testing.T) {
	rule := model.PointRule{ID: "r", Point: "mode", Type: model.RuleThreshold, Operator: model.OpGt, Value: 0, Enabled: true}
	f := newFixture(t, mapCatalog{}, []model.PointRule{rule}, nil)
	f.feed("mode", "auto", "manual")
	if len(f.events.types()) != 0 {
		t.Fatalf("events = %v", f.events.types())
	}
}

func TestDisabledRuleIsSkipped(t *testing.T) {
	rule := model.PointRule{ID: "r", Point: "temp", Type: model.RuleThreshold, Operator: model.OpGt, Value: 10}
	f := newFixture(t, mapCatalog{}, []model.PointRule{rule}, nil)
	f.feed("temp", 20.0, 20.0)
	if len(f.events.types()) != 0 {
		t.Fatalf("events = %v", f.events.types())
	}
}

func TestMultiRuleConsecutiveCount(t *testing.T) {
	rule := model.MultiConditionRule{
		ID:   "pump_dry",
		Name: "Pump running dry",
		Conditions: []model.Condition{
			{Point: "pump_on", Operator: model.OpEq, Value: "1", Logic: model.LogicAnd},
			{Point: "flow", Operator: model.OpLt, Value: "0.5", Logic: model.LogicAnd},
		},
		ConsecutiveCount: 3,
		Level:            "critical",
		Enabled:          true,
	}
	f := newFixture(t, mapCatalog{}, nil, []model.MultiConditionRule{rule})

	// flow is still unknown, so this evaluation is unmet.
	f.feed("pump_on", 1.0)
	f.feed("flow", 0.1, 0.2, 2.0) // the last one resets the count
	f.feed("flow", 0.1, 0.1)
	if len(f.events.types()) != 0 {
		t.Fatalf("fired early: %v", f.events.types())
	}
	f.feed("flow", 0.1)
	if got := f.events.types(); !sameTypes(got, notify.EventAlarm) {
		t.Fatalf("events = %v", got)
	}
	if f.events.events[0].Content != "Pump running dry" || f.events.events[0].Level != "critical" {
		t.Fatalf("event = %+v", f.events.events[0])
	}

	f.feed("flow", 0.1)
	if len(f.events.types()) != 1 {
		t.Fatalf("re-fired while active: %v", f.events.types())
	}
	f.feed("pump_on", 0.0)
	if got := f.events.types(); !sameTypes(got, notify.EventAlarm, notify.EventAlarmCleared) {
		t.Fatalf("events = %v", got)
	}
	for _, st := range f.engine.RuleStates() {
		if st.ID == "pump_dry" && (st.Count != 0 || st.Triggered) {
			t.Fatalf("state = %+v", st)
		}
	}
}

func TestMultiRuleCountIgnoresBatching(t *testing.T) {
	rule := model.MultiConditionRule{
		ID:               "r",
		Conditions:       []model.Condition{{Point: "a", Operator: model.OpGt, Value: "0"}, {Point: "b", Operator: model.OpGt, Value: "0"}},
		ConsecutiveCount: 3,
		Enabled:          true,
	}
	updates := []model.Update{
		{Identifier: "a", Value: 1.0, Timestamp: t0},
		{Identifier: "b", Value: 1.0, Timestamp: t0},
		{Identifier: "a", Value: 2.0, Timestamp: t0.Add(time.Second)},
		{Identifier: "b", Value: 2.0, Timestamp: t0.Add(time.Second)},
	}
	ctx := context.Background()

	batched := newFixture(t, mapCatalog{}, nil, []model.MultiConditionRule{rule})
	batched.engine.Process(ctx, updates)

	single := newFixture(t, mapCatalog{}, nil, []model.MultiConditionRule{rule})
	for _, u := range updates {
		single.engine.Process(ctx, []model.Update{u})
	}

	for name, f := range map[string]*fixture{"batched": batched, "single": single} {
		if got := f.events.types(); !sameTypes(got, notify.EventAlarm) {
			t.Fatalf("%s: events = %v", name, got)
		}
		if st := f.engine.RuleStates()[0]; st.Count != 3 || !st.Triggered {
			t.Fatalf("%s: state = %+v", name, st)
		}
	}
}

// gate blocks every Notify until release is closed.
type gate struct {
	entered chan notify.Event
	release chan struct{}
}

func (g *gate) Notify(ctx context.Context, ev notify.Event) error {
	g.entered <- ev
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowNotifierDoesNotHoldRuleState(t *testing.T) {
	rule := model.PointRule{ID: "r", Point: "temp", Type: model.RuleThreshold, Operator: model.OpGt, Value: 10, Enabled: true}
	g := &gate{entered: make(chan notify.Event, 4), release: make(chan struct{})}
	e := New(Options{
		Catalog:    mapCatalog{},
		PointRules: []model.PointRule{rule},
		Store:      &memStore{},
		Notifier:   g,
		Clock:      clock.NewFake(t0),
		Logger:     zerolog.Nop(),
	})
	ctx := context.Background()

	first := make(chan struct{})
	go func() {
		defer close(first)
		e.Process(ctx, []model.Update{{Identifier: "temp", Value: 20.0, Timestamp: t0}})
	}()
	select {
	case ev := <-g.entered:
		if ev.Type != notify.EventAlarm {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notifier never called")
	}

	// The notifier is stuck; state reads and further evaluations go on.
	states := make(chan []RuleState, 1)
	go func() { states <- e.RuleStates() }()
	select {
	case st := <-states:
		if len(st) != 1 || !st[0].Triggered {
			t.Fatalf("states = %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RuleStates blocked behind the notifier")
	}

	second := make(chan struct{})
	go func() {
		defer close(second)
		e.Process(ctx, []model.Update{{Identifier: "temp", Value: 5.0, Timestamp: t0.Add(time.Second)}})
	}()
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("Process blocked behind the notifier")
	}
	if st := e.RuleStates(); st[0].Triggered {
		t.Fatalf("rule not cleared: %+v", st)
	}

	close(g.release)
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first Process never returned")
	}
	select {
	case ev := <-g.entered:
		if ev.Type != notify.EventAlarmCleared {
			t.Fatalf("second event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("clear event never delivered")
	}
}

func TestConditionsMet(t *testing.T) {
	values := map[string]any{"a": 5.0, "b": "auto", "c": 0.0}
	cases := []struct {
		name  string
		conds []model.Condition
		want  bool
	}{
		{"all and hold", []model.Condition{{Point: "a", Operator: model.OpGte, Value: "5"}, {Point: "b", Operator: model.OpEq, Value: "auto"}}, true},
		{"one and fails", []model.Condition{{Point: "a", Operator: model.OpGt, Value: "5"}, {Point: "b", Operator: model.OpEq, Value: "auto"}}, false},
		{"or short circuits", []model.Condition{{Point: "a", Operator: model.OpGt, Value: "9"}, {Point: "c", Operator: model.OpEq, Value: "0", Logic: model.LogicOr}}, true},
		{"only failing or", []model.Condition{{Point: "c", Operator: model.OpEq, Value: "1", Logic: model.LogicOr}}, false},
		{"missing point", []model.Condition{{Point: "zzz", Operator: model.OpEq, Value: "0"}}, false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := conditionsMet(tc.conds, values); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCompareValue(t *testing.T) {
	cases := []struct {
		v    any
		op   model.Operator
		lit  string
		want bool
	}{
		{1.0000001, model.OpEq, "1", true},
		{1.1, model.OpNeq, "1", true},
		{2.0, model.OpGte, "2", true},
		{1.9999999, model.OpGte, "2", true},
		{3.0, model.OpLte, "2", false},
		{"12", model.OpGt, "9", true},
		{"b", model.OpGt, "a", true},
		{"auto", model.OpEq, "manual", false},
		{true, model.OpEq, "1", true},
		{1.0, model.Operator("like"), "1", false},
	}
	for _, tc := range cases {
		if got := compareValue(tc.v, tc.op, tc.lit); got != tc.want {
			t.Errorf("compareValue(%v, %s, %q) = %v, want %v", tc.v, tc.op, tc.lit, got, tc.want)
		}
	}
}

func TestResetRuleRearms(t *testing.T) {
	rule := model.PointRule{ID: "r", Point: "temp", Type: model.RuleThreshold, Operator: model.OpGt, Value: 10, Enabled: true}
	f := newFixture(t, mapCatalog{}, []model.PointRule{rule}, nil)
	f.feed("temp", 20.0)
	if !f.engine.ResetRule("r") {
		t.Fatal("reset should find the rule")
	}
	if f.engine.ResetRule("unknown") {
		t.Fatal("reset of unknown id should report false")
	}
	// The store still holds the active row, so no second row is created.
	f.feed("temp", 20.0)
	if f.store.count("r", model.AlarmActive) != 1 || len(f.events.types()) != 1 {
		t.Fatalf("rows = %+v events = %v", f.store.rows, f.events.types())
	}
}

func TestRunChecksStalenessOnTicker(t *testing.T) {
	rule := model.PointRule{ID: "r", Point: "flow", Type: model.RuleNoUpdate, TimeoutSeconds: 1, Enabled: true}
	f := newFixture(t, mapCatalog{}, []model.PointRule{rule}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan []model.Update)
	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx, in, time.Second)
		close(done)
	}()

	in <- []model.Update{{Identifier: "flow", Value: 1.0, Timestamp: t0}}
	deadline := time.Now().Add(2 * time.Second)
	for f.store.count("r", model.AlarmActive) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no-update alarm not raised by ticker")
		}
		f.clock.Advance(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestEngineWithSQLiteStore(t *testing.T) {
	d, err := db.Open(filepath.Join(t.TempDir(), "engine.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	store := db.NewAlarmStore(d)

	cat := mapCatalog{"door": {ID: "door", Name: "Door", Format: model.FormatBit, AlarmEnabled: true}}
	events := &recorder{}
	e := New(Options{Catalog: cat, Store: store, Notifier: events, Clock: clock.NewFake(t0), Logger: zerolog.Nop()})
	for i, v := range []float64{0, 1, 0, 1} {
		e.Process(context.Background(), []model.Update{{Identifier: "door", Value: v, Timestamp: t0.Add(time.Duration(i) * time.Minute)}})
	}

	rows, total, err := store.History(context.Background(), db.HistoryFilter{Identifier: "door"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 2 || len(rows) != 2 {
		t.Fatalf("total = %d rows = %+v", total, rows)
	}
	active, err := store.Active(context.Background())
	if err != nil || len(active) != 1 || active[0].PointName == nil || *active[0].PointName != "Door" {
		t.Fatalf("active = %+v err = %v", active, err)
	}
	if got := events.types(); !sameTypes(got, notify.EventAlarm, notify.EventAlarmCleared, notify.EventAlarm) {
		t.Fatalf("events = %v", got)
	}
}
