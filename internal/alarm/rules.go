package alarm

import (
	"context"
	"time"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

// evalEdge fires on bit transitions only. Normal polarity triggers on 0->1
// and clears on 1->0; a low-level alarm inverts both. State is not
// advanced when the store fails so the same transition is retried.
func (e *Engine) evalEdge(ctx context.Context, d model.DataPointDefinition, u model.Update) {
	f, ok := u.Float()
	if !ok {
		return
	}
	cur := f != 0
	st := e.edges[d.ID]
	if st == nil {
		st = &edgeState{}
		e.edges[d.ID] = st
	}
	if st.prev == nil {
		st.prev = &cur
		return
	}
	prev := *st.prev
	rising, falling := !prev && cur, prev && !cur
	fire, release := rising, falling
	if d.LowLevelAlarm {
		fire, release = falling, rising
	}

	switch {
	case fire && !st.triggered:
		content := d.AlarmContent
		if content == "" {
			content = d.DisplayName() + " alarm"
		}
		content = renderContent(content, d.ID, d.DisplayName(), u.Value)
		meta := &model.PointMeta{ID: d.ID, Name: d.DisplayName()}
		if !e.trigger(ctx, KindEdge, d.ID, content, defaultEdgeLevel, u.Timestamp, meta) {
			return
		}
		st.triggered = true
	case release && st.triggered:
		if !e.clear(ctx, KindEdge, d.ID, u.Timestamp) {
			return
		}
		st.triggered = false
	}
	st.prev = &cur
}

func (e *Engine) pointMeta(id string) *model.PointMeta {
	if d, ok := e.catalog.Definition(id); ok {
		return &model.PointMeta{ID: d.ID, Name: d.DisplayName()}
	}
	return &model.PointMeta{ID: id, Name: id}
}

func ruleContent(r model.PointRule, meta *model.PointMeta, value any) string {
	content := r.Content
	if content == "" {
		switch r.Type {
		case model.RuleNoUpdate:
			content = "{name} has not updated"
		default:
			content = "{name} out of range: {value}"
		}
	}
	return renderContent(content, meta.ID, meta.Name, value)
}

// evalNoUpdate triggers when the point has been silent longer than the
// timeout. Memory is first reconciled with the latest stored record for
// the rule, since the two can drift across restarts.
func (e *Engine) evalNoUpdate(ctx context.Context, r model.PointRule, now time.Time) {
	st := e.points[r.ID]
	latest, err := e.store.Latest(ctx, r.ID)
	if err != nil {
		e.persistenceFailed("latest", r.ID, err, now)
		return
	}
	persisted := latest != nil && latest.Status == model.AlarmActive
	if persisted != st.triggered {
		e.log.Warn().Str("rule", r.ID).Bool("memory", st.triggered).Bool("store", persisted).Msg("rule state drifted from store, correcting")
		st.triggered = persisted
	}

	last := e.lastSeen[r.Point] // zero time when never seen
	timeout := time.Duration(r.TimeoutSeconds * float64(time.Second))
	stale := now.Sub(last) > timeout

	switch {
	case stale && !st.triggered:
		meta := e.pointMeta(r.Point)
		if !e.trigger(ctx, KindNoUpdate, r.ID, ruleContent(r, meta, nil), r.Level, now, meta) {
			return
		}
		st.triggered = true
	case !stale && st.triggered:
		if !e.clear(ctx, KindNoUpdate, r.ID, now) {
			return
		}
		st.triggered = false
	}
	st.lastCheck = now
}

// evalThreshold triggers once the comparator has held continuously for the
// configured duration, measured on update timestamps.
func (e *Engine) evalThreshold(ctx context.Context, r model.PointRule, u model.Update) {
	v, ok := u.Float()
	if !ok {
		return
	}
	st := e.points[r.ID]
	now := u.Timestamp

	if !compareFloat(v, r.Operator, r.Value) {
		if st.triggered {
			if !e.clear(ctx, KindThreshold, r.ID, now) {
				return
			}
			st.triggered = false
		}
		st.conditionStart = nil
		st.lastCheck = now
		return
	}

	if st.conditionStart == nil {
		start := now
		st.conditionStart = &start
	}
	duration := time.Duration(r.DurationSeconds * float64(time.Second))
	if !st.triggered && now.Sub(*st.conditionStart) >= duration {
		meta := e.pointMeta(r.Point)
		if !e.trigger(ctx, KindThreshold, r.ID, ruleContent(r, meta, v), r.Level, now, meta) {
			return
		}
		st.triggered = true
	}
	st.lastCheck = now
}

// conditionsMet applies the combination rule: any satisfied "or"
// condition makes the rule met; otherwise every "and" condition must hold
// and there must be at least one.
func conditionsMet(conds []model.Condition, values map[string]any) bool {
	ands, andsHeld := 0, 0
	for _, c := range conds {
		v, ok := values[c.Point]
		holds := ok && compareValue(v, c.Operator, c.Value)
		if c.Logic == model.LogicOr {
			if holds {
				return true
			}
			continue
		}
		ands++
		if holds {
			andsHeld++
		}
	}
	return ands > 0 && ands == andsHeld
}

// evalMulti applies the consecutive-count debounce on top of
// conditionsMet.
func (e *Engine) evalMulti(ctx context.Context, r model.MultiConditionRule) {
	st := e.multis[r.ID]
	now := e.clock.Now()

	snap := make(map[string]any, len(r.Conditions))
	for _, c := range r.Conditions {
		if v, ok := e.latest[c.Point]; ok {
			snap[c.Point] = v
		}
	}

	if !conditionsMet(r.Conditions, snap) {
		if st.triggered {
			if !e.clear(ctx, KindMulti, r.ID, now) {
				return
			}
			st.triggered = false
		}
		st.count = 0
		st.snapshot, st.lastCheck = snap, now
		return
	}

	count := st.count + 1
	if count > r.Required() {
		count = r.Required()
	}
	if count >= r.Required() && !st.triggered {
		content := r.Content
		if content == "" {
			content = r.Name
		}
		if content == "" {
			content = r.ID
		}
		if !e.trigger(ctx, KindMulti, r.ID, renderContent(content, r.ID, r.Name, nil), r.Level, now, nil) {
			return
		}
		st.triggered = true
	}
	st.count = count
	st.snapshot, st.lastCheck = snap, now
}
