package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

// PersistenceError is a failed alarm store operation. The transaction was
// rolled back; no row was half-updated.
type PersistenceError struct {
	Op         string
	Identifier string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("alarm store: %s %s: %v", e.Op, e.Identifier, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// HistoryFilter selects alarm rows. Zero fields do not filter.
type HistoryFilter struct {
	Identifier string
	Status     model.AlarmStatus
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// AlarmStore persists the alarm lifecycle. Trigger and Clear for the same
// identifier are serialized and each runs in one transaction.
type AlarmStore struct {
	db    *gorm.DB
	locks keyedMutex
}

func NewAlarmStore(d *DB) *AlarmStore {
	return &AlarmStore{db: d.ORM}
}

func findActive(tx *gorm.DB, identifier string) (*model.AlarmRecord, error) {
	var rec model.AlarmRecord
	err := tx.Where("identifier = ? AND status = ?", identifier, model.AlarmActive).
		Order("triggered_time DESC, id DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Trigger opens an alarm for identifier. When an active row already exists
// it is returned unchanged and created is false.
func (s *AlarmStore) Trigger(ctx context.Context, identifier, content, level string, at time.Time, meta *model.PointMeta) (*model.AlarmRecord, bool, error) {
	unlock := s.locks.Lock(identifier)
	defer unlock()

	var (
		out     *model.AlarmRecord
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findActive(tx, identifier)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}
		rec := &model.AlarmRecord{
			Identifier:    identifier,
			Content:       content,
			Level:         level,
			TriggeredTime: at.UTC(),
			Status:        model.AlarmActive,
		}
		if meta != nil {
			id, name := meta.ID, meta.Name
			rec.PointID, rec.PointName = &id, &name
		}
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		out, created = rec, true
		return nil
	})
	if err != nil {
		// Another writer on the same file may have won the unique index.
		if existing, ferr := findActive(s.db.WithContext(ctx), identifier); ferr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, &PersistenceError{Op: "trigger", Identifier: identifier, Err: err}
	}
	return out, created, nil
}

// Clear closes the active alarm of identifier. It returns nil without
// touching any row when none is active.
func (s *AlarmStore) Clear(ctx context.Context, identifier string, at time.Time) (*model.AlarmRecord, error) {
	unlock := s.locks.Lock(identifier)
	defer unlock()

	var out *model.AlarmRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := findActive(tx, identifier)
		if err != nil || rec == nil {
			return err
		}
		cleared := at.UTC()
		res := tx.Model(&model.AlarmRecord{}).
			Where("id = ? AND status = ?", rec.ID, model.AlarmActive).
			Updates(map[string]any{"status": model.AlarmCleared, "cleared_time": cleared})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("clear updated %d rows", res.RowsAffected)
		}
		rec.Status = model.AlarmCleared
		rec.ClearedTime = &cleared
		out = rec
		return nil
	})
	if err != nil {
		return nil, &PersistenceError{Op: "clear", Identifier: identifier, Err: err}
	}
	return out, nil
}

// Latest returns the most recent record of identifier in any status, or
// nil when there is none.
func (s *AlarmStore) Latest(ctx context.Context, identifier string) (*model.AlarmRecord, error) {
	var rec model.AlarmRecord
	err := s.db.WithContext(ctx).
		Where("identifier = ?", identifier).
		Order("triggered_time DESC, id DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "latest", Identifier: identifier, Err: err}
	}
	return &rec, nil
}

// Active lists every active alarm, newest first.
func (s *AlarmStore) Active(ctx context.Context) ([]model.AlarmRecord, error) {
	rows, _, err := s.History(ctx, HistoryFilter{Status: model.AlarmActive})
	return rows, err
}

// History returns matching rows ordered by triggered time descending and
// the total number of matches before pagination.
func (s *AlarmStore) History(ctx context.Context, f HistoryFilter) ([]model.AlarmRecord, int64, error) {
	filtered := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&model.AlarmRecord{})
		if f.Identifier != "" {
			q = q.Where("identifier = ?", f.Identifier)
		}
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		if !f.From.IsZero() {
			q = q.Where("triggered_time >= ?", f.From.UTC())
		}
		if !f.To.IsZero() {
			q = q.Where("triggered_time <= ?", f.To.UTC())
		}
		return q
	}
	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, &PersistenceError{Op: "history", Identifier: f.Identifier, Err: err}
	}
	q := filtered()
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []model.AlarmRecord
	if err := q.Order("triggered_time DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, 0, &PersistenceError{Op: "history", Identifier: f.Identifier, Err: err}
	}
	return rows, total, nil
}

// AlarmStat summarizes the records of one identifier.
type AlarmStat struct {
	Identifier    string    `json:"identifier"`
	Total         int64     `json:"total"`
	Active        int64     `json:"active"`
	LastTriggered time.Time `json:"last_triggered"`
}

// Stats aggregates records per identifier, ordered by identifier.
func (s *AlarmStore) Stats(ctx context.Context) ([]AlarmStat, error) {
	var rows []struct {
		Identifier    string
		Total         int64
		Active        int64
		LastTriggered string
	}
	err := s.db.WithContext(ctx).
		Model(&model.AlarmRecord{}).
		Select("identifier, COUNT(*) AS total, SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS active, MAX(triggered_time) AS last_triggered", model.AlarmActive).
		Group("identifier").
		Order("identifier").
		Scan(&rows).Error
	if err != nil {
		return nil, &PersistenceError{Op: "stats", Err: err}
	}
	out := make([]AlarmStat, 0, len(rows))
	for _, r := range rows {
		st := AlarmStat{Identifier: r.Identifier, Total: r.Total, Active: r.Active}
		if t, err := parseSQLiteTime(r.LastTriggered); err == nil {
			st.LastTriggered = t
		}
		out = append(out, st)
	}
	return out, nil
}

// parseSQLiteTime reads the text form MAX() returns for time columns.
func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
