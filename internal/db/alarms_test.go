package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "alarms_test.sqlite"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func countActive(t *testing.T, d *DB, identifier string) int64 {
	t.Helper()
	var n int64
	if err := d.ORM.Model(&model.AlarmRecord{}).Where("identifier = ? AND status = ?", identifier, model.AlarmActive).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestTriggerTwiceKeepsOneActiveRow(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	s := NewAlarmStore(d)
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	first, created, err := s.Trigger(ctx, "pump_fault", "pump fault", "high", at, &model.PointMeta{ID: "pump_fault", Name: "Pump fault"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if !created {
		t.Fatal("first trigger should create a row")
	}
	second, created, err := s.Trigger(ctx, "pump_fault", "pump fault again", "high", at.Add(time.Minute), nil)
	if err != nil {
		t.Fatalf("second Trigger failed: %v", err)
	}
	if created || second.ID != first.ID || second.Content != "pump fault" {
		t.Fatalf("second trigger should return the existing row, got %+v", second)
	}
	if n := countActive(t, d, "pump_fault"); n != 1 {
		t.Fatalf("expected 1 active row, got %d", n)
	}
	if first.PointName == nil || *first.PointName != "Pump fault" {
		t.Fatalf("point meta not stored: %+v", first)
	}
}

func TestClearWithoutActiveIsNoop(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	s := NewAlarmStore(d)

	rec, err := s.Clear(ctx, "nothing", time.Now())
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
	var n int64
	d.ORM.Model(&model.AlarmRecord{}).Count(&n)
	if n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
}

func TestTriggerClearLifecycle(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	s := NewAlarmStore(d)
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	opened, _, err := s.Trigger(ctx, "level_high", "level high", "warning", t0, nil)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	cleared, err := s.Clear(ctx, "level_high", t0.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cleared == nil || cleared.ID != opened.ID || cleared.Status != model.AlarmCleared {
		t.Fatalf("unexpected cleared record %+v", cleared)
	}
	if cleared.ClearedTime == nil || !cleared.ClearedTime.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("cleared time = %v", cleared.ClearedTime)
	}

	again, err := s.Clear(ctx, "level_high", t0.Add(6*time.Minute))
	if err != nil || again != nil {
		t.Fatalf("second clear should be a no-op, got %+v, %v", again, err)
	}

	reopened, created, err := s.Trigger(ctx, "level_high", "level high", "warning", t0.Add(10*time.Minute), nil)
	if err != nil || !created || reopened.ID == opened.ID {
		t.Fatalf("re-trigger after clear should create a new row, got %+v created=%v err=%v", reopened, created, err)
	}

	latest, err := s.Latest(ctx, "level_high")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.ID != reopened.ID || latest.Status != model.AlarmActive {
		t.Fatalf("latest = %+v", latest)
	}
	if none, err := s.Latest(ctx, "unknown"); err != nil || none != nil {
		t.Fatalf("latest of unknown = %+v, %v", none, err)
	}
}

func TestConcurrentTriggersYieldOneActiveRow(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	s := NewAlarmStore(d)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := s.Trigger(ctx, "race", "race", "high", time.Now(), nil)
			if err != nil {
				t.Errorf("Trigger failed: %v", err)
				return
			}
			if c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
	if n := countActive(t, d, "race"); n != 1 {
		t.Fatalf("expected 1 active row, got %d", n)
	}
}

func TestActiveIndexRejectsSecondActiveRow(t *testing.T) {
	d := newTestDB(t)
	row := model.AlarmRecord{Identifier: "dup", Status: model.AlarmActive, TriggeredTime: time.Now().UTC()}
	if err := d.ORM.Create(&row).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := model.AlarmRecord{Identifier: "dup", Status: model.AlarmActive, TriggeredTime: time.Now().UTC()}
	if err := d.ORM.Create(&dup).Error; err == nil {
		t.Fatal("expected unique index violation")
	}
}

func TestHistoryFilters(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	s := NewAlarmStore(d)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c", "d"} {
		at := t0.Add(time.Duration(i) * time.Hour)
		if _, _, err := s.Trigger(ctx, id, id, "low", at, nil); err != nil {
			t.Fatalf("Trigger %s: %v", id, err)
		}
	}
	if _, err := s.Clear(ctx, "b", t0.Add(5*time.Hour)); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	rows, total, err := s.History(ctx, HistoryFilter{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if total != 4 || len(rows) != 4 || rows[0].Identifier != "d" || rows[3].Identifier != "a" {
		t.Fatalf("unfiltered history = %d rows, total %d", len(rows), total)
	}

	rows, total, _ = s.History(ctx, HistoryFilter{Status: model.AlarmCleared})
	if total != 1 || rows[0].Identifier != "b" {
		t.Fatalf("cleared history = %+v", rows)
	}

	rows, total, _ = s.History(ctx, HistoryFilter{From: t0.Add(time.Hour), To: t0.Add(2 * time.Hour)})
	if total != 2 || rows[0].Identifier != "c" || rows[1].Identifier != "b" {
		t.Fatalf("ranged history = %+v", rows)
	}

	rows, total, _ = s.History(ctx, HistoryFilter{Limit: 2, Offset: 1})
	if total != 4 || len(rows) != 2 || rows[0].Identifier != "c" {
		t.Fatalf("paged history = %+v total %d", rows, total)
	}

	active, err := s.Active(ctx)
	if err != nil || len(active) != 3 {
		t.Fatalf("active = %d rows, %v", len(active), err)
	}
}

func TestPointHistory(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []model.PointValueRecord{
		{Identifier: "flow", Value: 1, Timestamp: t0},
		{Identifier: "flow", Value: 2, Timestamp: t0.Add(time.Second)},
		{Identifier: "level", Value: 7, Timestamp: t0},
	}
	if err := d.SavePointValues(ctx, rows); err != nil {
		t.Fatalf("SavePointValues: %v", err)
	}
	hist, err := d.PointHistory(ctx, "flow", time.Time{}, 0)
	if err != nil {
		t.Fatalf("PointHistory: %v", err)
	}
	if len(hist) != 2 || hist[0].Value != 2 {
		t.Fatalf("history = %+v", hist)
	}
	latest, err := d.LatestPoints(ctx)
	if err != nil {
		t.Fatalf("LatestPoints: %v", err)
	}
	if len(latest) != 2 || latest[0].Identifier != "flow" || latest[0].Value != 2 {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	s := NewAlarmStore(d)
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if _, _, err := s.Trigger(ctx, "dry_run", "dry run", "high", at.Add(time.Duration(i)*time.Hour), nil); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Clear(ctx, "dry_run", at.Add(time.Duration(i)*time.Hour+time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := s.Trigger(ctx, "level_high", "level high", "alarm", at.Add(30*time.Minute), nil); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].Identifier != "dry_run" || stats[0].Total != 2 || stats[0].Active != 0 {
		t.Fatalf("dry_run = %+v", stats[0])
	}
	if !stats[0].LastTriggered.Equal(at.Add(time.Hour)) {
		t.Fatalf("dry_run last triggered = %v", stats[0].LastTriggered)
	}
	if stats[1].Identifier != "level_high" || stats[1].Total != 1 || stats[1].Active != 1 {
		t.Fatalf("level_high = %+v", stats[1])
	}
}
