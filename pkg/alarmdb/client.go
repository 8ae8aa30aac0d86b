// Package alarmdb is a read API over the collector's SQLite database for
// reporting tools that run beside the service.
package alarmdb

import (
	"context"
	"time"

	dbpkg "github.com/qchenwhy/sewage-monitoring-system-sub002/internal/db"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

// Client exposes a stable API for third-party packages to access the DB.
type Client struct {
	db     *dbpkg.DB
	alarms *dbpkg.AlarmStore
}

// Open opens the SQLite database (runs migrations) and returns a client.
func Open(path string) (*Client, error) {
	d, err := dbpkg.Open(path)
	if err != nil {
		return nil, err
	}
	return &Client{db: d, alarms: dbpkg.NewAlarmStore(d)}, nil
}

// Close closes the underlying DB.
func (c *Client) Close() error { return c.db.Close() }

// --------------------
// Alarm DTOs
// --------------------

type Alarm struct {
	ID            uint       `json:"id"`
	Identifier    string     `json:"identifier"`
	Content       string     `json:"content"`
	Level         string     `json:"level"`
	Status        string     `json:"status"`
	PointID       string     `json:"point_id,omitempty"`
	PointName     string     `json:"point_name,omitempty"`
	TriggeredTime time.Time  `json:"triggered_time"`
	ClearedTime   *time.Time `json:"cleared_time,omitempty"`
}

// Active reports whether the alarm is still raised.
func (a Alarm) Active() bool { return a.Status == string(model.AlarmActive) }

func fromModelAlarm(r *model.AlarmRecord) Alarm {
	a := Alarm{
		ID:            r.ID,
		Identifier:    r.Identifier,
		Content:       r.Content,
		Level:         r.Level,
		Status:        string(r.Status),
		TriggeredTime: r.TriggeredTime,
		ClearedTime:   r.ClearedTime,
	}
	if r.PointID != nil {
		a.PointID = *r.PointID
	}
	if r.PointName != nil {
		a.PointName = *r.PointName
	}
	return a
}

func fromModelAlarms(rows []model.AlarmRecord) []Alarm {
	out := make([]Alarm, 0, len(rows))
	for i := range rows {
		out = append(out, fromModelAlarm(&rows[i]))
	}
	return out
}

// Query selects alarm history. Zero fields do not filter.
type Query struct {
	Identifier string
	// Status is "active", "cleared" or empty.
	Status string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

type AlarmStat = dbpkg.AlarmStat

// --------------------
// Alarm queries
// --------------------

func (c *Client) ActiveAlarms(ctx context.Context) ([]Alarm, error) {
	rows, err := c.alarms.Active(ctx)
	if err != nil {
		return nil, err
	}
	return fromModelAlarms(rows), nil
}

// Alarms returns one page of history and the total number of matches.
func (c *Client) Alarms(ctx context.Context, q Query) ([]Alarm, int64, error) {
	rows, total, err := c.alarms.History(ctx, dbpkg.HistoryFilter{
		Identifier: q.Identifier,
		Status:     model.AlarmStatus(q.Status),
		From:       q.From,
		To:         q.To,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	if err != nil {
		return nil, 0, err
	}
	return fromModelAlarms(rows), total, nil
}

// LatestAlarm returns the newest record of identifier, or nil.
func (c *Client) LatestAlarm(ctx context.Context, identifier string) (*Alarm, error) {
	r, err := c.alarms.Latest(ctx, identifier)
	if err != nil || r == nil {
		return nil, err
	}
	a := fromModelAlarm(r)
	return &a, nil
}

func (c *Client) AlarmStats(ctx context.Context) ([]AlarmStat, error) {
	return c.alarms.Stats(ctx)
}

// --------------------
// Point history
// --------------------

type PointValue struct {
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	Unit       string    `json:"unit,omitempty"`
	Raw        int64     `json:"raw"`
	Value      float64   `json:"value"`
	Formatted  string    `json:"formatted"`
	Timestamp  time.Time `json:"timestamp"`
}

func fromModelPoints(rows []model.PointValueRecord) []PointValue {
	out := make([]PointValue, 0, len(rows))
	for _, r := range rows {
		out = append(out, PointValue{
			Identifier: r.Identifier,
			Name:       r.Name,
			Unit:       r.Unit,
			Raw:        r.Raw,
			Value:      r.Value,
			Formatted:  r.Formatted,
			Timestamp:  r.Timestamp,
		})
	}
	return out
}

// LatestPoints returns the newest stored value of every point.
func (c *Client) LatestPoints(ctx context.Context) ([]PointValue, error) {
	rows, err := c.db.LatestPoints(ctx)
	if err != nil {
		return nil, err
	}
	return fromModelPoints(rows), nil
}

// PointHistory returns stored values of one point, newest first.
func (c *Client) PointHistory(ctx context.Context, identifier string, since time.Time, limit int) ([]PointValue, error) {
	rows, err := c.db.PointHistory(ctx, identifier, since, limit)
	if err != nil {
		return nil, err
	}
	return fromModelPoints(rows), nil
}
