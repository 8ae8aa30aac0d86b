package model

import "time"

// AlarmStatus is the lifecycle state of a persisted alarm.
type AlarmStatus string

const (
	AlarmActive  AlarmStatus = "active"
	AlarmCleared AlarmStatus = "cleared"
)

// AlarmRecord is one alarm occurrence.
// Table: alarm_records. At most one row per identifier is active.
type AlarmRecord struct {
	ID            uint        `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Identifier    string      `gorm:"column:identifier;size:191;not null;index:idx_alarm_identifier_status,priority:1" json:"identifier"`
	Content       string      `gorm:"column:content;type:text" json:"content"`
	Level         string      `gorm:"column:level;size:32" json:"level"`
	TriggeredTime time.Time   `gorm:"column:triggered_time;not null;index" json:"triggered_time"`
	ClearedTime   *time.Time  `gorm:"column:cleared_time" json:"cleared_time,omitempty"`
	Status        AlarmStatus `gorm:"column:status;size:16;not null;index:idx_alarm_identifier_status,priority:2" json:"status"`
	PointID       *string     `gorm:"column:point_id;size:191" json:"point_id,omitempty"`
	PointName     *string     `gorm:"column:point_name;size:255" json:"point_name,omitempty"`
}

func (AlarmRecord) TableName() string { return "alarm_records" }

// PointValueRecord is a history row for a stored data point value,
// primary or derived.
type PointValueRecord struct {
	ID            uint      `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	Identifier    string    `gorm:"column:identifier;size:191;index" json:"identifier"`
	Name          string    `gorm:"column:name" json:"name"`
	Address       int       `gorm:"column:address" json:"address"`
	FunctionCode  int       `gorm:"column:function_code" json:"function_code"`
	Format        string    `gorm:"column:format" json:"format"`
	Unit          string    `gorm:"column:unit" json:"unit,omitempty"`
	Raw           int64     `gorm:"column:raw" json:"raw"`
	Value         float64   `gorm:"column:value" json:"value"`
	Formatted     string    `gorm:"column:formatted" json:"formatted"`
	TransactionID int       `gorm:"column:transaction_id" json:"transaction_id,omitempty"`
	Timestamp     time.Time `gorm:"column:timestamp;index" json:"timestamp"`
}

func (PointValueRecord) TableName() string { return "point_values" }

// PointMeta identifies the data point an alarm belongs to.
type PointMeta struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
