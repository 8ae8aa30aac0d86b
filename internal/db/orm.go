package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

// activeAlarmIndex backs the one-active-row-per-identifier rule at the
// storage level.
const activeAlarmIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_alarm_active ON alarm_records(identifier) WHERE status = 'active'`

// openORM opens a GORM connection over the pure-Go SQLite driver.
func openORM(path string) (*gorm.DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection keeps transactions from
	// tripping over SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	g, err := gorm.Open(sqlite.New(sqlite.Config{Conn: sqlDB}), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return g, nil
}

// migrateORM ensures the schema for all models exists.
func migrateORM(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.AlarmRecord{}, &model.PointValueRecord{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec(activeAlarmIndex).Error; err != nil {
		return fmt.Errorf("create active alarm index: %w", err)
	}
	return nil
}

// closeORM closes the underlying SQL DB associated with the GORM connection.
func closeORM(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// insertPointValues persists history rows in batches.
func insertPointValues(ctx context.Context, db *gorm.DB, rows []model.PointValueRecord) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(rows, 200).Error
}
