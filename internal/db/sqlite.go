package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

// DB wraps the sqlite connection.
type DB struct {
	ORM *gorm.DB
}

// Open opens the SQLite database using GORM and runs migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	g, err := openORM(path)
	if err != nil {
		return nil, err
	}
	if err := migrateORM(g); err != nil {
		_ = closeORM(g)
		return nil, err
	}
	return &DB{ORM: g}, nil
}

func (d *DB) Close() error { return closeORM(d.ORM) }

// SavePointValues inserts history rows into point_values.
func (d *DB) SavePointValues(ctx context.Context, rows []model.PointValueRecord) error {
	for i := range rows {
		rows[i].Timestamp = rows[i].Timestamp.UTC()
	}
	return insertPointValues(ctx, d.ORM, rows)
}

// PointHistory returns the newest rows for one point, newest first.
func (d *DB) PointHistory(ctx context.Context, identifier string, since time.Time, limit int) ([]model.PointValueRecord, error) {
	q := d.ORM.WithContext(ctx).Where("identifier = ?", identifier)
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since.UTC())
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.PointValueRecord
	if err := q.Order("timestamp DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestPoints returns the newest history row of every point.
func (d *DB) LatestPoints(ctx context.Context) ([]model.PointValueRecord, error) {
	sub := d.ORM.Model(&model.PointValueRecord{}).
		Select("MAX(id)").
		Group("identifier")
	var rows []model.PointValueRecord
	err := d.ORM.WithContext(ctx).
		Where("id IN (?)", sub).
		Order("identifier").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
