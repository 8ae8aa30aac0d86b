// Command export dumps alarm or point history from the collector database
// to JSON and/or CSV.
package main

import (
	"context"
	"log"
	"time"

	flag "github.com/spf13/pflag"

	dbpkg "github.com/qchenwhy/sewage-monitoring-system-sub002/internal/db"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/output"
)

func main() {
	var (
		dbPath, outJSON, outCSV string
		point, identifier       string
		status, from, to        string
		limit                   int
	)
	flag.StringVar(&dbPath, "db", "data/alarms.db", "path to sqlite database file")
	flag.StringVar(&outJSON, "json", "", "path to write JSON (optional)")
	flag.StringVar(&outCSV, "csv", "", "path to write CSV (optional)")
	flag.StringVar(&point, "point", "", "export history of this point instead of alarms")
	flag.StringVar(&identifier, "id", "", "alarm identifier filter")
	flag.StringVar(&status, "status", "", "alarm status filter: active or cleared")
	flag.StringVar(&from, "from", "", "RFC 3339 lower bound")
	flag.StringVar(&to, "to", "", "RFC 3339 upper bound (alarms only)")
	flag.IntVar(&limit, "limit", 10000, "maximum rows")
	flag.Parse()

	if outJSON == "" && outCSV == "" {
		log.Fatalf("no output specified: set --json and/or --csv")
	}
	fromT, err := parseTime(from)
	if err != nil {
		log.Fatalf("--from: %v", err)
	}
	toT, err := parseTime(to)
	if err != nil {
		log.Fatalf("--to: %v", err)
	}

	db, err := dbpkg.Open(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rows any
	var writeCSV func(string) error
	if point != "" {
		points, err := db.PointHistory(ctx, point, fromT, limit)
		if err != nil {
			log.Fatalf("point history: %v", err)
		}
		rows = points
		writeCSV = func(path string) error { return output.WritePointsCSV(path, points) }
		log.Printf("exporting %d rows of %s", len(points), point)
	} else {
		alarms, total, err := dbpkg.NewAlarmStore(db).History(ctx, dbpkg.HistoryFilter{
			Identifier: identifier,
			Status:     model.AlarmStatus(status),
			From:       fromT,
			To:         toT,
			Limit:      limit,
		})
		if err != nil {
			log.Fatalf("alarm history: %v", err)
		}
		rows = alarms
		writeCSV = func(path string) error { return output.WriteAlarmsCSV(path, alarms) }
		log.Printf("exporting %d of %d alarms", len(alarms), total)
	}

	if outJSON != "" {
		if err := output.WriteJSON(outJSON, rows); err != nil {
			log.Printf("write json error: %v", err)
		}
	}
	if outCSV != "" {
		if err := writeCSV(outCSV); err != nil {
			log.Printf("write csv error: %v", err)
		}
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
