// Package output writes alarm and point history to JSON or CSV files.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

// WriteJSON writes v to path with pretty formatting.
func WriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WriteAlarmsCSV writes alarm records to path.
func WriteAlarmsCSV(path string, rows []model.AlarmRecord) error {
	return writeFile(path, func(w io.Writer) error { return EncodeAlarmsCSV(w, rows) })
}

// WritePointsCSV writes point history rows to path.
func WritePointsCSV(path string, rows []model.PointValueRecord) error {
	return writeFile(path, func(w io.Writer) error { return EncodePointsCSV(w, rows) })
}

func writeFile(path string, encode func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	if err := encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeAlarmsCSV flattens alarm records.
// Columns: id,identifier,status,level,content,point_id,point_name,triggered_time,cleared_time
func EncodeAlarmsCSV(out io.Writer, rows []model.AlarmRecord) error {
	w := csv.NewWriter(out)
	headers := []string{"id", "identifier", "status", "level", "content", "point_id", "point_name", "triggered_time", "cleared_time"}
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		var cleared string
		if r.ClearedTime != nil {
			cleared = timeToRFC3339(*r.ClearedTime)
		}
		rec := []string{
			strconv.FormatUint(uint64(r.ID), 10),
			r.Identifier,
			string(r.Status),
			r.Level,
			r.Content,
			deref(r.PointID),
			deref(r.PointName),
			timeToRFC3339(r.TriggeredTime),
			cleared,
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// EncodePointsCSV flattens point history rows.
// Columns: identifier,name,address,function_code,format,unit,raw,value,formatted,timestamp
func EncodePointsCSV(out io.Writer, rows []model.PointValueRecord) error {
	w := csv.NewWriter(out)
	headers := []string{"identifier", "name", "address", "function_code", "format", "unit", "raw", "value", "formatted", "timestamp"}
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			r.Identifier,
			r.Name,
			strconv.Itoa(r.Address),
			strconv.Itoa(r.FunctionCode),
			r.Format,
			r.Unit,
			strconv.FormatInt(r.Raw, 10),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			r.Formatted,
			timeToRFC3339(r.Timestamp),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timeToRFC3339(t time.Time) string { return t.Format(time.RFC3339Nano) }
