// Package ingest turns externally pushed JSON payloads into raw samples for
// the scaling pipeline. Four payload shapes are accepted:
//
//	{"temp": 12.5, "pump": true}                 flat map
//	{"temp": {"value": 12.5, "timestamp": ...}}  nested value
//	{"temp": {"formatted": "12.5 C"}}            nested formatted string
//	12.5                                         scalar, identifier supplied by the caller
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
)

var (
	ErrEmptyPayload = errors.New("ingest: empty payload")
	ErrNeedsID      = errors.New("ingest: scalar payload needs an identifier")
)

// Normalize decodes a map-shaped payload. Entries are returned ordered by
// identifier. Entries whose shape is not recognised are reported in the
// joined error while the rest are still returned.
func Normalize(payload []byte, at time.Time) ([]model.RawValue, error) {
	return NormalizeFor("", payload, at)
}

// NormalizeFor is Normalize that also accepts a scalar payload for id.
func NormalizeFor(id string, payload []byte, at time.Time) ([]model.RawValue, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("ingest: decode payload: %w", err)
	}

	obj, isMap := doc.(map[string]any)
	if !isMap {
		if id == "" {
			return nil, ErrNeedsID
		}
		v, ts, err := entry(doc, at)
		if err != nil {
			return nil, fmt.Errorf("ingest: %s: %w", id, err)
		}
		return []model.RawValue{{Identifier: id, Value: v, Timestamp: ts}}, nil
	}

	// A single nested object pushed for one identifier.
	if id != "" && isEntryObject(obj) {
		v, ts, err := entry(obj, at)
		if err != nil {
			return nil, fmt.Errorf("ingest: %s: %w", id, err)
		}
		return []model.RawValue{{Identifier: id, Value: v, Timestamp: ts}}, nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]model.RawValue, 0, len(keys))
	var errs []error
	for _, k := range keys {
		v, ts, err := entry(obj[k], at)
		if err != nil {
			errs = append(errs, fmt.Errorf("ingest: %s: %w", k, err))
			continue
		}
		out = append(out, model.RawValue{Identifier: k, Value: v, Timestamp: ts})
	}
	return out, errors.Join(errs...)
}

func isEntryObject(m map[string]any) bool {
	_, hasValue := m["value"]
	_, hasFormatted := m["formatted"]
	return hasValue || hasFormatted
}

func entry(raw any, at time.Time) (any, time.Time, error) {
	switch x := raw.(type) {
	case map[string]any:
		ts := at
		if t, ok := parseTimestamp(x["timestamp"]); ok {
			ts = t
		}
		if v, ok := x["value"]; ok {
			s, err := scalar(v)
			return s, ts, err
		}
		if f, ok := x["formatted"].(string); ok {
			return fromFormatted(f), ts, nil
		}
		return nil, ts, errors.New("object has neither value nor formatted")
	default:
		s, err := scalar(raw)
		return s, at, err
	}
}

// scalar coerces JSON scalars. Numbers become float64, booleans 1 or 0 and
// numeric strings their number; other strings pass through.
func scalar(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case bool:
		if x {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, nil
		}
		return x, nil
	case nil:
		return nil, errors.New("null value")
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// fromFormatted takes the leading number of a formatted reading such as
// "12.5 C". A string without one is kept as is.
func fromFormatted(s string) any {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if i := strings.IndexByte(s, ' '); i > 0 {
		if f, err := strconv.ParseFloat(s[:i], 64); err == nil {
			return f
		}
	}
	return s
}

// parseTimestamp accepts RFC 3339 strings and unix milliseconds.
func parseTimestamp(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		return t, err == nil
	case json.Number:
		ms, err := x.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}
