package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/db"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/modbus"
)

const (
	maxBodyBytes   = 1 << 20
	defaultLimit   = 100
	maxLimit       = 1000
	maxWriteValues = 123
)

type Handlers struct {
	Log     zerolog.Logger
	Backend Backend
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "link": h.Backend.LinkState().String()})
}

func (h *Handlers) Link(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": h.Backend.LinkState().String()})
}

type pointView struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Address      uint16                `json:"address"`
	FunctionCode uint8                 `json:"function_code"`
	Format       model.Format          `json:"format"`
	Unit         string                `json:"unit,omitempty"`
	Source       string                `json:"source,omitempty"`
	Value        *model.DataPointValue `json:"value,omitempty"`
}

func (h *Handlers) view(d model.DataPointDefinition) pointView {
	pv := pointView{
		ID:           d.ID,
		Name:         d.DisplayName(),
		Address:      d.Address,
		FunctionCode: d.FunctionCode,
		Format:       d.Format,
		Unit:         d.Unit,
		Source:       d.Source,
	}
	if v, ok := h.Backend.Value(d.ID); ok {
		pv.Value = &v
	}
	return pv
}

func (h *Handlers) Points(w http.ResponseWriter, r *http.Request) {
	defs := h.Backend.Definitions()
	out := make([]pointView, 0, len(defs))
	for _, d := range defs {
		out = append(out, h.view(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) Point(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, d := range h.Backend.Definitions() {
		if d.ID == id {
			writeJSON(w, http.StatusOK, h.view(d))
			return
		}
	}
	writeError(w, http.StatusNotFound, errors.New("unknown point "+id))
}

func (h *Handlers) PointHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()
	var since time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("since must be RFC 3339"))
			return
		}
		since = t
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := h.Backend.PointHistory(r.Context(), id, since, limit)
	if err != nil {
		h.Log.Error().Err(err).Str("point", id).Msg("point history query failed")
		writeError(w, http.StatusInternalServerError, errors.New("history query failed"))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// PostValues accepts an externally pushed payload. ?id= names the point
// for scalar payloads.
func (h *Handlers) PostValues(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updates, err := h.Backend.Ingest(r.Context(), r.URL.Query().Get("id"), body)
	if err != nil && len(updates) == 0 {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp := map[string]any{"accepted": len(updates)}
	if err != nil {
		resp["warnings"] = strings.Split(err.Error(), "\n")
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func (h *Handlers) Alarms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.HistoryFilter{Identifier: q.Get("identifier")}
	switch s := model.AlarmStatus(q.Get("status")); s {
	case "", model.AlarmActive, model.AlarmCleared:
		f.Status = s
	default:
		writeError(w, http.StatusBadRequest, errors.New("status must be active or cleared"))
		return
	}
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if s := q.Get(key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, errors.New(key+" must be RFC 3339"))
				return
			}
			*dst = t
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		writeError(w, http.StatusBadRequest, errors.New("to is before from"))
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f.Limit = limit
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("offset must be a non-negative integer"))
			return
		}
		f.Offset = n
	}

	rows, total, err := h.Backend.AlarmHistory(r.Context(), f)
	if err != nil {
		h.Log.Error().Err(err).Msg("alarm history query failed")
		writeError(w, http.StatusInternalServerError, errors.New("alarm history query failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "items": rows})
}

func (h *Handlers) ActiveAlarms(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Backend.ActiveAlarms(r.Context())
	if err != nil {
		h.Log.Error().Err(err).Msg("active alarm query failed")
		writeError(w, http.StatusInternalServerError, errors.New("active alarm query failed"))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) Rules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Backend.RuleStates())
}

func (h *Handlers) ResetRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.Backend.ResetRule(id) {
		writeError(w, http.StatusNotFound, errors.New("unknown rule "+id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type writeRequest struct {
	Address *uint16  `json:"address"`
	Value   *uint16  `json:"value"`
	Values  []uint16 `json:"values"`
}

func (h *Handlers) WriteRegister(w http.ResponseWriter, r *http.Request) {
	addr, err := strconv.ParseUint(mux.Vars(r)["address"], 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("address out of range"))
		return
	}
	var req writeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Value == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"value": <0-65535>}`))
		return
	}
	res, err := h.Backend.WriteRegister(r.Context(), uint16(addr), *req.Value)
	if err != nil {
		h.writeFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) WriteRegisters(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Address == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"address": n, "values": [...]}`))
		return
	}
	if len(req.Values) == 0 || len(req.Values) > maxWriteValues {
		writeError(w, http.StatusBadRequest, errors.New("values must hold 1 to 123 registers"))
		return
	}
	if int(*req.Address)+len(req.Values) > 0x10000 {
		writeError(w, http.StatusBadRequest, errors.New("write runs past the last register"))
		return
	}
	res, err := h.Backend.WriteRegisters(r.Context(), *req.Address, req.Values)
	if err != nil {
		h.writeFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeFailed maps link errors onto HTTP statuses.
func (h *Handlers) writeFailed(w http.ResponseWriter, err error) {
	var exc *modbus.ModbusException
	var timeout *modbus.TimeoutError
	switch {
	case errors.Is(err, modbus.ErrNotConnected), errors.Is(err, modbus.ErrLinkClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &exc):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "exception": exc.Code.String()})
	case errors.As(err, &timeout):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		h.Log.Error().Err(err).Msg("register write failed")
		writeError(w, http.StatusBadGateway, err)
	}
}
