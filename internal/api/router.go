// Package api is the HTTP control boundary of the collector: point values,
// alarm history, rule state and the register write path.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/alarm"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/db"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/modbus"
)

// Backend is what the handlers need from the running collector.
type Backend interface {
	LinkState() modbus.State
	Definitions() []model.DataPointDefinition
	Values() []model.DataPointValue
	Value(id string) (model.DataPointValue, bool)
	PointHistory(ctx context.Context, id string, since time.Time, limit int) ([]model.PointValueRecord, error)
	Ingest(ctx context.Context, id string, payload []byte) ([]model.Update, error)
	WriteRegister(ctx context.Context, address, value uint16) (modbus.WriteResult, error)
	WriteRegisters(ctx context.Context, address uint16, values []uint16) (modbus.WriteResult, error)
	AlarmHistory(ctx context.Context, f db.HistoryFilter) ([]model.AlarmRecord, int64, error)
	ActiveAlarms(ctx context.Context) ([]model.AlarmRecord, error)
	RuleStates() []alarm.RuleState
	ResetRule(id string) bool
}

func NewRouter(h *Handlers, metricsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/api/link", h.Link).Methods("GET")
	r.HandleFunc("/api/points", h.Points).Methods("GET")
	r.HandleFunc("/api/points/{id}", h.Point).Methods("GET")
	r.HandleFunc("/api/points/{id}/history", h.PointHistory).Methods("GET")
	r.HandleFunc("/api/values", h.PostValues).Methods("POST")
	r.HandleFunc("/api/alarms", h.Alarms).Methods("GET")
	r.HandleFunc("/api/alarms/active", h.ActiveAlarms).Methods("GET")
	r.HandleFunc("/api/rules", h.Rules).Methods("GET")
	r.HandleFunc("/api/rules/{id}/reset", h.ResetRule).Methods("POST")
	r.HandleFunc("/api/registers/{address:[0-9]+}", h.WriteRegister).Methods("POST")
	r.HandleFunc("/api/registers", h.WriteRegisters).Methods("POST")
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods("GET")
	}
	return r
}

type Server struct {
	HTTP *http.Server
	Log  zerolog.Logger
}

// NewServer wraps the router with access logging and panic recovery.
func NewServer(addr string, log zerolog.Logger, h *Handlers, metricsHandler http.Handler) *Server {
	log = log.With().Str("component", "api").Logger()
	router := NewRouter(h, metricsHandler)
	logged := handlers.LoggingHandler(accessLog{log}, router)
	recovered := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true), handlers.RecoveryLogger(recoveryLog{log}))(logged)

	hs := &http.Server{
		Addr:              addr,
		Handler:           recovered,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{HTTP: hs, Log: log}
}

func (s *Server) Start() error {
	s.Log.Info().Str("addr", s.HTTP.Addr).Msg("http server starting")
	return s.HTTP.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.Log.Info().Msg("http server stopping")
	return s.HTTP.Shutdown(ctx)
}

// accessLog adapts zerolog to the io.Writer the logging handler expects.
type accessLog struct{ log zerolog.Logger }

func (a accessLog) Write(p []byte) (int, error) {
	n := len(p)
	if n > 0 && p[n-1] == '\n' {
		p = p[:n-1]
	}
	a.log.Debug().Msg(string(p))
	return n, nil
}

type recoveryLog struct{ log zerolog.Logger }

func (r recoveryLog) Println(v ...interface{}) {
	r.log.Error().Interface("panic", v).Msg("handler panicked")
}
