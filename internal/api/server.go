// Package api is the operator-facing HTTP surface: connection control,
// quarantine review, delta alert acknowledgement, and a live event stream.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/meridian-lims/lablink/internal/db"
	"github.com/meridian-lims/lablink/internal/driver"
	"github.com/meridian-lims/lablink/internal/httputil"
	"github.com/meridian-lims/lablink/internal/ingest"
	"github.com/meridian-lims/lablink/internal/notify"
	"github.com/meridian-lims/lablink/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// ConnectionManager is the slice of the ingest manager the API needs.
type ConnectionManager interface {
	Connect(driverID string) (string, error)
	DisconnectOne(connID string) error
	Statuses() []ingest.ConnectionStatus
	Send(connID string, data []byte) error
}

type Server struct {
	m        ConnectionManager
	db       *db.DB
	notifier *notify.Notifier
}

func NewServer(m ConnectionManager, db *db.DB, notifier *notify.Notifier) *Server {
	return &Server{
		m:        m,
		db:       db,
		notifier: notifier,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/connections", s.listConnections)
	mux.HandleFunc("/api/connections/connect", s.connect)
	mux.HandleFunc("/api/connections/disconnect", s.disconnect)
	mux.HandleFunc("/api/connections/send", s.sendCommand)
	mux.HandleFunc("/api/drivers", s.drivers)
	mux.HandleFunc("/api/orders", s.createOrder)
	mux.HandleFunc("/api/unmatched", s.listUnmatched)
	mux.HandleFunc("/api/unmatched/claim", s.claimUnmatched)
	mux.HandleFunc("/api/unmatched/discard", s.discardUnmatched)
	mux.HandleFunc("/api/alerts", s.listAlerts)
	mux.HandleFunc("/api/alerts/ack", s.ackAlert)
	mux.HandleFunc("/api/events", s.streamEvents)
	mux.HandleFunc("/api/version", s.showVersion)
	s.db.AttachAdminRoutes(mux)
	return mux
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.m.Statuses())
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	driverID := r.FormValue("driver_id")
	if driverID == "" {
		httputil.BadRequest(w, "driver_id is required")
		return
	}
	connID, err := s.m.Connect(driverID)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"connection_id": connID})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.FormValue("id")
	if id == "" {
		httputil.BadRequest(w, "id is required")
		return
	}
	if err := s.m.DisconnectOne(id); err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "disconnected"})
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.FormValue("id")
	command := r.FormValue("command")
	if id == "" || command == "" {
		httputil.BadRequest(w, "id and command are required")
		return
	}
	if err := s.m.Send(id, []byte(command)); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "sent"})
}

func (s *Server) drivers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		configs, err := s.db.ListEnabledDrivers()
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, configs)
	case http.MethodPost:
		var cfg driver.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			httputil.BadRequest(w, "invalid JSON: "+err.Error())
			return
		}
		if err := cfg.Validate(); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.db.SaveDriver(cfg); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"id": cfg.ID})
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var o db.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if o.ID == "" || (o.SampleID == "" && o.Accession == "") {
		httputil.BadRequest(w, "id and a sample_id or accession are required")
		return
	}
	if err := s.db.CreateOrder(r.Context(), &o); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, o)
}

func (s *Server) listUnmatched(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	page := parseIntParam(r, "page", 1)
	pageSize := parseIntParam(r, "page_size", 50)
	rows, err := s.db.ListUnmatched(r.Context(), page, pageSize)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) claimUnmatched(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.FormValue("id")
	sampleID := r.FormValue("sample_id")
	userID := r.FormValue("user_id")
	if id == "" || sampleID == "" || userID == "" {
		httputil.BadRequest(w, "id, sample_id and user_id are required")
		return
	}
	if err := s.db.ClaimUnmatched(r.Context(), id, sampleID, userID); err != nil {
		s.writeResolveError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": db.UnmatchedClaimed})
}

func (s *Server) discardUnmatched(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.FormValue("id")
	reason := r.FormValue("reason")
	if id == "" || reason == "" {
		httputil.BadRequest(w, "id and reason are required")
		return
	}
	if err := s.db.DiscardUnmatched(r.Context(), id, reason); err != nil {
		s.writeResolveError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": db.UnmatchedDiscarded})
}

// writeResolveError maps quarantine resolution failures onto HTTP codes: a
// lost claim/discard race is 409, a missing row 404.
func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrAlreadyResolved):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, db.ErrNotFound):
		httputil.NotFound(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	alerts, err := s.db.ListUnacknowledgedAlerts(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, alerts)
}

func (s *Server) ackAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.FormValue("id")
	userID := r.FormValue("user_id")
	if id == "" || userID == "" {
		httputil.BadRequest(w, "id and user_id are required")
		return
	}
	if err := s.db.AcknowledgeAlert(r.Context(), id, userID); err != nil {
		s.writeResolveError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "acknowledged"})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	s.notifier.ServeSSE(w, r)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
