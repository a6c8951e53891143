// Package dashboard serves collector progress and metrics over HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/calendar"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StatusProvider exposes the per-expiry progress snapshot.
type StatusProvider interface {
	Statuses() []models.WorkerStatus
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	status    StatusProvider
	clock     calendar.OpenChecker
	gatherer  prometheus.Gatherer
	logger    logrus.FieldLogger
	port      int
	authToken string
	page      *template.Template
	now       func() time.Time
}

type Config struct {
	Port      int
	AuthToken string
}

// StatusView is the /api/status payload.
type StatusView struct {
	MarketOpen bool                  `json:"market_open"`
	Timestamp  time.Time             `json:"timestamp"`
	Workers    []models.WorkerStatus `json:"workers"`
}

const pageTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta http-equiv="refresh" content="5"><title>Option chain collector</title></head>
<body>
<h1>Option chain collector</h1>
<p>Market {{if .MarketOpen}}open{{else}}closed{{end}} &middot; {{.Timestamp.Format "15:04:05"}}</p>
<table border="1" cellpadding="4">
<tr><th>Expiry</th><th>Status</th><th>Last Update</th><th>Records</th><th>Written</th></tr>
{{range .Workers}}<tr><td>{{.Expiry}}</td><td>{{.Label}}</td><td>{{if .LastUpdate.IsZero}}-{{else}}{{.LastUpdate.Format "15:04:05"}}{{end}}</td><td>{{.Records}}</td><td>{{.Written}}</td></tr>
{{end}}</table>
</body></html>`

// NewServer wires routes. gatherer may be nil to disable /metrics.
func NewServer(cfg Config, status StatusProvider, clock calendar.OpenChecker, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		status:    status,
		clock:     clock,
		gatherer:  gatherer,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		page:      template.Must(template.New("dashboard").Parse(pageTemplate)),
		now:       time.Now,
	}

	s.setupRoutes()
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/", s.handleDashboard)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/status/{expiry}", s.handleExpiryStatus)
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving until Shutdown. It returns http.ErrServerClosed after
// a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) view() StatusView {
	now := s.now()
	return StatusView{
		MarketOpen: s.clock != nil && s.clock.IsOpen(now),
		Timestamp:  now,
		Workers:    s.status.Statuses(),
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, s.view()); err != nil {
		s.logger.WithError(err).Error("Failed to execute dashboard template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	}
	s.writeJSON(w, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.view())
}

func (s *Server) handleExpiryStatus(w http.ResponseWriter, r *http.Request) {
	expiry, err := models.ParseDate(chi.URLParam(r, "expiry"))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	for _, st := range s.status.Statuses() {
		if st.Expiry == expiry {
			s.writeJSON(w, st)
			return
		}
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
