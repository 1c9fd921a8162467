package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"willow/internal/activity"
	"willow/internal/config"
	"willow/internal/insight"
	"willow/internal/metrics"
	"willow/internal/model"
)

// Engine is the read side of the evaluation engine exposed over HTTP.
type Engine interface {
	Insight(id string) (*insight.Insight, bool)
	Insights() []*insight.Insight
	Actor(id string) (model.ActorSummary, bool)
	Actors() []model.ActorSummary
	ActorCount() int
	Activity() *activity.Store
}

// Reloader re-reads configuration and the rule catalog.
type Reloader func() error

type Server struct {
	cfg     *config.Manager
	engine  Engine
	reload  Reloader
	logger  zerolog.Logger
	version string
	started time.Time
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Uptime     string       `json:"uptime"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Actors     int          `json:"actors"`
	Ingest     ingestStatus `json:"ingest"`
	Storage    string       `json:"storage"`
	Command    string       `json:"command"`
}

type ingestStatus struct {
	REST     bool `json:"rest"`
	FileTail bool `json:"file_tail"`
	Kafka    bool `json:"kafka"`
}

func NewServer(cfg *config.Manager, engine Engine, reload Reloader, logger zerolog.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		engine:  engine,
		reload:  reload,
		logger:  logger.With().Str("component", "api").Logger(),
		version: version,
		started: time.Now().UTC(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/insights", s.handleInsights)
	r.Get("/insights/{id}", s.handleInsight)
	r.Get("/actors", s.handleActors)
	r.Get("/actors/{id}", s.handleActor)
	r.Get("/activity", s.handleActivity)
	r.Post("/admin/reload", s.handleReload)
	return r
}

func Start(ctx context.Context, cfg *config.Manager, engine Engine, reload Reloader, logger zerolog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		logger.Info().Msg("api disabled")
		return nil
	}
	logger.Info().Str("addr", current.Addr).Msg("api enabled")
	server := NewServer(cfg, engine, reload, logger, version)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server error")
		}
	}()
	return httpServer
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	now := time.Now().UTC()
	resp := statusResponse{
		Status:     "ok",
		Time:       now.Format(time.RFC3339Nano),
		Uptime:     now.Sub(s.started).Round(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Actors:     s.engine.ActorCount(),
		Ingest: ingestStatus{
			REST:     cfg.Ingest.REST.Enabled,
			FileTail: cfg.Ingest.FileTail.Enabled,
			Kafka:    cfg.Ingest.Kafka.Enabled,
		},
		Storage: "disabled",
		Command: "disabled",
	}
	if cfg.Storage.Enabled {
		resp.Storage = cfg.Storage.Driver
	}
	if cfg.Command.Enabled {
		resp.Command = cfg.Command.Publisher
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	all := s.engine.Insights()
	list := all[:0]
	faulty := r.URL.Query().Get("faulty")
	for _, ins := range all {
		if faulty != "" && strconv.FormatBool(ins.IsFaulty) != faulty {
			continue
		}
		list = append(list, ins)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"insights": list,
		"count":    len(list),
	})
}

func (s *Server) handleInsight(w http.ResponseWriter, r *http.Request) {
	ins, ok := s.engine.Insight(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "insight not found"})
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (s *Server) handleActors(w http.ResponseWriter, _ *http.Request) {
	all := s.engine.Actors()
	writeJSON(w, http.StatusOK, map[string]any{
		"actors": all,
		"count":  len(all),
	})
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.engine.Actor(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "actor not found"})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	store := s.engine.Activity()
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	var list []model.ActivityEvent
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since"})
			return
		}
		list = store.Since(ts)
	case q.Get("rule_instance") != "":
		list = store.ForRuleInstance(q.Get("rule_instance"), limit)
	default:
		list = store.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activity": list,
		"count":    len(list),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if s.reload == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "reload not available"})
		return
	}
	if err := s.reload(); err != nil {
		s.logger.Warn().Err(err).Msg("reload failed")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info().Msg("reloaded configuration and rules")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
