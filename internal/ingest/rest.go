package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"willow/internal/config"
	"willow/internal/model"
)

type RESTServer struct {
	cfg    *config.Manager
	out    chan<- model.TelemetryBatch
	logger zerolog.Logger
	now    func() time.Time
}

func NewRESTServer(cfg *config.Manager, out chan<- model.TelemetryBatch, logger zerolog.Logger) *RESTServer {
	return &RESTServer{
		cfg:    cfg,
		out:    out,
		logger: logger.With().Str("component", "ingest").Str("source", "rest").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RESTServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/telemetry", s.handleTelemetry)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.TelemetryBatch, logger zerolog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		logger.Info().Msg("rest ingest disabled")
		return nil
	}
	logger.Info().Str("addr", current.Addr).Msg("rest ingest enabled")
	server := NewRESTServer(cfg, out, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("rest ingest server error")
		}
	}()
	return httpServer
}

func (s *RESTServer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.Ingest.REST.MaxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
		return
	}
	fields, err := ParseJSONBytes(body)
	if err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	now := s.now()
	records, failed := normalizeAll(fields, cfg, now, s.logger)
	accepted := 0
	for _, b := range Group(records, "rest", 0, now) {
		if SendNonBlocking(r.Context(), s.out, b, s.logger) {
			accepted += len(b.Samples)
		} else {
			failed += len(b.Samples)
		}
	}

	status := http.StatusAccepted
	if accepted == 0 && failed > 0 {
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"failed":   failed,
	})
}
