// Package gateway exposes the trust layer over HTTP: agent directory
// management, persona lifecycle, drift ingestion and anonymous
// verification, plus a WebSocket event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentauth/internal/anonverify"
	"github.com/basket/agentauth/internal/apierr"
	"github.com/basket/agentauth/internal/audit"
	"github.com/basket/agentauth/internal/bus"
	"github.com/basket/agentauth/internal/directory"
	"github.com/basket/agentauth/internal/drift"
	"github.com/basket/agentauth/internal/otel"
	"github.com/basket/agentauth/internal/persistence"
	"github.com/basket/agentauth/internal/persona"
	"github.com/basket/agentauth/internal/shared"
)

// Config holds the dependencies of the gateway server.
type Config struct {
	Store     *persistence.Store
	Directory *directory.Directory
	Personas  *persona.Registry
	Drift     *drift.Engine
	Anon      *anonverify.Engine
	Bus       *bus.Bus

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed on /healthz so
	// operators can tell which settings a node runs with.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{id}/status", s.handleSetAgentStatus)

	mux.HandleFunc("POST /api/agents/{id}/persona", s.handleRegisterPersona)
	mux.HandleFunc("GET /api/agents/{id}/persona", s.handleGetPersona)
	mux.HandleFunc("PUT /api/agents/{id}/persona", s.handleUpdatePersona)
	mux.HandleFunc("GET /api/agents/{id}/persona/history", s.handlePersonaHistory)
	mux.HandleFunc("POST /api/agents/{id}/persona/verify", s.handleVerifyPersona)
	mux.HandleFunc("POST /api/agents/{id}/persona/export", s.handleExportPersona)
	mux.HandleFunc("POST /api/agents/{id}/persona/import", s.handleImportPersona)

	mux.HandleFunc("POST /api/agents/{id}/health", s.handleHealthPing)
	mux.HandleFunc("GET /api/agents/{id}/drift", s.handleDriftScore)
	mux.HandleFunc("GET /api/agents/{id}/drift/history", s.handleDriftHistory)
	mux.HandleFunc("GET /api/agents/{id}/drift/config", s.handleGetDriftConfig)
	mux.HandleFunc("PUT /api/agents/{id}/drift/config", s.handleConfigureDrift)

	mux.HandleFunc("POST /api/zkp/commitments/generate", s.handleGenerateCommitment)
	mux.HandleFunc("POST /api/zkp/commitments", s.handleRegisterCommitment)
	mux.HandleFunc("DELETE /api/zkp/commitments/{commitment}", s.handleRevokeCommitment)
	mux.HandleFunc("POST /api/zkp/verify", s.handleVerifyAnonymous)
	mux.HandleFunc("POST /api/zkp/sweep", s.handleSweep)

	mux.HandleFunc("GET /events", s.handleEvents)

	return s.instrument(mux)
}

// instrument stamps every request with a trace id, records duration and
// logs the outcome.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))

		elapsed := time.Since(start)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds())
		}
		s.logger.Debug("request handled", "method", r.Method, "path", r.URL.Path,
			"duration_ms", elapsed.Milliseconds(), "trace_id", shared.TraceID(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"version":            otel.Version,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"subscribers":        s.cfg.Bus.SubscriberCount(),
	}
	if !dbOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// --- agent directory ---

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID     string   `json:"agent_id"`
		Name        string   `json:"name"`
		OwnerEmail  string   `json:"owner_email"`
		Secret      string   `json:"secret"`
		Tier        string   `json:"tier"`
		Permissions []string `json:"permissions"`
	}
	if !decodeBody(w, r, &req, s.logger) {
		return
	}
	ctx := r.Context()
	if err := s.cfg.Directory.Register(ctx, req.AgentID, req.Name, req.OwnerEmail, req.Secret, req.Tier, req.Permissions); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.cfg.Directory.Lookup(ctx, req.AgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agentView(info))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	info, err := s.cfg.Directory.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agentView(info))
}

func (s *Server) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req, s.logger) {
		return
	}
	agentID := r.PathValue("id")
	if err := s.cfg.Directory.SetStatus(r.Context(), agentID, req.Status); err != nil {
		s.writeError(w, r, err)
		return
	}
	audit.Record("agent.status", agentID, req.Status, "operator request")
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "status": req.Status})
}

// agentView hides the secret hash and back-reference.
func agentView(info *directory.Info) map[string]any {
	return map[string]any{
		"agent_id":    info.AgentID,
		"status":      info.Status,
		"tier":        info.Tier,
		"permissions": info.Permissions,
	}
}

// --- persona ---

type personaBody struct {
	Persona json.RawMessage `json:"persona"`
	Secret  string          `json:"secret"`
}

func (s *Server) handleRegisterPersona(w http.ResponseWriter, r *http.Request) {
	var req personaBody
	if !decodeBody(w, r, &req, s.logger) {
		return
	}
	resp, err := s.cfg.Personas.Register(r.Context(), r.PathValue("id"), req.Persona, req.Secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.PersonaUpdates.Add(r.Context(), 1)
	}
	w.Header().Set("ETag", resp.ETag)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	opts := persona.GetOptions{
		IncludePrompt: r.URL.Query().Get("include_prompt") == "true",
		ETag:          r.Header.Get("If-None-Match"),
	}
	resp, notModified, err := s.cfg.Personas.Get(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", resp.ETag)
	if notModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdatePersona(w http.ResponseWriter, r *http.Request) {
	var req personaBody
	if !decodeBody(w, r, &req, s.logger) {
		return
	}
	resp, err := s.cfg.Personas.Update(r.Context(), r.PathValue("id"), req.Persona, req.Secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.PersonaUpdates.Add(r.Context(), 1)
	}
	w.Header().Set("ETag", resp.ETag)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePersonaHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := persona.HistoryOptions{
		Limit:   intParam(q.Get("limit")),
		Offset:  intParam(q.Get("offset")),
		SortAsc: q.Get("sort") == "asc",
	}
	agentID := r.PathValue("id")
	if q.Get("format") == "csv" {
		out, err := s.cfg.Personas.HistoryCSV(r.Context(), agentID, opts)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write(out)
		return
	}
	page, err := s.cfg.Personas.History(r.Context(), agentID, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleVerifyPersona(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if !decodeBody(w, r, &req, s.logger) {
		return
	}
	res, err := s.cfg.Personas.VerifyIntegrity(r.Context(), r.PathValue("id"), req.Secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExportPersona(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if !decodeBody(w, r, &req, s.logger) {
		return
	}
	bundle, err := s.cfg.Personas.Export(r.Context(), r.PathValue("id"), req.Secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleImportPersona(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bundle persona.Bundle `json:"bundle"`
		Secret string         `json:"secret"`
	}
	if !decodeBody(w, r, &req, s.logger) {
		return
	}
	resp, err := s.cfg.Personas.Import(r.Context(), r.PathValue("id"), req.Bundle, req.Secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- drift ---

func (s *Server) handleHealthPing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		drift.Ping
		Pings  []drift.Ping `json:"pings,omitempty"`
		Secret string       `json:"secret"`
	}
	if !decodeBody(w, r, &req, s.logger) {
		return
	}
	ctx := r.Context()
	agentID := r.PathValue("id")
	start := time.Now()

	if len(req.Pings) > 0 {
		entries, err := s.cfg.Drift.RecordBatch(ctx, agentID, req.Pings, req.Secret)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.recordPingMetrics(ctx, start, entries...)
		writeJSON(w, http.StatusOK, map[string]any{"results": entries})
		return
	}

	res, err := s.cfg.Drift.RecordHealthPing(ctx, agentID, req.Ping, req.Secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.recordPingMetrics(ctx, start, drift.BatchEntry{Result: res})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) recordPingMetrics(ctx context.Context, start time.Time, entries ...drift.BatchEntry) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.PingDuration.Record(ctx, time.Since(start).Seconds())
	for _, entry := range entries {
		if entry.Result == nil {
			continue
		}
		s.cfg.Metrics.DriftScore.Record(ctx, entry.Result.DriftScore)
		switch entry.Result.Status {
		case drift.StatusWarning:
			s.cfg.Metrics.DriftWarnings.Add(ctx, 1)
		case drift.StatusRevoked:
			s.cfg.Metrics.Revocations.Add(ctx, 1)
		}
	}
}

func (s *Server) handleDriftScore(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Drift.GetScore(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDriftHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := drift.HistoryOptions{
		Limit:   intParam(q.Get("limit")),
		Offset:  intParam(q.Get("offset")),
		SortAsc: q.Get("sort") == "asc",
		Metric:  q.Get("metric"),
	}
	if from, ok := timeParam(q.Get("from")); ok {
		opts.From = &from
	}
	if to, ok := timeParam(q.Get("to")); ok {
		opts.To = &to
	}
	agentID := r.PathValue("id")
	if q.Get("format") == "csv" {
		out, err := s.cfg.Drift.HistoryCSV(r.Context(), agentID, opts)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write(out)
		return
	}
	page, err := s.cfg.Drift.GetHistory(r.Context(), agentID, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetDriftConfig(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := s.cfg.Directory.Lookup(r.Context(), agentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.cfg.Drift.GetConfig(r.Context(), agentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleConfigureDrift(w http.ResponseWriter, r *http.Request) {
	var cfg drift.Config
	if !decodeBody(w, r, &cfg, s.logger) {
		return
	}
	cfg.AgentID = r.PathValue("id")
	if err := s.cfg.Drift.Configure(r.Context(), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- anonymous verification ---

func (s *Server) handleGenerateCommitment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Secret  string `json:"secret"`
	}
	if !decodeBody(w, r, &req, s.logger) {
		return
	}
	mat, err := s.cfg.Anon.GenerateCommitment(r.Context(), req.AgentID, req.Secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mat)
}

func (s *Server) handleRegisterCommitment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID          string   `json:"agent_id"`
		Secret           string   `json:"secret"`
		Permissions      []string `json:"permissions"`
		Tier             string   `json:"tier"`
		ExpiresInSeconds int64    `json:"expires_in_seconds"`
	}
	if !decodeBody(w, r, &req, s.logger) {
		return
	}
	reg, err := s.cfg.Anon.RegisterCommitment(r.Context(), req.AgentID, req.Secret, anonverify.RegisterParams{
		Permissions: req.Permissions,
		Tier:        req.Tier,
		ExpiresIn:   time.Duration(req.ExpiresInSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleRevokeCommitment(w http.ResponseWriter, r *http.Request) {
	commitment := r.PathValue("commitment")
	changed, err := s.cfg.Anon.RevokeCommitment(r.Context(), commitment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commitment": commitment, "revoked": changed})
}

func (s *Server) handleVerifyAnonymous(w http.ResponseWriter, r *http.Request) {
	var req anonverify.VerifyRequest
	if !decodeBody(w, r, &req, s.logger) {
		return
	}
	ctx, span := otel.StartSpan(r.Context(), s.cfg.Tracer, "anonverify.verify",
		otel.AttrVerifyMode.String(req.Mode))
	res, err := s.cfg.Anon.VerifyAnonymous(ctx, req)
	span.End()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Verifications.Add(ctx, 1)
		if !res.Valid {
			s.cfg.Metrics.VerifyFailures.Add(ctx, 1)
		}
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusForbidden
	}
	writeJSON(w, status, res)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	revoked, err := s.cfg.Anon.CleanupExpiredCommitments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.Metrics != nil && revoked > 0 {
		s.cfg.Metrics.SweepRevoked.Add(r.Context(), int64(revoked))
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": revoked})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, logger *slog.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Debug("malformed request body", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return false
	}
	return true
}

func intParam(raw string) int {
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

func timeParam(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// writeError maps the error taxonomy onto HTTP statuses. Infrastructure
// errors are logged with their trace id and returned as a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, apierr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apierr.ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, apierr.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, apierr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apierr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, apierr.ErrVerificationFailed):
		status = http.StatusForbidden
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"trace_id", shared.TraceID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
