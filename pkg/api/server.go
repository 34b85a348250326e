// Package api serves the governor HTTP API over the lifecycle engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/audit"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/lifecycle"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

const maxBody = 1 << 20

// Engine is the lifecycle surface the HTTP API serves. *lifecycle.Engine
// implements it.
type Engine interface {
	Submit(ctx context.Context, req contracts.ChangeRequest) (*contracts.Proposal, error)
	Decide(ctx context.Context, sub contracts.DecisionSubmission) (*contracts.Proposal, error)
	EmergencyOverride(ctx context.Context, req contracts.OverrideRequest) (*contracts.Proposal, error)
	ReportActuatorResult(ctx context.Context, proposalID string, report contracts.ActuatorReport) (*contracts.Proposal, error)
	Get(ctx context.Context, id string) (*contracts.Proposal, error)
	List(ctx context.Context, f lifecycle.ListFilter) ([]*contracts.Proposal, error)
	Events(ctx context.Context, proposalID string) ([]contracts.AuditEvent, error)
	Unit(ctx context.Context, id string) (*contracts.UnitMetadata, error)
	RegisterUnit(ctx context.Context, u contracts.UnitMetadata, actor contracts.Identity) (*contracts.UnitMetadata, error)
}

// Options configures a Server. Zero values disable the optional parts.
type Options struct {
	Exporter       *audit.Exporter
	Metrics        http.Handler
	Observer       RequestObserver
	RateLimit      float64
	RateBurst      int
	IdempotencyTTL time.Duration
}

// Server is the JSON/HTTP front of the engine.
type Server struct {
	engine   Engine
	exporter *audit.Exporter
	schemas  *Schemas
	idem     *IdempotencyStore
	limiter  *RateLimiter
	metrics  http.Handler
	observer RequestObserver
	logger   *slog.Logger
}

// NewServer creates a Server over engine.
func NewServer(engine Engine, opts Options) (*Server, error) {
	if engine == nil {
		return nil, errors.New("api: engine is required")
	}
	schemas, err := LoadSchemas()
	if err != nil {
		return nil, err
	}
	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s := &Server{
		engine:   engine,
		exporter: opts.Exporter,
		schemas:  schemas,
		idem:     NewIdempotencyStore(ttl),
		metrics:  opts.Metrics,
		observer: opts.Observer,
		logger:   slog.Default().With("component", "api"),
	}
	if opts.RateLimit > 0 && opts.RateBurst > 0 {
		s.limiter = NewRateLimiter(opts.RateLimit, opts.RateBurst)
	}
	return s, nil
}

// Run performs the server's background housekeeping until ctx is done.
func (s *Server) Run(ctx context.Context) {
	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}
	s.idem.Run(ctx)
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("POST /v1/proposals", s.idem.Idempotent(s.handleSubmit))
	mux.HandleFunc("GET /v1/proposals", s.handleList)
	mux.HandleFunc("GET /v1/proposals/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/proposals/{id}/decisions", s.handleDecide)
	mux.HandleFunc("POST /v1/proposals/{id}/actuator-reports", s.handleActuatorReport)
	mux.HandleFunc("GET /v1/proposals/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /v1/overrides", s.idem.Idempotent(s.handleOverride))
	mux.HandleFunc("PUT /v1/units/{id}", s.handlePutUnit)
	mux.HandleFunc("GET /v1/units/{id}", s.handleGetUnit)
	mux.HandleFunc("GET /v1/audit/export", s.handleExport)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return Recoverer(RequestID(Instrument(s.observer, h)))
}

// decode reads the body, validates it against schema and unmarshals it
// into v. It writes the 400 itself and reports false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "request body too large or unreadable")
		return false
	}
	if err := s.schemas.Validate(schema, body); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req contracts.ChangeRequest
	if !s.decode(w, r, SchemaChangeRequest, &req) {
		return
	}
	p, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/proposals/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// listFilter parses the query string of GET /v1/proposals.
func listFilter(r *http.Request) (lifecycle.ListFilter, error) {
	q := r.URL.Query()
	f := lifecycle.ListFilter{
		Space:  q.Get("space"),
		UnitID: q.Get("unit_id"),
	}
	if v := q.Get("state"); v != "" {
		st := contracts.State(strings.ToUpper(v))
		if !knownState(st) {
			return f, fmt.Errorf("unknown state %q", v)
		}
		f.State = st
	}
	if v := q.Get("risk"); v != "" {
		rc, err := contracts.ParseRiskClass(v)
		if err != nil {
			return f, err
		}
		f.Risk = rc
	}
	for key, dst := range map[string]*time.Duration{"older_than": &f.OlderThan, "newer_than": &f.NewerThan} {
		if v := q.Get(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				return f, fmt.Errorf("%s must be a non-negative duration like 24h", key)
			}
			*dst = d
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func knownState(s contracts.State) bool {
	switch s {
	case contracts.StateValidating, contracts.StateBlocked, contracts.StatePending,
		contracts.StateQueued, contracts.StateAcknowledging, contracts.StateApproving,
		contracts.StateApplied, contracts.StateRejected, contracts.StateExpired:
		return true
	}
	return false
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	proposals, err := s.engine.List(r.Context(), f)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	if proposals == nil {
		proposals = []*contracts.Proposal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals, "count": len(proposals)})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var sub contracts.DecisionSubmission
	if !s.decode(w, r, SchemaDecision, &sub) {
		return
	}
	id := r.PathValue("id")
	if sub.ProposalID != "" && sub.ProposalID != id {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "proposal_id does not match the path")
		return
	}
	sub.ProposalID = id
	p, err := s.engine.Decide(r.Context(), sub)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleActuatorReport(w http.ResponseWriter, r *http.Request) {
	var report contracts.ActuatorReport
	if !s.decode(w, r, SchemaActuatorReport, &report) {
		return
	}
	p, err := s.engine.ReportActuatorResult(r.Context(), r.PathValue("id"), report)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	if events == nil {
		events = []contracts.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req contracts.OverrideRequest
	if !s.decode(w, r, SchemaOverride, &req) {
		return
	}
	p, err := s.engine.EmergencyOverride(r.Context(), req)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/proposals/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

// unitRequest is the body of PUT /v1/units/{id}.
type unitRequest struct {
	contracts.UnitMetadata
	Actor contracts.Identity `json:"actor"`
}

func (s *Server) handlePutUnit(w http.ResponseWriter, r *http.Request) {
	var req unitRequest
	if !s.decode(w, r, SchemaUnit, &req) {
		return
	}
	req.UnitMetadata.ID = r.PathValue("id")
	u, err := s.engine.RegisterUnit(r.Context(), req.UnitMetadata, req.Actor)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	u, err := s.engine.Unit(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleExport streams the audit chain as JSON lines. The manifest
// checksum and chain head are sent as trailers.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "audit export is not configured")
		return
	}
	f := store.AuditFilter{
		ProposalID: r.URL.Query().Get("proposal_id"),
		UnitID:     r.URL.Query().Get("unit_id"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = since
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Trailer", "X-Audit-Checksum, X-Audit-Chain-Head")
	cw := &countingWriter{w: w}
	m, err := s.exporter.WriteJSONL(r.Context(), cw, f)
	if err != nil {
		if cw.n == 0 {
			WriteInternal(w, err)
			return
		}
		s.logger.Error("audit export interrupted", "error", err, "bytes", cw.n)
		return
	}
	w.Header().Set("X-Audit-Checksum", m.Checksum)
	w.Header().Set("X-Audit-Chain-Head", m.ChainHead)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
