// Package server exposes the annotation pipeline over HTTP.
//
// Routes:
//
//	POST /v1/annotate          one annotation, JSON in and out
//	POST /v1/annotate/batch    up to pipeline.MaxBatchSize annotations
//	GET  /v1/annotate/stream   websocket; one request, progress events, one result
//	GET  /v1/languages         supported source languages
//	GET  /v1/usage             usage aggregates (only with a usage store)
//	GET  /healthz, /readyz     liveness and readiness
//	GET  /metrics              Prometheus scrape endpoint
//	     /mcp                  streamable-HTTP MCP endpoint (optional)
//
// Errors are JSON objects {"error": ..., "kind": ...}; kind is the
// pipeline error class and decides the status code.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/health"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/observe"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/pipeline"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage/postgres"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Summarizer reports usage aggregates. *postgres.Store implements it.
type Summarizer interface {
	Summary(ctx context.Context, since time.Time) ([]postgres.Summary, error)
}

// Option customises a [Server].
type Option func(*Server)

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the HTTP metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGatherer serves /metrics from g. Default: prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithUsageSummary enables GET /v1/usage.
func WithUsageSummary(sum Summarizer) Option {
	return func(s *Server) { s.usage = sum }
}

// WithMCPHandler mounts h at /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) { s.mcp = h }
}

// WithRequestTimeout bounds every annotate request. Zero means no bound
// beyond the client's own.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// Server routes HTTP requests to a [pipeline.Pipeline].
type Server struct {
	pipeline *pipeline.Pipeline
	health   *health.Handler
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	usage    Summarizer
	mcp      http.Handler
	timeout  time.Duration

	handler http.Handler
}

// New creates a [Server] for p.
func New(p *pipeline.Pipeline, opts ...Option) *Server {
	s := &Server{
		pipeline: p,
		health:   health.New(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/annotate", s.handleAnnotate)
	mux.HandleFunc("POST /v1/annotate/batch", s.handleBatch)
	mux.HandleFunc("GET /v1/annotate/stream", s.handleStream)
	mux.HandleFunc("GET /v1/languages", s.handleLanguages)
	if s.usage != nil {
		mux.HandleFunc("GET /v1/usage", s.handleUsage)
	}
	if s.mcp != nil {
		mux.Handle("/mcp", s.mcp)
	}
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler with tracing and metrics applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// annotateRequest is the wire form of pipeline.Request.
type annotateRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
	SourceLanguage string `json:"source_language,omitempty"`
}

func (r annotateRequest) toPipeline() pipeline.Request {
	return pipeline.Request{
		Text:           r.Text,
		TargetLanguage: r.TargetLanguage,
		SourceLanguage: r.SourceLanguage,
	}
}

// errorBody is the JSON error response.
type errorBody struct {
	Error string        `json:"error"`
	Kind  pipeline.Kind `json:"kind"`
}

func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	var req annotateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	res, err := s.pipeline.Process(ctx, req.toPipeline())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Requests []annotateRequest `json:"requests"`
}

type batchItem struct {
	Result *pipeline.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
	Kind   pipeline.Kind    `json:"kind,omitempty"`
}

type batchResponse struct {
	Items []batchItem `json:"items"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	reqs := make([]pipeline.Request, len(req.Requests))
	for i, ar := range req.Requests {
		reqs[i] = ar.toPipeline()
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	items, err := s.pipeline.ProcessBatch(ctx, reqs)
	if err != nil && items == nil {
		writeError(w, err)
		return
	}

	out := batchResponse{Items: make([]batchItem, len(items))}
	for i, it := range items {
		out.Items[i] = batchItem{Result: it.Result}
		if it.Err != nil {
			out.Items[i].Error = it.Err.Error()
			out.Items[i].Kind = pipeline.KindOf(it.Err)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type languagesResponse struct {
	Languages []pipeline.Language `json:"languages"`
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, languagesResponse{Languages: s.pipeline.Languages()})
}

type usageResponse struct {
	Since   time.Time          `json:"since"`
	Summary []postgres.Summary `json:"summary"`
}

// handleUsage reports aggregates over the window given by ?window=
// (a Go duration, default 24h).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error: fmt.Sprintf("invalid window %q", v),
				Kind:  pipeline.KindInvalidRequest,
			})
			return
		}
		window = d
	}

	since := time.Now().Add(-window).UTC()
	sum, err := s.usage.Summary(r.Context(), since)
	if err != nil {
		observe.Logger(r.Context()).Error("usage summary failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "usage summary unavailable"})
		return
	}
	if sum == nil {
		sum = []postgres.Summary{}
	}
	writeJSON(w, http.StatusOK, usageResponse{Since: since, Summary: sum})
}

func (s *Server) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// decodeBody reads one JSON value from the request body. Failures are
// reported as pipeline.ErrInvalidRequest.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", pipeline.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", pipeline.ErrInvalidRequest, err)
	}
	return nil
}

// StatusFor maps a pipeline error class to an HTTP status code.
func StatusFor(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindNone:
		return http.StatusOK
	case pipeline.KindInvalidRequest:
		return http.StatusBadRequest
	case pipeline.KindLanguageMismatch:
		return http.StatusUnprocessableEntity
	case pipeline.KindMalformedResponse, pipeline.KindProviderError:
		return http.StatusBadGateway
	case pipeline.KindProviderExhausted, pipeline.KindProviderOverloaded, pipeline.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := pipeline.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
