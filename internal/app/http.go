package app

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

	"agora/api/internal/auth"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/util"
)

const maxBodyBytes = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	admin      auth.Admin
	metrics    http.Handler
	logger     *slog.Logger
	debug      bool
}

type HTTPOption func(*HTTPServer)

func WithAdmin(admin auth.Admin) HTTPOption {
	return func(s *HTTPServer) { s.admin = admin }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metrics = h }
}

func WithLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebug adds the error chain to error responses.
func WithDebug(debug bool) HTTPOption {
	return func(s *HTTPServer) { s.debug = debug }
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		readiness := s.service.Ready(r.Context())
		status := http.StatusOK
		if !readiness.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, readiness)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/models" {
		writeJSON(w, http.StatusOK, s.service.Models(r.Context()))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/analyze" {
		var body AnalyzeInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		analysis, err := s.service.Analyze(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "analysis": analysis})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/search/similar" {
		var body struct {
			SimilarInput
			Query string `json:"query"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		input := body.SimilarInput
		if strings.TrimSpace(input.Text) == "" {
			input.Text = body.Query
		}
		result, err := s.service.SearchSimilar(r.Context(), input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "query": result.Query, "items": result.Items})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, ok := intParam(w, query.Get("limit"), "limit")
		if !ok {
			return
		}
		offset, ok := intParam(w, query.Get("offset"), "offset")
		if !ok {
			return
		}
		resp, err := s.service.KeywordSearch(r.Context(), search.Query{
			Text:   query.Get("q"),
			Status: query.Get("status"),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.URL.Path == "/api/proposals" {
		switch r.Method {
		case http.MethodPost:
			s.handleCreate(w, r)
		case http.MethodGet:
			s.handleList(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/proposals/{id} and /api/proposals/{id}/vote
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "proposals" {
		id := parts[2]
		switch {
		case len(parts) == 3 && r.Method == http.MethodGet:
			s.handleGet(w, r, id)
		case len(parts) == 4 && parts[3] == "vote" && r.Method == http.MethodPost:
			s.handleVote(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		}
		return
	}

	// /api/admin/proposals/{id}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "admin" && parts[2] == "proposals" {
		id := parts[3]
		switch r.Method {
		case http.MethodPatch, http.MethodPut:
			s.handleAdminUpdate(w, r, id)
		case http.MethodDelete:
			s.handleAdminDelete(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body CreateInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Create(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":       true,
		"id":       result.Proposal.ID,
		"proposal": presentProposal(result.Proposal, wantVector(r)),
		"analysis": result.Analysis,
		"similar":  result.Similar,
	})
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, ok := intParam(w, query.Get("limit"), "limit")
	if !ok {
		return
	}
	offset, ok := intParam(w, query.Get("offset"), "offset")
	if !ok {
		return
	}
	result, err := s.service.List(r.Context(), ListInput{Offset: offset, Limit: limit, Status: query.Get("status")})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]store.Proposal, 0, len(result.Items))
	for _, p := range result.Items {
		items = append(items, presentProposal(p, wantVector(r)))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"items":  items,
		"total":  result.Total,
		"offset": result.Offset,
		"limit":  result.Limit,
	})
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	result, err := s.service.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"proposal": presentProposal(result.Proposal, wantVector(r)),
		"source":   result.Source,
		"partial":  result.Partial,
	})
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		VoteInput
		Vote *int64 `json:"vote"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	input := body.VoteInput
	if input.Delta == nil {
		input.Delta = body.Vote
	}
	result, err := s.service.Vote(r.Context(), id, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (s *HTTPServer) handleAdminUpdate(w http.ResponseWriter, r *http.Request, id string) {
	var fields map[string]json.RawMessage
	if err := decodeBody(r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	secret := adminSecret(r, fields)
	delete(fields, "admin_secret")
	if !s.authorizeAdmin(w, secret) {
		return
	}
	patch, err := ParsePatch(fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Update(r.Context(), id, patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"proposal":      presentProposal(result.Proposal, false),
		"outcome":       result.Outcome,
		"affected":      result.Affected,
		"partial":       result.Partial,
		"vectorUpdated": result.VectorUpdated,
	})
}

func (s *HTTPServer) handleAdminDelete(w http.ResponseWriter, r *http.Request, id string) {
	var fields map[string]json.RawMessage
	if err := decodeBody(r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if !s.authorizeAdmin(w, adminSecret(r, fields)) {
		return
	}
	result, err := s.service.Delete(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"id":       result.ID,
		"outcome":  result.Outcome,
		"affected": result.Affected,
		"partial":  result.Partial,
	})
}

func (s *HTTPServer) authorizeAdmin(w http.ResponseWriter, secret string) bool {
	err := s.admin.Verify(secret)
	switch {
	case err == nil:
		return true
	case errors.Is(err, auth.ErrAdminDisabled):
		writeError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "Admin access is not configured", nil)
	default:
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	return false
}

// adminSecret reads the x-admin-secret header, then the admin_secret body field.
func adminSecret(r *http.Request, fields map[string]json.RawMessage) string {
	if secret := strings.TrimSpace(r.Header.Get("x-admin-secret")); secret != "" {
		return secret
	}
	raw, ok := fields["admin_secret"]
	if !ok {
		return ""
	}
	var secret string
	if err := json.Unmarshal(raw, &secret); err != nil {
		return ""
	}
	return secret
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", RequestID(r.Context()), "code", code, "error", err)
	}
	if s.debug {
		details = withDebug(details, err)
	}
	writeError(w, status, code, message, details)
}

// presentProposal drops the vector unless the caller asked for it.
func presentProposal(p store.Proposal, includeVector bool) store.Proposal {
	if !includeVector {
		p.Vector = nil
	}
	return p
}

func wantVector(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("includeVector"))
	return v
}

func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Admin-Secret")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"ok":    false,
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
