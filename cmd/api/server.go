package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"claimflow/access"
	"claimflow/area"
	"claimflow/auth"
	"claimflow/claim"
	"claimflow/document"
	"claimflow/routing"
	"claimflow/sla"
	"claimflow/taxonomy"
)

type claimService interface {
	Create(ctx context.Context, actor access.Actor, params claim.CreateParams) (claim.Claim, error)
	SelectCause(ctx context.Context, actor access.Actor, params claim.SelectCauseParams) (claim.Claim, error)
	RecordFirstContact(ctx context.Context, actor access.Actor, params claim.NotesParams) (claim.Claim, error)
	RecordProgress(ctx context.Context, actor access.Actor, params claim.NotesParams) (claim.Claim, error)
	SubmitSolution(ctx context.Context, actor access.Actor, params claim.SolutionParams) (claim.Claim, error)
	Approve(ctx context.Context, actor access.Actor, ref claim.Ref) (claim.Claim, error)
	Reject(ctx context.Context, actor access.Actor, params claim.NotesParams) (claim.Claim, error)
	Rate(ctx context.Context, actor access.Actor, params claim.RateParams) (claim.Claim, error)
	Lock(ctx context.Context, actor access.Actor, ref claim.Ref) (claim.Claim, error)
	Resnapshot(ctx context.Context, actor access.Actor, ref claim.Ref) (claim.Claim, error)
	Get(ctx context.Context, id string) (claim.Claim, error)
	List(ctx context.Context, filters claim.Filters) (claim.ListResult, error)
	Timeline(ctx context.Context, id string) ([]claim.TimelineEvent, error)
	Compliance(c claim.Claim) sla.Compliance
}

type matrixAdmin interface {
	CreateEntry(ctx context.Context, actor access.Actor, params routing.EntryParams) (taxonomy.MatrixEntry, error)
	UpdateEntry(ctx context.Context, actor access.Actor, id string, params routing.EntryParams) (taxonomy.MatrixEntry, error)
	SetActive(ctx context.Context, actor access.Actor, id string, active bool) (taxonomy.MatrixEntry, error)
	List(ctx context.Context, includeInactive bool) ([]taxonomy.MatrixEntry, error)
	Import(ctx context.Context, actor access.Actor, file taxonomy.MatrixFile) (taxonomy.ImportResult, error)
}

type areaReader interface {
	GetByID(ctx context.Context, id string) (area.Area, error)
	List(ctx context.Context, limit int) ([]area.Area, error)
}

type letterStore interface {
	Upload(ctx context.Context, filename string, data []byte) (document.Ref, error)
	Preview(ctx context.Context, raw string) ([]byte, error)
	MaxSize() int64
}

type tokenVerifier interface {
	VerifyToken(token string) (access.Actor, error)
}

// Server exposes the claim engine over HTTP.
type Server struct {
	claims  claimService
	matrix  matrixAdmin
	areas   areaReader
	letters letterStore
	tokens  tokenVerifier
	logger  *slog.Logger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Route("/claims", func(cr chi.Router) {
			cr.Get("/", s.handleListClaims)
			cr.Post("/", s.handleCreateClaim)
			cr.Route("/{claimID}", func(one chi.Router) {
				one.Get("/", s.handleGetClaim)
				one.Get("/timeline", s.handleTimeline)
				one.Put("/cause", s.handleSelectCause)
				one.Post("/first-contact", s.handleFirstContact)
				one.Post("/progress", s.handleProgress)
				one.Post("/solution", s.handleSubmitSolution)
				one.Post("/approve", s.handleApprove)
				one.Post("/reject", s.handleReject)
				one.Put("/rating", s.handleRate)
				one.Post("/lock", s.handleLock)
				one.Post("/resnapshot", s.handleResnapshot)
				one.Put("/letter", s.handleUploadLetter)
				one.Get("/letter/preview", s.handlePreviewLetter)
			})
		})

		api.Route("/matrix", func(mr chi.Router) {
			mr.Get("/", s.handleListMatrix)
			mr.Post("/", s.handleCreateEntry)
			mr.Post("/import", s.handleImportMatrix)
			mr.Put("/{entryID}", s.handleUpdateEntry)
			mr.Put("/{entryID}/active", s.handleSetEntryActive)
		})

		api.Get("/areas", s.handleListAreas)
		api.Get("/areas/{areaID}", s.handleGetArea)
	})
	return r
}

type ctxKey int

const actorKey ctxKey = 0

// authenticate resolves the bearer token to an actor. Handlers read the actor
// once and pass it explicitly to the services.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "bearer token required")
			return
		}
		actor, err := s.tokens.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func actorFrom(r *http.Request) access.Actor {
	actor, _ := r.Context().Value(actorKey).(access.Actor)
	return actor
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// expectedVersion reads the If-Match header. Weak and quoted forms are accepted.
func expectedVersion(r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// claimRef builds the claim address from the path and If-Match, writing 428
// when the version is missing.
func claimRef(w http.ResponseWriter, r *http.Request) (claim.Ref, bool) {
	version, ok := expectedVersion(r)
	if !ok {
		writeError(w, http.StatusPreconditionRequired, "version_required", "If-Match header with the claim version is required")
		return claim.Ref{}, false
	}
	return claim.Ref{ClaimID: chi.URLParam(r, "claimID"), ExpectedVersion: version}, true
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps domain errors to status codes and stable codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, code, http.StatusText(status))
		return
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, routing.ErrInvalidTaxonomyPath):
		return http.StatusBadRequest, "invalid_taxonomy_path"
	case errors.Is(err, routing.ErrMatrixEntryNotFound):
		return http.StatusNotFound, "matrix_entry_not_found"
	case errors.Is(err, claim.ErrConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, taxonomy.ErrDuplicateEntry):
		return http.StatusConflict, "duplicate_matrix_entry"
	case errors.Is(err, claim.ErrValidation), errors.Is(err, routing.ErrInvalidEntry):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, document.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "document_too_large"
	case errors.Is(err, document.ErrInvalidRef), errors.Is(err, document.ErrNotEditable), errors.Is(err, document.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "invalid_document"
	case errors.Is(err, claim.ErrNotFound), errors.Is(err, area.ErrNotFound),
		errors.Is(err, taxonomy.ErrEntryNotFound), errors.Is(err, document.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, document.ErrConversionFailed):
		return http.StatusBadGateway, "conversion_failed"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, claim.ErrInvariantViolation):
		return http.StatusInternalServerError, "invariant_violation"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
