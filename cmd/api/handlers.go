package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"claimflow/claim"
	"claimflow/document"
	"claimflow/routing"
	"claimflow/taxonomy"
)

type tripleRequest struct {
	ClassificationID string `json:"classificationId"`
	ClassID          string `json:"classId"`
	CauseID          string `json:"causeId"`
}

func (t tripleRequest) triple() taxonomy.Triple {
	return taxonomy.Triple{
		ClassificationID: strings.TrimSpace(t.ClassificationID),
		ClassID:          strings.TrimSpace(t.ClassID),
		CauseID:          strings.TrimSpace(t.CauseID),
	}
}

type createClaimRequest struct {
	tripleRequest
	ProductID           string `json:"productId"`
	CustomerRef         string `json:"customerRef"`
	Description         string `json:"description"`
	ResponsibleAreaID   string `json:"responsibleAreaId"`
	ResponsiblePersonID string `json:"responsiblePersonId"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type solutionRequest struct {
	Text      string `json:"text"`
	LetterRef string `json:"letterRef"`
}

type rateRequest struct {
	Rating string `json:"rating"`
}

func (s *Server) handleCreateClaim(w http.ResponseWriter, r *http.Request) {
	var req createClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.claims.Create(r.Context(), actorFrom(r), claim.CreateParams{
		Triple:              req.triple(),
		ProductID:           req.ProductID,
		CustomerRef:         req.CustomerRef,
		Description:         req.Description,
		ResponsibleAreaID:   req.ResponsibleAreaID,
		ResponsiblePersonID: req.ResponsiblePersonID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeClaim(w, http.StatusCreated, c)
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	c, err := s.claims.Get(r.Context(), chi.URLParam(r, "claimID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeClaim(w, http.StatusOK, c)
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := claim.Filters{
		ResponsibleAreaID:   q.Get("area"),
		ResponsiblePersonID: q.Get("person"),
		SortKey:             q.Get("sort"),
		SortOrder:           q.Get("order"),
	}
	if raw := q.Get("state"); raw != "" {
		state, err := claim.ParseState(raw)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		filters.State = state
	}
	if raw := q.Get("breached"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", "breached must be a boolean")
			return
		}
		filters.Breached = b
	}
	var ok bool
	if filters.Page, ok = queryInt(w, q.Get("page")); !ok {
		return
	}
	if filters.PageSize, ok = queryInt(w, q.Get("pageSize")); !ok {
		return
	}

	res, err := s.claims.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]claimResponse, 0, len(res.Items))
	for _, c := range res.Items {
		items = append(items, toClaimResponse(c, s.claims.Compliance(c)))
	}
	writeJSON(w, http.StatusOK, claimListResponse{Items: items, Total: res.Total})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.claims.Timeline(r.Context(), chi.URLParam(r, "claimID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]timelineResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toTimelineResponse(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSelectCause(w http.ResponseWriter, r *http.Request) {
	ref, ok := claimRef(w, r)
	if !ok {
		return
	}
	var req tripleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.claims.SelectCause(r.Context(), actorFrom(r), claim.SelectCauseParams{Ref: ref, Triple: req.triple()})
	s.respondTransition(w, r, c, err)
}

func (s *Server) handleFirstContact(w http.ResponseWriter, r *http.Request) {
	ref, ok := claimRef(w, r)
	if !ok {
		return
	}
	var req notesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.claims.RecordFirstContact(r.Context(), actorFrom(r), claim.NotesParams{Ref: ref, Notes: req.Notes})
	s.respondTransition(w, r, c, err)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	ref, ok := claimRef(w, r)
	if !ok {
		return
	}
	var req notesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.claims.RecordProgress(r.Context(), actorFrom(r), claim.NotesParams{Ref: ref, Notes: req.Notes})
	s.respondTransition(w, r, c, err)
}

func (s *Server) handleSubmitSolution(w http.ResponseWriter, r *http.Request) {
	ref, ok := claimRef(w, r)
	if !ok {
		return
	}
	var req solutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.claims.SubmitSolution(r.Context(), actorFrom(r), claim.SolutionParams{Ref: ref, Text: req.Text, LetterRef: req.LetterRef})
	s.respondTransition(w, r, c, err)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ref, ok := claimRef(w, r)
	if !ok {
		return
	}
	c, err := s.claims.Approve(r.Context(), actorFrom(r), ref)
	s.respondTransition(w, r, c, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	ref, ok := claimRef(w, r)
	if !ok {
		return
	}
	var req notesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.claims.Reject(r.Context(), actorFrom(r), claim.NotesParams{Ref: ref, Notes: req.Notes})
	s.respondTransition(w, r, c, err)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	ref, ok := claimRef(w, r)
	if !ok {
		return
	}
	var req rateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.claims.Rate(r.Context(), actorFrom(r), claim.RateParams{Ref: ref, Rating: claim.Rating(req.Rating)})
	s.respondTransition(w, r, c, err)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	ref, ok := claimRef(w, r)
	if !ok {
		return
	}
	c, err := s.claims.Lock(r.Context(), actorFrom(r), ref)
	s.respondTransition(w, r, c, err)
}

func (s *Server) handleResnapshot(w http.ResponseWriter, r *http.Request) {
	ref, ok := claimRef(w, r)
	if !ok {
		return
	}
	c, err := s.claims.Resnapshot(r.Context(), actorFrom(r), ref)
	s.respondTransition(w, r, c, err)
}

// handleUploadLetter stores the request body as an editable closing letter.
// The claim itself is untouched until the solution is submitted with the
// returned reference.
func (s *Server) handleUploadLetter(w http.ResponseWriter, r *http.Request) {
	if _, err := s.claims.Get(r.Context(), chi.URLParam(r, "claimID")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeError(w, http.StatusBadRequest, "invalid_query", "filename is required")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.letters.MaxSize()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeServiceError(w, r, document.ErrTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "could not read letter")
		return
	}
	ref, err := s.letters.Upload(r.Context(), filename, data)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, letterResponse{Ref: ref.String(), Format: string(ref.Format)})
}

func (s *Server) handlePreviewLetter(w http.ResponseWriter, r *http.Request) {
	c, err := s.claims.Get(r.Context(), chi.URLParam(r, "claimID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if c.ClosingLetterRef == nil {
		writeError(w, http.StatusNotFound, "not_found", "claim has no closing letter")
		return
	}
	pdf, err := s.letters.Preview(r.Context(), *c.ClosingLetterRef)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", document.FormatPDF.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

type entryRequest struct {
	tripleRequest
	FirstContactOwnerIDs []string `json:"firstContactOwnerIds"`
	InitialAttentionDays *int     `json:"initialAttentionDays"`
	TreatmentOwnerID     string   `json:"treatmentOwnerId"`
	ResponseDays         int      `json:"responseDays"`
	ResponseType         string   `json:"responseType"`
}

func (e entryRequest) params() routing.EntryParams {
	return routing.EntryParams{
		Triple:               e.triple(),
		FirstContactOwnerIDs: e.FirstContactOwnerIDs,
		InitialAttentionDays: e.InitialAttentionDays,
		TreatmentOwnerID:     e.TreatmentOwnerID,
		ResponseDays:         e.ResponseDays,
		ResponseType:         e.ResponseType,
	}
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleListMatrix(w http.ResponseWriter, r *http.Request) {
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("includeInactive"))
	entries, err := s.matrix.List(r.Context(), includeInactive)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := s.matrix.CreateEntry(r.Context(), actorFrom(r), req.params())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryResponse(e))
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := s.matrix.UpdateEntry(r.Context(), actorFrom(r), chi.URLParam(r, "entryID"), req.params())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(e))
}

func (s *Server) handleSetEntryActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := s.matrix.SetActive(r.Context(), actorFrom(r), chi.URLParam(r, "entryID"), req.Active)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(e))
}

// handleImportMatrix accepts the YAML matrix file as the request body.
func (s *Server) handleImportMatrix(w http.ResponseWriter, r *http.Request) {
	file, err := taxonomy.ParseMatrixFile(http.MaxBytesReader(w, r.Body, 5<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	res, err := s.matrix.Import(r.Context(), actorFrom(r), file)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, importResponse{Created: res.Created, Updated: res.Updated, Deactivated: res.Deactivated})
}

func (s *Server) handleListAreas(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	areas, err := s.areas.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]areaResponse, 0, len(areas))
	for _, a := range areas {
		out = append(out, toAreaResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetArea(w http.ResponseWriter, r *http.Request) {
	a, err := s.areas.GetByID(r.Context(), chi.URLParam(r, "areaID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAreaResponse(a))
}

func (s *Server) respondTransition(w http.ResponseWriter, r *http.Request, c claim.Claim, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeClaim(w, http.StatusOK, c)
}

func (s *Server) writeClaim(w http.ResponseWriter, status int, c claim.Claim) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(c.Version, 10)))
	writeJSON(w, status, toClaimResponse(c, s.claims.Compliance(c)))
}

func queryInt(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, http.StatusBadRequest, "invalid_query", "expected a non-negative integer, got "+strconv.Quote(raw))
		return 0, false
	}
	return v, true
}
