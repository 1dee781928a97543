package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"claimflow/access"
	"claimflow/area"
	"claimflow/auth"
	"claimflow/claim"
	"claimflow/document"
	"claimflow/routing"
	"claimflow/sla"
	"claimflow/taxonomy"
)

type stubClaims struct {
	claim     claim.Claim
	list      claim.ListResult
	events    []claim.TimelineEvent
	err       error
	lastActor access.Actor
	lastRef   claim.Ref
	lastNotes string
	filters   claim.Filters
}

func (s *stubClaims) transition(actor access.Actor, ref claim.Ref) (claim.Claim, error) {
	s.lastActor = actor
	s.lastRef = ref
	if s.err != nil {
		return claim.Claim{}, s.err
	}
	return s.claim, nil
}

func (s *stubClaims) Create(_ context.Context, actor access.Actor, _ claim.CreateParams) (claim.Claim, error) {
	return s.transition(actor, claim.Ref{})
}

func (s *stubClaims) SelectCause(_ context.Context, actor access.Actor, p claim.SelectCauseParams) (claim.Claim, error) {
	return s.transition(actor, p.Ref)
}

func (s *stubClaims) RecordFirstContact(_ context.Context, actor access.Actor, p claim.NotesParams) (claim.Claim, error) {
	s.lastNotes = p.Notes
	return s.transition(actor, p.Ref)
}

func (s *stubClaims) RecordProgress(_ context.Context, actor access.Actor, p claim.NotesParams) (claim.Claim, error) {
	s.lastNotes = p.Notes
	return s.transition(actor, p.Ref)
}

func (s *stubClaims) SubmitSolution(_ context.Context, actor access.Actor, p claim.SolutionParams) (claim.Claim, error) {
	return s.transition(actor, p.Ref)
}

func (s *stubClaims) Approve(_ context.Context, actor access.Actor, ref claim.Ref) (claim.Claim, error) {
	return s.transition(actor, ref)
}

func (s *stubClaims) Reject(_ context.Context, actor access.Actor, p claim.NotesParams) (claim.Claim, error) {
	s.lastNotes = p.Notes
	return s.transition(actor, p.Ref)
}

func (s *stubClaims) Rate(_ context.Context, actor access.Actor, p claim.RateParams) (claim.Claim, error) {
	return s.transition(actor, p.Ref)
}

func (s *stubClaims) Lock(_ context.Context, actor access.Actor, ref claim.Ref) (claim.Claim, error) {
	return s.transition(actor, ref)
}

func (s *stubClaims) Resnapshot(_ context.Context, actor access.Actor, ref claim.Ref) (claim.Claim, error) {
	return s.transition(actor, ref)
}

func (s *stubClaims) Get(_ context.Context, _ string) (claim.Claim, error) {
	if s.err != nil {
		return claim.Claim{}, s.err
	}
	return s.claim, nil
}

func (s *stubClaims) List(_ context.Context, f claim.Filters) (claim.ListResult, error) {
	s.filters = f
	return s.list, s.err
}

func (s *stubClaims) Timeline(_ context.Context, _ string) ([]claim.TimelineEvent, error) {
	return s.events, s.err
}

func (s *stubClaims) Compliance(c claim.Claim) sla.Compliance {
	return sla.NewCalculator(time.UTC).Report(c.TheoreticalDeadline, c.ClosureDate, c.Compliant, time.Date(2025, 1, 12, 0, 0, 0, 0, time.UTC))
}

type stubMatrix struct {
	entry    taxonomy.MatrixEntry
	entries  []taxonomy.MatrixEntry
	imported taxonomy.ImportResult
	file     taxonomy.MatrixFile
	err      error
}

func (s *stubMatrix) CreateEntry(context.Context, access.Actor, routing.EntryParams) (taxonomy.MatrixEntry, error) {
	return s.entry, s.err
}

func (s *stubMatrix) UpdateEntry(context.Context, access.Actor, string, routing.EntryParams) (taxonomy.MatrixEntry, error) {
	return s.entry, s.err
}

func (s *stubMatrix) SetActive(context.Context, access.Actor, string, bool) (taxonomy.MatrixEntry, error) {
	return s.entry, s.err
}

func (s *stubMatrix) List(context.Context, bool) ([]taxonomy.MatrixEntry, error) {
	return s.entries, s.err
}

func (s *stubMatrix) Import(_ context.Context, _ access.Actor, file taxonomy.MatrixFile) (taxonomy.ImportResult, error) {
	s.file = file
	return s.imported, s.err
}

type stubAreaRepo struct {
	area  area.Area
	areas []area.Area
	err   error
}

func (s *stubAreaRepo) GetByID(context.Context, string) (area.Area, error) {
	return s.area, s.err
}

func (s *stubAreaRepo) List(context.Context, int) ([]area.Area, error) {
	return s.areas, s.err
}

type stubConverter struct{}

func (stubConverter) ToPDF(_ context.Context, _ document.Format, data []byte) ([]byte, error) {
	return append([]byte("%PDF-1.7 "), data...), nil
}

type testEnv struct {
	handler http.Handler
	claims  *stubClaims
	matrix  *stubMatrix
	areas   *stubAreaRepo
	tokens  *auth.Service
	letters *document.Letters
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tokens, err := auth.NewService("test-secret", "claimflow", access.NewPolicy(nil))
	if err != nil {
		t.Fatal(err)
	}
	store, err := document.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		claims:  &stubClaims{},
		matrix:  &stubMatrix{},
		areas:   &stubAreaRepo{},
		tokens:  tokens,
		letters: document.NewLetters(store, stubConverter{}, 1<<20, logger),
	}
	srv := &Server{
		claims:  env.claims,
		matrix:  env.matrix,
		areas:   area.NewService(env.areas),
		letters: env.letters,
		tokens:  tokens,
		logger:  logger,
	}
	env.handler = srv.routes()
	return env
}

func (e *testEnv) token(t *testing.T, actorID string, role access.Role) string {
	t.Helper()
	token, err := e.tokens.IssueToken(auth.IssueParams{ActorID: actorID, Role: string(role)})
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, req *http.Request, role access.Role) *httptest.ResponseRecorder {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+e.token(t, "user-1", role))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func docxFixture(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"[Content_Types].xml", "word/document.xml"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte("<xml/>")); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func closedClaim() claim.Claim {
	created := time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC)
	deadline := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	closure := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	days, delay, compliant := 5, 2, true
	entry := "entry-1"
	letter := document.NewRef(document.FormatDOCX, []byte("letter")).String()
	return claim.Claim{
		ID:                   "c1",
		Version:              4,
		Triple:               taxonomy.Triple{ClassificationID: "cls", ClassID: "class", CauseID: "cause"},
		CustomerRef:          "CUST-1",
		State:                claim.StateClosed,
		CreatedAt:            created,
		UpdatedAt:            created,
		MatrixEntryID:        &entry,
		ResponseDaysSnapshot: &days,
		TheoreticalDeadline:  &deadline,
		ClosureDate:          &closure,
		DelayDays:            &delay,
		Compliant:            &compliant,
		SolutionText:         "refund",
		ClosingLetterRef:     &letter,
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/claims/c1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/claims/c1", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || decodeError(t, rec).Code != "unauthenticated" {
		t.Fatalf("expected 401 unauthenticated, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health check must not require a token, got %d", rec.Code)
	}
}

func TestHandleGetClaim(t *testing.T) {
	env := newTestEnv(t)
	env.claims.claim = closedClaim()

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/claims/c1", nil), access.RoleAuditor)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("ETag"); got != `"4"` {
		t.Fatalf("expected ETag \"4\", got %s", got)
	}

	var resp claimResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "closed" || *resp.TheoreticalDeadline != "2025-01-15" || *resp.ClosureDate != "2025-01-13" {
		t.Fatalf("unexpected claim payload: %+v", resp)
	}
	if *resp.DelayDays != 2 || !*resp.Compliant || resp.Compliance != string(sla.ComplianceCompliant) {
		t.Fatalf("unexpected compliance: %+v", resp)
	}
}

func TestHandleGetClaim_UnknownCompliance(t *testing.T) {
	env := newTestEnv(t)
	env.claims.claim = claim.Claim{ID: "c2", Version: 1, State: claim.StateIntake, CustomerRef: "C"}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/claims/c2", nil), access.RoleAuditor)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown compliance is not an error, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["compliance"] != "unknown" || resp["theoreticalDeadline"] != nil || resp["compliant"] != nil {
		t.Fatalf("expected unknown compliance with null fields, got %v", resp)
	}
}

func TestTransitions_RequireVersion(t *testing.T) {
	env := newTestEnv(t)
	env.claims.claim = closedClaim()

	req := httptest.NewRequest(http.MethodPost, "/api/claims/c1/approve", nil)
	rec := env.do(t, req, access.RoleClaimsLead)
	if rec.Code != http.StatusPreconditionRequired || decodeError(t, rec).Code != "version_required" {
		t.Fatalf("expected 428 version_required, got %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/claims/c1/approve", nil)
	req.Header.Set("If-Match", `W/"3"`)
	rec = env.do(t, req, access.RoleClaimsLead)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if env.claims.lastRef != (claim.Ref{ClaimID: "c1", ExpectedVersion: 3}) {
		t.Fatalf("unexpected ref %+v", env.claims.lastRef)
	}
	if env.claims.lastActor.ID != "user-1" || env.claims.lastActor.Role != access.RoleClaimsLead {
		t.Fatalf("actor not passed through: %+v", env.claims.lastActor)
	}
}

func TestTransitions_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: nope", claim.ErrForbidden), http.StatusForbidden, "forbidden"},
		{fmt.Errorf("%w: notes required", claim.ErrValidation), http.StatusUnprocessableEntity, "validation_failed"},
		{fmt.Errorf("%w: stale", claim.ErrConflict), http.StatusConflict, "version_conflict"},
		{claim.ErrNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: class not under classification", routing.ErrInvalidTaxonomyPath), http.StatusBadRequest, "invalid_taxonomy_path"},
		{claim.ErrInvariantViolation, http.StatusInternalServerError, "invariant_violation"},
		{errors.New("connection reset"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		env := newTestEnv(t)
		env.claims.err = tc.err

		req := httptest.NewRequest(http.MethodPost, "/api/claims/c1/reject", strings.NewReader(`{"notes":"wrong letter"}`))
		req.Header.Set("If-Match", "2")
		rec := env.do(t, req, access.RoleClaimsLead)
		if rec.Code != tc.status {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
			continue
		}
		if got := decodeError(t, rec).Code; got != tc.code {
			t.Errorf("%v: expected code %s, got %s", tc.err, tc.code, got)
		}
	}
}

func TestHandleReject_PassesNotes(t *testing.T) {
	env := newTestEnv(t)
	env.claims.claim = claim.Claim{ID: "c1", Version: 3, State: claim.StateTreatment, CustomerRef: "C"}

	req := httptest.NewRequest(http.MethodPost, "/api/claims/c1/reject", strings.NewReader(`{"notes":"wrong letter"}`))
	req.Header.Set("If-Match", "2")
	rec := env.do(t, req, access.RoleClaimsLead)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.claims.lastNotes != "wrong letter" {
		t.Fatalf("notes not passed through: %q", env.claims.lastNotes)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/claims/c1/reject", strings.NewReader(`{"note":"typo"}`))
	req.Header.Set("If-Match", "2")
	rec = env.do(t, req, access.RoleClaimsLead)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown fields must be rejected, got %d", rec.Code)
	}
}

func TestHandleListClaims_Filters(t *testing.T) {
	env := newTestEnv(t)
	env.claims.list = claim.ListResult{Items: []claim.Claim{closedClaim()}, Total: 1}

	req := httptest.NewRequest(http.MethodGet, "/api/claims?state=treatment&breached=true&area=a1&page=2&pageSize=10&sort=deadline&order=asc", nil)
	rec := env.do(t, req, access.RoleCollaborator)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	f := env.claims.filters
	if f.State != claim.StateTreatment || !f.Breached || f.ResponsibleAreaID != "a1" || f.Page != 2 || f.PageSize != 10 || f.SortKey != "deadline" {
		t.Fatalf("unexpected filters %+v", f)
	}
	var resp claimListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || len(resp.Items) != 1 || resp.Items[0].ID != "c1" {
		t.Fatalf("unexpected list %+v", resp)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/claims?state=archived", nil), access.RoleAuditor)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown state: expected 422, got %d", rec.Code)
	}
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/claims?page=-1", nil), access.RoleAuditor)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative page: expected 400, got %d", rec.Code)
	}
}

func TestHandleTimeline(t *testing.T) {
	env := newTestEnv(t)
	from := claim.StateIntake
	env.claims.events = []claim.TimelineEvent{{
		ID: 7, ClaimID: "c1", Type: claim.EventFirstContact, ActorID: "owner-1",
		FromState: &from, ToState: claim.StateTreatment, Version: 2,
		Payload: []byte(`{}`), CreatedAt: time.Date(2025, 1, 11, 8, 0, 0, 0, time.UTC),
	}}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/claims/c1/timeline", nil), access.RoleAuditor)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []timelineResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp) != 1 || *resp[0].FromState != "intake" || resp[0].ToState != "treatment" {
		t.Fatalf("unexpected timeline %+v", resp)
	}
}

func TestLetterUploadAndPreview(t *testing.T) {
	env := newTestEnv(t)
	env.claims.claim = claim.Claim{ID: "c1", Version: 2, State: claim.StateTreatment, CustomerRef: "C"}

	docx := docxFixture(t)
	req := httptest.NewRequest(http.MethodPut, "/api/claims/c1/letter?filename=letter.docx", bytes.NewReader(docx))
	rec := env.do(t, req, access.RoleClaimsHandler)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	var uploaded letterResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &uploaded); err != nil {
		t.Fatal(err)
	}
	if uploaded.Format != "docx" || !strings.HasPrefix(uploaded.Ref, "docx:") {
		t.Fatalf("unexpected upload response %+v", uploaded)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/claims/c1/letter?filename=letter.pdf", strings.NewReader("%PDF-1.4 body"))
	rec = env.do(t, req, access.RoleClaimsHandler)
	if rec.Code != http.StatusUnprocessableEntity || decodeError(t, rec).Code != "invalid_document" {
		t.Fatalf("pdf upload: expected 422 invalid_document, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/claims/c1/letter/preview", nil), access.RoleAuditor)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("preview without letter: expected 404, got %d", rec.Code)
	}

	env.claims.claim.ClosingLetterRef = &uploaded.Ref
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/claims/c1/letter/preview", nil), access.RoleAuditor)
	if rec.Code != http.StatusOK {
		t.Fatalf("preview: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/pdf" || !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")) {
		t.Fatalf("unexpected preview response %q", rec.Header().Get("Content-Type"))
	}
}

func TestLetterUpload_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.claims.claim = claim.Claim{ID: "c1", Version: 2, State: claim.StateTreatment, CustomerRef: "C"}

	body := bytes.Repeat([]byte("x"), int(env.letters.MaxSize())+1)
	req := httptest.NewRequest(http.MethodPut, "/api/claims/c1/letter?filename=letter.docx", bytes.NewReader(body))
	rec := env.do(t, req, access.RoleClaimsHandler)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestMatrixEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.matrix.entry = taxonomy.MatrixEntry{
		ID:                   "e1",
		Triple:               taxonomy.Triple{ClassificationID: "cls", ClassID: "class", CauseID: "cause"},
		FirstContactOwnerIDs: []string{"u1"},
		TreatmentOwnerID:     "u2",
		ResponseDays:         5,
		Active:               true,
	}

	body := `{"classificationId":"cls","classId":"class","causeId":"cause","firstContactOwnerIds":["u1"],"treatmentOwnerId":"u2","responseDays":5}`
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/matrix", strings.NewReader(body)), access.RoleAdministrator)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}

	env.matrix.err = taxonomy.ErrDuplicateEntry
	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/matrix", strings.NewReader(body)), access.RoleAdministrator)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "duplicate_matrix_entry" {
		t.Fatalf("expected 409 duplicate_matrix_entry, got %d %s", rec.Code, rec.Body.String())
	}

	env.matrix.err = fmt.Errorf("%w: role auditor cannot configure routing", access.ErrForbidden)
	rec = env.do(t, httptest.NewRequest(http.MethodPut, "/api/matrix/e1/active", strings.NewReader(`{"active":false}`)), access.RoleAuditor)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	env.matrix.err = nil
	env.matrix.imported = taxonomy.ImportResult{Created: 1, Updated: 2}
	yamlBody := "entries:\n  - classification_id: cls\n    class_id: class\n    cause_id: cause\n    first_contact_owner_ids: [u1]\n    treatment_owner_id: u2\n    response_days: 5\n"
	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/matrix/import", strings.NewReader(yamlBody)), access.RoleAdministrator)
	if rec.Code != http.StatusOK {
		t.Fatalf("import: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if len(env.matrix.file.Entries) != 1 {
		t.Fatalf("import file not passed through: %+v", env.matrix.file)
	}
}

func TestAreaEndpoints(t *testing.T) {
	env := newTestEnv(t)
	owner := "u9"
	env.areas.area = area.Area{ID: "a1", Name: "Operations", OwnerUserID: &owner}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/areas/a1", nil), access.RoleAuditor)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp areaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Name != "Operations" || *resp.OwnerUserID != "u9" {
		t.Fatalf("unexpected area %+v", resp)
	}

	env.areas.err = area.ErrNotFound
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/areas/missing", nil), access.RoleAuditor)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
