package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/denysKyrpota/SQL-agent-sub000/internal/executor"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/service"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/store"
)

type stubQueryService struct {
	generateFn func(userID, question string) (store.Attempt, error)
	executeFn  func(userID, attemptID string) (store.Attempt, *executor.Result, error)
	resultsFn  func(userID, attemptID string, page int) (store.Manifest, *executor.Result, error)
	attempt    store.Attempt
	manifest   store.Manifest
}

func (s *stubQueryService) Generate(ctx context.Context, userID, question string) (store.Attempt, error) {
	return s.generateFn(userID, question)
}

func (s *stubQueryService) Execute(ctx context.Context, userID, attemptID string) (store.Attempt, *executor.Result, error) {
	return s.executeFn(userID, attemptID)
}

func (s *stubQueryService) Rerun(ctx context.Context, userID, attemptID string) (store.Attempt, error) {
	return s.attempt, nil
}

func (s *stubQueryService) Attempt(ctx context.Context, userID, attemptID string) (store.Attempt, error) {
	return s.attempt, nil
}

func (s *stubQueryService) Attempts(ctx context.Context, userID string, limit, offset int) ([]store.Attempt, error) {
	return []store.Attempt{s.attempt}, nil
}

func (s *stubQueryService) Manifest(ctx context.Context, userID, attemptID string) (store.Manifest, error) {
	return s.manifest, nil
}

func (s *stubQueryService) Results(ctx context.Context, userID, attemptID string, page int) (store.Manifest, *executor.Result, error) {
	return s.resultsFn(userID, attemptID, page)
}

func (s *stubQueryService) Export(ctx context.Context, userID, attemptID string) (store.Manifest, *executor.Result, error) {
	return s.manifest, &executor.Result{}, nil
}

func newRequestContext(t *testing.T, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("user_id", "user-1")
	return c, rec
}

func TestGenerateEndpointReturnsAttempt(t *testing.T) {
	svc := &stubQueryService{
		generateFn: func(userID, question string) (store.Attempt, error) {
			if userID != "user-1" {
				t.Errorf("user = %q", userID)
			}
			return store.Attempt{
				ID:           "attempt-1",
				Question:     question,
				Status:       store.StatusNotExecuted,
				GeneratedSQL: "SELECT 1;",
			}, nil
		},
	}
	h := NewQueriesHandler(svc)

	c, rec := newRequestContext(t, http.MethodPost, "/api/queries", `{"question":"how many users?"}`)
	if err := h.generate(c); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}

	var attempt store.Attempt
	if err := json.Unmarshal(rec.Body.Bytes(), &attempt); err != nil {
		t.Fatal(err)
	}
	if attempt.ID != "attempt-1" || attempt.GeneratedSQL != "SELECT 1;" {
		t.Fatalf("attempt = %+v", attempt)
	}
}

func TestGenerateEndpointMapsEmptyQuestion(t *testing.T) {
	svc := &stubQueryService{
		generateFn: func(userID, question string) (store.Attempt, error) {
			return store.Attempt{}, service.ErrQuestionEmpty
		},
	}
	h := NewQueriesHandler(svc)

	c, _ := newRequestContext(t, http.MethodPost, "/api/queries", `{"question":""}`)
	err := h.generate(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestExecuteEndpointIncludesManifestAndFirstPage(t *testing.T) {
	svc := &stubQueryService{
		executeFn: func(userID, attemptID string) (store.Attempt, *executor.Result, error) {
			return store.Attempt{ID: attemptID, Status: store.StatusSuccess},
				&executor.Result{Columns: []string{"n"}, Rows: [][]any{{float64(42)}}, RowCount: 1}, nil
		},
		manifest: store.Manifest{AttemptID: "attempt-1", TotalRows: 1, PageSize: 500, PageCount: 1, ExportRowLimit: 10000},
	}
	h := NewQueriesHandler(svc)

	c, rec := newRequestContext(t, http.MethodPost, "/api/queries/attempt-1/execute", "")
	c.SetParamNames("id")
	c.SetParamValues("attempt-1")
	if err := h.execute(c); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var resp ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Attempt.Status != store.StatusSuccess {
		t.Fatalf("status = %s", resp.Attempt.Status)
	}
	if resp.Manifest == nil || resp.Manifest.PageCount != 1 {
		t.Fatalf("manifest = %+v", resp.Manifest)
	}
	if len(resp.Rows) != 1 || len(resp.Columns) != 1 {
		t.Fatalf("rows = %v columns = %v", resp.Rows, resp.Columns)
	}
}

func TestExecuteEndpointFailedAttemptOmitsManifest(t *testing.T) {
	svc := &stubQueryService{
		executeFn: func(userID, attemptID string) (store.Attempt, *executor.Result, error) {
			return store.Attempt{
				ID:           attemptID,
				Status:       store.StatusFailedExecution,
				ErrorMessage: `pq: column "nope" does not exist`,
			}, nil, nil
		},
	}
	h := NewQueriesHandler(svc)

	c, rec := newRequestContext(t, http.MethodPost, "/api/queries/attempt-1/execute", "")
	c.SetParamNames("id")
	c.SetParamValues("attempt-1")
	if err := h.execute(c); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var resp ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Manifest != nil {
		t.Error("failed executions must not carry a manifest")
	}
	if resp.Attempt.ErrorMessage == "" {
		t.Error("error message missing")
	}
}

func TestExecuteEndpointMapsInvalidTransition(t *testing.T) {
	svc := &stubQueryService{
		executeFn: func(userID, attemptID string) (store.Attempt, *executor.Result, error) {
			return store.Attempt{}, nil, store.ErrInvalidTransition
		},
	}
	h := NewQueriesHandler(svc)

	c, _ := newRequestContext(t, http.MethodPost, "/api/queries/attempt-1/execute", "")
	c.SetParamNames("id")
	c.SetParamValues("attempt-1")
	err := h.execute(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %#v", err)
	}
}

func TestExecuteEndpointMapsNotFound(t *testing.T) {
	svc := &stubQueryService{
		executeFn: func(userID, attemptID string) (store.Attempt, *executor.Result, error) {
			return store.Attempt{}, nil, store.ErrNotFound
		},
	}
	h := NewQueriesHandler(svc)

	c, _ := newRequestContext(t, http.MethodPost, "/api/queries/missing/execute", "")
	c.SetParamNames("id")
	c.SetParamValues("missing")
	err := h.execute(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}

func TestResultsEndpointPageParam(t *testing.T) {
	var gotPage int
	svc := &stubQueryService{
		resultsFn: func(userID, attemptID string, page int) (store.Manifest, *executor.Result, error) {
			gotPage = page
			return store.Manifest{PageCount: 3, PageSize: 500},
				&executor.Result{Columns: []string{"id"}, Rows: [][]any{}}, nil
		},
	}
	h := NewQueriesHandler(svc)

	c, rec := newRequestContext(t, http.MethodGet, "/api/queries/attempt-1/results?page=2", "")
	c.SetParamNames("id")
	c.SetParamValues("attempt-1")
	if err := h.results(c); err != nil {
		t.Fatalf("results: %v", err)
	}
	if gotPage != 2 {
		t.Fatalf("page = %d", gotPage)
	}
	var resp ResultsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Page != 2 {
		t.Fatalf("response page = %d", resp.Page)
	}
}

func TestResultsEndpointRejectsBadPage(t *testing.T) {
	h := NewQueriesHandler(&stubQueryService{})

	c, _ := newRequestContext(t, http.MethodGet, "/api/queries/attempt-1/results?page=abc", "")
	c.SetParamNames("id")
	c.SetParamValues("attempt-1")
	err := h.results(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestResultsEndpointMapsPageOutOfRange(t *testing.T) {
	svc := &stubQueryService{
		resultsFn: func(userID, attemptID string, page int) (store.Manifest, *executor.Result, error) {
			return store.Manifest{}, nil, service.ErrPageOutOfRange
		},
	}
	h := NewQueriesHandler(svc)

	c, _ := newRequestContext(t, http.MethodGet, "/api/queries/attempt-1/results?page=99", "")
	c.SetParamNames("id")
	c.SetParamValues("attempt-1")
	err := h.results(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}
