package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/denysKyrpota/SQL-agent-sub000/internal/executor"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/knowledge"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/runtime"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/service"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/store"
)

// QueryService is the pipeline surface the HTTP handlers depend on.
type QueryService interface {
	Generate(ctx context.Context, userID, question string) (store.Attempt, error)
	Execute(ctx context.Context, userID, attemptID string) (store.Attempt, *executor.Result, error)
	Rerun(ctx context.Context, userID, attemptID string) (store.Attempt, error)
	Attempt(ctx context.Context, userID, attemptID string) (store.Attempt, error)
	Attempts(ctx context.Context, userID string, limit, offset int) ([]store.Attempt, error)
	Manifest(ctx context.Context, userID, attemptID string) (store.Manifest, error)
	Results(ctx context.Context, userID, attemptID string, page int) (store.Manifest, *executor.Result, error)
	Export(ctx context.Context, userID, attemptID string) (store.Manifest, *executor.Result, error)
}

type QueriesHandler struct {
	Svc QueryService
}

func NewQueriesHandler(svc QueryService) *QueriesHandler { return &QueriesHandler{Svc: svc} }

func (h *QueriesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.generate)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/execute", h.execute)
	g.POST("/:id/rerun", h.rerun)
	g.GET("/:id/results", h.results)
	g.GET("/:id/export", h.export)
}

// Generate
//
//	@Summary		Generate SQL from a natural-language question
//	@Tags			queries
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		GenerateRequest	true	"Question"
//	@Success		201		{object}	store.Attempt
//	@Failure		400		{object}	HTTPError
//	@Failure		409		{object}	HTTPError
//	@Router			/api/queries [post]
func (h *QueriesHandler) generate(c echo.Context) error {
	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	attempt, err := h.Svc.Generate(c.Request().Context(), userID(c), req.Question)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, attempt)
}

// Execute
//
//	@Summary	Run a generated query against the target database
//	@Tags		queries
//	@Produce	json
//	@Param		id	path		string	true	"Attempt ID"
//	@Success	200	{object}	ExecuteResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/queries/{id}/execute [post]
func (h *QueriesHandler) execute(c echo.Context) error {
	ctx := c.Request().Context()
	attempt, result, err := h.Svc.Execute(ctx, userID(c), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}

	resp := ExecuteResponse{Attempt: attempt}
	if attempt.Status == store.StatusSuccess && result != nil {
		manifest, err := h.Svc.Manifest(ctx, userID(c), attempt.ID)
		if err != nil {
			return mapServiceError(err)
		}
		resp.Manifest = &manifest
		resp.Columns = result.Columns
		resp.Rows = result.Rows
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *QueriesHandler) rerun(c echo.Context) error {
	attempt, err := h.Svc.Rerun(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, attempt)
}

func (h *QueriesHandler) get(c echo.Context) error {
	attempt, err := h.Svc.Attempt(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, attempt)
}

func (h *QueriesHandler) list(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	attempts, err := h.Svc.Attempts(c.Request().Context(), userID(c), limit, offset)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, AttemptListResponse{Attempts: attempts})
}

// Results
//
//	@Summary	Fetch one page of a successful attempt's result set
//	@Tags		queries
//	@Produce	json
//	@Param		id		path		string	true	"Attempt ID"
//	@Param		page	query		int		false	"Zero-based page"
//	@Success	200		{object}	ResultsResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	404		{object}	HTTPError
//	@Router		/api/queries/{id}/results [get]
func (h *QueriesHandler) results(c echo.Context) error {
	page := 0
	if raw := c.QueryParam("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "page must be an integer")
		}
		page = parsed
	}
	manifest, result, err := h.Svc.Results(c.Request().Context(), userID(c), c.Param("id"), page)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ResultsResponse{
		Manifest: manifest,
		Page:     page,
		Columns:  result.Columns,
		Rows:     result.Rows,
	})
}

func (h *QueriesHandler) export(c echo.Context) error {
	manifest, result, err := h.Svc.Export(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ResultsResponse{
		Manifest: manifest,
		Columns:  result.Columns,
		Rows:     result.Rows,
	})
}

func userID(c echo.Context) string {
	if v, ok := c.Get("user_id").(string); ok {
		return v
	}
	return ""
}

// mapServiceError translates domain errors into HTTP status codes.
func mapServiceError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "attempt not found")
	case errors.Is(err, service.ErrQuestionEmpty),
		errors.Is(err, service.ErrPageOutOfRange):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAttemptNotExecutable),
		errors.Is(err, service.ErrNoResults),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, knowledge.ErrEmbeddingsNotReady):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return err
	}
}
