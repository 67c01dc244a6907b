package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/denysKyrpota/SQL-agent-sub000/internal/knowledge"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/runtime"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/schema"
)

const refreshLockKey = "sqlagent:lock:schema-refresh"

// AdminService is the maintenance surface the admin handlers depend on.
type AdminService interface {
	RefreshSchema(ctx context.Context) (*schema.Snapshot, error)
	ReloadKnowledgeBase(ctx context.Context) (knowledge.Stats, error)
	KnowledgeBaseStats() knowledge.Stats
	SearchKnowledgeBase(q string, limit int) ([]knowledge.KeywordHit, error)
	SearchTables(keyword string) []string
}

// AdminHandler exposes schema and knowledge base maintenance. All routes
// require the admin scope. Rdb, when configured, serializes refreshes
// across replicas.
type AdminHandler struct {
	Svc AdminService
	Rdb *redis.Client
}

func (h *AdminHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.Use(runtime.RequireScopes(runtime.ScopeAdmin))
	g.POST("/schema/refresh", h.refreshSchema)
	g.GET("/schema/tables", h.searchTables)
	g.POST("/knowledge-base/reload", h.reloadKnowledgeBase)
	g.GET("/knowledge-base/stats", h.knowledgeBaseStats)
	g.GET("/knowledge-base/search", h.searchKnowledgeBase)
}

// RefreshSchema
//
//	@Summary	Reload the schema snapshot from disk
//	@Tags		admin
//	@Produce	json
//	@Success	200	{object}	map[string]interface{}
//	@Failure	409	{object}	HTTPError
//	@Failure	500	{object}	HTTPError
//	@Router		/api/admin/schema/refresh [post]
func (h *AdminHandler) refreshSchema(c echo.Context) error {
	ctx := c.Request().Context()

	if h.Rdb != nil {
		ok, err := h.Rdb.SetNX(ctx, refreshLockKey, "1", 2*time.Minute).Result()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "refresh lock unavailable")
		}
		if !ok {
			return echo.NewHTTPError(http.StatusConflict, "a schema refresh is already in progress")
		}
		defer h.Rdb.Del(ctx, refreshLockKey)
	}

	snap, err := h.Svc.RefreshSchema(ctx)
	if err != nil {
		// The previous snapshot stays active; report the failure.
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tables":    len(snap.TableNames),
		"loaded_at": snap.LoadedAt,
	})
}

func (h *AdminHandler) searchTables(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	return c.JSON(http.StatusOK, TableSearchResponse{Tables: h.Svc.SearchTables(q)})
}

func (h *AdminHandler) reloadKnowledgeBase(c echo.Context) error {
	stats, err := h.Svc.ReloadKnowledgeBase(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *AdminHandler) knowledgeBaseStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Svc.KnowledgeBaseStats())
}

func (h *AdminHandler) searchKnowledgeBase(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	hits, err := h.Svc.SearchKnowledgeBase(q, 10)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hits": hits})
}
