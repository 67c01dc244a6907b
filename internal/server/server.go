package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/denysKyrpota/SQL-agent-sub000/config"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/executor"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/generate"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/knowledge"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/llm"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/runtime"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/schema"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/service"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/sqlcheck"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/store"
)

// Run wires the whole pipeline and serves the API.
func Run(cfg *config.Config, addr string) error {
	e := newEcho()

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	registerDocs(e)

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("application store: %w", err)
	}

	provider := llm.NewClient(cfg.LLM, log.New(log.Writer(), "[LLM] ", log.LstdFlags))

	schemas, err := schema.NewCache(cfg.Schema.SnapshotPath, log.New(log.Writer(), "[SCHEMA] ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("schema snapshot: %w", err)
	}

	kb, err := knowledge.NewIndex(ctx, cfg.KnowledgeBase.Directory, cfg.LLM.EmbeddingModel,
		cfg.KnowledgeBase.EmbeddingBatch, provider, st, log.New(log.Writer(), "[KB] ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("knowledge base: %w", err)
	}
	if err := kb.EnsureEmbeddings(ctx); err != nil {
		// Served requests fail with a clear precondition error until an
		// admin reload succeeds.
		log.Printf("knowledge base embeddings unavailable at startup: %v", err)
	}

	exec, err := executor.New(cfg.Target, log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("target database: %w", err)
	}

	orch := generate.NewOrchestrator(provider, schemas, kb,
		cfg.KnowledgeBase.TopK, cfg.KnowledgeBase.ShortcutThreshold,
		log.New(log.Writer(), "[GENERATE] ", log.LstdFlags))

	metrics := service.NewMetrics(nil)
	svc := service.New(st, orch, exec, schemas, kb, metrics,
		log.New(log.Writer(), "[SERVICE] ", log.LstdFlags))

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	NewQueriesHandler(svc).Register(api.Group("/queries"), secret)

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Pass,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Redis.Host, cfg.Redis.Port, err)
		}
	}
	ah := &AdminHandler{Svc: svc, Rdb: rdb}
	ah.Register(api.Group("/admin"), secret)

	sched := &Scheduler{Svc: svc, Rdb: rdb, Cron: cfg.Schema.RefreshCron, Stop: make(chan struct{})}
	sched.Start()

	if addr == "" {
		addr = cfg.Server.Listen
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10002"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho builds the echo instance with recovery, CORS, and the unified
// JSON error handler.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		} else if unsafe, ok := err.(*sqlcheck.UnsafeError); ok {
			code = http.StatusUnprocessableEntity
			msg = unsafe.Reason
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))
	return e
}
