package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/denysKyrpota/SQL-agent-sub000/internal/executor"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/generate"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/knowledge"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/schema"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/sqlcheck"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/store"
)

var (
	// ErrQuestionEmpty rejects blank questions before anything is persisted.
	ErrQuestionEmpty = errors.New("question must not be empty")

	// ErrAttemptNotExecutable is returned when Execute is called on an
	// attempt that is already terminal or holds no generated SQL.
	ErrAttemptNotExecutable = errors.New("attempt is not executable")

	// ErrNoResults is returned when results are requested for an attempt
	// that did not succeed.
	ErrNoResults = errors.New("attempt has no results")

	// ErrPageOutOfRange rejects page numbers outside the manifest.
	ErrPageOutOfRange = errors.New("page out of range")
)

// AttemptStore is the persistence surface the pipeline needs.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, userID, question, originID string) (store.Attempt, error)
	RecordGeneration(ctx context.Context, id, generatedSQL string, durationMS int64) error
	RecordGenerationFailure(ctx context.Context, id, reason string, durationMS int64) error
	RecordExecution(ctx context.Context, id, status, errorMessage string, durationMS int64) error
	RecordSuccess(ctx context.Context, id string, durationMS int64, m store.Manifest) error
	GetAttempt(ctx context.Context, id, userID string) (store.Attempt, error)
	ListAttempts(ctx context.Context, userID string, limit, offset int) ([]store.Attempt, error)
	GetManifest(ctx context.Context, attemptID string) (store.Manifest, error)
}

// Generator produces SQL from a natural-language question.
type Generator interface {
	Generate(ctx context.Context, question string) (*generate.Result, error)
}

// Runner executes validated SQL against the target database.
type Runner interface {
	Execute(ctx context.Context, sqlText string) (*executor.Result, error)
	FetchPage(ctx context.Context, sqlText string, page int) (*executor.Result, error)
	Export(ctx context.Context, sqlText string) (*executor.Result, error)
	BuildManifest(totalRows int) executor.Manifest
}

// Service ties generation, validation, execution, and persistence together.
// Attempts are append-only: each one records a single generation outcome and
// at most one execution outcome.
type Service struct {
	store     AttemptStore
	generator Generator
	runner    Runner
	schemas   *schema.Cache
	kb        *knowledge.Index
	metrics   *Metrics
	logger    *log.Logger
}

func New(st AttemptStore, gen Generator, runner Runner, schemas *schema.Cache, kb *knowledge.Index, metrics *Metrics, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[SERVICE] ", log.LstdFlags)
	}
	return &Service{
		store:     st,
		generator: gen,
		runner:    runner,
		schemas:   schemas,
		kb:        kb,
		metrics:   metrics,
		logger:    logger,
	}
}

// Generate creates a new attempt and runs the generation pipeline on it.
// Generation failures are recorded on the attempt and returned as its
// status, not as an error; only infrastructure problems error out.
func (s *Service) Generate(ctx context.Context, userID, question string) (store.Attempt, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return store.Attempt{}, ErrQuestionEmpty
	}
	attempt, err := s.store.CreateAttempt(ctx, userID, question, "")
	if err != nil {
		return store.Attempt{}, err
	}
	return s.generateInto(ctx, attempt)
}

// Rerun creates a fresh attempt for the same question as attemptID and runs
// generation again. The new attempt's origin always points at the root of
// the lineage, never at an intermediate rerun.
func (s *Service) Rerun(ctx context.Context, userID, attemptID string) (store.Attempt, error) {
	previous, err := s.store.GetAttempt(ctx, attemptID, userID)
	if err != nil {
		return store.Attempt{}, err
	}
	origin := previous.OriginAttemptID
	if origin == "" {
		origin = previous.ID
	}
	attempt, err := s.store.CreateAttempt(ctx, userID, previous.Question, origin)
	if err != nil {
		return store.Attempt{}, err
	}
	return s.generateInto(ctx, attempt)
}

func (s *Service) generateInto(ctx context.Context, attempt store.Attempt) (store.Attempt, error) {
	result, err := s.generator.Generate(ctx, attempt.Question)
	if err != nil {
		if ctx.Err() != nil {
			return store.Attempt{}, ctx.Err()
		}
		// Missing embeddings are an operator precondition, not a property of
		// this question; the attempt stays not_executed instead of being
		// marked failed.
		if errors.Is(err, knowledge.ErrEmbeddingsNotReady) {
			return store.Attempt{}, err
		}
		reason := "query generation failed"
		var failure *generate.Failure
		if errors.As(err, &failure) {
			reason = failure.Reason
		}
		s.observeGeneration("failure")
		if recErr := s.store.RecordGenerationFailure(ctx, attempt.ID, reason, durationMS(err)); recErr != nil {
			return store.Attempt{}, recErr
		}
		attempt.Status = store.StatusFailedGeneration
		attempt.ErrorMessage = reason
		return attempt, nil
	}

	s.observeGeneration("success")
	if s.metrics != nil {
		s.metrics.GenerationDuration.Observe(result.Duration.Seconds())
	}
	ms := result.Duration.Milliseconds()
	if err := s.store.RecordGeneration(ctx, attempt.ID, result.SQL, ms); err != nil {
		return store.Attempt{}, err
	}
	attempt.GeneratedSQL = result.SQL
	attempt.GenerationMS = ms
	return attempt, nil
}

// Execute validates the attempt's SQL and runs it. The safety check runs
// here even though generation refuses non-SELECT output: the stored SQL is
// never trusted at execution time. Unsafe SQL marks the attempt failed
// without ever reaching the target database.
func (s *Service) Execute(ctx context.Context, userID, attemptID string) (store.Attempt, *executor.Result, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID, userID)
	if err != nil {
		return store.Attempt{}, nil, err
	}
	if attempt.Status != store.StatusNotExecuted || attempt.GeneratedSQL == "" {
		return store.Attempt{}, nil, fmt.Errorf("%w: status is %s", ErrAttemptNotExecutable, attempt.Status)
	}

	if err := sqlcheck.Validate(attempt.GeneratedSQL); err != nil {
		var unsafe *sqlcheck.UnsafeError
		if !errors.As(err, &unsafe) {
			return store.Attempt{}, nil, err
		}
		reason := "query rejected by the safety check: " + unsafe.Reason
		s.observeExecution("rejected")
		if recErr := s.store.RecordExecution(ctx, attempt.ID, store.StatusFailedExecution, reason, 0); recErr != nil {
			return store.Attempt{}, nil, recErr
		}
		attempt.Status = store.StatusFailedExecution
		attempt.ErrorMessage = reason
		return attempt, nil, nil
	}

	result, err := s.runner.Execute(ctx, attempt.GeneratedSQL)
	if err != nil {
		return s.recordExecutionError(ctx, attempt, err)
	}

	ms := result.Duration.Milliseconds()
	manifest := s.runner.BuildManifest(result.RowCount)
	if err := s.store.RecordSuccess(ctx, attempt.ID, ms, store.Manifest{
		AttemptID:       attempt.ID,
		TotalRows:       manifest.TotalRows,
		PageSize:        manifest.PageSize,
		PageCount:       manifest.PageCount,
		ExportRowLimit:  manifest.ExportRowLimit,
		ExportTruncated: manifest.ExportTruncated,
	}); err != nil {
		return store.Attempt{}, nil, err
	}

	s.observeExecution("success")
	if s.metrics != nil {
		s.metrics.ExecutionDuration.Observe(result.Duration.Seconds())
	}
	// The response preview carries at most one page; further pages go
	// through Results.
	if len(result.Rows) > manifest.PageSize {
		result.Rows = result.Rows[:manifest.PageSize]
	}
	attempt.Status = store.StatusSuccess
	attempt.ExecutionMS = ms
	return attempt, result, nil
}

// Manifest fetches the paging metadata of an attempt, scoped to its owner.
func (s *Service) Manifest(ctx context.Context, userID, attemptID string) (store.Manifest, error) {
	if _, err := s.store.GetAttempt(ctx, attemptID, userID); err != nil {
		return store.Manifest{}, err
	}
	return s.store.GetManifest(ctx, attemptID)
}

func (s *Service) recordExecutionError(ctx context.Context, attempt store.Attempt, err error) (store.Attempt, *executor.Result, error) {
	if ctx.Err() != nil {
		return store.Attempt{}, nil, ctx.Err()
	}

	status := store.StatusFailedExecution
	outcome := "failure"
	var timeoutErr *executor.TimeoutError
	var execErr *executor.ExecError
	var ms int64
	var reason string
	switch {
	case errors.As(err, &timeoutErr):
		status = store.StatusTimeout
		outcome = "timeout"
		ms = timeoutErr.Duration.Milliseconds()
		reason = timeoutErr.Error()
	case errors.As(err, &execErr):
		ms = execErr.Duration.Milliseconds()
		reason = execErr.Message
	default:
		return store.Attempt{}, nil, err
	}

	s.observeExecution(outcome)
	if recErr := s.store.RecordExecution(ctx, attempt.ID, status, reason, ms); recErr != nil {
		return store.Attempt{}, nil, recErr
	}
	attempt.Status = status
	attempt.ErrorMessage = reason
	attempt.ExecutionMS = ms
	return attempt, nil, nil
}

// Results re-executes a successful attempt's SQL for one page of its result
// set. The stored SQL passes the safety check again before it runs.
func (s *Service) Results(ctx context.Context, userID, attemptID string, page int) (store.Manifest, *executor.Result, error) {
	attempt, manifest, err := s.successfulAttempt(ctx, userID, attemptID)
	if err != nil {
		return store.Manifest{}, nil, err
	}
	if page < 0 || (manifest.PageCount > 0 && page >= manifest.PageCount) {
		return store.Manifest{}, nil, fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, page, manifest.PageCount)
	}
	if manifest.PageCount == 0 {
		return manifest, &executor.Result{}, nil
	}
	result, err := s.runner.FetchPage(ctx, attempt.GeneratedSQL, page)
	if err != nil {
		return store.Manifest{}, nil, err
	}
	return manifest, result, nil
}

// Export re-executes a successful attempt's SQL capped at the export limit.
func (s *Service) Export(ctx context.Context, userID, attemptID string) (store.Manifest, *executor.Result, error) {
	attempt, manifest, err := s.successfulAttempt(ctx, userID, attemptID)
	if err != nil {
		return store.Manifest{}, nil, err
	}
	result, err := s.runner.Export(ctx, attempt.GeneratedSQL)
	if err != nil {
		return store.Manifest{}, nil, err
	}
	return manifest, result, nil
}

func (s *Service) successfulAttempt(ctx context.Context, userID, attemptID string) (store.Attempt, store.Manifest, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID, userID)
	if err != nil {
		return store.Attempt{}, store.Manifest{}, err
	}
	if attempt.Status != store.StatusSuccess {
		return store.Attempt{}, store.Manifest{}, fmt.Errorf("%w: status is %s", ErrNoResults, attempt.Status)
	}
	if err := sqlcheck.Validate(attempt.GeneratedSQL); err != nil {
		return store.Attempt{}, store.Manifest{}, err
	}
	manifest, err := s.store.GetManifest(ctx, attempt.ID)
	if err != nil {
		return store.Attempt{}, store.Manifest{}, err
	}
	return attempt, manifest, nil
}

// Attempt fetches one attempt scoped to its owner.
func (s *Service) Attempt(ctx context.Context, userID, attemptID string) (store.Attempt, error) {
	return s.store.GetAttempt(ctx, attemptID, userID)
}

// Attempts lists the user's attempt history, newest first.
func (s *Service) Attempts(ctx context.Context, userID string, limit, offset int) ([]store.Attempt, error) {
	return s.store.ListAttempts(ctx, userID, limit, offset)
}

// RefreshSchema reloads the schema snapshot. On failure the previous
// snapshot stays active.
func (s *Service) RefreshSchema(ctx context.Context) (*schema.Snapshot, error) {
	return s.schemas.Refresh()
}

// ReloadKnowledgeBase re-reads the examples directory and embeds any new
// entries.
func (s *Service) ReloadKnowledgeBase(ctx context.Context) (knowledge.Stats, error) {
	if err := s.kb.Reload(ctx); err != nil {
		return knowledge.Stats{}, err
	}
	if err := s.kb.EnsureEmbeddings(ctx); err != nil {
		return knowledge.Stats{}, err
	}
	return s.kb.Stats(), nil
}

// KnowledgeBaseStats reports the current index state.
func (s *Service) KnowledgeBaseStats() knowledge.Stats { return s.kb.Stats() }

// SearchKnowledgeBase runs a keyword query over the loaded examples.
func (s *Service) SearchKnowledgeBase(q string, limit int) ([]knowledge.KeywordHit, error) {
	return s.kb.SearchKeyword(q, limit)
}

// SearchTables matches table names in the current schema snapshot.
func (s *Service) SearchTables(keyword string) []string {
	snap := s.schemas.Current()
	if snap == nil {
		return nil
	}
	return schema.SearchTables(snap, keyword)
}

func (s *Service) observeGeneration(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Generations.WithLabelValues(outcome).Inc()
}

func (s *Service) observeExecution(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Executions.WithLabelValues(outcome).Inc()
}

func durationMS(err error) int64 {
	var failure *generate.Failure
	if errors.As(err, &failure) {
		return failure.Duration.Milliseconds()
	}
	return 0
}
