package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/denysKyrpota/SQL-agent-sub000/config"
)

// Attempt statuses. An attempt is created as not_executed, moves once on
// the generation outcome and at most once more on the execution outcome.
const (
	StatusNotExecuted      = "not_executed"
	StatusFailedGeneration = "failed_generation"
	StatusSuccess          = "success"
	StatusFailedExecution  = "failed_execution"
	StatusTimeout          = "timeout"
)

var (
	// ErrNotFound is returned when an attempt or manifest does not exist
	// or belongs to another user.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status update does not match
	// the attempt's current state.
	ErrInvalidTransition = errors.New("invalid attempt state transition")
)

// Attempt is one natural-language query attempt and its outcome.
type Attempt struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Question        string     `json:"question"`
	GeneratedSQL    string     `json:"generated_sql,omitempty"`
	Status          string     `json:"status"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	OriginAttemptID string     `json:"origin_attempt_id,omitempty"`
	GenerationMS    int64      `json:"generation_ms,omitempty"`
	ExecutionMS     int64      `json:"execution_ms,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	GeneratedAt     *time.Time `json:"generated_at,omitempty"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
}

// Manifest is the paging metadata persisted for a successful attempt.
type Manifest struct {
	AttemptID       string    `json:"attempt_id"`
	TotalRows       int       `json:"total_rows"`
	PageSize        int       `json:"page_size"`
	PageCount       int       `json:"page_count"`
	ExportRowLimit  int       `json:"export_row_limit"`
	ExportTruncated bool      `json:"export_truncated"`
	CreatedAt       time.Time `json:"created_at"`
}

type Store struct {
	DB *sql.DB
}

// New opens the application database from the storage config.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// NewWithDB wraps an existing pool, for tests.
func NewWithDB(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) Close() error { return s.DB.Close() }

// CreateAttempt inserts a new attempt in the not_executed state. originID
// is empty for fresh attempts; reruns carry the root attempt's ID.
func (s *Store) CreateAttempt(ctx context.Context, userID, question, originID string) (Attempt, error) {
	attempt := Attempt{
		ID:              uuid.NewString(),
		UserID:          userID,
		Question:        question,
		Status:          StatusNotExecuted,
		OriginAttemptID: originID,
		CreatedAt:       time.Now().UTC(),
	}
	var origin sql.NullString
	if originID != "" {
		origin = sql.NullString{String: originID, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO query_attempts (id, user_id, question, status, origin_attempt_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		attempt.ID, attempt.UserID, attempt.Question, attempt.Status, origin, attempt.CreatedAt)
	if err != nil {
		return Attempt{}, fmt.Errorf("inserting attempt: %w", err)
	}
	return attempt, nil
}

// RecordGeneration stores the generated SQL. The attempt stays not_executed;
// only execution moves it to a terminal state.
func (s *Store) RecordGeneration(ctx context.Context, id, generatedSQL string, durationMS int64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE query_attempts
		SET generated_sql = $2, generation_ms = $3, generated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, generatedSQL, durationMS, StatusNotExecuted)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RecordGenerationFailure marks the attempt failed_generation with a
// user-facing reason.
func (s *Store) RecordGenerationFailure(ctx context.Context, id, reason string, durationMS int64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE query_attempts
		SET status = $2, error_message = $3, generation_ms = $4, generated_at = NOW()
		WHERE id = $1 AND status = $5`,
		id, StatusFailedGeneration, reason, durationMS, StatusNotExecuted)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RecordExecution records a failed execution outcome. Only attempts that
// hold generated SQL and are still not_executed may transition; successful
// executions go through RecordSuccess so the manifest lands atomically.
func (s *Store) RecordExecution(ctx context.Context, id, status, errorMessage string, durationMS int64) error {
	switch status {
	case StatusFailedExecution, StatusTimeout:
	default:
		return fmt.Errorf("%w: %q is not an execution failure outcome", ErrInvalidTransition, status)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE query_attempts
		SET status = $2, error_message = $3, execution_ms = $4, executed_at = NOW()
		WHERE id = $1 AND status = $5 AND generated_sql IS NOT NULL`,
		id, status, nullIfEmpty(errorMessage), durationMS, StatusNotExecuted)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetAttempt fetches one attempt scoped to its owner.
func (s *Store) GetAttempt(ctx context.Context, id, userID string) (Attempt, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, question, COALESCE(generated_sql,''), status,
		       COALESCE(error_message,''), COALESCE(origin_attempt_id::text,''),
		       COALESCE(generation_ms,0), COALESCE(execution_ms,0),
		       created_at, generated_at, executed_at
		FROM query_attempts WHERE id = $1 AND user_id = $2`, id, userID)
	return scanAttempt(row)
}

// ListAttempts returns the user's attempts, newest first.
func (s *Store) ListAttempts(ctx context.Context, userID string, limit, offset int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, question, COALESCE(generated_sql,''), status,
		       COALESCE(error_message,''), COALESCE(origin_attempt_id::text,''),
		       COALESCE(generation_ms,0), COALESCE(execution_ms,0),
		       created_at, generated_at, executed_at
		FROM query_attempts WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, attempt)
	}
	return out, rows.Err()
}

// RecordSuccess marks the attempt successful and persists its manifest in
// one transaction, so a success status never exists without a manifest. The
// same transition guard as RecordExecution applies.
func (s *Store) RecordSuccess(ctx context.Context, id string, durationMS int64, m Manifest) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE query_attempts
		SET status = $2, execution_ms = $3, executed_at = NOW()
		WHERE id = $1 AND status = $4 AND generated_sql IS NOT NULL`,
		id, StatusSuccess, durationMS, StatusNotExecuted)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO results_manifests (attempt_id, total_rows, page_size, page_count, export_row_limit, export_truncated, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())`,
		id, m.TotalRows, m.PageSize, m.PageCount, m.ExportRowLimit, m.ExportTruncated); err != nil {
		return fmt.Errorf("inserting manifest: %w", err)
	}
	return tx.Commit()
}

// GetManifest fetches the manifest for an attempt.
func (s *Store) GetManifest(ctx context.Context, attemptID string) (Manifest, error) {
	var m Manifest
	err := s.DB.QueryRowContext(ctx, `
		SELECT attempt_id, total_rows, page_size, page_count, export_row_limit, export_truncated, created_at
		FROM results_manifests WHERE attempt_id = $1`, attemptID).
		Scan(&m.AttemptID, &m.TotalRows, &m.PageSize, &m.PageCount, &m.ExportRowLimit, &m.ExportTruncated, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Manifest{}, ErrNotFound
	}
	if err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// LoadEmbeddings returns all persisted knowledge base vectors for a model,
// keyed by example filename.
func (s *Store) LoadEmbeddings(ctx context.Context, model string) (map[string][]float32, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT filename, vector FROM kb_embeddings WHERE model = $1`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]float32{}
	for rows.Next() {
		var filename string
		var raw []byte
		if err := rows.Scan(&filename, &raw); err != nil {
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal(raw, &vec); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", filename, err)
		}
		out[filename] = vec
	}
	return out, rows.Err()
}

// SaveEmbeddings upserts knowledge base vectors for a model.
func (s *Store) SaveEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error {
	for filename, vec := range vectors {
		raw, err := json.Marshal(vec)
		if err != nil {
			return err
		}
		_, err = s.DB.ExecContext(ctx, `
			INSERT INTO kb_embeddings (model, filename, vector, created_at)
			VALUES ($1,$2,$3,NOW())
			ON CONFLICT (model, filename) DO UPDATE SET vector = EXCLUDED.vector, created_at = NOW()`,
			model, filename, raw)
		if err != nil {
			return fmt.Errorf("saving embedding for %s: %w", filename, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (Attempt, error) {
	var a Attempt
	var generatedAt, executedAt sql.NullTime
	err := row.Scan(&a.ID, &a.UserID, &a.Question, &a.GeneratedSQL, &a.Status,
		&a.ErrorMessage, &a.OriginAttemptID, &a.GenerationMS, &a.ExecutionMS,
		&a.CreatedAt, &generatedAt, &executedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, err
	}
	if generatedAt.Valid {
		a.GeneratedAt = &generatedAt.Time
	}
	if executedAt.Valid {
		a.ExecutedAt = &executedAt.Time
	}
	return a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
