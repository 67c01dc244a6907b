package generate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/denysKyrpota/SQL-agent-sub000/internal/knowledge"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/llm"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/schema"
)

const maxSelectedTables = 10

// Failure is a generation outcome the user can act on. Its reason never
// contains provider payloads or API details.
type Failure struct {
	Reason   string
	Duration time.Duration
}

func (f *Failure) Error() string { return f.Reason }

// Result is a successfully generated query.
type Result struct {
	SQL               string
	Tables            []string
	FromKnowledgeBase bool
	Duration          time.Duration
}

// Orchestrator turns a natural-language question into a single SELECT
// statement: one model call picks the relevant tables, a knowledge base
// lookup retrieves similar curated examples, and a second call writes the
// SQL against the filtered schema.
type Orchestrator struct {
	provider llm.Provider
	schemas  *schema.Cache
	kb       *knowledge.Index
	topK     int
	shortcut float64
	logger   *log.Logger
}

func NewOrchestrator(provider llm.Provider, schemas *schema.Cache, kb *knowledge.Index, topK int, shortcut float64, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[GENERATE] ", log.LstdFlags)
	}
	if topK <= 0 {
		topK = 3
	}
	return &Orchestrator{
		provider: provider,
		schemas:  schemas,
		kb:       kb,
		topK:     topK,
		shortcut: shortcut,
		logger:   logger,
	}
}

// Generate runs the full pipeline. Domain failures come back as *Failure;
// missing embeddings surface as knowledge.ErrEmbeddingsNotReady so callers
// can report the precondition instead of a generation error.
func (o *Orchestrator) Generate(ctx context.Context, question string) (*Result, error) {
	started := time.Now()
	snap := o.schemas.Current()
	if snap == nil || len(snap.TableNames) == 0 {
		return nil, &Failure{Reason: "database schema is not loaded", Duration: time.Since(started)}
	}

	tables, err := o.selectTables(ctx, snap, question)
	if err != nil {
		return nil, o.failure(ctx, err, started)
	}
	if len(tables) == 0 {
		return nil, &Failure{
			Reason:   "could not identify any relevant tables for this question",
			Duration: time.Since(started),
		}
	}
	o.logger.Printf("selected tables: %s", strings.Join(tables, ", "))

	filtered := schema.Filter(snap, tables)

	hits, err := o.kb.FindSimilar(ctx, question, o.topK)
	if err != nil {
		if errors.Is(err, knowledge.ErrEmbeddingsNotReady) {
			return nil, err
		}
		return nil, o.failure(ctx, err, started)
	}

	if o.shortcut > 0 && len(hits) > 0 && hits[0].Similarity >= o.shortcut {
		o.logger.Printf("knowledge base shortcut: %s (similarity %.3f)",
			hits[0].Example.Filename, hits[0].Similarity)
		return &Result{
			SQL:               hits[0].Example.SQL,
			Tables:            tables,
			FromKnowledgeBase: true,
			Duration:          time.Since(started),
		}, nil
	}

	raw, err := o.provider.Complete(ctx, sqlSystemPrompt, o.sqlUserPrompt(filtered, hits, question))
	if err != nil {
		return nil, o.failure(ctx, err, started)
	}

	sqlText, err := extractSQL(raw)
	if err != nil {
		return nil, &Failure{Reason: err.Error(), Duration: time.Since(started)}
	}
	return &Result{SQL: sqlText, Tables: tables, Duration: time.Since(started)}, nil
}

// selectTables asks the model to pick up to ten tables by name only, then
// keeps the ones that actually exist in the snapshot.
func (o *Orchestrator) selectTables(ctx context.Context, snap *schema.Snapshot, question string) ([]string, error) {
	raw, err := o.provider.Complete(ctx, tableSystemPrompt, o.tableUserPrompt(snap, question))
	if err != nil {
		return nil, err
	}
	return parseTableNames(raw, snap), nil
}

// parseTableNames splits the model's answer on commas, semicolons, and
// newlines, and keeps only names present in the snapshot. Unknown names
// are dropped silently. Order is preserved and duplicates removed.
func parseTableNames(raw string, snap *schema.Snapshot) []string {
	known := make(map[string]string, len(snap.TableNames))
	for _, name := range snap.TableNames {
		known[strings.ToLower(name)] = name
	}

	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})

	var out []string
	seen := map[string]bool{}
	for _, field := range fields {
		name := strings.ToLower(strings.Trim(strings.TrimSpace(field), "`\"'."))
		canonical, ok := known[name]
		if !ok || seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, canonical)
		if len(out) == maxSelectedTables {
			break
		}
	}
	return out
}

// extractSQL strips markdown code fences and checks the statement is a
// single SELECT ending in a terminator.
func extractSQL(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```sql")
		text = strings.TrimPrefix(text, "```SQL")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return "", fmt.Errorf("the model returned an empty response")
	}
	if !strings.HasPrefix(strings.ToUpper(text), "SELECT") && !strings.HasPrefix(strings.ToUpper(text), "WITH") {
		return "", fmt.Errorf("the model did not produce a read-only query")
	}
	if !strings.HasSuffix(text, ";") {
		text += ";"
	}
	return text, nil
}

// failure converts pipeline errors into user-facing reasons. Context
// cancellation passes through so callers can tell the difference.
func (o *Orchestrator) failure(ctx context.Context, err error, started time.Time) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	elapsed := time.Since(started)
	var provErr *llm.ProviderError
	if errors.As(err, &provErr) {
		o.logger.Printf("provider error: %v", provErr)
		if provErr.Transient {
			return &Failure{
				Reason:   "the language model service is temporarily unavailable, please try again",
				Duration: elapsed,
			}
		}
		return &Failure{
			Reason:   "the language model service rejected the request",
			Duration: elapsed,
		}
	}
	o.logger.Printf("generation error: %v", err)
	return &Failure{Reason: "query generation failed", Duration: elapsed}
}

const tableSystemPrompt = `You select database tables. Given a list of tables with descriptions and a user question, respond with the names of the tables needed to answer the question, between 1 and 10 of them, as a comma-separated list. Respond with table names only, no explanations.`

const sqlSystemPrompt = `You write PostgreSQL. Given a database schema, example queries, and a user question, respond with exactly one read-only SELECT statement that answers the question. Never modify data. Respond with SQL only, no explanations and no markdown.`

func (o *Orchestrator) tableUserPrompt(snap *schema.Snapshot, question string) string {
	var b strings.Builder
	b.WriteString("Tables:\n")
	for _, line := range schema.TableSummaries(snap) {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

func (o *Orchestrator) sqlUserPrompt(filtered *schema.Snapshot, hits []knowledge.Scored, question string) string {
	var b strings.Builder
	b.WriteString("Schema:\n")
	b.WriteString(schema.FormatForLLM(filtered))

	if len(hits) > 0 {
		b.WriteString("\nExample queries:\n")
		for _, hit := range hits {
			b.WriteString("-- ")
			b.WriteString(hit.Example.Title)
			b.WriteString("\n")
			b.WriteString(hit.Example.SQL)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}
