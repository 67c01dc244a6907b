package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/denysKyrpota/SQL-agent-sub000/internal/llm"
)

// ErrEmbeddingsNotReady is returned by FindSimilar when any loaded example
// still lacks an embedding vector. Callers must run EnsureEmbeddings first.
var ErrEmbeddingsNotReady = errors.New("knowledge base embeddings not generated")

// EmbeddingStore persists example embeddings so restarts and reloads do not
// regenerate vectors that already exist.
type EmbeddingStore interface {
	LoadEmbeddings(ctx context.Context, model string) (map[string][]float32, error)
	SaveEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error
}

// Scored pairs an example with its cosine similarity against a query.
type Scored struct {
	Example    Example
	Similarity float64
}

// Stats summarizes the current state of the index.
type Stats struct {
	Examples     int       `json:"examples"`
	Embedded     int       `json:"embedded"`
	AvgSQLLength int       `json:"avg_sql_length"`
	Warnings     []string  `json:"warnings,omitempty"`
	LastReloadAt time.Time `json:"last_reload_at"`
}

// Index holds the loaded knowledge base examples, their embeddings, and a
// keyword search index. Reload swaps the whole state so readers never see a
// partially loaded set.
type Index struct {
	dir      string
	model    string
	batch    int
	provider llm.Provider
	store    EmbeddingStore
	logger   *log.Logger

	mu         sync.RWMutex
	examples   []Example
	warnings   []LoadWarning
	keyword    *keywordIndex
	reloadedAt time.Time
}

// NewIndex loads the knowledge base from dir and attaches any previously
// persisted embeddings. It does not call the embedding API; run
// EnsureEmbeddings to fill gaps.
func NewIndex(ctx context.Context, dir, model string, batch int, provider llm.Provider, store EmbeddingStore, logger *log.Logger) (*Index, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[KB] ", log.LstdFlags)
	}
	if batch <= 0 {
		batch = 16
	}
	idx := &Index{
		dir:      dir,
		model:    model,
		batch:    batch,
		provider: provider,
		store:    store,
		logger:   logger,
	}
	if err := idx.Reload(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// Reload re-reads the knowledge base directory, reattaches stored embeddings,
// and rebuilds the keyword index. On failure the previous state is kept.
func (idx *Index) Reload(ctx context.Context) error {
	examples, warnings, err := LoadDir(idx.dir)
	if err != nil {
		return err
	}

	stored := map[string][]float32{}
	if idx.store != nil {
		stored, err = idx.store.LoadEmbeddings(ctx, idx.model)
		if err != nil {
			return fmt.Errorf("loading stored embeddings: %w", err)
		}
	}
	for i := range examples {
		if vec, ok := stored[examples[i].Filename]; ok {
			examples[i].Embedding = vec
		}
	}

	kw, err := buildKeywordIndex(examples)
	if err != nil {
		return fmt.Errorf("building keyword index: %w", err)
	}

	idx.mu.Lock()
	old := idx.keyword
	idx.examples = examples
	idx.warnings = warnings
	idx.keyword = kw
	idx.reloadedAt = time.Now()
	idx.mu.Unlock()

	if old != nil {
		old.Close()
	}
	for _, w := range warnings {
		idx.logger.Printf("knowledge base: skipped %s", w)
	}
	idx.logger.Printf("knowledge base: loaded %d examples from %s", len(examples), idx.dir)
	return nil
}

// EnsureEmbeddings generates embeddings for examples that lack one and
// persists them. Examples with a stored vector are never re-embedded, so
// running this twice in a row makes no API calls the second time.
func (idx *Index) EnsureEmbeddings(ctx context.Context) error {
	idx.mu.RLock()
	var missing []Example
	for _, ex := range idx.examples {
		if len(ex.Embedding) == 0 {
			missing = append(missing, ex)
		}
	}
	idx.mu.RUnlock()

	if len(missing) == 0 {
		return nil
	}
	idx.logger.Printf("knowledge base: embedding %d examples", len(missing))

	generated := make(map[string][]float32, len(missing))
	for start := 0; start < len(missing); start += idx.batch {
		end := start + idx.batch
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]

		texts := make([]string, len(chunk))
		for i, ex := range chunk {
			texts[i] = ex.EmbeddingText()
		}
		vectors, err := idx.provider.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding knowledge base examples: %w", err)
		}
		for i, ex := range chunk {
			generated[ex.Filename] = vectors[i]
		}
	}

	if idx.store != nil {
		if err := idx.store.SaveEmbeddings(ctx, idx.model, generated); err != nil {
			return fmt.Errorf("persisting embeddings: %w", err)
		}
	}

	// FindSimilar holds the slice outside the lock, so published elements
	// are never written in place; attach the vectors to a copy and swap.
	idx.mu.Lock()
	updated := make([]Example, len(idx.examples))
	copy(updated, idx.examples)
	for i := range updated {
		if vec, ok := generated[updated[i].Filename]; ok {
			updated[i].Embedding = vec
		}
	}
	idx.examples = updated
	idx.mu.Unlock()
	return nil
}

// FindSimilar embeds the query text once and returns the k most similar
// examples by cosine similarity, highest first. Ties keep load order.
func (idx *Index) FindSimilar(ctx context.Context, query string, k int) ([]Scored, error) {
	idx.mu.RLock()
	examples := idx.examples
	idx.mu.RUnlock()

	if len(examples) == 0 {
		return nil, nil
	}
	for _, ex := range examples {
		if len(ex.Embedding) == 0 {
			return nil, ErrEmbeddingsNotReady
		}
	}

	vectors, err := idx.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryVec := vectors[0]

	scored := make([]Scored, len(examples))
	for i, ex := range examples {
		scored[i] = Scored{Example: ex, Similarity: cosineSimilarity(queryVec, ex.Embedding)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})

	if k > len(scored) {
		k = len(scored)
	}
	if k < 0 {
		k = 0
	}
	return scored[:k], nil
}

// Stats reports example and embedding counts for the admin surface.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	embedded := 0
	sqlChars := 0
	for _, ex := range idx.examples {
		if len(ex.Embedding) > 0 {
			embedded++
		}
		sqlChars += len(ex.SQL)
	}
	avg := 0
	if len(idx.examples) > 0 {
		avg = sqlChars / len(idx.examples)
	}
	var warnings []string
	for _, w := range idx.warnings {
		warnings = append(warnings, w.String())
	}
	return Stats{
		Examples:     len(idx.examples),
		Embedded:     embedded,
		AvgSQLLength: avg,
		Warnings:     warnings,
		LastReloadAt: idx.reloadedAt,
	}
}

// cosineSimilarity computes dot(a,b) / (|a| * |b|). Mismatched or zero
// vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
