package knowledge

import (
	"github.com/blevesearch/bleve"
)

// KeywordHit is a keyword search result from the knowledge base.
type KeywordHit struct {
	Filename string  `json:"filename"`
	Title    string  `json:"title"`
	Score    float64 `json:"score"`
	Rank     int     `json:"rank"`
}

// keywordIndex wraps an in-memory bleve index over example titles,
// descriptions, and SQL text.
type keywordIndex struct {
	index bleve.Index
	meta  map[string]Example
}

type keywordDoc struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

func buildKeywordIndex(examples []Example) (*keywordIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	meta := make(map[string]Example, len(examples))
	for _, ex := range examples {
		doc := keywordDoc{Title: ex.Title, Description: ex.Description, SQL: ex.SQL}
		if err := index.Index(ex.Filename, doc); err != nil {
			_ = index.Close()
			return nil, err
		}
		meta[ex.Filename] = ex
	}
	return &keywordIndex{index: index, meta: meta}, nil
}

func (k *keywordIndex) Close() { _ = k.index.Close() }

func (k *keywordIndex) Search(q string, limit int) ([]KeywordHit, error) {
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, limit, 0, false)
	res, err := k.index.Search(searchReq)
	if err != nil {
		return nil, err
	}
	var out []KeywordHit
	for i, hit := range res.Hits {
		ex := k.meta[hit.ID]
		out = append(out, KeywordHit{
			Filename: hit.ID,
			Title:    ex.Title,
			Score:    hit.Score,
			Rank:     i + 1,
		})
	}
	return out, nil
}

// SearchKeyword runs a full-text query over the loaded examples.
func (idx *Index) SearchKeyword(q string, limit int) ([]KeywordHit, error) {
	idx.mu.RLock()
	kw := idx.keyword
	idx.mu.RUnlock()
	if kw == nil || limit <= 0 {
		return nil, nil
	}
	return kw.Search(q, limit)
}

// Examples returns the currently loaded examples in load order.
func (idx *Index) Examples() []Example {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Example, len(idx.examples))
	copy(out, idx.examples)
	return out
}
