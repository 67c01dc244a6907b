package server

import (
	"github.com/denysKyrpota/SQL-agent-sub000/internal/store"
)

// HTTPError is the unified JSON error body.
type HTTPError struct {
	Error string `json:"error"`
}

// GenerateRequest asks for SQL generation from a natural-language question.
type GenerateRequest struct {
	Question string `json:"question"`
}

// ExecuteResponse carries the executed attempt, its manifest, and the first
// page of rows.
type ExecuteResponse struct {
	Attempt  store.Attempt   `json:"attempt"`
	Manifest *store.Manifest `json:"manifest,omitempty"`
	Columns  []string        `json:"columns,omitempty"`
	Rows     [][]any         `json:"rows,omitempty"`
}

// ResultsResponse carries one page of a stored result set.
type ResultsResponse struct {
	Manifest store.Manifest `json:"manifest"`
	Page     int            `json:"page"`
	Columns  []string       `json:"columns"`
	Rows     [][]any        `json:"rows"`
}

// AttemptListResponse wraps the attempt history.
type AttemptListResponse struct {
	Attempts []store.Attempt `json:"attempts"`
}

// TableSearchResponse lists matching table names.
type TableSearchResponse struct {
	Tables []string `json:"tables"`
}
