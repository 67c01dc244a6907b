package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Column describes a single table column.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Nullable    bool   `json:"nullable"`
	Description string `json:"description,omitempty"`
}

// ForeignKey describes a column referencing another table.
type ForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

// Table groups the structural metadata of one table.
type Table struct {
	Columns     []Column     `json:"columns"`
	PrimaryKeys []string     `json:"primary_keys"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
	Description string       `json:"description,omitempty"`
}

// Snapshot is an immutable view of the target database's structure. It is
// never mutated after construction; refreshes build a new one and swap it in.
type Snapshot struct {
	Tables     map[string]Table
	TableNames []string // sorted
	LoadedAt   time.Time
}

// LoadError reports a malformed or unreadable snapshot source.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("loading schema from %s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// rawRow matches one entry of the flat snapshot export: one row per column,
// carrying table-level fields redundantly.
type rawRow struct {
	TableName         string `json:"table_name"`
	TableDescription  string `json:"table_description"`
	ColumnName        string `json:"column_name"`
	DataType          string `json:"data_type"`
	IsNullable        *bool  `json:"is_nullable"`
	IsPrimaryKey      string `json:"is_primary_key"`
	TargetTable       string `json:"target_table"`
	TargetColumn      string `json:"target_column"`
	ColumnDescription string `json:"column_description"`
}

// Load reads a snapshot file and builds the per-table structure.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	var rows []rawRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if len(rows) == 0 {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("snapshot contains no rows")}
	}

	tables := make(map[string]Table)
	for _, row := range rows {
		if row.TableName == "" || row.ColumnName == "" {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("row missing table_name or column_name")}
		}
		t := tables[row.TableName]
		if t.Description == "" {
			t.Description = row.TableDescription
		}
		nullable := true
		if row.IsNullable != nil {
			nullable = *row.IsNullable
		}
		t.Columns = append(t.Columns, Column{
			Name:        row.ColumnName,
			Type:        row.DataType,
			Nullable:    nullable,
			Description: row.ColumnDescription,
		})
		if row.IsPrimaryKey == "YES" {
			t.PrimaryKeys = append(t.PrimaryKeys, row.ColumnName)
		}
		if row.TargetTable != "" && row.TargetColumn != "" {
			fk := ForeignKey{Column: row.ColumnName, RefTable: row.TargetTable, RefColumn: row.TargetColumn}
			if !containsFK(t.ForeignKeys, fk) {
				t.ForeignKeys = append(t.ForeignKeys, fk)
			}
		}
		tables[row.TableName] = t
	}

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Snapshot{Tables: tables, TableNames: names, LoadedAt: time.Now()}, nil
}

func containsFK(fks []ForeignKey, fk ForeignKey) bool {
	for _, existing := range fks {
		if existing == fk {
			return true
		}
	}
	return false
}

// Filter returns a snapshot holding only the requested tables. Unknown names
// are dropped silently: the table selection stage may hallucinate names and
// that must not abort generation.
func Filter(s *Snapshot, tableNames []string) *Snapshot {
	filtered := make(map[string]Table)
	for _, name := range tableNames {
		if t, ok := s.Tables[name]; ok {
			filtered[name] = t
		}
	}
	names := make([]string, 0, len(filtered))
	for name := range filtered {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Snapshot{Tables: filtered, TableNames: names, LoadedAt: s.LoadedAt}
}

// TableSummaries renders one line per table (name plus description when
// present), the stage-1 prompt input.
func TableSummaries(s *Snapshot) []string {
	out := make([]string, 0, len(s.TableNames))
	for _, name := range s.TableNames {
		desc := s.Tables[name].Description
		if desc == "" {
			out = append(out, name)
		} else {
			out = append(out, fmt.Sprintf("%s: %s", name, desc))
		}
	}
	return out
}

// FormatForLLM renders the snapshot as readable text for the stage-2 prompt.
func FormatForLLM(s *Snapshot) string {
	var b strings.Builder
	for _, name := range s.TableNames {
		t := s.Tables[name]
		fmt.Fprintf(&b, "\nTable: %s\n", name)
		if t.Description != "" {
			fmt.Fprintf(&b, "  Description: %s\n", t.Description)
		}
		b.WriteString("  Columns:\n")
		for _, col := range t.Columns {
			parts := []string{col.Name, "(" + col.Type}
			if col.Nullable {
				parts = append(parts, "NULL")
			} else {
				parts = append(parts, "NOT NULL")
			}
			if containsString(t.PrimaryKeys, col.Name) {
				parts = append(parts, "PRIMARY KEY")
			}
			line := "    - " + strings.Join(parts, " ") + ")"
			if col.Description != "" {
				line += " -- " + col.Description
			}
			b.WriteString(line + "\n")
		}
		if len(t.ForeignKeys) > 0 {
			b.WriteString("  Foreign Keys:\n")
			for _, fk := range t.ForeignKeys {
				fmt.Fprintf(&b, "    - %s -> %s.%s\n", fk.Column, fk.RefTable, fk.RefColumn)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// SearchTables returns table names containing the keyword, case-insensitively.
func SearchTables(s *Snapshot, keyword string) []string {
	keyword = strings.ToLower(keyword)
	var out []string
	for _, name := range s.TableNames {
		if strings.Contains(strings.ToLower(name), keyword) {
			out = append(out, name)
		}
	}
	return out
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}
