package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Example is one curated question->SQL pair from the knowledge base.
type Example struct {
	Filename    string
	Title       string
	Description string
	SQL         string
	Embedding   []float32
}

// EmbeddingText is the text an example's embedding is generated from.
func (e Example) EmbeddingText() string {
	return strings.TrimSpace(e.Title + "\n" + e.Description + "\n" + e.SQL)
}

// LoadWarning records a knowledge base file that could not be parsed. Load
// skips such files instead of failing the whole reload.
type LoadWarning struct {
	Filename string
	Reason   string
}

func (w LoadWarning) String() string { return fmt.Sprintf("%s: %s", w.Filename, w.Reason) }

// LoadDir reads every .sql file in dir. Each file's leading comment block
// supplies the title and description; the remainder is the SQL text.
func LoadDir(dir string) ([]Example, []LoadWarning, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading knowledge base directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var examples []Example
	var warnings []LoadWarning
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			warnings = append(warnings, LoadWarning{Filename: name, Reason: err.Error()})
			continue
		}
		ex, err := parseExample(name, string(content))
		if err != nil {
			warnings = append(warnings, LoadWarning{Filename: name, Reason: err.Error()})
			continue
		}
		examples = append(examples, ex)
	}
	return examples, warnings, nil
}

// parseExample splits a file into its leading comment block and SQL body.
// Comment lines of the form "-- Title: x" and "-- Description: y" are
// recognized; the first untagged comment line becomes the title when no
// explicit tag is present.
func parseExample(filename, content string) (Example, error) {
	lines := strings.Split(content, "\n")

	ex := Example{Filename: filename}
	var sqlStart int
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "--") {
			sqlStart = i
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "--"))
		switch {
		case hasTag(comment, "Title:"):
			ex.Title = strings.TrimSpace(comment[len("Title:"):])
		case hasTag(comment, "Description:"):
			ex.Description = strings.TrimSpace(comment[len("Description:"):])
		case hasTag(comment, "Question:"):
			if ex.Description == "" {
				ex.Description = strings.TrimSpace(comment[len("Question:"):])
			}
		case ex.Title == "":
			ex.Title = comment
		}
		sqlStart = i + 1
	}

	sql := strings.TrimSpace(strings.Join(lines[sqlStart:], "\n"))
	if sql == "" {
		return Example{}, fmt.Errorf("no SQL body")
	}
	if !strings.HasSuffix(sql, ";") {
		sql += ";"
	}
	ex.SQL = sql

	if ex.Title == "" {
		ex.Title = titleFromFilename(filename)
	}
	return ex, nil
}

func hasTag(s, tag string) bool {
	return len(s) >= len(tag) && strings.EqualFold(s[:len(tag)], tag)
}

// titleFromFilename turns "drivers_with_availability.sql" into
// "Drivers With Availability".
func titleFromFilename(filename string) string {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	words := strings.Split(strings.ReplaceAll(stem, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
