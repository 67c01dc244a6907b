// Package sqlcheck accepts a candidate SQL string only if it is a single,
// read-only SELECT statement. Rejection is absolute: the validator never
// rewrites or sanitizes input.
package sqlcheck

import (
	"fmt"
	"regexp"
	"strings"
)

// UnsafeError reports why a statement was rejected.
type UnsafeError struct {
	Reason string
}

func (e *UnsafeError) Error() string { return fmt.Sprintf("unsafe sql: %s", e.Reason) }

var denylist = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER",
	"CREATE", "TRUNCATE", "GRANT", "REVOKE",
}

var (
	denylistRe = regexp.MustCompile(`(?i)\b(` + strings.Join(denylist, "|") + `)\b`)
	selectRe   = regexp.MustCompile(`(?i)\bSELECT\b`)
)

// Validate checks that sql is a single read-only SELECT statement. It strips
// comments and string literals first so keywords inside them cannot trigger
// false positives, then rejects multiple statements, denylisted keywords, and
// statements without SELECT.
func Validate(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return &UnsafeError{Reason: "empty statement"}
	}

	cleaned := stripLiteralsAndComments(sql)

	statements := 0
	for _, part := range strings.Split(cleaned, ";") {
		if strings.TrimSpace(part) != "" {
			statements++
		}
	}
	if statements > 1 {
		return &UnsafeError{Reason: "multiple statements"}
	}

	if m := denylistRe.FindString(cleaned); m != "" {
		return &UnsafeError{Reason: fmt.Sprintf("forbidden keyword %s", strings.ToUpper(m))}
	}

	if !selectRe.MatchString(cleaned) {
		return &UnsafeError{Reason: "not a SELECT statement"}
	}
	return nil
}

// stripLiteralsAndComments removes single-quoted strings, double-quoted
// identifiers, line comments and block comments, leaving the lexical
// skeleton the keyword checks run against.
func stripLiteralsAndComments(sql string) string {
	var b strings.Builder
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		switch {
		case runes[i] == '\'':
			// single-quoted literal; '' escapes a quote
			for i++; i < len(runes); i++ {
				if runes[i] == '\'' {
					if i+1 < len(runes) && runes[i+1] == '\'' {
						i++
						continue
					}
					break
				}
			}
			b.WriteRune(' ')
		case runes[i] == '"':
			for i++; i < len(runes) && runes[i] != '"'; i++ {
			}
			b.WriteRune(' ')
		case runes[i] == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for ; i < len(runes) && runes[i] != '\n'; i++ {
			}
			b.WriteRune('\n')
		case runes[i] == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for ; i+1 < len(runes); i++ {
				if runes[i] == '*' && runes[i+1] == '/' {
					i++
					break
				}
			}
			b.WriteRune(' ')
		default:
			b.WriteRune(runes[i])
		}
	}
	return b.String()
}
