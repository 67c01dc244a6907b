package schema

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sampleSnapshot = `[
  {"table_name":"users","table_description":"Application users","column_name":"id","data_type":"integer","is_nullable":false,"is_primary_key":"YES"},
  {"table_name":"users","column_name":"name","data_type":"varchar","is_nullable":false},
  {"table_name":"users","column_name":"role_id","data_type":"integer","is_nullable":true,"target_table":"roles","target_column":"id"},
  {"table_name":"roles","column_name":"id","data_type":"integer","is_nullable":false,"is_primary_key":"YES"},
  {"table_name":"roles","column_name":"label","data_type":"varchar","is_nullable":true,"column_description":"Display label"}
]`

func writeSnapshot(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	return path
}

func TestLoadBuildsTableStructure(t *testing.T) {
	snap, err := Load(writeSnapshot(t, sampleSnapshot))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := snap.TableNames; !reflect.DeepEqual(got, []string{"roles", "users"}) {
		t.Fatalf("unexpected table names: %v", got)
	}
	users := snap.Tables["users"]
	if users.Description != "Application users" {
		t.Errorf("missing table description: %+v", users)
	}
	if len(users.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(users.Columns))
	}
	if !reflect.DeepEqual(users.PrimaryKeys, []string{"id"}) {
		t.Errorf("unexpected primary keys: %v", users.PrimaryKeys)
	}
	wantFK := ForeignKey{Column: "role_id", RefTable: "roles", RefColumn: "id"}
	if len(users.ForeignKeys) != 1 || users.ForeignKeys[0] != wantFK {
		t.Errorf("unexpected foreign keys: %v", users.ForeignKeys)
	}
	if users.Columns[0].Nullable {
		t.Error("id should not be nullable")
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	_, err := Load(writeSnapshot(t, `{"not":"a list"`))
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoadError, got %v", err)
	}
}

func TestLoadEmptySnapshot(t *testing.T) {
	if _, err := Load(writeSnapshot(t, `[]`)); err == nil {
		t.Fatal("expected error for empty snapshot")
	}
}

func TestLoadMissingFile(t *testing.T) {
	var le *LoadError
	if _, err := Load("/nonexistent/schema.json"); !errors.As(err, &le) {
		t.Fatalf("expected LoadError, got %v", err)
	}
}

func TestFilterSubset(t *testing.T) {
	snap, err := Load(writeSnapshot(t, sampleSnapshot))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	filtered := Filter(snap, []string{"users", "hallucinated_table"})
	if !reflect.DeepEqual(filtered.TableNames, []string{"users"}) {
		t.Fatalf("unknown names must be dropped: %v", filtered.TableNames)
	}
	if _, ok := filtered.Tables["roles"]; ok {
		t.Error("roles should be filtered out")
	}
}

func TestFilterAllTablesRoundTrips(t *testing.T) {
	snap, err := Load(writeSnapshot(t, sampleSnapshot))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	filtered := Filter(snap, snap.TableNames)
	if !reflect.DeepEqual(filtered.Tables, snap.Tables) {
		t.Error("filtering with all names should reproduce the snapshot tables")
	}
	if !reflect.DeepEqual(filtered.TableNames, snap.TableNames) {
		t.Error("filtering with all names should reproduce the name list")
	}
}

func TestFormatForLLM(t *testing.T) {
	snap, err := Load(writeSnapshot(t, sampleSnapshot))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	text := FormatForLLM(snap)
	for _, want := range []string{
		"Table: users",
		"id (integer NOT NULL PRIMARY KEY)",
		"role_id -> roles.id",
		"label (varchar NULL) -- Display label",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("formatted schema missing %q:\n%s", want, text)
		}
	}
}

func TestTableSummaries(t *testing.T) {
	snap, err := Load(writeSnapshot(t, sampleSnapshot))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	lines := TableSummaries(snap)
	if !reflect.DeepEqual(lines, []string{"roles", "users: Application users"}) {
		t.Fatalf("unexpected summaries: %v", lines)
	}
}

func TestSearchTables(t *testing.T) {
	snap, err := Load(writeSnapshot(t, sampleSnapshot))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := SearchTables(snap, "USER"); !reflect.DeepEqual(got, []string{"users"}) {
		t.Fatalf("unexpected search result: %v", got)
	}
	if got := SearchTables(snap, "zzz"); got != nil {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func TestCacheRefreshKeepsPreviousOnFailure(t *testing.T) {
	path := writeSnapshot(t, sampleSnapshot)
	cache, err := NewCache(path, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	before := cache.Current()

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("corrupt snapshot: %v", err)
	}
	if _, err := cache.Refresh(); err == nil {
		t.Fatal("expected refresh error")
	}
	if cache.Current() != before {
		t.Error("failed refresh must keep the previous snapshot")
	}
}

func TestCacheRefreshSwapsOnSuccess(t *testing.T) {
	path := writeSnapshot(t, sampleSnapshot)
	cache, err := NewCache(path, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	before := cache.Current()

	updated := strings.Replace(sampleSnapshot, `"users"`, `"accounts"`, -1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite snapshot: %v", err)
	}
	snap, err := cache.Refresh()
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if cache.Current() == before {
		t.Error("refresh should swap the snapshot")
	}
	if _, ok := snap.Tables["accounts"]; !ok {
		t.Errorf("refreshed snapshot missing accounts table: %v", snap.TableNames)
	}
}
