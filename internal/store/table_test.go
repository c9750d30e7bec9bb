package store

import (
	"path/filepath"
	"testing"
)

type testRecord struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Value     string `json:"value"`
}

func newTestTable(t *testing.T) *Table[testRecord] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.jsonl")
	return NewTable(path,
		func(r testRecord) string { return r.ID },
		func(r testRecord) testRecord { return r },
		func(r testRecord) (int64, string) { return r.CreatedAt, r.ID },
	)
}

func TestTablePutGetRoundTrip(t *testing.T) {
	tbl := newTestTable(t)
	if err := tbl.Put(testRecord{ID: "a", CreatedAt: 1, Value: "first"}); err != nil {
		t.Fatal(err)
	}
	got, ok := tbl.Get("a")
	if !ok || got.Value != "first" {
		t.Fatalf("expected to get back the record, got %+v ok=%v", got, ok)
	}
}

func TestTablePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	mk := func() *Table[testRecord] {
		return NewTable(path,
			func(r testRecord) string { return r.ID },
			func(r testRecord) testRecord { return r },
			func(r testRecord) (int64, string) { return r.CreatedAt, r.ID },
		)
	}
	first := mk()
	if err := first.Put(testRecord{ID: "a", CreatedAt: 1, Value: "first"}); err != nil {
		t.Fatal(err)
	}

	second := mk()
	if err := second.Load(); err != nil {
		t.Fatal(err)
	}
	got, ok := second.Get("a")
	if !ok || got.Value != "first" {
		t.Fatalf("expected record to survive reload, got %+v ok=%v", got, ok)
	}
}

func TestTableListIsSortedByCreatedAtThenID(t *testing.T) {
	tbl := newTestTable(t)
	_ = tbl.Put(testRecord{ID: "z", CreatedAt: 1, Value: "one"})
	_ = tbl.Put(testRecord{ID: "a", CreatedAt: 1, Value: "two"})
	_ = tbl.Put(testRecord{ID: "b", CreatedAt: 0, Value: "three"})

	list := tbl.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	if list[0].ID != "b" || list[1].ID != "a" || list[2].ID != "z" {
		t.Fatalf("unexpected order: %v", list)
	}
}

func TestTableDeleteRemovesRecord(t *testing.T) {
	tbl := newTestTable(t)
	_ = tbl.Put(testRecord{ID: "a", CreatedAt: 1})
	if err := tbl.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := tbl.Get("a"); ok {
		t.Fatal("expected record to be gone after delete")
	}
}

func TestTableMutateSkipsWriteWhenFalse(t *testing.T) {
	tbl := newTestTable(t)
	_ = tbl.Put(testRecord{ID: "a", CreatedAt: 1, Value: "one"})

	err := tbl.Mutate("a", func(existing testRecord, found bool) (testRecord, bool) {
		return existing, false
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := tbl.Get("a")
	if got.Value != "one" {
		t.Fatalf("expected no-op mutate to leave record unchanged, got %+v", got)
	}
}

func TestTableMutateCreatesWhenNotFound(t *testing.T) {
	tbl := newTestTable(t)
	err := tbl.Mutate("new", func(existing testRecord, found bool) (testRecord, bool) {
		if found {
			t.Fatal("expected not found")
		}
		return testRecord{ID: "new", CreatedAt: 5, Value: "created"}, true
	})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := tbl.Get("new")
	if !ok || got.Value != "created" {
		t.Fatalf("expected created record, got %+v ok=%v", got, ok)
	}
}
