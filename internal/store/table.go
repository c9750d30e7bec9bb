// Package store implements the persistent JSONL store abstraction (C10):
// read/append/rewrite primitives for the heartbeat, cron, outbox, and
// identity registries, plus the line-atomic append log used by the event
// log (C9). Each registry owns one file exclusively; compaction (a full
// rewrite) takes the table's own mutex, so no cross-file locking is needed.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Table is a generic, mutex-guarded, JSONL-backed record store that is
// rewritten in full on every mutation ("append-only JSONL with full-rewrite
// on compaction", per the registries' persistence skeleton). It is the
// shape C3, C4, C7, and the identity registry all share.
type Table[T any] struct {
	mu      sync.Mutex
	path    string
	loaded  bool
	records map[string]T

	idOf        func(T) string
	cloneOf     func(T) T
	sortKeyOf   func(T) (createdAtMs int64, id string)
}

// NewTable constructs a table backed by the JSONL file at path. idOf and
// cloneOf let Table stay decoupled from the domain model's own methods;
// sortKeyOf controls the order records are written back on rewrite.
func NewTable[T any](path string, idOf func(T) string, cloneOf func(T) T, sortKeyOf func(T) (int64, string)) *Table[T] {
	return &Table[T]{
		path:      path,
		records:   make(map[string]T),
		idOf:      idOf,
		cloneOf:   cloneOf,
		sortKeyOf: sortKeyOf,
	}
}

// Load reads the backing file into memory if it hasn't been loaded yet. It
// is safe to call repeatedly; only the first call does I/O. Registries call
// this lazily on first use.
func (t *Table[T]) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadLocked()
}

func (t *Table[T]) loadLocked() error {
	if t.loaded {
		return nil
	}
	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		t.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: open %s: %w", t.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("store: decode %s: %w", t.path, err)
		}
		t.records[t.idOf(rec)] = rec
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("store: scan %s: %w", t.path, err)
	}
	t.loaded = true
	return nil
}

// Get returns a cloned copy of the record, or the zero value and false if
// it does not exist.
func (t *Table[T]) Get(id string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		var zero T
		return zero, false
	}
	return t.cloneOf(rec), true
}

// List returns a cloned, deterministically ordered snapshot of every
// record. Ordering is (created_at_ms, id) ascending, matching the
// registries' rewrite-on-compaction order.
func (t *Table[T]) List() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]T, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, t.cloneOf(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		ci, ii := t.sortKeyOf(out[i])
		cj, ij := t.sortKeyOf(out[j])
		if ci != cj {
			return ci < cj
		}
		return ii < ij
	})
	return out
}

// Put inserts or replaces a record and rewrites the backing file.
func (t *Table[T]) Put(rec T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(); err != nil {
		return err
	}
	t.records[t.idOf(rec)] = t.cloneOf(rec)
	return t.rewriteLocked()
}

// Delete removes a record and rewrites the backing file. Deleting a
// nonexistent id is a no-op.
func (t *Table[T]) Delete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(); err != nil {
		return err
	}
	if _, ok := t.records[id]; !ok {
		return nil
	}
	delete(t.records, id)
	return t.rewriteLocked()
}

// Mutate loads the current record (if any, else the zero value) under the
// table's lock, passes it to fn, and if fn returns true persists fn's
// result and rewrites the file. This is how registries implement
// read-modify-write operations (update, enable/disable, tick bookkeeping)
// without racing a concurrent rewrite.
func (t *Table[T]) Mutate(id string, fn func(existing T, found bool) (updated T, shouldWrite bool)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(); err != nil {
		return err
	}
	existing, ok := t.records[id]
	updated, write := fn(existing, ok)
	if !write {
		return nil
	}
	t.records[t.idOf(updated)] = t.cloneOf(updated)
	return t.rewriteLocked()
}

func (t *Table[T]) rewriteLocked() error {
	if t.path == "" {
		return nil
	}
	recs := make([]T, 0, len(t.records))
	for _, rec := range t.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		ci, ii := t.sortKeyOf(recs[i])
		cj, ij := t.sortKeyOf(recs[j])
		if ci != cj {
			return ci < cj
		}
		return ii < ij
	})

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("store: encode record: %w", err)
		}
		if _, err := w.Write(b); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename into %s: %w", t.path, err)
	}
	return nil
}
