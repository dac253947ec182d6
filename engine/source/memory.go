package source

import (
	"context"
	"sort"
	"sync"
)

// MemTable is an in-memory implementation of TrackedTable.
//
// It stores rows and their tracked changes in memory using maps. Designed
// for:
//   - Testing and development
//   - Intermediate tables computed inside the same process
//   - Examples that need no external database
//
// MemTable is thread-safe, so producers may write rows from outside the
// engine's goroutine between iterations.
//
// For durable sources, use the database-backed tables (SQLiteTable,
// MySQLTable).
type MemTable struct {
	name string

	mu      sync.RWMutex
	rows    map[string]map[string]any
	tracked []Change
}

// NewMemTable creates an empty in-memory table.
func NewMemTable(name string) *MemTable {
	return &MemTable{
		name: name,
		rows: make(map[string]map[string]any),
	}
}

// Name returns the table name.
func (t *MemTable) Name() string { return t.name }

// Insert stores a row under key and tracks an insert. An existing row is
// replaced but still tracked as an insert; use Update for modifications.
func (t *MemTable) Insert(key string, row map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rows[key] = cloneRow(row)
	t.tracked = append(t.tracked, Change{Kind: ChangeInsert, Key: key})
}

// Update merges cols into the row under key and tracks an update carrying
// the modified column names. Updating a missing row is recorded as an
// insert.
func (t *MemTable) Update(key string, cols map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.rows[key]
	if !ok {
		t.rows[key] = cloneRow(cols)
		t.tracked = append(t.tracked, Change{Kind: ChangeInsert, Key: key})
		return
	}

	names := make([]string, 0, len(cols))
	for name, v := range cols {
		row[name] = v
		names = append(names, name)
	}
	sort.Strings(names)
	t.tracked = append(t.tracked, Change{Kind: ChangeUpdate, Key: key, Columns: names})
}

// Delete removes the row under key and tracks a delete. Deleting a missing
// row is a no-op.
func (t *MemTable) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rows[key]; !ok {
		return
	}
	delete(t.rows, key)
	t.tracked = append(t.tracked, Change{Kind: ChangeDelete, Key: key})
}

// Get returns a copy of the row under key.
func (t *MemTable) Get(key string) (map[string]any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	row, ok := t.rows[key]
	if !ok {
		return nil, false
	}
	return cloneRow(row), true
}

// Len returns the number of rows.
func (t *MemTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Keys returns the row keys in sorted order.
func (t *MemTable) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasTrackedChanges reports whether any change was tracked since the last
// ClearTracked.
func (t *MemTable) HasTrackedChanges(_ context.Context) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tracked) > 0, nil
}

// TrackedChanges returns a copy of the changes tracked since the last
// ClearTracked, in observation order.
func (t *MemTable) TrackedChanges(_ context.Context) ([]Change, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Change, len(t.tracked))
	copy(out, t.tracked)
	return out, nil
}

// ClearTracked discards the tracked changes, starting a fresh observation
// window.
func (t *MemTable) ClearTracked() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked = nil
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
