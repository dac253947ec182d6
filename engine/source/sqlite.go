package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteTable is a SQLite-backed implementation of TrackedTable.
//
// It stores rows in a single-file database and tracks changes through a
// change-log side table, so an engine leaf node can probe "anything changed
// since the last observation" without scanning rows. Designed for:
//   - Development and testing with zero setup
//   - Single-process control planes with a local durable source
//   - Prototyping before migrating to a served database
//
// SQLiteTable uses WAL mode for concurrent reads and transactional writes.
//
// Schema (per table name T):
//   - T: row_key, doc (JSON), updated_at
//   - T_changes: seq, row_key, kind, columns, created_at
//
// Rows are JSON documents keyed by row_key. Writes must go through Insert,
// Update and Delete so the change log stays consistent with the rows.
type SQLiteTable struct {
	db    *sql.DB
	table string

	mu      sync.Mutex
	lastSeq int64
	closed  bool
}

// identRE bounds table names to plain identifiers; they are interpolated
// into DDL and cannot be bound as parameters.
var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewSQLiteTable opens (creating if needed) a tracked table in the SQLite
// database at path.
//
// The path parameter specifies the database file location:
//   - "./dev.db" - file in current directory
//   - "/var/lib/agent/source.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The constructor automatically creates the row and change-log tables,
// enables WAL mode for concurrent reads, and configures busy timeouts.
//
// Example:
//
//	tbl, err := source.NewSQLiteTable("./dev.db", "ports")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tbl.Close()
//	node := source.NewTableNodeFor("ports", tbl)
func NewSQLiteTable(path, table string) (*SQLiteTable, error) {
	if !identRE.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; keep the single connection open.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close() // Ignore close error when returning pragma error
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	t := &SQLiteTable{db: db, table: table}
	if err := t.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning table creation error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	// Start the observation window after any pre-existing change log.
	if err := t.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s_changes", table),
	).Scan(&t.lastSeq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read change log watermark: %w", err)
	}

	return t, nil
}

// createTables creates the row and change-log tables if they don't exist.
func (t *SQLiteTable) createTables(ctx context.Context) error {
	rowsTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			row_key TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`, t.table)
	if _, err := t.db.ExecContext(ctx, rowsTable); err != nil {
		return err
	}

	changesTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s_changes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			row_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			columns TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`, t.table)
	_, err := t.db.ExecContext(ctx, changesTable)
	return err
}

// Name returns the table name.
func (t *SQLiteTable) Name() string { return t.table }

// Insert stores a row document under key and logs an insert.
func (t *SQLiteTable) Insert(ctx context.Context, key string, doc map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}

	return t.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT OR REPLACE INTO %s (row_key, doc) VALUES (?, ?)", t.table),
			key, string(data),
		); err != nil {
			return err
		}
		return t.logChange(ctx, tx, key, ChangeInsert, nil)
	})
}

// Update merges cols into the row document under key and logs an update
// carrying the modified column names. Updating a missing row fails.
func (t *SQLiteTable) Update(ctx context.Context, key string, cols map[string]any) error {
	return t.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT doc FROM %s WHERE row_key = ?", t.table), key,
		).Scan(&raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("row %q not found", key)
		}
		if err != nil {
			return err
		}

		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return fmt.Errorf("failed to unmarshal row: %w", err)
		}

		names := make([]string, 0, len(cols))
		for name, v := range cols {
			doc[name] = v
			names = append(names, name)
		}
		sort.Strings(names)

		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET doc = ?, updated_at = CURRENT_TIMESTAMP WHERE row_key = ?", t.table),
			string(data), key,
		); err != nil {
			return err
		}
		return t.logChange(ctx, tx, key, ChangeUpdate, names)
	})
}

// Delete removes the row under key and logs a delete. Deleting a missing row
// is a no-op.
func (t *SQLiteTable) Delete(ctx context.Context, key string) error {
	return t.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE row_key = ?", t.table), key)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		return t.logChange(ctx, tx, key, ChangeDelete, nil)
	})
}

// Get returns the row document under key.
func (t *SQLiteTable) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	var raw string
	err := t.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT doc FROM %s WHERE row_key = ?", t.table), key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal row: %w", err)
	}
	return doc, true, nil
}

// HasTrackedChanges reports whether the change log grew past the current
// observation window.
func (t *SQLiteTable) HasTrackedChanges(ctx context.Context) (bool, error) {
	t.mu.Lock()
	since := t.lastSeq
	t.mu.Unlock()

	var n int
	err := t.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s_changes WHERE seq > ?)", t.table),
		since,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// TrackedChanges enumerates the change log past the current observation
// window, in sequence order.
func (t *SQLiteTable) TrackedChanges(ctx context.Context) ([]Change, error) {
	t.mu.Lock()
	since := t.lastSeq
	t.mu.Unlock()

	rows, err := t.db.QueryContext(ctx,
		fmt.Sprintf("SELECT row_key, kind, columns FROM %s_changes WHERE seq > ? ORDER BY seq", t.table),
		since,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var changes []Change
	for rows.Next() {
		var key, kind, columns string
		if err := rows.Scan(&key, &kind, &columns); err != nil {
			return nil, err
		}
		changes = append(changes, Change{
			Kind:    parseKind(kind),
			Key:     key,
			Columns: splitColumns(columns),
		})
	}
	return changes, rows.Err()
}

// ClearTracked advances the observation window past the current change log.
// On query failure the old watermark is kept, so changes are re-observed
// rather than lost.
func (t *SQLiteTable) ClearTracked() {
	var maxSeq int64
	err := t.db.QueryRow(
		fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s_changes", t.table),
	).Scan(&maxSeq)
	if err != nil {
		return
	}

	t.mu.Lock()
	if maxSeq > t.lastSeq {
		t.lastSeq = maxSeq
	}
	t.mu.Unlock()
}

// Close closes the underlying database.
func (t *SQLiteTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.db.Close()
}

// inTx runs fn inside a transaction, committing on success.
func (t *SQLiteTable) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback() // Ignore rollback error when returning the original error
		return err
	}
	return tx.Commit()
}

// logChange appends one change-log entry within tx.
func (t *SQLiteTable) logChange(ctx context.Context, tx *sql.Tx, key string, kind ChangeKind, columns []string) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s_changes (row_key, kind, columns) VALUES (?, ?, ?)", t.table),
		key, kind.String(), strings.Join(columns, ","),
	)
	return err
}

func parseKind(s string) ChangeKind {
	switch s {
	case "insert":
		return ChangeInsert
	case "delete":
		return ChangeDelete
	default:
		return ChangeUpdate
	}
}

func splitColumns(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
