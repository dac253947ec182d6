package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLTable is a MySQL/MariaDB-backed implementation of TrackedTable.
//
// It stores rows in a relational database and tracks changes through a
// change-log side table. Designed for:
//   - Production control planes reading from a served database
//   - Sources shared between multiple processes
//   - Audit trails of source changes
//
// MySQLTable uses connection pooling and transactional writes.
//
// Schema (per table name T):
//   - T: row_key, doc (JSON), updated_at
//   - T_changes: seq, row_key, kind, columns_changed, created_at
type MySQLTable struct {
	db    *sql.DB
	table string

	mu      sync.Mutex
	lastSeq int64
	closed  bool
}

// NewMySQLTable opens (creating if needed) a tracked table in the MySQL
// database identified by dsn.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/sources
//	user:password@tcp(127.0.0.1:3306)/sources?parseTime=true
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment
//	variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    tbl, err := source.NewMySQLTable(dsn, "ports")
func NewMySQLTable(dsn, table string) (*MySQLTable, error) {
	if !identRE.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning ping error
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	t := &MySQLTable{db: db, table: table}
	if err := t.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning table creation error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := t.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s_changes", table),
	).Scan(&t.lastSeq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read change log watermark: %w", err)
	}

	return t, nil
}

// createTables creates the row and change-log tables if they don't exist.
func (t *MySQLTable) createTables(ctx context.Context) error {
	rowsTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			row_key VARCHAR(255) PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		)
	`, t.table)
	if _, err := t.db.ExecContext(ctx, rowsTable); err != nil {
		return err
	}

	changesTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s_changes (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			row_key VARCHAR(255) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			columns_changed TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_seq (seq)
		)
	`, t.table)
	_, err := t.db.ExecContext(ctx, changesTable)
	return err
}

// Name returns the table name.
func (t *MySQLTable) Name() string { return t.table }

// Insert stores a row document under key and logs an insert.
func (t *MySQLTable) Insert(ctx context.Context, key string, doc map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}

	return t.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("REPLACE INTO %s (row_key, doc) VALUES (?, ?)", t.table),
			key, string(data),
		); err != nil {
			return err
		}
		return t.logChange(ctx, tx, key, ChangeInsert, nil)
	})
}

// Update merges cols into the row document under key and logs an update
// carrying the modified column names. Updating a missing row fails.
func (t *MySQLTable) Update(ctx context.Context, key string, cols map[string]any) error {
	return t.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT doc FROM %s WHERE row_key = ? FOR UPDATE", t.table), key,
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
			fmt.Sprintf("UPDATE %s SET doc = ? WHERE row_key = ?", t.table),
			string(data), key,
		); err != nil {
			return err
		}
		return t.logChange(ctx, tx, key, ChangeUpdate, names)
	})
}

// Delete removes the row under key and logs a delete. Deleting a missing row
// is a no-op.
func (t *MySQLTable) Delete(ctx context.Context, key string) error {
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
func (t *MySQLTable) Get(ctx context.Context, key string) (map[string]any, bool, error) {
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
func (t *MySQLTable) HasTrackedChanges(ctx context.Context) (bool, error) {
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
func (t *MySQLTable) TrackedChanges(ctx context.Context) ([]Change, error) {
	t.mu.Lock()
	since := t.lastSeq
	t.mu.Unlock()

	rows, err := t.db.QueryContext(ctx,
		fmt.Sprintf("SELECT row_key, kind, COALESCE(columns_changed, '') FROM %s_changes WHERE seq > ? ORDER BY seq", t.table),
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
func (t *MySQLTable) ClearTracked() {
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

// Ping verifies the database connection is alive.
func (t *MySQLTable) Ping(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

// Close closes the underlying database.
func (t *MySQLTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.db.Close()
}

// inTx runs fn inside a transaction, committing on success.
func (t *MySQLTable) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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
func (t *MySQLTable) logChange(ctx context.Context, tx *sql.Tx, key string, kind ChangeKind, columns []string) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s_changes (row_key, kind, columns_changed) VALUES (?, ?, ?)", t.table),
		key, kind.String(), strings.Join(columns, ","),
	)
	return err
}
