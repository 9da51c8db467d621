// Package mlsdb is the relational store layer: connection pooling, derived
// table DDL, sanitized upserts, watermarks, and the tracking tables shared
// by the sync engine, the photo scheduler and the lifecycle reconciler.
package mlsdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// maxOpenConns bounds the shared pool; every long-running loop borrows
// connections from it.
const maxOpenConns = 10

// DB wraps the shared sqlx pool together with a memoized view of column
// types, which drives value sanitation on upsert.
type DB struct {
	*sqlx.DB

	mu      sync.Mutex
	columns map[string]map[string]string // table -> column -> DATA_TYPE
}

// Open connects to MySQL and verifies the connection. An unreachable store
// at startup is fatal to the process; callers exit on error.
func Open(dsn string) (*DB, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening mysql pool")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "mysql unreachable")
	}
	return &DB{DB: db, columns: map[string]map[string]string{}}, nil
}

// TableExists reports whether a table is present in the configured database.
func (d *DB) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := d.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`, table)
	if err != nil {
		return false, errors.Wrapf(err, "checking table %s", table)
	}
	return n > 0, nil
}

// CreateTable executes a CREATE TABLE statement and invalidates the cached
// column view for the table.
func (d *DB) CreateTable(ctx context.Context, table, ddl string) error {
	if _, err := d.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "creating table %s", table)
	}
	d.forgetColumns(table)
	return nil
}

// DropTable removes a table. Used when a pair turns out to be locked out.
func (d *DB) DropTable(ctx context.Context, table string) error {
	if _, err := d.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table)); err != nil {
		return errors.Wrapf(err, "dropping table %s", table)
	}
	d.forgetColumns(table)
	return nil
}

// TruncateTable empties a table ahead of a full-sync pass.
func (d *DB) TruncateTable(ctx context.Context, table string) error {
	if _, err := d.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE `%s`", table)); err != nil {
		return errors.Wrapf(err, "truncating table %s", table)
	}
	return nil
}

// Watermark returns MAX(column) for the table. ok is false when the table is
// empty.
func (d *DB) Watermark(ctx context.Context, table, column string) (time.Time, bool, error) {
	var v sql.NullTime
	query := fmt.Sprintf("SELECT MAX(`%s`) FROM `%s`", column, table)
	if err := d.GetContext(ctx, &v, query); err != nil {
		return time.Time{}, false, errors.Wrapf(err, "reading watermark %s.%s", table, column)
	}
	if !v.Valid {
		return time.Time{}, false, nil
	}
	return v.Time, true, nil
}

// ColumnTypes returns the MySQL data type per column for a table, memoized
// until the table is created or dropped again.
func (d *DB) ColumnTypes(ctx context.Context, table string) (map[string]string, error) {
	d.mu.Lock()
	if cached, ok := d.columns[table]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	rows, err := d.QueryxContext(ctx,
		`SELECT COLUMN_NAME, DATA_TYPE FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?`, table)
	if err != nil {
		return nil, errors.Wrapf(err, "reading columns of %s", table)
	}
	defer rows.Close()

	types := map[string]string{}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		types[name] = strings.ToLower(dataType)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.columns[table] = types
	d.mu.Unlock()
	return types, nil
}

func (d *DB) forgetColumns(table string) {
	d.mu.Lock()
	delete(d.columns, table)
	d.mu.Unlock()
}

// Close shuts the pool down.
func (d *DB) Close() error {
	return d.DB.Close()
}

// logQueryError logs a failed statement with enough context to chase it.
func logQueryError(ctx context.Context, err error, query string) {
	log.G(ctx).WithError(err).WithField("query", truncate(query, 200)).Error("Query failed")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
