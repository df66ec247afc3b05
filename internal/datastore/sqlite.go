package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brainless/datastorer/internal/ingesterr"
)

// SQLiteStore keeps one table per resource in a local SQLite database.
// Values are stored as the normalized text; field types are recorded in a
// side table.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// OpenSQLiteStore opens (creating if needed) datastore.sqlite under dir.
func OpenSQLiteStore(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	dbPath := filepath.Join(dir, "datastore.sqlite")

	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_busy_timeout=30000", dbPath)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS datastore_fields (
		resource_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		field_id TEXT NOT NULL,
		field_type TEXT NOT NULL,
		PRIMARY KEY (resource_id, position)
	)`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func tableName(resourceID string) string {
	return quoteIdent("resource_" + resourceID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadFields(ctx context.Context, q querier, resourceID string) ([]Field, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT field_id, field_type FROM datastore_fields WHERE resource_id = ? ORDER BY position`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var f Field
		if err := rows.Scan(&f.ID, &f.Type); err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// Delete drops the resource table. A missing table returns ErrNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, resourceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to begin transaction")
	}
	defer tx.Rollback()

	fields, err := loadFields(ctx, tx, resourceID)
	if err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to read fields")
	}
	if len(fields) == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+tableName(resourceID)); err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to drop table")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM datastore_fields WHERE resource_id = ?`, resourceID); err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to delete fields")
	}
	if err := tx.Commit(); err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to commit")
	}
	return nil
}

// Create defines the resource table and inserts records, if any.
func (s *SQLiteStore) Create(ctx context.Context, resourceID string, fields []Field, records []Record) error {
	if len(fields) == 0 {
		return ingesterr.New(ingesterr.StoreError, "No fields given for resource %s", resourceID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to begin transaction")
	}
	defer tx.Rollback()

	cols := make([]string, 0, len(fields)+1)
	cols = append(cols, "_id INTEGER PRIMARY KEY AUTOINCREMENT")
	for i, f := range fields {
		if f.ID == "_id" {
			return ingesterr.New(ingesterr.StoreError, "Field name _id is reserved")
		}
		cols = append(cols, quoteIdent(f.ID)+" TEXT")
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO datastore_fields (resource_id, position, field_id, field_type) VALUES (?, ?, ?, ?)`,
			resourceID, i, f.ID, f.Type); err != nil {
			return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to record field %s", f.ID)
		}
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", tableName(resourceID), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to create table for %s", resourceID)
	}

	if err := insert(ctx, tx, resourceID, fields, records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to commit")
	}
	return nil
}

// Upsert inserts records in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, resourceID string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to begin transaction")
	}
	defer tx.Rollback()

	fields, err := loadFields(ctx, tx, resourceID)
	if err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to read fields")
	}
	if len(fields) == 0 {
		return ingesterr.New(ingesterr.StoreError, "Resource %s has no table", resourceID)
	}
	if err := insert(ctx, tx, resourceID, fields, records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to commit")
	}
	return nil
}

func insert(ctx context.Context, tx *sql.Tx, resourceID string, fields []Field, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	known := make(map[string]bool, len(fields))
	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	for i, f := range fields {
		known[f.ID] = true
		cols[i] = quoteIdent(f.ID)
		marks[i] = "?"
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		tableName(resourceID), strings.Join(cols, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to prepare insert")
	}
	defer stmt.Close()

	args := make([]any, len(fields))
	for _, rec := range records {
		for key := range rec {
			if !known[key] {
				return ingesterr.New(ingesterr.StoreError, "Field %q is not defined for resource %s", key, resourceID)
			}
		}
		for i, f := range fields {
			args[i] = rec[f.ID]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return ingesterr.Wrap(ingesterr.StoreError, err, "Failed to insert record")
		}
	}
	return nil
}

// Search returns a page of records ordered by _id, including _id as text.
func (s *SQLiteStore) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	fields, err := loadFields(ctx, s.db, q.ResourceID)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.StoreError, err, "Failed to read fields")
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	result := &SearchResult{Fields: fields}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tableName(q.ResourceID)).Scan(&result.Total); err != nil {
		return nil, ingesterr.Wrap(ingesterr.StoreError, err, "Failed to count records")
	}

	cols := []string{"_id"}
	for _, f := range fields {
		cols = append(cols, quoteIdent(f.ID))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY _id LIMIT ? OFFSET ?",
		strings.Join(cols, ", "), tableName(q.ResourceID)), limit, q.Offset)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.StoreError, err, "Failed to query records")
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		values := make([]sql.NullString, len(fields))
		dest := []any{&id}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, ingesterr.Wrap(ingesterr.StoreError, err, "Failed to scan record")
		}

		rec := Record{"_id": id}
		for i, f := range fields {
			if values[i].Valid {
				rec[f.ID] = values[i].String
			} else {
				rec[f.ID] = nil
			}
		}
		result.Records = append(result.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ingesterr.Wrap(ingesterr.StoreError, err, "Failed to read records")
	}
	return result, nil
}
