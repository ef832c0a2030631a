// Package catalog keeps a local SQLite ledger of conversions and of the
// datasets each conversion consumed.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alf"
)

// ErrNotFound indicates a session with no recorded conversion.
var ErrNotFound = errors.New("catalog: no conversion recorded")

const (
	driverName = "sqlite"
	memoryPath = ":memory:"
	dirPerm    = 0o750
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

//go:embed schema.sql
var schemaSQL string

// Status is the outcome of a conversion.
type Status string

// Conversion outcomes.
const (
	StatusSucceeded Status = "succeeded"
	// StatusPartial means the file was written but some interfaces failed.
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Conversion is one row of the ledger.
type Conversion struct {
	ID         int64         `json:"id"`
	EID        string        `json:"eid"`
	Subject    string        `json:"subject,omitempty"`
	Path       string        `json:"path,omitempty"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Failures   int           `json:"failures,omitempty"`
	Duration   time.Duration `json:"duration"`
	Bytes      int64         `json:"bytes,omitempty"`
	Stub       bool          `json:"stub,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Filter narrows Conversions.
type Filter struct {
	EID    string
	Status Status
	Limit  int
}

// Catalog wraps the SQLite database.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog at path. ":memory:" gives a private
// in-memory catalog.
func Open(path string) (*Catalog, error) {
	if path != memoryPath {
		err := os.MkdirAll(filepath.Dir(path), dirPerm)
		if err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(schemaSQL)
	if err != nil {
		closeErr := db.Close()

		return nil, errors.Join(fmt.Errorf("apply catalog schema: %w", err), closeErr)
	}

	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// RecordConversion appends a conversion outcome and returns its row id.
func (c *Catalog) RecordConversion(ctx context.Context, conv Conversion) (int64, error) {
	if conv.FinishedAt.IsZero() {
		conv.FinishedAt = time.Now()
	}

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO conversions (eid, subject, path, status, error, failures, duration_ms, bytes, stub, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.EID, conv.Subject, conv.Path, string(conv.Status), conv.Error, conv.Failures,
		conv.Duration.Milliseconds(), conv.Bytes, conv.Stub, conv.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("record conversion %s: %w", conv.EID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("conversion row id: %w", err)
	}

	return id, nil
}

// Conversions lists conversions, most recent first.
func (c *Catalog) Conversions(ctx context.Context, f Filter) ([]Conversion, error) {
	var (
		where []string
		args  []any
	)

	if f.EID != "" {
		where = append(where, "eid = ?")
		args = append(args, f.EID)
	}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT id, eid, subject, path, status, error, failures, duration_ms, bytes, stub, finished_at
		FROM conversions`

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY finished_at DESC, id DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversions: %w", err)
	}
	defer rows.Close()

	var out []Conversion

	for rows.Next() {
		conv, scanErr := scanConversion(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		out = append(out, conv)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate conversions: %w", err)
	}

	return out, nil
}

// Latest returns the most recent conversion of a session.
func (c *Catalog) Latest(ctx context.Context, eid string) (*Conversion, error) {
	convs, err := c.Conversions(ctx, Filter{EID: eid, Limit: 1})
	if err != nil {
		return nil, err
	}

	if len(convs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, eid)
	}

	return &convs[0], nil
}

// Summary counts sessions by the status of their latest conversion.
func (c *Catalog) Summary(ctx context.Context) (map[Status]int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM conversions c
		WHERE id = (SELECT id FROM conversions WHERE eid = c.eid ORDER BY finished_at DESC, id DESC LIMIT 1)
		GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("summarize conversions: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)

	for rows.Next() {
		var (
			status string
			count  int
		)

		err = rows.Scan(&status, &count)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}

		out[Status(status)] = count
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate summary: %w", err)
	}

	return out, nil
}

// RecordDatasets replaces the dataset list stored for a session.
func (c *Catalog) RecordDatasets(ctx context.Context, eid string, datasets []alf.Dataset) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dataset tx: %w", err)
	}

	err = replaceDatasets(ctx, tx, eid, datasets)
	if err != nil {
		return errors.Join(err, tx.Rollback())
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit datasets: %w", err)
	}

	return nil
}

func replaceDatasets(ctx context.Context, tx *sql.Tx, eid string, datasets []alf.Dataset) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE eid = ?`, eid)
	if err != nil {
		return fmt.Errorf("clear datasets %s: %w", eid, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO datasets (eid, collection, revision, name, size, hash)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare dataset insert: %w", err)
	}
	defer stmt.Close()

	for _, ds := range datasets {
		_, err = stmt.ExecContext(ctx, eid, ds.Collection, ds.Revision, ds.Name.String(), ds.Size, ds.Hash)
		if err != nil {
			return fmt.Errorf("insert dataset %s: %w", ds.RelativePath(), err)
		}
	}

	return nil
}

// Datasets returns the datasets recorded for a session, ordered by path.
func (c *Catalog) Datasets(ctx context.Context, eid string) ([]alf.Dataset, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT collection, revision, name, size, hash FROM datasets
		WHERE eid = ? ORDER BY collection, name`, eid)
	if err != nil {
		return nil, fmt.Errorf("query datasets: %w", err)
	}
	defer rows.Close()

	var out []alf.Dataset

	for rows.Next() {
		var (
			ds   alf.Dataset
			name string
		)

		err = rows.Scan(&ds.Collection, &ds.Revision, &name, &ds.Size, &ds.Hash)
		if err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}

		ds.Name, err = alf.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("stored dataset %s: %w", name, err)
		}

		out = append(out, ds)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate datasets: %w", err)
	}

	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversion(row scanner) (Conversion, error) {
	var (
		conv       Conversion
		status     string
		durationMS int64
		finished   string
	)

	err := row.Scan(&conv.ID, &conv.EID, &conv.Subject, &conv.Path, &status, &conv.Error,
		&conv.Failures, &durationMS, &conv.Bytes, &conv.Stub, &finished)
	if err != nil {
		return Conversion{}, fmt.Errorf("scan conversion: %w", err)
	}

	conv.Status = Status(status)
	conv.Duration = time.Duration(durationMS) * time.Millisecond

	conv.FinishedAt, err = time.Parse(timeLayout, finished)
	if err != nil {
		return Conversion{}, fmt.Errorf("parse finished_at %q: %w", finished, err)
	}

	return conv, nil
}
