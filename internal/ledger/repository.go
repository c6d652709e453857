// Package ledger persists every version of every budget flow record in an
// append-only sqlite table. Editing a record writes a new row; nothing is
// updated in place.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"budgetflow/internal/core"
	"budgetflow/internal/log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("record not found")

const (
	insertVersion = `INSERT INTO flow_versions
    (id, parent_id, dataset, from_party, to_party, amount, flow_type, flow_date, steps, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectColumns = `SELECT id, dataset, from_party, to_party, amount, flow_type, flow_date, steps FROM flow_versions`

	selectByID      = selectColumns + ` WHERE id = ?`
	selectByDataset = selectColumns + ` WHERE dataset = ? ORDER BY seq`

	// selectLineage walks parent links up to the root version of id, then
	// collects every version descending from that root.
	selectLineage = `WITH RECURSIVE
    ancestors(id, parent_id) AS (
        SELECT id, parent_id FROM flow_versions WHERE id = ?
        UNION
        SELECT v.id, v.parent_id FROM flow_versions v JOIN ancestors a ON v.id = a.parent_id
    ),
    tree(id) AS (
        SELECT id FROM ancestors WHERE parent_id IS NULL
        UNION
        SELECT v.id FROM flow_versions v JOIN tree t ON v.parent_id = t.id
    )
` + selectColumns + ` WHERE id IN (SELECT id FROM tree) ORDER BY seq`
)

type Repository struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Repository)

func WithLogger(l *log.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l.WithComponent(log.ComponentLedger)
		}
	}
}

// WithClock replaces time.Now for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// Open creates the database file if needed, runs migrations and returns a
// ready repository.
func Open(dbPath string, opts ...Option) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := NewWithDB(db, opts...)
	if err := migrateSchema(dbPath, r.logger); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// NewWithDB wraps an existing handle whose schema is already migrated.
func NewWithDB(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{
		db:     db,
		logger: log.Discard(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Insert appends rec to ds. A record without ID gets a fresh UUID. The stored
// record is returned.
func (r *Repository) Insert(ctx context.Context, ds core.Dataset, rec core.Record) (core.Record, error) {
	return r.insert(ctx, ds, "", rec)
}

// InsertVersion appends rec as a new version of parentID, in the parent's
// dataset and under a new ID.
func (r *Repository) InsertVersion(ctx context.Context, parentID string, rec core.Record) (core.Record, error) {
	_, ds, err := r.Get(ctx, parentID)
	if err != nil {
		return core.Record{}, err
	}
	rec.ID = ""
	return r.insert(ctx, ds, parentID, rec)
}

func (r *Repository) insert(ctx context.Context, ds core.Dataset, parentID string, rec core.Record) (core.Record, error) {
	if !ds.Valid() {
		return core.Record{}, fmt.Errorf("insert record: %w: %q", core.ErrUnknownDataset, ds)
	}
	if rec.ID == "" {
		rec.ID = r.newID()
	}
	steps := rec.Steps
	if steps == nil {
		steps = []core.Step{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return core.Record{}, fmt.Errorf("marshal steps: %w", err)
	}

	var parent sql.NullString
	if parentID != "" {
		parent = sql.NullString{String: parentID, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, insertVersion,
		rec.ID, parent, string(ds), rec.From, rec.To, rec.Amount.String(),
		rec.Type.String(), rec.Date.String(), string(stepsJSON), r.now().UTC())
	if err != nil {
		return core.Record{}, fmt.Errorf("insert record %s: %w", rec.ID, err)
	}

	r.logger.DebugContext(ctx, "Record version stored",
		log.FieldRecordID, rec.ID,
		log.FieldDataset, ds,
		log.FieldVendor, rec.To)
	rec.Issues = nil
	return rec, nil
}

// Get returns one stored version and its dataset.
func (r *Repository) Get(ctx context.Context, id string) (core.Record, core.Dataset, error) {
	row := r.db.QueryRowContext(ctx, selectByID, id)
	rec, ds, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Record{}, "", fmt.Errorf("get record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return core.Record{}, "", fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, ds, nil
}

// Snapshot returns every version stored in ds in insertion order. It is the
// delivery order of the dataset's feed.
func (r *Repository) Snapshot(ctx context.Context, ds core.Dataset) ([]core.Record, error) {
	if !ds.Valid() {
		return nil, fmt.Errorf("snapshot: %w: %q", core.ErrUnknownDataset, ds)
	}
	return r.query(ctx, "snapshot "+string(ds), selectByDataset, string(ds))
}

// Lineage returns every version of the record id belongs to, from the
// first submission on, in insertion order. id may be any version in the
// chain. An unknown id yields an empty list.
func (r *Repository) Lineage(ctx context.Context, id string) ([]core.Record, error) {
	return r.query(ctx, "lineage "+id, selectLineage, id)
}

func (r *Repository) query(ctx context.Context, what, q string, args ...any) ([]core.Record, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	out := []core.Record{}
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row. Stored values are trusted but still decoded
// leniently; anything unreadable is recorded in Issues like a feed record.
func scanRecord(s scanner) (core.Record, core.Dataset, error) {
	var (
		rec                        core.Record
		ds, amount, typ, date, raw string
	)
	if err := s.Scan(&rec.ID, &ds, &rec.From, &rec.To, &amount, &typ, &date, &raw); err != nil {
		return core.Record{}, "", err
	}

	if a, err := core.ParseAmount(amount); err == nil {
		rec.Amount = a
	} else {
		rec.Amount = decimal.Zero
		rec.Issues = append(rec.Issues, core.IssueBadAmount)
	}
	if t, err := core.ParseFlowType(typ); err == nil {
		rec.Type = t
	} else {
		rec.Issues = append(rec.Issues, core.IssueUnknownType)
	}
	if d, err := core.ParseDate(date); err == nil {
		rec.Date = d
	} else {
		rec.Date = core.DefaultDate
		rec.Issues = append(rec.Issues, core.IssueBadDate)
	}
	if err := json.Unmarshal([]byte(raw), &rec.Steps); err != nil {
		rec.Steps = nil
		rec.Issues = append(rec.Issues, core.IssueBadSteps)
	}
	if len(rec.Steps) == 0 {
		rec.Steps = nil
	}
	return rec, core.Dataset(ds), nil
}
