// Package sqlitestore persists the element/dependency graph to a SQLite
// database. Elements are stored as JSON documents keyed by id with their type,
// status and deletion flag lifted into columns; dependency rows carry an
// autoincrement sequence that preserves creation order.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS elements (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT '',
	deleted    INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	data       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dependencies (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	blocked_id TEXT NOT NULL,
	blocker_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	UNIQUE (blocked_id, blocker_id, type)
);
CREATE INDEX IF NOT EXISTS idx_dependencies_blocked ON dependencies (blocked_id);
CREATE INDEX IF NOT EXISTS idx_dependencies_blocker ON dependencies (blocker_id);
`

// Store wraps the SQLite connection.
type Store struct {
	conn  *sql.DB
	clock func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option customizes the store.
type Option func(*Store)

// WithClock injects the clock used for CreatedAt/UpdatedAt stamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Open creates (or reuses) the database at dbPath and applies the schema.
func Open(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("sqlitestore: creating database directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening database: %w", err)
	}
	// One connection keeps the single-writer model and avoids SQLITE_BUSY
	// between a transaction and plain reads.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitestore: enabling WAL mode: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitestore: executing schema: %w", err)
	}
	s := &Store{conn: conn, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// WithTx runs fn inside a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin transaction: %w", err)
	}
	if err := fn(&view{q: tx, clock: s.clock}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return nil
}

func (s *Store) view() *view {
	return &view{q: s.conn, clock: s.clock}
}

func (s *Store) GetElement(ctx context.Context, id string) (element.Element, error) {
	return s.view().GetElement(ctx, id)
}

func (s *Store) ListElements(ctx context.Context, filter store.ListFilter) ([]element.Element, error) {
	return s.view().ListElements(ctx, filter)
}

func (s *Store) GetDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) (element.Dependency, error) {
	return s.view().GetDependency(ctx, blockedID, blockerID, depType)
}

func (s *Store) DependenciesOf(ctx context.Context, blockedID string, types ...element.DependencyType) ([]element.Dependency, error) {
	return s.view().DependenciesOf(ctx, blockedID, types...)
}

func (s *Store) DependentsOf(ctx context.Context, blockerID string, types ...element.DependencyType) ([]element.Dependency, error) {
	return s.view().DependentsOf(ctx, blockerID, types...)
}

func (s *Store) ListDependencies(ctx context.Context) ([]element.Dependency, error) {
	return s.view().ListDependencies(ctx)
}

func (s *Store) CreateElement(ctx context.Context, el element.Element) (element.Element, error) {
	var created element.Element
	err := s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		created, err = tx.CreateElement(ctx, el)
		return err
	})
	return created, err
}

func (s *Store) UpdateElement(ctx context.Context, id string, patch element.Patch) (element.Element, error) {
	var updated element.Element
	err := s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		updated, err = tx.UpdateElement(ctx, id, patch)
		return err
	})
	return updated, err
}

func (s *Store) DeleteElement(ctx context.Context, id, actor string) (element.Element, error) {
	var deleted element.Element
	err := s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		deleted, err = tx.DeleteElement(ctx, id, actor)
		return err
	})
	return deleted, err
}

func (s *Store) InsertDependency(ctx context.Context, dep element.Dependency) (element.Dependency, error) {
	return s.view().InsertDependency(ctx, dep)
}

func (s *Store) DeleteDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) error {
	return s.view().DeleteDependency(ctx, blockedID, blockerID, depType)
}

func (s *Store) UpdateDependencyMetadata(ctx context.Context, blockedID, blockerID string, depType element.DependencyType, meta element.Metadata) (element.Dependency, error) {
	return s.view().UpdateDependencyMetadata(ctx, blockedID, blockerID, depType, meta)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type view struct {
	q     querier
	clock func() time.Time
}

func (v *view) GetElement(ctx context.Context, id string) (element.Element, error) {
	var data string
	err := v.q.QueryRowContext(ctx, `SELECT data FROM elements WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return element.Element{}, element.NotFoundf("element %s", id)
	}
	if err != nil {
		return element.Element{}, fmt.Errorf("sqlitestore: querying element %s: %w", id, err)
	}
	return decodeElement(data)
}

func (v *view) ListElements(ctx context.Context, filter store.ListFilter) ([]element.Element, error) {
	query := `SELECT data FROM elements`
	if !filter.IncludeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY id`
	rows, err := v.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: listing elements: %w", err)
	}
	defer rows.Close()
	var out []element.Element
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlitestore: scanning element: %w", err)
		}
		el, err := decodeElement(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(el) {
			out = append(out, el)
		}
	}
	return out, rows.Err()
}

const dependencyColumns = `blocked_id, blocker_id, type, metadata, created_at, created_by`

func (v *view) GetDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) (element.Dependency, error) {
	row := v.q.QueryRowContext(ctx,
		`SELECT `+dependencyColumns+` FROM dependencies WHERE blocked_id = ? AND blocker_id = ? AND type = ?`,
		blockedID, blockerID, string(depType))
	dep, err := scanDependency(row)
	if errors.Is(err, sql.ErrNoRows) {
		key := element.DependencyKey{BlockedID: blockedID, BlockerID: blockerID, Type: depType}
		return element.Dependency{}, element.NotFoundf("dependency %s", key)
	}
	return dep, err
}

func (v *view) DependenciesOf(ctx context.Context, blockedID string, types ...element.DependencyType) ([]element.Dependency, error) {
	return v.queryDependencies(ctx, `WHERE blocked_id = ?`, blockedID, types)
}

func (v *view) DependentsOf(ctx context.Context, blockerID string, types ...element.DependencyType) ([]element.Dependency, error) {
	return v.queryDependencies(ctx, `WHERE blocker_id = ?`, blockerID, types)
}

func (v *view) ListDependencies(ctx context.Context) ([]element.Dependency, error) {
	return v.queryDependencies(ctx, "", "", nil)
}

func (v *view) queryDependencies(ctx context.Context, where, id string, types []element.DependencyType) ([]element.Dependency, error) {
	query := `SELECT ` + dependencyColumns + ` FROM dependencies ` + where + ` ORDER BY seq`
	var args []any
	if where != "" {
		args = append(args, id)
	}
	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: querying dependencies: %w", err)
	}
	defer rows.Close()
	var out []element.Dependency
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		if element.HasType(types, dep.Type) {
			out = append(out, dep)
		}
	}
	return out, rows.Err()
}

func (v *view) CreateElement(ctx context.Context, el element.Element) (element.Element, error) {
	el = el.Clone()
	el.Normalize()
	if err := el.Validate(); err != nil {
		return element.Element{}, err
	}
	now := v.clock()
	if el.CreatedAt.IsZero() {
		el.CreatedAt = now
	}
	if el.UpdatedAt.IsZero() {
		el.UpdatedAt = el.CreatedAt
	}
	data, err := json.Marshal(el)
	if err != nil {
		return element.Element{}, fmt.Errorf("sqlitestore: encoding element %s: %w", el.ID, err)
	}
	_, err = v.q.ExecContext(ctx,
		`INSERT INTO elements (id, type, status, deleted, updated_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
		el.ID, string(el.Type), string(el.Status), boolInt(el.IsTombstoned()), formatTime(el.UpdatedAt), string(data))
	if isUniqueViolation(err) {
		return element.Element{}, element.Conflictf("element %s already exists", el.ID)
	}
	if err != nil {
		return element.Element{}, fmt.Errorf("sqlitestore: inserting element %s: %w", el.ID, err)
	}
	return el, nil
}

func (v *view) UpdateElement(ctx context.Context, id string, patch element.Patch) (element.Element, error) {
	current, err := v.GetElement(ctx, id)
	if err != nil {
		return element.Element{}, err
	}
	if err := patch.CheckPrecondition(current); err != nil {
		return element.Element{}, err
	}
	updated, err := patch.Apply(current, v.clock())
	if err != nil {
		return element.Element{}, err
	}
	if err := v.writeElement(ctx, updated); err != nil {
		return element.Element{}, err
	}
	return updated, nil
}

func (v *view) DeleteElement(ctx context.Context, id, actor string) (element.Element, error) {
	current, err := v.GetElement(ctx, id)
	if err != nil {
		return element.Element{}, err
	}
	if current.IsTombstoned() {
		return current, nil
	}
	deleted := element.Tombstone(current, actor, v.clock())
	if err := v.writeElement(ctx, deleted); err != nil {
		return element.Element{}, err
	}
	return deleted, nil
}

func (v *view) writeElement(ctx context.Context, el element.Element) error {
	data, err := json.Marshal(el)
	if err != nil {
		return fmt.Errorf("sqlitestore: encoding element %s: %w", el.ID, err)
	}
	_, err = v.q.ExecContext(ctx,
		`UPDATE elements SET status = ?, deleted = ?, updated_at = ?, data = ? WHERE id = ?`,
		string(el.Status), boolInt(el.IsTombstoned()), formatTime(el.UpdatedAt), string(data), el.ID)
	if err != nil {
		return fmt.Errorf("sqlitestore: updating element %s: %w", el.ID, err)
	}
	return nil
}

func (v *view) InsertDependency(ctx context.Context, dep element.Dependency) (element.Dependency, error) {
	dep = dep.Clone()
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = v.clock()
	}
	meta, err := encodeMetadata(dep.Metadata)
	if err != nil {
		return element.Dependency{}, err
	}
	_, err = v.q.ExecContext(ctx,
		`INSERT INTO dependencies (`+dependencyColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		dep.BlockedID, dep.BlockerID, string(dep.Type), meta, formatTime(dep.CreatedAt), dep.CreatedBy)
	if isUniqueViolation(err) {
		return element.Dependency{}, element.Conflictf("dependency %s already exists", dep.Key())
	}
	if err != nil {
		return element.Dependency{}, fmt.Errorf("sqlitestore: inserting dependency %s: %w", dep.Key(), err)
	}
	return dep, nil
}

func (v *view) DeleteDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) error {
	res, err := v.q.ExecContext(ctx,
		`DELETE FROM dependencies WHERE blocked_id = ? AND blocker_id = ? AND type = ?`,
		blockedID, blockerID, string(depType))
	if err != nil {
		return fmt.Errorf("sqlitestore: deleting dependency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		key := element.DependencyKey{BlockedID: blockedID, BlockerID: blockerID, Type: depType}
		return element.NotFoundf("dependency %s", key)
	}
	return nil
}

func (v *view) UpdateDependencyMetadata(ctx context.Context, blockedID, blockerID string, depType element.DependencyType, meta element.Metadata) (element.Dependency, error) {
	encoded, err := encodeMetadata(meta)
	if err != nil {
		return element.Dependency{}, err
	}
	res, err := v.q.ExecContext(ctx,
		`UPDATE dependencies SET metadata = ? WHERE blocked_id = ? AND blocker_id = ? AND type = ?`,
		encoded, blockedID, blockerID, string(depType))
	if err != nil {
		return element.Dependency{}, fmt.Errorf("sqlitestore: updating dependency metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		key := element.DependencyKey{BlockedID: blockedID, BlockerID: blockerID, Type: depType}
		return element.Dependency{}, element.NotFoundf("dependency %s", key)
	}
	return v.GetDependency(ctx, blockedID, blockerID, depType)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDependency(row rowScanner) (element.Dependency, error) {
	var (
		dep       element.Dependency
		depType   string
		meta      string
		createdAt string
	)
	if err := row.Scan(&dep.BlockedID, &dep.BlockerID, &depType, &meta, &createdAt, &dep.CreatedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return element.Dependency{}, err
		}
		return element.Dependency{}, fmt.Errorf("sqlitestore: scanning dependency: %w", err)
	}
	dep.Type = element.DependencyType(depType)
	if meta != "" && meta != "{}" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &dep.Metadata); err != nil {
			return element.Dependency{}, fmt.Errorf("sqlitestore: decoding dependency metadata: %w", err)
		}
	}
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return element.Dependency{}, fmt.Errorf("sqlitestore: parsing dependency timestamp: %w", err)
	}
	dep.CreatedAt = parsed
	return dep, nil
}

func decodeElement(data string) (element.Element, error) {
	var el element.Element
	if err := json.Unmarshal([]byte(data), &el); err != nil {
		return element.Element{}, fmt.Errorf("sqlitestore: decoding element: %w", err)
	}
	return el, nil
}

func encodeMetadata(meta element.Metadata) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("sqlitestore: encoding metadata: %w", err)
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
