// Package sqlite provides a relational persistent store backed by an embedded
// SQLite database. A single connection serializes transactions, which gives
// the same isolation the row locks of the postgres store provide.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"stockroom/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Transaction     = (*transaction)(nil)
)

const driverName = "sqlite"

const timeLayout = time.RFC3339Nano

var sqlOpen = sql.Open

// OverrideSQLOpen swaps the sql.Open implementation, returning a restore func.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	prev := sqlOpen
	sqlOpen = fn
	return func() { sqlOpen = prev }
}

// Store persists identities, tags and history in SQLite tables.
type Store struct {
	db     *sql.DB
	engine *domain.RulesEngine
}

// Open creates or opens the database at path and applies the schema. An empty
// path or ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, engine *domain.RulesEngine) (*Store, error) {
	db, err := sqlOpen(driverName, dsnFor(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return &Store{db: db, engine: engine}, nil
}

func dsnFor(path string) string {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)", "_txlock=immediate"}
	if path == "" || path == ":memory:" {
		return ":memory:?" + strings.Join(pragmas, "&")
	}
	pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(pragmas, "&")
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction executes fn inside a write transaction and commits when fn
// and the rules engine both succeed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Result{}, mapError(fmt.Errorf("begin: %w", err))
	}
	tx := &transaction{ctx: ctx, q: sqlTx, writable: true}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return domain.Result{}, mapError(err)
	}
	res, err := s.engine.Check(ctx, tx, tx.changes)
	if err != nil {
		_ = sqlTx.Rollback()
		return res, err
	}
	if err := sqlTx.Commit(); err != nil {
		return domain.Result{}, mapError(fmt.Errorf("commit: %w", err))
	}
	return res, nil
}

// View runs fn inside a transaction that is always rolled back, so multi-step
// reads such as chain walks see one consistent state.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("begin view: %w", err))
	}
	defer func() { _ = sqlTx.Rollback() }()
	return mapError(fn(&transaction{ctx: ctx, q: sqlTx}))
}

// mapError turns SQLite contention codes into domain conflicts.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return domain.Conflict(err)
		}
	}
	return err
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type transaction struct {
	ctx      context.Context
	q        queryer
	writable bool
	changes  []domain.Change
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) requireWritable() error {
	if !tx.writable {
		return fmt.Errorf("sqlite: write attempted in read-only view")
	}
	return nil
}

const identityColumns = `id, code, category, parent_id, state, retired_reason, retired_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (domain.Identity, error) {
	var (
		ident              domain.Identity
		category, state    string
		reason             string
		parent, retiredAt  sql.NullString
		createdAt, updated string
	)
	if err := row.Scan(&ident.ID, &ident.Code, &category, &parent, &state, &reason, &retiredAt, &createdAt, &updated); err != nil {
		return domain.Identity{}, err
	}
	ident.Category = domain.Category(category)
	if parent.Valid {
		ident.Parent = domain.ParentOf(parent.String)
	}
	ident.Status = domain.Status{State: domain.State(state), Reason: reason}
	var err error
	if retiredAt.Valid {
		at, perr := time.Parse(timeLayout, retiredAt.String)
		if perr != nil {
			return domain.Identity{}, fmt.Errorf("parse retired_at of %s: %w", ident.ID, perr)
		}
		ident.Status.RetiredAt = &at
	}
	if ident.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return domain.Identity{}, fmt.Errorf("parse created_at of %s: %w", ident.ID, err)
	}
	if ident.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return domain.Identity{}, fmt.Errorf("parse updated_at of %s: %w", ident.ID, err)
	}
	return ident, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Errorf(domain.ErrNotFound, format, args...)
	}
	return err
}

func (tx *transaction) FindIdentity(id string) (domain.Identity, error) {
	row := tx.q.QueryRowContext(tx.ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	ident, err := scanIdentity(row)
	if err != nil {
		return domain.Identity{}, notFound(err, "identity %s not found", id)
	}
	return ident, nil
}

func (tx *transaction) FindIdentityByCode(code string) (domain.Identity, error) {
	row := tx.q.QueryRowContext(tx.ctx, `SELECT `+identityColumns+` FROM identities WHERE code = ?`, code)
	ident, err := scanIdentity(row)
	if err != nil {
		return domain.Identity{}, notFound(err, "no identity with code %q", code)
	}
	return ident, nil
}

func (tx *transaction) FindTag(identityID string, category domain.Category) (domain.Tag, error) {
	var (
		tag domain.Tag
		err error
	)
	switch category {
	case domain.CategoryLocation:
		var t domain.LocationTag
		err = tx.q.QueryRowContext(tx.ctx, `SELECT name, description FROM location_tags WHERE identity_id = ?`, identityID).
			Scan(&t.Name, &t.Description)
		tag = t
	case domain.CategoryBox:
		var t domain.BoxTag
		err = tx.q.QueryRowContext(tx.ctx, `SELECT name, description FROM box_tags WHERE identity_id = ?`, identityID).
			Scan(&t.Name, &t.Description)
		tag = t
	case domain.CategoryEquipment:
		var (
			t          domain.EquipmentTag
			commission sql.NullString
		)
		err = tx.q.QueryRowContext(tx.ctx, `SELECT name, description, serial_number, part_id, commissioned_at FROM equipment_tags WHERE identity_id = ?`, identityID).
			Scan(&t.Name, &t.Description, &t.SerialNumber, &t.PartID, &commission)
		if err == nil && commission.Valid {
			at, perr := time.Parse(timeLayout, commission.String)
			if perr != nil {
				return nil, fmt.Errorf("parse commissioned_at of %s: %w", identityID, perr)
			}
			t.CommissionedAt = &at
		}
		tag = t
	case domain.CategoryTrace:
		var t domain.TraceTag
		err = tx.q.QueryRowContext(tx.ctx, `SELECT part_id, quantity, unit_of_measure, serial_number, lot_number FROM trace_tags WHERE identity_id = ?`, identityID).
			Scan(&t.PartID, &t.Quantity, &t.UnitOfMeasure, &t.SerialNumber, &t.LotNumber)
		tag = t
	default:
		return nil, domain.Errorf(domain.ErrInvalidCategory, "unknown category %q", category)
	}
	if err != nil {
		return nil, notFound(err, "%s tag for %s not found", category, identityID)
	}
	return tag, nil
}

func (tx *transaction) ListChildren(parent domain.ParentRef) ([]domain.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE state = 'active' AND parent_id IS NULL ORDER BY code`
	var args []any
	if id, ok := parent.ID(); ok {
		query = `SELECT ` + identityColumns + ` FROM identities WHERE state = 'active' AND parent_id = ? ORDER BY code`
		args = append(args, id)
	}
	rows, err := tx.q.QueryContext(tx.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parent, err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

func (tx *transaction) ListHistory(q domain.HistoryQuery) ([]domain.HistoryEntry, error) {
	q = q.Normalize()
	var (
		where []string
		args  []any
	)
	if q.IdentityID != "" {
		where = append(where, "identity_id = ?")
		args = append(args, q.IdentityID)
	}
	if q.Before > 0 {
		where = append(where, "seq < ?")
		args = append(args, q.Before)
	}
	query := `SELECT seq, identity_id, actor_id, action, from_parent_id, to_parent_id, quantity_delta, related_id, note, recorded_at FROM history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := tx.q.QueryContext(tx.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]domain.HistoryEntry, 0, q.Limit)
	for rows.Next() {
		var (
			e          domain.HistoryEntry
			action     string
			from, to   sql.NullString
			delta      decimal.NullDecimal
			recordedAt string
		)
		if err := rows.Scan(&e.Seq, &e.IdentityID, &e.ActorID, &action, &from, &to, &delta, &e.RelatedID, &e.Note, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Action = domain.HistoryAction(action)
		if from.Valid {
			e.FromParent = domain.ParentOf(from.String)
		}
		if to.Valid {
			e.ToParent = domain.ParentOf(to.String)
		}
		if delta.Valid {
			e.QuantityDelta = domain.Delta(delta.Decimal)
		}
		if e.Timestamp, err = time.Parse(timeLayout, recordedAt); err != nil {
			return nil, fmt.Errorf("parse history timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (tx *transaction) NextCodeSuffix() (int64, error) {
	if err := tx.requireWritable(); err != nil {
		return 0, err
	}
	var next int64
	err := tx.q.QueryRowContext(tx.ctx, `UPDATE code_sequence SET value = value + 1 WHERE name = 'identity' RETURNING value`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("advance code sequence: %w", err)
	}
	return next, nil
}

// LockIdentity loads the row. The connection is already held exclusively.
func (tx *transaction) LockIdentity(id string, _ domain.LockMode) (domain.Identity, error) {
	return tx.FindIdentity(id)
}

func (tx *transaction) LockTag(identityID string, category domain.Category) (domain.Tag, error) {
	return tx.FindTag(identityID, category)
}

func (tx *transaction) CreateIdentity(identity domain.Identity, tag domain.Tag) (domain.Identity, error) {
	if err := tx.requireWritable(); err != nil {
		return domain.Identity{}, err
	}
	if err := domain.ValidateTag(identity.Category, tag); err != nil {
		return domain.Identity{}, err
	}
	_, err := tx.q.ExecContext(tx.ctx,
		`INSERT INTO identities (`+identityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		identity.ID, identity.Code, string(identity.Category), nullableString(identity.Parent.Nullable()),
		string(identity.Status.State), identity.Status.Reason, nullableTime(identity.Status.RetiredAt),
		formatTime(identity.CreatedAt), formatTime(identity.UpdatedAt))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("insert identity %s: %w", identity.Code, err)
	}
	if err := tx.writeTag(identity.ID, tag, false); err != nil {
		return domain.Identity{}, err
	}
	tx.recordChange(domain.Change{Entity: domain.EntityIdentity, Action: domain.ActionCreate, IdentityID: identity.ID, After: identity})
	tx.recordChange(domain.Change{Entity: domain.EntityTag, Action: domain.ActionCreate, IdentityID: identity.ID, After: tag})
	return identity, nil
}

func (tx *transaction) writeTag(identityID string, tag domain.Tag, replace bool) error {
	var (
		table string
		cols  []string
		vals  []any
	)
	switch t := tag.(type) {
	case domain.LocationTag:
		table, cols, vals = "location_tags", []string{"name", "description"}, []any{t.Name, t.Description}
	case domain.BoxTag:
		table, cols, vals = "box_tags", []string{"name", "description"}, []any{t.Name, t.Description}
	case domain.EquipmentTag:
		table = "equipment_tags"
		cols = []string{"name", "description", "serial_number", "part_id", "commissioned_at"}
		vals = []any{t.Name, t.Description, t.SerialNumber, t.PartID, nullableTime(t.CommissionedAt)}
	case domain.TraceTag:
		table = "trace_tags"
		cols = []string{"part_id", "quantity", "unit_of_measure", "serial_number", "lot_number"}
		vals = []any{t.PartID, t.Quantity.String(), t.UnitOfMeasure, t.SerialNumber, t.LotNumber}
	default:
		return fmt.Errorf("sqlite: unsupported tag type %T", tag)
	}
	var stmt string
	if replace {
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = c + " = ?"
		}
		stmt = fmt.Sprintf("UPDATE %s SET %s WHERE identity_id = ?", table, strings.Join(sets, ", "))
		vals = append(vals, identityID)
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)+1), ", ")
		stmt = fmt.Sprintf("INSERT INTO %s (identity_id, %s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
		vals = append([]any{identityID}, vals...)
	}
	if _, err := tx.q.ExecContext(tx.ctx, stmt, vals...); err != nil {
		return fmt.Errorf("write %s row for %s: %w", table, identityID, err)
	}
	return nil
}

func (tx *transaction) UpdateIdentity(id string, mutator func(*domain.Identity) error) (domain.Identity, error) {
	if err := tx.requireWritable(); err != nil {
		return domain.Identity{}, err
	}
	current, err := tx.FindIdentity(id)
	if err != nil {
		return domain.Identity{}, err
	}
	updated := domain.CloneIdentity(current)
	if err := mutator(&updated); err != nil {
		return domain.Identity{}, err
	}
	if updated.ID != current.ID || updated.Code != current.Code || updated.Category != current.Category {
		return domain.Identity{}, fmt.Errorf("sqlite: id, code and category of %s are immutable", id)
	}
	_, err = tx.q.ExecContext(tx.ctx,
		`UPDATE identities SET parent_id = ?, state = ?, retired_reason = ?, retired_at = ?, updated_at = ? WHERE id = ?`,
		nullableString(updated.Parent.Nullable()), string(updated.Status.State), updated.Status.Reason,
		nullableTime(updated.Status.RetiredAt), formatTime(updated.UpdatedAt), id)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("update identity %s: %w", id, err)
	}
	tx.recordChange(domain.Change{Entity: domain.EntityIdentity, Action: domain.ActionUpdate, IdentityID: id, Before: current, After: updated})
	return updated, nil
}

func (tx *transaction) UpdateTag(identityID string, category domain.Category, mutator func(domain.Tag) (domain.Tag, error)) (domain.Tag, error) {
	if err := tx.requireWritable(); err != nil {
		return nil, err
	}
	current, err := tx.FindTag(identityID, category)
	if err != nil {
		return nil, err
	}
	updated, err := mutator(domain.CloneTag(current))
	if err != nil {
		return nil, err
	}
	if updated == nil || updated.Category() != category {
		return nil, fmt.Errorf("sqlite: tag for %s must stay a %s tag", identityID, category)
	}
	if err := tx.writeTag(identityID, updated, true); err != nil {
		return nil, err
	}
	tx.recordChange(domain.Change{Entity: domain.EntityTag, Action: domain.ActionUpdate, IdentityID: identityID, Before: current, After: updated})
	return updated, nil
}

func (tx *transaction) AppendHistory(entry domain.HistoryEntry) (domain.HistoryEntry, error) {
	if err := tx.requireWritable(); err != nil {
		return domain.HistoryEntry{}, err
	}
	var delta any
	if entry.QuantityDelta != nil {
		delta = entry.QuantityDelta.String()
	}
	err := tx.q.QueryRowContext(tx.ctx,
		`INSERT INTO history (identity_id, actor_id, action, from_parent_id, to_parent_id, quantity_delta, related_id, note, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`,
		entry.IdentityID, entry.ActorID, string(entry.Action), nullableString(entry.FromParent.Nullable()),
		nullableString(entry.ToParent.Nullable()), delta, entry.RelatedID, entry.Note, formatTime(entry.Timestamp)).
		Scan(&entry.Seq)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("append history for %s: %w", entry.IdentityID, err)
	}
	tx.recordChange(domain.Change{Entity: domain.EntityHistory, Action: domain.ActionCreate, IdentityID: entry.IdentityID, After: entry})
	return entry, nil
}
