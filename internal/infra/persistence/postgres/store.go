// Package postgres provides the multi-process persistent store. Concurrent
// writers are serialized by row locks on the identities and tags they touch,
// and code suffixes come from a native sequence.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx5:// migration driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"stockroom/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Transaction     = (*transaction)(nil)
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres error codes treated as retryable contention.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// Options tunes the connection pool.
type Options struct {
	MaxConns        int32
	SkipMigrations  bool
	ConnMaxLifetime time.Duration
}

// Store is backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	engine *domain.RulesEngine
}

// Open connects to dsn, applies embedded migrations and returns the store.
func Open(ctx context.Context, dsn string, engine *domain.RulesEngine, opts Options) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	if !opts.SkipMigrations {
		if err := Migrate(dsn); err != nil {
			return nil, err
		}
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = opts.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, engine: engine}, nil
}

// Migrate applies every pending migration embedded in the binary.
func Migrate(dsn string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(dsn))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrationURL rewrites a libpq URL to the scheme golang-migrate registers for pgx v5.
func migrationURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// Pool exposes the underlying pool for readiness checks and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// RunInTransaction executes fn at READ COMMITTED. Callers take row locks
// through Transaction.LockIdentity and Transaction.LockTag.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Result{}, mapError(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	tx := &transaction{ctx: ctx, q: pgTx, writable: true}
	if err := fn(tx); err != nil {
		return domain.Result{}, mapError(err)
	}
	res, err := s.engine.Check(ctx, tx, tx.changes)
	if err != nil {
		return res, err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return domain.Result{}, mapError(fmt.Errorf("commit: %w", err))
	}
	return res, nil
}

// View runs fn in a read-only REPEATABLE READ transaction so every read sees
// the same snapshot.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return mapError(fmt.Errorf("begin view: %w", err))
	}
	defer func() { _ = pgTx.Rollback(ctx) }()
	return mapError(fn(&transaction{ctx: ctx, q: pgTx}))
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return domain.Conflict(err)
		}
	}
	return err
}

// dbtx is the subset of pgx.Tx used by the transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type transaction struct {
	ctx      context.Context
	q        dbtx
	writable bool
	changes  []domain.Change
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) requireWritable() error {
	if !tx.writable {
		return fmt.Errorf("postgres: write attempted in read-only view")
	}
	return nil
}

const identityColumns = `id::text, code, category, parent_id::text, state, retired_reason, retired_at, created_at, updated_at`

func scanIdentity(row pgx.Row) (domain.Identity, error) {
	var (
		ident           domain.Identity
		category, state string
		parent          *string
	)
	err := row.Scan(&ident.ID, &ident.Code, &category, &parent, &state, &ident.Status.Reason,
		&ident.Status.RetiredAt, &ident.CreatedAt, &ident.UpdatedAt)
	if err != nil {
		return domain.Identity{}, err
	}
	ident.Category = domain.Category(category)
	ident.Parent = domain.ParentFromNullable(parent)
	ident.Status.State = domain.State(state)
	return ident, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Errorf(domain.ErrNotFound, format, args...)
	}
	return err
}

func (tx *transaction) selectIdentity(id, suffix string) (domain.Identity, error) {
	if uuid.Validate(id) != nil {
		return domain.Identity{}, domain.Errorf(domain.ErrNotFound, "identity %s not found", id)
	}
	row := tx.q.QueryRow(tx.ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`+suffix, id)
	ident, err := scanIdentity(row)
	if err != nil {
		return domain.Identity{}, notFound(err, "identity %s not found", id)
	}
	return ident, nil
}

func (tx *transaction) FindIdentity(id string) (domain.Identity, error) {
	return tx.selectIdentity(id, "")
}

func (tx *transaction) FindIdentityByCode(code string) (domain.Identity, error) {
	row := tx.q.QueryRow(tx.ctx, `SELECT `+identityColumns+` FROM identities WHERE code = $1`, code)
	ident, err := scanIdentity(row)
	if err != nil {
		return domain.Identity{}, notFound(err, "no identity with code %q", code)
	}
	return ident, nil
}

func (tx *transaction) FindTag(identityID string, category domain.Category) (domain.Tag, error) {
	return tx.selectTag(identityID, category, "")
}

func (tx *transaction) selectTag(identityID string, category domain.Category, suffix string) (domain.Tag, error) {
	if uuid.Validate(identityID) != nil {
		return nil, domain.Errorf(domain.ErrNotFound, "%s tag for %s not found", category, identityID)
	}
	var (
		tag domain.Tag
		err error
	)
	switch category {
	case domain.CategoryLocation:
		var t domain.LocationTag
		err = tx.q.QueryRow(tx.ctx, `SELECT name, description FROM location_tags WHERE identity_id = $1`+suffix, identityID).
			Scan(&t.Name, &t.Description)
		tag = t
	case domain.CategoryBox:
		var t domain.BoxTag
		err = tx.q.QueryRow(tx.ctx, `SELECT name, description FROM box_tags WHERE identity_id = $1`+suffix, identityID).
			Scan(&t.Name, &t.Description)
		tag = t
	case domain.CategoryEquipment:
		var t domain.EquipmentTag
		err = tx.q.QueryRow(tx.ctx, `SELECT name, description, serial_number, part_id, commissioned_at FROM equipment_tags WHERE identity_id = $1`+suffix, identityID).
			Scan(&t.Name, &t.Description, &t.SerialNumber, &t.PartID, &t.CommissionedAt)
		tag = t
	case domain.CategoryTrace:
		var (
			t   domain.TraceTag
			qty string
		)
		err = tx.q.QueryRow(tx.ctx, `SELECT part_id, quantity::text, unit_of_measure, serial_number, lot_number FROM trace_tags WHERE identity_id = $1`+suffix, identityID).
			Scan(&t.PartID, &qty, &t.UnitOfMeasure, &t.SerialNumber, &t.LotNumber)
		if err == nil {
			if t.Quantity, err = decimal.NewFromString(qty); err != nil {
				return nil, fmt.Errorf("parse quantity of %s: %w", identityID, err)
			}
		}
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
		if uuid.Validate(id) != nil {
			return nil, nil
		}
		query = `SELECT ` + identityColumns + ` FROM identities WHERE state = 'active' AND parent_id = $1 ORDER BY code`
		args = append(args, id)
	}
	rows, err := tx.q.Query(tx.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parent, err)
	}
	defer rows.Close()
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
		if uuid.Validate(q.IdentityID) != nil {
			return nil, nil
		}
		args = append(args, q.IdentityID)
		where = append(where, fmt.Sprintf("identity_id = $%d", len(args)))
	}
	if q.Before > 0 {
		args = append(args, q.Before)
		where = append(where, fmt.Sprintf("seq < $%d", len(args)))
	}
	query := `SELECT seq, identity_id::text, actor_id, action, from_parent_id::text, to_parent_id::text, quantity_delta::text, related_id, note, recorded_at FROM history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	rows, err := tx.q.Query(tx.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	out := make([]domain.HistoryEntry, 0, q.Limit)
	for rows.Next() {
		var (
			e        domain.HistoryEntry
			action   string
			from, to *string
			delta    *string
		)
		if err := rows.Scan(&e.Seq, &e.IdentityID, &e.ActorID, &action, &from, &to, &delta, &e.RelatedID, &e.Note, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Action = domain.HistoryAction(action)
		e.FromParent = domain.ParentFromNullable(from)
		e.ToParent = domain.ParentFromNullable(to)
		if delta != nil {
			d, err := decimal.NewFromString(*delta)
			if err != nil {
				return nil, fmt.Errorf("parse quantity delta: %w", err)
			}
			e.QuantityDelta = &d
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
	if err := tx.q.QueryRow(tx.ctx, `SELECT nextval('identity_code_seq')`).Scan(&next); err != nil {
		return 0, fmt.Errorf("advance code sequence: %w", err)
	}
	return next, nil
}

func (tx *transaction) LockIdentity(id string, mode domain.LockMode) (domain.Identity, error) {
	switch mode {
	case domain.LockShared:
		return tx.selectIdentity(id, " FOR SHARE")
	case domain.LockExclusive:
		return tx.selectIdentity(id, " FOR UPDATE")
	default:
		return domain.Identity{}, fmt.Errorf("postgres: unknown lock mode %d", mode)
	}
}

func (tx *transaction) LockTag(identityID string, category domain.Category) (domain.Tag, error) {
	return tx.selectTag(identityID, category, " FOR UPDATE")
}

func (tx *transaction) CreateIdentity(identity domain.Identity, tag domain.Tag) (domain.Identity, error) {
	if err := tx.requireWritable(); err != nil {
		return domain.Identity{}, err
	}
	if err := domain.ValidateTag(identity.Category, tag); err != nil {
		return domain.Identity{}, err
	}
	_, err := tx.q.Exec(tx.ctx,
		`INSERT INTO identities (id, code, category, parent_id, state, retired_reason, retired_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		identity.ID, identity.Code, string(identity.Category), identity.Parent.Nullable(),
		string(identity.Status.State), identity.Status.Reason, identity.Status.RetiredAt,
		identity.CreatedAt, identity.UpdatedAt)
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
		vals = []any{t.Name, t.Description, t.SerialNumber, t.PartID, t.CommissionedAt}
	case domain.TraceTag:
		table = "trace_tags"
		cols = []string{"part_id", "quantity", "unit_of_measure", "serial_number", "lot_number"}
		vals = []any{t.PartID, t.Quantity.String(), t.UnitOfMeasure, t.SerialNumber, t.LotNumber}
	default:
		return fmt.Errorf("postgres: unsupported tag type %T", tag)
	}
	placeholder := func(i int, col string) string {
		if col == "quantity" {
			return fmt.Sprintf("$%d::numeric", i)
		}
		return fmt.Sprintf("$%d", i)
	}
	var stmt string
	if replace {
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = c + " = " + placeholder(i+1, c)
		}
		stmt = fmt.Sprintf("UPDATE %s SET %s WHERE identity_id = $%d", table, strings.Join(sets, ", "), len(cols)+1)
		vals = append(vals, identityID)
	} else {
		holders := []string{"$1"}
		for i, c := range cols {
			holders = append(holders, placeholder(i+2, c))
		}
		stmt = fmt.Sprintf("INSERT INTO %s (identity_id, %s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(holders, ", "))
		vals = append([]any{identityID}, vals...)
	}
	if _, err := tx.q.Exec(tx.ctx, stmt, vals...); err != nil {
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
		return domain.Identity{}, fmt.Errorf("postgres: id, code and category of %s are immutable", id)
	}
	_, err = tx.q.Exec(tx.ctx,
		`UPDATE identities SET parent_id = $1, state = $2, retired_reason = $3, retired_at = $4, updated_at = $5 WHERE id = $6`,
		updated.Parent.Nullable(), string(updated.Status.State), updated.Status.Reason,
		updated.Status.RetiredAt, updated.UpdatedAt, id)
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
		return nil, fmt.Errorf("postgres: tag for %s must stay a %s tag", identityID, category)
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
	var delta *string
	if entry.QuantityDelta != nil {
		s := entry.QuantityDelta.String()
		delta = &s
	}
	err := tx.q.QueryRow(tx.ctx,
		`INSERT INTO history (identity_id, actor_id, action, from_parent_id, to_parent_id, quantity_delta, related_id, note, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9) RETURNING seq`,
		entry.IdentityID, entry.ActorID, string(entry.Action), entry.FromParent.Nullable(),
		entry.ToParent.Nullable(), delta, entry.RelatedID, entry.Note, entry.Timestamp).
		Scan(&entry.Seq)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("append history for %s: %w", entry.IdentityID, err)
	}
	tx.recordChange(domain.Change{Entity: domain.EntityHistory, Action: domain.ActionCreate, IdentityID: entry.IdentityID, After: entry})
	return entry, nil
}
