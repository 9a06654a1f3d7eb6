package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/asakaida/habilis/internal/repositories"
	"github.com/lib/pq"
)

// MembershipChannel is the NOTIFY channel announcing changed owners.
// Payload format: kind:owner_id
const MembershipChannel = "membership_changed"

// uniqueViolation is the SQLSTATE raised on a duplicate primary key
const uniqueViolation = pq.ErrorCode("23505")

// lockOwnerQuery takes a transaction-scoped advisory lock keyed by kind and owner
const lockOwnerQuery = `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`

// PostgresAssociationRepository implements AssociationRepository using PostgreSQL
type PostgresAssociationRepository struct {
	db      *sql.DB
	kind    entities.AssociationKind
	channel string

	listQuery   string
	getQuery    string
	insertQuery string
	touchQuery  string
	deleteQuery string
}

// Option configures a PostgresAssociationRepository
type Option func(*PostgresAssociationRepository)

// WithNotifyChannel overrides the NOTIFY channel; an empty channel disables notifications
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresAssociationRepository) {
		r.channel = channel
	}
}

// NewPostgresAssociationRepository creates a repository for one join table
func NewPostgresAssociationRepository(db *sql.DB, kind entities.AssociationKind, opts ...Option) (*PostgresAssociationRepository, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	t := kind.Table()
	table := pq.QuoteIdentifier(t.Name)
	owner := pq.QuoteIdentifier(t.OwnerColumn)
	target := pq.QuoteIdentifier(t.TargetColumn)

	r := &PostgresAssociationRepository{
		db:      db,
		kind:    kind,
		channel: MembershipChannel,
		listQuery: fmt.Sprintf(`
		SELECT %[2]s FROM %[1]s
		WHERE %[3]s = $1
		ORDER BY %[2]s
	`, table, target, owner),
		getQuery: fmt.Sprintf(`
		SELECT %[2]s, %[3]s, created_at, updated_at FROM %[1]s
		WHERE %[2]s = $1 AND %[3]s = $2
	`, table, owner, target),
		insertQuery: fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, %[3]s, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (%[2]s, %[3]s) DO NOTHING
	`, table, owner, target),
		touchQuery: fmt.Sprintf(`
		UPDATE %[1]s SET updated_at = $3
		WHERE %[2]s = $1 AND %[3]s = $2
	`, table, owner, target),
		deleteQuery: fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE %[2]s = $1 AND %[3]s = $2
	`, table, owner, target),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Kind returns the join table served by this repository
func (r *PostgresAssociationRepository) Kind() entities.AssociationKind {
	return r.kind
}

// Begin starts a database transaction for one reconciliation
func (r *PostgresAssociationRepository) Begin(ctx context.Context) (repositories.AssociationTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &associationTx{repo: r, tx: tx, ctx: ctx}, nil
}

// ListTargetIDs retrieves the current targets of an owner
func (r *PostgresAssociationRepository) ListTargetIDs(ctx context.Context, ownerID string) ([]string, error) {
	return listTargetIDs(ctx, r.db, r.listQuery, ownerID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listTargetIDs(ctx context.Context, q queryer, query, ownerID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}

// associationTx wraps *sql.Tx. Storage errors are returned unwrapped so callers
// can inspect driver errors; only the two race sentinels are synthesized here.
type associationTx struct {
	repo  *PostgresAssociationRepository
	tx    *sql.Tx
	ctx   context.Context
	dirty map[string]struct{}
}

func (t *associationTx) markDirty(ownerID string) {
	if t.dirty == nil {
		t.dirty = make(map[string]struct{})
	}
	t.dirty[ownerID] = struct{}{}
}

// LockOwner blocks until no other transaction holds the owner's lock. The
// lock is released at commit or rollback, so two reconciliations of the same
// owner never interleave their row locks.
func (t *associationTx) LockOwner(ctx context.Context, ownerID string) error {
	_, err := t.tx.ExecContext(ctx, lockOwnerQuery, string(t.repo.kind), ownerID)
	return err
}

func (t *associationTx) ListTargetIDs(ctx context.Context, ownerID string) ([]string, error) {
	return listTargetIDs(ctx, t.tx, t.repo.listQuery, ownerID)
}

func (t *associationTx) Get(ctx context.Context, ownerID, targetID string) (*entities.Association, error) {
	a := entities.Association{Kind: t.repo.kind}
	err := t.tx.QueryRowContext(ctx, t.repo.getQuery, ownerID, targetID).
		Scan(&a.OwnerID, &a.TargetID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, repositories.ErrAssociationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *associationTx) Insert(ctx context.Context, ownerID, targetID string, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.repo.insertQuery, ownerID, targetID, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return repositories.ErrAssociationExists
		}
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// ON CONFLICT DO NOTHING swallowed a concurrent insert of the same pair
		return repositories.ErrAssociationExists
	}

	t.markDirty(ownerID)
	return nil
}

func (t *associationTx) Touch(ctx context.Context, ownerID, targetID string, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.repo.touchQuery, ownerID, targetID, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repositories.ErrAssociationNotFound
	}
	return nil
}

func (t *associationTx) Delete(ctx context.Context, ownerID, targetID string) error {
	res, err := t.tx.ExecContext(ctx, t.repo.deleteQuery, ownerID, targetID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repositories.ErrAssociationNotFound
	}

	t.markDirty(ownerID)
	return nil
}

// Commit announces changed owners and commits. NOTIFY is transactional in
// PostgreSQL, so listeners only hear about committed changes.
func (t *associationTx) Commit() error {
	if t.repo.channel != "" {
		for ownerID := range t.dirty {
			payload := fmt.Sprintf("%s:%s", t.repo.kind, ownerID)
			if _, err := t.tx.ExecContext(t.ctx, `SELECT pg_notify($1, $2)`, t.repo.channel, payload); err != nil {
				return err
			}
		}
	}
	return t.tx.Commit()
}

func (t *associationTx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}
