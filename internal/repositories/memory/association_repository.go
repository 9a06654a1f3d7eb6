// Package memory provides in-process association repositories.
// Writes are applied immediately; Commit and Rollback only close the unit of
// work, so a failed reconciliation can leave its earlier writes in place.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/asakaida/habilis/internal/repositories"
)

// AssociationRepository implements repositories.AssociationRepository with a map
type AssociationRepository struct {
	mu   sync.RWMutex
	kind entities.AssociationKind
	rows map[entities.AssociationKey]entities.Association
}

// NewAssociationRepository creates an empty in-memory repository for a kind
func NewAssociationRepository(kind entities.AssociationKind) *AssociationRepository {
	return &AssociationRepository{
		kind: kind,
		rows: make(map[entities.AssociationKey]entities.Association),
	}
}

// Kind returns the join table served by this repository
func (r *AssociationRepository) Kind() entities.AssociationKind {
	return r.kind
}

// Begin starts a unit of work
func (r *AssociationRepository) Begin(ctx context.Context) (repositories.AssociationTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &associationTx{repo: r}, nil
}

// ListTargetIDs returns the current targets of an owner
func (r *AssociationRepository) ListTargetIDs(ctx context.Context, ownerID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := []string{}
	for key := range r.rows {
		if key.OwnerID == ownerID {
			ids = append(ids, key.TargetID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Rows returns a copy of every stored row, sorted by owner then target.
// This is primarily used for testing.
func (r *AssociationRepository) Rows() []entities.Association {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := make([]entities.Association, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].OwnerID != rows[j].OwnerID {
			return rows[i].OwnerID < rows[j].OwnerID
		}
		return rows[i].TargetID < rows[j].TargetID
	})
	return rows
}

// Seed stores rows directly, bypassing the unit of work.
// This is primarily used for testing.
func (r *AssociationRepository) Seed(rows ...entities.Association) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range rows {
		row.Kind = r.kind
		r.rows[row.Key()] = row
	}
}

func (r *AssociationRepository) get(ownerID, targetID string) (*entities.Association, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.rows[entities.AssociationKey{OwnerID: ownerID, TargetID: targetID}]
	if !ok {
		return nil, repositories.ErrAssociationNotFound
	}
	return &row, nil
}

func (r *AssociationRepository) insert(ownerID, targetID string, now time.Time) error {
	row := entities.Association{
		Kind:      r.kind,
		OwnerID:   ownerID,
		TargetID:  targetID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := row.Validate(); err != nil {
		return fmt.Errorf("invalid association: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The map key plays the role of the unique constraint
	if _, exists := r.rows[row.Key()]; exists {
		return repositories.ErrAssociationExists
	}
	r.rows[row.Key()] = row
	return nil
}

func (r *AssociationRepository) touch(ownerID, targetID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entities.AssociationKey{OwnerID: ownerID, TargetID: targetID}
	row, ok := r.rows[key]
	if !ok {
		return repositories.ErrAssociationNotFound
	}
	row.UpdatedAt = now
	r.rows[key] = row
	return nil
}

func (r *AssociationRepository) delete(ownerID, targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entities.AssociationKey{OwnerID: ownerID, TargetID: targetID}
	if _, ok := r.rows[key]; !ok {
		return repositories.ErrAssociationNotFound
	}
	delete(r.rows, key)
	return nil
}

type associationTx struct {
	repo   *AssociationRepository
	mu     sync.Mutex
	closed bool
}

func (tx *associationTx) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return fmt.Errorf("transaction already closed")
	}
	return nil
}

// LockOwner only checks the unit of work is open. Each write is atomic under
// the repository mutex and no lock spans calls, so concurrent callers cannot
// deadlock; they race as the reconciler expects.
func (tx *associationTx) LockOwner(ctx context.Context, ownerID string) error {
	return tx.check(ctx)
}

func (tx *associationTx) ListTargetIDs(ctx context.Context, ownerID string) ([]string, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	return tx.repo.ListTargetIDs(ctx, ownerID)
}

func (tx *associationTx) Get(ctx context.Context, ownerID, targetID string) (*entities.Association, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	return tx.repo.get(ownerID, targetID)
}

func (tx *associationTx) Insert(ctx context.Context, ownerID, targetID string, now time.Time) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	return tx.repo.insert(ownerID, targetID, now)
}

func (tx *associationTx) Touch(ctx context.Context, ownerID, targetID string, now time.Time) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	return tx.repo.touch(ownerID, targetID, now)
}

func (tx *associationTx) Delete(ctx context.Context, ownerID, targetID string) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	return tx.repo.delete(ownerID, targetID)
}

func (tx *associationTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return fmt.Errorf("transaction already closed")
	}
	tx.closed = true
	return nil
}

func (tx *associationTx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.closed = true
	return nil
}
