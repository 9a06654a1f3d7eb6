package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/asakaida/habilis/internal/repositories"
)

// Reconciler makes the rows of one join table match a requested target set
type Reconciler struct {
	repo repositories.AssociationRepository
	now  func() time.Time
}

// ReconcilerOption configures a Reconciler
type ReconcilerOption func(*Reconciler)

// WithClock overrides the time source used for createdAt/updatedAt
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

// NewReconciler creates a Reconciler over one association repository
func NewReconciler(repo repositories.AssociationRepository, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		repo: repo,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kind returns the join table reconciled by r
func (r *Reconciler) Kind() entities.AssociationKind {
	return r.repo.Kind()
}

// Reconcile replaces the targets of ownerID with targetIDs.
//
// A nil targetIDs is rejected; an empty one removes every association of the
// owner. Blank entries are dropped and duplicates collapsed. Concurrent
// writers on the same pair are absorbed: an add that finds the row already
// present, a keep whose row vanished and a remove whose row is already gone
// are counted in the result, never returned as errors. Calls on the same
// owner are serialized through the store's owner lock when it has one. Any
// other storage error rolls back the unit of work and is returned as-is.
func (r *Reconciler) Reconcile(ctx context.Context, ownerID string, targetIDs []string) (*entities.ReconcileResult, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, invalidArgument("ownerId", "must not be empty")
	}
	if targetIDs == nil {
		return nil, invalidArgument("targetIds", "collection is required")
	}

	requested := entities.CleanTargetIDs(targetIDs)
	result := &entities.ReconcileResult{
		Kind:    r.repo.Kind(),
		OwnerID: ownerID,
		Added:   []string{},
		Kept:    []string{},
		Removed: []string{},
	}

	tx, err := r.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := tx.LockOwner(ctx, ownerID); err != nil {
		return nil, err
	}

	existing, err := tx.ListTargetIDs(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	toAdd, toKeep, toRemove := entities.SetDiff(requested, existing)
	now := r.now()

	for _, targetID := range toAdd {
		added, err := r.add(ctx, tx, ownerID, targetID, now)
		if err != nil {
			return nil, err
		}
		if added {
			result.Added = append(result.Added, targetID)
		} else {
			result.SkippedAdds++
		}
	}

	for _, targetID := range toKeep {
		kept, err := r.keep(ctx, tx, ownerID, targetID, now)
		if err != nil {
			return nil, err
		}
		if kept {
			result.Kept = append(result.Kept, targetID)
		} else {
			result.VanishedKeeps++
		}
	}

	for _, targetID := range toRemove {
		err := tx.Delete(ctx, ownerID, targetID)
		switch {
		case err == nil:
			result.Removed = append(result.Removed, targetID)
		case errors.Is(err, repositories.ErrAssociationNotFound):
			result.MissingRemoves++
		default:
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return result, nil
}

// add inserts the pair unless it is already stored. The row is looked up
// again right before the insert since a concurrent caller may have written it
// after the initial listing; the store's unique key catches the remaining window.
func (r *Reconciler) add(ctx context.Context, tx repositories.AssociationTx, ownerID, targetID string, now time.Time) (bool, error) {
	_, err := tx.Get(ctx, ownerID, targetID)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, repositories.ErrAssociationNotFound):
		return false, err
	}

	err = tx.Insert(ctx, ownerID, targetID, now)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repositories.ErrAssociationExists):
		return false, nil
	default:
		return false, err
	}
}

// keep refreshes updatedAt on a row confirmed by the request. A row deleted
// by a concurrent caller is skipped.
func (r *Reconciler) keep(ctx context.Context, tx repositories.AssociationTx, ownerID, targetID string, now time.Time) (bool, error) {
	_, err := tx.Get(ctx, ownerID, targetID)
	switch {
	case errors.Is(err, repositories.ErrAssociationNotFound):
		return false, nil
	case err != nil:
		return false, err
	}

	err = tx.Touch(ctx, ownerID, targetID, now)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repositories.ErrAssociationNotFound):
		return false, nil
	default:
		return false, err
	}
}
