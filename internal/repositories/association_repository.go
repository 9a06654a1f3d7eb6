package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/asakaida/habilis/internal/entities"
)

var (
	// ErrAssociationExists is returned by Insert when the (owner, target) pair is already stored
	ErrAssociationExists = errors.New("association already exists")

	// ErrAssociationNotFound is returned by Get, Touch and Delete when the pair is absent
	ErrAssociationNotFound = errors.New("association not found")
)

// AssociationRepository defines the interface for one join table
type AssociationRepository interface {
	// Kind returns the join table served by this repository
	Kind() entities.AssociationKind

	// Begin starts a unit of work for one reconciliation
	Begin(ctx context.Context) (AssociationTx, error)

	// ListTargetIDs returns the current targets of an owner, sorted
	ListTargetIDs(ctx context.Context, ownerID string) ([]string, error)
}

// AssociationTx is the write boundary used by the reconciler.
// Every call reads or writes the store directly; nothing is served from a snapshot.
type AssociationTx interface {
	// LockOwner serializes units of work on one owner until Commit or
	// Rollback. Stores whose single writes are already atomic and that hold
	// no locks across calls may treat it as a no-op.
	LockOwner(ctx context.Context, ownerID string) error

	// ListTargetIDs returns the current targets of an owner, sorted
	ListTargetIDs(ctx context.Context, ownerID string) ([]string, error)

	// Get retrieves one association by composite key
	Get(ctx context.Context, ownerID, targetID string) (*entities.Association, error)

	// Insert creates the row with createdAt = updatedAt = now
	Insert(ctx context.Context, ownerID, targetID string, now time.Time) error

	// Touch sets updatedAt = now on an existing row
	Touch(ctx context.Context, ownerID, targetID string, now time.Time) error

	// Delete removes one row by composite key
	Delete(ctx context.Context, ownerID, targetID string) error

	// Commit ends the unit of work, making its writes visible if they were not already
	Commit() error

	// Rollback ends the unit of work. Whether earlier writes are undone
	// depends on the store: PostgreSQL discards them, the memory store has
	// already applied them. It is a no-op after Commit.
	Rollback() error
}
