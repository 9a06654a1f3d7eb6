package handlers

import (
	"context"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/asakaida/habilis/internal/services"
)

// Mock MembershipService
type mockMembershipService struct {
	syncFunc                   func(ctx context.Context, kind entities.AssociationKind, ownerID string, targetIDs []string) (*entities.ReconcileResult, error)
	syncManyFunc               func(ctx context.Context, kind entities.AssociationKind, batch []services.OwnerTargets) ([]*entities.ReconcileResult, error)
	listTargetsFunc            func(ctx context.Context, kind entities.AssociationKind, ownerID string) ([]string, error)
	effectiveHabilitationsFunc func(ctx context.Context, userID string) ([]string, error)
	hasHabilitationFunc        func(ctx context.Context, userID, habilitationID string) (bool, error)
}

func (m *mockMembershipService) Sync(ctx context.Context, kind entities.AssociationKind, ownerID string, targetIDs []string) (*entities.ReconcileResult, error) {
	if m.syncFunc != nil {
		return m.syncFunc(ctx, kind, ownerID, targetIDs)
	}
	return &entities.ReconcileResult{Kind: kind, OwnerID: ownerID, Added: []string{}, Kept: []string{}, Removed: []string{}}, nil
}

func (m *mockMembershipService) SyncMany(ctx context.Context, kind entities.AssociationKind, batch []services.OwnerTargets) ([]*entities.ReconcileResult, error) {
	if m.syncManyFunc != nil {
		return m.syncManyFunc(ctx, kind, batch)
	}
	return []*entities.ReconcileResult{}, nil
}

func (m *mockMembershipService) ListTargets(ctx context.Context, kind entities.AssociationKind, ownerID string) ([]string, error) {
	if m.listTargetsFunc != nil {
		return m.listTargetsFunc(ctx, kind, ownerID)
	}
	return []string{}, nil
}

func (m *mockMembershipService) EffectiveHabilitations(ctx context.Context, userID string) ([]string, error) {
	if m.effectiveHabilitationsFunc != nil {
		return m.effectiveHabilitationsFunc(ctx, userID)
	}
	return []string{}, nil
}

func (m *mockMembershipService) HasHabilitation(ctx context.Context, userID, habilitationID string) (bool, error) {
	if m.hasHabilitationFunc != nil {
		return m.hasHabilitationFunc(ctx, userID, habilitationID)
	}
	return false, nil
}

// Mock HealthChecker
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	return m.err
}
