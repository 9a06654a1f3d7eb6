package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/asakaida/habilis/internal/repositories"
	"github.com/asakaida/habilis/pkg/cache"
)

// MembershipServiceInterface defines the membership operations used by handlers
type MembershipServiceInterface interface {
	Sync(ctx context.Context, kind entities.AssociationKind, ownerID string, targetIDs []string) (*entities.ReconcileResult, error)
	SyncMany(ctx context.Context, kind entities.AssociationKind, batch []OwnerTargets) ([]*entities.ReconcileResult, error)
	ListTargets(ctx context.Context, kind entities.AssociationKind, ownerID string) ([]string, error)
	EffectiveHabilitations(ctx context.Context, userID string) ([]string, error)
	HasHabilitation(ctx context.Context, userID, habilitationID string) (bool, error)
}

// OwnerTargets is one entry of a bulk sync request
type OwnerTargets struct {
	OwnerID   string   `json:"ownerId"`
	TargetIDs []string `json:"targetIds"`
}

// ReconcileRecorder receives the outcome of every reconcile call
type ReconcileRecorder interface {
	RecordReconcile(kind entities.AssociationKind, result *entities.ReconcileResult, err error)
}

// MembershipService reconciles and reads the three habilitation join tables
type MembershipService struct {
	reconcilers map[entities.AssociationKind]*Reconciler
	repos       map[entities.AssociationKind]repositories.AssociationRepository
	cache       cache.Cache[[]string]
	cacheTTL    time.Duration
	recorder    ReconcileRecorder

	// cacheMu orders cache fills against invalidations. version grows on
	// every invalidation; a read only fills the cache if version did not
	// move while it was reading the store.
	cacheMu sync.Mutex
	version uint64
}

// MembershipOption configures a MembershipService
type MembershipOption func(*MembershipService)

// WithCache serves membership reads from c; entries live for ttl
func WithCache(c cache.Cache[[]string], ttl time.Duration) MembershipOption {
	return func(s *MembershipService) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithRecorder reports every reconcile outcome to r
func WithRecorder(r ReconcileRecorder) MembershipOption {
	return func(s *MembershipService) {
		s.recorder = r
	}
}

// NewMembershipService creates a MembershipService. One repository per
// association kind is required.
func NewMembershipService(repos []repositories.AssociationRepository, reconcilerOpts []ReconcilerOption, opts ...MembershipOption) (*MembershipService, error) {
	s := &MembershipService{
		reconcilers: make(map[entities.AssociationKind]*Reconciler, len(repos)),
		repos:       make(map[entities.AssociationKind]repositories.AssociationRepository, len(repos)),
	}

	for _, repo := range repos {
		kind := repo.Kind()
		if _, dup := s.repos[kind]; dup {
			return nil, fmt.Errorf("duplicate repository for %s", kind)
		}
		s.repos[kind] = repo
		s.reconcilers[kind] = NewReconciler(repo, reconcilerOpts...)
	}
	for _, kind := range entities.Kinds {
		if _, ok := s.repos[kind]; !ok {
			return nil, fmt.Errorf("missing repository for %s", kind)
		}
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// SyncRoleHabilitations replaces the habilitations of a role
func (s *MembershipService) SyncRoleHabilitations(ctx context.Context, roleID string, habilitationIDs []string) (*entities.ReconcileResult, error) {
	return s.Sync(ctx, entities.KindRoleHabilitation, roleID, habilitationIDs)
}

// SyncUserHabilitations replaces the direct habilitations of a user
func (s *MembershipService) SyncUserHabilitations(ctx context.Context, userID string, habilitationIDs []string) (*entities.ReconcileResult, error) {
	return s.Sync(ctx, entities.KindUserHabilitation, userID, habilitationIDs)
}

// SyncUserRoles replaces the roles of a user
func (s *MembershipService) SyncUserRoles(ctx context.Context, userID string, roleIDs []string) (*entities.ReconcileResult, error) {
	return s.Sync(ctx, entities.KindUserRole, userID, roleIDs)
}

// Sync reconciles one owner of the given kind
func (s *MembershipService) Sync(ctx context.Context, kind entities.AssociationKind, ownerID string, targetIDs []string) (*entities.ReconcileResult, error) {
	reconciler, err := s.reconciler(kind)
	if err != nil {
		return nil, err
	}

	result, err := reconciler.Reconcile(ctx, ownerID, targetIDs)
	if s.recorder != nil {
		s.recorder.RecordReconcile(kind, result, err)
	}

	// Evicted on failure too.
	s.Invalidate(ctx, kind, strings.TrimSpace(ownerID))

	if err != nil {
		return nil, err
	}

	if result.Changed() || result.RaceOutcomes() > 0 {
		log.Printf("synced %s (races absorbed: %d)", result, result.RaceOutcomes())
	}
	return result, nil
}

// SyncMany reconciles several owners in sequence. Every entry is validated
// before the first write; on a storage failure the results gathered so far
// are returned along with the error.
func (s *MembershipService) SyncMany(ctx context.Context, kind entities.AssociationKind, batch []OwnerTargets) ([]*entities.ReconcileResult, error) {
	if _, err := s.reconciler(kind); err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, invalidArgument("owners", "collection is required")
	}
	for i, entry := range batch {
		if strings.TrimSpace(entry.OwnerID) == "" {
			return nil, invalidArgument(fmt.Sprintf("owners[%d].ownerId", i), "must not be empty")
		}
		if entry.TargetIDs == nil {
			return nil, invalidArgument(fmt.Sprintf("owners[%d].targetIds", i), "collection is required")
		}
	}

	results := make([]*entities.ReconcileResult, 0, len(batch))
	for _, entry := range batch {
		result, err := s.Sync(ctx, kind, entry.OwnerID, entry.TargetIDs)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// ListTargets returns the current targets of an owner
func (s *MembershipService) ListTargets(ctx context.Context, kind entities.AssociationKind, ownerID string) ([]string, error) {
	repo, ok := s.repos[kind]
	if !ok {
		return nil, invalidArgument("kind", fmt.Sprintf("unknown association kind %q", kind))
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, invalidArgument("ownerId", "must not be empty")
	}

	key := cacheKey(kind, ownerID)
	if s.cache == nil {
		return repo.ListTargetIDs(ctx, ownerID)
	}

	if ids, found := s.cache.Get(ctx, key); found {
		return append([]string{}, ids...), nil
	}

	version := s.cacheVersion()
	ids, err := repo.ListTargetIDs(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, ids, version)
	return ids, nil
}

func (s *MembershipService) cacheVersion() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.version
}

// fill caches ids unless an invalidation happened after version was taken
func (s *MembershipService) fill(ctx context.Context, key string, ids []string, version uint64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if s.version != version {
		return
	}
	if err := s.cache.Set(ctx, key, append([]string{}, ids...), s.cacheTTL); err != nil {
		log.Printf("failed to cache membership %s: %v", key, err)
	}
}

// EffectiveHabilitations returns the direct habilitations of a user plus
// the habilitations granted through each of the user's roles.
func (s *MembershipService) EffectiveHabilitations(ctx context.Context, userID string) ([]string, error) {
	direct, err := s.ListTargets(ctx, entities.KindUserHabilitation, userID)
	if err != nil {
		return nil, err
	}
	roles, err := s.ListTargets(ctx, entities.KindUserRole, userID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(direct))
	for _, id := range direct {
		set[id] = struct{}{}
	}
	for _, roleID := range roles {
		granted, err := s.ListTargets(ctx, entities.KindRoleHabilitation, roleID)
		if err != nil {
			return nil, err
		}
		for _, id := range granted {
			set[id] = struct{}{}
		}
	}

	effective := make([]string, 0, len(set))
	for id := range set {
		effective = append(effective, id)
	}
	sort.Strings(effective)
	return effective, nil
}

// HasHabilitation reports whether the user holds the habilitation directly or through a role
func (s *MembershipService) HasHabilitation(ctx context.Context, userID, habilitationID string) (bool, error) {
	habilitationID = strings.TrimSpace(habilitationID)
	if habilitationID == "" {
		return false, invalidArgument("habilitationId", "must not be empty")
	}

	effective, err := s.EffectiveHabilitations(ctx, userID)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(effective, habilitationID)
	return i < len(effective) && effective[i] == habilitationID, nil
}

// Invalidate drops the cached membership of one owner
func (s *MembershipService) Invalidate(ctx context.Context, kind entities.AssociationKind, ownerID string) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.version++
	if err := s.cache.Delete(ctx, cacheKey(kind, ownerID)); err != nil {
		log.Printf("failed to invalidate membership %s: %v", cacheKey(kind, ownerID), err)
	}
}

// InvalidatePayload drops the cached membership named by a "kind:owner_id"
// notification payload. Malformed payloads clear the whole cache.
func (s *MembershipService) InvalidatePayload(ctx context.Context, payload string) {
	if s.cache == nil {
		return
	}
	kindPart, ownerID, ok := strings.Cut(payload, ":")
	kind, err := entities.ParseAssociationKind(kindPart)
	if !ok || err != nil || ownerID == "" {
		log.Printf("unexpected membership notification %q, clearing cache", payload)
		s.clear(ctx)
		return
	}
	s.Invalidate(ctx, kind, ownerID)
}

func (s *MembershipService) clear(ctx context.Context) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.version++
	if err := s.cache.Clear(ctx); err != nil {
		log.Printf("failed to clear membership cache: %v", err)
	}
}

func (s *MembershipService) reconciler(kind entities.AssociationKind) (*Reconciler, error) {
	r, ok := s.reconcilers[kind]
	if !ok {
		return nil, invalidArgument("kind", fmt.Sprintf("unknown association kind %q", kind))
	}
	return r, nil
}

func cacheKey(kind entities.AssociationKind, ownerID string) string {
	return fmt.Sprintf("%s:%s", kind, ownerID)
}
