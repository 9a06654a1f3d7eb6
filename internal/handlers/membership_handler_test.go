package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/asakaida/habilis/internal/infrastructure/metrics"
	"github.com/asakaida/habilis/internal/repositories"
	"github.com/asakaida/habilis/internal/repositories/memory"
	"github.com/asakaida/habilis/internal/services"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(service services.MembershipServiceInterface) *gin.Engine {
	return NewRouter(NewMembershipHandler(service), NewHealthHandler(nil), metrics.NewCollector(), nil)
}

func performRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestMembershipHandler_SyncRoutes(t *testing.T) {
	tests := []struct {
		path string
		kind entities.AssociationKind
	}{
		{"/api/roles/R1/habilitations", entities.KindRoleHabilitation},
		{"/api/users/R1/habilitations", entities.KindUserHabilitation},
		{"/api/users/R1/roles", entities.KindUserRole},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var gotKind entities.AssociationKind
			var gotOwner string
			var gotTargets []string
			mock := &mockMembershipService{
				syncFunc: func(ctx context.Context, kind entities.AssociationKind, ownerID string, targetIDs []string) (*entities.ReconcileResult, error) {
					gotKind, gotOwner, gotTargets = kind, ownerID, targetIDs
					return &entities.ReconcileResult{Kind: kind, OwnerID: ownerID, Added: []string{"X"}, Kept: []string{}, Removed: []string{}}, nil
				},
			}

			w := performRequest(newTestRouter(mock), http.MethodPut, tt.path, `{"targetIds":["X","Y"]}`)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			if gotKind != tt.kind || gotOwner != "R1" || !reflect.DeepEqual(gotTargets, []string{"X", "Y"}) {
				t.Errorf("unexpected call kind=%s owner=%s targets=%v", gotKind, gotOwner, gotTargets)
			}

			result := decode[entities.ReconcileResult](t, w)
			if result.Kind != tt.kind || !reflect.DeepEqual(result.Added, []string{"X"}) {
				t.Errorf("unexpected result %+v", result)
			}
		})
	}
}

func TestMembershipHandler_SyncErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		syncErr    error
		wantStatus int
	}{
		{"malformed body", `{"targetIds":`, nil, http.StatusBadRequest},
		{"empty body", ``, nil, http.StatusBadRequest},
		{"invalid argument", `{}`, &services.InvalidArgumentError{Field: "targetIds", Reason: "collection is required"}, http.StatusBadRequest},
		{"storage failure", `{"targetIds":[]}`, errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockMembershipService{
				syncFunc: func(ctx context.Context, kind entities.AssociationKind, ownerID string, targetIDs []string) (*entities.ReconcileResult, error) {
					return nil, tt.syncErr
				},
			}

			w := performRequest(newTestRouter(mock), http.MethodPut, "/api/users/U1/roles", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			body := decode[map[string]string](t, w)
			if body["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestMembershipHandler_List(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "plain id", path: "/api/roles/R1/habilitations"},
		{name: "padded id is echoed trimmed", path: "/api/roles/%20R1%20/habilitations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockMembershipService{
				listTargetsFunc: func(ctx context.Context, kind entities.AssociationKind, ownerID string) ([]string, error) {
					if kind != entities.KindRoleHabilitation || ownerID != "R1" {
						t.Errorf("unexpected call kind=%s owner=%q", kind, ownerID)
					}
					return []string{"H1", "H2"}, nil
				},
			}

			w := performRequest(newTestRouter(mock), http.MethodGet, tt.path, "")
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			resp := decode[MembershipResponse](t, w)
			if resp.OwnerID != "R1" || !reflect.DeepEqual(resp.TargetIDs, []string{"H1", "H2"}) {
				t.Errorf("unexpected response %+v", resp)
			}
		})
	}
}

func TestMembershipHandler_SyncMany(t *testing.T) {
	t.Run("dash kind is accepted", func(t *testing.T) {
		var gotBatch []services.OwnerTargets
		mock := &mockMembershipService{
			syncManyFunc: func(ctx context.Context, kind entities.AssociationKind, batch []services.OwnerTargets) ([]*entities.ReconcileResult, error) {
				if kind != entities.KindUserRole {
					t.Errorf("expected user_role, got %s", kind)
				}
				gotBatch = batch
				return []*entities.ReconcileResult{{Kind: kind, OwnerID: "U1"}}, nil
			},
		}

		body := `{"owners":[{"ownerId":"U1","targetIds":["admin"]}]}`
		w := performRequest(newTestRouter(mock), http.MethodPost, "/api/sync/user-role", body)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if len(gotBatch) != 1 || gotBatch[0].OwnerID != "U1" || !reflect.DeepEqual(gotBatch[0].TargetIDs, []string{"admin"}) {
			t.Errorf("unexpected batch %+v", gotBatch)
		}
		if resp := decode[BulkSyncResponse](t, w); len(resp.Results) != 1 {
			t.Errorf("expected 1 result, got %+v", resp)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		w := performRequest(newTestRouter(&mockMembershipService{}), http.MethodPost, "/api/sync/group_role", `{"owners":[]}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("partial failure", func(t *testing.T) {
		mock := &mockMembershipService{
			syncManyFunc: func(ctx context.Context, kind entities.AssociationKind, batch []services.OwnerTargets) ([]*entities.ReconcileResult, error) {
				return []*entities.ReconcileResult{{OwnerID: "U1"}}, errors.New("deadlock detected")
			},
		}
		w := performRequest(newTestRouter(mock), http.MethodPost, "/api/sync/user_role", `{"owners":[]}`)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", w.Code)
		}
		if msg := decode[map[string]string](t, w)["error"]; !strings.Contains(msg, "after 1 owner(s)") {
			t.Errorf("expected partial progress in error, got %q", msg)
		}
	})
}

func TestMembershipHandler_EffectiveAndCheck(t *testing.T) {
	mock := &mockMembershipService{
		effectiveHabilitationsFunc: func(ctx context.Context, userID string) ([]string, error) {
			return []string{"H1", "H3"}, nil
		},
		hasHabilitationFunc: func(ctx context.Context, userID, habilitationID string) (bool, error) {
			return habilitationID == "H3", nil
		},
	}
	router := newTestRouter(mock)

	w := performRequest(router, http.MethodGet, "/api/users/U1/effective-habilitations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	eff := decode[EffectiveHabilitationsResponse](t, w)
	if eff.UserID != "U1" || !reflect.DeepEqual(eff.HabilitationIDs, []string{"H1", "H3"}) {
		t.Errorf("unexpected response %+v", eff)
	}

	tests := []struct {
		path         string
		habilitation string
		want         bool
	}{
		{"/api/users/U1/habilitations/H3/check", "H3", true},
		{"/api/users/U1/habilitations/H9/check", "H9", false},
		{"/api/users/%20U1/habilitations/%20H3%20/check", "H3", true},
	}
	for _, tt := range tests {
		w := performRequest(router, http.MethodGet, tt.path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		resp := decode[CheckResponse](t, w)
		if resp.Allowed != tt.want || resp.UserID != "U1" || resp.HabilitationID != tt.habilitation {
			t.Errorf("%s: unexpected response %+v", tt.path, resp)
		}
	}
}

func TestMembershipHandler_RequestID(t *testing.T) {
	router := newTestRouter(&mockMembershipService{})

	w := performRequest(router, http.MethodGet, "/api/users/U1/roles", "")
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("expected a generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users/U1/roles", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("expected caller request id to be echoed, got %q", got)
	}
}

// End-to-end through the real service and in-memory store
func TestMembershipHandler_WithMemoryStore(t *testing.T) {
	repos := make([]repositories.AssociationRepository, 0, len(entities.Kinds))
	for _, kind := range entities.Kinds {
		repos = append(repos, memory.NewAssociationRepository(kind))
	}
	service, err := services.NewMembershipService(repos, nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	router := newTestRouter(service)

	steps := []struct {
		method, path, body string
	}{
		{http.MethodPut, "/api/roles/R1/habilitations", `{"targetIds":["H1","H2","H3"]}`},
		{http.MethodPut, "/api/roles/R1/habilitations", `{"targetIds":["H2","H3","H4"]}`},
		{http.MethodPut, "/api/users/U1/roles", `{"targetIds":["R1"]}`},
		{http.MethodPut, "/api/users/U1/habilitations", `{"targetIds":[" H9 ",""]}`},
	}
	for _, s := range steps {
		if w := performRequest(router, s.method, s.path, s.body); w.Code != http.StatusOK {
			t.Fatalf("%s %s: expected 200, got %d: %s", s.method, s.path, w.Code, w.Body.String())
		}
	}

	w := performRequest(router, http.MethodGet, "/api/users/U1/effective-habilitations", "")
	eff := decode[EffectiveHabilitationsResponse](t, w)
	if want := []string{"H2", "H3", "H4", "H9"}; !reflect.DeepEqual(eff.HabilitationIDs, want) {
		t.Errorf("effective = %v, want %v", eff.HabilitationIDs, want)
	}

	w = performRequest(router, http.MethodPut, "/api/users/%20/roles", `{"targetIds":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a blank owner, got %d", w.Code)
	}
}

func TestHealthHandler_Healthz(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus int
	}{
		{"no checker", nil, http.StatusOK},
		{"healthy store", &mockHealthChecker{}, http.StatusOK},
		{"store down", &mockHealthChecker{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(NewMembershipHandler(&mockMembershipService{}), NewHealthHandler(tt.checker), nil, nil)
			w := performRequest(router, http.MethodGet, "/healthz", "")
			if w.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}
