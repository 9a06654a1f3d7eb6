package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/asakaida/habilis/internal/services"
	"github.com/gin-gonic/gin"
)

// MembershipHandler serves the membership HTTP API
type MembershipHandler struct {
	service services.MembershipServiceInterface
}

// NewMembershipHandler creates a new MembershipHandler
func NewMembershipHandler(service services.MembershipServiceInterface) *MembershipHandler {
	return &MembershipHandler{service: service}
}

// SyncRequest is the body of a single-owner sync
type SyncRequest struct {
	TargetIDs []string `json:"targetIds"`
}

// BulkSyncRequest is the body of POST /api/sync/:kind
type BulkSyncRequest struct {
	Owners []services.OwnerTargets `json:"owners"`
}

// MembershipResponse lists the current targets of an owner
type MembershipResponse struct {
	Kind      entities.AssociationKind `json:"kind"`
	OwnerID   string                   `json:"ownerId"`
	TargetIDs []string                 `json:"targetIds"`
}

// BulkSyncResponse carries one result per synced owner
type BulkSyncResponse struct {
	Results []*entities.ReconcileResult `json:"results"`
}

// EffectiveHabilitationsResponse lists every habilitation a user holds
type EffectiveHabilitationsResponse struct {
	UserID          string   `json:"userId"`
	HabilitationIDs []string `json:"habilitationIds"`
}

// CheckResponse answers whether a user holds a habilitation
type CheckResponse struct {
	UserID         string `json:"userId"`
	HabilitationID string `json:"habilitationId"`
	Allowed        bool   `json:"allowed"`
}

// Register mounts the membership routes on rg
func (h *MembershipHandler) Register(rg *gin.RouterGroup) {
	rg.PUT("/roles/:id/habilitations", h.Sync(entities.KindRoleHabilitation))
	rg.GET("/roles/:id/habilitations", h.List(entities.KindRoleHabilitation))
	rg.PUT("/users/:id/habilitations", h.Sync(entities.KindUserHabilitation))
	rg.GET("/users/:id/habilitations", h.List(entities.KindUserHabilitation))
	rg.PUT("/users/:id/roles", h.Sync(entities.KindUserRole))
	rg.GET("/users/:id/roles", h.List(entities.KindUserRole))

	rg.POST("/sync/:kind", h.SyncMany)
	rg.GET("/users/:id/effective-habilitations", h.EffectiveHabilitations)
	rg.GET("/users/:id/habilitations/:habilitationId/check", h.Check)
}

// Sync returns a handler replacing the targets of the owner named by :id
func (h *MembershipHandler) Sync(kind entities.AssociationKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
			return
		}

		result, err := h.service.Sync(c.Request.Context(), kind, c.Param("id"), req.TargetIDs)
		if err != nil {
			h.writeError(c, "failed to sync memberships", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// List returns a handler listing the targets of the owner named by :id
func (h *MembershipHandler) List(kind entities.AssociationKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := strings.TrimSpace(c.Param("id"))
		ids, err := h.service.ListTargets(c.Request.Context(), kind, ownerID)
		if err != nil {
			h.writeError(c, "failed to read memberships", err)
			return
		}
		c.JSON(http.StatusOK, MembershipResponse{Kind: kind, OwnerID: ownerID, TargetIDs: ids})
	}
}

// SyncMany handles POST /api/sync/:kind
func (h *MembershipHandler) SyncMany(c *gin.Context) {
	kind, err := entities.ParseAssociationKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req BulkSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	results, err := h.service.SyncMany(c.Request.Context(), kind, req.Owners)
	if err != nil {
		h.writeError(c, fmt.Sprintf("failed to sync memberships after %d owner(s)", len(results)), err)
		return
	}
	c.JSON(http.StatusOK, BulkSyncResponse{Results: results})
}

// EffectiveHabilitations handles GET /api/users/:id/effective-habilitations
func (h *MembershipHandler) EffectiveHabilitations(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("id"))
	ids, err := h.service.EffectiveHabilitations(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "failed to compute habilitations", err)
		return
	}
	c.JSON(http.StatusOK, EffectiveHabilitationsResponse{UserID: userID, HabilitationIDs: ids})
}

// Check handles GET /api/users/:id/habilitations/:habilitationId/check
func (h *MembershipHandler) Check(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("id"))
	habilitationID := strings.TrimSpace(c.Param("habilitationId"))

	allowed, err := h.service.HasHabilitation(c.Request.Context(), userID, habilitationID)
	if err != nil {
		h.writeError(c, "failed to check habilitation", err)
		return
	}
	c.JSON(http.StatusOK, CheckResponse{UserID: userID, HabilitationID: habilitationID, Allowed: allowed})
}

func (h *MembershipHandler) writeError(c *gin.Context, action string, err error) {
	if errors.Is(err, services.ErrInvalidArgument) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Printf("%s %s: %s: %v", c.Request.Method, c.Request.URL.Path, action, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", action, err)})
}
