package provisioning

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for provisioning lookups and credential
// management.
type Handler struct {
	service *Service
}

// NewHandler creates a new provisioning handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) provisioning routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subjects/:id/access/:feature", h.CheckFeature)
}

// RegisterAdminRoutes sets up admin-only provisioning routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/subjects/:id/tenant", h.GetTenant)
	r.GET("/subjects/:id/credentials", h.ListCredentials)
	r.POST("/subjects/:id/credentials/rotate", h.RotateCredentials)
}

// CheckFeature handles GET /v1/subjects/:id/access/:feature
func (h *Handler) CheckFeature(c *gin.Context) {
	allowed := h.service.CheckFeature(c.Request.Context(), c.Param("id"), c.Param("feature"))
	c.JSON(http.StatusOK, gin.H{
		"subject_id": c.Param("id"),
		"feature":    c.Param("feature"),
		"allowed":    allowed,
	})
}

// GetTenant handles GET /v1/admin/subjects/:id/tenant
func (h *Handler) GetTenant(c *gin.Context) {
	tenant, err := h.service.Tenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": tenant})
}

// ListCredentials handles GET /v1/admin/subjects/:id/credentials
func (h *Handler) ListCredentials(c *gin.Context) {
	creds, err := h.service.ListCredentials(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"credentials": creds,
		"count":       len(creds),
	})
}

// RotateCredentials handles POST /v1/admin/subjects/:id/credentials/rotate
func (h *Handler) RotateCredentials(c *gin.Context) {
	cred, raw, err := h.service.RotateCredentials(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	// The raw secret is visible in this response only.
	c.JSON(http.StatusOK, gin.H{
		"credential": cred,
		"secret":     raw,
	})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No tenant provisioned for this subject",
		})
	case errors.Is(err, ErrCredentialNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such credential",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
