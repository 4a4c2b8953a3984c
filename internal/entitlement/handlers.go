package entitlement

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for subject lookups and administrative
// overrides.
type Handler struct {
	service *Service
}

// NewHandler creates a new entitlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) entitlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subjects/:id", h.GetSubject)
	r.GET("/subjects/:id/history", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only entitlement routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/subjects/:id/revoke", h.RevokeSubject)
	r.POST("/subjects/:id/reactivate", h.ReactivateSubject)
	r.POST("/subjects/:id/extend", h.ExtendSubject)
}

// GetSubject handles GET /v1/subjects/:id
func (h *Handler) GetSubject(c *gin.Context) {
	subj, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	ob, err := h.service.Obligation(c.Request.Context(), subj.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subject":    subj,
		"obligation": ob,
	})
}

// GetHistory handles GET /v1/subjects/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	transitions, err := h.service.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transitions": transitions,
		"count":       len(transitions),
	})
}

// RevokeSubject handles POST /v1/admin/subjects/:id/revoke
func (h *Handler) RevokeSubject(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	subj, err := h.service.Revoke(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": subj})
}

// ReactivateSubject handles POST /v1/admin/subjects/:id/reactivate
func (h *Handler) ReactivateSubject(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	subj, err := h.service.Reactivate(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": subj})
}

// ExtendSubject handles POST /v1/admin/subjects/:id/extend
func (h *Handler) ExtendSubject(c *gin.Context) {
	var req struct {
		Until time.Time `json:"until" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "until must be an RFC 3339 timestamp",
		})
		return
	}

	subj, err := h.service.Extend(c.Request.Context(), c.Param("id"), req.Until)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": subj})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSubjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such subject",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
