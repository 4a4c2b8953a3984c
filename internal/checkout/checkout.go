// Package checkout is the public purchase surface: payment-structure
// quotes, checkout intents, and the inbound billing-authority webhook.
package checkout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/enrollhq/entitlement/internal/entitlement"
	"github.com/enrollhq/entitlement/internal/idgen"
	"github.com/enrollhq/entitlement/internal/pricing"
	"github.com/enrollhq/entitlement/internal/validation"
)

// Handler provides the checkout HTTP endpoints.
type Handler struct {
	pricing     pricing.Config
	entitlement *entitlement.Service
}

// NewHandler creates a new checkout handler.
func NewHandler(cfg pricing.Config, svc *entitlement.Service) *Handler {
	return &Handler{pricing: cfg, entitlement: svc}
}

// RegisterRoutes sets up public checkout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout/preview", h.Preview)
	r.POST("/checkout", h.Checkout)
}

type quoteRequest struct {
	TotalPriceCents  int64  `json:"totalPriceCents" binding:"required"`
	CreditedCents    int64  `json:"creditedCents"`
	Kind             string `json:"kind" binding:"required"`
	SetupFeeCents    int64  `json:"setupFeeCents"`
	InstallmentCount int    `json:"installmentCount"`
	Cadence          string `json:"cadence"`
}

type checkoutRequest struct {
	quoteRequest
	SubjectKind string `json:"subjectKind"`
	Name        string `json:"name" binding:"required"`
	Email       string `json:"email" binding:"required,email"`
	Tier        string `json:"tier"`
}

func (r *quoteRequest) structureRequest() pricing.StructureRequest {
	return pricing.StructureRequest{
		Kind:             pricing.Kind(r.Kind),
		SetupFeeCents:    r.SetupFeeCents,
		InstallmentCount: r.InstallmentCount,
		Cadence:          pricing.Cadence(r.Cadence),
	}
}

// Preview handles POST /v1/checkout/preview. Pure what-if quote; nothing
// is persisted.
func (h *Handler) Preview(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	structure, err := h.pricing.Quote(req.TotalPriceCents, req.CreditedCents, req.structureRequest())
	if err != nil {
		respondQuoteError(c, err)
		return
	}

	minFee, maxFee := h.pricing.SetupFeeBounds(req.TotalPriceCents - req.CreditedCents)
	c.JSON(http.StatusOK, gin.H{
		"structure": structure,
		"setupFeeBounds": gin.H{
			"minSetupFeeCents": minFee,
			"maxSetupFeeCents": maxFee,
		},
	})
}

// Checkout handles POST /v1/checkout. Validates the structure, creates the
// subject in pending, and returns the intent. Access opens only when the
// billing authority confirms payment through the webhook.
func (h *Handler) Checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	structure, err := h.pricing.Quote(req.TotalPriceCents, req.CreditedCents, req.structureRequest())
	if err != nil {
		respondQuoteError(c, err)
		return
	}

	subjectKind := entitlement.SubjectKind(req.SubjectKind)
	if subjectKind == "" {
		subjectKind = entitlement.KindIndividual
	}
	if subjectKind != entitlement.KindIndividual && subjectKind != entitlement.KindOrganization {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "subjectKind must be individual or organization",
		})
		return
	}

	subject := &entitlement.Subject{
		ID:              idgen.WithPrefix("sub"),
		Kind:            subjectKind,
		Name:            validation.SanitizeString(req.Name, 200),
		Email:           validation.SanitizeString(req.Email, 254),
		Tier:            req.Tier,
		TotalPriceCents: req.TotalPriceCents,
		CreditedCents:   req.CreditedCents,
		State:           entitlement.StatePending,
		Structure:       structure,
	}
	if err := h.entitlement.Register(c.Request.Context(), subject); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subject":   subject,
		"structure": structure,
	})
}

func respondQuoteError(c *gin.Context, err error) {
	var rangeErr *pricing.RangeError
	if errors.As(err, &rangeErr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":            "setup_fee_out_of_range",
			"message":          rangeErr.Error(),
			"minSetupFeeCents": rangeErr.MinCents,
			"maxSetupFeeCents": rangeErr.MaxCents,
		})
		return
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"error":   "invalid_structure",
		"message": err.Error(),
	})
}
