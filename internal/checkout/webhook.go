package checkout

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/enrollhq/entitlement/internal/entitlement"
	"github.com/enrollhq/entitlement/internal/metrics"
)

const webhookBodyLimit = 1 << 20

// eventKindFor maps billing-authority event types onto lifecycle event
// kinds. Types absent from the map are acknowledged and ignored.
var eventKindFor = map[stripe.EventType]entitlement.EventKind{
	"checkout.session.completed":    entitlement.EventCheckoutCompleted,
	"invoice.paid":                  entitlement.EventChargeSucceeded,
	"invoice.payment_failed":        entitlement.EventChargeFailed,
	"customer.subscription.deleted": entitlement.EventPlanCancelled,
	"charge.refunded":               entitlement.EventPaymentRefunded,
	"charge.dispute.created":        entitlement.EventPaymentDisputed,
}

// WebhookHandler receives signed billing-authority events. Signature
// verification happens before anything else; a 2xx is returned only after
// the ledger and state commit, so a crash mid-request means redelivery
// against an empty ledger row.
type WebhookHandler struct {
	secret      string
	entitlement *entitlement.Service
	logger      *slog.Logger
}

// NewWebhookHandler creates a new inbound webhook handler.
func NewWebhookHandler(secret string, svc *entitlement.Service, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{secret: secret, entitlement: svc, logger: logger}
}

// RegisterRoutes sets up the webhook route.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Receive)
}

// Receive handles POST /v1/webhooks/stripe.
func (h *WebhookHandler) Receive(c *gin.Context) {
	if strings.TrimSpace(h.secret) == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook secret not configured"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.WebhookVerifyFailures.Inc()
		h.logger.Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	kind, ok := eventKindFor[event.Type]
	if !ok {
		h.logger.Info("webhook ignored", "type", event.Type, "event_id", event.ID)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	subjectID := subjectIDFrom(event.Data.Raw)
	if subjectID == "" {
		// Nothing to key the subject on. Permanent: redelivery cannot fix
		// a payload with no reference.
		h.logger.Warn("webhook has no subject reference", "type", event.Type, "event_id", event.ID)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	res, err := h.entitlement.Apply(c.Request.Context(), &entitlement.LifecycleEvent{
		ID:         event.ID,
		Kind:       kind,
		SubjectID:  subjectID,
		OccurredAt: time.Unix(event.Created, 0),
		RawPayload: json.RawMessage(payload),
	})
	if err != nil {
		if errors.Is(err, entitlement.ErrConcurrentApply) {
			// A parallel delivery of the same event holds the ledger row.
			// Redelivery replays the recorded result.
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "concurrent delivery, retry"})
			return
		}
		if errors.Is(err, entitlement.ErrSubjectNotFound) {
			// The checkout that creates this subject may still be in
			// flight. Nothing was committed, so a 5xx asks the authority
			// to redeliver once ordering catches up.
			c.JSON(http.StatusInternalServerError, gin.H{"error": "subject not yet known"})
			return
		}
		h.logger.Error("webhook processing failed", "event_id", event.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"duplicate": res.Duplicate,
		"state":     res.To,
	})
}

// subjectIDFrom digs the subject reference out of the event object:
// client_reference_id on checkout sessions, metadata.subject_id elsewhere.
func subjectIDFrom(raw json.RawMessage) string {
	var obj struct {
		ClientReferenceID   string            `json:"client_reference_id"`
		Metadata            map[string]string `json:"metadata"`
		SubscriptionDetails *struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if obj.ClientReferenceID != "" {
		return obj.ClientReferenceID
	}
	if id := obj.Metadata["subject_id"]; id != "" {
		return id
	}
	if obj.SubscriptionDetails != nil {
		return obj.SubscriptionDetails.Metadata["subject_id"]
	}
	return ""
}
