package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/enrollhq/entitlement/internal/entitlement"
	"github.com/enrollhq/entitlement/internal/pricing"
)

const testWebhookSecret = "whsec_test_secret"

func newWebhookRouter(t *testing.T) (*gin.Engine, *entitlement.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := entitlement.NewMemoryStore()
	svc := entitlement.NewService(store, nopAccess{}, nopNotifier{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := gin.New()
	NewWebhookHandler(testWebhookSecret, svc, slog.New(slog.NewTextHandler(io.Discard, nil))).
		RegisterRoutes(r.Group("/v1"))
	return r, svc
}

func registerPendingSubject(t *testing.T, svc *entitlement.Service, id string) {
	t.Helper()
	structure, err := pricing.DefaultConfig().Quote(200000, 0, pricing.StructureRequest{
		Kind:             pricing.KindInstallment,
		SetupFeeCents:    70000,
		InstallmentCount: 20,
		Cadence:          pricing.CadenceBiweekly,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Register(context.Background(), &entitlement.Subject{
		ID:              id,
		Kind:            entitlement.KindIndividual,
		TotalPriceCents: 200000,
		Structure:       structure,
	}))
}

func stripePayload(eventID, eventType, subjectID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"created": %d,
		"data": {"object": {"metadata": {"subject_id": %q}}}
	}`, eventID, eventType, time.Now().Unix(), subjectID))
}

func postSigned(t *testing.T, r *gin.Engine, payload []byte, secret string) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	r, _ := newWebhookRouter(t)
	w := postSigned(t, r, stripePayload("evt_1", "invoice.paid", "sub_1"), "whsec_wrong")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	r, _ := newWebhookRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe",
		bytes.NewReader(stripePayload("evt_1", "invoice.paid", "sub_1")))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookAppliesCheckoutEvent(t *testing.T) {
	r, svc := newWebhookRouter(t)
	registerPendingSubject(t, svc, "sub_1")

	w := postSigned(t, r, stripePayload("evt_1", "checkout.session.completed", "sub_1"), testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)

	subj, err := svc.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StateActive, subj.State)
}

func TestWebhookDuplicateDeliveryAcknowledged(t *testing.T) {
	r, svc := newWebhookRouter(t)
	registerPendingSubject(t, svc, "sub_1")

	payload := stripePayload("evt_1", "checkout.session.completed", "sub_1")
	first := postSigned(t, r, payload, testWebhookSecret)
	require.Equal(t, http.StatusOK, first.Code)

	second := postSigned(t, r, payload, testWebhookSecret)
	require.Equal(t, http.StatusOK, second.Code)

	var resp struct {
		Duplicate bool `json:"duplicate"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)
}

func TestWebhookIgnoresUnmappedEventType(t *testing.T) {
	r, _ := newWebhookRouter(t)
	w := postSigned(t, r, stripePayload("evt_1", "customer.created", "sub_1"), testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Ignored bool `json:"ignored"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Ignored)
}

func TestWebhookUnknownSubjectAsksForRedelivery(t *testing.T) {
	r, _ := newWebhookRouter(t)
	w := postSigned(t, r, stripePayload("evt_1", "invoice.paid", "sub_missing"), testWebhookSecret)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhookClientReferenceIDWins(t *testing.T) {
	r, svc := newWebhookRouter(t)
	registerPendingSubject(t, svc, "sub_ref")

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_ref",
		"type": "checkout.session.completed",
		"created": %d,
		"data": {"object": {"client_reference_id": "sub_ref", "metadata": {}}}
	}`, time.Now().Unix()))

	w := postSigned(t, r, payload, testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)

	subj, err := svc.Get(context.Background(), "sub_ref")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StateActive, subj.State)
}
