package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/enrollhq/entitlement/internal/config"
	"github.com/enrollhq/entitlement/internal/logging"
	"github.com/enrollhq/entitlement/internal/notify"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		StripeWebhookSecret:  "whsec_test",
		PayInFullDiscountPct: config.DefaultPayInFullDiscountPct,
		MinDepositPct:        config.DefaultMinDepositPct,
		DeferredInstallments: config.DefaultDeferredInstallments,
		AdminSecret:          "admin-test-secret",
	}
}

// newTestServer creates a server with in-memory storage
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(),
		WithLogger(logging.New("error", "text")),
		WithNotifier(notify.Nop{}),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/checkout/preview",
		"POST:/v1/checkout",
		"POST:/v1/webhooks/stripe",
		"GET:/v1/subjects/:id",
		"GET:/v1/subjects/:id/history",
		"GET:/v1/subjects/:id/access/:feature",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestAdminRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"POST:/v1/admin/subjects/:id/revoke",
		"POST:/v1/admin/subjects/:id/reactivate",
		"POST:/v1/admin/subjects/:id/extend",
		"GET:/v1/admin/subjects/:id/tenant",
		"GET:/v1/admin/subjects/:id/credentials",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Admin route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Admin auth tests
// ---------------------------------------------------------------------------

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/subjects/sub_x/revoke", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
}

func TestAdminRejectsWrongToken(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/subjects/sub_x/revoke", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong token, got %d", w.Code)
	}
}

func TestAdminAcceptsToken(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/subjects/sub_missing/revoke", nil)
	req.Header.Set("Authorization", "Bearer admin-test-secret")
	s.router.ServeHTTP(w, req)

	// Auth passes; the unknown subject is the handler's problem
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown subject, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Checkout flow through the full middleware stack
// ---------------------------------------------------------------------------

func TestCheckoutThroughServer(t *testing.T) {
	s := newTestServer(t)

	body := `{
		"name": "Grace Hopper",
		"email": "grace@example.com",
		"tier": "standard",
		"totalPriceCents": 200000,
		"kind": "pay_in_full"
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/checkout", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	subject, ok := resp["subject"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected subject in response, got %v", resp)
	}
	if subject["state"] != "pending" {
		t.Errorf("Expected pending subject, got %v", subject["state"])
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
