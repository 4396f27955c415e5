package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenbook/tokenbook/internal/config"
)

const adminSecret = "test-admin-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:             "8080",
		Env:              "development",
		LogLevel:         "error",
		TokenRateINR:     100,
		WithdrawalFeePct: 5,
		MinWithdrawal:    100,
		MinTokenPurchase: 10,
		MaxTokenPurchase: 10000,
		AdminSecret:      adminSecret,
		RateLimitRPM:     100000,
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.rateLimiter.Stop() })
	return srv
}

func doJSON(t *testing.T, router *gin.Engine, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

// register creates a user through the API and returns its ID and raw key.
func register(t *testing.T, router *gin.Engine, name, role string) (string, string) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/users/register", "", gin.H{
		"name":  name,
		"email": fmt.Sprintf("%s@example.com", name),
		"role":  role,
	})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	out := decode(t, w)
	user := out["user"].(map[string]any)
	return user["id"].(string), out["apiKey"].(string)
}

// buyTokens credits a wallet through a demo-mode checkout.
func buyTokens(t *testing.T, router *gin.Engine, apiKey string, tokens int64) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/payments/checkout", apiKey, gin.H{"tokens": tokens})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "healthy", out["status"])

	w = doJSON(t, router, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Ready flips only once Run has started listening.
	w = doJSON(t, router, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	_, key := register(t, router, "asha", "SEEKER")

	w := doJSON(t, router, http.MethodGet, "/v1/users/me", key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "asha@example.com", out["email"])
	assert.Equal(t, "SEEKER", out["role"])

	w = doJSON(t, router, http.MethodGet, "/v1/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodGet, "/v1/users/me", "tk_bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDemoCheckoutCreditsWallet(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	_, key := register(t, router, "buyer", "SEEKER")
	buyTokens(t, router, key, 250)

	w := doJSON(t, router, http.MethodGet, "/v1/wallet", key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.EqualValues(t, 250, out["available"])
	assert.EqualValues(t, 0, out["escrow"])

	w = doJSON(t, router, http.MethodGet, "/v1/wallet/transactions", key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestCheckoutRejectsOutOfRangeAmounts(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	_, key := register(t, router, "greedy", "SEEKER")

	w := doJSON(t, router, http.MethodPost, "/v1/payments/checkout", key, gin.H{"tokens": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/payments/checkout", key, gin.H{"tokens": 999999})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	_, seekerKey := register(t, router, "seeker", "SEEKER")
	providerID, providerKey := register(t, router, "provider", "PROVIDER")
	buyTokens(t, router, seekerKey, 500)

	w := doJSON(t, router, http.MethodPost, "/v1/bookings", seekerKey, gin.H{
		"providerId": providerID,
		"type":       "INCALL",
		"duration":   60,
		"price":      200,
	})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	bookingID := decode(t, w)["id"].(string)

	// Provider confirms, escrowing the price from the seeker.
	w = doJSON(t, router, http.MethodPost, "/v1/bookings/"+bookingID+"/status", providerKey,
		gin.H{"action": "confirm"})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/v1/wallet", seekerKey, nil)
	out := decode(t, w)
	assert.EqualValues(t, 300, out["available"])
	assert.EqualValues(t, 200, out["escrow"])

	w = doJSON(t, router, http.MethodPost, "/v1/bookings/"+bookingID+"/status", providerKey,
		gin.H{"action": "start"})
	require.Equal(t, http.StatusOK, w.Code)

	// Seeker completes, releasing escrow to the provider.
	w = doJSON(t, router, http.MethodPost, "/v1/bookings/"+bookingID+"/status", seekerKey,
		gin.H{"action": "complete"})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/v1/wallet", providerKey, nil)
	out = decode(t, w)
	assert.EqualValues(t, 200, out["available"])

	w = doJSON(t, router, http.MethodGet, "/v1/wallet", seekerKey, nil)
	out = decode(t, w)
	assert.EqualValues(t, 300, out["available"])
	assert.EqualValues(t, 0, out["escrow"])
}

func TestBookingErrorTaxonomy(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	_, seekerKey := register(t, router, "poor", "SEEKER")
	providerID, providerKey := register(t, router, "pro", "PROVIDER")

	// Unknown booking.
	w := doJSON(t, router, http.MethodGet, "/v1/bookings/bkg_0000000000000000000f", seekerKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])

	// Confirming without funds fails with insufficient_funds.
	w = doJSON(t, router, http.MethodPost, "/v1/bookings", seekerKey, gin.H{
		"providerId": providerID,
		"type":       "OUTCALL",
		"duration":   90,
		"price":      100,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	bookingID := decode(t, w)["id"].(string)

	w = doJSON(t, router, http.MethodPost, "/v1/bookings/"+bookingID+"/status", providerKey,
		gin.H{"action": "confirm"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "insufficient_funds", decode(t, w)["error"])

	// Completing a pending booking is an invalid transition.
	w = doJSON(t, router, http.MethodPost, "/v1/bookings/"+bookingID+"/status", seekerKey,
		gin.H{"action": "complete"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", decode(t, w)["error"])
}

func TestAdminBootstrapAndReconcile(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	userID, userKey := register(t, router, "ops", "SEEKER")
	buyTokens(t, router, userKey, 300)

	// Wrong secret is rejected.
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/bootstrap",
		bytes.NewBufferString(fmt.Sprintf(`{"userId":%q}`, userID)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/admin/bootstrap",
		bytes.NewBufferString(fmt.Sprintf(`{"userId":%q}`, userID)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", adminSecret)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.Equal(t, "ADMIN", decode(t, w)["role"])

	w2 := doJSON(t, router, http.MethodGet, "/v1/admin/wallets/"+userID, userKey, nil)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.EqualValues(t, 300, decode(t, w2)["available"])

	w2 = doJSON(t, router, http.MethodPost, "/v1/admin/reconcile/"+userID, userKey, nil)
	require.Equal(t, http.StatusOK, w2.Code)
	report := decode(t, w2)
	assert.Equal(t, true, report["consistent"])
	assert.EqualValues(t, 300, report["available"])
}

func TestStaffRoutesRejectRegularUsers(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	_, seekerKey := register(t, router, "civilian", "SEEKER")

	w := doJSON(t, router, http.MethodPost, "/v1/disputes/dsp_00000000000000000000/assign", seekerKey,
		gin.H{"assigneeId": "usr_00000000000000000000"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode(t, w)["error"])

	w = doJSON(t, router, http.MethodGet, "/v1/admin/wallets/usr_00000000000000000000", seekerKey, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/withdrawals/wdr_00000000000000000000/approve", seekerKey, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWithdrawalFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	_, userKey := register(t, router, "earner", "PROVIDER")
	buyTokens(t, router, userKey, 400)

	adminID, adminKey := register(t, router, "root", "SEEKER")
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/bootstrap",
		bytes.NewBufferString(fmt.Sprintf(`{"userId":%q}`, adminID)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", adminSecret)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	w := doJSON(t, router, http.MethodPost, "/v1/withdrawals", userKey,
		gin.H{"tokens": 200, "paymentMethodId": "pm_bank000000000001"})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	out := decode(t, w)
	withdrawalID := out["id"].(string)
	assert.EqualValues(t, 20000, out["amountInr"])
	assert.EqualValues(t, 1000, out["processingFee"])
	assert.EqualValues(t, 19000, out["netAmount"])
	assert.Equal(t, "pm_bank000000000001", out["paymentMethodId"])

	// Tokens leave the wallet at request time.
	w = doJSON(t, router, http.MethodGet, "/v1/wallet", userKey, nil)
	assert.EqualValues(t, 200, decode(t, w)["available"])

	w = doJSON(t, router, http.MethodPost, "/v1/withdrawals/"+withdrawalID+"/approve", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/v1/withdrawals/"+withdrawalID+"/complete", adminKey,
		gin.H{"bankRef": "NEFT-TEST-1"})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.Equal(t, "COMPLETED", decode(t, w)["status"])
}

func TestWithdrawalsAreProviderOnly(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	_, seekerKey := register(t, router, "spender", "SEEKER")
	buyTokens(t, router, seekerKey, 400)

	w := doJSON(t, router, http.MethodPost, "/v1/withdrawals", seekerKey,
		gin.H{"tokens": 200, "paymentMethodId": "pm_bank000000000002"})
	require.Equal(t, http.StatusForbidden, w.Code, "body: %s", w.Body.String())
	assert.Equal(t, "forbidden", decode(t, w)["error"])

	// The seeker's balance is untouched.
	w = doJSON(t, router, http.MethodGet, "/v1/wallet", seekerKey, nil)
	assert.EqualValues(t, 400, decode(t, w)["available"])
}

func TestPublicRatingsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	providerID, _ := register(t, router, "rated", "PROVIDER")

	// No auth required for provider reputation.
	w := doJSON(t, router, http.MethodGet, "/v1/users/"+providerID+"/ratings", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	summary := out["summary"].(map[string]any)
	assert.EqualValues(t, 0, summary["count"])
}

func TestPlatformTermsArePublic(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, "/v1/platform", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	terms := decode(t, w)["terms"].(map[string]any)
	assert.EqualValues(t, 100, terms["tokenRateInr"])
	assert.EqualValues(t, 5, terms["withdrawalFeePct"])
	assert.EqualValues(t, 100, terms["minWithdrawalTokens"])
}
