package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	"github.com/rcourtman/entitlementd/internal/fraud"
	"github.com/rcourtman/entitlementd/internal/grace"
	"github.com/rcourtman/entitlementd/internal/offline"
	"github.com/rcourtman/entitlementd/internal/store"
	"github.com/rcourtman/entitlementd/internal/validator"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type testEnv struct {
	mem       *store.MemoryStore
	validator *validator.Validator
	handler   http.Handler
}

func newTestValidator(t *testing.T, mem *store.MemoryStore) *validator.Validator {
	t.Helper()
	cache, err := offline.NewCache(context.Background(), nil, offline.DefaultWindow)
	require.NoError(t, err)

	v, err := validator.New(validator.Deps{
		Entitlements: mem.Entitlements(),
		Audit:        mem.AuditLogs(),
		Cache:        cache,
		Detector:     fraud.NewDetector(mem.FraudEvents()),
		Grace:        grace.NewManager(mem.Entitlements(), mem.AuditLogs(), nil),
	})
	require.NoError(t, err)
	return v
}

func newAuthorityEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	v := newTestValidator(t, mem)

	h, err := NewAuthorityRouter(Options{
		Entitlements: mem.Entitlements(),
		FraudEvents:  mem.FraudEvents(),
		AuditLogs:    mem.AuditLogs(),
		Validator:    v,
		Mode:         "authority",
	})
	require.NoError(t, err)
	return &testEnv{mem: mem, validator: v, handler: h}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func purchase(account, txn string) validator.Purchase {
	now := time.Now().UTC()
	return validator.Purchase{
		AccountID:     account,
		Tier:          entitlement.TierPremium,
		ReceiptRef:    "receipt-" + txn,
		TransactionID: txn,
		PurchasedAt:   now.Add(-time.Minute),
		ExpiresAt:     now.Add(30 * 24 * time.Hour),
		AutoRenew:     true,
	}
}

func TestNewAuthorityRouterRequiresStores(t *testing.T) {
	_, err := NewAuthorityRouter(Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	mem := store.NewMemoryStore()
	v := newTestValidator(t, mem)

	h, err := NewEdgeRouter(Options{Validator: v, Mode: "edge", Health: stubPinger{}})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "edge", resp.Mode)

	h, err = NewEdgeRouter(Options{Validator: v, Health: stubPinger{err: errors.New("disk gone")}})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newAuthorityEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestEntitlementCreateFetchUpdate(t *testing.T) {
	env := newAuthorityEnv(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := env.do(t, http.MethodPost, "/api/v1/entitlements", entitlement.Entitlement{
		AccountID:     "acct-1",
		Tier:          entitlement.TierPremium,
		TransactionID: "txn-1",
		PurchasedAt:   now,
		ExpiresAt:     now.Add(24 * time.Hour),
		IsActive:      true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created entitlement.Entitlement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.EqualValues(t, 1, created.Version)

	rec = env.do(t, http.MethodGet, "/api/v1/entitlements/acct-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	created.AutoRenew = true
	rec = env.do(t, http.MethodPut, "/api/v1/entitlements/acct-1", created)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Stale version.
	rec = env.do(t, http.MethodPut, "/api/v1/entitlements/acct-1", created)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeConflict, decodeAPIError(t, rec).Code)

	rec = env.do(t, http.MethodPut, "/api/v1/entitlements/someone-else", created)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetchMissingEntitlement(t *testing.T) {
	env := newAuthorityEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/entitlements/nobody", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeAPIError(t, rec).Code)
}

func TestCreateInvalidEntitlement(t *testing.T) {
	env := newAuthorityEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/entitlements", entitlement.Entitlement{Tier: entitlement.TierFree})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidInput, decodeAPIError(t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/entitlements", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFindByTransaction(t *testing.T) {
	env := newAuthorityEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/entitlements?transaction_id=missing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/purchases", purchase("acct-1", "txn-9"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/entitlements?transaction_id=txn-9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var holders []entitlement.Entitlement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &holders))
	require.Len(t, holders, 1)
	assert.Equal(t, "acct-1", holders[0].AccountID)
}

func TestListEntitlements(t *testing.T) {
	env := newAuthorityEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/purchases", purchase("acct-1", "txn-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/entitlements?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ents []entitlement.Entitlement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ents))
	assert.Len(t, ents, 1)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	rec = env.do(t, http.MethodGet, "/api/v1/entitlements?active=true&expired_before="+past, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/entitlements?expired_before=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFraudEventsRoundTrip(t *testing.T) {
	env := newAuthorityEnv(t)
	now := time.Now().UTC()

	rec := env.do(t, http.MethodPost, "/api/v1/fraud-events", entitlement.FraudEvent{
		AccountID: "acct-1",
		Type:      entitlement.DetectionJailbrokenDevice,
		Severity:  entitlement.SeverityHigh,
		Timestamp: now,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/accounts/acct-1/fraud-events?since="+now.Add(-time.Hour).Format(time.RFC3339Nano), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []entitlement.FraudEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/accounts/acct-1/fraud-events?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditRoundTrip(t *testing.T) {
	env := newAuthorityEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/audit", entitlement.AuditLog{
		AccountID: "acct-1",
		EventType: entitlement.AuditValidated,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/audit", entitlement.AuditLog{AccountID: "acct-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/accounts/acct-1/audit?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []entitlement.AuditLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 1)

	rec = env.do(t, http.MethodGet, "/api/v1/accounts/acct-1/audit?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPurchaseAndAccess(t *testing.T) {
	env := newAuthorityEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/purchases", purchase("acct-1", "txn-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/accounts/acct-1/access?feature="+entitlement.FeatureFocusModes, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var decision validator.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, validator.DecisionAllowed, decision.Kind)

	rec = env.do(t, http.MethodGet, "/api/v1/accounts/acct-1/access?feature="+entitlement.FeatureFamilySharing, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, validator.DecisionDenied, decision.Kind)
	assert.Equal(t, validator.ReasonTierLimitExceeded, decision.Reason)

	rec = env.do(t, http.MethodGet, "/api/v1/accounts/acct-1/access", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPurchaseDuplicateTransaction(t *testing.T) {
	env := newAuthorityEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/purchases", purchase("acct-1", "txn-shared"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/purchases", purchase("acct-2", "txn-shared"))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeDuplicateTransaction, decodeAPIError(t, rec).Code)

	events, err := env.mem.FraudEvents().FetchSince(context.Background(), "acct-2", time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, entitlement.DetectionDuplicateTransaction, events[0].Type)
}

func TestRevoke(t *testing.T) {
	env := newAuthorityEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/purchases", purchase("acct-1", "txn-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/accounts/acct-1/revoke", RevokeRequest{Reason: "chargeback"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var revoked entitlement.Entitlement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &revoked))
	assert.False(t, revoked.IsActive)

	rec = env.do(t, http.MethodPost, "/api/v1/accounts/acct-1/revoke", RevokeRequest{Reason: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/accounts/nobody/revoke", RevokeRequest{Reason: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBillingRetryWithoutGrace(t *testing.T) {
	env := newAuthorityEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/purchases", purchase("acct-1", "txn-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/accounts/acct-1/billing-retry", BillingRetryRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/accounts/acct-1/billing-retry", BillingRetryRequest{
		RenewedUntil: time.Now().Add(60 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeGraceState, decodeAPIError(t, rec).Code)
}

func TestEdgeRouterExposesOnlyHealthAndAccess(t *testing.T) {
	mem := store.NewMemoryStore()
	v := newTestValidator(t, mem)
	h, err := NewEdgeRouter(Options{Validator: v})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/entitlements/acct-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/acct-1/access?feature=app_limits", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var decision validator.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, validator.DecisionDenied, decision.Kind)
	assert.Equal(t, validator.ReasonNoEntitlement, decision.Reason)
}

func TestErrorHandlerRecoversPanics(t *testing.T) {
	h := ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeInternal, decodeAPIError(t, rec).Code)
}
