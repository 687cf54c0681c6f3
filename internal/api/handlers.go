package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	engerrors "github.com/rcourtman/entitlementd/internal/errors"
	"github.com/rcourtman/entitlementd/internal/store"
	"github.com/rcourtman/entitlementd/internal/validator"
)

const (
	maxBodyBytes      = 1 << 20
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BillingRetryRequest resolves a running billing grace period.
type BillingRetryRequest struct {
	RenewedUntil time.Time `json:"renewed_until"`
}

// RevokeRequest revokes an account's entitlement.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := HealthResponse{Status: "ok", Mode: r.mode}
	if r.health != nil {
		if err := r.health.Ping(req.Context()); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleFetchEntitlement(w http.ResponseWriter, req *http.Request) {
	ent, err := r.entitlements.Fetch(req.Context(), req.PathValue("account"))
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// handleQueryEntitlements serves the duplicate lookup when transaction_id is
// set and a predicate list otherwise.
func (r *Router) handleQueryEntitlements(w http.ResponseWriter, req *http.Request) {
	var (
		ents []*entitlement.Entitlement
		err  error
	)
	if txnID := strings.TrimSpace(req.URL.Query().Get("transaction_id")); txnID != "" {
		ents, err = r.entitlements.FindByTransactionID(req.Context(), txnID)
	} else {
		q, qerr := parseQuery(req)
		if qerr != nil {
			writeError(w, req, qerr)
			return
		}
		ents, err = r.entitlements.List(req.Context(), q)
	}
	if err != nil {
		writeError(w, req, err)
		return
	}
	if ents == nil {
		ents = []*entitlement.Entitlement{}
	}
	writeJSON(w, http.StatusOK, ents)
}

func (r *Router) handleCreateEntitlement(w http.ResponseWriter, req *http.Request) {
	var ent entitlement.Entitlement
	if !decodeBody(w, req, &ent) {
		return
	}
	created, err := r.entitlements.Create(req.Context(), &ent)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (r *Router) handleUpdateEntitlement(w http.ResponseWriter, req *http.Request) {
	var ent entitlement.Entitlement
	if !decodeBody(w, req, &ent) {
		return
	}
	if account := req.PathValue("account"); ent.AccountID != account {
		writeErrorResponse(w, http.StatusBadRequest, CodeInvalidInput,
			fmt.Sprintf("account_id %q does not match path account %q", ent.AccountID, account), nil)
		return
	}
	updated, err := r.entitlements.Update(req.Context(), &ent)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (r *Router) handleCreateFraudEvent(w http.ResponseWriter, req *http.Request) {
	var ev entitlement.FraudEvent
	if !decodeBody(w, req, &ev) {
		return
	}
	if err := r.fraudEvents.Create(req.Context(), &ev); err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (r *Router) handleFraudEventsSince(w http.ResponseWriter, req *http.Request) {
	since, ok := parseSince(w, req)
	if !ok {
		return
	}
	events, err := r.fraudEvents.FetchSince(req.Context(), req.PathValue("account"), since)
	if err != nil {
		writeError(w, req, err)
		return
	}
	if events == nil {
		events = []entitlement.FraudEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Router) handleCreateAudit(w http.ResponseWriter, req *http.Request) {
	var rec entitlement.AuditLog
	if !decodeBody(w, req, &rec) {
		return
	}
	if rec.AccountID == "" || rec.EventType == "" {
		writeErrorResponse(w, http.StatusBadRequest, CodeInvalidInput, "account_id and event_type are required", nil)
		return
	}
	if err := r.auditLogs.Create(req.Context(), &rec); err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (r *Router) handleAuditSince(w http.ResponseWriter, req *http.Request) {
	since, ok := parseSince(w, req)
	if !ok {
		return
	}
	limit := defaultAuditLimit
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErrorResponse(w, http.StatusBadRequest, CodeInvalidInput, "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxAuditLimit)
	}
	records, err := r.auditLogs.FetchSince(req.Context(), req.PathValue("account"), since, limit)
	if err != nil {
		writeError(w, req, err)
		return
	}
	if records == nil {
		records = []entitlement.AuditLog{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Router) handlePurchase(w http.ResponseWriter, req *http.Request) {
	var p validator.Purchase
	if !decodeBody(w, req, &p) {
		return
	}
	ent, err := r.validator.Activate(req.Context(), p)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, ent)
}

func (r *Router) handleBillingRetry(w http.ResponseWriter, req *http.Request) {
	var body BillingRetryRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if body.RenewedUntil.IsZero() {
		writeErrorResponse(w, http.StatusBadRequest, CodeInvalidInput, "renewed_until is required", nil)
		return
	}
	ent, err := r.validator.ResolveBillingRetry(req.Context(), req.PathValue("account"), body.RenewedUntil)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (r *Router) handleRevoke(w http.ResponseWriter, req *http.Request) {
	var body RevokeRequest
	if !decodeBody(w, req, &body) {
		return
	}
	ent, err := r.validator.Revoke(req.Context(), req.PathValue("account"), body.Reason)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (r *Router) handleAccess(w http.ResponseWriter, req *http.Request) {
	feature := strings.TrimSpace(req.URL.Query().Get("feature"))
	if feature == "" {
		writeErrorResponse(w, http.StatusBadRequest, CodeInvalidInput, "feature is required", nil)
		return
	}
	decision := r.validator.CheckAccess(req.Context(), feature, req.PathValue("account"))
	writeJSON(w, http.StatusOK, decision)
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, req *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, CodeInvalidInput,
			fmt.Sprintf("invalid request body: %v", err), nil)
		return false
	}
	return true
}

func parseSince(w http.ResponseWriter, req *http.Request) (time.Time, bool) {
	raw := strings.TrimSpace(req.URL.Query().Get("since"))
	if raw == "" {
		return time.Time{}, true
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeError(w, req, fmt.Errorf("%w: since must be RFC3339: %v", engerrors.ErrInvalidInput, err))
		return time.Time{}, false
	}
	return since, true
}

// parseQuery reads store.Query predicates from the URL.
func parseQuery(req *http.Request) (store.Query, error) {
	values := req.URL.Query()
	q := store.Query{
		ActiveOnly: values.Get("active") == "true",
		InGrace:    values.Get("in_grace") == "true",
		AutoRenew:  values.Get("auto_renew") == "true",
	}
	if raw := strings.TrimSpace(values.Get("expired_before")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return store.Query{}, fmt.Errorf("%w: expired_before must be RFC3339: %v", engerrors.ErrInvalidInput, err)
		}
		q.ExpiredBefore = &t
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return store.Query{}, fmt.Errorf("%w: limit must be a non-negative integer", engerrors.ErrInvalidInput)
		}
		q.Limit = n
	}
	return q, nil
}
