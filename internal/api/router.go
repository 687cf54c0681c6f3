// Package api serves the entitlement engine over HTTP. The authority router
// exposes the record store, purchase and admin routes; the edge router only
// health and access checks.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rcourtman/entitlementd/internal/store"
	"github.com/rcourtman/entitlementd/internal/validator"
)

// Pinger reports backend health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the router's collaborators. Stores are required for the
// authority router only.
type Options struct {
	Entitlements store.EntitlementStore
	FraudEvents  store.FraudEventStore
	AuditLogs    store.AuditLogStore
	Validator    *validator.Validator
	Health       Pinger
	// Mode is reported by /healthz.
	Mode string
}

// Router holds the mux and handler dependencies.
type Router struct {
	mux          *http.ServeMux
	entitlements store.EntitlementStore
	fraudEvents  store.FraudEventStore
	auditLogs    store.AuditLogStore
	validator    *validator.Validator
	health       Pinger
	mode         string
}

// NewAuthorityRouter builds the full route table.
func NewAuthorityRouter(opts Options) (http.Handler, error) {
	if opts.Entitlements == nil || opts.FraudEvents == nil || opts.AuditLogs == nil {
		return nil, fmt.Errorf("api: authority router requires all stores")
	}
	if opts.Validator == nil {
		return nil, fmt.Errorf("api: validator is required")
	}
	r := newRouter(opts)
	r.registerHealthRoutes()
	r.registerStoreRoutes()
	r.registerAccountRoutes()
	return r.handler(), nil
}

// NewEdgeRouter builds the reduced edge route table.
func NewEdgeRouter(opts Options) (http.Handler, error) {
	if opts.Validator == nil {
		return nil, fmt.Errorf("api: validator is required")
	}
	r := newRouter(opts)
	r.registerHealthRoutes()
	r.mux.HandleFunc("GET /api/v1/accounts/{account}/access", r.handleAccess)
	return r.handler(), nil
}

func newRouter(opts Options) *Router {
	return &Router{
		mux:          http.NewServeMux(),
		entitlements: opts.Entitlements,
		fraudEvents:  opts.FraudEvents,
		auditLogs:    opts.AuditLogs,
		validator:    opts.Validator,
		health:       opts.Health,
		mode:         opts.Mode,
	}
}

func (r *Router) registerHealthRoutes() {
	r.mux.HandleFunc("GET /healthz", r.handleHealth)
}

func (r *Router) registerStoreRoutes() {
	r.mux.HandleFunc("GET /api/v1/entitlements/{account}", r.handleFetchEntitlement)
	r.mux.HandleFunc("GET /api/v1/entitlements", r.handleQueryEntitlements)
	r.mux.HandleFunc("POST /api/v1/entitlements", r.handleCreateEntitlement)
	r.mux.HandleFunc("PUT /api/v1/entitlements/{account}", r.handleUpdateEntitlement)
	r.mux.HandleFunc("POST /api/v1/fraud-events", r.handleCreateFraudEvent)
	r.mux.HandleFunc("GET /api/v1/accounts/{account}/fraud-events", r.handleFraudEventsSince)
	r.mux.HandleFunc("POST /api/v1/audit", r.handleCreateAudit)
	r.mux.HandleFunc("GET /api/v1/accounts/{account}/audit", r.handleAuditSince)
}

func (r *Router) registerAccountRoutes() {
	r.mux.HandleFunc("POST /api/v1/purchases", r.handlePurchase)
	r.mux.HandleFunc("POST /api/v1/accounts/{account}/billing-retry", r.handleBillingRetry)
	r.mux.HandleFunc("POST /api/v1/accounts/{account}/revoke", r.handleRevoke)
	r.mux.HandleFunc("GET /api/v1/accounts/{account}/access", r.handleAccess)
}

func (r *Router) handler() http.Handler {
	return ErrorHandler(r.mux, func(req *http.Request) string {
		_, pattern := r.mux.Handler(req)
		return pattern
	})
}
