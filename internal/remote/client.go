// Package remote implements the record-store interfaces against an
// authority's HTTP API, for edge deployments.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	engerrors "github.com/rcourtman/entitlementd/internal/errors"
	"github.com/rcourtman/entitlementd/internal/store"
)

const (
	requestTimeout      = 15 * time.Second
	maxErrorBodyBytes   = 64 * 1024
	truncatedBodySuffix = " (truncated)"
	defaultUserAgent    = "entitlementd-edge"
)

// APIError is a non-2xx response that maps to no engine sentinel.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authority api error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("authority api error (status %d): %s", e.StatusCode, e.Message)
}

// Client talks to the authority API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// OptFunc configures a Client.
type OptFunc func(*Client)

func WithHTTPClient(httpClient *http.Client) OptFunc {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithUserAgent(userAgent string) OptFunc {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// NewClient creates a client for the authority at baseURL.
func NewClient(baseURL string, opts ...OptFunc) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: defaultUserAgent,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// HealthURL is the authority liveness endpoint.
func (c *Client) HealthURL() string {
	return c.baseURL + "/healthz"
}

// Ping checks the authority's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.doRequest(ctx, "ping", "", http.MethodGet, "/healthz", nil, nil)
}

// Entitlements returns the EntitlementStore view.
func (c *Client) Entitlements() *Entitlements { return &Entitlements{c: c} }

// FraudEvents returns the FraudEventStore view.
func (c *Client) FraudEvents() *FraudEvents { return &FraudEvents{c: c} }

// AuditLogs returns the AuditLogStore view.
func (c *Client) AuditLogs() *AuditLogs { return &AuditLogs{c: c} }

var (
	_ store.EntitlementStore = (*Entitlements)(nil)
	_ store.FraudEventStore  = (*FraudEvents)(nil)
	_ store.AuditLogStore    = (*AuditLogs)(nil)
)

// Entitlements implements store.EntitlementStore over HTTP.
type Entitlements struct{ c *Client }

func (e *Entitlements) Fetch(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	var out entitlement.Entitlement
	if err := e.c.doRequest(ctx, "fetch entitlement", accountID, http.MethodGet, "/api/v1/entitlements/"+url.PathEscape(accountID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Entitlements) Create(ctx context.Context, ent *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	var out entitlement.Entitlement
	if err := e.c.doRequest(ctx, "create entitlement", ent.AccountID, http.MethodPost, "/api/v1/entitlements", ent, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Entitlements) Update(ctx context.Context, ent *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	var out entitlement.Entitlement
	if err := e.c.doRequest(ctx, "update entitlement", ent.AccountID, http.MethodPut, "/api/v1/entitlements/"+url.PathEscape(ent.AccountID), ent, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Entitlements) FindByTransactionID(ctx context.Context, txnID string) ([]*entitlement.Entitlement, error) {
	return e.c.findByTransactionID(ctx, txnID)
}

func (e *Entitlements) List(ctx context.Context, q store.Query) ([]*entitlement.Entitlement, error) {
	values := url.Values{}
	if q.ActiveOnly {
		values.Set("active", "true")
	}
	if q.InGrace {
		values.Set("in_grace", "true")
	}
	if q.AutoRenew {
		values.Set("auto_renew", "true")
	}
	if q.ExpiredBefore != nil {
		values.Set("expired_before", q.ExpiredBefore.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	var out []*entitlement.Entitlement
	if err := e.c.doRequest(ctx, "list entitlements", "", http.MethodGet, "/api/v1/entitlements?"+values.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FraudEvents implements store.FraudEventStore over HTTP.
type FraudEvents struct{ c *Client }

func (f *FraudEvents) Create(ctx context.Context, ev *entitlement.FraudEvent) error {
	var out entitlement.FraudEvent
	if err := f.c.doRequest(ctx, "record fraud event", ev.AccountID, http.MethodPost, "/api/v1/fraud-events", ev, &out); err != nil {
		return err
	}
	ev.ID = out.ID
	return nil
}

func (f *FraudEvents) FetchSince(ctx context.Context, accountID string, since time.Time) ([]entitlement.FraudEvent, error) {
	path := "/api/v1/accounts/" + url.PathEscape(accountID) + "/fraud-events?" + sinceValues(since, 0).Encode()
	var out []entitlement.FraudEvent
	if err := f.c.doRequest(ctx, "fetch fraud events", accountID, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FraudEvents) FindByTransactionID(ctx context.Context, txnID string) ([]*entitlement.Entitlement, error) {
	return f.c.findByTransactionID(ctx, txnID)
}

// AuditLogs implements store.AuditLogStore over HTTP.
type AuditLogs struct{ c *Client }

func (a *AuditLogs) Create(ctx context.Context, rec *entitlement.AuditLog) error {
	var out entitlement.AuditLog
	if err := a.c.doRequest(ctx, "record audit log", rec.AccountID, http.MethodPost, "/api/v1/audit", rec, &out); err != nil {
		return err
	}
	rec.ID = out.ID
	rec.Timestamp = out.Timestamp
	return nil
}

func (a *AuditLogs) FetchSince(ctx context.Context, accountID string, since time.Time, limit int) ([]entitlement.AuditLog, error) {
	path := "/api/v1/accounts/" + url.PathEscape(accountID) + "/audit?" + sinceValues(since, limit).Encode()
	var out []entitlement.AuditLog
	if err := a.c.doRequest(ctx, "fetch audit logs", accountID, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) findByTransactionID(ctx context.Context, txnID string) ([]*entitlement.Entitlement, error) {
	values := url.Values{"transaction_id": {txnID}}
	var out []*entitlement.Entitlement
	if err := c.doRequest(ctx, "find transaction", "", http.MethodGet, "/api/v1/entitlements?"+values.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sinceValues(since time.Time, limit int) url.Values {
	values := url.Values{}
	if !since.IsZero() {
		values.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	return values
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *Client) doRequest(ctx context.Context, op, accountID, method, path string, requestBody, responseBody any) error {
	var body io.Reader
	if requestBody != nil {
		payload, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Any transport failure means the authority could not be asked.
		return engerrors.WrapTransient(op, accountID, fmt.Errorf("%w: %v", engerrors.ErrConnectionFailed, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(op, accountID, resp)
	}

	if responseBody == nil {
		return nil
	}

	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(responseBody); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseError(op, accountID string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes+1))
	truncated := len(body) > maxErrorBodyBytes
	if truncated {
		body = body[:maxErrorBodyBytes]
	}

	message := strings.TrimSpace(string(body))
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	if truncated {
		message += truncatedBodySuffix
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Code: payload.Code, Message: message}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return engerrors.New(engerrors.ClassTransient, op, accountID, apiErr).WithStatusCode(resp.StatusCode)
	}

	if base := sentinelFor(resp.StatusCode, payload.Code); base != nil {
		return engerrors.New(engerrors.ClassOf(base), op, accountID, fmt.Errorf("%w: %s", base, message)).WithStatusCode(resp.StatusCode)
	}
	return apiErr
}

func sentinelFor(status int, code string) error {
	switch code {
	case "not_found":
		return engerrors.ErrNotFound
	case "no_valid_entitlement":
		return engerrors.ErrNoValidEntitlement
	case "conflict":
		return engerrors.ErrConflict
	case "duplicate_transaction":
		return engerrors.ErrDuplicateTransaction
	case "already_revoked":
		return engerrors.ErrEntitlementAlreadyRevoked
	case "invalid_input":
		return engerrors.ErrInvalidInput
	case "fraud_blocked":
		return engerrors.ErrFraudBlocked
	}
	switch status {
	case http.StatusNotFound:
		return engerrors.ErrNotFound
	case http.StatusConflict:
		return engerrors.ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return engerrors.ErrInvalidInput
	}
	return nil
}
