package cli

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

	"refengine/internal/queue"
	"refengine/internal/rewards"

	"github.com/shopspring/decimal"
)

// APIError is a non-2xx answer from the engine API. Anything else returned by
// the client is a transport failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   strings.TrimSpace(token),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type DistributeRequest struct {
	EventID       string          `json:"event_id,omitempty"`
	EarnerID      string          `json:"earner_id"`
	EarningAmount decimal.Decimal `json:"earning_amount"`
	EarningType   string          `json:"earning_type"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

type EnqueueResponse struct {
	Queued  bool       `json:"queued"`
	EventID string     `json:"event_id"`
	Kind    queue.Kind `json:"kind"`
}

type PolicySummary struct {
	OK         bool `json:"ok"`
	Configured bool `json:"configured"`
	Badges     int  `json:"badges"`
	Rates      int  `json:"rates"`
	Milestones int  `json:"milestones"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.jsonRequest(ctx, http.MethodGet, "/healthz", nil, nil, "")
}

func (c *Client) Distribute(ctx context.Context, in DistributeRequest, idem string) (rewards.DistributionResult, error) {
	var out rewards.DistributionResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/commissions/distribute", in, &out, idem)
	return out, err
}

func (c *Client) EvaluateMilestones(ctx context.Context, sponsorID, triggerReferralID string) (rewards.MilestoneResult, error) {
	var out rewards.MilestoneResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/milestones/evaluate", map[string]any{
		"sponsor_id":          sponsorID,
		"trigger_referral_id": triggerReferralID,
	}, &out, "")
	return out, err
}

func (c *Client) SendEvent(ctx context.Context, t queue.Trigger) (EnqueueResponse, error) {
	var out EnqueueResponse
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/events", t, &out, t.EventID)
	return out, err
}

func (c *Client) Balance(ctx context.Context, userID string) (rewards.Balance, error) {
	var out rewards.Balance
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(userID), nil, &out, "")
	return out, err
}

func (c *Client) CommissionHistory(ctx context.Context, userID string, limit int) ([]rewards.CommissionEntry, error) {
	path := "/v1/commissions/" + url.PathEscape(userID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Commissions []rewards.CommissionEntry `json:"commissions"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out, "")
	return out.Commissions, err
}

func (c *Client) MilestoneClaims(ctx context.Context, userID string) ([]rewards.MilestoneClaim, error) {
	var out struct {
		Claims []rewards.MilestoneClaim `json:"claims"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/milestones/"+url.PathEscape(userID), nil, &out, "")
	return out.Claims, err
}

func (c *Client) Reconciliation(ctx context.Context, userID string) (rewards.ReconciliationReport, error) {
	path := "/v1/admin/reconciliation"
	if userID != "" {
		path += "?user_id=" + url.QueryEscape(userID)
	}
	var out rewards.ReconciliationReport
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out, "")
	return out, err
}

// ReplacePolicy uploads a YAML or JSON policy document as-is.
func (c *Client) ReplacePolicy(ctx context.Context, document []byte) (PolicySummary, error) {
	var out PolicySummary
	err := c.rawRequest(ctx, http.MethodPut, "/v1/admin/policy", "application/yaml", bytes.NewReader(document), &out, "")
	return out, err
}

func (c *Client) RebuildTree(ctx context.Context, userID string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/v1/admin/tree/"+url.PathEscape(userID)+"/rebuild", nil, nil, "")
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any, idem string) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}
	return c.rawRequest(ctx, method, path, contentType, body, out, idem)
}

func (c *Client) rawRequest(ctx context.Context, method, path, contentType string, body io.Reader, out any, idem string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
