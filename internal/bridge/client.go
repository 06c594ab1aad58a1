// Package bridge is the HTTP client for the tool-bridge service. The bridge
// owns tool processes, parameter validation, and the risk policy; this client
// only moves requests and results across the wire.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bridgeagent/internal/domain"
)

const (
	ErrorCodeBridgeUnreachable = "tool_transport_failure"
	ErrorCodeBridgeRejected    = "tool_bridge_rejected"

	maxResponseBytes = 4 * 1024 * 1024
)

// RejectionMessage is the reason recorded when the user declines a gated
// operation.
const RejectionMessage = "User rejected the operation"

type BridgeError struct {
	Code    string
	Message string
	Err     error
}

func (e *BridgeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *BridgeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Outcome is the result of one tool execution attempt. Exactly one of Result
// and Confirmation is meaningful: a non-nil Confirmation means the bridge
// suspended the call pending the user's decision.
type Outcome struct {
	Result       domain.Value
	Confirmation *domain.PendingConfirmation
}

// Health is the bridge's health report.
type Health struct {
	Status      string  `json:"status"`
	ServerCount int     `json:"serverCount"`
	Uptime      float64 `json:"uptime"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

func (c *Client) CheckHealth(ctx context.Context) (Health, error) {
	body, err := c.get(ctx, "/health")
	if err != nil {
		return Health{}, err
	}
	var out Health
	if err := json.Unmarshal(body, &out); err != nil {
		return Health{}, &BridgeError{
			Code:    ErrorCodeBridgeRejected,
			Message: "bridge health response is not valid json",
			Err:     err,
		}
	}
	return out, nil
}

// Execute runs one tool call. A single attempt, no retries: the bridge may
// have already applied side effects by the time a response is lost, so
// retrying is never safe.
func (c *Client) Execute(ctx context.Context, serverID, toolName string, parameters domain.Value) (Outcome, error) {
	payload, err := json.Marshal(parameters)
	if err != nil {
		return Outcome{}, &BridgeError{
			Code:    ErrorCodeBridgeUnreachable,
			Message: "failed to encode tool parameters",
			Err:     err,
		}
	}

	path := fmt.Sprintf("/servers/%s/tools/%s", url.PathEscape(serverID), url.PathEscape(toolName))
	body, err := c.post(ctx, path, payload)
	if err != nil {
		return Outcome{}, err
	}

	result, err := domain.ParseValue(body)
	if err != nil {
		return Outcome{}, &BridgeError{
			Code:    ErrorCodeBridgeRejected,
			Message: "bridge tool response is not valid json",
			Err:     err,
		}
	}

	if pending, ok := confirmationFromResult(result, serverID, toolName); ok {
		return Outcome{Confirmation: pending}, nil
	}
	return Outcome{Result: result}, nil
}

// Confirm settles a suspended confirmation. Approving forwards the decision
// and returns the bridge's execution result. Declining notifies the bridge
// best-effort and always yields the rejection record, matching what the
// model is told either way.
func (c *Client) Confirm(ctx context.Context, confirmationID string, approve bool) (domain.Value, error) {
	payload, err := json.Marshal(map[string]bool{"confirm": approve})
	if err != nil {
		return domain.Value{}, &BridgeError{
			Code:    ErrorCodeBridgeUnreachable,
			Message: "failed to encode confirmation decision",
			Err:     err,
		}
	}

	path := "/confirmations/" + url.PathEscape(confirmationID)
	body, postErr := c.post(ctx, path, payload)

	if !approve {
		return rejectionRecord(), nil
	}
	if postErr != nil {
		return domain.Value{}, postErr
	}

	result, err := domain.ParseValue(body)
	if err != nil {
		return domain.Value{}, &BridgeError{
			Code:    ErrorCodeBridgeRejected,
			Message: "bridge confirmation response is not valid json",
			Err:     err,
		}
	}
	return result, nil
}

func rejectionRecord() domain.Value {
	return domain.Map(
		domain.Field{Name: "status", Value: domain.String("rejected")},
		domain.Field{Name: "message", Value: domain.String(RejectionMessage)},
	)
}

// isRejectionRecord reports whether a tool result is the record of a
// user-declined operation.
func isRejectionRecord(result domain.Value) bool {
	status, ok := result.Get("status")
	return ok && status.Kind() == domain.KindString && status.StringValue() == "rejected"
}

func confirmationFromResult(result domain.Value, serverID, toolName string) (*domain.PendingConfirmation, bool) {
	flag, ok := result.Get("requires_confirmation")
	if !ok || flag.Kind() != domain.KindBool || !flag.BoolValue() {
		return nil, false
	}
	pending := &domain.PendingConfirmation{
		ServerID: serverID,
		ToolName: toolName,
		Status:   domain.ConfirmationStatusPending,
	}
	if v, ok := result.Get("confirmation_id"); ok && v.Kind() == domain.KindString {
		pending.ConfirmationID = v.StringValue()
	}
	if v, ok := result.Get("method"); ok && v.Kind() == domain.KindString {
		pending.Method = v.StringValue()
	}
	if v, ok := result.Get("risk_level"); ok && v.Kind() == domain.KindNumber {
		if level, err := v.NumberValue().Int64(); err == nil {
			pending.RiskLevel = int(level)
		}
	}
	if v, ok := result.Get("risk_description"); ok && v.Kind() == domain.KindString {
		pending.RiskDescription = v.StringValue()
	}
	if v, ok := result.Get("expires_at"); ok && v.Kind() == domain.KindString {
		pending.ExpiresAt = v.StringValue()
	}
	if pending.ConfirmationID == "" {
		return nil, false
	}
	return pending, true
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &BridgeError{
			Code:    ErrorCodeBridgeUnreachable,
			Message: "failed to create bridge request",
			Err:     err,
		}
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &BridgeError{
			Code:    ErrorCodeBridgeUnreachable,
			Message: "failed to create bridge request",
			Err:     err,
		}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &BridgeError{
			Code:    ErrorCodeBridgeUnreachable,
			Message: "bridge request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &BridgeError{
			Code:    ErrorCodeBridgeUnreachable,
			Message: "failed to read bridge response",
			Err:     err,
		}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &BridgeError{
			Code:    ErrorCodeBridgeRejected,
			Message: rejectionMessageFromBody(resp.StatusCode, body),
		}
	}
	return body, nil
}

// rejectionMessageFromBody prefers the bridge's own error text over a bare
// status code.
func rejectionMessageFromBody(status int, body []byte) string {
	var detail struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &detail); err == nil && strings.TrimSpace(detail.Error) != "" {
		return fmt.Sprintf("Error: %s", strings.TrimSpace(detail.Error))
	}
	return fmt.Sprintf("bridge returned status %d", status)
}
