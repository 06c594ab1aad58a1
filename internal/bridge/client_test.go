package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridgeagent/internal/domain"
)

func TestExecuteReturnsResult(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"42"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	params := domain.Map(
		domain.Field{Name: "a", Value: domain.Int(15)},
		domain.Field{Name: "b", Value: domain.Int(27)},
	)
	outcome, err := client.Execute(context.Background(), "math", "add", params)

	require.NoError(t, err)
	assert.Equal(t, "/servers/math/tools/add", gotPath)
	assert.Equal(t, map[string]interface{}{"a": float64(15), "b": float64(27)}, gotBody)
	assert.Nil(t, outcome.Confirmation)
	content, ok := outcome.Result.Get("content")
	require.True(t, ok)
	assert.Equal(t, domain.KindList, content.Kind())
}

func TestExecuteDetectsConfirmationRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"requires_confirmation": true,
			"confirmation_id": "conf-abc",
			"method": "tools/call",
			"risk_level": 2,
			"risk_description": "May modify files",
			"expires_at": "2026-08-31T12:00:00Z"
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	outcome, err := client.Execute(context.Background(), "filesystem", "write_file", domain.Map())

	require.NoError(t, err)
	require.NotNil(t, outcome.Confirmation)
	assert.Equal(t, "conf-abc", outcome.Confirmation.ConfirmationID)
	assert.Equal(t, "filesystem", outcome.Confirmation.ServerID)
	assert.Equal(t, "write_file", outcome.Confirmation.ToolName)
	assert.Equal(t, 2, outcome.Confirmation.RiskLevel)
	assert.Equal(t, "May modify files", outcome.Confirmation.RiskDescription)
	assert.Equal(t, domain.ConfirmationStatusPending, outcome.Confirmation.Status)
}

func TestExecuteConfirmationWithoutIDIsPlainResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"requires_confirmation": true}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	outcome, err := client.Execute(context.Background(), "s", "t", domain.Map())

	require.NoError(t, err)
	assert.Nil(t, outcome.Confirmation)
}

func TestExecuteSurfacesBridgeErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "Tool unknown_tool not found"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.Execute(context.Background(), "math", "unknown_tool", domain.Map())

	var bridgeErr *BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, ErrorCodeBridgeRejected, bridgeErr.Code)
	assert.Equal(t, "Error: Tool unknown_tool not found", bridgeErr.Message)
}

func TestExecuteTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.Execute(context.Background(), "math", "add", domain.Map())

	var bridgeErr *BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, ErrorCodeBridgeUnreachable, bridgeErr.Code)
}

func TestConfirmApproveReturnsBridgeResult(t *testing.T) {
	var gotBody map[string]bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/confirmations/conf-abc", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"content":[{"type":"text","text":"done"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	result, err := client.Confirm(context.Background(), "conf-abc", true)

	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"confirm": true}, gotBody)
	assert.False(t, isRejectionRecord(result))
}

func TestConfirmDeclineAlwaysYieldsRejectionRecord(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"bridge acknowledges", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"rejected"}`))
		}},
		{"bridge errors", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGone)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client := NewClient(srv.URL, srv.Client())
			result, err := client.Confirm(context.Background(), "conf-abc", false)

			require.NoError(t, err)
			assert.True(t, isRejectionRecord(result))
			msg, ok := result.Get("message")
			require.True(t, ok)
			assert.Equal(t, RejectionMessage, msg.StringValue())
		})
	}
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"status":"ok","serverCount":3,"uptime":12.5}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	health, err := client.CheckHealth(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 3, health.ServerCount)
}
