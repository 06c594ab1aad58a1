package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridgeagent/internal/domain"
)

func TestParseProseOnly(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain text", "Hello, how can I help?", "Hello, how can I help?"},
		{"markdown", "Here is a **list**:\n- one\n- two", "Here is a **list**:\n- one\n- two"},
		{"whitespace trimmed", "  padded  ", "padded"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := Parse(tt.raw)
			assert.Nil(t, reply.Request)
			assert.Equal(t, tt.want, reply.Prose)
		})
	}
}

func TestParseEnvelopeWithToolCall(t *testing.T) {
	raw := `I'll list that directory for you.
{"tool_call": {"server_id": "filesystem", "tool_name": "list_dir", "parameters": {"path": "/tmp"}}, "response": "Listing /tmp now."}`

	reply := Parse(raw)
	require.NotNil(t, reply.Request)
	assert.Equal(t, "filesystem", reply.Request.ServerID)
	assert.Equal(t, "list_dir", reply.Request.ToolName)
	path, ok := reply.Request.Parameters.Get("path")
	require.True(t, ok)
	assert.Equal(t, "/tmp", path.StringValue())
	assert.Equal(t, "Listing /tmp now.", reply.Prose)
}

func TestParseEnvelopeWithNullToolCall(t *testing.T) {
	raw := `{"tool_call": {"server_id": null, "tool_name": null, "parameters": null}, "response": "All done."}`

	reply := Parse(raw)
	assert.Nil(t, reply.Request)
	assert.Equal(t, "All done.", reply.Prose)
}

func TestParseJSONFence(t *testing.T) {
	raw := "Let me check.\n```json\n{\"tool_call\": {\"server_id\": \"math\", \"tool_name\": \"add\", \"parameters\": {\"a\": 1, \"b\": 2}}, \"response\": \"Adding.\"}\n```"

	reply := Parse(raw)
	require.NotNil(t, reply.Request)
	assert.Equal(t, "math", reply.Request.ServerID)
	assert.Equal(t, "add", reply.Request.ToolName)
	assert.Equal(t, "Adding.", reply.Prose)
}

func TestParsePlainFence(t *testing.T) {
	raw := "```\n{\"tool_call\": {\"server_id\": \"fs\", \"tool_name\": \"read_file\", \"parameters\": {\"path\": \"a.txt\"}}, \"response\": \"Reading.\"}\n```"

	reply := Parse(raw)
	require.NotNil(t, reply.Request)
	assert.Equal(t, "read_file", reply.Request.ToolName)
}

func TestParseEnvelopeSpanningLines(t *testing.T) {
	raw := "{\"tool_call\": {\"server_id\": \"fs\",\n \"tool_name\": \"stat\",\n \"parameters\": {}},\n \"response\": \"Checking.\"}"

	reply := Parse(raw)
	require.NotNil(t, reply.Request)
	assert.Equal(t, "stat", reply.Request.ToolName)
	assert.Equal(t, domain.KindMap, reply.Request.Parameters.Kind())
	assert.Empty(t, reply.Request.Parameters.Fields())
}

func TestParseMissingResponseFallsBackToRemainder(t *testing.T) {
	raw := `Working on it. {"tool_call": null}`

	reply := Parse(raw)
	assert.Nil(t, reply.Request)
	assert.Equal(t, "Working on it.", reply.Prose)
}

func TestParseMalformedEnvelopeDegradesToProse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unterminated object", `Sure. {"tool_call": {"server_id": "fs"`},
		{"fence with garbage", "```json\nnot json at all\n```"},
		{"bare brace", "use { for blocks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := Parse(tt.raw)
			assert.Nil(t, reply.Request)
			assert.NotEmpty(t, reply.Prose)
		})
	}
}

func TestParseIncompleteToolCallIsNoRequest(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing tool_name", `{"tool_call": {"server_id": "fs", "parameters": {}}, "response": "hm"}`},
		{"missing parameters", `{"tool_call": {"server_id": "fs", "tool_name": "ls"}, "response": "hm"}`},
		{"parameters not an object", `{"tool_call": {"server_id": "fs", "tool_name": "ls", "parameters": "x"}, "response": "hm"}`},
		{"blank server_id", `{"tool_call": {"server_id": "  ", "tool_name": "ls", "parameters": {}}, "response": "hm"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := Parse(tt.raw)
			assert.Nil(t, reply.Request)
			assert.Equal(t, "hm", reply.Prose)
		})
	}
}

func TestParseIsDeterministic(t *testing.T) {
	raw := `Prefix {"tool_call": {"server_id": "a", "tool_name": "b", "parameters": {"k": [1, 2]}}, "response": "r"}`
	first := Parse(raw)
	second := Parse(raw)
	require.NotNil(t, first.Request)
	require.NotNil(t, second.Request)
	assert.Equal(t, first.Prose, second.Prose)
	assert.True(t, first.Request.Parameters.Equal(second.Request.Parameters))
}
