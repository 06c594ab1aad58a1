// Package parser extracts the structured tool request and the prose portion
// from a raw model reply. The model is instructed to answer with a JSON
// envelope {"tool_call":{...},"response":"..."}, but replies arrive in many
// shapes: the envelope alone, prose followed by the envelope, the envelope
// inside a fenced code block, or no envelope at all. Parsing fails open:
// malformed markup degrades to a prose-only reply, never an error.
package parser

import (
	"strings"

	"bridgeagent/internal/domain"
)

const (
	envelopeToolCallKey   = "tool_call"
	envelopeResponseKey   = "response"
	toolCallServerIDKey   = "server_id"
	toolCallToolNameKey   = "tool_name"
	toolCallParametersKey = "parameters"

	jsonFence = "```json"
	anyFence  = "```"
)

// ToolRequest is the tool invocation a model reply asked for.
type ToolRequest struct {
	ServerID   string
	ToolName   string
	Parameters domain.Value
}

// Reply is the parsed form of one raw model reply. Request is nil for
// prose-only replies.
type Reply struct {
	Prose   string
	Request *ToolRequest
}

// Parse splits a raw model reply into prose and an optional tool request.
// Pure and deterministic; identical input yields identical output.
//
// Candidate JSON envelopes are tried in order: the fragment after the last
// "{" (catches a flat trailing envelope), the first ```json fence, every
// plain ``` fence, and finally the widest {...} span. The first candidate
// that decodes to a JSON object wins. Anything else is prose.
func Parse(raw string) Reply {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Reply{}
	}

	if idx := strings.LastIndex(text, "{"); idx >= 0 {
		if envelope, ok := cleanAndDecode(text[idx:]); ok {
			return interpretEnvelope(envelope, strings.TrimSpace(text[:idx]))
		}
	}

	if idx := strings.Index(text, jsonFence); idx >= 0 {
		body := text[idx+len(jsonFence):]
		if end := strings.Index(body, anyFence); end >= 0 {
			body = body[:end]
		}
		if envelope, ok := cleanAndDecode(body); ok {
			return interpretEnvelope(envelope, strings.TrimSpace(text[:idx]))
		}
	}

	if strings.Contains(text, anyFence) {
		prefix := strings.TrimSpace(text[:strings.Index(text, anyFence)])
		for _, part := range strings.Split(text, anyFence) {
			if strings.TrimSpace(part) == "" {
				continue
			}
			if envelope, ok := cleanAndDecode(part); ok {
				return interpretEnvelope(envelope, prefix)
			}
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if envelope, ok := cleanAndDecode(text[start : end+1]); ok {
			remainder := strings.TrimSpace(text[:start] + text[end+1:])
			return interpretEnvelope(envelope, remainder)
		}
	}

	return Reply{Prose: text}
}

// cleanAndDecode collapses whitespace runs and decodes the fragment,
// accepting only a JSON object.
func cleanAndDecode(fragment string) (domain.Value, bool) {
	cleaned := strings.Join(strings.Fields(fragment), " ")
	if cleaned == "" {
		return domain.Value{}, false
	}
	v, err := domain.ParseValue([]byte(cleaned))
	if err != nil || v.Kind() != domain.KindMap {
		return domain.Value{}, false
	}
	return v, true
}

// interpretEnvelope extracts prose and tool request from a decoded envelope.
// remainder is the reply text outside the envelope; it becomes the prose
// when the envelope carries no usable response field.
func interpretEnvelope(envelope domain.Value, remainder string) Reply {
	prose := remainder
	if resp, ok := envelope.Get(envelopeResponseKey); ok && resp.Kind() == domain.KindString {
		prose = strings.TrimSpace(resp.StringValue())
	}
	return Reply{Prose: prose, Request: extractToolRequest(envelope)}
}

// extractToolRequest returns the requested invocation, or nil when the
// envelope's tool_call is absent, null, or incomplete. The model signals
// "no further tool needed" by nulling the three fields, so partial
// envelopes fold to nil rather than an error.
func extractToolRequest(envelope domain.Value) *ToolRequest {
	call, ok := envelope.Get(envelopeToolCallKey)
	if !ok || call.Kind() != domain.KindMap {
		return nil
	}
	serverID, ok := stringField(call, toolCallServerIDKey)
	if !ok {
		return nil
	}
	toolName, ok := stringField(call, toolCallToolNameKey)
	if !ok {
		return nil
	}
	params, ok := call.Get(toolCallParametersKey)
	if !ok || params.Kind() != domain.KindMap {
		return nil
	}
	return &ToolRequest{
		ServerID:   serverID,
		ToolName:   toolName,
		Parameters: params,
	}
}

func stringField(v domain.Value, name string) (string, bool) {
	field, ok := v.Get(name)
	if !ok || field.Kind() != domain.KindString {
		return "", false
	}
	value := strings.TrimSpace(field.StringValue())
	if value == "" {
		return "", false
	}
	return value, true
}
