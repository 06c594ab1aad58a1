package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"bridgeagent/internal/domain"
)

// ServerInfo describes one tool server registered with the bridge.
type ServerInfo struct {
	ID              string `json:"id"`
	Connected       bool   `json:"connected"`
	PID             int    `json:"pid,omitempty"`
	RiskLevel       int    `json:"risk_level,omitempty"`
	RiskDescription string `json:"risk_description,omitempty"`
}

// ListServers returns the bridge's registered tool servers.
func (c *Client) ListServers(ctx context.Context) ([]ServerInfo, error) {
	body, err := c.get(ctx, "/servers")
	if err != nil {
		return nil, err
	}
	var out struct {
		Servers []ServerInfo `json:"servers"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &BridgeError{
			Code:    ErrorCodeBridgeRejected,
			Message: "bridge server list is not valid json",
			Err:     err,
		}
	}
	return out.Servers, nil
}

// ListTools returns the tools one server exposes. Each tool's parameter
// schema is compiled once here so a broken schema surfaces at catalog time
// instead of mid-conversation.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]domain.ToolInfo, error) {
	body, err := c.get(ctx, "/servers/"+url.PathEscape(serverID)+"/tools")
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []struct {
			Name        string       `json:"name"`
			Description string       `json:"description"`
			InputSchema domain.Value `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &BridgeError{
			Code:    ErrorCodeBridgeRejected,
			Message: "bridge tool list is not valid json",
			Err:     err,
		}
	}
	tools := make([]domain.ToolInfo, 0, len(out.Tools))
	for _, t := range out.Tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		tools = append(tools, domain.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.InputSchema,
			SchemaOK:    schemaCompiles(t.InputSchema),
		})
	}
	return tools, nil
}

// FetchCatalog builds a complete catalog by walking every registered server.
// A server whose tool listing fails contributes an empty tool list rather
// than failing the whole refresh.
func (c *Client) FetchCatalog(ctx context.Context) (domain.ToolCatalog, error) {
	servers, err := c.ListServers(ctx)
	if err != nil {
		return domain.ToolCatalog{}, err
	}
	catalog := domain.ToolCatalog{Servers: map[string][]domain.ToolInfo{}}
	for _, server := range servers {
		tools, err := c.ListTools(ctx, server.ID)
		if err != nil {
			catalog.Servers[server.ID] = []domain.ToolInfo{}
			continue
		}
		catalog.Servers[server.ID] = tools
	}
	return catalog, nil
}

func schemaCompiles(schema domain.Value) bool {
	if schema.IsNull() {
		return true
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema.JSONString()))
	if err != nil {
		return false
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return false
	}
	_, err = compiler.Compile("tool.json")
	return err == nil
}

const systemInstructionTemplate = `You are an AI assistant that uses available tools to help users accomplish tasks.
When responding, you must ALWAYS return answers in the following JSON format:
{
  "tool_call": {
    "server_id": "string or null",
    "tool_name": "string or null",
    "parameters": {} or null
  },
  "response": "string"
}

If you need to use a tool, fill in the server_id, tool_name, and parameters fields.
If you don't need to use a tool, set server_id, tool_name, and parameters to null.

Your response field should always contain your message to the user.

Here's information about all the tools you can use:

%s

When a user asks for something that requires using these tools:
1. Figure out which tool is most appropriate
2. Format a proper JSON response with the tool_call filled in
3. Make your response helpful and conversational

When you receive feedback about a tool execution:
1. If you need to make another tool call based on the previous result, include it in your tool_call
2. If no more calls are needed, set server_id, tool_name, and parameters to null
3. Provide a helpful message about the final result in the response field

IMPORTANT: Some tool operations may require user confirmation for security reasons.
If a tool execution requires confirmation, the user will be asked to approve or
decline it before the result comes back to you.`

// SystemInstruction renders the model's standing instruction from a catalog.
// Server sections are emitted in sorted order so the instruction is stable
// across refreshes of the same catalog.
func SystemInstruction(catalog domain.ToolCatalog) string {
	return strings.TrimSpace(fmt.Sprintf(systemInstructionTemplate, toolsDescription(catalog)))
}

func toolsDescription(catalog domain.ToolCatalog) string {
	var b strings.Builder
	b.WriteString("Available tools by server:\n\n")

	serverIDs := catalog.ServerIDs()
	sort.Strings(serverIDs)
	for _, serverID := range serverIDs {
		fmt.Fprintf(&b, "## Server: %s\n\n", serverID)
		for _, tool := range catalog.Servers[serverID] {
			fmt.Fprintf(&b, "### %s\n", tool.Name)
			description := tool.Description
			if description == "" {
				description = "No description"
			}
			fmt.Fprintf(&b, "Description: %s\n", description)
			writeSchemaParameters(&b, tool.Schema)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func writeSchemaParameters(b *strings.Builder, schema domain.Value) {
	properties, ok := schema.Get("properties")
	if ok && properties.Kind() == domain.KindMap && len(properties.Fields()) > 0 {
		b.WriteString("Parameters:\n")
		for _, f := range properties.Fields() {
			paramType := "any"
			if t, ok := f.Value.Get("type"); ok && t.Kind() == domain.KindString {
				paramType = t.StringValue()
			}
			paramDesc := ""
			if d, ok := f.Value.Get("description"); ok && d.Kind() == domain.KindString {
				paramDesc = d.StringValue()
			}
			fmt.Fprintf(b, "- %s (%s): %s\n", f.Name, paramType, paramDesc)
		}
	}
	required, ok := schema.Get("required")
	if ok && required.Kind() == domain.KindList && len(required.ListValue()) > 0 {
		names := make([]string, 0, len(required.ListValue()))
		for _, item := range required.ListValue() {
			if item.Kind() == domain.KindString {
				names = append(names, item.StringValue())
			}
		}
		if len(names) > 0 {
			fmt.Fprintf(b, "Required parameters: %s\n", strings.Join(names, ", "))
		}
	}
}
