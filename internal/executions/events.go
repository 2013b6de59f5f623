package executions

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// eventMeta is what gets indexed off a raw event payload.
type eventMeta struct {
	hookType     string
	mcpServer    string
	toolName     string
	subagentName string
}

// extractMeta pulls searchable metadata from a raw event payload. The
// runner emits both snake_case and camelCase field spellings depending on
// the event origin, so both are probed.
func extractMeta(kind string, payload json.RawMessage) eventMeta {
	var m eventMeta
	if len(payload) == 0 {
		return m
	}
	body := string(payload)

	switch kind {
	case KindHook:
		m.hookType = firstString(body, "hook_event_name", "hookEventName", "hookType")
		m.toolName = firstString(body, "tool_name", "toolName")
	case KindMCPToolCall, KindMCPToolResult:
		m.toolName = firstString(body, "tool_name", "toolName", "name")
		m.mcpServer = firstString(body, "server_name", "serverName", "mcpServer")
		if m.mcpServer == "" {
			if server, tool, ok := splitMCPName(m.toolName); ok {
				m.mcpServer = server
				m.toolName = tool
			}
		}
	case KindSubagentStart, KindSubagentResult:
		m.subagentName = firstString(body, "subagent_type", "subagentType", "agent_name", "agentName")
	case KindAssistant:
		// Index off the first tool_use block, if any.
		blocks := gjson.Get(body, "message.content")
		blocks.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() != "tool_use" {
				return true
			}
			name := block.Get("name").String()
			if server, tool, ok := splitMCPName(name); ok {
				m.mcpServer = server
				m.toolName = tool
			} else {
				m.toolName = name
			}
			return false
		})
	}
	return m
}

// splitMCPName decomposes the agent's mcp__{server}__{tool} tool naming.
func splitMCPName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, "mcp__") {
		return "", "", false
	}
	parts := strings.SplitN(name, "__", 3)
	if len(parts) < 3 || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// eventTimestamp reads the payload's own timestamp, falling back to now.
func eventTimestamp(payload json.RawMessage) time.Time {
	if len(payload) > 0 {
		if raw := gjson.GetBytes(payload, "timestamp").String(); raw != "" {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				return ts
			}
		}
	}
	return time.Now().UTC()
}

// translateChunks converts one raw event into streamed output chunks.
// Assistant messages split per content block; the remaining kinds map one
// to one. Result and init events produce no chunks, they drive completion
// and session-id binding instead.
func translateChunks(kind string, payload json.RawMessage, ts time.Time) []Chunk {
	if len(payload) == 0 {
		return nil
	}
	body := string(payload)

	switch kind {
	case KindAssistant:
		return assistantChunks(body, ts)
	case KindUser:
		return toolResultChunks(body, ts)
	case KindHook:
		return []Chunk{{
			Type:      ChunkHookEvent,
			Content:   firstString(body, "hook_event_name", "hookEventName", "hookType"),
			ToolName:  firstString(body, "tool_name", "toolName"),
			Timestamp: ts,
		}}
	case KindMCPToolCall:
		m := extractMeta(kind, payload)
		c := Chunk{Type: ChunkMCPToolCall, ToolName: m.toolName, MCPServer: m.mcpServer, Timestamp: ts}
		if input := gjson.Get(body, "input"); input.Exists() {
			c.ToolInput = json.RawMessage(input.Raw)
		}
		return []Chunk{c}
	case KindMCPToolResult:
		m := extractMeta(kind, payload)
		return []Chunk{{
			Type:      ChunkMCPToolResult,
			Content:   firstString(body, "result", "content", "output"),
			ToolName:  m.toolName,
			MCPServer: m.mcpServer,
			Timestamp: ts,
		}}
	case KindSubagentStart:
		return []Chunk{{
			Type:      ChunkSubagentStart,
			Content:   firstString(body, "subagent_type", "subagentType", "agent_name", "agentName"),
			Timestamp: ts,
		}}
	case KindSubagentResult:
		return []Chunk{{
			Type:      ChunkSubagentResult,
			Content:   firstString(body, "result", "output"),
			Timestamp: ts,
		}}
	case KindUserQuestion:
		return []Chunk{{
			Type:      ChunkUserQuestion,
			Content:   firstString(body, "question", "prompt", "message"),
			Timestamp: ts,
		}}
	case KindUserAnswer:
		return []Chunk{{
			Type:      ChunkUserAnswer,
			Content:   firstString(body, "answer", "response", "message"),
			Timestamp: ts,
		}}
	}
	return nil
}

// assistantChunks splits an assistant message's content blocks into text,
// thinking, and tool-use chunks. MCP-prefixed tool names become
// mcp_tool_call chunks with the server split out.
func assistantChunks(body string, ts time.Time) []Chunk {
	var chunks []Chunk
	blocks := gjson.Get(body, "message.content")
	if !blocks.Exists() {
		blocks = gjson.Get(body, "content")
	}
	blocks.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			if text := block.Get("text").String(); text != "" {
				chunks = append(chunks, Chunk{Type: ChunkText, Content: text, Timestamp: ts})
			}
		case "thinking":
			chunks = append(chunks, Chunk{Type: ChunkThinking, Content: block.Get("thinking").String(), Timestamp: ts})
		case "redacted_thinking":
			chunks = append(chunks, Chunk{Type: ChunkRedactedThinking, Timestamp: ts})
		case "tool_use":
			name := block.Get("name").String()
			c := Chunk{
				Type:      ChunkToolUse,
				ToolName:  name,
				ToolUseID: block.Get("id").String(),
				Timestamp: ts,
			}
			if input := block.Get("input"); input.Exists() {
				c.ToolInput = json.RawMessage(input.Raw)
			}
			if server, tool, ok := splitMCPName(name); ok {
				c.Type = ChunkMCPToolCall
				c.MCPServer = server
				c.ToolName = tool
			}
			chunks = append(chunks, c)
		}
		return true
	})
	return chunks
}

// toolResultChunks pulls tool_result blocks out of a user record. Plain
// user text never becomes a chunk; the prompt already lives on the
// execution.
func toolResultChunks(body string, ts time.Time) []Chunk {
	var chunks []Chunk
	blocks := gjson.Get(body, "message.content")
	if !blocks.Exists() {
		blocks = gjson.Get(body, "content")
	}
	if !blocks.IsArray() {
		return nil
	}
	blocks.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "tool_result" {
			return true
		}
		chunks = append(chunks, Chunk{
			Type:      ChunkToolResult,
			Content:   flattenResultContent(block.Get("content")),
			ToolUseID: block.Get("tool_use_id").String(),
			Timestamp: ts,
		})
		return true
	})
	return chunks
}

// flattenResultContent joins a tool result's content, which is either a
// bare string or an array of text blocks.
func flattenResultContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			if t := block.Get("text").String(); t != "" {
				parts = append(parts, t)
			}
		}
		return true
	})
	return strings.Join(parts, "\n")
}

func firstString(body string, keys ...string) string {
	for _, key := range keys {
		if v := gjson.Get(body, key); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
