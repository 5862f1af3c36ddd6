package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiy/agent-memstore/pkg/types"
)

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func toolDefinitions() []ToolDefinition {
	filterProps := map[string]any{
		"type":          propString("Entry type."),
		"source":        propString("Source of the entry."),
		"agentId":       propString("Agent that wrote the entry."),
		"sessionId":     propString("Session the entry belongs to."),
		"tags":          propStringArray("Tags that must all be present."),
		"minImportance": propNumber("Minimum importance in [0, 1]."),
		"dateRange": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"start": propString("RFC 3339 lower bound on createdAt."),
				"end":   propString("RFC 3339 upper bound on createdAt."),
			},
		},
	}
	metadataProp := map[string]any{
		"type":        "object",
		"description": "Metadata: type (required), source, agentId, sessionId, tags, importance, plus free-form fields.",
	}

	return []ToolDefinition{
		{
			Name:        "memory_add",
			Description: "Store a new memory entry.",
			InputSchema: jsonSchema(map[string]any{
				"content":  propString("Text to remember."),
				"metadata": metadataProp,
			}, []string{"content", "metadata"}),
		},
		{
			Name:        "memory_search",
			Description: "Full-text search over memory with optional metadata filters.",
			InputSchema: jsonSchema(map[string]any{
				"text":      propString("Search text."),
				"limit":     propNumber("Maximum results (default 10, at most 1000)."),
				"threshold": propNumber("Minimum similarity in [0, 1]."),
				"filters":   map[string]any{"type": "object", "properties": filterProps},
			}, []string{"text"}),
		},
		{
			Name:        "memory_get",
			Description: "Fetch one memory entry by id.",
			InputSchema: jsonSchema(map[string]any{
				"id": propNumber("Entry id."),
			}, []string{"id"}),
		},
		{
			Name:        "memory_update",
			Description: "Merge metadata fields into an entry. Content cannot change.",
			InputSchema: jsonSchema(map[string]any{
				"id":    propNumber("Entry id."),
				"patch": map[string]any{"type": "object", "description": "Fields to replace; extra keys merge, null extra values delete."},
			}, []string{"id", "patch"}),
		},
		{
			Name:        "memory_delete",
			Description: "Delete one memory entry.",
			InputSchema: jsonSchema(map[string]any{
				"id": propNumber("Entry id."),
			}, []string{"id"}),
		},
		{
			Name:        "memory_list",
			Description: "List entries with optional type and tag filters.",
			InputSchema: jsonSchema(map[string]any{
				"type":    propString("Entry type."),
				"tags":    propStringArray("Tags that must all be present."),
				"limit":   propNumber("Page size; 0 for all."),
				"offset":  propNumber("Rows to skip."),
				"orderBy": propStringEnum("Sort column.", []string{"created_at", "last_accessed_at", "access_count", "id"}),
				"order":   propStringEnum("Sort direction.", []string{"asc", "desc"}),
			}, nil),
		},
		{
			Name:        "memory_stats",
			Description: "Report entry counts and storage sizes.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "memory_cleanup",
			Description: "Delete entries older than a number of days.",
			InputSchema: jsonSchema(map[string]any{
				"olderThanDays": propNumber("Age in days; omitted uses the configured retention."),
			}, nil),
		},
	}
}

type idArgs struct {
	ID int64 `json:"id"`
}

type addArgs struct {
	Content  string               `json:"content"`
	Metadata types.MemoryMetadata `json:"metadata"`
}

type updateArgs struct {
	ID    int64               `json:"id"`
	Patch types.MetadataPatch `json:"patch"`
}

type cleanupArgs struct {
	OlderThanDays int `json:"olderThanDays"`
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid tools/call params: %w", err)
	}
	if len(p.Arguments) == 0 {
		p.Arguments = json.RawMessage(`{}`)
	}

	switch p.Name {
	case "memory_add":
		var in addArgs
		if err := decodeArgs(p.Name, p.Arguments, &in); err != nil {
			return nil, err
		}
		return toolResult(s.mem.Add(ctx, in.Content, in.Metadata))
	case "memory_search":
		var in types.SearchQuery
		if err := decodeArgs(p.Name, p.Arguments, &in); err != nil {
			return nil, err
		}
		return toolResult(s.mem.Search(ctx, in))
	case "memory_get":
		var in idArgs
		if err := decodeArgs(p.Name, p.Arguments, &in); err != nil {
			return nil, err
		}
		e, found, err := s.mem.Get(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("entry %d not found", in.ID)
		}
		return toolSuccess(e)
	case "memory_update":
		var in updateArgs
		if err := decodeArgs(p.Name, p.Arguments, &in); err != nil {
			return nil, err
		}
		return toolResult(s.mem.Update(ctx, in.ID, in.Patch))
	case "memory_delete":
		var in idArgs
		if err := decodeArgs(p.Name, p.Arguments, &in); err != nil {
			return nil, err
		}
		if err := s.mem.Delete(ctx, in.ID); err != nil {
			return nil, err
		}
		return toolSuccess(map[string]any{"deleted": in.ID})
	case "memory_list":
		var in types.ListFilter
		if err := decodeArgs(p.Name, p.Arguments, &in); err != nil {
			return nil, err
		}
		return toolResult(s.mem.GetAll(ctx, in))
	case "memory_stats":
		return toolResult(s.mem.GetStats(ctx))
	case "memory_cleanup":
		var in cleanupArgs
		if err := decodeArgs(p.Name, p.Arguments, &in); err != nil {
			return nil, err
		}
		n, err := s.mem.Cleanup(ctx, in.OlderThanDays)
		if err != nil {
			return nil, err
		}
		return toolSuccess(map[string]any{"removed": n})
	default:
		return nil, fmt.Errorf("unknown tool %q", p.Name)
	}
}

func decodeArgs(tool string, raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid %s arguments: %w", tool, err)
	}
	return nil
}

func toolResult[T any](v T, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	return toolSuccess(v)
}

func toolSuccess(v any) (map[string]any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(b)}},
		"structuredContent": v,
		"isError":           false,
	}, nil
}

func toolError(err error) map[string]any {
	msg := err.Error()
	if errors.Is(err, context.Canceled) {
		msg = "request cancelled"
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": msg}},
		"isError": true,
	}
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propStringEnum(description string, values []string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

func propStringArray(description string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": description}
}

func propNumber(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}
