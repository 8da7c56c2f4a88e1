package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/medlearn/aicache/pkg/analytics"
)

type clearArgs struct {
	Mode    string `json:"mode"`
	Expired bool   `json:"expired"`
}

type eventsArgs struct {
	Since string `json:"since"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"aicache_stats":  handleStats,
	"aicache_clear":  handleClear,
	"aicache_events": handleEvents,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "aicache_stats",
		Description: "Show AI response cache statistics: entries, hits, cost saved and hit rate, overall and per mode.",
		InputSchema: objectSchema(nil),
	},
	{
		Name:        "aicache_clear",
		Description: "Delete cache entries for one mode, every entry, or only expired entries.",
		InputSchema: objectSchema(map[string]Property{
			"mode":    {Type: "string", Description: "Only clear entries of this mode (optional, omit for all modes)"},
			"expired": {Type: "boolean", Description: "Only clear expired entries (optional)"},
		}),
	},
	{
		Name:        "aicache_events",
		Description: "Summarize recent cache hits, misses, errors and cost per mode.",
		InputSchema: objectSchema(map[string]Property{
			"since": {Type: "string", Description: "Look-back window such as 24h or 7d, or an RFC 3339 time (optional, defaults to 24h)"},
		}),
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(FormatCacheStats(stats))
}

func handleClear(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args clearArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
	}

	var (
		n   int64
		err error
	)
	switch {
	case args.Expired:
		n, err = s.cache.Purge(ctx)
	default:
		n, err = s.cache.Clear(ctx, args.Mode)
	}
	if err != nil {
		return errorResult("Error clearing cache: " + err.Error())
	}

	scope := "all modes"
	if args.Expired {
		scope = "expired entries"
	} else if args.Mode != "" {
		scope = "mode " + args.Mode
	}
	return textResult(fmt.Sprintf("Deleted %d cache entries (%s).", n, scope))
}

func handleEvents(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.events == nil {
		return textResult("Analytics is not configured.")
	}
	var args eventsArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
	}
	since, err := analytics.ParseSince(args.Since, s.now().UTC())
	if err != nil {
		return errorResult(err.Error())
	}
	sums, err := s.events.Summary(ctx, since)
	if err != nil {
		return errorResult("Error fetching events: " + err.Error())
	}
	return textResult(FormatEventSummary(sums))
}
