package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/medlearn/aicache/pkg/models"
)

// CacheAdmin is the part of the cache store the tools drive.
type CacheAdmin interface {
	Stats(ctx context.Context) (models.CacheStats, error)
	Clear(ctx context.Context, mode string) (int64, error)
	Purge(ctx context.Context) (int64, error)
}

// EventSummarizer reports analytics totals per mode.
type EventSummarizer interface {
	Summary(ctx context.Context, since time.Time) ([]models.EventSummary, error)
}

// Server is a minimal MCP server that communicates over stdio using JSON-RPC 2.0.
type Server struct {
	cache   CacheAdmin
	events  EventSummarizer
	logger  *zap.Logger
	version string
	now     func() time.Time
}

// New creates a new MCP Server. events may be nil when analytics is off.
func New(cache CacheAdmin, events EventSummarizer, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cache:   cache,
		events:  events,
		logger:  logger,
		version: version,
		now:     time.Now,
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, *errorResponse(nil, CodeParseError, "parse error"))
			continue
		}

		resp := s.dispatch(ctx, &req)
		if resp == nil {
			continue
		}
		s.writeResponse(w, *resp)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != jsonrpcVersion {
		if len(req.ID) == 0 {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be %q", jsonrpcVersion)
	}
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "aicache", Version: s.version},
			Capabilities:    Capabilities{Tools: &ToolsCapability{}},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return resultResponse(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "unknown method: %s", req.Method)
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return resultResponse(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}

	s.logger.Debug("mcp tool call", zap.String("tool", params.Name))
	return resultResponse(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp marshal failed", zap.Error(err))
		data, _ = json.Marshal(errorResponse(resp.ID, CodeInternalError, "internal error"))
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("mcp write failed", zap.Error(err))
	}
}
