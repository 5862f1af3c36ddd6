package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-memstore/pkg/types"
)

const (
	jsonRPCVersion         = "2.0"
	defaultProtocolVersion = "2024-11-05"

	codeParseError     = -32700
	codeMethodNotFound = -32601
)

// Store is the memory surface exposed as tools. *memory.Lazy satisfies it.
type Store interface {
	Add(ctx context.Context, content string, meta types.MemoryMetadata) (types.MemoryEntry, error)
	Get(ctx context.Context, id int64) (types.MemoryEntry, bool, error)
	Update(ctx context.Context, id int64, patch types.MetadataPatch) (types.MemoryEntry, error)
	Delete(ctx context.Context, id int64) error
	Search(ctx context.Context, q types.SearchQuery) ([]types.SearchResult, error)
	GetAll(ctx context.Context, f types.ListFilter) ([]types.MemoryEntry, error)
	GetStats(ctx context.Context) (types.Stats, error)
	Cleanup(ctx context.Context, days int) (int64, error)
}

// Server answers MCP JSON-RPC requests over stdio.
type Server struct {
	mem     Store
	logger  *log.Logger
	name    string
	version string

	requests atomic.Uint64
	failures atomic.Uint64
}

// NewServer creates an MCP server backed by mem.
func NewServer(mem Store, logger *log.Logger, name, version string) *Server {
	if strings.TrimSpace(name) == "" {
		name = "memstore"
	}
	return &Server{mem: mem, logger: logger, name: name, version: version}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Serve reads requests from in until EOF or ctx is done.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	c := newCodec(in, out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, f, err := c.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "error", err)
			s.failures.Add(1)
			if werr := c.Write(errorResponse(nil, codeParseError, "parse error", err.Error()), f); werr != nil {
				return werr
			}
			continue
		}

		started := time.Now()
		resp, reply := s.handle(ctx, req)
		s.logger.Debug("handled request", "method", req.Method, "duration", time.Since(started))
		if !reply {
			continue
		}
		if err := c.Write(resp, f); err != nil {
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	s.requests.Add(1)
	hasID := len(req.ID) > 0
	id := decodeID(req.ID)

	switch req.Method {
	case "notifications/initialized":
		return response{}, false
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		pv := strings.TrimSpace(p.ProtocolVersion)
		if pv == "" {
			pv = defaultProtocolVersion
		}
		return result(id, map[string]any{
			"protocolVersion": pv,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		}), hasID
	case "ping":
		return result(id, map[string]any{}), hasID
	case "tools/list":
		return result(id, map[string]any{"tools": toolDefinitions()}), hasID
	case "tools/call":
		res, err := s.callTool(ctx, req.Params)
		if err != nil {
			s.failures.Add(1)
			s.logger.Debug("tool call failed", "error", err)
			return result(id, toolError(err)), hasID
		}
		return result(id, res), hasID
	default:
		if !hasID {
			return response{}, false
		}
		s.failures.Add(1)
		return errorResponse(id, codeMethodNotFound, "method not found", req.Method), true
	}
}

func result(id, v any) response {
	return response{JSONRPC: jsonRPCVersion, ID: id, Result: v}
}

func errorResponse(id any, code int, msg string, data any) response {
	return response{JSONRPC: jsonRPCVersion, ID: id, Error: &rpcError{Code: code, Message: msg, Data: data}}
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Counters reports how many requests were handled and how many failed.
func (s *Server) Counters() (requests, failures uint64) {
	return s.requests.Load(), s.failures.Load()
}
