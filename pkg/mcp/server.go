// Package mcp serves Persona's analysis tools over the Model Context
// Protocol on stdio, so assistants can analyze text without the HTTP API.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/pario-ai/persona/pkg/models"
	"github.com/pario-ai/persona/pkg/pipeline"
	"github.com/pario-ai/persona/pkg/validation"
)

// ClientID is the rate-limit identity of every MCP caller.
const ClientID = "mcp"

const maxLine = 1 << 20

// Processor runs one analysis request.
type Processor interface {
	Process(ctx context.Context, rawText, clientID string) (pipeline.Outcome, error)
}

// Inspector validates text without analyzing it.
type Inspector interface {
	Inspect(raw string) (validation.Report, error)
}

// CacheStatter provides cache statistics.
type CacheStatter interface {
	Stats() (models.CacheStats, error)
}

// History answers per-client questions.
type History interface {
	Summary(ctx context.Context, clientID string) ([]models.ClientSummary, error)
}

// AuditSearch queries the audit log.
type AuditSearch interface {
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error)
}

// Deps are the components behind the tools. Pipeline and Validator are
// required; a nil optional component makes its tool report that it is not
// configured.
type Deps struct {
	Pipeline  Processor
	Validator Inspector
	Cache     CacheStatter
	History   History
	Audit     AuditSearch
	Logger    *zap.Logger
}

// Server is a line-delimited JSON-RPC 2.0 server.
type Server struct {
	deps    Deps
	logger  *zap.Logger
	version string
}

// New creates a Server.
func New(d Deps, version string) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{deps: d, logger: logger, version: version}
}

// Run reads one request per line from r and writes responses to w until r
// is exhausted or ctx is done.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, *resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	var result any
	switch req.Method {
	case "initialize":
		result = InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "persona", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		}
	case "notifications/initialized":
		return nil
	case "ping":
		result = map[string]any{}
	case "tools/list":
		result = ToolsListResult{Tools: tools}
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req, CodeInvalidParams, "invalid params")
		}
		result = s.call(ctx, params)
	default:
		return errorResponse(req, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) call(ctx context.Context, params ToolCallParams) ToolCallResult {
	h, ok := handlers[params.Name]
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool: %s", params.Name))
	}
	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return h(ctx, s, args)
}

func errorResponse(req *Request, code int, msg string) *Response {
	return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: code, Message: msg}}
}

func (s *Server) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp marshal", zap.Error(err))
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Warn("mcp write", zap.Error(err))
	}
}
