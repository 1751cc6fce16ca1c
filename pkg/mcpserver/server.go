// Package mcpserver exposes stage runs as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"stageengine/pkg/api"
	"stageengine/pkg/engine"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/logx"
	"stageengine/pkg/persistence"
)

// Tool names.
const (
	ToolRunStage       = "run_stage"
	ToolGetStageOutput = "get_stage_output"
)

// Server registers the stage engine tools on an MCP server.
type Server struct {
	mcpServer *server.MCPServer
	runner    api.Runner
	store     persistence.Store
	logger    *logx.Logger
}

// NewServer creates the MCP server. version is reported to clients.
func NewServer(runner api.Runner, store persistence.Store, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer("stageengine", version, server.WithToolCapabilities(true)),
		runner:    runner,
		store:     store,
		logger:    logx.NewLogger("mcp"),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// HTTPHandler returns a streamable HTTP transport for the tools.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// ServeStdio serves the tools over stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("mcp stdio server failed: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(ToolRunStage,
			mcp.WithDescription("Run every flow step of a stage for a brief and store the aggregated output. "+
				"Pass feedback_id to reprocess the stage against client feedback."),
			mcp.WithString("brief_id", mcp.Required(), mcp.Description("The brief to process")),
			mcp.WithString("stage_id", mcp.Required(), mcp.Description("The stage to run")),
			mcp.WithString("feedback_id", mcp.Description("Feedback that triggers reprocessing")),
			mcp.WithString("strategy", mcp.Description("sequential, graph or auto"),
				mcp.Enum("auto", "sequential", "graph")),
		),
		s.handleRunStage,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(ToolGetStageOutput,
			mcp.WithDescription("Return the current output of a stage for a brief"),
			mcp.WithString("brief_id", mcp.Required(), mcp.Description("The brief")),
			mcp.WithString("stage_id", mcp.Required(), mcp.Description("The stage")),
		),
		s.handleGetStageOutput,
	)
}

func (s *Server) handleRunStage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	briefID, err := request.RequireString("brief_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	stageID, err := request.RequireString("stage_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.runner.RunStage(ctx, &engine.RunRequest{
		BriefID:    briefID,
		StageID:    stageID,
		FeedbackID: request.GetString("feedback_id", ""),
		Strategy:   request.GetString("strategy", ""),
	})
	if err != nil {
		s.logger.Warn("run_stage %s/%s failed: %v", briefID, stageID, err)
		return mcp.NewToolResultError(fmt.Sprintf("Stage run failed (%s): %v", engineerr.CategoryOf(err), err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleGetStageOutput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	briefID, err := request.RequireString("brief_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	stageID, err := request.RequireString("stage_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.store.CurrentBriefOutput(ctx, briefID, stageID)
	if errors.Is(err, persistence.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Stage %s of brief %s has no output yet", stageID, briefID)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load output: %w", err)
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
