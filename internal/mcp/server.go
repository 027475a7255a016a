package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/ksred/schemaflow/internal/services"
	"github.com/ksred/schemaflow/internal/utils"
)

const (
	serverName    = "schemaflow"
	serverVersion = "1.0.0"

	statusResourceURI = "migrations://status"
)

// Server exposes read-only migration tools over MCP
type Server struct {
	mcpServer *server.MCPServer
	handler   *Handler
	logger    zerolog.Logger
}

type toolFunc func(ctx context.Context, params json.RawMessage) (*ToolResponse, error)

// NewServer creates a new MCP server instance
func NewServer(service *services.MigrationService, logger zerolog.Logger) (*Server, error) {
	logger = utils.ForComponent(logger, "mcp")
	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		handler:   NewHandler(service, logger),
		logger:    logger,
	}

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s, nil
}

// Serve runs the server on stdio until the client disconnects
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Debug().Msg("Starting MCP server on stdio")
	err := server.ServeStdio(s.mcpServer)
	if err != nil {
		s.logger.Error().Err(err).Msg("MCP server ServeStdio error")
	}
	return err
}

// HandleMessage answers one JSON-RPC message. It backs the HTTP bridge.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("migration_status",
		mcp.WithDescription("Show which migrations are applied and which are pending for every app, plus any history the database records that no definition explains."),
	), s.toolHandler("migration_status", s.handler.HandleStatus))

	s.mcpServer.AddTool(mcp.NewTool("migration_plan",
		mcp.WithDescription("Preview the ordered steps, direction and risky-change warnings of migrating to a target. Nothing is executed."),
		mcp.WithString("app",
			mcp.Description("Restrict the target to one app"),
		),
		mcp.WithString("target",
			mcp.Description("Target such as 'shop', 'shop.zero', 'shop.latest' or 'shop.0002_price'. Empty means every app's latest migration."),
		),
	), s.toolHandler("migration_plan", s.handler.HandlePlan))

	s.mcpServer.AddTool(mcp.NewTool("detect_changes",
		mcp.WithDescription("Compare the declared models with the migration history and list the migrations that would be generated. Nothing is written."),
	), s.toolHandler("detect_changes", s.handler.HandleDetectChanges))

	s.logger.Info().Int("count", 3).Msg("Registered MCP tools")
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(statusResourceURI, "Migration Status",
		mcp.WithResourceDescription("Applied and pending migrations per app"),
		mcp.WithMIMEType("application/json"),
	), s.statusResourceHandler())

	s.logger.Info().Int("count", 1).Msg("Registered MCP resources")
}

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt("review_plan",
		mcp.WithPromptDescription("Ask for a review of the plan toward a target before it is executed"),
		mcp.WithArgument("target",
			mcp.ArgumentDescription("Migration target, empty for every app's latest"),
		),
	), s.reviewPlanPromptHandler())

	s.logger.Info().Int("count", 1).Msg("Registered MCP prompts")
}

// toolHandler adapts a Handler method to mcp-go. Failures become error
// results so the client sees them instead of a protocol error.
func (s *Server) toolHandler(name string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.logger.Debug().Str("tool", name).Msg("Tool called")

		params, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
		}

		response, err := fn(ctx, params)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: %v", err)), nil
		}

		body, err := response.ToJSON()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal result: %v", err)), nil
		}

		result := mcp.NewToolResultText(string(body))
		result.IsError = !response.Success
		return result, nil
	}
}

func (s *Server) statusResourceHandler() server.ResourceHandlerFunc {
	return func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		status, err := s.handler.service.Status(ctx)
		if err != nil {
			return nil, err
		}

		body, err := json.Marshal(status)
		if err != nil {
			return nil, err
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: "application/json",
				Text:     string(body),
			},
		}, nil
	}
}

func (s *Server) reviewPlanPromptHandler() server.PromptHandlerFunc {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		target := request.Params.Arguments["target"]
		if target == "" {
			target = "every app's latest migration"
		}

		return &mcp.GetPromptResult{
			Messages: []mcp.PromptMessage{
				{
					Role: mcp.RoleUser,
					Content: mcp.TextContent{
						Type: "text",
						Text: fmt.Sprintf("Call migration_plan for %s. Review each step and every warning, say which steps cannot be reversed, and recommend whether to run it.", target),
					},
				},
			},
		}, nil
	}
}
