package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ksred/schemaflow/internal/services"
	"github.com/ksred/schemaflow/internal/utils"
)

// Handler answers MCP tool calls from the migration service
type Handler struct {
	service *services.MigrationService
	logger  zerolog.Logger
}

// NewHandler creates a new MCP handler
func NewHandler(service *services.MigrationService, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// failure turns an engine error into a tool response the client can read
func (h *Handler) failure(err error) *ToolResponse {
	return NewErrorResponse(err.Error(), utils.ErrorCode(err))
}

// HandleStatus reports applied and pending migrations per app
func (h *Handler) HandleStatus(ctx context.Context, _ json.RawMessage) (*ToolResponse, error) {
	status, err := h.service.Status(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read migration status")
		return h.failure(err), nil
	}

	msg := "All migrations applied"
	if n := status.PendingCount(); n > 0 {
		msg = fmt.Sprintf("%d migration(s) pending", n)
	}
	return NewSuccessResponse(msg, status).WithMeta(&ResponseMeta{Count: len(status.Apps)}), nil
}

// HandlePlan previews the steps toward a target without running them
func (h *Handler) HandlePlan(ctx context.Context, params json.RawMessage) (*ToolResponse, error) {
	var req PlanRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return NewErrorResponse(fmt.Sprintf("invalid request format: %v", err), "validation_error"), nil
		}
	}

	plan, err := h.service.BuildPlan(ctx, services.ResolveTarget(req.App, req.Target))
	if err != nil {
		h.logger.Warn().Err(err).Str("target", req.Target).Msg("Failed to build plan")
		return h.failure(err), nil
	}

	view := services.NewPlanView(plan)
	msg := "Nothing to do"
	if !plan.IsEmpty() {
		msg = fmt.Sprintf("%d step(s) %s to %s", len(view.Steps), view.Direction, view.Target)
	}
	return NewSuccessResponse(msg, view).WithMeta(&ResponseMeta{
		Count:    len(view.Steps),
		Warnings: len(view.Warnings),
	}), nil
}

// HandleDetectChanges lists the migrations the declared models call for
func (h *Handler) HandleDetectChanges(ctx context.Context, _ json.RawMessage) (*ToolResponse, error) {
	changes, err := h.service.DetectChanges(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to detect changes")
		return h.failure(err), nil
	}

	view := services.NewChangesView(changes)
	msg := "No changes detected"
	if !changes.IsEmpty() {
		msg = fmt.Sprintf("%d migration(s) proposed", len(view.Migrations))
	}
	return NewSuccessResponse(msg, view).WithMeta(&ResponseMeta{
		Count:   len(view.Migrations),
		Reviews: len(view.Reviews),
	}), nil
}
