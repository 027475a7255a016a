package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ksred/schemaflow/internal/services"
	"github.com/ksred/schemaflow/internal/utils"
)

// abortWithError answers with the error envelope and the status the error
// maps to
func (s *Server) abortWithError(c *gin.Context, err error) {
	code := utils.StatusCode(err)
	if code >= 500 {
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, services.NewErrorResponse(err, utils.ErrorCode(err)))
}

// statusHandler godoc
// @Summary Migration status
// @Description Applied and pending migrations per app
// @Tags migrations
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} services.Response{data=services.Status}
// @Failure 401 {object} services.Response
// @Failure 502 {object} services.Response
// @Router /migrations/status [get]
func (s *Server) statusHandler(c *gin.Context) {
	status, err := s.service.Status(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, services.NewSuccessResponse("Migration status", status))
}

// planHandler godoc
// @Summary Preview a plan
// @Description Ordered steps and warnings for reaching a target. Nothing is executed.
// @Tags migrations
// @Produce json
// @Security ApiKeyAuth
// @Param app query string false "Restrict the target to one app"
// @Param target query string false "zero, latest, a migration name, or app.name"
// @Success 200 {object} services.Response{data=services.PlanView}
// @Failure 400 {object} services.Response
// @Failure 404 {object} services.Response
// @Failure 409 {object} services.Response
// @Failure 422 {object} services.Response
// @Router /migrations/plan [get]
func (s *Server) planHandler(c *gin.Context) {
	target := services.ResolveTarget(c.Query("app"), c.Query("target"))
	plan, err := s.service.BuildPlan(c.Request.Context(), target)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, services.NewSuccessResponse("Migration plan", services.NewPlanView(plan)))
}

// changesHandler godoc
// @Summary Detect model changes
// @Description Migrations the declared models call for. Nothing is written.
// @Tags migrations
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} services.Response{data=services.ChangesView}
// @Failure 400 {object} services.Response
// @Failure 422 {object} services.Response
// @Router /migrations/changes [get]
func (s *Server) changesHandler(c *gin.Context) {
	changes, err := s.service.DetectChanges(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, services.NewSuccessResponse("Detected changes", services.NewChangesView(changes)))
}
