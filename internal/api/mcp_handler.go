package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	mcpTypes "github.com/mark3labs/mcp-go/mcp"
)

// maxMCPBody caps one JSON-RPC message
const maxMCPBody = 1 << 20

// HandleMCP answers one MCP JSON-RPC message over HTTP
func (s *Server) HandleMCP(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMCPBody))
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusOK, gin.H{
			"jsonrpc": mcpTypes.JSONRPC_VERSION,
			"id":      nil,
			"error": gin.H{
				"code":    mcpTypes.PARSE_ERROR,
				"message": "Parse error",
			},
		})
		return
	}

	s.logger.Debug().Str("subject", getSubject(c)).Msg("MCP request")

	response := s.mcpServer.HandleMessage(c.Request.Context(), body)
	if response == nil {
		// notifications get no reply
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, response)
}
