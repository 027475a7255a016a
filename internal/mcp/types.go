package mcp

import (
	"encoding/json"
)

// ToolResponse is the JSON body every tool returns as text content
type ToolResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Data    interface{}   `json:"data,omitempty"`
	Error   string        `json:"error,omitempty"`
	Code    string        `json:"code,omitempty"`
	Meta    *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta contains counts about the response
type ResponseMeta struct {
	Count    int `json:"count"`
	Warnings int `json:"warnings,omitempty"`
	Reviews  int `json:"reviews,omitempty"`
}

// NewSuccessResponse creates a successful tool response
func NewSuccessResponse(message string, data interface{}) *ToolResponse {
	return &ToolResponse{
		Success: true,
		Message: message,
		Data:    data,
	}
}

// NewErrorResponse creates an error tool response
func NewErrorResponse(err string, code string) *ToolResponse {
	return &ToolResponse{
		Success: false,
		Error:   err,
		Code:    code,
	}
}

// WithMeta attaches metadata to the response
func (r *ToolResponse) WithMeta(meta *ResponseMeta) *ToolResponse {
	r.Meta = meta
	return r
}

// ToJSON converts the response to JSON
func (r *ToolResponse) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// PlanRequest is the argument set of the migration_plan tool
type PlanRequest struct {
	App    string `json:"app,omitempty"`
	Target string `json:"target,omitempty"`
}
