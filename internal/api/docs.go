package api

import "github.com/swaggo/swag"

// SwaggerInfo describes the inspection API for the /swagger UI
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "schemaflow inspection API",
	Description:      "Read-only view of migration status, plans and detected model changes.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "ApiKeyAuth": {"type": "apiKey", "in": "header", "name": "X-API-Key"},
        "BearerAuth": {"type": "apiKey", "in": "header", "name": "Authorization"}
    },
    "security": [{"ApiKeyAuth": []}, {"BearerAuth": []}],
    "paths": {
        "/migrations/status": {
            "get": {
                "tags": ["migrations"],
                "summary": "Migration status",
                "description": "Applied and pending migrations per app",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/Response"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/Response"}},
                    "502": {"description": "Database error", "schema": {"$ref": "#/definitions/Response"}}
                }
            }
        },
        "/migrations/plan": {
            "get": {
                "tags": ["migrations"],
                "summary": "Preview a plan",
                "description": "Ordered steps and warnings for reaching a target. Nothing is executed.",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "app", "in": "query", "description": "Restrict the target to one app"},
                    {"type": "string", "name": "target", "in": "query", "description": "zero, latest, a migration name, or app.name"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/Response"}},
                    "400": {"description": "Invalid target", "schema": {"$ref": "#/definitions/Response"}},
                    "404": {"description": "Unknown migration", "schema": {"$ref": "#/definitions/Response"}},
                    "409": {"description": "Irreversible step", "schema": {"$ref": "#/definitions/Response"}},
                    "422": {"description": "Inconsistent history", "schema": {"$ref": "#/definitions/Response"}}
                }
            }
        },
        "/migrations/changes": {
            "get": {
                "tags": ["migrations"],
                "summary": "Detect model changes",
                "description": "Migrations the declared models call for. Nothing is written.",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/Response"}},
                    "400": {"description": "Invalid declared models", "schema": {"$ref": "#/definitions/Response"}},
                    "422": {"description": "Inconsistent history", "schema": {"$ref": "#/definitions/Response"}}
                }
            }
        },
        "/mcp": {
            "post": {
                "tags": ["mcp"],
                "summary": "MCP over HTTP",
                "description": "One JSON-RPC 2.0 message for the migration_status, migration_plan and detect_changes tools",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "JSON-RPC response"},
                    "202": {"description": "Notification accepted"}
                }
            }
        }
    },
    "definitions": {
        "Response": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "message": {"type": "string"},
                "data": {"type": "object"},
                "error": {"type": "string"},
                "code": {"type": "string"}
            }
        }
    }
}`
