// Package docs registers the OpenAPI document served at /swagger/.
// Regenerate with: swag init -g cmd/api/main.go
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/notifications": {
            "get": {
                "description": "Newest-first notifications of the authenticated user",
                "produces": ["application/json"],
                "tags": ["notifications"],
                "summary": "List notifications",
                "parameters": [
                    {"type": "integer", "default": 50, "description": "Maximum number of items", "name": "limit", "in": "query"},
                    {"type": "boolean", "description": "Only unread notifications", "name": "unread_only", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            },
            "post": {
                "description": "Producer endpoint. Only a service_role token may target another user.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["notifications"],
                "summary": "Create a notification",
                "parameters": [
                    {"description": "Notification", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/notification.CreateNotificationRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            },
            "delete": {
                "produces": ["application/json"],
                "tags": ["notifications"],
                "summary": "Delete all notifications",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/notifications/read-all": {
            "post": {
                "produces": ["application/json"],
                "tags": ["notifications"],
                "summary": "Mark all notifications as read",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/notifications/stream": {
            "get": {
                "description": "Server-Sent Events, one \"notification\" event per insert. A listing fetched before connecting may overlap; de-duplicate by id.",
                "produces": ["text/event-stream"],
                "tags": ["notifications"],
                "summary": "Live notifications",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/notifications/unread-count": {
            "get": {
                "produces": ["application/json"],
                "tags": ["notifications"],
                "summary": "Unread count",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/notifications/{id}": {
            "delete": {
                "produces": ["application/json"],
                "tags": ["notifications"],
                "summary": "Delete one notification",
                "parameters": [
                    {"type": "string", "description": "Notification ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/notifications/{id}/read": {
            "post": {
                "produces": ["application/json"],
                "tags": ["notifications"],
                "summary": "Mark one notification as read",
                "parameters": [
                    {"type": "string", "description": "Notification ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/profiles": {
            "post": {
                "description": "Link a client or driver profile to the authenticated identity. email defaults to the token's email claim.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["profiles"],
                "summary": "Create the caller's profile",
                "parameters": [
                    {"description": "Profile creation request", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/profile.CreateProfileRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        },
        "/profiles/me": {
            "get": {
                "produces": ["application/json"],
                "tags": ["profiles"],
                "summary": "Get the caller's profile",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            },
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["profiles"],
                "summary": "Update the caller's profile",
                "parameters": [
                    {"description": "Profile update request", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/profile.UpdateProfileRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.APIResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.APIResponse"}}
                }
            }
        }
    },
    "definitions": {
        "notification.CreateNotificationRequest": {
            "type": "object",
            "properties": {
                "body": {"type": "string"},
                "link": {"type": "string"},
                "metadata": {"type": "object", "additionalProperties": true},
                "title": {"type": "string"},
                "type": {"type": "string"},
                "user_id": {"type": "string"}
            }
        },
        "profile.CreateProfileRequest": {
            "type": "object",
            "required": ["full_name", "role"],
            "properties": {
                "company_name": {"type": "string"},
                "email": {"type": "string"},
                "full_name": {"type": "string", "maxLength": 100, "minLength": 2},
                "phone": {"type": "string"},
                "role": {"type": "string", "enum": ["client", "driver"]}
            }
        },
        "profile.UpdateProfileRequest": {
            "type": "object",
            "properties": {
                "company_name": {"type": "string"},
                "full_name": {"type": "string", "maxLength": 100, "minLength": 2},
                "phone": {"type": "string"}
            }
        },
        "response.APIResponse": {
            "type": "object",
            "properties": {
                "data": {},
                "error": {"$ref": "#/definitions/response.APIError"},
                "meta": {"$ref": "#/definitions/response.Meta"},
                "success": {"type": "boolean"}
            }
        },
        "response.APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "response.Meta": {
            "type": "object",
            "properties": {
                "count": {"type": "integer"},
                "limit": {"type": "integer"},
                "unread_count": {"type": "integer"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "TakuraBid Notifications API",
	Description:      "In-app notifications for the TakuraBid freight marketplace.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
