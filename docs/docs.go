// Package docs registers the worker's OpenAPI document with swag.
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
        "/": {
            "get": {
                "tags": ["health"],
                "summary": "Worker information",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.WorkerInfoResponse"}}}
            }
        },
        "/health": {
            "get": {
                "tags": ["health"],
                "summary": "Health check",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.HealthResponse"}}}
            }
        },
        "/cameras": {
            "get": {
                "tags": ["cameras"],
                "summary": "List all cameras",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"type": "object"}}}
            },
            "post": {
                "tags": ["cameras"],
                "summary": "Start a camera",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"description": "Camera configuration", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/models.CameraRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/models.CameraResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/cameras/{camera_id}": {
            "get": {
                "tags": ["cameras"],
                "summary": "Get camera details",
                "parameters": [{"type": "string", "description": "Camera ID", "name": "camera_id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.CameraResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "tags": ["cameras"],
                "summary": "Stop a camera",
                "parameters": [{"type": "string", "description": "Camera ID", "name": "camera_id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/cameras/{camera_id}/stream": {
            "get": {
                "tags": ["cameras"],
                "summary": "Live annotated preview",
                "produces": ["multipart/x-mixed-replace"],
                "parameters": [{"type": "string", "description": "Camera ID", "name": "camera_id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "file"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/evidence/{person_id}": {
            "get": {
                "tags": ["evidence"],
                "summary": "List violation evidence for a person",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "Person ID", "name": "person_id", "in": "path", "required": true},
                    {"type": "integer", "description": "Maximum number of items to return (default: 50)", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "Number of items to skip (default: 0)", "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.EvidenceResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/evidence/{person_id}/{day}/{kind}": {
            "get": {
                "tags": ["evidence"],
                "summary": "Get an evidence image",
                "produces": ["image/jpeg"],
                "parameters": [
                    {"type": "string", "description": "Person ID", "name": "person_id", "in": "path", "required": true},
                    {"type": "string", "description": "Day (YYYY-MM-DD)", "name": "day", "in": "path", "required": true},
                    {"type": "string", "description": "snapshot or face", "name": "kind", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "file"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/system/stats": {
            "get": {
                "tags": ["system"],
                "summary": "Get system stats",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"type": "object"}}}
            }
        },
        "/metrics": {
            "get": {
                "tags": ["system"],
                "summary": "Prometheus metrics",
                "produces": ["text/plain"],
                "responses": {"200": {"description": "OK"}}
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {"error": {"type": "string", "example": "camera not found"}}
        },
        "handlers.HealthResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "example": "healthy"},
                "worker_id": {"type": "string", "example": "worker-1"}
            }
        },
        "handlers.WorkerInfoResponse": {
            "type": "object",
            "properties": {
                "capabilities": {"type": "array", "items": {"type": "string"}},
                "status": {"type": "string", "example": "running"},
                "version": {"type": "string", "example": "1.0.0"},
                "worker_id": {"type": "string", "example": "worker-1"}
            }
        },
        "handlers.EvidenceItem": {
            "type": "object",
            "properties": {
                "created_at": {"type": "string"},
                "day": {"type": "string", "example": "2024-05-01"},
                "face_url": {"type": "string"},
                "file_size": {"type": "integer"},
                "snapshot_url": {"type": "string"}
            }
        },
        "handlers.EvidenceResponse": {
            "type": "object",
            "properties": {
                "items": {"type": "array", "items": {"$ref": "#/definitions/handlers.EvidenceItem"}},
                "person_id": {"type": "string"},
                "total": {"type": "integer"}
            }
        },
        "models.CameraRequest": {
            "type": "object",
            "required": ["camera_id"],
            "properties": {
                "camera_id": {"type": "string"},
                "channel": {"type": "string"},
                "ip_address": {"type": "string"},
                "url": {"type": "string"}
            }
        },
        "models.CameraResponse": {
            "type": "object",
            "properties": {
                "camera_id": {"type": "string"},
                "channel": {"type": "string"},
                "created_at": {"type": "string"},
                "flagged_tracks": {"type": "integer"},
                "frames_read": {"type": "integer"},
                "last_frame_time": {"type": "string"},
                "mjpeg_url": {"type": "string"},
                "state": {"type": "string"},
                "url": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "localhost:8000",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "LabGuard Worker API",
	Description:      "Lab safety worker that detects food and drink consumption on RTSP cameras and escalates violations",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
