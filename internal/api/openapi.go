package api

import (
	"net/http"
	"strconv"
	"strings"
)

type operation struct {
	id        string
	method    string
	path      string
	summary   string
	public    bool
	token     bool
	body      bool
	responses map[int]string
}

var operations = []operation{
	{id: "healthz", method: http.MethodGet, path: "/healthz", summary: "Liveness and current stage state", public: true,
		responses: map[int]string{200: "Service is up"}},
	{id: "openapi", method: http.MethodGet, path: "/openapi.json", summary: "This document", public: true,
		responses: map[int]string{200: "OpenAPI document"}},
	{id: "status_check", method: http.MethodGet, path: "/status", summary: "Run a stage-less readiness check",
		responses: map[int]string{200: "Readiness report"}},
	{id: "status_last", method: http.MethodGet, path: "/status/last", summary: "Last cached readiness report",
		responses: map[int]string{200: "Readiness report", 404: "No check has run"}},
	{id: "stage_current", method: http.MethodGet, path: "/stages/current", summary: "Active stage record and lock holder",
		responses: map[int]string{200: "Active stage", 404: "No active stage"}},
	{id: "stage_begin", method: http.MethodPost, path: "/stages", summary: "Acquire the lock and create a stage", body: true,
		responses: map[int]string{201: "Stage created", 409: "Another stage holds the lock", 422: "Validation failed"}},
	{id: "stage_require", method: http.MethodPost, path: "/stages/{stageID}/require", summary: "Add requirements to the staged manifest", token: true, body: true,
		responses: map[int]string{200: "Requirements applied", 409: "Not the owner or wrong state", 422: "Validation failed"}},
	{id: "stage_apply", method: http.MethodPost, path: "/stages/{stageID}/apply", summary: "Promote the staged tree over the active directory", token: true,
		responses: map[int]string{200: "Applied", 409: "Not the owner or wrong state", 422: "Validation failed", 500: "Apply failed; restore from backup"}},
	{id: "stage_destroy", method: http.MethodDelete, path: "/stages/{stageID}", summary: "Destroy the stage; force=true skips the ownership check", token: true,
		responses: map[int]string{200: "Destroyed", 404: "No such stage", 409: "Not the owner or wrong state", 422: "Validation failed"}},
	{id: "stage_history", method: http.MethodGet, path: "/stages/{stageID}/history", summary: "Recorded transitions of a stage",
		responses: map[int]string{200: "Transitions", 404: "No history"}},
	{id: "updates_run", method: http.MethodPost, path: "/updates/run", summary: "Run one unattended patch update",
		responses: map[int]string{200: "Outcome", 409: "Another run is in progress", 422: "Refused by policy"}},
	{id: "events", method: http.MethodGet, path: "/events", summary: "Lifecycle notifications as server-sent events",
		responses: map[int]string{200: "Event stream"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering every route.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, op := range operations {
		item, _ := paths[op.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[op.path] = item
		}
		item[strings.ToLower(op.method)] = buildOperation(op)
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Stagehand",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
				"StageToken": map[string]any{
					"type": "apiKey",
					"in":   "header",
					"name": StageTokenHeader,
				},
			},
		},
	}
}

func buildOperation(op operation) map[string]any {
	responses := map[string]any{}
	for code, desc := range op.responses {
		responses[strconv.Itoa(code)] = map[string]any{"description": desc}
	}
	if !op.public {
		responses["401"] = map[string]any{"description": "Missing or invalid API key"}
	}

	out := map[string]any{
		"operationId": op.id,
		"summary":     op.summary,
		"responses":   responses,
	}
	if !op.public {
		scheme := map[string]any{"BearerAuth": []string{}}
		if op.token {
			scheme["StageToken"] = []string{}
		}
		out["security"] = []any{scheme}
	}
	if strings.Contains(op.path, "{stageID}") {
		out["parameters"] = []any{map[string]any{
			"name":     "stageID",
			"in":       "path",
			"required": true,
			"schema":   map[string]any{"type": "string"},
		}}
	}
	if op.body {
		out["requestBody"] = map[string]any{
			"required": false,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"requirements": map[string]any{
								"type":  "array",
								"items": map[string]any{"type": "string", "description": "module@version"},
							},
						},
					},
				},
			},
		}
	}
	return out
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
