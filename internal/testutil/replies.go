package testutil

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ReplyJSON writes a 200 response with the given JSON body.
func ReplyJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ReplyList writes a 200 ADO list envelope: {"count": n, "value": [...]}.
func ReplyList(w http.ResponseWriter, items ...any) {
	if items == nil {
		items = []any{}
	}
	ReplyJSON(w, map[string]any{"count": len(items), "value": items})
}

// ReplyError writes an ADO error body with the given status.
func ReplyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message": message,
		"typeKey": "TestException",
	})
}

// ReplyServerError writes a 5xx error response.
func ReplyServerError(w http.ResponseWriter, status int, message string) {
	ReplyError(w, status, message)
}

// ReplyRetryAfter writes a retryable error with a Retry-After header.
func ReplyRetryAfter(w http.ResponseWriter, status, seconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	ReplyError(w, status, "throttled")
}

// ReplyText writes a 200 text/plain response (log content).
func ReplyText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(text))
}

// Build returns a build fixture in ADO wire form.
func Build(id int, status, result string) map[string]any {
	return map[string]any{
		"id":           id,
		"buildNumber":  "20250601." + strconv.Itoa(id),
		"status":       status,
		"result":       result,
		"sourceBranch": "refs/heads/main",
		"queueTime":    "2025-06-01T12:00:00Z",
		"startTime":    "2025-06-01T12:00:30Z",
		"finishTime":   "2025-06-01T12:05:30Z",
		"definition":   map[string]any{"id": 7, "name": "web-ci"},
		"requestedFor": map[string]any{"displayName": "Dana Developer"},
		"_links":       map[string]any{"web": map[string]any{"href": "https://example.test/build/" + strconv.Itoa(id)}},
	}
}

// PipelineRun returns a pipeline run fixture in ADO wire form.
func PipelineRun(id int, state, result string) map[string]any {
	return map[string]any{
		"id":           id,
		"name":         "20250601." + strconv.Itoa(id),
		"state":        state,
		"result":       result,
		"createdDate":  "2025-06-01T12:00:00Z",
		"finishedDate": "2025-06-01T12:04:00Z",
		"pipeline":     map[string]any{"id": 7, "name": "web-ci"},
		"_links":       map[string]any{"web": map[string]any{"href": "https://example.test/run/" + strconv.Itoa(id)}},
	}
}

// Deployment returns a deployment fixture in ADO wire form.
func Deployment(id int, status string) map[string]any {
	return map[string]any{
		"id":                 id,
		"release":            map[string]any{"id": 31, "name": "Release-31"},
		"releaseDefinition":  map[string]any{"id": 3, "name": "web-cd"},
		"releaseEnvironment": map[string]any{"id": 9, "name": "production"},
		"deploymentStatus":   status,
		"operationStatus":    "Approved",
		"requestedBy":        map[string]any{"displayName": "Dana Developer"},
		"queuedOn":           "2025-06-01T12:00:00Z",
		"startedOn":          "2025-06-01T12:01:00Z",
		"completedOn":        "2025-06-01T12:06:00Z",
	}
}
