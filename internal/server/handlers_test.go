package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/agentdb/internal/actor"
	"github.com/mohammad-safakhou/agentdb/internal/data"
)

func newTestServer(t *testing.T) (*echo.Echo, *actor.Registry) {
	t.Helper()
	registry := actor.NewRegistry(func(instance string) *actor.Actor {
		return actor.New(actor.Config{Instance: instance})
	}, nil, nil)
	t.Cleanup(registry.StopAll)

	e := echo.New()
	h := &Handler{Registry: registry}
	h.Register(e.Group("/v1"))
	return e, registry
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestOperationRoundTrip(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations", `{
		"kind": "insert", "table": "tasks",
		"rows": [{"title": "from http", "status": "open"}]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("insert status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations", `{
		"kind": "query", "table": "tasks",
		"predicate": {"op": "eq", "column": "status", "value": "open"}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("query status %d: %s", rec.Code, rec.Body.String())
	}
	var res data.ResultSet
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Count != 1 {
		t.Fatalf("count %d", res.Count)
	}
}

func TestOperationErrorStatuses(t *testing.T) {
	e, _ := newTestServer(t)

	// Unknown table maps to 404.
	rec := doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations",
		`{"kind": "query", "table": "ghosts"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown table status %d", rec.Code)
	}

	// Schema violations map to 422.
	doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations", `{
		"kind": "insert", "table": "tasks", "rows": [{"title": "a"}]
	}`)
	rec = doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations", `{
		"kind": "query", "table": "tasks",
		"predicate": {"op": "eq", "column": "nope", "value": "x"}
	}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("schema violation status %d: %s", rec.Code, rec.Body.String())
	}

	// Missing instance id maps to 400.
	rec = doJSON(t, e, http.MethodPost, "/v1/instances//operations",
		`{"kind": "query", "table": "tasks"}`)
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusNotFound {
		t.Fatalf("empty instance status %d", rec.Code)
	}
}

func TestPhraseEndpoint(t *testing.T) {
	e, _ := newTestServer(t)
	doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations", `{
		"kind": "insert", "table": "tasks", "rows": [{"title": "a", "status": "open"}]
	}`)

	rec := doJSON(t, e, http.MethodPost, "/v1/instances/alice/phrases", `{
		"phrase": "show open tasks",
		"candidates": [{
			"kind": "query", "confidence": 0.9, "table": "tasks",
			"predicate": {"op": "eq", "column": "status", "value": "open"}
		}]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("phrase status %d: %s", rec.Code, rec.Body.String())
	}

	// An ambiguous document maps to 422.
	rec = doJSON(t, e, http.MethodPost, "/v1/instances/alice/phrases", `{
		"phrase": "clear tasks",
		"candidates": [
			{"kind": "delete", "confidence": 0.50, "table": "tasks"},
			{"kind": "update", "confidence": 0.48, "table": "tasks", "patch": {"status": "done"}}
		]
	}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("ambiguous status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPipelineEndpoint(t *testing.T) {
	e, _ := newTestServer(t)
	doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations", `{
		"kind": "insert", "table": "tasks",
		"rows": [{"title": "a", "status": "open"}, {"title": "b", "status": "open"}]
	}`)

	rec := doJSON(t, e, http.MethodPost, "/v1/instances/alice/pipelines", `{
		"steps": [
			{"id": "find", "op": {"kind": "query", "table": "tasks",
				"predicate": {"op": "eq", "column": "status", "value": "open"}}},
			{"id": "mark", "op": {"kind": "update", "table": "tasks",
				"predicate": {"op": "in", "column": "key", "value": {"$step": "find", "$path": "keys"}},
				"patch": {"status": "done"}}}
		]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("pipeline status %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Steps []struct {
			StepID string `json:"step_id"`
			Status string `json:"status"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Steps) != 2 {
		t.Fatalf("steps: %+v", out.Steps)
	}
	for _, s := range out.Steps {
		if s.Status != "ok" {
			t.Fatalf("step %s status %s", s.StepID, s.Status)
		}
	}

	// A cyclic graph maps to 422.
	rec = doJSON(t, e, http.MethodPost, "/v1/instances/alice/pipelines", `{
		"steps": [
			{"id": "a", "depends_on": ["b"], "op": {"kind": "query", "table": "tasks"}},
			{"id": "b", "depends_on": ["a"], "op": {"kind": "query", "table": "tasks"}}
		]
	}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("cycle status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWatchLifecycleOverHTTP(t *testing.T) {
	e, _ := newTestServer(t)
	doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations", `{
		"kind": "insert", "table": "tasks", "rows": [{"title": "a", "status": "open"}]
	}`)

	rec := doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations", `{
		"kind": "watch", "table": "tasks",
		"watch": {"event": "insert", "target": "log"}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("watch status %d: %s", rec.Code, rec.Body.String())
	}
	var res data.ResultSet
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	subID, _ := res.Rows[0].Fields["subscription_id"].(string)
	if subID == "" {
		t.Fatalf("no subscription id: %s", rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodDelete, "/v1/instances/alice/watches/"+subID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel status %d", rec.Code)
	}
	// Cancelling again is still a success.
	rec = doJSON(t, e, http.MethodDelete, "/v1/instances/alice/watches/"+subID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("second cancel status %d", rec.Code)
	}
}

func TestCompactAndFailuresEndpoints(t *testing.T) {
	e, _ := newTestServer(t)
	doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations", `{
		"kind": "insert", "table": "tasks", "rows": [{"title": "a"}]
	}`)
	doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations", `{
		"kind": "delete", "table": "tasks"
	}`)

	rec := doJSON(t, e, http.MethodPost, "/v1/instances/alice/compactions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("compact status %d: %s", rec.Code, rec.Body.String())
	}
	var report struct {
		TombstonesPurged int `json:"tombstones_purged"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.TombstonesPurged != 1 {
		t.Fatalf("purged %d", report.TombstonesPurged)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/instances/alice/failures", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("failures status %d", rec.Code)
	}
}

func TestDestroyEndpoint(t *testing.T) {
	e, registry := newTestServer(t)
	doJSON(t, e, http.MethodPost, "/v1/instances/alice/operations", `{
		"kind": "insert", "table": "tasks", "rows": [{"title": "a"}]
	}`)
	rec := doJSON(t, e, http.MethodDelete, "/v1/instances/alice", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("destroy status %d", rec.Code)
	}
	if got := registry.Instances(); len(got) != 0 {
		t.Fatalf("still running: %v", got)
	}
}
