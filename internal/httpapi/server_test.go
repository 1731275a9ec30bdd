package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/teamtasks/internal/config"
	"github.com/ent0n29/teamtasks/internal/observability"
	"github.com/ent0n29/teamtasks/internal/protocol"
	"github.com/ent0n29/teamtasks/internal/tasks"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	manager := tasks.NewManager(tasks.NewMemoryStore(), tasks.Options{Logger: logger, Instruments: metrics})
	srv := New(config.Defaults(), manager, metrics, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path, actor, role string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(headerActorID, actor)
		req.Header.Set(headerActorRole, role)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	payload := map[string]any{}
	raw, _ := io.ReadAll(res.Body)
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return res, payload
}

func createTask(t *testing.T, ts *httptest.Server, actor, role, title string) string {
	t.Helper()
	res, payload := call(t, ts, http.MethodPost, "/v1/tasks", actor, role, map[string]any{"title": title})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %+v", res.StatusCode, payload)
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatalf("missing id in create response: %+v", payload)
	}
	return id
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		res, payload := call(t, ts, http.MethodGet, path, "", "", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, res.StatusCode)
		}
		if payload["store_mode"] != "memory" {
			t.Fatalf("GET %s store_mode = %v, want memory", path, payload["store_mode"])
		}
	}
}

func TestMissingActorIsRejected(t *testing.T) {
	ts := newTestServer(t)
	res, payload := call(t, ts, http.MethodPost, "/v1/tasks", "", "", map[string]any{"title": "x"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	if payload["code"] != "unauthenticated" {
		t.Fatalf("code = %v, want unauthenticated", payload["code"])
	}

	res, _ = call(t, ts, http.MethodPost, "/v1/tasks", "u1", "OWNER", map[string]any{"title": "x"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown role status = %d, want 400", res.StatusCode)
	}
}

func TestDependencyCycleMapsToConflict(t *testing.T) {
	ts := newTestServer(t)
	a := createTask(t, ts, "u1", "MEMBER", "A")
	b := createTask(t, ts, "u1", "MEMBER", "B")

	res, edge := call(t, ts, http.MethodPost, "/v1/tasks/"+a+"/dependencies", "u1", "MEMBER", map[string]any{"blocking_task_id": b})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add dependency status = %d, body %+v", res.StatusCode, edge)
	}

	res, payload := call(t, ts, http.MethodPost, "/v1/tasks/"+b+"/dependencies", "u1", "MEMBER", map[string]any{"blocking_task_id": a})
	if res.StatusCode != http.StatusConflict || payload["code"] != "cycle" {
		t.Fatalf("reverse edge = %d %+v, want 409 cycle", res.StatusCode, payload)
	}

	res, payload = call(t, ts, http.MethodPost, "/v1/tasks/"+a+"/dependencies", "u1", "MEMBER", map[string]any{"blocking_task_id": a})
	if res.StatusCode != http.StatusConflict || payload["code"] != "self_dependency" {
		t.Fatalf("self edge = %d %+v, want 409 self_dependency", res.StatusCode, payload)
	}

	res, payload = call(t, ts, http.MethodGet, "/v1/tasks/"+a+"/blocking", "u1", "MEMBER", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list blocking status = %d", res.StatusCode)
	}
	if got := len(payload["blocking"].([]any)); got != 1 {
		t.Fatalf("blocking = %d, want 1", got)
	}

	res, _ = call(t, ts, http.MethodDelete, "/v1/dependencies/"+edge["id"].(string), "u1", "MEMBER", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("remove dependency status = %d", res.StatusCode)
	}
	res, payload = call(t, ts, http.MethodGet, "/v1/tasks/"+a+"/blocking", "u1", "MEMBER", nil)
	if got := len(payload["blocking"].([]any)); res.StatusCode != http.StatusOK || got != 0 {
		t.Fatalf("blocking after remove = %d (status %d), want 0", got, res.StatusCode)
	}
}

func TestSubtaskProgress(t *testing.T) {
	ts := newTestServer(t)
	parent := createTask(t, ts, "u1", "MEMBER", "parent")
	child := createTask(t, ts, "u1", "MEMBER", "child")

	res, _ := call(t, ts, http.MethodPost, "/v1/tasks/"+parent+"/subtasks", "u1", "MEMBER", map[string]any{"child_id": child})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("attach status = %d", res.StatusCode)
	}
	res, payload := call(t, ts, http.MethodPost, "/v1/tasks/"+child+"/subtasks", "u1", "MEMBER", map[string]any{"child_id": parent})
	if res.StatusCode != http.StatusConflict || payload["code"] != "cycle" {
		t.Fatalf("reverse attach = %d %+v, want 409 cycle", res.StatusCode, payload)
	}

	call(t, ts, http.MethodPost, "/v1/tasks/"+child+"/status", "u1", "MEMBER", map[string]any{"status": "DONE"})
	res, payload = call(t, ts, http.MethodGet, "/v1/tasks/"+parent+"/progress", "u1", "MEMBER", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status = %d", res.StatusCode)
	}
	if payload["completed"] != float64(1) || payload["total"] != float64(1) || payload["percent"] != float64(100) {
		t.Fatalf("progress = %+v, want 1/1 100%%", payload)
	}

	res, _ = call(t, ts, http.MethodDelete, "/v1/tasks/"+child+"/parent", "u1", "MEMBER", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("detach status = %d", res.StatusCode)
	}
	_, payload = call(t, ts, http.MethodGet, "/v1/tasks/"+parent+"/progress", "u1", "MEMBER", nil)
	if payload["total"] != float64(0) || payload["percent"] != float64(0) {
		t.Fatalf("progress after detach = %+v, want zero", payload)
	}
}

func TestSubtaskSelfAttachWithPaddedID(t *testing.T) {
	ts := newTestServer(t)
	id := createTask(t, ts, "u1", "MEMBER", "solo")

	res, payload := call(t, ts, http.MethodPost, "/v1/tasks/"+id+"/subtasks", "u1", "MEMBER", map[string]any{"child_id": " " + id})
	if res.StatusCode != http.StatusConflict || payload["code"] != "cycle" {
		t.Fatalf("self attach = %d %+v, want 409 cycle", res.StatusCode, payload)
	}
	_, payload = call(t, ts, http.MethodGet, "/v1/tasks/"+id, "u1", "MEMBER", nil)
	if parent, ok := payload["parent_task_id"]; ok && parent != nil {
		t.Fatalf("parent_task_id = %v, want unset", parent)
	}
}

func TestBulkDeleteRequiresCapability(t *testing.T) {
	ts := newTestServer(t)
	a := createTask(t, ts, "u1", "MEMBER", "A")

	res, payload := call(t, ts, http.MethodPost, "/v1/bulk/delete", "u1", "MEMBER", map[string]any{"task_ids": []string{a}})
	if res.StatusCode != http.StatusForbidden || payload["code"] != "forbidden" {
		t.Fatalf("bulk delete = %d %+v, want 403 forbidden", res.StatusCode, payload)
	}
	res, _ = call(t, ts, http.MethodGet, "/v1/tasks/"+a, "u1", "MEMBER", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("task should survive rejected bulk delete, status = %d", res.StatusCode)
	}

	res, payload = call(t, ts, http.MethodPost, "/v1/bulk/delete", "root", "ADMIN", map[string]any{"task_ids": []string{a}})
	if res.StatusCode != http.StatusOK || payload["updated_count"] != float64(1) {
		t.Fatalf("admin bulk delete = %d %+v", res.StatusCode, payload)
	}
	res, _ = call(t, ts, http.MethodGet, "/v1/tasks/"+a, "root", "ADMIN", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted task status = %d, want 404", res.StatusCode)
	}
}

func TestBulkStatusWritesActivity(t *testing.T) {
	ts := newTestServer(t)
	ids := []string{
		createTask(t, ts, "root", "ADMIN", "one"),
		createTask(t, ts, "root", "ADMIN", "two"),
		createTask(t, ts, "root", "ADMIN", "three"),
	}
	res, payload := call(t, ts, http.MethodPost, "/v1/bulk/status", "root", "ADMIN", map[string]any{"task_ids": ids, "status": "DONE"})
	if res.StatusCode != http.StatusOK || payload["updated_count"] != float64(3) {
		t.Fatalf("bulk status = %d %+v", res.StatusCode, payload)
	}
	for _, id := range ids {
		_, act := call(t, ts, http.MethodGet, "/v1/tasks/"+id+"/activity?limit=1", "root", "ADMIN", nil)
		entries := act["activity"].([]any)
		if len(entries) != 1 || entries[0].(map[string]any)["action"] != "status_changed" {
			t.Fatalf("activity for %s = %+v", id, act)
		}
	}

	res, _ = call(t, ts, http.MethodGet, "/v1/tasks/"+ids[0]+"/activity?limit=-2", "root", "ADMIN", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit status = %d, want 400", res.StatusCode)
	}
}

func TestMembershipsAreAdminOnly(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"user_id": "u2", "team_id": "red"}
	res, _ := call(t, ts, http.MethodPut, "/v1/memberships", "u1", "MEMBER", body)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("member status = %d, want 403", res.StatusCode)
	}
	res, payload := call(t, ts, http.MethodPut, "/v1/memberships", "root", "ADMIN", body)
	if res.StatusCode != http.StatusOK || payload["active"] != true {
		t.Fatalf("admin membership = %d %+v", res.StatusCode, payload)
	}

	res, payload = call(t, ts, http.MethodPost, "/v1/tasks", "u2", "MEMBER", map[string]any{"title": "team", "team_id": "red"})
	if res.StatusCode != http.StatusCreated || payload["type"] != "TEAM" {
		t.Fatalf("team task create = %d %+v", res.StatusCode, payload)
	}
}

func TestOperationStats(t *testing.T) {
	ts := newTestServer(t)
	createTask(t, ts, "u1", "MEMBER", "A")
	res, payload := call(t, ts, http.MethodGet, "/v1/stats/operations", "", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", res.StatusCode)
	}
	ops, _ := payload["operations"].([]any)
	if len(ops) == 0 {
		t.Fatalf("operations empty: %+v", payload)
	}
}

func TestActivityStream(t *testing.T) {
	ts := newTestServer(t)
	id := createTask(t, ts, "u1", "MEMBER", "watched")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/activity/ws?task_id=" + id
	header := http.Header{}
	header.Set(headerActorID, "u1")
	header.Set(headerActorRole, "MEMBER")
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial() error = %v (response %v)", err, res)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello protocol.SystemEvent
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read subscribed: %v", err)
	}
	if hello.Code != "subscribed" || hello.TaskID != id {
		t.Fatalf("first message = %+v, want subscribed to %s", hello, id)
	}

	call(t, ts, http.MethodPost, "/v1/tasks/"+id+"/status", "u1", "MEMBER", map[string]any{"status": "IN_PROGRESS"})

	var event protocol.ActivityEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read activity: %v", err)
	}
	if event.Type != protocol.TypeActivityEvent || event.Activity.Action != tasks.ActionStatusChanged || event.Activity.TaskID != id {
		t.Fatalf("event = %+v, want status_changed on %s", event, id)
	}

	if err := conn.WriteJSON(protocol.Ping{Type: protocol.TypePing, TSMs: 7}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong protocol.Pong
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != protocol.TypePong || pong.TSMs != 7 {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestActivityStreamRequiresViewAccess(t *testing.T) {
	ts := newTestServer(t)
	id := createTask(t, ts, "u1", "MEMBER", "private")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/activity/ws?task_id=" + id
	header := http.Header{}
	header.Set(headerActorID, "u2")
	header.Set(headerActorRole, "MEMBER")
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("Dial() succeeded for an actor without view access")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}

	header.Set(headerActorID, "u1")
	_, res, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/activity/ws", header)
	if err == nil || res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("unfiltered stream for member = %v, want 403", res)
	}
}
