// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"

	"analysisqueue/src/backend"
	"analysisqueue/src/dedup"
	"analysisqueue/src/model"
	"analysisqueue/src/processor"
	"analysisqueue/src/store"
)

type idleSandbox struct{}

func (idleSandbox) Run(ctx context.Context, job backend.Job) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

// newTestAPI serves a scheduler whose dispatch loop is not running, so
// admitted tasks stay queued.
func newTestAPI(t *testing.T) (*httptest.Server, *processor.Scheduler, *store.SQLStore) {
	t.Helper()

	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sched := processor.New(st, dedup.New(st, 24*time.Hour, time.Minute), backend.NewLocalExecutor(idleSandbox{}), processor.Options{
		ID:      "test",
		BaseURL: "http://api.test",
	})
	srv := httptest.NewServer(NewAPIServer(sched, st, "internal-secret").Handler())
	t.Cleanup(srv.Close)
	return srv, sched, st
}

func post(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAnalyzeQueuesAndDeduplicates(t *testing.T) {
	srv, _, st := newTestAPI(t)

	resp := post(t, srv.URL+"/analyze", `{"purl":"pkg:npm/left-pad@1.3.0","priority":2}`, map[string]string{"X-API-Key": "k1"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var first analyzeResponse
	decode(t, resp, &first)
	if first.Outcome != processor.Created || first.Status != model.TaskQueued {
		t.Fatalf("first = %+v", first)
	}
	if first.QueuePosition == nil || *first.QueuePosition != 1 {
		t.Fatalf("queue position = %v, want 1", first.QueuePosition)
	}

	resp = post(t, srv.URL+"/analyze", `{"ecosystem":"npm","package_name":"lodash"}`, nil)
	var legacy analyzeResponse
	decode(t, resp, &legacy)
	if legacy.Purl != "npm/lodash@latest" {
		t.Fatalf("legacy purl = %q", legacy.Purl)
	}

	resp = post(t, srv.URL+"/analyze", `{"purl":"pkg:npm/left-pad@1.3.0"}`, nil)
	var again analyzeResponse
	decode(t, resp, &again)
	if again.TaskID != first.TaskID || again.Outcome != processor.InProgress {
		t.Fatalf("repeat = %+v, want task %d in progress", again, first.TaskID)
	}

	stored, err := st.Get(context.Background(), first.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.APIKey != "k1" {
		t.Fatalf("api key = %q", stored.APIKey)
	}
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	srv, _, _ := newTestAPI(t)

	for _, body := range []string{`{"purl":`, `{"purl":"npm/left-pad"}`, `{}`} {
		resp := post(t, srv.URL+"/analyze", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("POST %s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestCachedAnalysisAndReport(t *testing.T) {
	srv, sched, st := newTestAPI(t)
	ctx := context.Background()

	res, err := sched.Submit(ctx, processor.Request{Identity: mustIdentity(t, "pkg:pypi/requests@2.31.0")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	now := time.Now()
	if _, err := st.Transition(ctx, res.Task.ID, func(t *model.Task) error {
		t.Status = model.TaskRunning
		t.StartedAt = &now
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := sched.Complete(ctx, res.Task.ID, json.RawMessage(`{"verdict":"clean"}`), nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	resp := post(t, srv.URL+"/analyze", `{"purl":"pkg:pypi/requests@2.31.0"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var cached analyzeResponse
	decode(t, resp, &cached)
	if cached.Outcome != processor.Cached || cached.TaskID != done.ID {
		t.Fatalf("cached = %+v", cached)
	}
	want := "http://api.test/reports/" + strconv.FormatInt(*done.ReportID, 10)
	if cached.DownloadURL != want {
		t.Fatalf("download url = %q, want %q", cached.DownloadURL, want)
	}

	resp = get(t, srv.URL+"/reports/"+strconv.FormatInt(*done.ReportID, 10))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status = %d", resp.StatusCode)
	}
	var report map[string]string
	decode(t, resp, &report)
	if report["verdict"] != "clean" {
		t.Fatalf("report = %v", report)
	}

	if resp := get(t, srv.URL+"/reports/999"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing report status = %d, want 404", resp.StatusCode)
	}
}

func TestTaskLookup(t *testing.T) {
	srv, sched, _ := newTestAPI(t)

	if resp := get(t, srv.URL+"/tasks/abc"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if resp := get(t, srv.URL+"/tasks/42"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	res, err := sched.Submit(context.Background(), processor.Request{Identity: mustIdentity(t, "pkg:gem/rails@7.1.0"), TimeoutMinutes: 5})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	resp := get(t, srv.URL+"/tasks/"+strconv.FormatInt(res.Task.ID, 10))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var view processor.StatusView
	decode(t, resp, &view)
	if view.Status != model.TaskQueued || view.Purl != "pkg:gem/rails@7.1.0" {
		t.Fatalf("view = %+v", view)
	}
}

func TestQueueAndGlobalStatus(t *testing.T) {
	srv, sched, _ := newTestAPI(t)
	ctx := context.Background()

	for i, purl := range []string{"pkg:npm/a@1.0.0", "pkg:npm/b@1.0.0", "pkg:npm/c@1.0.0"} {
		if _, err := sched.Submit(ctx, processor.Request{Identity: mustIdentity(t, purl), Priority: i}); err != nil {
			t.Fatalf("Submit %s: %v", purl, err)
		}
	}

	var queue processor.QueueView
	decode(t, get(t, srv.URL+"/queue"), &queue)
	if len(queue.Active) != 0 || len(queue.Queued) != 3 {
		t.Fatalf("queue = %d active, %d queued", len(queue.Active), len(queue.Queued))
	}
	if queue.Queued[0].Purl != "pkg:npm/c@1.0.0" {
		t.Fatalf("head = %s, want the highest priority", queue.Queued[0].Purl)
	}

	var counts store.Counts
	decode(t, get(t, srv.URL+"/global-status"), &counts)
	if counts.Total != 3 || counts.Queued != 3 {
		t.Fatalf("counts = %+v", counts)
	}

	var stats processor.StatusResponse
	decode(t, get(t, srv.URL+"/status"), &stats)
	if stats.TasksSubmitted != 3 {
		t.Fatalf("stats = %+v", stats)
	}

	var timeouts processor.TimeoutView
	decode(t, get(t, srv.URL+"/timeouts"), &timeouts)
	if len(timeouts.Running) != 0 || len(timeouts.TimedOut) != 0 {
		t.Fatalf("timeouts = %+v", timeouts)
	}
}

func TestCallbackAuthorization(t *testing.T) {
	srv, sched, _ := newTestAPI(t)
	url := srv.URL + "/internal/callback/done"

	if resp := post(t, url, `{"task_id":1}`, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", resp.StatusCode)
	}
	if resp := post(t, url, `{"task_id":1}`, map[string]string{"Authorization": "Bearer wrong"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", resp.StatusCode)
	}

	auth := map[string]string{"Authorization": "Bearer internal-secret"}
	if resp := post(t, url, `{"status":"completed"}`, auth); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing id: status = %d, want 400", resp.StatusCode)
	}
	if resp := post(t, url, `{"task_id":"77"}`, auth); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task: status = %d, want 404", resp.StatusCode)
	}

	// A task that never reached the slot is returned unchanged.
	res, err := sched.Submit(context.Background(), processor.Request{Identity: mustIdentity(t, "pkg:npm/late@1.0.0")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	body := `{"task_id":"` + strconv.FormatInt(res.Task.ID, 10) + `","status":"completed"}`
	resp := post(t, url, body, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queued task: status = %d, want 200", resp.StatusCode)
	}
	var view processor.StatusView
	decode(t, resp, &view)
	if view.Status != model.TaskQueued {
		t.Fatalf("status = %s, want queued", view.Status)
	}
}

func TestCallbackDisabledWithoutToken(t *testing.T) {
	api := NewAPIServer(nil, nil, "")
	req := httptest.NewRequest(http.MethodPost, "/internal/callback/done", bytes.NewBufferString(`{"task_id":1}`))
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCLIParsing(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("analysisqueue"))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	if _, err := parser.Parse([]string{"serve", "--port", "9191", "--backend", "cluster"}); err != nil {
		t.Fatalf("parse serve: %v", err)
	}
	if cli.Serve.Port != "9191" || cli.Serve.Backend != "cluster" {
		t.Fatalf("serve = %+v", cli.Serve)
	}

	t.Setenv("TASK_ID", "12")
	t.Setenv("API_URL", "http://scheduler/internal/callback/done")
	cli = CLI{}
	if _, err := parser.Parse([]string{"notify", "failed"}); err != nil {
		t.Fatalf("parse notify: %v", err)
	}
	if cli.Notify.Status != "failed" || cli.Notify.TaskID != "12" || cli.Notify.URL == "" {
		t.Fatalf("notify = %+v", cli.Notify)
	}
}

func mustIdentity(t *testing.T, purl string) model.Identity {
	t.Helper()
	id, err := model.ParseIdentity(purl)
	if err != nil {
		t.Fatalf("parse %q: %v", purl, err)
	}
	return id
}
