package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runCommand(t *testing.T, baseURL string, args ...string) (string, error) {
	t.Helper()
	cmd := NewJobsCommand(func() string { return baseURL })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmitPostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/jobs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Auth-Subject"); got != "carol" {
			t.Errorf("subject header = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"abc"}`))
	}))
	defer srv.Close()
	t.Setenv("DISPATCH_SUBJECT", "carol")

	out, err := runCommand(t, srv.URL, "submit",
		"--lane", "high", "--prompt", "hello", "--provider", "openai", "--no-fallback")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "abc") {
		t.Fatalf("output = %q", out)
	}
	if got["lane"] != "high" {
		t.Fatalf("lane = %v", got["lane"])
	}
	payload, _ := got["payload"].(map[string]any)
	if payload["prompt"] != "hello" || payload["provider"] != "openai" || payload["allow_fallback"] != false {
		t.Fatalf("payload = %v", payload)
	}
}

func TestStatusAndCancelPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := runCommand(t, srv.URL, "status", "job-1"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if _, err := runCommand(t, srv.URL, "cancel", "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	want := []string{"GET /v1/jobs/job-1", "POST /v1/jobs/job-1/cancel"}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v", paths)
		}
	}
}

func TestListPassesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("filter"); got != `state=="dead"` {
			t.Errorf("filter = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q", got)
		}
		_, _ = w.Write([]byte(`{"jobs":[]}`))
	}))
	defer srv.Close()

	if _, err := runCommand(t, srv.URL, "list", "--filter", `state=="dead"`, "--limit", "5"); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestErrorStatusSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"job not found"}`))
	}))
	defer srv.Close()

	if _, err := runCommand(t, srv.URL, "status", "nope"); err == nil {
		t.Fatal("404 not surfaced as error")
	}
}
