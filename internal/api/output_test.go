package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/nateabele/jsengine/internal/model"
)

// readSSE collects every non-blank line of an event stream until it ends.
func readSSE(t *testing.T, url string) []string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestStreamOutputReplaysFinishedRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := decodeRun(t, postJSON(t, ts.URL+"/v1/envs/default/run", runRequest{
		Source: `console.log("one"); console.error("two")`,
	}))

	got := readSSE(t, ts.URL+"/v1/runs/"+run.ID+"/output")
	want := []string{
		"event: out", `data: "one"`,
		"event: err", `data: "two"`,
		"event: done", "data: completed",
	}
	if !slices.Equal(got, want) {
		t.Errorf("stream = %q, want %q", got, want)
	}
}

func TestStreamOutputLive(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/envs/default/run/async", runRequest{
		Source: `setTimeout(() => console.log("tick"), 100)`,
	})
	var submitted model.Run
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	got := readSSE(t, ts.URL+"/v1/runs/"+submitted.ID+"/output")
	if !slices.Contains(got, `data: "tick"`) {
		t.Errorf("stream = %q, want the tick line", got)
	}
	if len(got) < 2 || got[len(got)-2] != "event: done" || got[len(got)-1] != "data: completed" {
		t.Errorf("stream = %q, want a final done event", got)
	}
}

func TestStreamOutputNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/output", "/output/history", ""} {
		resp, err := http.Get(ts.URL + "/v1/runs/missing" + path)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET /v1/runs/missing%s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestOutputHistory(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := decodeRun(t, postJSON(t, ts.URL+"/v1/envs/default/run", runRequest{
		Source: `console.log("a"); console.log("b\nc")`,
	}))

	resp, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/output/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var hist outputHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hist.RunID != run.ID {
		t.Errorf("run_id = %q, want %q", hist.RunID, run.ID)
	}
	if len(hist.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(hist.Lines))
	}
	for i, line := range hist.Lines {
		if line.Seq != i || line.Stream != model.StreamOut {
			t.Errorf("line %d = seq %d stream %q", i, line.Seq, line.Stream)
		}
	}
	if !strings.HasPrefix(hist.Lines[0].Text, `"a"`) {
		t.Errorf("first line = %q", hist.Lines[0].Text)
	}
}

func TestListRunsFiltersAndPaginates(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for range 3 {
		decodeRun(t, postJSON(t, ts.URL+"/v1/envs/default/run", runRequest{Source: "1"}))
	}

	resp := postJSON(t, ts.URL+"/v1/envs", struct{}{})
	var env model.Env
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	decodeRun(t, postJSON(t, ts.URL+"/v1/envs/"+env.ID+"/run", runRequest{Source: "2"}))

	tests := []struct {
		query     string
		wantTotal int
		wantLen   int
		wantLimit int
	}{
		{"", 4, 4, defaultListLimit},
		{"?limit=2", 4, 2, 2},
		{"?limit=2&offset=3", 4, 1, 2},
		{"?limit=500", 4, 4, maxListLimit},
		{"?env_id=" + env.ID, 1, 1, defaultListLimit},
		{"?env_id=default", 3, 3, defaultListLimit},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + "/v1/runs" + tt.query)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var list listRunsResponse
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()

		if list.Total != tt.wantTotal || len(list.Runs) != tt.wantLen || list.Limit != tt.wantLimit {
			t.Errorf("GET /v1/runs%s = total %d len %d limit %d, want %d %d %d", tt.query,
				list.Total, len(list.Runs), list.Limit, tt.wantTotal, tt.wantLen, tt.wantLimit)
		}
	}
}
