package heartbeat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestReportSucceedsOnFirstMirror(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-v") != "2" {
			t.Errorf("expected api-v: 2 header, got %q", r.Header.Get("api-v"))
		}
		w.Write([]byte(`{"status":"2000","code":200,"msg":"ok"}`))
	}))
	defer srv.Close()

	r := New("key", func() FleetInfo { return FleetInfo{ServerName: "test"} })
	r.Mirrors = []string{srv.URL}

	mirror, err := r.report(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if mirror != srv.URL {
		t.Fatalf("expected mirror %q, got %q", srv.URL, mirror)
	}
}

func TestReportIncludesDocumentedFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		want := map[string]string{
			"uuid":          "abc-123",
			"port":          "30814",
			"clientversion": "2.0",
			"guests":        "3",
			"desc":          "a test server",
			"pass":          "false",
			"playerslist":   "Rook;Vale;",
			"modlist":       "/a.zip;/b.zip;",
			"tags":          "drift;rain;",
		}
		for k, v := range want {
			if got := r.FormValue(k); got != v {
				t.Errorf("form field %q: got %q, want %q", k, got, v)
			}
		}
		w.Write([]byte(`{"status":"2000","code":200,"msg":"ok"}`))
	}))
	defer srv.Close()

	info := FleetInfo{
		UUID:          "abc-123",
		ServerName:    "test",
		Port:          30814,
		ClientVersion: "2.0",
		Guests:        3,
		Description:   "a test server",
		PlayersList:   []string{"Rook", "Vale"},
		ModList:       []string{"mods/sub/a.zip", "mods/b.zip"},
		Tags:          "drift, rain",
	}
	r := New("key", func() FleetInfo { return info })
	r.Mirrors = []string{srv.URL}
	if _, err := r.report(context.Background()); err != nil {
		t.Fatalf("report: %v", err)
	}
}

func TestReportFailsWhenEveryMirrorRejects(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","code":400,"msg":"rejected"}`))
	}))
	defer bad.Close()

	r := New("key", func() FleetInfo { return FleetInfo{} })
	r.Mirrors = []string{bad.URL, bad.URL}

	if _, err := r.report(context.Background()); err == nil {
		t.Fatalf("expected error when every mirror rejects the report")
	}
}

func TestRunStopsReportingAfterDirectMode(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"status":"rejected","code":403,"msg":"denied"}`))
	}))
	defer srv.Close()

	r := New("key", func() FleetInfo { return FleetInfo{} })
	r.Mirrors = []string{srv.URL}
	r.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	var results []bool
	r.Run(ctx, func(registered bool, mirror string, err error) {
		results = append(results, registered)
	})

	if !r.DirectMode() {
		t.Fatalf("expected reporter to enter direct mode after rejection")
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one reported result")
	}
	if len(results) != 1 {
		t.Fatalf("expected no further attempts after entering direct mode, got %d results", len(results))
	}
	for _, reg := range results {
		if reg {
			t.Fatalf("expected no successful registration in this test")
		}
	}
}
