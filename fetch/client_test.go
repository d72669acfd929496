package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jcu-dc24/ingester/fetch"
)

func TestClientRateLimit(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	c := fetch.NewClient(fetch.OptRateLimit(20))
	start := time.Now()
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := c.Do(context.Background(), req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}
	if hits != 3 {
		t.Fatalf("expected 3 hits, got %d", hits)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("requests were not rate limited, took %v", elapsed)
	}
}

func TestClientCancelled(t *testing.T) {
	c := fetch.NewClient(fetch.OptRateLimit(0.001))
	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)
	// the first token is free
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Do(ctx, req); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b")
	n, err := fetch.Save(path, strings.NewReader("hello"))
	if err != nil || n != 5 {
		t.Fatalf("unexpected %d, %v", n, err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Fatalf("unexpected contents %q, %v", data, err)
	}
}

func TestMediaType(t *testing.T) {
	if mt := fetch.MediaType("text/html; charset=utf-8"); mt != "text/html" {
		t.Fatalf("unexpected media type %q", mt)
	}
	if mt := fetch.MediaType(""); mt != "" {
		t.Fatalf("unexpected media type %q", mt)
	}
}
