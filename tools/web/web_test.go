package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	orion "github.com/orionhq/orion"
)

func TestFetchStripsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><style>p{color:red}</style><script>alert(1)</script></head>` +
			`<body><h1>Title</h1><p>Hello &amp; welcome</p></body></html>`))
	}))
	defer srv.Close()

	out, err := New().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if strings.Contains(out, "<") || strings.Contains(out, "alert") || strings.Contains(out, "color:red") {
		t.Errorf("markup leaked through: %q", out)
	}
	if !strings.Contains(out, "Title") || !strings.Contains(out, "Hello & welcome") {
		t.Errorf("text content missing: %q", out)
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := New().Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestInvokeThroughRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<p>body text</p>`))
	}))
	defer srv.Close()

	reg := orion.NewToolRegistry(nil, nil, nil)
	if err := New().Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	args := json.RawMessage(fmt.Sprintf(`{"url":%q}`, srv.URL))
	res, err := reg.Invoke(context.Background(), "http_fetch", args)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("tool error: %s", res.Error)
	}
	if !strings.Contains(res.Content, "body text") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestGuardBlocksPrivateURL(t *testing.T) {
	reg := orion.NewToolRegistry(orion.NewToolGuard(), nil, nil)
	if err := New().Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := reg.Invoke(context.Background(), "http_fetch", json.RawMessage(`{"url":"http://169.254.169.254/latest/meta-data"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(res.Error, "denied") {
		t.Errorf("error = %q, want guard denial", res.Error)
	}
}
