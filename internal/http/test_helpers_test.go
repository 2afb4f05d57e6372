package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/liveness"
	"github.com/mistakeknot/interlock/internal/ws"
)

// testEnv bundles a coord.Manager on a temp project, the API router and a
// ws.Hub. Requests come from loopback so no token is needed.
type testEnv struct {
	srv     *httptest.Server
	hub     *ws.Hub
	mgr     *coord.Manager
	checker *liveness.Fake
	root    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	cfg := config.Default()
	cfg.Root = root
	cfg.Lock.Timeout = time.Second
	cfg.Lock.InitialBackoff = 10 * time.Millisecond
	cfg.Lock.MaxBackoff = 20 * time.Millisecond

	logger := log.New(io.Discard)
	checker := liveness.NewFake()
	mgr, err := coord.Open(cfg, coord.WithLogger(logger), coord.WithChecker(checker))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	hub := ws.NewHub(logger, ws.WithFileResolver(mgr.Canonicalize))
	mgr.Subscribe(hub)
	svc := NewService(mgr).WithLogger(logger)
	srv := httptest.NewServer(NewRouter(svc, hub.Handler(), nil))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, mgr: mgr, checker: checker, root: root}
}

func (e *testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(e.root, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func (e *testEnv) post(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
