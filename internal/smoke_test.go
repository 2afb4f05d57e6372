package internal_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
	httpapi "github.com/mistakeknot/interlock/internal/http"
	"github.com/mistakeknot/interlock/internal/ws"
)

func getJSON[T any](t *testing.T, url string) T {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

// TestSmokeConcurrentAgents drives two agents that append to the same file
// through the full stack and checks the file, the ledger over HTTP and the
// websocket event stream agree.
func TestSmokeConcurrentAgents(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	cfg := config.Default()
	cfg.Root = root
	cfg.Lock.InitialBackoff = 5 * time.Millisecond
	cfg.Lock.MaxBackoff = 20 * time.Millisecond
	logger := log.New(io.Discard)

	mgr, err := coord.Open(cfg, coord.WithLogger(logger))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer mgr.Close()

	hub := ws.NewHub(logger, ws.WithFileResolver(mgr.Canonicalize))
	mgr.Subscribe(hub)
	ring := auth.NewKeyring(true, nil)
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.NewService(mgr), hub.Handler(), auth.Middleware(ring)))
	defer srv.Close()

	target := filepath.Join(root, "shared.txt")
	if err := os.WriteFile(target, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?file=" + target
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	for hub.Count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	const perAgent = 5
	agents := []core.AgentKind{core.AgentFormatter, core.AgentRefactorer}
	var wg sync.WaitGroup
	errs := make(chan error, len(agents)*perAgent)
	for _, kind := range agents {
		wg.Add(1)
		go func(kind core.AgentKind) {
			defer wg.Done()
			for i := 0; i < perAgent; i++ {
				_, err := mgr.WithProtectedWrite(ctx, core.WriteRequest{Path: target, Kind: kind}, func(_ context.Context, path string) error {
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					line := fmt.Sprintf("%s %d\n", kind, i)
					return os.WriteFile(path, append(data, line...), 0o644)
				})
				if err != nil {
					errs <- err
				}
			}
		}(kind)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("protected write: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != len(agents)*perAgent {
		t.Fatalf("expected %d lines, got %d: lost update", len(agents)*perAgent, len(lines))
	}

	hist := getJSON[struct {
		Modifications []struct {
			Success bool `json:"success"`
		} `json:"modifications"`
	}](t, srv.URL+"/api/history?file="+target+"&limit="+strconv.Itoa(100))
	if len(hist.Modifications) != len(agents)*perAgent {
		t.Fatalf("expected %d ledger entries, got %d", len(agents)*perAgent, len(hist.Modifications))
	}
	for _, m := range hist.Modifications {
		if !m.Success {
			t.Fatalf("expected every modification to succeed")
		}
	}

	locks := getJSON[struct {
		Locks []json.RawMessage `json:"locks"`
	}](t, srv.URL+"/api/locks")
	if len(locks.Locks) != 0 {
		t.Fatalf("expected no locks left, got %d", len(locks.Locks))
	}

	// Every write produces acquired, backup, finished and released events.
	var finished int
	for finished < len(agents)*perAgent {
		var ev core.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("ws read: %v", err)
		}
		if ev.FilePath != target {
			t.Fatalf("filtered stream delivered %s", ev.FilePath)
		}
		if ev.Type == core.EventModificationFinished {
			finished++
		}
	}
}
