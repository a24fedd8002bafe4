package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "overseer/pkg/logx"
)

func TestHandlerAnswersEveryPath(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	for _, p := range []string{"/", "/health", "/healthz", "/anything/else"} {
		resp, err := http.Get(srv.URL + p)
		if err != nil {
			t.Fatalf("GET %s: %v", p, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "ok" {
			t.Fatalf("GET %s = %d %q", p, resp.StatusCode, body)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
			t.Fatalf("unexpected content type %q", ct)
		}
	}
}

type notifyRecorder struct {
	mu     sync.Mutex
	states []string
}

func (n *notifyRecorder) notify(state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return true, nil
}

func (n *notifyRecorder) has(state string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.states {
		if s == state {
			return true
		}
	}
	return false
}

func TestServiceLifecycle(t *testing.T) {
	rec := &notifyRecorder{}
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", SystemdNotify: true}, logx.Nop())
	s.notify = rec.notify
	s.watchdog = func() (time.Duration, error) { return 20 * time.Millisecond, nil }

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("expected a bound address")
	}

	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !rec.has(daemon.SdNotifyWatchdog) {
		if time.Now().After(deadline) {
			t.Fatalf("expected watchdog notifications")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if !rec.has(daemon.SdNotifyReady) || !rec.has(daemon.SdNotifyStopping) {
		t.Fatalf("expected READY and STOPPING, got %v", rec.states)
	}
	if s.Addr() != "" {
		t.Fatalf("expected no address after stop")
	}
}

func TestServiceDisabledStillNotifies(t *testing.T) {
	rec := &notifyRecorder{}
	s := New(Config{Enabled: false, SystemdNotify: true}, logx.Nop())
	s.notify = rec.notify
	s.watchdog = func() (time.Duration, error) { return 0, nil }

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("disabled endpoint must not listen")
	}
	s.Stop(context.Background())
	if !rec.has(daemon.SdNotifyReady) {
		t.Fatalf("expected READY even without the HTTP endpoint")
	}
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	first := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer first.Stop(context.Background())

	second := New(Config{Enabled: true, Addr: first.Addr()}, logx.Nop())
	if err := second.Start(context.Background()); err == nil {
		second.Stop(context.Background())
		t.Fatalf("expected bind error on a busy address")
	}
}
