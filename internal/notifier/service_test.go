package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"overseer/internal/eventbus"
	kit "overseer/internal/transport"
	logx "overseer/pkg/logx"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]error
	block chan struct{}
}

func (r *recordingSender) SendText(ctx context.Context, to string, text string, _ *kit.SendOptions) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[to]; err != nil {
		return err
	}
	r.sent = append(r.sent, to+":"+text)
	return nil
}

func (r *recordingSender) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func stopWithin(t *testing.T, s *Service, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyDeliversAndDrainsOnStop(t *testing.T) {
	snd := &recordingSender{}
	s := New(Config{Workers: 2, QueueSize: 16, RatePerSec: 1000}, snd, nil, logx.Nop())
	s.Start(context.Background())

	for _, to := range []string{"1", "2", "3"} {
		if err := s.Notify(context.Background(), Notification{To: to, Text: "hi"}); err != nil {
			t.Fatalf("notify %s: %v", to, err)
		}
	}
	stopWithin(t, s, 2*time.Second)

	if got := len(snd.Sent()); got != 3 {
		t.Fatalf("expected 3 sends after drain, got %d (%v)", got, snd.Sent())
	}
	c := s.Counters()
	if c.Queued != 3 || c.Sent != 3 || c.Failed != 0 {
		t.Fatalf("unexpected counters: %+v", c)
	}
}

func TestNotifyAfterStopFails(t *testing.T) {
	s := New(Config{}, &recordingSender{}, nil, logx.Nop())
	if err := s.Notify(context.Background(), Notification{To: "1", Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped before start, got %v", err)
	}
	s.Start(context.Background())
	stopWithin(t, s, time.Second)
	if err := s.Notify(context.Background(), Notification{To: "1", Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after stop, got %v", err)
	}
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	snd := &recordingSender{block: make(chan struct{})}
	s := New(Config{Workers: 1, QueueSize: 1, RatePerSec: 1000}, snd, nil, logx.Nop())
	s.Start(context.Background())

	var full bool
	for i := 0; i < 10; i++ {
		if err := s.Notify(context.Background(), Notification{To: "1", Text: "x"}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatalf("expected ErrQueueFull with a blocked worker and queue size 1")
	}
	if s.Counters().Dropped == 0 {
		t.Fatalf("expected dropped counter to move")
	}
	close(snd.block)
	stopWithin(t, s, 2*time.Second)
}

func TestFailedSendIsReportedAndNotRetried(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	snd := &recordingSender{fail: map[string]error{"bad": errors.New("forbidden")}}
	s := New(Config{Workers: 1, QueueSize: 8, RatePerSec: 1000}, snd, bus, logx.Nop())
	s.Start(context.Background())
	_ = s.Notify(context.Background(), Notification{To: "bad", Text: "x"})
	_ = s.Notify(context.Background(), Notification{To: "good", Text: "y"})
	stopWithin(t, s, 2*time.Second)

	if got := snd.Sent(); len(got) != 1 || got[0] != "good:y" {
		t.Fatalf("failure for one destination must not affect another: %v", got)
	}
	c := s.Counters()
	if c.Failed != 1 || c.Sent != 1 {
		t.Fatalf("unexpected counters: %+v", c)
	}

	var failed int
	for {
		select {
		case ev := <-events:
			if ev.Type == EventFailed {
				failed++
				if ne, ok := ev.Data.(NotificationEvent); !ok || ne.To != "bad" || ne.Error == "" {
					t.Fatalf("unexpected failed event payload: %#v", ev.Data)
				}
			}
			continue
		default:
		}
		break
	}
	if failed != 1 {
		t.Fatalf("expected exactly one failed event, got %d", failed)
	}
}

func TestNotifyRejectsEmpty(t *testing.T) {
	s := New(Config{}, &recordingSender{}, nil, logx.Nop())
	s.Start(context.Background())
	defer stopWithin(t, s, time.Second)
	if err := s.Notify(context.Background(), Notification{To: "", Text: "x"}); err == nil {
		t.Fatalf("expected error for empty destination")
	}
}
