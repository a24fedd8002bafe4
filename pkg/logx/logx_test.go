package logx

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kit "overseer/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	to   []string
	msgs []string
}

func (c *captureSender) SendText(_ context.Context, to string, text string, _ *kit.SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.to = append(c.to, to)
	c.msgs = append(c.msgs, text)
	return nil
}

func (c *captureSender) snapshot() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.to...), append([]string(nil), c.msgs...)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"Error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestFormatTelegramLine(t *testing.T) {
	line := []byte(`{"level":"error","message":"boom","b":"2","a":1,"time":"2026-01-01T00:00:00Z"}` + "\n")
	got := formatTelegramLine(line)
	want := "[ERROR] boom\n- a=1\n- b=2"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	if got := formatTelegramLine([]byte("not json\n")); got != "not json" {
		t.Fatalf("raw fallback=%q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("got %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("got %q", got)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing", String("k", "v"))
	l.With(Int("n", 1)).Error("still nothing")
}

func TestWithFieldsAreApplied(t *testing.T) {
	var buf bytes.Buffer
	l := FromZerolog(zerolog.New(&buf)).With(String("comp", "fanout"))
	l.Info("matched", Int("destinations", 2))

	out := buf.String()
	for _, want := range []string{`"comp":"fanout"`, `"destinations":2`, `"message":"matched"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestServiceTelegramSinkHonoursMinLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.log")
	snd := &captureSender{}

	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     "-1001",
			MinLevel:   "error",
			RatePerSec: 10,
		},
	}, nil)
	svc.SetSender(snd)

	log.Info("quiet")
	log.Error("boom", String("source", "deals"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		to, msgs := snd.snapshot()
		if len(msgs) == 1 {
			if to[0] != "-1001" {
				t.Fatalf("to=%q", to[0])
			}
			if !strings.HasPrefix(msgs[0], "[ERROR] boom") || !strings.Contains(msgs[0], "- source=deals") {
				t.Fatalf("msg=%q", msgs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("telegram sink delivered %d messages", len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, msgs := snd.snapshot(); len(msgs) != 1 {
		t.Fatalf("info line leaked into telegram: %v", msgs)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"message":"quiet"`) || !strings.Contains(string(raw), `"message":"boom"`) {
		t.Fatalf("file sink missing lines: %s", raw)
	}
}

func TestServiceApplyChangesLevel(t *testing.T) {
	svc, log := New(Config{Level: "info"}, nil)
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatalf("debug should be disabled at info")
	}
	svc.Apply(Config{Level: "debug"})
	if !log.Enabled(LevelDebug) {
		t.Fatalf("derived logger should follow Apply")
	}
}
