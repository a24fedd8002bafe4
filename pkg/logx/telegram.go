package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "overseer/internal/transport"
)

const (
	telegramMaxLen   = 3500
	telegramFieldLen = 600
	telegramQueueCap = 256
)

type telegramLine struct {
	to   string
	text string
}

// telegramSink is a zerolog LevelWriter that forwards lines to a chat from a
// single background worker. Writes never block: lines below the min level,
// over the rate, or beyond the queue are dropped.
type telegramSink struct {
	mu       sync.Mutex
	sender   kit.Sender
	chatID   string
	minLevel Level
	limiter  *rate.Limiter

	queue  chan telegramLine
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramSink(sender kit.Sender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		minLevel: LevelWarn,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan telegramLine, telegramQueueCap),
	}
}

func (t *telegramSink) setSender(snd kit.Sender) {
	t.mu.Lock()
	t.sender = snd
	t.mu.Unlock()
}

// configure updates the target and starts the worker on first enable.
func (t *telegramSink) configure(cfg TelegramConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.chatID = strings.TrimSpace(cfg.ChatID)
	t.minLevel = ParseLevel(cfg.MinLevel, LevelWarn)
	rps := max(cfg.RatePerSec, 1)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if cfg.Enabled && t.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.wg.Add(1)
		go t.run(ctx)
	}
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-t.queue:
			t.mu.Lock()
			snd := t.sender
			t.mu.Unlock()
			if snd == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = snd.SendText(sctx, line.to, line.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(LevelInfo, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	ok := t.cancel != nil && t.sender != nil && t.chatID != "" &&
		level >= t.minLevel && t.limiter.Allow()
	to := t.chatID
	t.mu.Unlock()
	if !ok {
		return len(p), nil
	}

	if text := formatTelegramLine(p); text != "" {
		select {
		case t.queue <- telegramLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatTelegramLine renders a JSON log line as "[LEVEL] message" followed by
// one "- key=value" line per field, keys sorted.
func formatTelegramLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, telegramMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(m, zerolog.TimestampFieldName)
	delete(m, zerolog.LevelFieldName)
	delete(m, zerolog.MessageFieldName)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), telegramFieldLen))
	}
	return truncate(b.String(), telegramMaxLen)
}

func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
