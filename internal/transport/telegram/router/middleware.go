package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "overseer/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a handler. The first middleware passed to wrap runs outermost.
type Middleware func(next HandlerFunc) HandlerFunc

func wrap(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

func recoverPanics(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.logger(log).Error("command panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// logRequests logs failures at warn and slow commands at info.
func logRequests(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			began := time.Now()
			err := next(ctx, req)
			took := time.Since(began)

			l := req.logger(log).With(logx.Duration("took", took))
			switch {
			case err != nil:
				l.Warn("command failed", logx.Err(err))
			case took >= 750*time.Millisecond:
				l.Info("command slow")
			default:
				l.Debug("command ok")
			}
			return err
		}
	}
}

// chatLimiter hands out one token bucket per chat.
type chatLimiter struct {
	mu      sync.Mutex
	every   time.Duration
	burst   int
	buckets map[string]*rate.Limiter
	seen    map[string]time.Time
	// chats already told they are over budget
	warned map[string]bool
}

func newChatLimiter(perMinute int) *chatLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &chatLimiter{
		every:   time.Minute / time.Duration(perMinute),
		burst:   perMinute,
		buckets: map[string]*rate.Limiter{},
		seen:    map[string]time.Time{},
		warned:  map[string]bool{},
	}
}

// allow takes a token for chatID. When it refuses, warn is true only for the
// first refusal since the chat was last allowed.
func (c *chatLimiter) allow(chatID string, now time.Time) (ok, warn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// a chat idle for a full window is back to a full bucket; forget it
	if len(c.buckets) > 1024 {
		for id, at := range c.seen {
			if now.Sub(at) > time.Minute {
				delete(c.buckets, id)
				delete(c.seen, id)
				delete(c.warned, id)
			}
		}
	}
	l, ok := c.buckets[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.every), c.burst)
		c.buckets[chatID] = l
	}
	c.seen[chatID] = now
	if l.AllowN(now, 1) {
		delete(c.warned, chatID)
		return true, false
	}
	warn = !c.warned[chatID]
	c.warned[chatID] = true
	return false, warn
}

// throttle rejects commands from chats that exceed their budget, replying to
// the first rejected command only.
func throttle(c *chatLimiter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if c == nil {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ok, warn := c.allow(req.ChatID, time.Now())
			if ok {
				return next(ctx, req)
			}
			req.logger(logx.Nop()).Debug("command throttled", logx.Bool("replied", warn))
			if !warn {
				return nil
			}
			return req.Reply(ctx, "Too many commands, slow down and try again in a minute.")
		}
	}
}
