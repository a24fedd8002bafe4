// Package adapter connects the bot to Telegram through telebot's long poller
// and converts updates to the transport-neutral model.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "overseer/internal/runtime/supervisor"
	kit "overseer/internal/transport"
	logx "overseer/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL points at a self-hosted Bot API server; empty means api.telegram.org.
	APIURL string

	offline bool // skip getMe; tests only
}

// Adapter implements kit.Adapter and kit.CommandMenuUpdater.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	out     atomic.Pointer[outlet]
	dropped atomic.Uint64

	mu  sync.Mutex
	sup *rtsup.Supervisor

	menuMu  sync.Mutex
	menuSum uint64
}

// outlet is the consumer channel; nil while stopped.
type outlet struct{ ch chan<- kit.Update }

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Token:   strings.TrimSpace(cfg.Token),
		Poller:  &tele.LongPoller{Timeout: poll},
		Offline: cfg.offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{log: log, bot: b}
	b.Handle(tele.OnText, a.handler(kit.UpdateMessage))
	b.Handle(tele.OnChannelPost, a.handler(kit.UpdateChannelPost))
	b.Handle(tele.OnEditedChannelPost, a.handler(kit.UpdateEditedChannelPost))
	return a, nil
}

func (a *Adapter) handler(kind kit.UpdateKind) tele.HandlerFunc {
	return func(c tele.Context) error {
		if msg := convertMessage(c.Message()); msg != nil {
			a.deliver(kit.Update{Kind: kind, Message: msg})
		}
		return nil
	}
}

// Username is the bot's own username as reported by getMe.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

// Supervisor returns the polling supervisor (nil when stopped).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

// deliver never blocks the poller; a full consumer drops the update.
func (a *Adapter) deliver(up kit.Update) {
	o := a.out.Load()
	if o == nil || o.ch == nil {
		return
	}
	select {
	case o.ch <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling and forwards updates to out. It is idempotent.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&outlet{ch: out})
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup = sup

	sup.Go0("updates.drops", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.logDrops(cap(out))
				return
			case <-t.C:
				a.logDrops(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start returns on poller failures; keep it running while the context lives
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) logDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (consumer full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop ends polling. A long poll still in flight is abandoned after a short grace period.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	a.log.Info("stopping")
	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// convertMessage maps a telebot message to the transport model. Media posts
// carry their text in the caption. Messages with neither yield nil.
func convertMessage(m *tele.Message) *kit.Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if text == "" {
		return nil
	}
	out := &kit.Message{ID: m.ID, Chat: convertChat(m.Chat), Text: text}
	if u := m.Sender; u != nil {
		out.FromID, out.FromUsername = u.ID, u.Username
	}
	if o := m.Origin; o != nil {
		src := o.Chat
		if src == nil {
			src = o.SenderChat
		}
		if src != nil {
			c := convertChat(src)
			out.ForwardFrom = &c
		}
	}
	return out
}

func convertChat(c *tele.Chat) kit.Chat {
	return kit.Chat{
		ID:       c.ID,
		Username: strings.TrimPrefix(c.Username, "@"),
		Title:    c.Title,
		Type:     string(c.Type),
	}
}
