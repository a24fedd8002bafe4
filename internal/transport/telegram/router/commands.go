package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"overseer/internal/fanout"
	rtsup "overseer/internal/runtime/supervisor"
	kit "overseer/internal/transport"
	logx "overseer/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	// Hidden commands are routable but left out of the command menu.
	Hidden  bool
	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

// Request is the per-command context passed to handlers.
type Request struct {
	Update  kit.Update
	ChatID  string // reply destination and subscriber identity
	FromID  int64
	Command string
	Args    string
	ReqID   string

	Sender kit.Sender
	Logger logx.Logger
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Sender.SendText(ctx, r.ChatID, text, &kit.SendOptions{DisablePreview: true})
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return fallback
}

// Processor evaluates non-command traffic against subscriptions.
type Processor interface {
	ProcessInbound(ctx context.Context, in fanout.Inbound) int
}

type Config struct {
	BotUsername string
	Workers     int
	QueueSize   int
	// CommandTimeout bounds a single command handler.
	CommandTimeout time.Duration
	// CommandsPerMinute is the per-chat command budget: 0 means 30, negative disables it.
	CommandsPerMinute int
}

type CommandManager struct {
	mu    sync.RWMutex
	cmds  []Command
	index map[string]Command // name or alias -> command

	cfg    Config
	log    logx.Logger
	sender kit.Sender
	engine Processor
	limit  *chatLimiter

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func NewCommandManager(cfg Config, sender kit.Sender, engine Processor, log logx.Logger) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	if cfg.CommandsPerMinute == 0 {
		cfg.CommandsPerMinute = 30
	}
	return &CommandManager{
		index:  map[string]Command{},
		cfg:    cfg,
		log:    log,
		sender: sender,
		engine: engine,
		limit:  newChatLimiter(cfg.CommandsPerMinute),
	}
}

// Supervisor returns the dispatcher's internal supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

// SetRegistry replaces the routable command set.
func (m *CommandManager) SetRegistry(cmds []Command) {
	index := make(map[string]Command, len(cmds)*2)
	kept := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		kept = append(kept, c)
		index[name] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" {
				continue
			}
			if _, exists := index[a]; !exists {
				index[a] = c
			}
		}
	}
	m.mu.Lock()
	m.cmds = kept
	m.index = index
	m.mu.Unlock()
}

// MenuCommands returns the command menu for the current registry.
func (m *CommandManager) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return buildMenuCommands(m.cmds)
}

// SyncMenu pushes the command menu to the transport when it supports it.
// Failure is logged and otherwise ignored.
func (m *CommandManager) SyncMenu(ctx context.Context) {
	up, ok := m.sender.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, m.MenuCommands()); err != nil {
		m.log.Warn("command menu registration failed", logx.Err(err))
	}
}

func (m *CommandManager) lookup(name string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.index[name]
	return c, ok
}

// DispatchLoop routes updates until ctx is done or updates is closed.
// Commands and fanout passes run on a bounded worker pool.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := m.cfg.Workers
	jobs := make(chan func(context.Context), m.cfg.QueueSize)

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.runMu.Lock()
	m.sup = sup
	m.runMu.Unlock()

	m.log.Info("update dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("dispatch.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					m.runJob(c, idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		m.runMu.Lock()
		m.sup = nil
		m.runMu.Unlock()
		m.log.Info("update dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up, jobs)
		}
	}
}

func (m *CommandManager) runJob(ctx context.Context, worker int, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in dispatch job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job(ctx)
}

func (m *CommandManager) route(ctx context.Context, up kit.Update, jobs chan<- func(context.Context)) {
	msg := up.Message
	if msg == nil {
		return
	}

	if up.Kind == kit.UpdateMessage && strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		name, args, ok := ParseCommand(msg.Text, m.cfg.BotUsername)
		if !ok {
			return
		}
		cmd, ok := m.lookup(name)
		if !ok {
			m.log.Debug("unknown command ignored", logx.String("cmd", name))
			return
		}
		req := m.newRequest(up, cmd, args)
		if !enqueue(jobs, func(c context.Context) { m.runCommand(c, cmd, req) }) {
			_ = req.Reply(ctx, "busy, try again")
		}
		return
	}

	if m.engine == nil {
		return
	}
	in := fanout.Inbound{Message: msg, Channel: up.Kind.IsChannel()}
	if !enqueue(jobs, func(c context.Context) { m.engine.ProcessInbound(c, in) }) {
		m.log.Warn("fanout dropped (dispatcher busy)", logx.Int64("chat_id", msg.Chat.ID), logx.Int("message_id", msg.ID))
	}
}

func enqueue(jobs chan<- func(context.Context), fn func(context.Context)) bool {
	select {
	case jobs <- fn:
		return true
	default:
		return false
	}
}

func (m *CommandManager) newRequest(up kit.Update, cmd Command, args string) *Request {
	msg := up.Message
	rid := newReqID()
	return &Request{
		Update:  up,
		ChatID:  msg.Chat.Destination(),
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Sender:  m.sender,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.String("chat_id", msg.Chat.Destination()),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
}

func (m *CommandManager) runCommand(ctx context.Context, cmd Command, req *Request) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}
	h := wrap(cmd.Handle,
		recoverPanics(m.log),
		logRequests(m.log),
		throttle(m.limit),
		withTimeout(timeout),
	)
	_ = h(ctx, req)
}
