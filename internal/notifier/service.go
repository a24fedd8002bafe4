package notifier

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"overseer/internal/eventbus"
	rtsup "overseer/internal/runtime/supervisor"
	kit "overseer/internal/transport"
	logx "overseer/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	errEmpty     = errors.New("notifier: empty destination or text")
)

const (
	EventQueued  = "notifier.queued"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
)

type phase uint8

const (
	phaseIdle phase = iota
	phaseRunning
	phaseClosed
)

// Service delivers notifications from a bounded queue through a small pool of
// workers sharing one send rate. Sends are attempted once. A Service runs at
// most once: after Stop it rejects every Notify with ErrStopped.
type Service struct {
	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	cfg    Config
	pace   *rate.Limiter

	mu      sync.Mutex
	phase   phase
	queue   chan Notification
	pending sync.WaitGroup // Notify calls holding a reference to queue
	sup     *rtsup.Supervisor

	stats [4]atomic.Uint64
}

const (
	statQueued = iota
	statSent
	statFailed
	statDropped
)

func New(cfg Config, sender kit.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Workers = positiveOr(cfg.Workers, 2)
	cfg.QueueSize = positiveOr(cfg.QueueSize, 512)
	cfg.RatePerSec = positiveOr(cfg.RatePerSec, 25)
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Service{
		log:    log,
		sender: sender,
		bus:    bus,
		cfg:    cfg,
		pace:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Supervisor returns the worker supervisor, nil before Start.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Counters() Counters {
	return Counters{
		Queued:  s.stats[statQueued].Load(),
		Sent:    s.stats[statSent].Load(),
		Failed:  s.stats[statFailed].Load(),
		Dropped: s.stats[statDropped].Load(),
	}
}

// Start launches the workers. Calls after the first are ignored.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseIdle {
		return
	}
	s.phase = phaseRunning
	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	q := s.queue
	for i := range s.cfg.Workers {
		// A worker returns nil once the queue is closed and drained; only a
		// panic brings it back.
		s.sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error {
			s.consume(c, q)
			return c.Err()
		}, rtsup.WithPublishFirstError(false))
	}
	s.log.Info("notifier started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", s.cfg.QueueSize),
		logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

// Stop refuses new work and lets the workers finish what is queued. When ctx
// ends first the workers are cancelled and the rest of the queue is discarded.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.phase != phaseRunning {
		s.phase = phaseClosed
		s.mu.Unlock()
		return
	}
	s.phase = phaseClosed
	q, sup := s.queue, s.sup
	s.mu.Unlock()

	s.pending.Wait()
	close(q)

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
		if left := len(q); left > 0 {
			s.log.Warn("notifier stopped with undelivered messages", logx.Int("count", left))
		}
	}
	sup.Cancel()
	c := s.Counters()
	s.log.Info("notifier stopped",
		logx.Uint64("sent", c.Sent),
		logx.Uint64("failed", c.Failed),
		logx.Uint64("dropped", c.Dropped))
}

// Notify queues n for delivery and returns without waiting for it.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if n.To == "" || n.Text == "" {
		return errEmpty
	}

	s.mu.Lock()
	if s.phase != phaseRunning {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.pending.Add(1)
	s.mu.Unlock()
	defer s.pending.Done()

	select {
	case q <- n:
		s.stats[statQueued].Add(1)
		s.emit(EventQueued, n.To, nil)
		return nil
	default:
		s.stats[statDropped].Add(1)
		s.emit(EventDropped, n.To, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) consume(ctx context.Context, q <-chan Notification) {
	for {
		var (
			n  Notification
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case n, ok = <-q:
		}
		if !ok {
			return
		}
		if err := s.deliver(ctx, n); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.stats[statFailed].Add(1)
			s.log.Warn("notify send failed", logx.String("to", n.To), logx.Err(err))
			s.emit(EventFailed, n.To, err)
			continue
		}
		s.stats[statSent].Add(1)
		s.log.Debug("notify sent", logx.String("to", n.To))
		s.emit(EventSent, n.To, nil)
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) error {
	if s.sender == nil {
		return errors.New("notifier: no sender")
	}
	if err := s.pace.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return s.sender.SendText(sctx, n.To, n.Text, n.Options)
}

func (s *Service) emit(typ, to string, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{To: to, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Publish(s.bus, typ, ev)
}
