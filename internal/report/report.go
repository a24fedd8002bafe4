// Package report posts a periodic activity summary on a cron schedule.
//
// Counters come from the event bus (matched messages, dispatched and failed
// alerts) and from the subscription registry (subscriber and keyword counts).
// Each report covers the window since the previous one.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"overseer/internal/eventbus"
	"overseer/internal/fanout"
	"overseer/internal/notifier"
	rtsup "overseer/internal/runtime/supervisor"
	"overseer/internal/subscription"
	kit "overseer/internal/transport"
	logx "overseer/pkg/logx"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron expression ("0 9 * * *", "@daily", "@every 6h").
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("schedule required")
	}
	return parser.Parse(spec)
}

type Config struct {
	Schedule string
	// Destination receives the report; empty logs it instead.
	Destination string
	Timezone    string
}

type StatsSource interface {
	Stats() subscription.Stats
}

type Dispatcher interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Window holds counters for one report period.
type Window struct {
	Since      time.Time
	Matched    int
	Dispatched int
	Failed     int
	Dropped    int
}

type Service struct {
	cfg   Config
	log   logx.Logger
	stats StatsSource
	disp  Dispatcher
	bus   eventbus.Bus
	loc   *time.Location

	mu  sync.Mutex
	win Window

	runMu sync.Mutex
	c     *cron.Cron
	sup   *rtsup.Supervisor
}

func New(cfg Config, stats StatsSource, disp Dispatcher, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("report schedule: %w", err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("report timezone: %w", err)
		}
		loc = l
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		stats: stats,
		disp:  disp,
		bus:   bus,
		loc:   loc,
		win:   Window{Since: time.Now()},
	}, nil
}

// Start subscribes to the event bus and begins cron triggering. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.c != nil {
		return nil
	}

	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	if s.bus != nil {
		events, unsub := s.bus.Subscribe(256, fanout.EventAlertMatched, "notifier.")
		s.sup.Go0("events", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					s.observe(ev)
				}
			}
		})
	}

	runCtx := s.sup.Context()
	c := cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunOnce(runCtx) }); err != nil {
		s.sup.Cancel()
		s.sup = nil
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("activity report scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.runMu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	s.runMu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

func (s *Service) observe(ev eventbus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case fanout.EventAlertMatched:
		if me, ok := ev.Data.(fanout.MatchedEvent); ok && me.Destinations > 0 {
			s.win.Matched++
		}
	case notifier.EventSent:
		s.win.Dispatched++
	case notifier.EventFailed:
		s.win.Failed++
	case notifier.EventDropped:
		s.win.Dropped++
	}
}

// Snapshot returns the current window without resetting it.
func (s *Service) Snapshot() Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.win
}

func (s *Service) rotate(now time.Time) Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.win
	s.win = Window{Since: now}
	return w
}

// Render formats one report.
func Render(w Window, st subscription.Stats, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Activity report (%s - %s)\n\n", w.Since.Format("2006-01-02 15:04"), now.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Subscribers: %d\n", st.Subscribers)
	fmt.Fprintf(&b, "Keywords: %d\n", st.Keywords)
	fmt.Fprintf(&b, "Matched messages: %d\n", w.Matched)
	fmt.Fprintf(&b, "Alerts sent: %d\n", w.Dispatched)
	fmt.Fprintf(&b, "Send failures: %d", w.Failed+w.Dropped)
	return b.String()
}

// RunOnce closes the current window and delivers its report.
func (s *Service) RunOnce(ctx context.Context) {
	now := time.Now().In(s.loc)
	w := s.rotate(now)
	w.Since = w.Since.In(s.loc)
	var st subscription.Stats
	if s.stats != nil {
		st = s.stats.Stats()
	}
	text := Render(w, st, now)

	if s.cfg.Destination == "" || s.disp == nil {
		s.log.Info("activity report",
			logx.Int("subscribers", st.Subscribers),
			logx.Int("keywords", st.Keywords),
			logx.Int("matched", w.Matched),
			logx.Int("sent", w.Dispatched),
			logx.Int("failed", w.Failed+w.Dropped),
		)
		return
	}
	err := s.disp.Notify(ctx, notifier.Notification{
		To:      s.cfg.Destination,
		Text:    text,
		Options: &kit.SendOptions{DisablePreview: true},
	})
	if err != nil {
		s.log.Warn("activity report not delivered", logx.String("to", s.cfg.Destination), logx.Err(err))
	}
}
