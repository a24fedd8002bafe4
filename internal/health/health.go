// Package health runs the liveness endpoint and reports service state to
// systemd (READY, WATCHDOG, STOPPING) when the process runs as a notify unit.
package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "overseer/internal/runtime/supervisor"
	logx "overseer/pkg/logx"
)

type Config struct {
	Enabled       bool
	Addr          string
	SystemdNotify bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// notifyFunc sends one sd_notify state. It reports false when no systemd
// socket is configured.
type notifyFunc func(state string) (bool, error)

// watchdogFunc returns the watchdog interval requested by systemd, or 0.
type watchdogFunc func() (time.Duration, error)

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	notify   notifyFunc
	watchdog watchdogFunc

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8000"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &Service{
		log:      log,
		cfg:      cfg,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

// Handler answers every path with 200 "ok".
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Supervisor returns the service's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr reports the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the liveness listener (when enabled), then signals readiness to
// systemd and keeps the watchdog fed. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	var ln net.Listener
	if s.cfg.Enabled {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return err
		}
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup

	if ln != nil {
		srv := &http.Server{
			Handler:      Handler(),
			ReadTimeout:  s.cfg.ReadTimeout,
			WriteTimeout: s.cfg.WriteTimeout,
			IdleTimeout:  s.cfg.IdleTimeout,
		}
		s.ln, s.srv = ln, srv
		sup.Go("http.serve", func(c context.Context) error {
			err := srv.Serve(ln)
			if err == nil || errors.Is(err, http.ErrServerClosed) || c.Err() != nil {
				return nil
			}
			return err
		})
		sup.Go0("http.stop_on_cancel", func(c context.Context) {
			<-c.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		})
		s.log.Info("liveness endpoint started", logx.String("addr", ln.Addr().String()))
	}

	if s.cfg.SystemdNotify {
		s.sdNotify(daemon.SdNotifyReady)
		if iv, err := s.watchdog(); err != nil {
			s.log.Warn("systemd watchdog lookup failed", logx.Err(err))
		} else if iv > 0 {
			sup.Go0("systemd.watchdog", func(c context.Context) {
				s.watchdogLoop(c, iv/2)
			})
		}
	}
	return nil
}

func (s *Service) watchdogLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}

func (s *Service) sdNotify(state string) {
	sent, err := s.notify(state)
	switch {
	case err != nil:
		s.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		s.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Stop reports STOPPING to systemd and shuts the listener down.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	srv := s.srv
	s.sup, s.srv, s.ln = nil, nil, nil
	notifyStop := s.cfg.SystemdNotify
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if notifyStop {
		s.sdNotify(daemon.SdNotifyStopping)
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("liveness stop incomplete", logx.Err(err))
	}
}
