package app

import (
	"overseer/internal/config"
	"overseer/internal/fanout"
	"overseer/internal/health"
	"overseer/internal/notifier"
	"overseer/internal/report"
	"overseer/internal/storage"
	telegram "overseer/internal/transport/telegram/adapter"
	"overseer/internal/transport/telegram/router"
	logx "overseer/pkg/logx"
)

// components holds the per-package configs derived from one Config.
type components struct {
	Telegram telegram.Config
	Storage  storage.Config
	Notifier notifier.Config
	Fanout   fanout.Config
	Router   router.Config
	Health   health.Config
	Report   report.Config
	Logging  logx.Config
}

func mapConfig(cfg *config.Config) (components, error) {
	d, err := cfg.Durations()
	if err != nil {
		return components{}, err
	}
	return components{
		Telegram: telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: d.PollTimeout,
			APIURL:      cfg.Telegram.APIURL,
		},
		Storage: storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: d.StorageBusyTimeout,
		},
		Notifier: notifier.Config{
			Workers:     cfg.Notifier.Workers,
			QueueSize:   cfg.Notifier.QueueSize,
			RatePerSec:  cfg.Notifier.RatePerSec,
			SendTimeout: d.SendTimeout,
		},
		Fanout: fanout.Config{
			TargetUsername:  cfg.Monitor.TargetUsername,
			GlobalKeywords:  cfg.Monitor.Keywords,
			BroadcastChatID: cfg.Monitor.NotifyChatID,
		},
		Router: router.Config{
			BotUsername:       cfg.Telegram.Username,
			Workers:           cfg.Router.Workers,
			QueueSize:         cfg.Router.QueueSize,
			CommandTimeout:    d.CommandTimeout,
			CommandsPerMinute: cfg.Router.CommandsPerMinute,
		},
		Health: health.Config{
			Enabled:       cfg.Health.Enabled,
			Addr:          cfg.Health.Addr,
			SystemdNotify: cfg.Health.SystemdNotify,
		},
		Report: report.Config{
			Schedule:    cfg.Report.Schedule,
			Destination: cfg.Report.ChatID,
			Timezone:    cfg.Report.Timezone,
		},
		Logging: mapLogging(cfg.Logging),
	}, nil
}

func mapLogging(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}
