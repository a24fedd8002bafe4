package config

import "reflect"

// ChangedSections lists the top-level sections that differ between two configs.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("telegram", oldCfg.Telegram, newCfg.Telegram)
	check("monitor", oldCfg.Monitor, newCfg.Monitor)
	check("storage", oldCfg.Storage, newCfg.Storage)
	check("notifier", oldCfg.Notifier, newCfg.Notifier)
	check("router", oldCfg.Router, newCfg.Router)
	check("health", oldCfg.Health, newCfg.Health)
	check("report", oldCfg.Report, newCfg.Report)
	check("logging", oldCfg.Logging, newCfg.Logging)
	return out
}

// RestartRequired filters sections that are only read at startup.
// Logging is applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if s != "logging" {
			out = append(out, s)
		}
	}
	return out
}
