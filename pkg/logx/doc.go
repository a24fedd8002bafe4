// Package logx is the bot's logging layer: a value-type Logger with typed
// Field helpers over zerolog, plus a Service that owns the sinks (console,
// append-only JSON file, and a rate-limited Telegram mirror for errors) and
// can swap them at runtime when the config is reloaded.
package logx
