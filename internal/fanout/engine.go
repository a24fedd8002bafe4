// Package fanout matches inbound messages from the monitored source against
// subscriber keywords and dispatches one alert per matching destination.
package fanout

import (
	"context"
	"strings"

	"overseer/internal/eventbus"
	"overseer/internal/notifier"
	"overseer/internal/subscription"
	kit "overseer/internal/transport"
	logx "overseer/pkg/logx"
)

const EventAlertMatched = "alert.matched"

// Config is fixed for the process lifetime.
type Config struct {
	// TargetUsername is the monitored chat/channel username ('@' optional).
	TargetUsername string
	// GlobalKeywords are matched on behalf of BroadcastChatID.
	GlobalKeywords []string
	// BroadcastChatID receives alerts for GlobalKeywords; empty disables it.
	BroadcastChatID string
}

// SnapshotSource is the read side of the subscription registry.
type SnapshotSource interface {
	Snapshot() subscription.Snapshot
}

// Dispatcher hands one notification to the outbound pipeline.
type Dispatcher interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Inbound is one message from the transport. Channel marks channel posts
// (new or edited) as opposed to messages in regular chats.
type Inbound struct {
	Message *kit.Message
	Channel bool
}

// MatchedEvent is published on the bus after each admitted message.
type MatchedEvent struct {
	Chat         string `json:"chat"`
	MessageID    int    `json:"message_id"`
	Destinations int    `json:"destinations"`
}

type Engine struct {
	log  logx.Logger
	reg  SnapshotSource
	disp Dispatcher
	bus  eventbus.Bus

	target          string
	globalKeywords  []string
	broadcastChatID string
}

func New(cfg Config, reg SnapshotSource, disp Dispatcher, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:             log,
		reg:             reg,
		disp:            disp,
		bus:             bus,
		target:          strings.ToLower(stripAt(cfg.TargetUsername)),
		globalKeywords:  NormalizeKeywords(cfg.GlobalKeywords),
		broadcastChatID: strings.TrimSpace(cfg.BroadcastChatID),
	}
}

// NormalizeKeywords trims, lowercases and dedupes keywords, keeping first-seen order.
func NormalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		v := subscription.NormalizeKeyword(k)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// GlobalKeywords returns a copy of the configured global keywords.
func (e *Engine) GlobalKeywords() []string {
	return append([]string(nil), e.globalKeywords...)
}

// FromMonitoredSource reports whether msg comes from the monitored chat.
// A chat with a username is judged on that username alone; the forwarded-from
// chat is consulted only when the chat has none. Usernames compare
// case-insensitively.
func (e *Engine) FromMonitoredSource(msg *kit.Message) bool {
	if msg == nil || e.target == "" {
		return false
	}
	if u := stripAt(msg.Chat.Username); u != "" {
		return strings.EqualFold(u, e.target)
	}
	return msg.ForwardFrom != nil && strings.EqualFold(stripAt(msg.ForwardFrom.Username), e.target)
}

// ProcessInbound runs one fanout pass and returns the number of distinct
// destinations the alert was handed to.
func (e *Engine) ProcessInbound(ctx context.Context, in Inbound) int {
	msg := in.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return 0
	}
	if !e.FromMonitoredSource(msg) {
		return 0
	}

	text := strings.ToLower(msg.Text)
	body := newAlert(msg, in.Channel).String()

	sent := make(map[string]struct{})
	dispatch := func(to, reason string) {
		if to == "" {
			return
		}
		if _, dup := sent[to]; dup {
			return
		}
		err := e.disp.Notify(ctx, notifier.Notification{
			To:      to,
			Text:    body,
			Options: &kit.SendOptions{DisablePreview: true},
		})
		if err != nil {
			e.log.Warn("alert dispatch failed", logx.String("to", to), logx.String("reason", reason), logx.Err(err))
			return
		}
		sent[to] = struct{}{}
	}

	if e.broadcastChatID != "" && containsAny(text, e.globalKeywords) {
		dispatch(e.broadcastChatID, "global")
	}
	for id, kws := range e.reg.Snapshot() {
		if containsAny(text, kws) {
			dispatch(id, "subscription")
		}
	}

	n := len(sent)
	if n > 0 {
		e.log.Info("alert dispatched", logx.String("chat", DisplayName(msg.Chat)), logx.Int("message_id", msg.ID), logx.Int("destinations", n))
	} else {
		e.log.Debug("no keyword match", logx.String("chat", DisplayName(msg.Chat)), logx.Int("message_id", msg.ID))
	}
	eventbus.Publish(e.bus, EventAlertMatched, MatchedEvent{Chat: DisplayName(msg.Chat), MessageID: msg.ID, Destinations: n})
	return n
}

// containsAny reports whether lowered text contains any keyword as a substring.
func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(text, k) {
			return true
		}
	}
	return false
}
