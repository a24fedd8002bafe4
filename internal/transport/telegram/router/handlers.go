package router

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"overseer/internal/subscription"
	logx "overseer/pkg/logx"
)

// Subscriptions is the registry surface the keyword commands mutate.
type Subscriptions interface {
	Subscribe(id string, keywords []string) (int, error)
	Unsubscribe(id string, keywords []string) (int, error)
	Clear(id string) error
	KeywordsFor(id string) []string
}

const persistWarning = "\n\nWarning: could not save subscriptions; this change may be lost on restart."

const startText = "🤖 bynarix-overseer\n\n" +
	"Commands:\n" +
	"/sub <k1,k2,...> - subscribe to keywords\n" +
	"/unsub <k1,k2,...> - remove keywords\n" +
	"/subscriptions - list your keywords\n" +
	"/clear - clear your keywords\n" +
	"/keywords - show global keywords\n" +
	"/help - show help"

const helpText = "Usage:\n" +
	"/sub airdrop,claim\n" +
	"/unsub claim\n" +
	"/subscriptions\n" +
	"/clear\n" +
	"/keywords\n\n" +
	"Keywords may be separated by commas, semicolons or pipes."

// KeywordCommands builds the bot's command set. The subscriber identity is
// the chat the command was sent from.
func KeywordCommands(subs Subscriptions, globalKeywords []string) []Command {
	global := append([]string(nil), globalKeywords...)
	return []Command{
		{
			Name:        "start",
			Description: "Show welcome and commands",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, startText)
			},
		},
		{
			Name:        "help",
			Description: "Show help",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, helpText)
			},
		},
		{
			Name:        "keywords",
			Description: "Show global keywords (from KEYWORDS env)",
			Handle: func(ctx context.Context, req *Request) error {
				if len(global) == 0 {
					return req.Reply(ctx, "Global keywords: (none configured). Set KEYWORDS env to enable global alerts.")
				}
				return req.Reply(ctx, "Global keywords:\n"+strings.Join(global, ", "))
			},
		},
		{
			Name:        "sub",
			Aliases:     []string{"subscribe"},
			Description: "Subscribe to keywords: /sub k1,k2",
			Handle: func(ctx context.Context, req *Request) error {
				kws := ParseKeywords(req.Args)
				if len(kws) == 0 {
					return req.Reply(ctx, "Nothing to add. Provide keywords.")
				}
				added, err := subs.Subscribe(req.ChatID, kws)
				var text string
				if added == 0 {
					text = "Nothing to add. You are already subscribed to those keywords."
				} else {
					text = "Added " + strconv.Itoa(added) + " keyword(s). Use /subscriptions to view."
				}
				return req.Reply(ctx, text+persistSuffix(req, err))
			},
		},
		{
			Name:        "unsub",
			Aliases:     []string{"unsubscribe"},
			Description: "Unsubscribe keywords: /unsub k1,k2",
			Handle: func(ctx context.Context, req *Request) error {
				kws := ParseKeywords(req.Args)
				if len(kws) == 0 {
					return req.Reply(ctx, "Nothing to remove. Provide keywords.")
				}
				removed, err := subs.Unsubscribe(req.ChatID, kws)
				if removed == 0 {
					return req.Reply(ctx, "Nothing to remove."+persistSuffix(req, err))
				}
				return req.Reply(ctx, "Removed "+strconv.Itoa(removed)+" keyword(s). Use /subscriptions to view."+persistSuffix(req, err))
			},
		},
		{
			Name:        "subscriptions",
			Description: "List your keywords",
			Handle: func(ctx context.Context, req *Request) error {
				cur := subs.KeywordsFor(req.ChatID)
				if len(cur) == 0 {
					return req.Reply(ctx, "You have no subscriptions. Use /sub <k1,k2,...>")
				}
				return req.Reply(ctx, "Your keywords:\n"+strings.Join(cur, ", "))
			},
		},
		{
			Name:        "clear",
			Description: "Clear your keywords",
			Handle: func(ctx context.Context, req *Request) error {
				err := subs.Clear(req.ChatID)
				return req.Reply(ctx, "Cleared your subscriptions."+persistSuffix(req, err))
			},
		},
	}
}

// persistSuffix logs a persistence failure and returns the user-facing warning.
// The in-memory change is already applied when this is called.
func persistSuffix(req *Request, err error) string {
	if err == nil {
		return ""
	}
	req.Logger.Warn("subscription change not persisted", logx.Err(err))
	if errors.Is(err, subscription.ErrPersist) {
		return persistWarning
	}
	return "\n\nWarning: " + err.Error()
}
