package adapter

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "overseer/internal/transport"
)

// Telegram rejects messages over 4096 characters; keep headroom.
const maxMessageRunes = 4000

// chatRef addresses a chat by numeric id or "@channelusername".
type chatRef string

func (r chatRef) Recipient() string { return string(r) }

// chunkText splits s into pieces of at most limit runes, cutting after a
// newline when one lies in the last two thirds of the piece. With html set it
// also avoids cutting inside a tag.
func chunkText(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = maxMessageRunes
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	for len(rs) > 0 {
		n := cutPoint(rs, limit, html)
		out = append(out, strings.TrimRight(string(rs[:n]), "\n"))
		rs = rs[n:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

func cutPoint(rs []rune, limit int, html bool) int {
	if len(rs) <= limit {
		return len(rs)
	}
	n := limit
	for i := limit - 1; i >= limit/3 && i > 0; i-- {
		if rs[i] == '\n' {
			n = i + 1
			break
		}
	}
	if html {
		open, closed := -1, -1
		for i := 0; i < n; i++ {
			switch rs[i] {
			case '<':
				open = i
			case '>':
				closed = i
			}
		}
		if open > closed && open > 1 {
			n = open
		}
	}
	return n
}

// SendText delivers text to a numeric chat id or "@channelusername", split
// into several messages when it is too long.
func (a *Adapter) SendText(ctx context.Context, to string, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	so := &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
	}
	dest := chatRef(strings.TrimSpace(to))
	for _, part := range chunkText(text, maxMessageRunes, strings.EqualFold(opt.ParseMode, tele.ModeHTML)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(dest, part, so); err != nil {
			return err
		}
	}
	return nil
}
