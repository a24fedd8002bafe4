package adapter

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "overseer/internal/transport"
	logx "overseer/pkg/logx"
)

// Telegram limits for setMyCommands.
const (
	maxMenuCommands  = 100
	maxMenuDescRunes = 256
)

// menuCommands converts commands to telebot's form: leading '/' stripped,
// empty descriptions fall back to the name, limits applied.
func menuCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, min(len(cmds), maxMenuCommands))
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Command), "/")
		if name == "" {
			continue
		}
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = name
		}
		if r := []rune(desc); len(r) > maxMenuDescRunes {
			desc = string(r[:maxMenuDescRunes])
		}
		out = append(out, tele.Command{Text: name, Description: desc})
		if len(out) == maxMenuCommands {
			break
		}
	}
	return out
}

func menuChecksum(cmds []tele.Command) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		fmt.Fprintf(h, "%s\x00%s\x00", c.Text, c.Description)
	}
	return h.Sum64()
}

// UpdateMenuCommands publishes the command menu (setMyCommands). An unchanged
// menu is not sent again.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	menu := menuCommands(cmds)
	sum := menuChecksum(menu)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuSum {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuSum = sum
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}
