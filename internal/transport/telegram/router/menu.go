package router

import (
	"strings"

	kit "overseer/internal/transport"
)

const maxCommandLen = 32

// menuName folds a command name to Telegram's [a-z0-9_]{1,32}: runs of any
// other characters collapse into a single underscore.
func menuName(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	name := strings.Join(words, "_")
	if len(name) > maxCommandLen {
		name = strings.TrimRight(name[:maxCommandLen], "_")
	}
	return name
}

// buildMenuCommands advertises each visible command once under its primary
// name, keeping registration order.
func buildMenuCommands(cmds []Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Hidden {
			continue
		}
		name := menuName(c.Name)
		if name == "" || hasCommand(out, name) {
			continue
		}
		out = append(out, kit.BotCommand{Command: name, Description: c.Description})
	}
	return out
}

func hasCommand(menu []kit.BotCommand, name string) bool {
	for _, c := range menu {
		if c.Command == name {
			return true
		}
	}
	return false
}
