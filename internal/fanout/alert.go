package fanout

import (
	"strconv"
	"strings"

	kit "overseer/internal/transport"
)

// Alert is the notification built once per admitted message and shared by
// every destination of that fanout pass.
type Alert struct {
	Source    string // "channel" or "chat"
	ChatLabel string
	Text      string
	Link      string // empty when the message cannot be linked
}

func newAlert(msg *kit.Message, channel bool) Alert {
	source := "chat"
	if channel {
		source = "channel"
	}
	return Alert{
		Source:    source,
		ChatLabel: DisplayName(msg.Chat),
		Text:      msg.Text,
		Link:      MessageLink(msg.Chat, msg.ID),
	}
}

// String renders the alert body sent to subscribers.
func (a Alert) String() string {
	var b strings.Builder
	b.WriteString("Keyword hit in ")
	b.WriteString(a.Source)
	b.WriteString(" ")
	b.WriteString(a.ChatLabel)
	b.WriteString("\n\n")
	b.WriteString(a.Text)
	if a.Link != "" {
		b.WriteString("\n\nLink: ")
		b.WriteString(a.Link)
	}
	return b.String()
}

// DisplayName prefers @username, then the chat title, then the numeric id.
func DisplayName(c kit.Chat) string {
	if u := stripAt(c.Username); u != "" {
		return "@" + u
	}
	if t := strings.TrimSpace(c.Title); t != "" {
		return t
	}
	return c.Destination()
}

// MessageLink returns the public t.me link for a message, or "" when the
// chat has no username or the message id is unknown.
func MessageLink(c kit.Chat, messageID int) string {
	u := stripAt(c.Username)
	if u == "" || messageID <= 0 {
		return ""
	}
	return "https://t.me/" + u + "/" + strconv.Itoa(messageID)
}

func stripAt(u string) string {
	return strings.TrimPrefix(strings.TrimSpace(u), "@")
}
