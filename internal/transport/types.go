// Package transport is the messenger-neutral model shared by the adapter, the
// command router and the alert engine.
package transport

import (
	"context"
	"strconv"
)

// Sender delivers text to a destination: a numeric chat id or "@channelname".
type Sender interface {
	SendText(ctx context.Context, to string, text string, opt *SendOptions) error
}

// Adapter is a Sender that also produces updates until stopped.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// CommandMenuUpdater is implemented by adapters that can publish the bot's
// command list to the client UI.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

type BotCommand struct {
	Command     string
	Description string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type UpdateKind string

const (
	UpdateMessage           UpdateKind = "message"
	UpdateChannelPost       UpdateKind = "channel_post"
	UpdateEditedChannelPost UpdateKind = "edited_channel_post"
)

// IsChannel is true for channel posts, new or edited.
func (k UpdateKind) IsChannel() bool {
	switch k {
	case UpdateChannelPost, UpdateEditedChannelPost:
		return true
	}
	return false
}

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Chat is where a message was posted or forwarded from. Username carries no
// '@' and, like Title, may be empty.
type Chat struct {
	ID       int64
	Username string
	Title    string
	Type     string
}

// Destination is the chat id in the form Sender accepts.
func (c Chat) Destination() string { return strconv.FormatInt(c.ID, 10) }

type Message struct {
	ID   int
	Chat Chat
	// ForwardFrom is the original chat of a forwarded post, nil otherwise.
	ForwardFrom  *Chat
	FromID       int64
	FromUsername string
	Text         string
}
