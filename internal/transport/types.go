// Package transport holds the chat-platform-neutral types shared by the
// notifier and the command layer.
package transport

import "context"

// ChatTarget addresses one conversation.
type ChatTarget struct {
	ChatID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers one outbound message. Implemented by the Telegram adapter;
// tests substitute fakes.
type Sender interface {
	SendText(ctx context.Context, t ChatTarget, text string, opt *SendOptions) error
}
