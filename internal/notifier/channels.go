package notifier

import (
	"context"
	"errors"

	kit "bookbot/internal/transport"
	logx "bookbot/pkg/logx"
)

// LogChannel writes notifications to the log. It is the default channel and
// never fails.
type LogChannel struct {
	log logx.Logger
}

func NewLogChannel(log logx.Logger) *LogChannel {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogChannel{log: log}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, m Message) error {
	c.log.Info("notification", logx.String("subject", m.Subject), logx.String("body", m.Body))
	return nil
}

// TelegramChannel posts notifications to a chat through a transport sender.
type TelegramChannel struct {
	sender kit.Sender
	target kit.ChatTarget
}

func NewTelegramChannel(sender kit.Sender, target kit.ChatTarget) (*TelegramChannel, error) {
	if sender == nil {
		return nil, errors.New("telegram channel: sender is nil (is BOOKBOT_TELEGRAM_TOKEN set?)")
	}
	if target.ChatID == 0 {
		return nil, errors.New("telegram channel: notifier.telegram.chat_id is required")
	}
	return &TelegramChannel{sender: sender, target: target}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(ctx context.Context, m Message) error {
	_, err := c.sender.SendText(ctx, c.target, m.Text(), &kit.SendOptions{DisablePreview: true})
	return err
}
