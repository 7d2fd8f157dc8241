package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSender writes notifications to the process log. It is always wired so
// demo runs without a bot token still surface alerts.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.Named("notification")}
}

func (l *LogSender) Send(_ context.Context, channelID, text string) error {
	l.logger.Info(text, zap.String("channel", channelID))
	return nil
}

func (l *LogSender) Name() string { return "log" }
