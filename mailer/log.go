package mailer

import (
	"context"
	"log/slog"

	"github.com/MrEthical07/authcore"
)

// LogSender writes each message to a logger instead of sending it. The code
// is logged in clear, so it is for local development only.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "mailer")}
}

func (s *LogSender) Send(ctx context.Context, msg authcore.EmailMessage) error {
	s.logger.InfoContext(ctx, "email",
		"to", msg.To,
		"subject", msg.Subject,
		"purpose", msg.Purpose,
		"code", msg.Code,
		"expires_at", msg.ExpiresAt,
	)
	return nil
}
