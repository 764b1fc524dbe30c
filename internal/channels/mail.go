package channels

import (
	"context"
	"log/slog"
)

// MailChannel is a placeholder inbound-mail channel: SPEC_FULL §12 lists
// mail as a supplemented channel, but no example repo in the pack imports
// an IMAP/SMTP client, so there is no grounded library to wire one to.
// This satisfies the Channel interface so config wiring and the doctor
// credential check have something concrete to point at; Start returns
// immediately when disabled.
type MailChannel struct {
	logger  *slog.Logger
	enabled bool
}

// NewMailChannel builds a disabled-by-default mail channel stub.
func NewMailChannel(enabled bool, logger *slog.Logger) *MailChannel {
	return &MailChannel{logger: logger, enabled: enabled}
}

func (m *MailChannel) Name() string {
	return "mail"
}

func (m *MailChannel) Start(ctx context.Context) error {
	if !m.enabled {
		<-ctx.Done()
		return nil
	}
	m.logger.Warn("mail channel enabled but not implemented; no IMAP client wired")
	<-ctx.Done()
	return nil
}
