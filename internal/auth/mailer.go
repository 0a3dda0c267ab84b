package auth

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogMailer writes magic links to the log instead of sending email. Used in
// development and as the fallback when no mail provider is configured.
type LogMailer struct {
	Log *logrus.Logger
}

func (m *LogMailer) SendMagicLink(ctx context.Context, email, link string) error {
	m.Log.WithFields(logrus.Fields{
		"email": email,
		"link":  link,
	}).Info("magic link issued (log delivery)")
	return nil
}

var _ Mailer = (*LogMailer)(nil)
