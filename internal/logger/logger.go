package logger

import (
	"github.com/sirupsen/logrus"
)

// New returns the service logger. Production emits JSON for log shipping;
// development keeps the human-readable text formatter.
func New(env string) *logrus.Logger {
	log := logrus.New()
	if env == "production" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	log.SetLevel(logrus.InfoLevel)
	return log
}
