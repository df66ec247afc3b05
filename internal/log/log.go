package log

import (
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

var Logger *logrus.Logger

func init() {
	// Packages log before the CLI configures anything (tests, library use).
	Logger = logrus.New()
	Logger.SetOutput(os.Stderr)
}

func InitLogger(verbose bool) {
	Logger = logrus.New()
	Logger.SetOutput(os.Stdout)

	if term.IsTerminal(int(os.Stdout.Fd())) {
		Logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if verbose {
		Logger.SetLevel(logrus.DebugLevel)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}
}

// WithResource returns an entry tagged with the resource being processed.
func WithResource(resourceID string) *logrus.Entry {
	return Logger.WithField("resource_id", resourceID)
}
