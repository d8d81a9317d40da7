// Package log configures the logrus output format.
package log

import (
	"time"

	"github.com/sirupsen/logrus"
)

// NewFormatter returns the formatter for the process log. json selects
// machine readable output.
func NewFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		DisableQuote:    true,
	}
}
