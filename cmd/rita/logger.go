package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/datawire/dlib/dlog"
)

// makeBaseLogger wires a logrus text-formatted backend into dlog, the facade
// every other package logs through. LOG_LEVEL (logrus level names) controls
// verbosity; unset or unparseable defaults to info.
func makeBaseLogger(ctx context.Context) context.Context {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})

	level := logrus.InfoLevel
	if raw, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if parsed, err := logrus.ParseLevel(raw); err == nil {
			level = parsed
		} else {
			logrusLogger.Warnf("LOG_LEVEL=%q did not parse, defaulting to info: %v", raw, err)
		}
	}
	logrusLogger.SetLevel(level)

	logger := dlog.WrapLogrus(logrusLogger)
	dlog.SetFallbackLogger(logger)
	return dlog.WithLogger(ctx, logger)
}
