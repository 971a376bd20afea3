package obs

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)
		logger.SetFormatter(jsonFormatter())
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}

// Configure applies level and format ("json" or "text") to the shared logger.
func Configure(level, format string) {
	l := Logger()
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	if strings.EqualFold(format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
		return
	}
	l.SetFormatter(jsonFormatter())
}

func jsonFormatter() *logrus.JSONFormatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
		},
	}
}

// LogRequest emits one structured line describing a finished HTTP request.
func LogRequest(fields map[string]any) {
	entry := Logger().WithFields(logrus.Fields(fields))
	status, _ := fields["status"].(int)
	switch {
	case status >= 500:
		entry.Error("request_complete")
	case status >= 400:
		entry.Warn("request_complete")
	default:
		entry.Info("request_complete")
	}
}
