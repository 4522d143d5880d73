package utils

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	InfoLogger  *logrus.Logger
	ErrorLogger *logrus.Logger
)

func init() {
	InitLogger("text", "info")
}

// InitLogger sets up InfoLogger on stdout and ErrorLogger on stderr.
func InitLogger(format, level string) {
	InfoLogger = logrus.New()
	ErrorLogger = logrus.New()

	InfoLogger.SetOutput(os.Stdout)
	ErrorLogger.SetOutput(os.Stderr)

	var formatter logrus.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if strings.EqualFold(format, "json") {
		formatter = &logrus.JSONFormatter{}
	}
	InfoLogger.SetFormatter(formatter)
	ErrorLogger.SetFormatter(formatter)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	InfoLogger.SetLevel(lvl)
	// warnings from reconciliation and workers go to stderr too
	ErrorLogger.SetLevel(logrus.WarnLevel)
}

// LogError logs err with the module and function it came from.
func LogError(module, function string, err error, fields logrus.Fields) {
	entry := ErrorLogger.WithFields(logrus.Fields{
		"module":   module,
		"function": function,
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Error(err)
}

// LogWarn logs a recoverable anomaly.
func LogWarn(module, function, msg string, fields logrus.Fields) {
	entry := ErrorLogger.WithFields(logrus.Fields{
		"module":   module,
		"function": function,
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Warn(msg)
}
