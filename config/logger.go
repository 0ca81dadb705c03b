package config

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a logrus logger. format is "json" or "text"; an unknown
// level falls back to info.
func NewLogger(level, format string) *logrus.Logger {
	return newLogger(level, format, os.Stdout)
}

func newLogger(level, format string, out io.Writer) *logrus.Logger {
	logg := logrus.New()
	if strings.EqualFold(format, "text") {
		logg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logg.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logg.SetLevel(lvl)
	logg.SetOutput(out)
	return logg
}

func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
