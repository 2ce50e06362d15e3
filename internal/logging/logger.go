// Package logging configures the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Params selects level, format and destination.
type Params struct {
	Level      string
	FormatJSON bool
	// FileName enables rotation to disk. Logs still go to stdout as well.
	FileName string
}

// Setup builds a logger from params. The returned closer releases the log file, if any.
func Setup(params Params) (*logrus.Logger, io.Closer) {
	logger := logrus.New()
	if params.FormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.SetLevel(Level(params.Level))

	if params.FileName == "" {
		logger.SetOutput(os.Stdout)
		return logger, io.NopCloser(nil)
	}

	if !strings.HasSuffix(params.FileName, ".log") {
		params.FileName += ".log"
	}
	rotating := &lumberjack.Logger{
		Filename:   params.FileName,
		MaxSize:    50, // megabytes
		MaxBackups: 10,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotating))
	return logger, rotating
}

// Level parses a level name, defaulting to info.
func Level(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}
