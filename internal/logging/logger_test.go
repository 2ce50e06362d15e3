package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	require.Equal(t, logrus.DebugLevel, Level("DEBUG"))
	require.Equal(t, logrus.WarnLevel, Level("warning"))
	require.Equal(t, logrus.InfoLevel, Level(""))
	require.Equal(t, logrus.InfoLevel, Level("chatty"))
}

func TestSetupStdout(t *testing.T) {
	logger, closer := Setup(Params{Level: "error", FormatJSON: true})
	require.NoError(t, closer.Close())
	require.Equal(t, logrus.ErrorLevel, logger.GetLevel())
	require.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestSetupWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile")
	logger, closer := Setup(Params{Level: "info", FileName: path})
	logger.Info("hello")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path + ".log")
	require.NoError(t, err)
	require.Contains(t, string(raw), "hello")
}
