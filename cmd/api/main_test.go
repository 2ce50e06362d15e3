package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/magnifisica/internal/config"
	"example.com/magnifisica/internal/logging"
)

func TestRunReturnsStartupErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile")
	logger, closer := logging.Setup(logging.Params{Level: "info", FileName: path})

	err := run(config.Config{StoreDriver: "cassandra", HTTPAddress: "127.0.0.1:0"}, logger)
	require.ErrorContains(t, err, "unknown STORE_DRIVER cassandra")

	logger.WithError(err).Error("profile-service stopped")
	require.NoError(t, closer.Close())
	raw, readErr := os.ReadFile(path + ".log")
	require.NoError(t, readErr)
	require.Contains(t, string(raw), "profile-service stopped")
}
