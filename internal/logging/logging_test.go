package logging

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New(Options{Level: "chatty"})
	require.Error(t, err)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, _, err := New(Options{Format: "xml"})
	require.Error(t, err)
}

func TestNewWritesJSONToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.log")
	logger, closer, err := New(Options{Level: "debug", File: path})
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("client_id", "tablet-7").Info("sync batch processed")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line))
	require.Equal(t, "sync batch processed", line["msg"])
	require.Equal(t, "tablet-7", line["client_id"])
}

func TestDiscardDropsOutput(t *testing.T) {
	logger := Discard()
	require.Equal(t, io.Discard, logger.Out)
	logger.Info("nothing to see")
}
