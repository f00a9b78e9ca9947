package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fleet.log")
	log, closer, err := New(Options{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	For(log, ComponentDrivers).WithField("family", "chrome").Debug("driver started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line))
	assert.Equal(t, "drivers", line["component"])
	assert.Equal(t, "chrome", line["family"])
	assert.Equal(t, "driver started", line["msg"])
	assert.Equal(t, "debug", line["level"])
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New(Options{Level: "shouty"})
	assert.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	log, closer, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
	assert.NoError(t, closer.Close())
}

func TestForTagsComponent(t *testing.T) {
	log, hook := test.NewNullLogger()
	For(log, ComponentPool).Info("evicted")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "pool", hook.LastEntry().Data["component"])

	assert.NotPanics(t, func() { For(nil, ComponentPool).Info("discarded") })
}
