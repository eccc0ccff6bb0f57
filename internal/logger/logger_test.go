package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogger_WithContextLogger(t *testing.T) {
	custom := logrus.NewEntry(logrus.New()).WithField("component", "metastore")
	ctx := WithLogger(context.Background(), custom)

	got := G(ctx)
	assert.Equal(t, "metastore", got.Data["component"])
}

func TestGetLogger_FallsBackToGlobal(t *testing.T) {
	got := G(context.Background())
	assert.Equal(t, L.Logger, got.Logger)
}

func TestSetLogLevel(t *testing.T) {
	orig := L.Logger.GetLevel()
	t.Cleanup(func() { L.Logger.SetLevel(orig) })

	require.NoError(t, SetLogLevel("debug"))
	assert.Equal(t, logrus.DebugLevel, L.Logger.GetLevel())
	assert.Error(t, SetLogLevel("loud"))
}

func TestSetLogFormat_JSON(t *testing.T) {
	l := logrus.New()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	setLoggerFormat(l, "json")

	l.WithField("name", "reviewer").Warn("rolled back")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "rolled back", line["message"])
	assert.Equal(t, "warning", line["logLevel"])
	assert.Equal(t, "reviewer", line["name"])
}
