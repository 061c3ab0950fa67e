package vring

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestLogWriter struct {
	Logs []string
}

func NewTestLogWriter() *TestLogWriter {
	return &TestLogWriter{Logs: make([]string, 0)}
}

func (tl *TestLogWriter) Write(p []byte) (n int, err error) {
	tl.Logs = append(tl.Logs, string(p))
	return len(p), nil
}

func (tl *TestLogWriter) Reset() {
	tl.Logs = tl.Logs[:0]
}

func TestConfigureLogger(t *testing.T) {
	l := logrus.New()
	c := config.NewC(test.NewLogger())

	require.NoError(t, c.LoadString("logging: {level: debug, format: json, disable_timestamp: true}"))
	require.NoError(t, ConfigureLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.Level)
	assert.Equal(t, &logrus.JSONFormatter{
		TimestampFormat:  "2006-01-02T15:04:05Z07:00",
		DisableTimestamp: true,
	}, l.Formatter)

	require.NoError(t, c.ReloadConfigString("logging: {level: WARNING, timestamp_format: '2006-01-02'}"))
	require.NoError(t, ConfigureLogger(l, c))
	assert.Equal(t, logrus.WarnLevel, l.Level)
	assert.Equal(t, &logrus.TextFormatter{
		TimestampFormat: "2006-01-02",
		FullTimestamp:   true,
	}, l.Formatter)

	require.NoError(t, c.ReloadConfigString("logging: {level: chatty}"))
	assert.ErrorContains(t, ConfigureLogger(l, c), "possible levels")

	require.NoError(t, c.ReloadConfigString("logging: {format: xml}"))
	assert.ErrorContains(t, ConfigureLogger(l, c), "unknown log format `xml`")
}

func TestLoggerOutput(t *testing.T) {
	l := logrus.New()
	tl := NewTestLogWriter()
	l.Out = tl

	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString("logging: {level: info, disable_timestamp: true}"))
	require.NoError(t, ConfigureLogger(l, c))
	l.Formatter.(*logrus.TextFormatter).DisableColors = true

	l.Debug("hidden")
	l.WithField("queue", 1).Info("Virtqueue ready")
	assert.Equal(t, []string{"level=info msg=\"Virtqueue ready\" queue=1\n"}, tl.Logs)
}
