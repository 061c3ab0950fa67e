package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/vring/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "01.yml"), "device:\n  queues: 1\n  required_features: [version_1]\n")
	writeFile(t, filepath.Join(dir, "02.yaml"), "device:\n  queues: 4\n  required_features: [indirect_desc]\nlogging:\n  level: debug\n")
	writeFile(t, filepath.Join(dir, "nested", "03.yml"), "stats:\n  type: prometheus\n")
	writeFile(t, filepath.Join(dir, "README.md"), "not: config")

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Len(t, c.Files(), 3)
	assert.Equal(t, 4, c.GetInt("device.queues", 0))
	assert.Equal(t, []string{"indirect_desc", "version_1"}, c.GetStringSlice("device.required_features", nil))
	assert.Equal(t, "debug", c.GetString("logging.level", ""))
	assert.Equal(t, "prometheus", c.GetString("stats.type", ""))
	assert.False(t, c.IsSet("not"))

	// A directly named file is read whatever its extension.
	c = NewC(l)
	require.NoError(t, c.Load(filepath.Join(dir, "README.md")))
	assert.Equal(t, "config", c.GetString("not", ""))

	empty := t.TempDir()
	assert.ErrorContains(t, NewC(l).Load(empty), "no config files found")
	assert.Error(t, NewC(l).Load(filepath.Join(dir, "missing")))

	writeFile(t, filepath.Join(empty, "bad.yml"), "device: [")
	assert.ErrorContains(t, NewC(l).Load(empty), "bad.yml")
}

func TestConfig_LoadString(t *testing.T) {
	c := NewC(test.NewLogger())
	assert.EqualError(t, c.LoadString(""), "empty configuration")
	assert.Error(t, c.LoadString(" invalid yaml"))

	require.NoError(t, c.LoadString("device:\n  indirect:\n    policy: per_queue\n"))
	assert.Equal(t, "per_queue", c.GetString("device.indirect.policy", "shared"))
}

func TestConfig_Get(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["device"] = map[string]any{"queue_size": 256}
	assert.Equal(t, 256, c.Get("device.queue_size"))
	assert.Equal(t, map[string]any{"queue_size": 256}, c.GetMap("device", nil))
	assert.Nil(t, c.GetMap("device.queue_size", nil))

	// test missing
	assert.Nil(t, c.Get("device.nope"))
	assert.Nil(t, c.Get("device.queue_size.deeper"))
}

func TestConfig_GetStringSlice(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["slice"] = []any{"one", 2}
	assert.Equal(t, []string{"one", "2"}, c.GetStringSlice("slice", nil))

	c.Settings["slice"] = "single"
	assert.Equal(t, []string{"single"}, c.GetStringSlice("slice", nil))

	c.Settings["slice"] = map[string]any{}
	assert.Equal(t, []string{"d"}, c.GetStringSlice("slice", []string{"d"}))
}

func TestConfig_GetInt(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["n"] = 12
	c.Settings["s"] = "34"
	c.Settings["bad"] = "many"

	assert.Equal(t, 12, c.GetInt("n", 0))
	assert.Equal(t, 34, c.GetInt("s", 0))
	assert.Equal(t, 7, c.GetInt("bad", 7))
	assert.Equal(t, 7, c.GetInt("missing", 7))

	_, err := c.RequireInt("missing")
	assert.EqualError(t, err, "missing is required")
	_, err = c.RequireInt("bad")
	assert.EqualError(t, err, "bad must be an integer, got many")
}

func TestConfig_GetBool(t *testing.T) {
	c := NewC(test.NewLogger())
	tests := []struct {
		v    any
		d    bool
		want bool
	}{
		{true, false, true},
		{"true", false, true},
		{false, true, false},
		{"false", true, false},
		{"Y", false, true},
		{"yEs", false, true},
		{"N", true, false},
		{"nO", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		c.Settings["bool"] = tt.v
		assert.Equal(t, tt.want, c.GetBool("bool", tt.d), "%v", tt.v)
	}
}

func TestConfig_GetDuration(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["interval"] = "15s"
	c.Settings["bad"] = 15
	assert.Equal(t, 15*time.Second, c.GetDuration("interval", 0))
	assert.Equal(t, time.Second, c.GetDuration("bad", time.Second))
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()
	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	// Test key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	// No key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfig(t *testing.T) {
	l := test.NewLogger()
	path := filepath.Join(t.TempDir(), "vring.yml")
	writeFile(t, path, "logging:\n  level: info\n")

	c := NewC(l)
	require.NoError(t, c.Load(path))
	assert.True(t, c.InitialLoad())

	calls := 0
	c.RegisterReloadCallback(func(c *C) {
		calls++
	})

	writeFile(t, path, "logging:\n  level: debug\n")
	require.NoError(t, c.ReloadConfig())
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("logging.level"))
	assert.True(t, c.HasChanged(""))
	assert.Equal(t, 1, calls)

	// A broken file keeps the previous settings and skips the callbacks.
	writeFile(t, path, "logging: [")
	assert.Error(t, c.ReloadConfig())
	assert.Equal(t, "debug", c.GetString("logging.level", ""))
	assert.Equal(t, 1, calls)

	require.NoError(t, c.ReloadConfigString("logging:\n  level: debug\n"))
	assert.False(t, c.HasChanged("logging"))
	assert.Equal(t, 2, calls)
}
