// Package config loads YAML settings from a file or a directory of files and
// reloads them on SIGHUP.
package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, or every yaml file below it in lexical order, and merges
// the results. Later files win for scalars, lists are appended.
func (c *C) Load(path string) error {
	files, err := resolve(path, true)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	settings, err := parse(files)
	if err != nil {
		return err
	}

	c.path = path
	c.files = files
	c.Settings = settings
	return nil
}

func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}

	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	if m == nil {
		m = make(map[string]any)
	}

	c.Settings = m
	return nil
}

// Files returns the files the last Load merged.
func (c *C) Files() []string {
	return c.files
}

// RegisterReloadCallback stores a function to be called after a reload. It
// should use HasChanged to decide whether there is anything to do and return
// quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true until the first reload.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether the value at k differs between the settings
// before and after the last reload. Values are compared by their yaml
// encoding, so reordered maps can report a change. An empty k compares
// everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv, ov = c.Settings, c.oldSettings
		k = "all settings"
	} else {
		nv, ov = get(k, c.Settings), get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the path given to Load whenever the process
// receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				if err := c.ReloadConfig(); err != nil {
					c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
				}
			}
		}
	}()
}

// ReloadConfig loads the config again from the original path and runs the
// reload callbacks. The old settings are kept on failure.
func (c *C) ReloadConfig() error {
	return c.reload(func() error { return c.Load(c.path) })
}

// ReloadConfigString replaces the settings with raw and runs the reload
// callbacks.
func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := maps.Clone(c.Settings)
	if err := load(); err != nil {
		return err
	}
	c.oldSettings = old

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

func parse(files []string) (map[string]any, error) {
	var m map[string]any

	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var nm map[string]any
		if err := yaml.Unmarshal(b, &nm); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if nm == nil {
			continue
		}

		// Append lists so required_features can be spread across files.
		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return nil, fmt.Errorf("merge %s: %w", path, err)
		}
		m = nm
	}

	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}
