package config

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceDelay absorbs the burst of events editors emit for one save.
const debounceDelay = 250 * time.Millisecond

// Manager holds the current config of a file and reloads it on change.
type Manager struct {
	path string
	log  zerolog.Logger

	mu   sync.RWMutex
	cfg  *Config
	last []byte // JSON of cfg, to skip reloads that change nothing
}

// NewManager returns a manager for the config file at path.
func NewManager(path string, log zerolog.Logger) *Manager {
	return &Manager{path: path, log: log.With().Str("component", "config").Logger()}
}

// Load parses the file and makes it the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := Parse(m.path)
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

// Get returns the current config, nil before the first Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// commit stores cfg and reports whether it differs from the previous one.
func (m *Manager) commit(cfg *Config) bool {
	b, _ := json.Marshal(cfg)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg != nil && bytes.Equal(b, m.last) {
		return false
	}
	m.cfg, m.last = cfg, b
	return true
}

// Watch reloads the file whenever it changes and calls onChange with
// every new config that parses and differs from the current one. Invalid
// files are logged and ignored. Watch blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors often replace the file by rename.
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug().Str("dir", dir).Str("file", file).Msg("config watcher started")

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, func() { m.reload(ctx, onChange) })
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn().Err(err).Str("dir", dir).Msg("config watch error")
		}
	}
}

func (m *Manager) reload(ctx context.Context, onChange func(*Config)) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := Parse(m.path)
	if err != nil {
		m.log.Warn().Err(err).Str("path", m.path).Msg("config reload failed, keeping current")
		return
	}
	if !m.commit(cfg) {
		m.log.Debug().Str("path", m.path).Msg("config unchanged")
		return
	}
	m.log.Info().Str("path", m.path).Msg("config reloaded")
	if onChange != nil {
		onChange(cfg)
	}
}
