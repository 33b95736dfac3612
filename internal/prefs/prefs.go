// Package prefs persists per-channel user preferences and the username blacklist.
package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/john/chatkeep/internal/message"
)

// fileData is the on-disk layout of the preferences file
type fileData struct {
	Logging   map[string]bool `yaml:"logging"`   // ChannelKey string -> logging enabled
	Blacklist []string        `yaml:"blacklist"` // lowercased usernames
}

// Store holds logging flags and the blacklist. An empty path keeps everything in memory.
type Store struct {
	path string

	mu        sync.RWMutex
	logging   map[message.ChannelKey]bool
	blacklist map[string]bool
}

// Load reads preferences from path. A missing file yields empty preferences.
func Load(path string) (*Store, error) {
	s := &Store{
		path:      path,
		logging:   make(map[message.ChannelKey]bool),
		blacklist: make(map[string]bool),
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read prefs file: %w", err)
	}

	var fd fileData
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("parse prefs file: %w", err)
	}
	for k, enabled := range fd.Logging {
		key, ok := message.ParseKey(k)
		if !ok {
			continue
		}
		s.logging[key] = enabled
	}
	for _, name := range fd.Blacklist {
		if name = normalizeUser(name); name != "" {
			s.blacklist[name] = true
		}
	}
	return s, nil
}

// LoggingEnabled returns the stored flag for key; ok is false when none has been recorded
func (s *Store) LoggingEnabled(key message.ChannelKey) (enabled, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, ok = s.logging[key]
	return enabled, ok
}

// SetLogging records the logging flag for key and saves the file
func (s *Store) SetLogging(key message.ChannelKey, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logging[key] = enabled
	return s.saveLocked()
}

// Forget drops everything recorded for key and saves the file
func (s *Store) Forget(key message.ChannelKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logging[key]; !ok {
		return nil
	}
	delete(s.logging, key)
	return s.saveLocked()
}

// Keys returns every channel with a recorded preference, sorted
func (s *Store) Keys() []message.ChannelKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]message.ChannelKey, 0, len(s.logging))
	for k := range s.logging {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// IsBlacklisted reports whether messages from username should be dropped
func (s *Store) IsBlacklisted(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blacklist[normalizeUser(username)]
}

// Block adds usernames to the blacklist and saves the file
func (s *Store) Block(usernames ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, name := range usernames {
		if name = normalizeUser(name); name != "" && !s.blacklist[name] {
			s.blacklist[name] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.saveLocked()
}

// Unblock removes a username from the blacklist and saves the file
func (s *Store) Unblock(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := normalizeUser(username)
	if !s.blacklist[name] {
		return nil
	}
	delete(s.blacklist, name)
	return s.saveLocked()
}

// Blacklist returns the blacklisted usernames, sorted
func (s *Store) Blacklist() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedBlacklistLocked()
}

func (s *Store) sortedBlacklistLocked() []string {
	names := make([]string, 0, len(s.blacklist))
	for name := range s.blacklist {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// saveLocked writes the file through a temp file and rename so readers never see a partial write
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}

	fd := fileData{
		Logging:   make(map[string]bool, len(s.logging)),
		Blacklist: s.sortedBlacklistLocked(),
	}
	for k, enabled := range s.logging {
		fd.Logging[k.String()] = enabled
	}

	data, err := yaml.Marshal(&fd)
	if err != nil {
		return fmt.Errorf("encode prefs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create prefs dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write prefs file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace prefs file: %w", err)
	}
	return nil
}

func normalizeUser(name string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(name), "@"))
}
