// Package prefs remembers the last selected team per identity across restarts.
package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// Store is durable local key/value storage for selection preferences.
// Params: identity UID and team ID.
// Returns: last selected team ("" when unknown) or persistence error.
type Store interface {
	LastSelected(uid string) (string, error)
	SaveSelected(uid, teamID string) error
}

type document struct {
	LastSelected map[string]string `toml:"last_selected"`
}

// File persists preferences in a TOML file.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile resolves path (with ~ expansion) for file-backed preferences.
// Params: preferences file path.
// Returns: file store or path error.
func NewFile(path string) (*File, error) {
	resolved, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolve prefs path: %w", err)
	}
	return &File{path: resolved}, nil
}

// Path returns resolved file path.
func (f *File) Path() string {
	return f.path
}

// LastSelected reads remembered team for uid.
// Params: identity UID.
// Returns: team ID or "" when file or entry is missing.
func (f *File) LastSelected(uid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return "", err
	}
	return doc.LastSelected[uid], nil
}

// SaveSelected remembers team for uid; empty teamID forgets it.
// Params: identity UID and team ID.
// Returns: write error.
func (f *File) SaveSelected(uid, teamID string) error {
	if strings.TrimSpace(uid) == "" {
		return fmt.Errorf("save selection: uid is empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		// Corrupt file is overwritten.
		doc = document{}
	}
	if doc.LastSelected == nil {
		doc.LastSelected = make(map[string]string)
	}
	if teamID == "" {
		delete(doc.LastSelected, uid)
	} else {
		doc.LastSelected[uid] = teamID
	}
	return f.write(doc)
}

func (f *File) load() (document, error) {
	body, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return document{}, nil
		}
		return document{}, fmt.Errorf("read prefs: %w", err)
	}
	var doc document
	if err := toml.Unmarshal(body, &doc); err != nil {
		return document{}, fmt.Errorf("decode prefs %q: %w", f.path, err)
	}
	return doc, nil
}

func (f *File) write(doc document) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create prefs dir: %w", err)
	}
	body, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal prefs: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".prefs-*.toml")
	if err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write prefs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write prefs: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write prefs: %w", err)
	}
	return nil
}

// Memory keeps preferences in process memory.
type Memory struct {
	mu   sync.Mutex
	last map[string]string
}

// NewMemory creates empty in-memory preferences.
func NewMemory() *Memory {
	return &Memory{last: make(map[string]string)}
}

// LastSelected reads remembered team for uid.
func (m *Memory) LastSelected(uid string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[uid], nil
}

// SaveSelected remembers team for uid; empty teamID forgets it.
func (m *Memory) SaveSelected(uid, teamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if teamID == "" {
		delete(m.last, uid)
		return nil
	}
	m.last[uid] = teamID
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
