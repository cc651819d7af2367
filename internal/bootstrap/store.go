package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgnsrekt/consensus-relay/internal/codec"
)

const (
	topicFile = ".topic"
	keyFile   = ".symkey"
)

// Store persists the topic id and symmetric key in a state directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) TopicPath() string {
	return filepath.Join(s.dir, topicFile)
}

func (s *Store) KeyPath() string {
	return filepath.Join(s.dir, keyFile)
}

// LoadTopic returns the persisted topic id. ok is false when none is stored.
func (s *Store) LoadTopic() (topicID string, ok bool, err error) {
	data, err := s.read(s.TopicPath())
	if err != nil || data == "" {
		return "", false, err
	}
	return data, true, nil
}

func (s *Store) SaveTopic(topicID string) error {
	return s.writeAtomic(s.TopicPath(), []byte(topicID), 0644)
}

// LoadKey returns the persisted key. ok is false when none is stored.
func (s *Store) LoadKey() (key []byte, ok bool, err error) {
	data, err := s.read(s.KeyPath())
	if err != nil || data == "" {
		return nil, false, err
	}
	key, err = codec.DecodeKey(data)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", s.KeyPath(), err)
	}
	return key, true, nil
}

func (s *Store) SaveKey(key []byte) error {
	return s.writeAtomic(s.KeyPath(), []byte(codec.EncodeKey(key)), 0600)
}

func (s *Store) read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) writeAtomic(destPath string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}

	tmpPath := destPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
