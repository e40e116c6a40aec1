package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Store persists the full chat set as one blob, mirroring the guest-mode
// browser storage shape: a map of chats plus a newest-first id order.
type Store interface {
	Load() (map[string]*Chat, []string, error)
	Save(chats map[string]*Chat, order []string) error
}

type storeBlob struct {
	Chats map[string]*Chat `json:"chats"`
	Order []string         `json:"order"`
}

// FileStore keeps the blob in a single JSON file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultStorePath resolves the per-user history file, creating parent
// directories as needed.
func DefaultStorePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, "ransgpt")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "chats.json"), nil
}

func (f *FileStore) Load() (map[string]*Chat, []string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var blob storeBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, nil, err
	}
	return blob.Chats, blob.Order, nil
}

func (f *FileStore) Save(chats map[string]*Chat, order []string) error {
	data, err := json.MarshalIndent(storeBlob{Chats: chats, Order: order}, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
