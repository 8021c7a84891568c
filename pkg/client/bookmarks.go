package client

import (
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Bookmark is a saved directory server and the account used on it.
type Bookmark struct {
	Name       string `yaml:"name"`
	ServerAddr string `yaml:"server_addr"`
	TLS        bool   `yaml:"tls,omitempty"`
	Username   string `yaml:"username"`
	LastUsed   int64  `yaml:"last_used,omitempty"`
}

// BookmarkStore manages server bookmarks in a YAML file.
type BookmarkStore struct {
	path      string
	Bookmarks []Bookmark `yaml:"bookmarks"`
}

// NewBookmarkStore creates a store backed by path; an empty path means
// servers.yaml next to the executable.
func NewBookmarkStore(path string) *BookmarkStore {
	if path == "" {
		exePath, err := os.Executable()
		if err != nil {
			exePath = "."
		}
		path = filepath.Join(filepath.Dir(exePath), "servers.yaml")
	}
	return &BookmarkStore{path: path}
}

// Load reads bookmarks from disk. Returns empty list if file doesn't exist.
func (bs *BookmarkStore) Load() error {
	data, err := os.ReadFile(bs.path)
	if err != nil {
		if os.IsNotExist(err) {
			bs.Bookmarks = nil
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, bs)
}

// Save writes bookmarks to disk.
func (bs *BookmarkStore) Save() error {
	data, err := yaml.Marshal(bs)
	if err != nil {
		return err
	}
	return os.WriteFile(bs.path, data, 0600)
}

// Add adds or updates the bookmark for the same server and username. Returns
// true if it was a new entry.
func (bs *BookmarkStore) Add(b Bookmark) bool {
	for i, existing := range bs.Bookmarks {
		if existing.ServerAddr == b.ServerAddr && existing.Username == b.Username {
			bs.Bookmarks[i] = b
			return false
		}
	}
	bs.Bookmarks = append(bs.Bookmarks, b)
	return true
}

// Find returns the bookmark whose name or server address matches key.
func (bs *BookmarkStore) Find(key string) (Bookmark, bool) {
	for _, b := range bs.Bookmarks {
		if b.Name == key || b.ServerAddr == key {
			return b, true
		}
	}
	return Bookmark{}, false
}

// Recent returns bookmarks, most recently used first.
func (bs *BookmarkStore) Recent() []Bookmark {
	out := append([]Bookmark(nil), bs.Bookmarks...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUsed > out[j].LastUsed })
	return out
}
