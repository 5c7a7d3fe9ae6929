// Package cache implements the on-disk content cache for downloaded tarballs.
//
// Entries are keyed by a caller-chosen name (the installer uses
// "<package>-<version>.tgz") and validated against the registry digest before
// reuse, so a stale or truncated file is never served as a hit. The cache is
// shared across concurrent download branches within one install run; Lock
// collapses concurrent writers for the same key into one in-flight download.
package cache

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/stevedore-pm/stevedore/pkg/integrity"
)

// Content is a directory of downloaded artifacts keyed by file name.
type Content struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewContent creates a content cache rooted at dir, creating it if needed.
func NewContent(dir string) (*Content, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Content{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the cache directory.
func (c *Content) Dir() string { return c.dir }

// Path returns the on-disk location for key.
func (c *Content) Path(key string) string {
	return filepath.Join(c.dir, filepath.Base(key))
}

// Valid reports whether a cached entry for key exists and matches digest.
// With an empty digest any existing file counts as valid.
func (c *Content) Valid(key, digest string) bool {
	path := c.Path(key)
	if digest == "" {
		_, err := os.Stat(path)
		return err == nil
	}
	return integrity.DigestMatches(path, digest)
}

// Lock serializes writers for key. It returns an unlock function; two
// concurrent downloads of the same tarball take turns, and the second sees
// the first one's file as a cache hit instead of re-fetching.
func (c *Content) Lock(key string) func() {
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Remove deletes the entry for key if present.
func (c *Content) Remove(key string) error {
	err := os.Remove(c.Path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
