// Package binary computes and caches hashes of audited executables so the
// event pipeline pays the hashing cost once per binary.
package binary

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru"
)

type cacheKey struct {
	path  string
	mtime int64
	size  int64
}

// Cache provides SHA-256 lookups for executable paths with LRU eviction.
// Entries are keyed by path plus mtime/size so a replaced binary is rehashed.
type Cache struct {
	cache *lru.Cache
}

// NewCache creates a size-constrained hash cache.
func NewCache(size int) (*Cache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{cache: cache}, nil
}

// Hash returns the SHA-256 of the file at path, hex-encoded.
func (c *Cache) Hash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := cacheKey{path: path, mtime: info.ModTime().UnixNano(), size: info.Size()}
	if v, ok := c.cache.Get(key); ok {
		return v.(string), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %v", path, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	c.cache.Add(key, sum)
	return sum, nil
}
