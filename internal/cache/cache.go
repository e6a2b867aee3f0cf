package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the background sweep scans for expired entries.
const DefaultSweepInterval = 5 * time.Minute

// staleTempAge is how old a leftover temp file must be before the sweep
// reclaims it. Normal writes rename their temp within milliseconds.
const staleTempAge = time.Minute

// entry is the on-disk record wrapping a cached value.
type entry struct {
	Value        json.RawMessage `json:"value"`
	ExpiresAtUTC time.Time       `json:"expires_at_utc"`
	TypeName     string          `json:"type_name"`
}

// FileCache is a TTL-based key/value store with one file per key. Entries
// survive process restarts; writes go through a temp file and rename so a
// crash mid-write never corrupts the previous value.
type FileCache struct {
	dir        string
	sweepEvery time.Duration
	logger     *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a FileCache rooted at dir, creating the directory if needed,
// and starts the background sweep.
func New(dir string, logger *slog.Logger) (*FileCache, error) {
	return NewWithInterval(dir, DefaultSweepInterval, logger)
}

// NewWithInterval is New with a custom sweep interval.
func NewWithInterval(dir string, sweepEvery time.Duration, logger *slog.Logger) (*FileCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	c := &FileCache{
		dir:        dir,
		sweepEvery: sweepEvery,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.sweepLoop()
	return c, nil
}

// ResolveDir picks the cache directory: the override if set, the platform
// cache path when available, else a local working directory.
func ResolveDir(override string) string {
	if override != "" {
		return override
	}
	if base, err := os.UserCacheDir(); err == nil && base != "" {
		return filepath.Join(base, "querybridge")
	}
	return ".querybridge-cache"
}

// Set stores value under key with the given TTL. A failed write leaves any
// previous value in place; the error is logged and returned.
func (c *FileCache) Set(key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("cache set: marshal failed", "key", key, "error", err)
		return err
	}
	rec := entry{
		Value:        raw,
		ExpiresAtUTC: time.Now().UTC().Add(ttl),
		TypeName:     fmt.Sprintf("%T", value),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Error("cache set: marshal failed", "key", key, "error", err)
		return err
	}

	path := c.pathFor(key)
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		c.logger.Error("cache set: temp file failed", "key", key, "error", err)
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		c.logger.Error("cache set: write failed", "key", key, "error", err)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		c.logger.Error("cache set: close failed", "key", key, "error", err)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		c.logger.Error("cache set: rename failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Get loads the value for key into out. It returns false when the key is
// absent, expired, or unreadable; expired and unparseable entries are
// deleted on the way out.
func (c *FileCache) Get(key string, out any) bool {
	path := c.pathFor(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("cache get: read failed", "key", key, "error", err)
		}
		return false
	}

	var rec entry
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warn("cache get: corrupt entry removed", "key", key, "error", err)
		c.removeFile(path)
		return false
	}
	if time.Now().UTC().After(rec.ExpiresAtUTC) {
		c.removeFile(path)
		return false
	}
	if err := json.Unmarshal(rec.Value, out); err != nil {
		c.logger.Warn("cache get: value decode failed", "key", key, "error", err)
		return false
	}
	return true
}

// Take atomically claims and deletes the entry for key, loading its value
// into out. The claim is a rename, so when several callers race on one key
// at most one observes the value; the rest get false. Expired entries are
// consumed but reported absent.
func (c *FileCache) Take(key string, out any) bool {
	path := c.pathFor(key)
	claimed, err := os.CreateTemp(c.dir, ".take-*")
	if err != nil {
		c.logger.Warn("cache take: temp file failed", "key", key, "error", err)
		return false
	}
	claimedName := claimed.Name()
	_ = claimed.Close()
	_ = os.Remove(claimedName)

	if err := os.Rename(path, claimedName); err != nil {
		return false
	}
	defer c.removeFile(claimedName)

	data, err := os.ReadFile(claimedName)
	if err != nil {
		c.logger.Warn("cache take: read failed", "key", key, "error", err)
		return false
	}
	var rec entry
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warn("cache take: corrupt entry discarded", "key", key, "error", err)
		return false
	}
	if time.Now().UTC().After(rec.ExpiresAtUTC) {
		return false
	}
	if err := json.Unmarshal(rec.Value, out); err != nil {
		c.logger.Warn("cache take: value decode failed", "key", key, "error", err)
		return false
	}
	return true
}

// Remove deletes the entry for key. Removing an absent key is not an error.
func (c *FileCache) Remove(key string) error {
	err := os.Remove(c.pathFor(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("cache remove failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Close stops the background sweep. The directory and its entries remain.
func (c *FileCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}

// Dir returns the backing directory.
func (c *FileCache) Dir() string {
	return c.dir
}

func (c *FileCache) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}

func (c *FileCache) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("cache delete failed", "path", path, "error", err)
	}
}

func (c *FileCache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepOnce()
		case <-c.stop:
			return
		}
	}
}

// sweepOnce scans every entry and deletes expired or unparseable ones.
func (c *FileCache) sweepOnce() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn("cache sweep: read dir failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if strings.HasPrefix(ent.Name(), ".tmp-") || strings.HasPrefix(ent.Name(), ".take-") {
			// Temp files live for the duration of one write or claim; an
			// old one was orphaned by a crash mid-rename.
			path := filepath.Join(c.dir, ent.Name())
			if info, err := ent.Info(); err == nil && now.Sub(info.ModTime().UTC()) > staleTempAge {
				c.logger.Warn("cache sweep: stale temp file removed", "path", path)
				c.removeFile(path)
			}
			continue
		}
		if filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		path := filepath.Join(c.dir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec entry
		if err := json.Unmarshal(data, &rec); err != nil {
			c.logger.Warn("cache sweep: corrupt entry removed", "path", path)
			c.removeFile(path)
			continue
		}
		if now.After(rec.ExpiresAtUTC) {
			c.removeFile(path)
		}
	}
}
