package voice

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ErrInvalidRef is returned for audio references that are not cache
// keys.
var ErrInvalidRef = errors.New("invalid audio reference")

var refPattern = regexp.MustCompile(`^[0-9a-f]{64}\.(mp3|wav|opus|aac|flac)$`)

// Cache stores synthesized audio on disk under a content key, so the
// same text in the same voice is synthesized once.
type Cache struct {
	dir string
	now func() time.Time
}

// NewCache creates the cache directory if needed.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &Cache{dir: dir, now: time.Now}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Ref returns the audio reference for a request: the blake2b-256 of
// text, voice, speed and format, plus the format extension.
func Ref(req Request) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{req.Text, req.Voice, strconv.FormatFloat(req.Speed, 'f', 2, 64), req.Format} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)) + "." + req.Format
}

// Lookup returns the reference of a cached rendering of req, if any.
func (c *Cache) Lookup(req Request) (string, bool) {
	ref := Ref(req)
	info, err := os.Stat(filepath.Join(c.dir, ref))
	if err != nil || info.Size() == 0 {
		return "", false
	}
	return ref, true
}

// Put stores audio for req and returns its reference. A provider that
// answered in a different format than requested is stored under its
// own format. The write goes through a temp file so readers never see
// a partial file.
func (c *Cache) Put(req Request, a Audio) (string, error) {
	if len(a.Data) == 0 {
		return "", errors.New("store audio: empty")
	}
	if a.Format != "" {
		req.Format = a.Format
	}
	ref := Ref(req)
	f, err := os.CreateTemp(c.dir, ".audio-*")
	if err != nil {
		return "", fmt.Errorf("store audio: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(a.Data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("store audio: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("store audio: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(c.dir, ref)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("store audio: %w", err)
	}
	return ref, nil
}

// Path resolves a reference to a file path, rejecting anything that is
// not a cache key.
func (c *Cache) Path(ref string) (string, error) {
	if !refPattern.MatchString(ref) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(c.dir, ref), nil
}

// Sweep deletes cached files last modified before now-retention and
// returns how many were removed.
func (c *Cache) Sweep(retention time.Duration) (int, error) {
	cutoff := c.now().Add(-retention)
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("sweep audio: %w", err)
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !refPattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}
