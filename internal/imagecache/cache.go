// Package imagecache is an append-only download cache for emulator boot
// images. Entries are keyed by the BLAKE3 hash of their download URL and are
// never rewritten once present, so concurrent readers can share them.
package imagecache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"evalgo.org/vmcrate/internal/version"
	"evalgo.org/vmcrate/models"
)

// keyDomain separates cache keys from any other BLAKE3 use of the same URL
// bytes. ASCII "vmcrate.imagecache.url", zero-padded to 32 bytes.
var keyDomain = [32]byte{
	'v', 'm', 'c', 'r', 'a', 't', 'e', '.', 'i', 'm', 'a', 'g', 'e', 'c', 'a', 'c',
	'h', 'e', '.', 'u', 'r', 'l', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Cache stores downloaded images under Dir.
type Cache struct {
	// Dir is the cache directory
	Dir string

	// Client performs downloads
	Client *resty.Client

	// Timeout bounds a single download (0 means no bound beyond ctx)
	Timeout time.Duration

	// Log receives download progress
	Log log.FieldLogger

	group singleflight.Group
}

// Entry describes one cached image.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// New creates a cache rooted at dir.
func New(dir string, timeout time.Duration, logger log.FieldLogger) *Cache {
	return &Cache{
		Dir:     dir,
		Client:  resty.New().SetHeader("User-Agent", version.UserAgent()),
		Timeout: timeout,
		Log:     logger,
	}
}

// Key returns the hex cache key for a download URL.
func Key(rawURL string) string {
	hasher, err := blake3.NewKeyed(keyDomain[:])
	if err != nil {
		panic("imagecache: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(rawURL))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Path returns where the image for rawURL is (or would be) stored.
func (c *Cache) Path(rawURL string) string {
	name, _ := baseName(rawURL)
	return filepath.Join(c.Dir, Key(rawURL)+"-"+name)
}

// Lookup reports whether rawURL is already cached, without any network access.
func (c *Cache) Lookup(rawURL string) (string, bool) {
	p := c.Path(rawURL)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

type result struct {
	path    string
	fetched bool
}

// Ensure returns the local path of the image at rawURL, downloading it when
// it is not cached yet. fetched reports whether a download happened.
// Failures are classified as BackendUnavailable.
//
// Concurrent callers share one download. The download is detached from
// every caller's ctx and bounded by Timeout alone, so a caller that gives
// up only stops waiting; the others still get the image.
func (c *Cache) Ensure(ctx context.Context, rawURL string) (string, bool, error) {
	if rawURL == "" {
		return "", false, models.Errorf(models.KindBackendUnavailable, "no image URL configured")
	}
	if p, ok := c.Lookup(rawURL); ok {
		c.logger().WithField("path", p).Debug("using cached image")
		return p, false, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(Key(rawURL), func() (interface{}, error) {
		if p, ok := c.Lookup(rawURL); ok {
			return result{path: p}, nil
		}
		p, err := c.download(shared, rawURL)
		if err != nil {
			return nil, err
		}
		return result{path: p, fetched: true}, nil
	})

	select {
	case <-ctx.Done():
		return "", false, models.NewError(models.KindBackendUnavailable,
			fmt.Sprintf("stopped waiting for %s", rawURL), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", false, res.Err
		}
		r := res.Val.(result)
		return r.path, r.fetched, nil
	}
}

func (c *Cache) download(ctx context.Context, rawURL string) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", models.NewError(models.KindBackendUnavailable, "cannot create image cache", err)
	}

	tmp, err := os.CreateTemp(c.Dir, ".download-*")
	if err != nil {
		return "", models.NewError(models.KindBackendUnavailable, "cannot create download file", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	c.logger().WithField("url", rawURL).Info("downloading boot image")
	started := time.Now()

	client := c.Client
	if client == nil {
		client = resty.New()
	}
	resp, err := client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return "", models.NewError(models.KindBackendUnavailable, fmt.Sprintf("cannot download %s", rawURL), err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return "", models.Errorf(models.KindBackendUnavailable, "downloading %s returned %s", rawURL, resp.Status())
	}

	reader, closeReader, err := decompressor(rawURL, body)
	if err != nil {
		return "", models.NewError(models.KindBackendUnavailable, fmt.Sprintf("cannot decompress %s", rawURL), err)
	}
	defer closeReader()

	n, err := io.Copy(tmp, reader)
	if err != nil {
		return "", models.NewError(models.KindBackendUnavailable, fmt.Sprintf("download of %s interrupted", rawURL), err)
	}
	if err := tmp.Close(); err != nil {
		return "", models.NewError(models.KindBackendUnavailable, "cannot finish download file", err)
	}

	dest := c.Path(rawURL)
	if err := commit(tmp.Name(), dest); err != nil {
		return "", models.NewError(models.KindBackendUnavailable, "cannot store downloaded image", err)
	}

	c.logger().WithFields(log.Fields{
		"path":     dest,
		"bytes":    n,
		"duration": time.Since(started).Round(time.Millisecond),
	}).Debug("boot image cached")

	return dest, nil
}

// commit moves a finished download into place without ever replacing an
// existing entry.
func commit(tmp, dest string) error {
	err := os.Link(tmp, dest)
	switch {
	case err == nil, errors.Is(err, os.ErrExist):
		return nil
	}
	if _, statErr := os.Stat(dest); statErr == nil {
		return nil
	}
	return os.Rename(tmp, dest)
}

func decompressor(rawURL string, r io.Reader) (io.Reader, func(), error) {
	_, ext := baseName(rawURL)
	switch ext {
	case ".gz":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { _ = zr.Close() }, nil
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	}
	return r, func() {}, nil
}

// baseName returns a filesystem-safe file name for the URL with any
// compression suffix removed, and that suffix.
func baseName(rawURL string) (string, string) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" || name == "" {
		name = "image"
	}

	var ext string
	switch lower := strings.ToLower(name); {
	case strings.HasSuffix(lower, ".gz"):
		ext = ".gz"
	case strings.HasSuffix(lower, ".zst"):
		ext = ".zst"
	}
	name = name[:len(name)-len(ext)]

	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if safe == "" || strings.Trim(safe, ".") == "" {
		safe = "image"
	}
	return safe, ext
}

// List returns the cached images sorted by name. A missing cache directory
// is an empty cache.
func (c *Cache) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read image cache: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			Path:    filepath.Join(c.Dir, de.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (c *Cache) logger() log.FieldLogger {
	if c.Log == nil {
		return log.StandardLogger()
	}
	return c.Log
}
