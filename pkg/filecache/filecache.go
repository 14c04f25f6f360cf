package filecache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// A remote file we want a local copy of. MaxAge zero means always
// fetch it again.
type CachedFile struct {
	Uri    string
	MaxAge time.Duration
}

const APPNAME = "gcetools"

// Return the cacheDir for the app
func CacheDir() string {
	return path.Join(xdg.CacheHome, APPNAME)
}

type Cache struct {
	// Base dir, cache/ and tmp/ live under it.
	Dir    string
	Client *http.Client
	Now    func() time.Time
}

// Empty dir means the xdg cache dir.
func New(dir string) *Cache {
	if dir == "" {
		dir = CacheDir()
	}
	return &Cache{Dir: dir, Client: http.DefaultClient, Now: time.Now}
}

func (c *Cache) tmpDir() string {
	return path.Join(c.Dir, "tmp")
}

// Files are stored under the sha256 of their uri so a feed url maps
// to one stable path.
func (c *Cache) Path(uri string) string {
	return path.Join(c.Dir, "cache", fmt.Sprintf("%x", sha256.Sum256([]byte(uri))))
}

// Fresh reports whether there's a cached copy younger than MaxAge.
func (c *Cache) Fresh(input CachedFile) bool {
	if input.MaxAge <= 0 {
		return false
	}
	st, err := os.Stat(c.Path(input.Uri))
	if err != nil || st.Size() == 0 {
		return false
	}
	return c.Now().Sub(st.ModTime()) < input.MaxAge
}

// Fetch returns a local path holding the contents of input.Uri,
// downloading it unless a fresh enough copy is already cached.
//
// Downloads land in tmp/ first and get renamed into place so a
// partial download never shows up as a cache hit.
func (c *Cache) Fetch(ctx context.Context, input CachedFile) (string, error) {
	destFile := c.Path(input.Uri)
	if c.Fresh(input) {
		return destFile, nil
	}

	for _, d := range []string{c.tmpDir(), path.Dir(destFile)} {
		if err := os.MkdirAll(d, os.ModePerm); err != nil {
			return "", err
		}
	}

	dlFile := path.Join(c.tmpDir(), uuid.New().String())
	if err := c.download(ctx, input.Uri, dlFile); err != nil {
		// Don't leave turds around in tmp
		os.Remove(dlFile)
		return "", err
	}

	if err := os.Rename(dlFile, destFile); err != nil {
		os.Remove(dlFile)
		return "", err
	}
	return destFile, nil
}

func (c *Cache) download(ctx context.Context, uri, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "fetching %s", uri)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("fetching %s: %s", uri, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return errors.Wrapf(err, "fetching %s", uri)
	}
	return out.Close()
}

// Nuke anything left in tmp/. Fetch cleans up after itself, this is
// for downloads a killed process never got to remove.
func (c *Cache) Cleanup() error {
	return os.RemoveAll(c.tmpDir())
}

// Digest is the hex sha256 of a file's contents.
func Digest(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hashing %s", file)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
