package filecache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func server(t *testing.T, body string, hits *int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchCachesWithinMaxAge(t *testing.T) {
	var hits int32
	srv := server(t, `{"prefixes":[]}`, &hits)
	c := New(t.TempDir())

	in := CachedFile{Uri: srv.URL + "/cloud.json", MaxAge: time.Hour}
	p, err := c.Fetch(context.Background(), in)
	require.NoError(t, err)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, `{"prefixes":[]}`, string(data))

	p2, err := c.Fetch(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, p, p2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	sum, err := Digest(p)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256(data)), sum)
}

func TestFetchRefreshesStaleCopy(t *testing.T) {
	var hits int32
	srv := server(t, "x", &hits)
	c := New(t.TempDir())
	in := CachedFile{Uri: srv.URL + "/cloud.json", MaxAge: time.Minute}

	_, err := c.Fetch(context.Background(), in)
	require.NoError(t, err)

	c.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = c.Fetch(context.Background(), in)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestFetchZeroMaxAgeAlwaysDownloads(t *testing.T) {
	var hits int32
	srv := server(t, "x", &hits)
	c := New(t.TempDir())
	in := CachedFile{Uri: srv.URL + "/cloud.json"}

	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background(), in)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestFetchBadStatusLeavesNothing(t *testing.T) {
	var hits int32
	srv := server(t, "x", &hits)
	dir := t.TempDir()
	c := New(dir)

	_, err := c.Fetch(context.Background(), CachedFile{Uri: srv.URL + "/missing"})
	assert.ErrorContains(t, err, "404")

	_, err = os.Stat(c.Path(srv.URL + "/missing"))
	assert.True(t, os.IsNotExist(err))

	left, err := os.ReadDir(path.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, left)
	require.NoError(t, c.Cleanup())
}
