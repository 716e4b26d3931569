package storage

import (
	"bytes"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stilllearninggo/dfs/dfserr"
	"github.com/stilllearninggo/dfs/fspath"
)

func mkpath(t *testing.T, s string) fspath.Path {
	t.Helper()
	p, ex := fspath.Parse(s)
	require.Nil(t, ex)
	return p
}

func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	return NewFileSystem(t.TempDir())
}

func writeLocal(t *testing.T, fs *FileSystem, path string, data []byte) {
	t.Helper()
	local := mkpath(t, path).LocalFile(fs.root)
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0755))
	require.NoError(t, os.WriteFile(local, data, 0644))
}

func TestCreate(t *testing.T) {
	fs := newTestFS(t)

	created, ex := fs.Create(mkpath(t, "/a/b/file"))
	require.Nil(t, ex)
	assert.True(t, created, "parent directories are made on demand")

	created, ex = fs.Create(mkpath(t, "/a/b/file"))
	require.Nil(t, ex)
	assert.False(t, created, "already exists")

	created, ex = fs.Create(fspath.Root())
	require.Nil(t, ex)
	assert.False(t, created, "root is refused")

	size, ex := fs.Size(mkpath(t, "/a/b/file"))
	require.Nil(t, ex)
	assert.Zero(t, size)
}

func TestSizeAndReadErrors(t *testing.T) {
	fs := newTestFS(t)
	writeLocal(t, fs, "/dir/file", []byte("hello world"))

	size, ex := fs.Size(mkpath(t, "/dir/file"))
	require.Nil(t, ex)
	assert.Equal(t, int64(11), size)

	_, ex = fs.Size(mkpath(t, "/dir"))
	require.NotNil(t, ex)
	assert.Equal(t, dfserr.FileNotFoundException, ex.Type, "directories have no size")

	_, ex = fs.Size(mkpath(t, "/missing"))
	require.NotNil(t, ex)
	assert.Equal(t, dfserr.FileNotFoundException, ex.Type)

	data, ex := fs.Read(mkpath(t, "/dir/file"), 6, 5)
	require.Nil(t, ex)
	assert.Equal(t, []byte("world"), data)

	data, ex = fs.Read(mkpath(t, "/dir/file"), 0, 0)
	require.Nil(t, ex)
	assert.Empty(t, data)

	for _, tt := range []struct {
		offset int64
		length int
	}{
		{-1, 4},
		{0, -1},
		{0, 12},
		{8, 4},
	} {
		_, ex = fs.Read(mkpath(t, "/dir/file"), tt.offset, tt.length)
		require.NotNil(t, ex, "offset=%d length=%d", tt.offset, tt.length)
		assert.Equal(t, dfserr.IndexOutOfBoundsException, ex.Type)
	}
}

func TestWrite(t *testing.T) {
	fs := newTestFS(t)
	writeLocal(t, fs, "/file", []byte("hello"))

	require.Nil(t, fs.Write(mkpath(t, "/file"), 0, []byte("jello")))
	data, ex := fs.Read(mkpath(t, "/file"), 0, 5)
	require.Nil(t, ex)
	assert.Equal(t, []byte("jello"), data)

	// writing past the end extends the file
	require.Nil(t, fs.Write(mkpath(t, "/file"), 7, []byte("xy")))
	size, ex := fs.Size(mkpath(t, "/file"))
	require.Nil(t, ex)
	assert.Equal(t, int64(9), size)

	ex = fs.Write(mkpath(t, "/file"), -1, []byte("z"))
	require.NotNil(t, ex)
	assert.Equal(t, dfserr.IndexOutOfBoundsException, ex.Type)

	ex = fs.Write(mkpath(t, "/missing"), 0, []byte("z"))
	require.NotNil(t, ex)
	assert.Equal(t, dfserr.FileNotFoundException, ex.Type)
}

func TestDelete(t *testing.T) {
	fs := newTestFS(t)
	writeLocal(t, fs, "/a/b/one", []byte("1"))
	writeLocal(t, fs, "/a/c/two", []byte("2"))

	deleted, ex := fs.Delete(mkpath(t, "/a"))
	require.Nil(t, ex)
	assert.True(t, deleted)
	_, err := os.Stat(mkpath(t, "/a").LocalFile(fs.root))
	assert.True(t, os.IsNotExist(err))

	deleted, ex = fs.Delete(mkpath(t, "/a"))
	require.Nil(t, ex)
	assert.True(t, deleted, "an absent subtree is already deleted")

	deleted, ex = fs.Delete(fspath.Root())
	require.Nil(t, ex)
	assert.False(t, deleted, "root is refused")
}

func TestList(t *testing.T) {
	fs := newTestFS(t)
	writeLocal(t, fs, "/a/b/one", []byte("1"))
	writeLocal(t, fs, "/two", []byte("2"))

	files, err := fs.List()
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{"/a/b/one", "/two"}, files)
}

func TestDeleteAllAndPrune(t *testing.T) {
	fs := newTestFS(t)
	writeLocal(t, fs, "/a/b/one", []byte("1"))
	writeLocal(t, fs, "/a/two", []byte("2"))
	writeLocal(t, fs, "/keep/three", []byte("3"))

	require.NoError(t, fs.DeleteAll([]string{"/a/b/one", "/a/two"}))
	require.NoError(t, fs.Prune())

	_, err := os.Stat(filepath.Join(fs.root, "a"))
	assert.True(t, os.IsNotExist(err), "emptied directories are swept")
	_, err = os.Stat(filepath.Join(fs.root, "keep", "three"))
	assert.NoError(t, err)
}

// newPeer - a storage server double backed by a real FileSystem, reachable
// over HTTP like a peer's client interface
func newPeer(t *testing.T) (*StorageServer, string, int) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	peer := NewStorageServer(t.TempDir(), "unused", 0, 0)
	ts := httptest.NewServer(peer.service)
	t.Cleanup(ts.Close)
	addr := ts.Listener.Addr().(*net.TCPAddr)
	return peer, "127.0.0.1", addr.Port
}

func TestCopyFrom(t *testing.T) {
	peer, peerAddr, peerPort := newPeer(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), 200) // several chunks, not chunk-aligned
	content = append(content, []byte("tail")...)
	writeLocal(t, peer.fs, "/dir/file", content)

	fs := newTestFS(t)
	require.Nil(t, fs.CopyFrom(mkpath(t, "/dir/file"), peerAddr, peerPort))

	copied, err := os.ReadFile(mkpath(t, "/dir/file").LocalFile(fs.root))
	require.NoError(t, err)
	assert.Equal(t, content, copied)
}

func TestCopyFromEmptyFile(t *testing.T) {
	peer, peerAddr, peerPort := newPeer(t)
	writeLocal(t, peer.fs, "/empty", nil)

	fs := newTestFS(t)
	require.Nil(t, fs.CopyFrom(mkpath(t, "/empty"), peerAddr, peerPort))
	size, ex := fs.Size(mkpath(t, "/empty"))
	require.Nil(t, ex)
	assert.Zero(t, size)
}

func TestCopyFromMissingSource(t *testing.T) {
	_, peerAddr, peerPort := newPeer(t)

	fs := newTestFS(t)
	ex := fs.CopyFrom(mkpath(t, "/missing"), peerAddr, peerPort)
	require.NotNil(t, ex)
	assert.Equal(t, dfserr.FileNotFoundException, ex.Type)
	_, err := os.Stat(mkpath(t, "/missing").LocalFile(fs.root))
	assert.True(t, os.IsNotExist(err))
}

func base64Chunk(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

// A peer that dies mid-transfer must not leave a partial file behind.
func TestCopyFromFailureLeavesNoPartialFile(t *testing.T) {
	var requests int
	mux := http.NewServeMux()
	mux.HandleFunc("/storage_size", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"size":4096}`))
	})
	mux.HandleFunc("/storage_read", func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"exception_type":"IOException","exception_info":"disk gone"}`))
			return
		}
		chunk := base64Chunk(CopyChunkSize)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":"` + chunk + `"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()
	addr := ts.Listener.Addr().(*net.TCPAddr)

	fs := newTestFS(t)
	ex := fs.CopyFrom(mkpath(t, "/dir/big"), "127.0.0.1", addr.Port)
	require.NotNil(t, ex)
	assert.Equal(t, dfserr.IOException, ex.Type)
	_, err := os.Stat(mkpath(t, "/dir/big").LocalFile(fs.root))
	assert.True(t, os.IsNotExist(err), "partial file must be deleted")
}
