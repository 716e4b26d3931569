package storage

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *StorageServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewStorageServer(t.TempDir(), "unused", 0, 0)
}

func postJSON(t *testing.T, engine *gin.Engine, route string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, route, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	w := postJSON(t, s.command, "/storage_create", CreateRequest{Path: "/dir/file"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[SuccessResponse](t, w).Success)

	payload := base64.StdEncoding.EncodeToString([]byte("payload"))
	w = postJSON(t, s.service, "/storage_write", WriteRequest{Path: "/dir/file", Offset: 0, Data: payload})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[SuccessResponse](t, w).Success)

	w = postJSON(t, s.service, "/storage_size", SizeRequest{Path: "/dir/file"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(7), decode[SizeResponse](t, w).Size)

	w = postJSON(t, s.service, "/storage_read", ReadRequest{Path: "/dir/file", Offset: 3, Length: 4})
	require.Equal(t, http.StatusOK, w.Code)
	data, err := base64.StdEncoding.DecodeString(decode[ReadResponse](t, w).Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("load"), data)
}

func TestReadErrors(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.fs.root, "file"), []byte("abc"), 0644))

	w := postJSON(t, s.service, "/storage_read", ReadRequest{Path: "/file", Offset: 0, Length: 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, s.service, "/storage_read", ReadRequest{Path: "/missing", Offset: 0, Length: 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = postJSON(t, s.service, "/storage_read", ReadRequest{Path: "relative", Offset: 0, Length: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteRoute(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.fs.root, "a", "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(s.fs.root, "a", "b", "f"), []byte("x"), 0644))

	w := postJSON(t, s.command, "/storage_delete", DeleteRequest{Path: "/a"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[SuccessResponse](t, w).Success)

	w = postJSON(t, s.command, "/storage_delete", DeleteRequest{Path: "/"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[SuccessResponse](t, w).Success)
}

func TestCopyRoute(t *testing.T) {
	src, srcAddr, srcPort := newPeer(t)
	writeLocal(t, src.fs, "/shared/file", []byte("replicated contents"))

	dst := newTestStorage(t)
	w := postJSON(t, dst.command, "/storage_copy", CopyRequest{
		Path:       "/shared/file",
		SourceAddr: srcAddr,
		SourcePort: srcPort,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[SuccessResponse](t, w).Success)

	copied, err := os.ReadFile(filepath.Join(dst.fs.root, "shared", "file"))
	require.NoError(t, err)
	assert.Equal(t, []byte("replicated contents"), copied)
}

// Registration advertises local files and deletes what the naming server
// prunes, including directories the pruning leaves empty.
func TestRegister(t *testing.T) {
	var received registerRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"files":["/pruned/one"]}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	gin.SetMode(gin.TestMode)
	s := NewStorageServer(t.TempDir(), ts.Listener.Addr().String(), 7001, 7002)
	writeLocal(t, s.fs, "/pruned/one", []byte("1"))
	writeLocal(t, s.fs, "/kept/two", []byte("2"))

	require.NoError(t, s.register())

	assert.Equal(t, "127.0.0.1", received.StorageIP)
	assert.Equal(t, 7001, received.ClientPort)
	assert.Equal(t, 7002, received.CommandPort)
	assert.ElementsMatch(t, []string{"/pruned/one", "/kept/two"}, received.Files)

	_, err := os.Stat(filepath.Join(s.fs.root, "pruned"))
	assert.True(t, os.IsNotExist(err), "pruned subtree is gone")
	_, err = os.Stat(filepath.Join(s.fs.root, "kept", "two"))
	assert.NoError(t, err)
}

func TestRegisterRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"exception_type":"IllegalStateException","exception_info":"already registered"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	gin.SetMode(gin.TestMode)
	s := NewStorageServer(t.TempDir(), ts.Listener.Addr().String(), 7001, 7002)
	err := s.register()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}
