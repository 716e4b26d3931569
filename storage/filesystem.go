package storage

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/stilllearninggo/dfs/dfserr"
	"github.com/stilllearninggo/dfs/fspath"
)

// CopyChunkSize - how many bytes each peer read transfers during a copy
const CopyChunkSize = 1024

// FileSystem - the operations of a storage server on its rooted subtree
// Every path argument is resolved beneath the root directory.
type FileSystem struct {
	root   string
	client *http.Client
}

func NewFileSystem(root string) *FileSystem {
	return &FileSystem{
		root:   root,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// statFile - stat a path that must be an existing regular file
func (fs *FileSystem) statFile(p fspath.Path) (os.FileInfo, *dfserr.Exception) {
	info, err := os.Stat(p.LocalFile(fs.root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dfserr.NotFound("path %s does not exist", p)
		}
		return nil, dfserr.IO(errors.Wrapf(err, "stat %s", p))
	}
	if info.IsDir() {
		return nil, dfserr.NotFound("path %s is a directory", p)
	}
	return info, nil
}

// Size - the length of a file in bytes
func (fs *FileSystem) Size(p fspath.Path) (int64, *dfserr.Exception) {
	info, ex := fs.statFile(p)
	if ex != nil {
		return 0, ex
	}
	return info.Size(), nil
}

// Read - exactly length bytes starting at offset
func (fs *FileSystem) Read(p fspath.Path, offset int64, length int) ([]byte, *dfserr.Exception) {
	info, ex := fs.statFile(p)
	if ex != nil {
		return nil, ex
	}
	if offset < 0 || length < 0 || offset+int64(length) > info.Size() {
		return nil, dfserr.IndexOutOfBounds("cannot read %d bytes at offset %d of %s (size %d)", length, offset, p, info.Size())
	}

	file, err := os.Open(p.LocalFile(fs.root))
	if err != nil {
		return nil, dfserr.IO(errors.Wrapf(err, "opening %s", p))
	}
	defer file.Close()

	buffer := make([]byte, length)
	if _, err := file.ReadAt(buffer, offset); err != nil && err != io.EOF {
		return nil, dfserr.IO(errors.Wrapf(err, "reading %s", p))
	}
	return buffer, nil
}

// Write - data at offset, extending the file as needed
func (fs *FileSystem) Write(p fspath.Path, offset int64, data []byte) *dfserr.Exception {
	if _, ex := fs.statFile(p); ex != nil {
		return ex
	}
	if offset < 0 {
		return dfserr.IndexOutOfBounds("negative write offset %d for %s", offset, p)
	}

	file, err := os.OpenFile(p.LocalFile(fs.root), os.O_WRONLY, 0644)
	if err != nil {
		return dfserr.IO(errors.Wrapf(err, "opening %s for writing", p))
	}
	defer file.Close()

	if _, err := file.WriteAt(data, offset); err != nil {
		return dfserr.IO(errors.Wrapf(err, "writing %s", p))
	}
	return nil
}

// Create - make an empty regular file, along with any missing parent
// directories. Returns false when the path already exists; refuses root.
func (fs *FileSystem) Create(p fspath.Path) (bool, *dfserr.Exception) {
	if p.IsRoot() {
		return false, nil
	}
	localPath := p.LocalFile(fs.root)
	if _, err := os.Stat(localPath); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return false, dfserr.IO(errors.Wrapf(err, "creating parent directories of %s", p))
	}
	file, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, dfserr.IO(errors.Wrapf(err, "creating %s", p))
	}
	file.Close()
	return true, nil
}

// Delete - recursively remove the subtree at p; refuses root
// Returns true iff nothing remains at p afterwards, so deleting an already
// absent path succeeds. This keeps the operation idempotent under retried
// commands.
func (fs *FileSystem) Delete(p fspath.Path) (bool, *dfserr.Exception) {
	if p.IsRoot() {
		return false, nil
	}
	localPath := p.LocalFile(fs.root)
	if _, err := os.Stat(localPath); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, dfserr.IO(errors.Wrapf(err, "stat %s", p))
	}
	if err := os.RemoveAll(localPath); err != nil {
		return false, dfserr.IO(errors.Wrapf(err, "deleting %s", p))
	}
	return true, nil
}

// CopyFrom - replicate a file from a peer storage server
// The peer's client interface is asked for the size, then the contents are
// pulled in CopyChunkSize pieces and written contiguously. On any failure the
// partial local file is removed before the error propagates.
func (fs *FileSystem) CopyFrom(p fspath.Path, sourceAddr string, sourcePort int) *dfserr.Exception {
	size, ex := fs.peerSize(p, sourceAddr, sourcePort)
	if ex != nil {
		return ex
	}

	localPath := p.LocalFile(fs.root)
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return dfserr.IO(errors.Wrapf(err, "creating parent directories of %s", p))
	}
	file, err := os.Create(localPath)
	if err != nil {
		return dfserr.IO(errors.Wrapf(err, "creating %s", p))
	}

	abort := func(ex *dfserr.Exception) *dfserr.Exception {
		file.Close()
		os.Remove(localPath)
		return ex
	}
	for offset := int64(0); offset < size; offset += CopyChunkSize {
		length := CopyChunkSize
		if remaining := size - offset; remaining < CopyChunkSize {
			length = int(remaining)
		}
		chunk, ex := fs.peerRead(p, sourceAddr, sourcePort, offset, length)
		if ex != nil {
			return abort(ex)
		}
		if _, err := file.WriteAt(chunk, offset); err != nil {
			return abort(dfserr.IO(errors.Wrapf(err, "writing %s", p)))
		}
	}
	if err := file.Close(); err != nil {
		os.Remove(localPath)
		return dfserr.IO(errors.Wrapf(err, "closing %s", p))
	}
	return nil
}

func (fs *FileSystem) peerSize(p fspath.Path, addr string, port int) (int64, *dfserr.Exception) {
	var response SizeResponse
	if ex := fs.peerPost(addr, port, "storage_size", SizeRequest{Path: p.String()}, &response); ex != nil {
		return 0, ex
	}
	return response.Size, nil
}

func (fs *FileSystem) peerRead(p fspath.Path, addr string, port int, offset int64, length int) ([]byte, *dfserr.Exception) {
	request := ReadRequest{
		Path:   p.String(),
		Offset: offset,
		Length: length,
	}
	var response ReadResponse
	if ex := fs.peerPost(addr, port, "storage_read", request, &response); ex != nil {
		return nil, ex
	}
	chunk, err := base64.StdEncoding.DecodeString(response.Data)
	if err != nil {
		return nil, dfserr.IO(errors.Wrapf(err, "decoding chunk of %s", p))
	}
	if len(chunk) != length {
		return nil, dfserr.IO(errors.Errorf("peer returned %d bytes of %s, wanted %d", len(chunk), p, length))
	}
	return chunk, nil
}

func (fs *FileSystem) peerPost(addr string, port int, route string, payload any, out any) *dfserr.Exception {
	body, err := json.Marshal(payload)
	if err != nil {
		return dfserr.IO(errors.Wrapf(err, "encoding %s request", route))
	}
	url := fmt.Sprintf("http://%s:%d/%s", addr, port, route)
	resp, err := fs.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return dfserr.IO(errors.Wrapf(err, "posting to %s", url))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var ex dfserr.Exception
		if err := json.NewDecoder(resp.Body).Decode(&ex); err != nil {
			return dfserr.IO(errors.Errorf("%s returned status %d", url, resp.StatusCode))
		}
		return &ex
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dfserr.IO(errors.Wrapf(err, "decoding %s response", route))
	}
	return nil
}

// List - every regular file beneath the root, as filesystem paths
func (fs *FileSystem) List() ([]string, error) {
	var files []string
	err := filepath.Walk(fs.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		files = append(files, "/"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", fs.root)
	}
	return files, nil
}

// DeleteAll - remove the files the naming server pruned at registration
func (fs *FileSystem) DeleteAll(paths []string) error {
	for _, s := range paths {
		p, ex := fspath.Parse(s)
		if ex != nil {
			return errors.Wrapf(ex, "pruned path %q", s)
		}
		if err := os.RemoveAll(p.LocalFile(fs.root)); err != nil {
			return errors.Wrapf(err, "removing %s", p)
		}
	}
	return nil
}

// Prune - remove directories left empty after pruning
func (fs *FileSystem) Prune() error {
	var pruneRecursive func(string) error
	pruneRecursive = func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				if err := pruneRecursive(filepath.Join(dir, entry.Name())); err != nil {
					return err
				}
			}
		}
		// read again, subdirectories may have been pruned
		entries, err = os.ReadDir(dir)
		if err != nil {
			return err
		}
		if len(entries) == 0 && dir != fs.root {
			return os.Remove(dir)
		}
		return nil
	}
	return pruneRecursive(fs.root)
}
