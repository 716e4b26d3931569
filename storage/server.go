package storage

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stilllearninggo/dfs/dfserr"
	"github.com/stilllearninggo/dfs/fspath"
)

// registerRetryDelay - pause between registration attempts while the naming
// server is unreachable
const registerRetryDelay = 500 * time.Millisecond

// StorageServer - hosts a subtree of file contents on local disk
// The service interface serves client reads and writes; the command
// interface executes naming-server control operations. A per-server monitor
// serializes filesystem access.
type StorageServer struct {
	addr        string
	clientPort  int
	commandPort int
	namingAddr  string
	service     *gin.Engine
	command     *gin.Engine
	mu          sync.Mutex
	fs          *FileSystem
}

// registerRequest mirrors the naming server's registration payload.
type registerRequest struct {
	StorageIP   string   `json:"storage_ip"`
	ClientPort  int      `json:"client_port"`
	CommandPort int      `json:"command_port"`
	Files       []string `json:"files"`
}

func NewStorageServer(root string, namingAddr string, clientPort int, commandPort int) *StorageServer {
	s := &StorageServer{
		addr:        "127.0.0.1",
		clientPort:  clientPort,
		commandPort: commandPort,
		namingAddr:  namingAddr,
		service:     gin.Default(),
		command:     gin.Default(),
		fs:          NewFileSystem(root),
	}

	// client APIs
	s.service.POST("/storage_size", func(ctx *gin.Context) {
		var request SizeRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.handleSize(request)
		ctx.JSON(statusCode, response)
	})
	s.service.POST("/storage_read", func(ctx *gin.Context) {
		var request ReadRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.handleRead(request)
		ctx.JSON(statusCode, response)
	})
	s.service.POST("/storage_write", func(ctx *gin.Context) {
		var request WriteRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.handleWrite(request)
		ctx.JSON(statusCode, response)
	})

	// command APIs
	s.command.POST("/storage_create", func(ctx *gin.Context) {
		var request CreateRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.handleCreate(request)
		ctx.JSON(statusCode, response)
	})
	s.command.POST("/storage_delete", func(ctx *gin.Context) {
		var request DeleteRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.handleDelete(request)
		ctx.JSON(statusCode, response)
	})
	s.command.POST("/storage_copy", func(ctx *gin.Context) {
		var request CopyRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.handleCopy(request)
		ctx.JSON(statusCode, response)
	})
	return s
}

// Run - register with the naming server, then serve both interfaces
func (s *StorageServer) Run() error {
	for {
		err := s.register()
		if err == nil {
			break
		}
		var ex *dfserr.Exception
		if errors.As(err, &ex) {
			// the naming server rejected us outright
			return err
		}
		log.WithField("error", err).Warn("registration attempt failed, retrying")
		time.Sleep(registerRetryDelay)
	}
	log.Info("registered with naming server")

	g := new(errgroup.Group)
	g.Go(func() error {
		log.WithField("port", s.clientPort).Info("storage client interface listening")
		return s.service.Run(fmt.Sprintf("localhost:%d", s.clientPort))
	})
	g.Go(func() error {
		log.WithField("port", s.commandPort).Info("storage command interface listening")
		return s.command.Run(fmt.Sprintf("localhost:%d", s.commandPort))
	})
	return g.Wait()
}

// register - advertise local files and delete whatever the naming server
// pruned, sweeping directories the pruning left empty
func (s *StorageServer) register() error {
	files, err := s.fs.List()
	if err != nil {
		return err
	}
	if files == nil {
		files = make([]string, 0)
	}

	payload, err := json.Marshal(registerRequest{
		StorageIP:   s.addr,
		ClientPort:  s.clientPort,
		CommandPort: s.commandPort,
		Files:       files,
	})
	if err != nil {
		return errors.Wrap(err, "encoding registration request")
	}
	url := fmt.Sprintf("http://%s/register", s.namingAddr)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "posting registration to %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var ex dfserr.Exception
		if err := json.NewDecoder(resp.Body).Decode(&ex); err != nil {
			return errors.Errorf("registration returned status %d", resp.StatusCode)
		}
		return &ex
	}
	var response RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return errors.Wrap(err, "decoding registration response")
	}

	if len(response.Files) > 0 {
		log.WithField("files", response.Files).Info("pruning files owned by peers")
		if err := s.fs.DeleteAll(response.Files); err != nil {
			return err
		}
		if err := s.fs.Prune(); err != nil {
			return errors.Wrap(err, "pruning empty directories")
		}
	}
	return nil
}

// status - map an exception to its HTTP status code
func status(ex *dfserr.Exception) int {
	switch ex.Type {
	case dfserr.FileNotFoundException:
		return http.StatusNotFound
	case dfserr.IndexOutOfBoundsException:
		return http.StatusBadRequest
	case dfserr.IOException:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (s *StorageServer) handleSize(request SizeRequest) (int, any) {
	p, ex := fspath.Parse(request.Path)
	if ex != nil {
		return status(ex), ex
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	size, ex := s.fs.Size(p)
	if ex != nil {
		return status(ex), ex
	}
	return http.StatusOK, SizeResponse{size}
}

func (s *StorageServer) handleRead(request ReadRequest) (int, any) {
	p, ex := fspath.Parse(request.Path)
	if ex != nil {
		return status(ex), ex
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ex := s.fs.Read(p, request.Offset, request.Length)
	if ex != nil {
		return status(ex), ex
	}
	return http.StatusOK, ReadResponse{base64.StdEncoding.EncodeToString(data)}
}

func (s *StorageServer) handleWrite(request WriteRequest) (int, any) {
	p, ex := fspath.Parse(request.Path)
	if ex != nil {
		return status(ex), ex
	}
	data, err := base64.StdEncoding.DecodeString(request.Data)
	if err != nil {
		ex := dfserr.IO(errors.Wrap(err, "decoding write payload"))
		return status(ex), ex
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex := s.fs.Write(p, request.Offset, data); ex != nil {
		return status(ex), ex
	}
	return http.StatusOK, SuccessResponse{true}
}

func (s *StorageServer) handleCreate(request CreateRequest) (int, any) {
	p, ex := fspath.Parse(request.Path)
	if ex != nil {
		return status(ex), ex
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created, ex := s.fs.Create(p)
	if ex != nil {
		return status(ex), ex
	}
	return http.StatusOK, SuccessResponse{created}
}

func (s *StorageServer) handleDelete(request DeleteRequest) (int, any) {
	p, ex := fspath.Parse(request.Path)
	if ex != nil {
		return status(ex), ex
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted, ex := s.fs.Delete(p)
	if ex != nil {
		return status(ex), ex
	}
	return http.StatusOK, SuccessResponse{deleted}
}

func (s *StorageServer) handleCopy(request CopyRequest) (int, any) {
	p, ex := fspath.Parse(request.Path)
	if ex != nil {
		return status(ex), ex
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex := s.fs.CopyFrom(p, request.SourceAddr, request.SourcePort); ex != nil {
		return status(ex), ex
	}
	return http.StatusOK, SuccessResponse{true}
}
