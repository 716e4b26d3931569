package naming

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stilllearninggo/dfs/dfserr"
	"github.com/stilllearninggo/dfs/fspath"
)

// NamingServer - the metadata server of the filesystem
// It serves clients on the service interface and storage servers on the
// registration interface. The index and the lock queue are guarded by a
// single monitor; outbound storage commands are always issued with the
// monitor dropped.
type NamingServer struct {
	servicePort      int
	registrationPort int
	service          *gin.Engine
	registration     *gin.Engine

	mu         sync.Mutex
	index      *Index
	locks      *LockManager
	replicator *Replicator
	commands   *commandClient
}

func NewNamingServer(servicePort int, registrationPort int) *NamingServer {
	s := &NamingServer{
		servicePort:      servicePort,
		registrationPort: registrationPort,
		service:          gin.Default(),
		registration:     gin.Default(),
		index:            NewIndex(),
		commands:         newCommandClient(),
	}
	s.locks = NewLockManager(&s.mu, s.index)
	s.replicator = newReplicator(&s.mu, s.index, s.locks, s.commands)
	s.locks.replicate = s.replicator.Submit

	// client APIs
	s.service.POST("/lock", func(ctx *gin.Context) {
		var request LockRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.lockHandler(request)
		ctx.JSON(statusCode, response)
	})
	s.service.POST("/unlock", func(ctx *gin.Context) {
		var request LockRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.unlockHandler(request)
		ctx.JSON(statusCode, response)
	})
	s.service.POST("/is_directory", func(ctx *gin.Context) {
		var request PathRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.isDirectoryHandler(request)
		ctx.JSON(statusCode, response)
	})
	s.service.POST("/list", func(ctx *gin.Context) {
		var request PathRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.listHandler(request)
		ctx.JSON(statusCode, response)
	})
	s.service.POST("/create_file", func(ctx *gin.Context) {
		var request PathRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.createFileHandler(request)
		ctx.JSON(statusCode, response)
	})
	s.service.POST("/create_directory", func(ctx *gin.Context) {
		var request PathRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.createDirectoryHandler(request)
		ctx.JSON(statusCode, response)
	})
	s.service.POST("/delete", func(ctx *gin.Context) {
		var request PathRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.deleteHandler(request)
		ctx.JSON(statusCode, response)
	})
	s.service.POST("/get_storage", func(ctx *gin.Context) {
		var request PathRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.getStorageHandler(request)
		ctx.JSON(statusCode, response)
	})
	s.service.POST("/is_valid_path", func(ctx *gin.Context) {
		var request PathRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.isValidPathHandler(request)
		ctx.JSON(statusCode, response)
	})

	// registration API
	s.registration.POST("/register", func(ctx *gin.Context) {
		var request RegisterRequest
		if err := ctx.BindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, nil)
			return
		}
		statusCode, response := s.registerHandler(request)
		ctx.JSON(statusCode, response)
	})
	return s
}

// Run - serve both interfaces until one of them fails
func (s *NamingServer) Run() error {
	g := new(errgroup.Group)
	g.Go(func() error {
		log.WithField("port", s.servicePort).Info("naming service interface listening")
		return s.service.Run(fmt.Sprintf("localhost:%d", s.servicePort))
	})
	g.Go(func() error {
		log.WithField("port", s.registrationPort).Info("naming registration interface listening")
		return s.registration.Run(fmt.Sprintf("localhost:%d", s.registrationPort))
	})
	return g.Wait()
}

// Close - stop the replication worker
func (s *NamingServer) Close() {
	s.replicator.Stop()
}

// status - map an exception to its HTTP status code
func status(ex *dfserr.Exception) int {
	switch ex.Type {
	case dfserr.FileNotFoundException:
		return http.StatusNotFound
	case dfserr.IllegalStateException:
		return http.StatusConflict
	case dfserr.IOException:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// handlers for client APIs

func (s *NamingServer) lockHandler(body LockRequest) (int, any) {
	p, ex := fspath.Parse(body.Path)
	if ex != nil {
		return status(ex), ex
	}
	if ex := s.locks.Lock(p, body.Exclusive); ex != nil {
		return status(ex), ex
	}
	return http.StatusOK, nil
}

func (s *NamingServer) unlockHandler(body LockRequest) (int, any) {
	p, ex := fspath.Parse(body.Path)
	if ex != nil {
		return status(ex), ex
	}
	if ex := s.locks.Unlock(p, body.Exclusive); ex != nil {
		return status(ex), ex
	}
	return http.StatusOK, nil
}

func (s *NamingServer) isDirectoryHandler(body PathRequest) (int, any) {
	p, ex := fspath.Parse(body.Path)
	if ex != nil {
		return status(ex), ex
	}
	if ex := s.locks.Lock(p, false); ex != nil {
		return status(ex), ex
	}
	s.mu.Lock()
	isDir, ex := s.index.IsDirectory(p)
	s.mu.Unlock()
	if unlockEx := s.locks.Unlock(p, false); unlockEx != nil {
		log.WithField("path", p.String()).Error(unlockEx.Error())
	}
	if ex != nil {
		return status(ex), ex
	}
	return http.StatusOK, SuccessResponse{isDir}
}

func (s *NamingServer) listHandler(body PathRequest) (int, any) {
	p, ex := fspath.Parse(body.Path)
	if ex != nil {
		return status(ex), ex
	}
	s.mu.Lock()
	files, ex := s.index.List(p)
	s.mu.Unlock()
	if ex != nil {
		return status(ex), ex
	}
	return http.StatusOK, ListFilesResponse{files}
}

func (s *NamingServer) createFileHandler(body PathRequest) (int, any) {
	p, ex := fspath.Parse(body.Path)
	if ex != nil {
		return status(ex), ex
	}
	if p.IsRoot() {
		return http.StatusOK, SuccessResponse{false}
	}

	s.mu.Lock()
	if s.index.Contains(p) {
		s.mu.Unlock()
		return http.StatusOK, SuccessResponse{false}
	}
	parent := p.Parent()
	isDir, ex := s.index.IsDirectory(parent)
	if ex != nil {
		s.mu.Unlock()
		return status(ex), ex
	}
	if !isDir {
		s.mu.Unlock()
		ex := dfserr.NotFound("parent %s is not a directory", parent)
		return status(ex), ex
	}
	storage := s.index.AncestorStorage(parent)
	command := s.index.AncestorCommand(parent)
	if storage == nil || command == nil {
		s.mu.Unlock()
		ex := dfserr.IllegalState("no storage servers are registered with the naming server")
		return status(ex), ex
	}
	s.mu.Unlock()

	ok, ex := s.commands.Create(command, p)
	if ex != nil {
		return status(ex), ex
	}
	if ok {
		s.mu.Lock()
		s.index.Put(p, storage)
		s.mu.Unlock()
	}
	return http.StatusOK, SuccessResponse{ok}
}

func (s *NamingServer) createDirectoryHandler(body PathRequest) (int, any) {
	p, ex := fspath.Parse(body.Path)
	if ex != nil {
		return status(ex), ex
	}
	if p.IsRoot() {
		return http.StatusOK, SuccessResponse{false}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index.Contains(p) {
		return http.StatusOK, SuccessResponse{false}
	}
	parent := p.Parent()
	isDir, ex := s.index.IsDirectory(parent)
	if ex != nil {
		return status(ex), ex
	}
	if !isDir {
		ex := dfserr.NotFound("parent %s is not a directory", parent)
		return status(ex), ex
	}
	// the new directory borrows the nearest ancestor's endpoints; no storage
	// server is contacted, real on-disk directories appear lazily when files
	// are created beneath it
	if server := s.index.AncestorStorage(parent); server != nil {
		s.index.Put(p, server)
	}
	s.index.MarkDirectory(p)
	return http.StatusOK, SuccessResponse{true}
}

func (s *NamingServer) deleteHandler(body PathRequest) (int, any) {
	p, ex := fspath.Parse(body.Path)
	if ex != nil {
		return status(ex), ex
	}
	if p.IsRoot() {
		return http.StatusOK, SuccessResponse{false}
	}

	s.mu.Lock()
	if !s.index.Contains(p) {
		s.mu.Unlock()
		ex := dfserr.NotFound("path %s does not exist", p)
		return status(ex), ex
	}
	targets := s.index.SubtreeCommands(p)
	s.mu.Unlock()

	ok := true
	for _, target := range targets {
		success, ex := s.commands.Delete(target, p)
		if ex != nil {
			return status(ex), ex
		}
		ok = ok && success
	}
	if ok {
		s.mu.Lock()
		s.index.Remove(p)
		s.mu.Unlock()
	}
	return http.StatusOK, SuccessResponse{ok}
}

func (s *NamingServer) getStorageHandler(body PathRequest) (int, any) {
	p, ex := fspath.Parse(body.Path)
	if ex != nil {
		return status(ex), ex
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.index.Contains(p) {
		ex := dfserr.NotFound("path %s does not exist", p)
		return status(ex), ex
	}
	isDir, ex := s.index.IsDirectory(p)
	if ex != nil {
		return status(ex), ex
	}
	if isDir {
		ex := dfserr.NotFound("path %s is a directory", p)
		return status(ex), ex
	}
	server := s.index.DefaultStorage(p)
	if server == nil {
		ex := dfserr.NotFound("no storage server holds %s", p)
		return status(ex), ex
	}
	return http.StatusOK, StorageInfoResponse{server.Addr, server.ClientPort}
}

func (s *NamingServer) isValidPathHandler(body PathRequest) (int, any) {
	p, ex := fspath.Parse(body.Path)
	if ex != nil {
		return http.StatusOK, SuccessResponse{false}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return http.StatusOK, SuccessResponse{s.index.Contains(p)}
}

// handler for the registration API

func (s *NamingServer) registerHandler(body RegisterRequest) (int, any) {
	files := make([]fspath.Path, 0, len(body.Files))
	for _, f := range body.Files {
		p, ex := fspath.Parse(f)
		if ex != nil {
			return status(ex), ex
		}
		files = append(files, p)
	}
	server := &StorageServerInfo{
		Addr:        body.StorageIP,
		ClientPort:  body.ClientPort,
		CommandPort: body.CommandPort,
	}

	s.mu.Lock()
	pruned, ex := s.index.Register(server, files)
	s.mu.Unlock()
	if ex != nil {
		return status(ex), ex
	}
	log.WithFields(log.Fields{
		"storage": fmt.Sprintf("%s:%d", server.Addr, server.ClientPort),
		"files":   len(files),
		"pruned":  len(pruned),
	}).Info("storage server registered")
	return http.StatusOK, RegisterResponse{pruned}
}
