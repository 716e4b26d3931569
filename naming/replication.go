package naming

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/stilllearninggo/dfs/fspath"
)

const replicationQueueSize = 64

// Replicator - adds replicas for files that are read often
//
// The lock manager submits a path each time its access count crosses a
// multiple of ReplicaThreshold. The worker takes an exclusive lock on the
// path, picks a storage server that does not hold it yet, and asks that
// server to copy the file from the current default replica. When every
// registered server already holds the file the trigger is a no-op.
type Replicator struct {
	mu       *sync.Mutex
	index    *Index
	locks    *LockManager
	commands *commandClient

	work chan fspath.Path
	wg   sync.WaitGroup
}

func newReplicator(mu *sync.Mutex, index *Index, locks *LockManager, commands *commandClient) *Replicator {
	r := &Replicator{
		mu:       mu,
		index:    index,
		locks:    locks,
		commands: commands,
		work:     make(chan fspath.Path, replicationQueueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Submit - hand a path to the worker without blocking
// The caller holds the monitor, so a full queue drops the trigger rather
// than waiting; the next threshold crossing will resubmit.
func (r *Replicator) Submit(p fspath.Path) {
	select {
	case r.work <- p:
	default:
		log.WithField("path", p.String()).Debug("replication queue full, dropping trigger")
	}
}

// Stop - drain the worker; pending submissions are still processed
func (r *Replicator) Stop() {
	close(r.work)
	r.wg.Wait()
}

func (r *Replicator) run() {
	defer r.wg.Done()
	for p := range r.work {
		r.replicate(p)
	}
}

func (r *Replicator) replicate(p fspath.Path) {
	if ex := r.locks.Lock(p, true); ex != nil {
		// the file vanished between trigger and lock
		return
	}
	defer func() {
		if ex := r.locks.Unlock(p, true); ex != nil {
			log.WithField("path", p.String()).Error(ex.Error())
		}
	}()

	r.mu.Lock()
	target, source := r.pick(p)
	r.mu.Unlock()
	if target == nil {
		return
	}

	ok, ex := r.commands.Copy(target, p, source)
	if ex != nil || !ok {
		log.WithFields(log.Fields{
			"path":   p.String(),
			"target": target.Addr,
		}).Warn("replication copy failed")
		return
	}

	r.mu.Lock()
	// re-check: the file may have been deleted while the copy ran
	if r.index.DefaultStorage(p) != nil {
		r.index.AddReplica(p, target)
	}
	r.mu.Unlock()
	log.WithFields(log.Fields{
		"path":   p.String(),
		"target": target.Addr,
	}).Info("added replica")
}

// pick - choose a destination server and the source replica
// Returns a nil target when p is not a file or no candidate server exists.
// Called with the monitor held.
func (r *Replicator) pick(p fspath.Path) (target, source *StorageServerInfo) {
	source = r.index.DefaultStorage(p)
	if source == nil {
		return nil, nil
	}
	if isDir, ex := r.index.IsDirectory(p); ex != nil || isDir {
		return nil, nil
	}
	holders := make(map[*StorageServerInfo]struct{})
	for _, server := range r.index.storageMap[p.String()] {
		holders[server] = struct{}{}
	}
	for _, server := range r.index.Servers() {
		if _, ok := holders[server]; !ok {
			return server, source
		}
	}
	return nil, nil
}
