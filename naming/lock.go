package naming

import (
	"sync"

	"github.com/stilllearninggo/dfs/dfserr"
	"github.com/stilllearninggo/dfs/fspath"
)

// ReplicaThreshold - every this many shared acquisitions of a path, the
// replication controller is asked to add a replica for it.
const ReplicaThreshold = 20

// lockRequest - one entry in the lock queue
// An entry is appended when a lock is requested and stays in the queue while
// the lock is held; unlock removes it.
type lockRequest struct {
	path      fspath.Path
	exclusive bool
}

// LockManager - hierarchical shared/exclusive locking over path ranges
//
// A single FIFO queue orders every request. A request is admitted once no
// earlier entry conflicts with it, which makes starvation impossible: a
// blocked request only ever waits on strictly earlier entries. The manager
// shares the naming server monitor; waiters suspend on its condition
// variable and re-evaluate admission on every wakeup.
type LockManager struct {
	mu    *sync.Mutex
	cond  *sync.Cond
	queue []*lockRequest
	index *Index
	// invoked (without blocking) when a path's access count crosses a
	// multiple of ReplicaThreshold; may be nil
	replicate func(fspath.Path)
}

func NewLockManager(mu *sync.Mutex, index *Index) *LockManager {
	m := &LockManager{
		mu:    mu,
		index: index,
	}
	m.cond = sync.NewCond(mu)
	return m
}

// conflicts - whether a later request must wait for an earlier one
//
// A writer excludes other writers on its path, its ancestors, and its
// descendants, because subtree delete semantics depend on the entire chain.
// A reader and a writer on nested paths only tolerate each other when the
// writer is strictly below the reader. Readers never conflict with readers,
// and requests on disjoint paths never conflict.
func conflicts(earlier, later *lockRequest) bool {
	switch {
	case !earlier.exclusive && !later.exclusive:
		return false
	case earlier.exclusive && later.exclusive:
		return earlier.path.IsSubpath(later.path) || later.path.IsSubpath(earlier.path)
	case earlier.exclusive:
		// later is a reader: blocked when the writer sits at or above it
		return later.path.IsSubpath(earlier.path)
	default:
		// later is a writer: blocked when it would hit the reader's path
		// or an ancestor the reader is under
		return earlier.path.IsSubpath(later.path)
	}
}

// Lock - enqueue a request and block until it is admitted
// Fails with FileNotFoundException when the target path vanishes (or never
// existed); the queue slot is released before the error surfaces. On every
// admitted shared acquisition the path's access count is bumped and the
// replication trigger fires at each multiple of ReplicaThreshold.
func (m *LockManager) Lock(p fspath.Path, exclusive bool) *dfserr.Exception {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := &lockRequest{path: p, exclusive: exclusive}
	m.queue = append(m.queue, req)
	for {
		if !p.IsRoot() && !m.index.Contains(p) {
			m.remove(req)
			m.cond.Broadcast()
			return dfserr.NotFound("path %s does not exist", p)
		}
		if !m.blocked(req) {
			break
		}
		m.cond.Wait()
	}

	if !exclusive {
		count := m.index.BumpAccess(p)
		if count%ReplicaThreshold == 0 && m.replicate != nil {
			m.replicate(p)
		}
	}
	return nil
}

// Unlock - release the earliest queue entry matching the path and mode
func (m *LockManager) Unlock(p fspath.Path, exclusive bool) *dfserr.Exception {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.queue {
		if req.exclusive == exclusive && req.path.Equal(p) {
			m.remove(req)
			m.cond.Broadcast()
			return nil
		}
	}
	mode := "shared"
	if exclusive {
		mode = "exclusive"
	}
	return dfserr.IllegalArgument("path %s holds no %s lock", p, mode)
}

// blocked - whether any strictly earlier queue entry conflicts with req
func (m *LockManager) blocked(req *lockRequest) bool {
	for _, earlier := range m.queue {
		if earlier == req {
			return false
		}
		if conflicts(earlier, req) {
			return true
		}
	}
	return false
}

func (m *LockManager) remove(req *lockRequest) {
	for i, r := range m.queue {
		if r == req {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}
