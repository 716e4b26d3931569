package naming

import (
	"sort"

	"github.com/stilllearninggo/dfs/dfserr"
	"github.com/stilllearninggo/dfs/fspath"
)

// StorageServerInfo - a registered storage server
// The client port serves reads and writes, the command port serves
// naming-server control operations.
type StorageServerInfo struct {
	Addr        string
	ClientPort  int
	CommandPort int
}

// Index - the naming server's in-memory view of the directory tree
// A path is present when it is a file key, an ancestor of a file key, an
// explicitly created directory, or the root. The index performs no locking of
// its own; every caller holds the naming server monitor.
type Index struct {
	// replica lists per path, insertion-ordered; the first entry is the
	// default replica returned by lookups
	storageMap map[string][]*StorageServerInfo
	commandMap map[string][]*StorageServerInfo
	// directories made by createDirectory, as opposed to directories
	// inferred from a descendant file
	createdDirs map[string]struct{}
	// registration order; doubles as the identity set guarding against
	// double registration
	servers []*StorageServerInfo
	// successful shared lock acquisitions per path since server start
	accessCount map[string]int
}

func NewIndex() *Index {
	return &Index{
		storageMap:  make(map[string][]*StorageServerInfo),
		commandMap:  make(map[string][]*StorageServerInfo),
		createdDirs: make(map[string]struct{}),
		accessCount: make(map[string]int),
	}
}

// mustParse - rebuild a Path from an index key
// Keys are canonical strings produced by Path.String, so parsing cannot fail.
func mustParse(key string) fspath.Path {
	p, ex := fspath.Parse(key)
	if ex != nil {
		panic(ex)
	}
	return p
}

// Contains - whether a path is present in the tree
func (idx *Index) Contains(p fspath.Path) bool {
	if p.IsRoot() {
		return true
	}
	if _, ok := idx.createdDirs[p.String()]; ok {
		return true
	}
	for key := range idx.storageMap {
		if mustParse(key).IsSubpath(p) {
			return true
		}
	}
	return false
}

// IsDirectory - disambiguate a directory from a file
// A present path is a directory when it is the root, was explicitly created
// as a directory, or has a file key strictly beneath it.
func (idx *Index) IsDirectory(p fspath.Path) (bool, *dfserr.Exception) {
	if p.IsRoot() {
		return true, nil
	}
	if _, ok := idx.createdDirs[p.String()]; ok {
		return true, nil
	}
	found := false
	for key := range idx.storageMap {
		k := mustParse(key)
		if !k.IsSubpath(p) {
			continue
		}
		if !k.Equal(p) {
			return true, nil
		}
		found = true
	}
	if !found {
		return false, dfserr.NotFound("path %s does not exist", p)
	}
	return false, nil
}

// List - the direct child names under a directory, deduplicated and sorted
func (idx *Index) List(dir fspath.Path) ([]string, *dfserr.Exception) {
	isDir, ex := idx.IsDirectory(dir)
	if ex != nil {
		return nil, ex
	}
	if !isDir {
		return nil, dfserr.NotFound("path %s is not a directory", dir)
	}
	children := make(map[string]struct{})
	collect := func(key string) {
		k := mustParse(key)
		if !k.IsSubpath(dir) || k.Equal(dir) {
			return
		}
		name, ex := k.DirectChild(dir)
		if ex == nil {
			children[name] = struct{}{}
		}
	}
	for key := range idx.storageMap {
		collect(key)
	}
	for key := range idx.createdDirs {
		collect(key)
	}
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Put - record a new path served by the given endpoints
func (idx *Index) Put(p fspath.Path, server *StorageServerInfo) {
	key := p.String()
	idx.storageMap[key] = append(idx.storageMap[key], server)
	idx.commandMap[key] = append(idx.commandMap[key], server)
}

// AddReplica - append an additional replica to an existing path
func (idx *Index) AddReplica(p fspath.Path, server *StorageServerInfo) {
	idx.Put(p, server)
}

// MarkDirectory - remember that a path was explicitly created as a directory
func (idx *Index) MarkDirectory(p fspath.Path) {
	idx.createdDirs[p.String()] = struct{}{}
}

// Remove - drop a path and every strict descendant from the index
func (idx *Index) Remove(p fspath.Path) {
	drop := func(m map[string][]*StorageServerInfo) {
		for key := range m {
			if mustParse(key).IsSubpath(p) {
				delete(m, key)
			}
		}
	}
	drop(idx.storageMap)
	drop(idx.commandMap)
	for key := range idx.createdDirs {
		if mustParse(key).IsSubpath(p) {
			delete(idx.createdDirs, key)
		}
	}
}

// DefaultStorage - the first registered storage endpoint for an exact key
func (idx *Index) DefaultStorage(p fspath.Path) *StorageServerInfo {
	if servers := idx.storageMap[p.String()]; len(servers) > 0 {
		return servers[0]
	}
	return nil
}

// DefaultCommand - the first registered command endpoint for an exact key
func (idx *Index) DefaultCommand(p fspath.Path) *StorageServerInfo {
	if servers := idx.commandMap[p.String()]; len(servers) > 0 {
		return servers[0]
	}
	return nil
}

// AncestorStorage - the default storage endpoint at the nearest key at or
// above p, falling back to the first registered server
// Returns nil when no storage server is registered at all.
func (idx *Index) AncestorStorage(p fspath.Path) *StorageServerInfo {
	return idx.nearest(p, idx.storageMap)
}

// AncestorCommand - the command-side counterpart of AncestorStorage
func (idx *Index) AncestorCommand(p fspath.Path) *StorageServerInfo {
	return idx.nearest(p, idx.commandMap)
}

func (idx *Index) nearest(p fspath.Path, m map[string][]*StorageServerInfo) *StorageServerInfo {
	for {
		if servers := m[p.String()]; len(servers) > 0 {
			return servers[0]
		}
		if p.IsRoot() {
			break
		}
		p = p.Parent()
	}
	if len(idx.servers) > 0 {
		return idx.servers[0]
	}
	return nil
}

// SubtreeCommands - the distinct command endpoints holding keys at or
// beneath p, in registration order
// Delete instructs each of these so that no replica keeps an orphan copy.
func (idx *Index) SubtreeCommands(p fspath.Path) []*StorageServerInfo {
	seen := make(map[*StorageServerInfo]struct{})
	for key, servers := range idx.commandMap {
		if !mustParse(key).IsSubpath(p) {
			continue
		}
		for _, server := range servers {
			seen[server] = struct{}{}
		}
	}
	out := make([]*StorageServerInfo, 0, len(seen))
	for _, server := range idx.servers {
		if _, ok := seen[server]; ok {
			out = append(out, server)
		}
	}
	return out
}

// Servers - every registered storage server, in registration order
func (idx *Index) Servers() []*StorageServerInfo {
	return idx.servers
}

// Register - reconcile a newly joined storage server's advertised files
// Files that a peer already owns (or that are ancestors of owned files) are
// returned as the pruning list; the caller must delete them locally. Root
// entries are silently skipped. Ancestors of admitted files are not inserted;
// those directories are inferred by containment checks.
func (idx *Index) Register(server *StorageServerInfo, files []fspath.Path) ([]string, *dfserr.Exception) {
	for _, known := range idx.servers {
		if known.Addr != server.Addr {
			continue
		}
		if known.ClientPort == server.ClientPort || known.CommandPort == server.CommandPort {
			return nil, dfserr.IllegalState("storage server %s:%d is already registered", server.Addr, server.ClientPort)
		}
	}
	pruned := make([]string, 0)
	for _, f := range files {
		if f.IsRoot() {
			continue
		}
		if idx.Contains(f) {
			pruned = append(pruned, f.String())
			continue
		}
		idx.Put(f, server)
	}
	idx.servers = append(idx.servers, server)
	return pruned, nil
}

// BumpAccess - count one successful shared lock acquisition on p
func (idx *Index) BumpAccess(p fspath.Path) int {
	key := p.String()
	idx.accessCount[key]++
	return idx.accessCount[key]
}
