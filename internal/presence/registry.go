package presence

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"

	"notes_core/internal/domain"
)

// Conn is one live transport session that can receive events.
type Conn interface {
	ID() string
	Send(event string, payload json.RawMessage) error
}

// Registry maps users to the set of their live connections.
//
// Connection sets are sharded by user so that unrelated users never contend
// on the same lock. A second shard set, keyed by connection id, records the
// owner of every connection; holding a connection's index shard serializes
// all registry mutations for that connection. Locks are always taken index
// shard first, then at most one user shard at a time.
type Registry struct {
	users []*userShard
	index []*indexShard
}

type userShard struct {
	mu    sync.RWMutex
	conns map[domain.UserID]map[string]Conn
}

type indexShard struct {
	mu     sync.Mutex
	owners map[string]domain.UserID
}

const DefaultShards = 32

// NewRegistry creates a registry with the given number of shards.
func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{
		users: make([]*userShard, shards),
		index: make([]*indexShard, shards),
	}
	for i := 0; i < shards; i++ {
		r.users[i] = &userShard{conns: make(map[domain.UserID]map[string]Conn)}
		r.index[i] = &indexShard{owners: make(map[string]domain.UserID)}
	}
	return r
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Registry) userShard(user domain.UserID) *userShard {
	return r.users[shardFor(string(user), len(r.users))]
}

func (r *Registry) indexShard(connID string) *indexShard {
	return r.index[shardFor(connID, len(r.index))]
}

// Register files conn under user. It returns true if the connection was not
// already filed under that user. A connection previously filed under a
// different user is moved.
func (r *Registry) Register(user domain.UserID, conn Conn) bool {
	id := conn.ID()
	is := r.indexShard(id)
	is.mu.Lock()
	defer is.mu.Unlock()

	if prev, ok := is.owners[id]; ok {
		if prev == user {
			// Refresh the handle in case the caller holds a newer one.
			r.fileConn(user, conn)
			return false
		}
		r.unfileConn(prev, id)
	}
	is.owners[id] = user
	r.fileConn(user, conn)
	return true
}

// Deregister removes the connection from whichever user it is filed under.
// Unknown connections are ignored.
func (r *Registry) Deregister(connID string) (domain.UserID, bool) {
	is := r.indexShard(connID)
	is.mu.Lock()
	defer is.mu.Unlock()

	user, ok := is.owners[connID]
	if !ok {
		return "", false
	}
	delete(is.owners, connID)
	r.unfileConn(user, connID)
	return user, true
}

func (r *Registry) fileConn(user domain.UserID, conn Conn) {
	us := r.userShard(user)
	us.mu.Lock()
	set, ok := us.conns[user]
	if !ok {
		set = make(map[string]Conn)
		us.conns[user] = set
	}
	set[conn.ID()] = conn
	us.mu.Unlock()
}

func (r *Registry) unfileConn(user domain.UserID, connID string) {
	us := r.userShard(user)
	us.mu.Lock()
	if set, ok := us.conns[user]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(us.conns, user)
		}
	}
	us.mu.Unlock()
}

// Connections returns a snapshot of the user's live connections.
func (r *Registry) Connections(user domain.UserID) []Conn {
	us := r.userShard(user)
	us.mu.RLock()
	defer us.mu.RUnlock()

	set := us.conns[user]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// ConnectionIDs returns the sorted ids of the user's live connections. The
// result is empty, never nil, for offline users.
func (r *Registry) ConnectionIDs(user domain.UserID) []string {
	us := r.userShard(user)
	us.mu.RLock()
	ids := make([]string, 0, len(us.conns[user]))
	for id := range us.conns[user] {
		ids = append(ids, id)
	}
	us.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) IsOnline(user domain.UserID) bool {
	us := r.userShard(user)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.conns[user]) > 0
}

// OnlineUsers returns the number of users with at least one connection.
func (r *Registry) OnlineUsers() int {
	n := 0
	for _, us := range r.users {
		us.mu.RLock()
		n += len(us.conns)
		us.mu.RUnlock()
	}
	return n
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	n := 0
	for _, is := range r.index {
		is.mu.Lock()
		n += len(is.owners)
		is.mu.Unlock()
	}
	return n
}

// LocalChecker answers presence questions from this node's registry only.
type LocalChecker struct {
	Registry *Registry
}

func (c LocalChecker) IsUserOnline(_ context.Context, user domain.UserID) (bool, error) {
	return c.Registry.IsOnline(user), nil
}
