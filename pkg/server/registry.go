package server

import (
	"hash/fnv"
	"sync"
)

// identityShards spreads bind contention across independent locks. Binds
// for different identities never contend; binds for the same identity
// serialize on one shard mutex, which is what makes eviction atomic.
const identityShards = 32

// IdentityRegistry maps identity ids to their single live session. At most
// one non-kicked session exists per identity: Bind marks any previous
// session as kicked, hands its group memberships to the new session and
// installs the new session, all under the identity's shard lock.
type IdentityRegistry struct {
	shards [identityShards]identityShard
}

type identityShard struct {
	mu    sync.RWMutex
	bound map[string]*Session
}

// NewIdentityRegistry creates an empty registry.
func NewIdentityRegistry() *IdentityRegistry {
	r := &IdentityRegistry{}
	for i := range r.shards {
		r.shards[i].bound = make(map[string]*Session)
	}
	return r
}

func (r *IdentityRegistry) shard(identityID string) *identityShard {
	h := fnv.New32a()
	h.Write([]byte(identityID))
	return &r.shards[h.Sum32()%identityShards]
}

// Bind installs sess as the live session for its identity. If another
// session holds the identity, it is marked kicked and its group
// memberships move to sess before the swap; the evicted session is
// returned so the caller can notify and close it outside the lock.
//
// Two racing binds for the same identity serialize here: the loser is
// returned to the winner as its eviction target, so exactly one session
// remains bound either way.
func (r *IdentityRegistry) Bind(sess *Session, groups *GroupRegistry) (evicted *Session) {
	id := sess.Identity.ID
	shard := r.shard(id)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	prev := shard.bound[id]
	if prev != nil && prev != sess {
		prev.MarkKicked()
		groups.Rebind(id, sess)
		evicted = prev
	}
	shard.bound[id] = sess
	return evicted
}

// Unbind removes the identity's binding, but only if it still points at
// sess. A session evicted by a newer connection must not clobber the
// binding its replacement now owns; its disconnect is a no-op here.
func (r *IdentityRegistry) Unbind(sess *Session) bool {
	id := sess.Identity.ID
	shard := r.shard(id)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if shard.bound[id] != sess {
		return false
	}
	delete(shard.bound, id)
	return true
}

// Lookup returns the live session for an identity, if any.
func (r *IdentityRegistry) Lookup(identityID string) (*Session, bool) {
	shard := r.shard(identityID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	sess, ok := shard.bound[identityID]
	return sess, ok
}

// Count reports how many identities are currently bound.
func (r *IdentityRegistry) Count() int {
	total := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		total += len(r.shards[i].bound)
		r.shards[i].mu.RUnlock()
	}
	return total
}

// Sessions returns a snapshot of all bound sessions.
func (r *IdentityRegistry) Sessions() []*Session {
	out := make([]*Session, 0, 64)
	for i := range r.shards {
		r.shards[i].mu.RLock()
		for _, sess := range r.shards[i].bound {
			out = append(out, sess)
		}
		r.shards[i].mu.RUnlock()
	}
	return out
}
