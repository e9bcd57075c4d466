package server

import (
	"sort"
	"sync"

	"github.com/aeolun/groupchat/pkg/protocol"
)

// GroupRegistry tracks which identities belong to which groups. Membership
// follows the identity, not the connection: when a newer connection takes
// over an identity, Rebind repoints every membership at the new session and
// the groups themselves never notice.
//
// Both directions are kept under one lock so the forward map (group to
// members) and the reverse index (identity to groups) can never disagree.
type GroupRegistry struct {
	mu sync.RWMutex

	// group name -> identity id -> delivering session
	groups map[string]map[string]*Session
	// identity id -> set of group names
	byIdentity map[string]map[string]bool
}

// NewGroupRegistry creates an empty registry.
func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{
		groups:     make(map[string]map[string]*Session),
		byIdentity: make(map[string]map[string]bool),
	}
}

// Join adds the session's identity to a group, creating the group on first
// join. Joining a group twice is a no-op; the return value reports whether
// the identity was already a member.
func (g *GroupRegistry) Join(group string, sess *Session) (already bool) {
	id := sess.Identity.ID

	g.mu.Lock()
	defer g.mu.Unlock()

	members, ok := g.groups[group]
	if !ok {
		members = make(map[string]*Session)
		g.groups[group] = members
	}
	if _, already = members[id]; already {
		// Refresh the session pointer anyway; a stale one delivers nothing.
		members[id] = sess
		return true
	}
	members[id] = sess

	joined, ok := g.byIdentity[id]
	if !ok {
		joined = make(map[string]bool)
		g.byIdentity[id] = joined
	}
	joined[group] = true
	return false
}

// Leave removes the session's identity from a group, deleting the group when
// its last member leaves. Returns false if the identity was not a member.
//
// The removal is guarded by the session pointer, like Unbind: when a newer
// connection has already taken over the identity (Rebind repointed the
// membership at it), the old session's leave must not strip the membership
// its replacement now owns.
func (g *GroupRegistry) Leave(group string, sess *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaveLocked(group, sess)
}

func (g *GroupRegistry) leaveLocked(group string, sess *Session) bool {
	identityID := sess.Identity.ID
	members, ok := g.groups[group]
	if !ok {
		return false
	}
	if members[identityID] != sess {
		return false
	}
	delete(members, identityID)
	if len(members) == 0 {
		delete(g.groups, group)
	}

	if joined, ok := g.byIdentity[identityID]; ok {
		delete(joined, group)
		if len(joined) == 0 {
			delete(g.byIdentity, identityID)
		}
	}
	return true
}

// LeaveAll removes the session from every group where it still holds the
// membership and returns the group names it left, sorted for deterministic
// logs. Memberships already repointed at a replacement session stay put.
func (g *GroupRegistry) LeaveAll(sess *Session) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	joined, ok := g.byIdentity[sess.Identity.ID]
	if !ok {
		return nil
	}
	candidates := make([]string, 0, len(joined))
	for group := range joined {
		candidates = append(candidates, group)
	}
	sort.Strings(candidates)

	left := candidates[:0]
	for _, group := range candidates {
		if g.leaveLocked(group, sess) {
			left = append(left, group)
		}
	}
	if len(left) == 0 {
		return nil
	}
	return left
}

// Rebind repoints every membership of an identity at a new session. Called
// during eviction, so the replacement connection inherits the old one's
// groups without any join/leave traffic.
func (g *GroupRegistry) Rebind(identityID string, sess *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for group := range g.byIdentity[identityID] {
		if members, ok := g.groups[group]; ok {
			members[identityID] = sess
		}
	}
}

// Contains reports whether an identity is a member of a group.
func (g *GroupRegistry) Contains(group, identityID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members, ok := g.groups[group]
	if !ok {
		return false
	}
	_, ok = members[identityID]
	return ok
}

// Members returns a snapshot of the sessions to deliver to for a group.
// Safe to iterate without the lock held.
func (g *GroupRegistry) Members(group string) []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()

	members := g.groups[group]
	out := make([]*Session, 0, len(members))
	for _, sess := range members {
		out = append(out, sess)
	}
	return out
}

// Roster returns the identities in a group, sorted by id. An unknown group
// yields an empty roster, not an error.
func (g *GroupRegistry) Roster(group string) []protocol.Identity {
	g.mu.RLock()
	defer g.mu.RUnlock()

	members := g.groups[group]
	out := make([]protocol.Identity, 0, len(members))
	for _, sess := range members {
		out = append(out, sess.Identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroupsOf returns the sorted group names an identity belongs to.
func (g *GroupRegistry) GroupsOf(identityID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	joined := g.byIdentity[identityID]
	out := make([]string, 0, len(joined))
	for group := range joined {
		out = append(out, group)
	}
	sort.Strings(out)
	return out
}

// GroupCount reports how many groups currently have at least one member.
func (g *GroupRegistry) GroupCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups)
}
