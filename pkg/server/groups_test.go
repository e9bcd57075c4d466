package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinCreatesGroup(t *testing.T) {
	groups := NewGroupRegistry()
	alice := stubSession("alice")

	assert.False(t, groups.Join("general", alice))
	assert.True(t, groups.Contains("general", "alice"))
	assert.Equal(t, 1, groups.GroupCount())
	assert.Equal(t, []string{"general"}, groups.GroupsOf("alice"))
}

func TestJoinTwiceIsNoOp(t *testing.T) {
	groups := NewGroupRegistry()
	alice := stubSession("alice")

	assert.False(t, groups.Join("general", alice))
	assert.True(t, groups.Join("general", alice))
	assert.Len(t, groups.Members("general"), 1)
}

func TestLeaveRemovesEmptyGroup(t *testing.T) {
	groups := NewGroupRegistry()
	alice := stubSession("alice")
	bob := stubSession("bob")

	groups.Join("general", alice)
	groups.Join("general", bob)

	assert.True(t, groups.Leave("general", alice))
	assert.False(t, groups.Contains("general", "alice"))
	assert.Equal(t, 1, groups.GroupCount())

	assert.True(t, groups.Leave("general", bob))
	assert.Equal(t, 0, groups.GroupCount(), "last member leaving dissolves the group")
}

func TestLeaveWithoutMembership(t *testing.T) {
	groups := NewGroupRegistry()
	alice := stubSession("alice")
	groups.Join("general", alice)

	assert.False(t, groups.Leave("general", stubSession("bob")))
	assert.False(t, groups.Leave("nowhere", alice))
}

func TestLeaveIgnoresStaleSession(t *testing.T) {
	groups := NewGroupRegistry()
	old := stubSession("alice")
	groups.Join("g", old)
	groups.Join("h", old)

	// A reconnect takes over the identity and inherits the memberships.
	replacement := stubSession("alice")
	groups.Rebind("alice", replacement)

	// The old connection's disconnect now tries to withdraw. Its leaves
	// must not strip what the replacement owns.
	assert.False(t, groups.Leave("g", old))
	assert.Nil(t, groups.LeaveAll(old))

	for _, group := range []string{"g", "h"} {
		members := groups.Members(group)
		require.Len(t, members, 1, "replacement lost membership of %q", group)
		assert.Same(t, replacement, members[0])
	}

	// The replacement itself can still leave normally.
	assert.True(t, groups.Leave("g", replacement))
	assert.False(t, groups.Contains("g", "alice"))
}

func TestLeaveAll(t *testing.T) {
	groups := NewGroupRegistry()
	alice := stubSession("alice")
	bob := stubSession("bob")

	groups.Join("general", alice)
	groups.Join("random", alice)
	groups.Join("general", bob)

	left := groups.LeaveAll(alice)
	assert.Equal(t, []string{"general", "random"}, left)
	assert.Empty(t, groups.GroupsOf("alice"))
	assert.True(t, groups.Contains("general", "bob"), "other members unaffected")
	assert.Nil(t, groups.LeaveAll(alice), "second call finds nothing")
}

func TestRosterSorted(t *testing.T) {
	groups := NewGroupRegistry()
	for _, id := range []string{"carol", "alice", "bob"} {
		groups.Join("general", stubSession(id))
	}

	roster := groups.Roster("general")
	require.Len(t, roster, 3)
	assert.Equal(t, "alice", roster[0].ID)
	assert.Equal(t, "bob", roster[1].ID)
	assert.Equal(t, "carol", roster[2].ID)
}

func TestRosterUnknownGroup(t *testing.T) {
	groups := NewGroupRegistry()
	assert.Empty(t, groups.Roster("nowhere"))
	assert.Empty(t, groups.Members("nowhere"))
}

func TestRebindRepointsDelivery(t *testing.T) {
	groups := NewGroupRegistry()
	old := stubSession("alice")
	groups.Join("general", old)
	groups.Join("random", old)

	replacement := stubSession("alice")
	groups.Rebind("alice", replacement)

	for _, group := range []string{"general", "random"} {
		members := groups.Members(group)
		require.Len(t, members, 1)
		assert.Same(t, replacement, members[0])
	}
	// The reverse index is untouched; membership itself never moved.
	assert.ElementsMatch(t, []string{"general", "random"}, groups.GroupsOf("alice"))
}

func TestGroupRegistryConcurrentChurn(t *testing.T) {
	groups := NewGroupRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("user-%d", i)
		sess := stubSession(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				group := fmt.Sprintf("group-%d", n%5)
				groups.Join(group, sess)
				groups.Roster(group)
				if n%3 == 0 {
					groups.Leave(group, sess)
				}
			}
			groups.LeaveAll(sess)
		}()
	}
	wg.Wait()

	// Everyone left everything; both directions must agree on empty.
	assert.Equal(t, 0, groups.GroupCount())
	for i := 0; i < 8; i++ {
		assert.Empty(t, groups.GroupsOf(fmt.Sprintf("user-%d", i)))
	}
}
