package database

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/groupchat/pkg/protocol"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func groupMsg(from, group, content string, at time.Time) *protocol.Envelope {
	return &protocol.Envelope{
		From:            from,
		FromDisplayName: from,
		To:              group,
		Content:         content,
		Type:            protocol.TypeGroupMessage,
		CreatedAt:       at,
	}
}

func privateMsg(from, to, content string, at time.Time) *protocol.Envelope {
	return &protocol.Envelope{
		From:            from,
		FromDisplayName: from,
		To:              to,
		Content:         content,
		Type:            protocol.TypePrivateMessage,
		CreatedAt:       at,
	}
}

func TestGroupHistoryPaging(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 10; i++ {
		db.AppendMessage(groupMsg("alice", "general", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
	}

	page0, err := db.GroupMessagePage("general", 0)
	require.NoError(t, err)
	require.Len(t, page0, 10)
	assert.Equal(t, "m10", page0[0].Content, "newest message comes first")
	assert.Equal(t, "m1", page0[9].Content)

	page1, err := db.GroupMessagePage("general", 1)
	require.NoError(t, err)
	assert.Empty(t, page1, "page past the end is empty")
}

func TestGroupHistoryNewestFirstWithinSameMillisecond(t *testing.T) {
	db := openTestDB(t)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		db.AppendMessage(groupMsg("alice", "general", fmt.Sprintf("m%d", i), at))
	}

	page, err := db.GroupMessagePage("general", 0)
	require.NoError(t, err)
	require.Len(t, page, 5)
	// Equal timestamps fall back to insertion order, newest first.
	assert.Equal(t, "m5", page[0].Content)
	assert.Equal(t, "m1", page[4].Content)
}

func TestGroupHistoryIsolatedPerGroup(t *testing.T) {
	db := openTestDB(t)

	at := time.Now()
	db.AppendMessage(groupMsg("alice", "general", "hello general", at))
	db.AppendMessage(groupMsg("alice", "random", "hello random", at))
	db.AppendMessage(privateMsg("alice", "general", "dm to a user named general", at))

	page, err := db.GroupMessagePage("general", 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "hello general", page[0].Content)
}

func TestGroupHistoryUnknownGroup(t *testing.T) {
	db := openTestDB(t)

	page, err := db.GroupMessagePage("nowhere", 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestPrivateHistoryBothDirections(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db.AppendMessage(privateMsg("alice", "bob", "hi bob", base))
	db.AppendMessage(privateMsg("bob", "alice", "hi alice", base.Add(time.Second)))
	db.AppendMessage(privateMsg("alice", "carol", "hi carol", base.Add(2*time.Second)))

	page, err := db.PrivateMessagePage("alice", "bob", 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "hi alice", page[0].Content)
	assert.Equal(t, "hi bob", page[1].Content)

	// The same conversation from bob's side.
	fromBob, err := db.PrivateMessagePage("bob", "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, page, fromBob)
}

func TestPrivateHistoryOfflineRecipient(t *testing.T) {
	db := openTestDB(t)

	// Nothing requires "bob" to have ever connected.
	db.AppendMessage(privateMsg("alice", "bob", "are you there?", time.Now()))

	page, err := db.PrivateMessagePage("bob", "alice", 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "are you there?", page[0].Content)
}

func TestWriteBufferBatches(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 50; i++ {
		db.AppendMessage(groupMsg("alice", "general", fmt.Sprintf("m%d", i), time.Now()))
	}
	assert.Positive(t, db.WriteBuffer.Pending())

	count, err := db.MessageCount()
	require.NoError(t, err)
	assert.EqualValues(t, 50, count)
	assert.Zero(t, db.WriteBuffer.Pending())
}

func TestRoundTripPreservesFields(t *testing.T) {
	db := openTestDB(t)

	at := time.Date(2024, 3, 1, 12, 0, 0, 123000000, time.UTC)
	db.AppendMessage(&protocol.Envelope{
		From:            "alice",
		FromDisplayName: "Alice Liddell",
		To:              "general",
		Content:         "through the looking glass",
		Type:            protocol.TypeGroupMessage,
		CreatedAt:       at,
	})

	page, err := db.GroupMessagePage("general", 0)
	require.NoError(t, err)
	require.Len(t, page, 1)

	got := page[0]
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "Alice Liddell", got.FromDisplayName)
	assert.Equal(t, "general", got.To)
	assert.Equal(t, "through the looking glass", got.Content)
	assert.Equal(t, protocol.TypeGroupMessage, got.Type)
	assert.Equal(t, at, got.CreatedAt, "timestamps survive at millisecond precision")
}
