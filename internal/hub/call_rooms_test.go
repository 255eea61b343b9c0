package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomSetJoinLeave(t *testing.T) {
	rooms := newRoomSet()
	rooms.Create("c1")

	require.True(t, rooms.Join("c1", "alice"))
	require.True(t, rooms.Join("c1", "bob"))
	require.True(t, rooms.IsMember("c1", "alice"))
	require.ElementsMatch(t, []string{"alice", "bob"}, rooms.Members("c1"))
	require.Equal(t, []string{"c1"}, rooms.CallsOf("alice"))

	wasMember, last := rooms.Leave("c1", "alice")
	require.True(t, wasMember)
	require.False(t, last)
	require.False(t, rooms.IsMember("c1", "alice"))
	require.Empty(t, rooms.CallsOf("alice"))

	wasMember, last = rooms.Leave("c1", "bob")
	require.True(t, wasMember)
	require.True(t, last)

	// The room is gone; rejoin attempts fail.
	require.False(t, rooms.Join("c1", "carol"))
}

func TestRoomSetLeaveNonMember(t *testing.T) {
	rooms := newRoomSet()
	rooms.Create("c1")
	rooms.Join("c1", "alice")

	wasMember, last := rooms.Leave("c1", "bob")
	require.False(t, wasMember)
	require.False(t, last)

	wasMember, last = rooms.Leave("unknown", "alice")
	require.False(t, wasMember)
	require.False(t, last)
}

func TestRoomSetJoinUnknownRoom(t *testing.T) {
	rooms := newRoomSet()
	require.False(t, rooms.Join("nope", "alice"))
	require.Empty(t, rooms.Members("nope"))
}

func TestRoomSetLastLeaveFiresExactlyOnce(t *testing.T) {
	rooms := newRoomSet()
	rooms.Create("c1")
	members := []string{"a", "b", "c", "d", "e"}
	for _, m := range members {
		rooms.Join("c1", m)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	lasts := 0
	for _, m := range members {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if _, last := rooms.Leave("c1", userID); last {
				mu.Lock()
				lasts++
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()

	require.Equal(t, 1, lasts)
	require.Empty(t, rooms.Members("c1"))
}

func TestRoomSetEvict(t *testing.T) {
	rooms := newRoomSet()
	rooms.Create("c1")
	rooms.Join("c1", "alice")
	rooms.Join("c1", "bob")

	evicted := rooms.Evict("c1")
	require.ElementsMatch(t, []string{"alice", "bob"}, evicted)
	require.Empty(t, rooms.CallsOf("alice"))
	require.Empty(t, rooms.CallsOf("bob"))

	// Second evict is a no-op.
	require.Empty(t, rooms.Evict("c1"))
}

func TestRoomSetReverseIndexTracksMultipleCalls(t *testing.T) {
	rooms := newRoomSet()
	rooms.Create("c1")
	rooms.Create("c2")
	rooms.Join("c1", "alice")
	rooms.Join("c2", "alice")

	require.ElementsMatch(t, []string{"c1", "c2"}, rooms.CallsOf("alice"))

	rooms.Leave("c1", "alice")
	require.Equal(t, []string{"c2"}, rooms.CallsOf("alice"))
}
