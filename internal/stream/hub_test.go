package stream

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case msg := <-client.Send:
		return msg
	case <-time.After(500 * time.Millisecond):
		require.FailNow(t, "timeout waiting for message")
	}
	return nil
}

func expectSilence(t *testing.T, client *Client) {
	t.Helper()
	select {
	case msg := <-client.Send:
		require.FailNowf(t, "unexpected message", "%s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcastReachesRoomMembersOnly(t *testing.T) {
	hub := NewHub(nil, nil)
	member := hub.Register("user-1")
	outsider := hub.Register("user-2")
	defer hub.Unregister(member)
	defer hub.Unregister(outsider)

	require.True(t, hub.Join("transport:100", member.ID))
	hub.Broadcast("transport:100", []byte("hello"))

	assert.Equal(t, "hello", string(receive(t, member)))
	expectSilence(t, outsider)
}

func TestHubRooms(t *testing.T) {
	hub := NewHub(nil, nil)
	a := hub.Register("user-1")
	b := hub.Register("user-2")

	assert.False(t, hub.Join("transport:100", "missing"), "unknown connection must not join")
	hub.Join("transport:100", a.ID)
	hub.Join("transport:100", b.ID)
	hub.Join("custody:200", a.ID)
	assert.Equal(t, 2, hub.RoomSize("transport:100"))
	assert.True(t, hub.InRoom("custody:200", a.ID))

	hub.LeaveRoom("transport:100", b.ID)
	assert.Equal(t, 1, hub.RoomSize("transport:100"))
	assert.False(t, hub.InRoom("transport:100", b.ID))

	left := hub.LeaveAll(a.ID)
	assert.Len(t, left, 2)
	assert.Zero(t, hub.RoomSize("transport:100"))
	assert.Zero(t, hub.RoomSize("custody:200"))
	assert.Nil(t, hub.LeaveAll("missing"))
}

func TestHubSend(t *testing.T) {
	hub := NewHub(nil, nil)
	client := hub.Register("user-1")
	defer hub.Unregister(client)

	require.True(t, hub.Send(client.ID, []byte("direct")))
	assert.Equal(t, "direct", string(receive(t, client)))
	assert.False(t, hub.Send("missing", []byte("x")))

	for i := 0; i < clientBuffer; i++ {
		hub.Send(client.ID, []byte("fill"))
	}
	assert.False(t, hub.Send(client.ID, []byte("overflow")), "expected full buffer to drop")
}

func TestUnregisterClosesAndIsIdempotent(t *testing.T) {
	hub := NewHub(nil, nil)
	client := hub.Register("user-1")
	hub.Join("transport:100", client.ID)

	hub.Unregister(client)
	hub.Unregister(client)

	_, ok := <-client.Send
	assert.False(t, ok, "expected channel closed")
	assert.Zero(t, hub.RoomSize("transport:100"))
	hub.Broadcast("transport:100", []byte("late"))
}

func TestHubHelpers(t *testing.T) {
	ch := redisChannel("custody:200")
	assert.Equal(t, "tracking:custody:200:broadcast", ch)
	assert.Equal(t, "custody:200", roomFromChannel(ch))
	for _, bad := range []string{"bad", "tracking::broadcast", "other:custody:200:broadcast"} {
		assert.Empty(t, roomFromChannel(bad), bad)
	}
}

func TestHubRedisRelay(t *testing.T) {
	s := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: s.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdbA.Close()
	defer rdbB.Close()

	hubA := NewHub(rdbA, nil)
	hubB := NewHub(rdbB, nil)
	defer hubA.Close()
	defer hubB.Close()

	local := hubA.Register("user-1")
	remote := hubB.Register("user-2")
	hubA.Join("transport:100", local.ID)
	hubB.Join("transport:100", remote.ID)

	hubA.Broadcast("transport:100", []byte(`{"type":"location_updated"}`))

	assert.Equal(t, `{"type":"location_updated"}`, string(receive(t, local)))
	assert.Equal(t, `{"type":"location_updated"}`, string(receive(t, remote)))
	expectSilence(t, local)
}

func TestHubRedisPublishError(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	server.Close()
	defer client.Close()

	hub := NewHub(client, nil)
	defer hub.Close()
	node := hub.Register("user-1")
	defer hub.Unregister(node)
	hub.Join("transport:100", node.ID)

	hub.Broadcast("transport:100", []byte("ping"))
	assert.Equal(t, "ping", string(receive(t, node)), "local delivery must not depend on redis")
}
