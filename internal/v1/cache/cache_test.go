package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3almx/realtime/internal/v1/types"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := FromRedis(rdb)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestTailKey(t *testing.T) {
	key := TailKey("room-1", "chan-9")
	assert.Equal(t, "room:room-1:channel:chan-9:messages", key)
}

func TestPushTail_NewestFirst(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.PushTail(ctx, "r1", "c1", []byte("first")))
	require.NoError(t, c.PushTail(ctx, "r1", "c1", []byte("second")))
	require.NoError(t, c.PushTail(ctx, "r1", "c1", []byte("third")))

	tail, err := c.LoadTail(ctx, "r1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"third", "second", "first"}, tail)
}

func TestPushTail_TrimsToLimit(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < TailLimit+25; i++ {
		env := types.Envelope{
			MID:       types.NewMID(),
			UID:       "u1",
			RoomID:    "r1",
			ChannelID: "c1",
			Message:   fmt.Sprintf("msg-%d", i),
		}
		raw, _ := json.Marshal(env)
		require.NoError(t, c.PushTail(ctx, "r1", "c1", raw))
	}

	tail, err := c.LoadTail(ctx, "r1", "c1")
	require.NoError(t, err)
	assert.Len(t, tail, TailLimit)

	// The head of the list must be the most recent push.
	var newest types.Envelope
	require.NoError(t, json.Unmarshal([]byte(tail[0]), &newest))
	assert.Equal(t, fmt.Sprintf("msg-%d", TailLimit+24), newest.Message)
}

func TestLoadTail_MissReturnsEmpty(t *testing.T) {
	c, _ := newTestClient(t)

	tail, err := c.LoadTail(context.Background(), "nope", "nada")
	assert.NoError(t, err)
	assert.Empty(t, tail)
}

func TestWarmTail_OldestFirstInput(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	raws := [][]byte{[]byte("oldest"), []byte("middle"), []byte("newest")}
	require.NoError(t, c.WarmTail(ctx, "r1", "c1", raws))

	tail, err := c.LoadTail(ctx, "r1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"newest", "middle", "oldest"}, tail)
}

func TestStatusHash(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetStatus(ctx, "user-1", "online"))
	require.NoError(t, c.SetStatus(ctx, "user-2", "dnd"))
	require.NoError(t, c.SetStatus(ctx, "user-1", "offline"))

	got, err := c.GetStatus(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "offline", got)

	all, err := c.AllStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user-1": "offline", "user-2": "dnd"}, all)

	// All statuses live in a single hash.
	assert.True(t, mr.Exists("user_status"))
}

func TestGetStatus_UnknownUser(t *testing.T) {
	c, _ := newTestClient(t)

	got, err := c.GetStatus(context.Background(), "never-seen")
	assert.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestNilClient_Degrades(t *testing.T) {
	var c *Client
	ctx := context.Background()

	assert.NoError(t, c.PushTail(ctx, "r", "c", []byte("x")))
	tail, err := c.LoadTail(ctx, "r", "c")
	assert.NoError(t, err)
	assert.Nil(t, tail)
	assert.NoError(t, c.SetStatus(ctx, "u", "online"))
	got, err := c.GetStatus(ctx, "u")
	assert.NoError(t, err)
	assert.Equal(t, "", got)
	assert.NoError(t, c.Ping(ctx))
	assert.NoError(t, c.Close())
}

func TestPing(t *testing.T) {
	c, mr := newTestClient(t)
	assert.NoError(t, c.Ping(context.Background()))

	mr.Close()
	assert.Error(t, c.Ping(context.Background()))
}
