package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRecorderWritesKeyspaceAndStream(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	rec := NewRecorder(client, "objects", "object", "1.0.0")
	seq, err := rec.Upsert(ctx, "1", map[string]any{"id": 1, "name": "Sword", "parent_id": 7})
	require.NoError(t, err)
	assert.Equal(t, Sequence(1), seq)

	assert.Equal(t, "Sword", mr.HGet("object:1", "name"))
	assert.Equal(t, "7", mr.HGet("object:1", "parent_id"))

	seq, err = rec.Delete(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, Sequence(2), seq)
	assert.False(t, mr.Exists("object:1"))

	n, err := client.XLen(ctx, StreamKey("objects")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisPullDecodesEvents(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	rec := NewRecorder(client, "objects", "object", "1.0.0")
	_, err := rec.Upsert(ctx, "1", map[string]any{"id": 1, "name": "Sword"})
	require.NoError(t, err)
	_, err = rec.Upsert(ctx, "1", map[string]any{"name": "Axe"})
	require.NoError(t, err)
	_, err = rec.Delete(ctx, "1")
	require.NoError(t, err)

	src, err := NewRedis(ctx, client, RedisConfig{Name: "objects"})
	require.NoError(t, err)

	events, err := src.Pull(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "object:1", events[0].Key)
	assert.Equal(t, Upsert, events[0].Kind)
	assert.Equal(t, Sequence(1), events[0].Sequence)
	assert.Equal(t, "1.0.0", events[0].Version)
	assert.Equal(t, map[string]any{"id": "1", "name": "Sword"}, events[0].Fields)

	// the stream carries the full record, not only the changed fields
	assert.Equal(t, map[string]any{"id": "1", "name": "Axe"}, events[1].Fields)

	assert.Equal(t, Delete, events[2].Kind)
	assert.Empty(t, events[2].Fields)
}

func TestRedisRestartRedeliversUnacknowledged(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	rec := NewRecorder(client, "objects", "object", "")
	for i := 0; i < 3; i++ {
		_, err := rec.Upsert(ctx, "1", map[string]any{"id": 1, "n": i})
		require.NoError(t, err)
	}

	src, err := NewRedis(ctx, client, RedisConfig{Name: "objects", Consumer: "worker-1"})
	require.NoError(t, err)
	events, err := src.Pull(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 3)

	require.NoError(t, src.Acknowledge(ctx, 2))

	// a new adapter with the same consumer name reads its pending entry again
	restarted, err := NewRedis(ctx, client, RedisConfig{Name: "objects", Consumer: "worker-1"})
	require.NoError(t, err)
	events, err = restarted.Pull(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Sequence(3), events[0].Sequence)

	checkpoint, err := restarted.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, Sequence(2), checkpoint)
}

func TestRedisSkipsEntriesBelowCheckpoint(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	rec := NewRecorder(client, "objects", "object", "")
	for i := 0; i < 2; i++ {
		_, err := rec.Upsert(ctx, "1", map[string]any{"id": 1})
		require.NoError(t, err)
	}

	src, err := NewRedis(ctx, client, RedisConfig{Name: "objects", Consumer: "worker-1"})
	require.NoError(t, err)
	events, err := src.Pull(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// checkpoint persisted but the XACK was lost in a crash
	require.NoError(t, client.Set(ctx, CheckpointKey("objects"), "2", 0).Err())

	restarted, err := NewRedis(ctx, client, RedisConfig{Name: "objects", Consumer: "worker-1"})
	require.NoError(t, err)
	events, err = restarted.Pull(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)

	pending, err := client.XPending(ctx, StreamKey("objects"), DefaultGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisRestartWaitsAfterHistory(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	rec := NewRecorder(client, "objects", "object", "")
	for i := 0; i < 3; i++ {
		_, err := rec.Upsert(ctx, "1", map[string]any{"n": i})
		require.NoError(t, err)
	}
	src, err := NewRedis(ctx, client, RedisConfig{Name: "objects", Consumer: "worker-1"})
	require.NoError(t, err)
	events, err := src.Pull(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// nothing acknowledged, the restarted consumer owns 3 pending entries
	restarted, err := NewRedis(ctx, client, RedisConfig{Name: "objects", Consumer: "worker-1"})
	require.NoError(t, err)
	events, err = restarted.Pull(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// the history is exhausted, so the next pull blocks for new entries
	const timeout = 200 * time.Millisecond
	start := time.Now()
	events, err = restarted.Pull(ctx, 7, timeout)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), timeout*3/4)

	seq, err := rec.Upsert(ctx, "2", map[string]any{"n": 3})
	require.NoError(t, err)
	events, err = restarted.Pull(ctx, 7, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, seq, events[0].Sequence)
}

func TestRedisHistoryPagesPastStaleEntries(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	rec := NewRecorder(client, "objects", "object", "")
	for i := 0; i < 5; i++ {
		_, err := rec.Upsert(ctx, "1", map[string]any{"n": i})
		require.NoError(t, err)
	}
	src, err := NewRedis(ctx, client, RedisConfig{Name: "objects", Consumer: "worker-1"})
	require.NoError(t, err)
	events, err := src.Pull(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.NoError(t, client.Set(ctx, CheckpointKey("objects"), "3", 0).Err())

	// the first history page of two entries is stale, the pull continues with the next one
	restarted, err := NewRedis(ctx, client, RedisConfig{Name: "objects", Consumer: "worker-1"})
	require.NoError(t, err)
	events, err = restarted.Pull(ctx, 2, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Sequence(4), events[0].Sequence)

	events, err = restarted.Pull(ctx, 2, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Sequence(5), events[0].Sequence)
}

func TestRedisDiscardsMalformedEntries(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	var (
		discarded []Event
		causes    []error
		failing   = true
	)
	src, err := NewRedis(ctx, client, RedisConfig{
		Name: "objects",
		Discard: func(_ context.Context, ev Event, err error) error {
			if failing {
				return errors.New("dead letters unavailable")
			}
			discarded = append(discarded, ev)
			causes = append(causes, err)
			return nil
		},
	})
	require.NoError(t, err)

	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey("objects"),
		Values: map[string]any{fieldKey: "object:9", fieldOp: "rename", fieldSeq: "4", "name": "Sword"},
	}).Result()
	require.NoError(t, err)
	rec := NewRecorder(client, "objects", "object", "")
	_, err = client.Set(ctx, SequenceKey("objects"), "4", 0).Result()
	require.NoError(t, err)
	seq, err := rec.Upsert(ctx, "1", map[string]any{"id": 1})
	require.NoError(t, err)

	// the entry stays pending while it cannot be dead-lettered
	_, err = src.Pull(ctx, 10, time.Millisecond)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, Unavailable, aerr.Reason)
	pending, err := client.XPending(ctx, StreamKey("objects"), DefaultGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending.Count)

	failing = false
	events, err := src.Pull(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, seq, events[0].Sequence)

	require.Len(t, discarded, 1)
	assert.Equal(t, id, discarded[0].Key)
	assert.Equal(t, Sequence(4), discarded[0].Sequence)
	assert.Equal(t, "rename", discarded[0].Fields[fieldOp])
	assert.Equal(t, "Sword", discarded[0].Fields["name"])
	assert.ErrorContains(t, causes[0], "rename")

	// only the delivered entry is left pending
	pending, err = client.XPending(ctx, StreamKey("objects"), DefaultGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestRedisAcknowledgeConflict(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	src, err := NewRedis(ctx, client, RedisConfig{Name: "objects"})
	require.NoError(t, err)
	require.NoError(t, src.Acknowledge(ctx, 10))
	require.NoError(t, src.Acknowledge(ctx, 10))

	err = src.Acknowledge(ctx, 5)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestRedisUnavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	src, err := NewRedis(ctx, client, RedisConfig{Name: "objects"})
	require.NoError(t, err)
	mr.Close()

	_, err = src.Pull(ctx, 1, time.Millisecond)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, Unavailable, aerr.Reason)
}

func TestNewRedisRequiresName(t *testing.T) {
	_, client := setupTestRedis(t)
	_, err := NewRedis(context.Background(), client, RedisConfig{})
	assert.Error(t, err)
}
