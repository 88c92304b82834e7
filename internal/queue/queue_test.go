package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements redisClient entirely in memory so these tests never
// need a live Redis server. It only supports the single-caller-at-a-time
// access pattern these tests exercise; it is not a general-purpose mock.
type fakeRedis struct {
	lists map[string][]string
	kv    map[string]string
	pubs  map[string][]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{lists: map[string][]string{}, kv: map[string]string{}, pubs: map[string][]string{}}
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	for _, v := range values {
		f.lists[key] = append(f.lists[key], v.(string))
	}
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeRedis) BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	src := f.lists[source]
	if len(src) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	var v string
	v, f.lists[source] = src[len(src)-1], src[:len(src)-1]
	f.lists[destination] = append([]string{v}, f.lists[destination]...)
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	target := value.(string)
	out := f.lists[key][:0]
	removed := int64(0)
	for _, v := range f.lists[key] {
		if v == target && (count == 0 || removed < count) {
			removed++
			continue
		}
		out = append(out, v)
	}
	f.lists[key] = out
	cmd.SetVal(removed)
	return cmd
}

func (f *fakeRedis) LLen(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeRedis) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(append([]string{}, f.lists[key]...))
	return cmd
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.kv[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	switch v := value.(type) {
	case string:
		f.kv[key] = v
	case []byte:
		f.kv[key] = string(v)
	default:
		panic("fakeRedis.Set: unsupported value type")
	}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := f.kv[k]; ok {
			delete(f.kv, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := f.kv[k]; ok {
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	_, ok := f.kv[key]
	cmd.SetVal(ok)
	return cmd
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	switch v := message.(type) {
	case string:
		f.pubs[channel] = append(f.pubs[channel], v)
	case []byte:
		f.pubs[channel] = append(f.pubs[channel], string(v))
	default:
		panic("fakeRedis.Publish: unsupported message type")
	}
	cmd.SetVal(1)
	return cmd
}

func newTestQueue() (*Queue, *fakeRedis) {
	fr := newFakeRedis()
	return &Queue{rdb: fr, metrics: nil, leaseTTL: defaultLeaseTTL}, fr
}

func TestEnqueueGeneratesIDAndSetsPendingStatus(t *testing.T) {
	q, _ := newTestQueue()
	id, err := q.Enqueue(context.Background(), Job{GroupID: "g1", Query: "what changed?"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	status, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status.Status)
}

func TestClaimMovesJobFromPendingToProcessing(t *testing.T) {
	q, fr := newTestQueue()
	id, err := q.Enqueue(context.Background(), Job{GroupID: "g1", Query: "q"})
	require.NoError(t, err)

	job, err := q.Claim(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, "g1", job.GroupID)

	require.Empty(t, fr.lists[pendingKey])
	require.Equal(t, []string{id}, fr.lists[processingKey])

	status, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, status.Status)
}

func TestClaimReturnsErrNoJobWhenPendingListEmpty(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Claim(context.Background(), time.Millisecond)
	require.ErrorIs(t, err, ErrNoJob)
}

func TestHeartbeatFailsOnceLeaseIsGone(t *testing.T) {
	q, _ := newTestQueue()
	id, err := q.Enqueue(context.Background(), Job{GroupID: "g1", Query: "q"})
	require.NoError(t, err)
	_, err = q.Claim(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Heartbeat(context.Background(), id))

	require.NoError(t, q.Complete(context.Background(), id, Result{AnswerText: "done"}))
	require.Error(t, q.Heartbeat(context.Background(), id))
}

func TestCompleteRemovesFromProcessingAndStoresResult(t *testing.T) {
	q, fr := newTestQueue()
	id, err := q.Enqueue(context.Background(), Job{GroupID: "g1", Query: "q"})
	require.NoError(t, err)
	_, err = q.Claim(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Complete(context.Background(), id, Result{AnswerText: "the answer", RouteUsed: "route_2"}))

	require.Empty(t, fr.lists[processingKey])
	status, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, status.Status)
	require.Equal(t, "the answer", status.Result.AnswerText)
}

func TestFailRecordsErrorKind(t *testing.T) {
	q, _ := newTestQueue()
	id, err := q.Enqueue(context.Background(), Job{GroupID: "g1", Query: "q"})
	require.NoError(t, err)
	_, err = q.Claim(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Fail(context.Background(), id, "index_missing", "vector index not built"))

	status, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status.Status)
	require.Equal(t, "index_missing", status.ErrorKind)
}

func TestReclaimExpiredReturnsJobWithMissingLeaseToPending(t *testing.T) {
	q, fr := newTestQueue()
	id, err := q.Enqueue(context.Background(), Job{GroupID: "g1", Query: "q"})
	require.NoError(t, err)
	_, err = q.Claim(context.Background(), time.Second)
	require.NoError(t, err)

	// Simulate a dead worker: drop the lease key without calling Complete/Fail.
	delete(fr.kv, leaseKey(id))

	n, err := q.ReclaimExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{id}, fr.lists[pendingKey])
	require.Empty(t, fr.lists[processingKey])

	status, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status.Status)
}

func TestReclaimExpiredLeavesLiveLeaseAlone(t *testing.T) {
	q, fr := newTestQueue()
	id, err := q.Enqueue(context.Background(), Job{GroupID: "g1", Query: "q"})
	require.NoError(t, err)
	_, err = q.Claim(context.Background(), time.Second)
	require.NoError(t, err)

	n, err := q.ReclaimExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, []string{id}, fr.lists[processingKey])
}

func TestPublishThoughtAppendsToStatusAndChannel(t *testing.T) {
	q, fr := newTestQueue()
	id, err := q.Enqueue(context.Background(), Job{GroupID: "g1", Query: "q"})
	require.NoError(t, err)

	require.NoError(t, q.PublishThought(context.Background(), id, "resolved 4 seeds"))
	require.NoError(t, q.PublishThought(context.Background(), id, "ppr converged"))

	status, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []string{"resolved 4 seeds", "ppr converged"}, status.Thoughts)
	require.Len(t, fr.pubs[eventsKey(id)], 2)
}
