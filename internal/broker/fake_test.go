package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeSetGetDel(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	_, err := f.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.Set(ctx, "k", []byte("v"), 0))
	v, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, f.Del(ctx, "k"))
	_, err = f.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFakeSetNXFirstWriterWins(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	ok, err := f.SetNX(ctx, "result", []byte("first"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.SetNX(ctx, "result", []byte("second"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := f.Get(ctx, "result")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v)
}

func TestFakeTTLExpiry(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "k", []byte("v"), 20*time.Millisecond))
	_, err := f.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = f.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := f.SetNX(ctx, "k", []byte("again"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired key should be writable via SetNX")
}

func TestFakeListFIFO(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.LPush(ctx, "q", []byte("j1")))
	require.NoError(t, f.LPush(ctx, "q", []byte("j2")))
	require.NoError(t, f.LPush(ctx, "q", []byte("j3")))

	for _, want := range []string{"j1", "j2", "j3"} {
		v, err := f.BRPop(ctx, time.Second, "q")
		require.NoError(t, err)
		assert.Equal(t, want, string(v))
	}
}

func TestFakeBRPopTimeout(t *testing.T) {
	f := NewFake()
	start := time.Now()
	_, err := f.BRPop(context.Background(), 30*time.Millisecond, "empty")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestFakeBRPopWakesOnPush(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	got := make(chan []byte, 1)
	go func() {
		v, err := f.BRPop(ctx, 5*time.Second, "q")
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, f.LPush(ctx, "q", []byte("item")))

	select {
	case v := <-got:
		assert.Equal(t, "item", string(v))
	case <-time.After(time.Second):
		t.Fatal("BRPop did not wake on push")
	}
}

func TestFakeBRPopCancellation(t *testing.T) {
	f := NewFake()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := f.BRPop(ctx, 0, "q")
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("BRPop did not observe cancellation")
	}
}

func TestFakeHashOps(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	v, err := f.HGet(ctx, "h", "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	all, err := f.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	require.NoError(t, f.HDel(ctx, "h", "a"))
	_, err = f.HGet(ctx, "h", "a")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.HGetAll(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFakeIncrDecr(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	n, err := f.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = f.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = f.Decr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFakeCounterBelowZero(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	n, err := f.Decr(ctx, "slots")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)

	n, err = f.Decr(ctx, "slots")
	require.NoError(t, err)
	assert.Equal(t, int64(-2), n)

	n, err = f.Incr(ctx, "slots")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)
}

func TestFakePubSub(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "events")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.Publish(ctx, "events", []byte("ping")))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "events", msg.Channel)
		assert.Equal(t, "ping", string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	// Publishing to a channel without subscribers is fire-and-forget.
	require.NoError(t, f.Publish(ctx, "void", []byte("dropped")))
}

func TestFakeScanKeys(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.HSet(ctx, JobKey("aaa"), map[string]string{"module": "m"}))
	require.NoError(t, f.HSet(ctx, JobKey("bbb"), map[string]string{"module": "m"}))
	require.NoError(t, f.Set(ctx, MapDataKey(1), []byte("png"), 0))

	keys, err := f.ScanKeys(ctx, JobKeyPattern())
	require.NoError(t, err)
	assert.Equal(t, []string{JobKey("aaa"), JobKey("bbb")}, keys)
}

func TestFakeSetOps(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.SAdd(ctx, "ids", "3", "1", "2"))
	members, err := f.SMembers(ctx, "ids")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, members)

	require.NoError(t, f.SRem(ctx, "ids", "2"))
	members, err = f.SMembers(ctx, "ids")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, members)
}
