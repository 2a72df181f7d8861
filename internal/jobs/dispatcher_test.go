package jobs

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapsproject/laps/internal/broker"
	"github.com/lapsproject/laps/internal/ecode"
)

func newTestDispatcher(t *testing.T, ttl time.Duration) (*Dispatcher, *broker.Fake) {
	t.Helper()
	b := broker.NewFake()
	return NewDispatcher(b, nil, ttl, 5*time.Second), b
}

func seedModule(t *testing.T, b *broker.Fake, name, version, state string) {
	t.Helper()
	require.NoError(t, b.HSet(context.Background(), broker.ModuleStateKey(name, version), map[string]string{
		"state": state,
	}))
}

func seedMap(t *testing.T, b *broker.Fake, id int64, width, height int) {
	t.Helper()
	require.NoError(t, b.HSet(context.Background(), broker.MapMetaKey(id), map[string]string{
		"width":      strconv.Itoa(width),
		"height":     strconv.Itoa(height),
		"min_height": "0",
		"max_height": "100",
		"resolution": "1",
	}))
}

func validRequest() Request {
	return Request{
		MapID:     1,
		Algorithm: Algorithm{Name: "simple", Version: "1"},
		Start:     Point{X: 0, Y: 0},
		End:       Point{X: 9, Y: 9},
	}
}

func TestSubmitEnqueuesInOrder(t *testing.T) {
	d, b := newTestDispatcher(t, time.Minute)
	ctx := context.Background()
	seedModule(t, b, "simple", "1", "running")
	seedMap(t, b, 1, 100, 100)

	var tokens []string
	for i := 0; i < 3; i++ {
		token, err := d.Submit(ctx, validRequest())
		require.NoError(t, err)
		assert.Len(t, token, tokenLength)
		for _, r := range token {
			assert.True(t, strings.ContainsRune(tokenAlphabet, r), "token %q", token)
		}
		tokens = append(tokens, token)
	}
	assert.NotEqual(t, tokens[0], tokens[1])
	assert.NotEqual(t, tokens[1], tokens[2])

	// Workers pop from the tail, so pickup order matches submit order.
	queue := broker.ModuleQueueKey("simple", "1")
	for _, want := range tokens {
		got, err := b.BRPop(ctx, time.Second, queue)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	fields, err := b.HGetAll(ctx, broker.JobKey(tokens[0]))
	require.NoError(t, err)
	assert.Equal(t, "simple", fields["module"])
	assert.Equal(t, "1", fields["map"])
	assert.JSONEq(t, `{"x":0,"y":0}`, fields["start"])
	assert.JSONEq(t, `{"x":9,"y":9}`, fields["end"])
}

func TestSubmitModuleNotRunning(t *testing.T) {
	d, b := newTestDispatcher(t, time.Minute)
	ctx := context.Background()
	seedMap(t, b, 1, 100, 100)

	_, err := d.Submit(ctx, validRequest())
	assert.Equal(t, ecode.KindModuleUnavailable, ecode.KindOf(err))

	seedModule(t, b, "simple", "1", "crashed")
	_, err = d.Submit(ctx, validRequest())
	assert.Equal(t, ecode.KindModuleUnavailable, ecode.KindOf(err))
	assert.Contains(t, err.Error(), "crashed")
}

func TestSubmitUnknownMap(t *testing.T) {
	d, b := newTestDispatcher(t, time.Minute)
	seedModule(t, b, "simple", "1", "running")

	_, err := d.Submit(context.Background(), validRequest())
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
}

func TestCompleteFirstWriterWins(t *testing.T) {
	d, b := newTestDispatcher(t, time.Minute)
	ctx := context.Background()
	token := submitOne(t, d, b)

	wrote, err := d.Complete(ctx, token, Result{Path: []Point{{X: 1, Y: 2}}})
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = d.Complete(ctx, token, Result{Failed: "late", Kind: "module_error"})
	require.NoError(t, err)
	assert.False(t, wrote)

	res, status, err := d.Await(ctx, token, 0)
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	assert.Equal(t, []Point{{X: 1, Y: 2}}, res.Path)
}

// Endpoint bounds are the module's concern; the dispatcher admits the
// job and the module fails it in its result.
func TestSubmitOutOfBoundsAccepted(t *testing.T) {
	d, b := newTestDispatcher(t, time.Minute)
	seedModule(t, b, "simple", "1", "running")
	seedMap(t, b, 1, 10, 10)

	req := validRequest()
	req.End = Point{X: 500, Y: 500}
	token, err := d.Submit(context.Background(), req)
	require.NoError(t, err)

	got, err := b.BRPop(context.Background(), time.Second, broker.ModuleQueueKey("simple", "1"))
	require.NoError(t, err)
	assert.Equal(t, token, string(got))
}

func TestSubmitBadModuleName(t *testing.T) {
	d, _ := newTestDispatcher(t, time.Minute)
	req := validRequest()
	req.Algorithm.Name = "no spaces"
	_, err := d.Submit(context.Background(), req)
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
}

func submitOne(t *testing.T, d *Dispatcher, b *broker.Fake) string {
	t.Helper()
	seedModule(t, b, "simple", "1", "running")
	seedMap(t, b, 1, 100, 100)
	token, err := d.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	return token
}

func writeResult(t *testing.T, b *broker.Fake, token string, res Result) {
	t.Helper()
	raw, err := json.Marshal(res)
	require.NoError(t, err)
	wrote, err := b.SetNX(context.Background(), broker.JobResultKey(token), raw, time.Minute)
	require.NoError(t, err)
	require.True(t, wrote)
	require.NoError(t, b.Publish(context.Background(), broker.JobEventsChannel(token), []byte("done")))
}

func TestAwaitDone(t *testing.T) {
	d, b := newTestDispatcher(t, time.Minute)
	token := submitOne(t, d, b)
	writeResult(t, b, token, Result{Path: []Point{{X: 0, Y: 0}, {X: 9, Y: 9}}})

	res, status, err := d.Await(context.Background(), token, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status)
	require.NotNil(t, res)
	assert.Len(t, res.Path, 2)
	assert.Equal(t, "ok", res.Outcome())
}

func TestAwaitPending(t *testing.T) {
	d, b := newTestDispatcher(t, time.Minute)
	token := submitOne(t, d, b)

	res, status, err := d.Await(context.Background(), token, 0)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, StatusPending, status)
}

func TestAwaitLongPollWakesOnResult(t *testing.T) {
	d, b := newTestDispatcher(t, time.Minute)
	token := submitOne(t, d, b)

	go func() {
		time.Sleep(50 * time.Millisecond)
		writeResult(t, b, token, Result{Path: []Point{{X: 1, Y: 1}}})
	}()

	begin := time.Now()
	res, status, err := d.Await(context.Background(), token, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status)
	require.NotNil(t, res)
	assert.Less(t, time.Since(begin), time.Second, "long poll should wake on the event, not the deadline")
}

func TestAwaitExpired(t *testing.T) {
	d, b := newTestDispatcher(t, 30*time.Millisecond)
	token := submitOne(t, d, b)

	time.Sleep(60 * time.Millisecond)
	res, status, err := d.Await(context.Background(), token, 0)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, StatusExpired, status)
}

func TestAwaitUnknownToken(t *testing.T) {
	d, _ := newTestDispatcher(t, time.Minute)

	res, status, err := d.Await(context.Background(), "never-issued-token-0000", 0)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, StatusUnknown, status)
}

func TestFailAssignedResolvesInFlight(t *testing.T) {
	d, b := newTestDispatcher(t, time.Minute)
	ctx := context.Background()
	seedModule(t, b, "simple", "1", "running")
	seedMap(t, b, 1, 100, 100)

	assigned1, err := d.Submit(ctx, validRequest())
	require.NoError(t, err)
	assigned2, err := d.Submit(ctx, validRequest())
	require.NoError(t, err)
	queued, err := d.Submit(ctx, validRequest())
	require.NoError(t, err)

	for _, token := range []string{assigned1, assigned2} {
		require.NoError(t, b.HSet(ctx, broker.JobKey(token), map[string]string{
			"assigned_to": "laps-simple-1",
		}))
	}

	n, err := d.FailAssigned(ctx, "laps-simple-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, token := range []string{assigned1, assigned2} {
		res, status, err := d.Await(ctx, token, 0)
		require.NoError(t, err)
		require.Equal(t, StatusDone, status)
		assert.Equal(t, "module_crashed", res.Kind)
		assert.NotEmpty(t, res.Failed)
	}

	// The queued job was never assigned; it stays pending.
	_, status, err := d.Await(ctx, queued, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
}

func TestFailAssignedNeverOverwrites(t *testing.T) {
	d, b := newTestDispatcher(t, time.Minute)
	ctx := context.Background()
	token := submitOne(t, d, b)

	require.NoError(t, b.HSet(ctx, broker.JobKey(token), map[string]string{
		"assigned_to": "laps-simple-1",
	}))
	writeResult(t, b, token, Result{Path: []Point{{X: 2, Y: 3}}})

	n, err := d.FailAssigned(ctx, "laps-simple-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	res, status, err := d.Await(ctx, token, 0)
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	assert.Equal(t, "ok", res.Outcome())
	assert.Equal(t, []Point{{X: 2, Y: 3}}, res.Path)
}

func TestFailAssignedWakesWaiter(t *testing.T) {
	d, b := newTestDispatcher(t, time.Minute)
	ctx := context.Background()
	token := submitOne(t, d, b)
	require.NoError(t, b.HSet(ctx, broker.JobKey(token), map[string]string{
		"assigned_to": "laps-simple-1",
	}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = d.FailAssigned(ctx, "laps-simple-1")
	}()

	res, status, err := d.Await(ctx, token, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	assert.Equal(t, "module_crashed", res.Kind)
}
