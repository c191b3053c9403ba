package future

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClient is the minimal future.Client a test needs: a counter
// source and a place to track futures, mirroring rpcclient.Client's
// role without pulling in the wire/peerconn machinery.
type fakeClient struct {
	next  uint64
	track map[uint64]*Future
}

func newFakeClient() *fakeClient { return &fakeClient{track: map[uint64]*Future{}} }

func (c *fakeClient) NextCounter() uint64 {
	c.next++
	return c.next
}

func (c *fakeClient) Track(counter uint64, f *Future) { c.track[counter] = f }

func TestRPCWaitReturnsResultsOnceTargetCountReached(t *testing.T) {
	c := newFakeClient()
	rpc := NewRPC(c, c.NextCounter(), 2)

	done := make(chan struct{})
	go func() {
		results, err := rpc.Wait(0)
		require.NoError(t, err)
		require.ElementsMatch(t, []Result{"a", "b"}, results)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	rpc.DeliverResult("a")
	rpc.DeliverResult("b")
	rpc.MarkComplete()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait never returned")
	}
}

func TestAfterFiresImmediatelyForAlreadyCompleteParent(t *testing.T) {
	c := newFakeClient()
	rpc := NewRPC(c, c.NextCounter(), 1)
	rpc.DeliverResult(21)
	rpc.MarkComplete()

	var called int32
	d := rpc.After(func(parents ...interface{}) (interface{}, error) {
		atomic.AddInt32(&called, 1)
		results := parents[0].([]Result)
		return results[0].(int) * 2, nil
	})

	results, err := d.Wait(time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, results)
	require.Equal(t, int32(1), atomic.LoadInt32(&called))
}

func TestAfterFanInSumsTwoParents(t *testing.T) {
	c := newFakeClient()
	a := NewRPC(c, c.NextCounter(), 1)
	b := NewRPC(c, c.NextCounter(), 1)

	sum := a.After(func(parents ...interface{}) (interface{}, error) {
		pa := parents[0].([]Result)
		pb := parents[1].([]Result)
		return pa[0].(int) + pb[0].(int), nil
	}, b)

	go func() {
		time.Sleep(5 * time.Millisecond)
		a.DeliverResult(10)
		a.MarkComplete()
		time.Sleep(5 * time.Millisecond)
		b.DeliverResult(32)
		b.MarkComplete()
	}()

	results, err := sum.Wait(time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, results)
}

func TestAfterTransfersOntoReturnedPendingRPC(t *testing.T) {
	c := newFakeClient()
	a := NewRPC(c, c.NextCounter(), 1)
	inner := NewRPC(c, c.NextCounter(), 1)

	chained := a.After(func(parents ...interface{}) (interface{}, error) {
		return inner, nil
	})

	go func() {
		a.DeliverResult("go")
		a.MarkComplete()
		time.Sleep(10 * time.Millisecond)
		inner.DeliverResult("inner-result")
		inner.MarkComplete()
	}()

	results, err := chained.Wait(time.Second)
	require.NoError(t, err)
	require.Equal(t, []Result{"inner-result"}, results)
	require.True(t, chained.Complete())
}

func TestAbortCompletesRPCWithSingleResult(t *testing.T) {
	c := newFakeClient()
	rpc := NewRPC(c, c.NextCounter(), 3)

	require.NoError(t, rpc.Abort("boom"))
	require.True(t, rpc.Complete())
	results, err := rpc.Results()
	require.NoError(t, err)
	require.Equal(t, []Result{"boom"}, results)

	require.Error(t, rpc.Abort("again"))
}

func TestAbortCascadesToChildren(t *testing.T) {
	c := newFakeClient()
	a := NewRPC(c, c.NextCounter(), 1)
	child := a.After(func(parents ...interface{}) (interface{}, error) {
		t.Fatal("callback must not run on an aborted parent")
		return nil, nil
	})

	require.NoError(t, a.Abort("dropped"))

	require.Eventually(t, func() bool { return child.Complete() }, time.Second, time.Millisecond)
	require.True(t, child.Errored())
	results, err := child.Results()
	require.NoError(t, err)
	require.Equal(t, "dropped", results)
}

func TestResultsBeforeCompletionIsIncomplete(t *testing.T) {
	c := newFakeClient()
	rpc := NewRPC(c, c.NextCounter(), 1)
	_, err := rpc.Results()
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestWaitAnyReturnsFirstCompleted(t *testing.T) {
	c := newFakeClient()
	a := NewRPC(c, c.NextCounter(), 1)
	b := NewRPC(c, c.NextCounter(), 1)

	go func() {
		time.Sleep(5 * time.Millisecond)
		b.DeliverResult("b-done")
		b.MarkComplete()
	}()

	first, err := WaitAny([]*Future{a, b}, time.Second)
	require.NoError(t, err)
	require.Same(t, b, first)
}

func TestWaitTimesOutWithoutAffectingTheFuture(t *testing.T) {
	c := newFakeClient()
	rpc := NewRPC(c, c.NextCounter(), 1)

	_, err := rpc.Wait(10 * time.Millisecond)
	require.Error(t, err)

	rpc.DeliverResult("late")
	rpc.MarkComplete()
	results, err := rpc.Wait(time.Second)
	require.NoError(t, err)
	require.Equal(t, []Result{"late"}, results)
}

func TestDependentCallbackPanicBecomesError(t *testing.T) {
	c := newFakeClient()
	a := NewRPC(c, c.NextCounter(), 1)
	d := a.After(func(parents ...interface{}) (interface{}, error) {
		panic("oh no")
	})

	a.DeliverResult("x")
	a.MarkComplete()

	require.Eventually(t, func() bool { return d.Complete() }, time.Second, time.Millisecond)
	require.True(t, d.Errored())
}
