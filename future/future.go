// Package future implements the composition graph described in
// spec.md §4.4: RPC futures and the Dependents chained onto them via
// After, with waiter coordination, abort, and the transfer rule that
// lets a callback return another RPC and have children re-attach to
// it.
//
// spec.md §3 models RPC and Dependent as two data types that happen to
// share every field governing completion (waiters, children, counter,
// completed). This package implements both as one Future struct with a
// Kind discriminant rather than two Go types plus a hand-rolled
// sum-type interface, since the completion/abort/transfer algorithm is
// identical code over that shared state (see DESIGN.md, "Open Question
// decisions").
package future

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
	"weak"

	"github.com/pombredanne/junction/errs"
)

// Kind distinguishes an RPC future from a Dependent.
type Kind int

const (
	KindRPC Kind = iota
	KindDependent
)

// Result is one outcome in a future's results: a decoded payload or a
// typed error from the errs package.
type Result = interface{}

// DependentFunc is the callback supplied to After. It receives one
// argument per parent, each the parent's settled result (an []Result
// for an RPC-kind parent, or whatever shape an upstream Dependent
// produced). Its return value becomes the Dependent's result, unless
// it is a still-pending RPC future, in which case the Dependent
// transfers onto it (spec.md §4.4).
type DependentFunc func(parentResults ...interface{}) (interface{}, error)

// ErrIncomplete is returned by Results when the future has not yet
// settled.
var ErrIncomplete = errors.New("junction: future not complete")

// Client allocates counters and tracks futures weakly by counter, so
// that garbage collection of a user's handle removes it from
// bookkeeping. rpcclient.Client implements this interface; the future
// package never imports rpcclient, avoiding an import cycle.
type Client interface {
	NextCounter() uint64
	Track(counter uint64, f *Future)
}

// Future is a node in the composition graph: either an RPC future or a
// Dependent, depending on Kind.
type Future struct {
	mu          sync.Mutex
	kind        Kind
	counter     uint64
	targetCount int
	results     []Result
	completed   bool
	waiters     []*Waiter
	children    []weak.Pointer[Future]
	client      Client

	// Dependent-only fields.
	parents       []*Future
	parentResults []interface{}
	fn            DependentFunc
	result        interface{}
	errored       bool
}

// NewRPC constructs an RPC-kind future. Callers outside this package
// are expected to be an RPC client implementation; ordinary users never
// construct a Future directly.
func NewRPC(client Client, counter uint64, targetCount int) *Future {
	return &Future{
		kind:        KindRPC,
		counter:     counter,
		targetCount: targetCount,
		client:      client,
	}
}

// Kind reports whether f is an RPC future or a Dependent.
func (f *Future) Kind() Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kind
}

// IsDependent reports whether f was created by After.
func (f *Future) IsDependent() bool { return f.Kind() == KindDependent }

// Counter is the future's monotonic per-client sequence number.
func (f *Future) Counter() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter
}

// TargetCount is the number of distinct peers expected to respond (only
// meaningful for RPC-kind futures).
func (f *Future) TargetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targetCount
}

// Complete reports whether the future has settled. A Dependent whose
// callback returned a still-pending RPC is not complete until that RPC
// is.
func (f *Future) Complete() bool {
	f.mu.Lock()
	completed := f.completed
	result := f.result
	f.mu.Unlock()
	if !completed {
		return false
	}
	if rf, ok := result.(*Future); ok {
		return rf.Complete()
	}
	return true
}

// Errored reports whether a Dependent was aborted or its callback
// raised. Always false for RPC-kind futures.
func (f *Future) Errored() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errored
}

// Results returns the future's settled value, or ErrIncomplete if it
// has not yet settled. For an RPC-kind future this is an []Result. For
// a Dependent it is whatever the callback returned, unless that was a
// (by-now complete) RPC future, in which case it is that RPC's
// []Result.
func (f *Future) Results() (interface{}, error) {
	if !f.Complete() {
		return nil, ErrIncomplete
	}
	return f.rawResults(), nil
}

// PartialResults returns the RPC responses collected so far, complete
// or not. Only meaningful for RPC-kind futures; Dependents return nil.
func (f *Future) PartialResults() []Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kind != KindRPC {
		return nil
	}
	return append([]Result{}, f.results...)
}

func (f *Future) rawResults() interface{} {
	f.mu.Lock()
	kind := f.kind
	var results []Result
	var result interface{}
	if kind == KindRPC {
		results = append([]Result{}, f.results...)
	} else {
		result = f.result
	}
	f.mu.Unlock()

	if kind == KindRPC {
		return results
	}
	if rf, ok := result.(*Future); ok {
		return rf.rawResults()
	}
	return result
}

// DeliverResult appends a single per-peer outcome to an RPC-kind
// future's results. Driven by rpcclient as RPC_RESPONSE frames arrive;
// it does not mark the future complete.
func (f *Future) DeliverResult(r Result) {
	f.mu.Lock()
	f.results = append(f.results, r)
	f.mu.Unlock()
}

// MarkComplete marks an RPC-kind future complete: results are frozen,
// waiters are woken, and children are fed synchronously. The caller is
// rpcclient reacting to the final response or the last lost peer, which
// is often a peer's receive goroutine; running inline is still safe
// because waking a waiter does not block and incoming hands every
// Dependent callback to a fresh goroutine. Idempotent.
func (f *Future) MarkComplete() {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.completed = true
	waiters := f.waiters
	children := f.children
	resultsCopy := append([]Result{}, f.results...)
	f.waiters = nil
	f.children = nil
	f.mu.Unlock()

	for _, w := range waiters {
		w.fire(f)
	}
	deliverToChildren(children, f, resultsCopy)
}

// Abort stops a pending future and hard-codes its result, cascading to
// every descendant with the same result (spec.md §4.4, §9's single-
// argument resolution of the source's abort arity ambiguity).
func (f *Future) Abort(result interface{}) error {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return &errs.AlreadyComplete{}
	}
	f.completed = true
	if f.kind == KindRPC {
		f.targetCount = 1
		f.results = []Result{result}
	} else {
		f.result = result
		f.errored = true
		f.parents = nil
	}
	waiters := f.waiters
	children := f.children
	f.waiters = nil
	f.children = nil
	f.mu.Unlock()

	for _, w := range waiters {
		w.fire(f)
	}
	for _, wp := range children {
		if c := wp.Value(); c != nil {
			_ = c.Abort(result) // already-complete children simply stop the cascade
		}
	}
	return nil
}

// After schedules fn to run once f and every future in otherParents has
// completed. If a parent is already complete when After is called, it
// is folded in synchronously before After returns, so an
// already-satisfied Dependent fires without waiting on any external
// event (spec.md §4.4).
func (f *Future) After(fn DependentFunc, otherParents ...*Future) *Future {
	parents := make([]*Future, 0, 1+len(otherParents))
	parents = append(parents, f)
	parents = append(parents, otherParents...)

	counter := f.client.NextCounter()
	d := &Future{
		kind:          KindDependent,
		counter:       counter,
		client:        f.client,
		parents:       append([]*Future{}, parents...),
		parentResults: make([]interface{}, len(parents)),
		fn:            fn,
	}
	f.client.Track(counter, d)

	resolved := make([]*Future, len(parents))
	for i, p := range parents {
		resolved[i] = registerChild(p, d)
	}
	d.mu.Lock()
	d.parents = resolved
	d.mu.Unlock()

	for _, p := range resolved {
		if p.Complete() {
			d.incoming(p, p.rawResults())
		}
	}
	return d
}

// resolveTarget follows a settled Dependent's transfer chain to the
// future that will actually deliver a result: itself, unless it has
// already completed by handing off to a still-pending RPC, in which
// case that RPC (recursively resolved, in case it too has chained on).
func (f *Future) resolveTarget() *Future {
	f.mu.Lock()
	completed := f.completed
	result := f.result
	f.mu.Unlock()
	if completed {
		if rf, ok := result.(*Future); ok {
			return rf.resolveTarget()
		}
	}
	return f
}

// registerChild attaches child to parent so it is fed parent's result
// once settled, resolving through any transfer that already happened
// between parent's construction and this call. It returns the future
// child should record as its actual parent: either the live node child
// was just registered on, or the final settled node when parent (and
// everything it transferred through) had already completed, in which
// case the caller is responsible for delivering that result.
func registerChild(parent, child *Future) *Future {
	for {
		target := parent.resolveTarget()
		target.mu.Lock()
		if !target.completed {
			target.children = append(target.children, weak.Make(child))
			target.mu.Unlock()
			return target
		}
		rf, isPending := target.result.(*Future)
		target.mu.Unlock()
		if !isPending {
			return target
		}
		parent = rf
	}
}

// registerWaiter attaches w to f, resolving the same transfer race as
// registerChild: if f (or whatever it has already transferred onto) is
// fully settled by the time registration would happen, w fires
// immediately instead of being registered on a node that will never
// touch its waiters again.
func registerWaiter(f *Future, w *Waiter) {
	for {
		target := f.resolveTarget()
		target.mu.Lock()
		if !target.completed {
			target.waiters = append(target.waiters, w)
			target.mu.Unlock()
			return
		}
		rf, isPending := target.result.(*Future)
		target.mu.Unlock()
		if !isPending {
			w.fire(target)
			return
		}
		f = rf
	}
}

func (f *Future) removeWaiter(w *Waiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, x := range f.waiters {
		if x == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

// incoming records one parent's settled result on a Dependent. Once
// every parent slot is nil, the callback is scheduled.
func (d *Future) incoming(parent *Future, results interface{}) {
	d.mu.Lock()
	idx := -1
	for i, p := range d.parents {
		if p == parent {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return
	}
	d.parents[idx] = nil
	d.parentResults[idx] = results
	allDone := true
	for _, p := range d.parents {
		if p != nil {
			allDone = false
			break
		}
	}
	d.mu.Unlock()

	if allDone {
		// Never run the user callback inline on whatever goroutine
		// delivered the last parent's result — it may be a peer's
		// receive loop, and a blocking callback would deadlock the
		// very connection that would eventually unblock it.
		go d.runCallback()
	}
}

func (d *Future) runCallback() {
	d.mu.Lock()
	if d.completed {
		d.mu.Unlock()
		return
	}
	d.completed = true
	args := d.parentResults
	fn := d.fn
	d.parentResults = nil
	d.parents = nil
	d.mu.Unlock()

	result, err := safeCall(fn, args)
	if err != nil {
		// d is already marked completed, so Abort would refuse it:
		// install the failure here and cascade it the way Abort does.
		exc := &errs.DependentCallbackException{Trace: err.Error()}
		d.mu.Lock()
		d.result, d.errored = exc, true
		waiters, children := d.waiters, d.children
		d.waiters, d.children = nil, nil
		d.mu.Unlock()
		for _, w := range waiters {
			w.fire(d)
		}
		for _, wp := range children {
			if c := wp.Value(); c != nil {
				_ = c.Abort(exc)
			}
		}
		return
	}

	d.mu.Lock()
	d.result = result
	var pending *Future
	if rf, ok := result.(*Future); ok && !rf.Complete() {
		pending = rf
	}
	waiters := d.waiters
	children := d.children
	d.waiters = nil
	d.children = nil
	d.mu.Unlock()

	if pending == nil {
		for _, w := range waiters {
			w.fire(d)
		}
		resultsForChildren := d.rawResults()
		deliverToChildren(children, d, resultsForChildren)
		return
	}

	for _, w := range waiters {
		w.transfer(d, pending)
	}
	for _, wp := range children {
		c := wp.Value()
		if c == nil {
			continue
		}
		resolved := registerChild(pending, c)
		c.retarget(d, resolved)
	}
}

// retarget rewrites one of d's parent slots from source to target, used
// when a Dependent ahead of d in the graph transferred onto an RPC.
func (d *Future) retarget(source, target *Future) {
	d.mu.Lock()
	idx := -1
	for i, p := range d.parents {
		if p == source {
			idx = i
			break
		}
	}
	if idx >= 0 {
		d.parents[idx] = target
	}
	d.mu.Unlock()

	if idx >= 0 && target.Complete() {
		d.incoming(target, target.rawResults())
	}
}

func deliverToChildren(children []weak.Pointer[Future], parent *Future, results interface{}) {
	for _, wp := range children {
		if c := wp.Value(); c != nil {
			c.incoming(parent, results)
		}
	}
}

func safeCall(fn DependentFunc, args []interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(args...)
}

// WaitAny blocks until the first of futures completes, or timeout
// elapses. timeout <= 0 blocks indefinitely. This is the primitive
// behind both Future.Wait and Node.WaitAnyRPC.
func WaitAny(futures []*Future, timeout time.Duration) (*Future, error) {
	for _, f := range futures {
		if f.Complete() {
			return f, nil
		}
	}

	w := &Waiter{watching: append([]*Future{}, futures...), done: make(chan struct{})}
	for _, f := range futures {
		registerWaiter(f, w)
	}

	if timeout <= 0 {
		<-w.done
		return w.result, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return w.result, nil
	case <-timer.C:
		return nil, &errs.WaitTimeout{}
	}
}

// Wait blocks until f completes or timeout elapses, then returns its
// settled result exactly as Results would.
func (f *Future) Wait(timeout time.Duration) (interface{}, error) {
	if _, err := WaitAny([]*Future{f}, timeout); err != nil {
		return nil, err
	}
	return f.Results()
}
