package future

import "sync"

// Waiter blocks a goroutine until the first of a set of watched futures
// completes, then unregisters itself from the rest. A Dependent's
// transfer onto another future (spec.md §4.4) can retarget a Waiter
// mid-wait: the future it was watching is replaced by the one the
// callback returned, so the wait still resolves against the real
// outcome.
type Waiter struct {
	mu       sync.Mutex
	watching []*Future
	done     chan struct{}
	fired    bool
	result   *Future
}

// fire records f as the future that completed first. Subsequent calls
// (from other watched futures completing concurrently) are no-ops.
func (w *Waiter) fire(f *Future) {
	w.mu.Lock()
	if w.fired {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.result = f
	watching := w.watching
	w.watching = nil
	w.mu.Unlock()

	for _, g := range watching {
		if g != f {
			g.removeWaiter(w)
		}
	}
	close(w.done)
}

// transfer moves this waiter from watching source to watching target,
// used when source (a Dependent) hands off to target (the RPC its
// callback returned). If target has already completed by the time the
// transfer happens, the waiter fires immediately.
func (w *Waiter) transfer(source, target *Future) {
	w.mu.Lock()
	if w.fired {
		w.mu.Unlock()
		return
	}
	for i, g := range w.watching {
		if g == source {
			w.watching[i] = target
		}
	}
	w.mu.Unlock()

	registerWaiter(target, w)
}
