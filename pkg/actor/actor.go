// Package actor serializes concurrent local edits to one document into a
// single at-a-time outbound sync with batching, debounce, and retry,
// following the same per-item goroutine-and-mailbox shape a cluster
// worker pool uses to drive one goroutine per managed resource.
package actor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/trestleinc/replicate/pkg/log"
	"github.com/trestleinc/replicate/pkg/metrics"
	"github.com/trestleinc/replicate/pkg/replerr"
)

const (
	// BatchAccumulationWindow is the small fixed sleep after receiving one
	// message, giving a burst of near-simultaneous sends a chance to land
	// in the same batch.
	BatchAccumulationWindow = 2 * time.Millisecond

	// DefaultDebounce is how long a scheduled sync waits before executing,
	// absent an explicit override.
	DefaultDebounce = 200 * time.Millisecond

	// DefaultMaxRetries bounds the retry schedule for one sync attempt.
	DefaultMaxRetries = 3

	// InitialRetryInterval is the first backoff interval; subsequent
	// intervals grow exponentially and are jittered by the backoff
	// library's default randomization factor.
	InitialRetryInterval = 100 * time.Millisecond
)

// Message is one of LocalChange, ExternalUpdate, or Shutdown.
type Message interface {
	isMessage()
}

// LocalChange notifies the actor that this document changed locally and a
// sync should be scheduled. Prepared, when non-nil, carries a push the
// caller has already computed (e.g. the rich-text editor binding's
// content-sync fast path) that the sync function may send verbatim
// instead of recomputing a delta from its own state-vector reference.
type LocalChange struct {
	Prepared any
}

// ExternalUpdate notifies the actor that a remote update was applied
// locally, so its state-vector reference should be rebased before the
// next outbound push.
type ExternalUpdate struct{}

// Shutdown asks the actor to stop; Done is closed once it has.
type Shutdown struct {
	Done chan struct{}
}

func (LocalChange) isMessage()    {}
func (ExternalUpdate) isMessage() {}
func (Shutdown) isMessage()       {}

// SyncFunc performs one outbound sync attempt for the actor's document.
// Implementations (owned by the sync coordinator) are expected to diff
// against their own last-pushed state vector and push only if there is
// something to send, checking a.TakePreparedPush() first for a verbatim
// push already computed by the caller. A *replerr.SyncError with
// Retriable=false, or a *replerr.NonRetriableError, bypasses the retry
// schedule.
type SyncFunc func(ctx context.Context, a *Actor) error

// Actor is a per-document write actor.
type Actor struct {
	collection       string
	documentID       string
	syncFn           SyncFunc
	onExternalUpdate func()
	debounce         time.Duration
	maxRetries       int

	mailbox chan Message

	mu               sync.RWMutex
	pending          bool
	lastErr          error
	retryCount       int
	cancelDebounce   context.CancelFunc
	closed           bool
	pendingObservers []func(bool)
	prepared         any

	// syncing is true for the whole lifetime of an outbound sync attempt
	// (including its retry schedule); resyncQueued coalesces a LocalChange
	// that arrives while syncing is true into one more attempt run right
	// after the current one finishes, the same single-flight shape
	// pkg/awareness's presence mutations use, so at most one outbound sync
	// is ever in flight for this document at a time.
	syncing      bool
	resyncQueued bool

	wg       sync.WaitGroup
	runnerWg sync.WaitGroup
}

// New creates and starts an actor for documentID within collection.
// onExternalUpdate may be nil. debounce and maxRetries fall back to their
// defaults when zero.
func New(collection, documentID string, syncFn SyncFunc, onExternalUpdate func(), debounce time.Duration, maxRetries int) *Actor {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	a := &Actor{
		collection:       collection,
		documentID:       documentID,
		syncFn:           syncFn,
		onExternalUpdate: onExternalUpdate,
		debounce:         debounce,
		maxRetries:       maxRetries,
		mailbox:          make(chan Message, 64),
	}

	a.runnerWg.Add(1)
	go a.run()
	return a
}

// Send enqueues a message. It is a no-op once the actor has shut down.
func (a *Actor) Send(msg Message) {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return
	}
	a.mailbox <- msg
}

// Pending reports whether a sync is currently scheduled or executing.
func (a *Actor) Pending() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pending
}

// OnPendingChange registers fn to be called, with the new value, every
// time Pending's value changes. It returns an unsubscribe function.
func (a *Actor) OnPendingChange(fn func(bool)) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingObservers = append(a.pendingObservers, fn)
	idx := len(a.pendingObservers) - 1
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.pendingObservers) {
			a.pendingObservers[idx] = nil
		}
	}
}

// setPending updates pending under the lock and notifies observers
// outside it only when the value actually changed.
func (a *Actor) setPending(value bool) {
	a.mu.Lock()
	changed := a.pending != value
	a.pending = value
	var observers []func(bool)
	if changed {
		observers = append(observers, a.pendingObservers...)
	}
	a.mu.Unlock()

	if changed {
		for _, obs := range observers {
			if obs != nil {
				obs(value)
			}
		}
	}
}

// TakePreparedPush returns and clears the most recently staged prepared
// push, if any. A sync function calls this at the start of each attempt
// to check for a verbatim push before falling back to its own diff.
func (a *Actor) TakePreparedPush() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.prepared
	a.prepared = nil
	return p
}

// LastError returns the most recent non-retriable or retry-exhausted
// error, if any.
func (a *Actor) LastError() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastErr
}

// Shutdown interrupts any in-flight debounce, waits for the loop to exit,
// and marks the actor closed. It is safe to call once.
func (a *Actor) Shutdown() {
	done := make(chan struct{})
	a.Send(Shutdown{Done: done})
	<-done
	a.runnerWg.Wait()
}

func (a *Actor) run() {
	defer a.runnerWg.Done()

	for msg := range a.mailbox {
		time.Sleep(BatchAccumulationWindow)
		batch := []Message{msg}

	drain:
		for {
			select {
			case m := <-a.mailbox:
				batch = append(batch, m)
			default:
				break drain
			}
		}

		shutdown, stop := a.handleBatch(batch)
		if stop {
			if shutdown != nil {
				close(shutdown.Done)
			}
			a.mu.Lock()
			a.closed = true
			a.mu.Unlock()
			return
		}
	}
}

func (a *Actor) handleBatch(batch []Message) (*Shutdown, bool) {
	var hasLocalChange bool
	var shutdownMsg *Shutdown

	for _, m := range batch {
		switch v := m.(type) {
		case LocalChange:
			hasLocalChange = true
			if v.Prepared != nil {
				a.mu.Lock()
				a.prepared = v.Prepared
				a.mu.Unlock()
			}
		case ExternalUpdate:
			if a.onExternalUpdate != nil {
				a.onExternalUpdate()
			}
		case Shutdown:
			shutdownMsg = &v
		}
	}

	if shutdownMsg != nil {
		a.interruptDebounce()
		a.wg.Wait()
		return shutdownMsg, true
	}

	if hasLocalChange {
		a.scheduleDebouncedSync()
	}
	return nil, false
}

// scheduleDebouncedSync arranges for one more outbound sync attempt. If a
// sync is already executing (a.syncing), this LocalChange is coalesced
// into resyncQueued rather than forking a second, concurrent attempt —
// the run loop started below picks resyncQueued up as soon as the
// in-flight attempt finishes. Only when nothing is currently syncing does
// this (re)arm the debounce timer, matching the normal coalescing
// behavior for a burst of LocalChanges arriving before the debounce
// window elapses.
func (a *Actor) scheduleDebouncedSync() {
	a.mu.Lock()
	if a.syncing {
		a.resyncQueued = true
		a.mu.Unlock()
		a.setPending(true)
		return
	}
	a.mu.Unlock()

	a.interruptDebounce()

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancelDebounce = cancel
	a.mu.Unlock()

	a.setPending(true)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-time.After(a.debounce):
		case <-ctx.Done():
			// A newer debounce armed in our place keeps pending true.
			a.mu.Lock()
			rearmed := a.cancelDebounce != nil
			a.mu.Unlock()
			if !rearmed {
				a.setPending(false)
			}
			return
		}
		a.runSyncLoop(ctx)
	}()
}

func (a *Actor) interruptDebounce() {
	a.mu.Lock()
	cancel := a.cancelDebounce
	a.cancelDebounce = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runSyncLoop runs one outbound sync attempt (with its own retry
// schedule), then, if a LocalChange coalesced into resyncQueued while it
// was running, immediately runs another — looping until an attempt
// completes with nothing queued behind it. pending and the
// ActorsPending gauge stay true/incremented for the whole loop, not just
// its first attempt, since a queued resync is still a sync "scheduled or
// executing" per Pending's contract.
func (a *Actor) runSyncLoop(ctx context.Context) {
	metrics.ActorsPending.WithLabelValues(a.collection).Inc()
	defer metrics.ActorsPending.WithLabelValues(a.collection).Dec()
	defer a.setPending(false)

	a.mu.Lock()
	a.syncing = true
	a.mu.Unlock()

	for {
		a.runSyncWithRetry(ctx)

		a.mu.Lock()
		queued := a.resyncQueued
		a.resyncQueued = false
		if !queued {
			a.syncing = false
		}
		a.mu.Unlock()

		if !queued {
			return
		}
	}
}

func (a *Actor) runSyncWithRetry(ctx context.Context) {
	logger := log.WithComponent("actor")

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ActorSyncDuration, a.collection)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = InitialRetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		syncErr := a.syncFn(ctx, a)
		if syncErr == nil {
			return struct{}{}, nil
		}

		var se *replerr.SyncError
		if errors.As(syncErr, &se) && !se.Retriable {
			return struct{}{}, backoff.Permanent(syncErr)
		}
		var nre *replerr.NonRetriableError
		if errors.As(syncErr, &nre) {
			return struct{}{}, backoff.Permanent(syncErr)
		}
		metrics.ActorRetriesTotal.WithLabelValues(a.collection).Inc()
		return struct{}{}, syncErr
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(uint(a.maxRetries)))

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastErr = err
		a.retryCount++
		logger.Error().Err(err).Str("document", a.documentID).Msg("sync failed after exhausting retries")
	} else {
		a.lastErr = nil
		a.retryCount = 0
	}
}
