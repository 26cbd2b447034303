// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"time"
)

// State is one of Closed, HalfOpen, Open.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

// Backend identifies which of the pipeline's downstream dependencies an
// outcome is attributed to. The breaker shares one sliding window across
// all three, so a bad run against any one of them trips the same gate, but
// each recorded outcome keeps its origin for diagnostics.
type Backend string

const (
	// BackendAny marks outcomes not attributable to a single dependency: a
	// full pipeline run that touched Postgres, the object store, and the
	// broker and succeeded end to end, or an in-process failure (a bad
	// payload, a marshal error) that never reached a backend at all.
	BackendAny         Backend = "any"
	BackendMetastore   Backend = "metastore"
	BackendObjectStore Backend = "objectstore"
	BackendBroker      Backend = "broker"
)

type result struct {
	t       time.Time
	ok      bool
	backend Backend
}

// CircuitBreaker gates the worker's claim loop against a sliding window of
// recent outcomes against Postgres, the object store, and the broker. When
// the failure rate over the window crosses the threshold it opens, refusing
// calls until the cooldown elapses, then allows a single half-open probe.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	window           time.Duration
	cooldown         time.Duration
	failureThresh    float64
	minSamples       int
	lastTransition   time.Time
	results          []result
	halfOpenInFlight bool
}

func New(window, cooldown time.Duration, failureThresh float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{
		state:          Closed,
		window:         window,
		cooldown:       cooldown,
		failureThresh:  failureThresh,
		minSamples:     minSamples,
		lastTransition: time.Now(),
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// once the cooldown has elapsed and admitting exactly one probe per
// half-open window.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) >= cb.cooldown {
			cb.state = HalfOpen
			cb.lastTransition = time.Now()
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of an allowed call against backend.
func (cb *CircuitBreaker) Record(backend Backend, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-cb.window)
	filtered := cb.results[:0]
	for _, r := range cb.results {
		if r.t.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	cb.results = append(filtered, result{t: now, ok: ok, backend: backend})

	total := len(cb.results)
	if total < cb.minSamples {
		if cb.state == HalfOpen {
			if ok {
				cb.state = Closed
			} else {
				cb.state = Open
			}
			cb.lastTransition = now
		}
		return
	}
	fails := 0
	for _, r := range cb.results {
		if !r.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(total)
	switch cb.state {
	case Closed:
		if rate >= cb.failureThresh {
			cb.state = Open
			cb.lastTransition = now
		}
	case HalfOpen:
		if ok {
			cb.state = Closed
		} else {
			cb.state = Open
		}
		cb.halfOpenInFlight = false
		cb.lastTransition = now
	case Open:
		// transitions out of Open are handled in Allow().
	}
}

// FailingBackends reports the distinct backends with at least one failed
// outcome still inside the sliding window, in Postgres/object-store/broker
// order. Callers use this to log which dependency is actually degraded
// when the breaker opens, since the trip itself is decided on the combined
// rate across all three.
func (cb *CircuitBreaker) FailingBackends() []Backend {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	seen := make(map[Backend]bool)
	for _, r := range cb.results {
		if !r.ok {
			seen[r.backend] = true
		}
	}
	var out []Backend
	for _, b := range []Backend{BackendMetastore, BackendObjectStore, BackendBroker, BackendAny} {
		if seen[b] {
			out = append(out, b)
		}
	}
	return out
}
