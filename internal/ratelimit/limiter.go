package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Policy struct {
	Requests int           // bucket capacity
	Window   time.Duration // time for an empty bucket to refill completely
}

func (p Policy) enabled() bool         { return p.Requests > 0 && p.Window > 0 }
func (p Policy) capacity() float64     { return float64(p.Requests) }
func (p Policy) refillPerSec() float64 { return float64(p.Requests) / p.Window.Seconds() }

// TTL is how long an idle bucket is kept by a store.
func (p Policy) TTL() time.Duration { return 2 * p.Window }

type Decision struct {
	Allowed    bool
	Limit      int           // bucket capacity
	Remaining  int           // tokens after this request (min 0)
	RetryAfter time.Duration // zero when allowed
	Backend    string        // store that produced the decision
}

type Options struct {
	// StoreTimeout bounds each shared store round-trip. Zero means no bound.
	StoreTimeout time.Duration
	// ProbeTimeout bounds the reachability probe in Probe.
	ProbeTimeout time.Duration
	Logger       zerolog.Logger
	// OnDegrade is called when a single decision falls back to the local
	// store. reason is "timeout" or "error".
	OnDegrade func(reason string)
	Now       func() time.Time
}

// Limiter makes admission decisions against a shared store, falling back to
// a process-local store.
//
// The shared store is selected once by Probe. When it fails during a
// decision, that decision alone is made on the local store; the process only
// moves back to the shared store through Probe or StartFailback.
//
// The shared read-modify-write is not atomic. Concurrent requests on the same
// key may overwrite each other's update, so admission under contention is
// approximate rather than linearizable.
type Limiter struct {
	policy Policy
	shared Store
	local  Store
	opts   Options

	useShared atomic.Bool
	warn      rate.Sometimes
}

func New(p Policy, shared, local Store, opts Options) *Limiter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	l := &Limiter{
		policy: p,
		shared: shared,
		local:  local,
		opts:   opts,
		warn:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	l.useShared.Store(shared != nil)
	return l
}

func (l *Limiter) Policy() Policy { return l.policy }

// Backend names the store currently used for decisions.
func (l *Limiter) Backend() string {
	if l.useShared.Load() && l.shared != nil {
		return l.shared.Name()
	}
	return l.local.Name()
}

// Degraded reports whether the process is running on the local store while
// a shared store is configured.
func (l *Limiter) Degraded() bool {
	return l.shared != nil && !l.useShared.Load()
}

// Probe checks the shared store and selects the backend accordingly.
// It reports whether the shared store is in use.
func (l *Limiter) Probe(ctx context.Context) bool {
	if l.shared == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, l.opts.ProbeTimeout)
	defer cancel()

	var err error
	if p, ok := l.shared.(Prober); ok {
		err = p.Ping(ctx)
	} else {
		_, _, err = l.shared.Load(ctx, "probe")
	}

	was := l.useShared.Swap(err == nil)
	switch {
	case err != nil && was:
		l.opts.Logger.Warn().Err(err).Str("backend", l.local.Name()).
			Msg("shared bucket store unreachable, using local buckets")
	case err == nil && !was:
		l.opts.Logger.Info().Str("backend", l.shared.Name()).Msg("shared bucket store reachable")
	}
	return err == nil
}

// StartFailback periodically re-probes the shared store while degraded.
// Stop it by cancelling ctx.
func (l *Limiter) StartFailback(ctx context.Context, every time.Duration) {
	if every <= 0 || l.shared == nil {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if l.Degraded() {
					l.Probe(ctx)
				}
			}
		}
	}()
}

// Allow reports whether a request of the given cost is admitted for key.
func (l *Limiter) Allow(ctx context.Context, key string, cost int) bool {
	return l.Decide(ctx, key, cost).Allowed
}

// Decide runs one admission check. It never fails: shared store errors
// degrade the call to the local store.
func (l *Limiter) Decide(ctx context.Context, key string, cost int) Decision {
	if !l.policy.enabled() {
		return Decision{Allowed: true}
	}
	if cost < 1 {
		cost = 1
	}
	now := l.opts.Now()

	if l.useShared.Load() && l.shared != nil {
		d, err := l.decide(ctx, l.shared, key, float64(cost), now)
		if err == nil {
			return d
		}
		l.degrade(key, err)
	}

	d, err := l.decide(context.WithoutCancel(ctx), l.local, key, float64(cost), now)
	if err != nil {
		// the local store has nothing to fail on; admit instead of rejecting on a fault
		l.opts.Logger.Error().Err(err).Str("key", key).Msg("local bucket store failed")
		return Decision{Allowed: true, Limit: l.policy.Requests, Backend: l.local.Name()}
	}
	return d
}

func (l *Limiter) decide(ctx context.Context, st Store, key string, cost float64, now time.Time) (Decision, error) {
	if lk, ok := st.(KeyLocker); ok {
		unlock := lk.LockKey(key)
		defer unlock()
	}
	if l.opts.StoreTimeout > 0 && st == l.shared {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.StoreTimeout)
		defer cancel()
	}

	b := NewBucket(l.policy, now)
	saved, found, err := st.Load(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("load %q from %s: %w", key, st.Name(), err)
	}
	if found {
		b.State = saved
	}

	allowed := b.Take(cost, now)
	if err := st.Save(ctx, key, b.State, l.policy.TTL()); err != nil {
		return Decision{}, fmt.Errorf("save %q to %s: %w", key, st.Name(), err)
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     l.policy.Requests,
		Remaining: b.Remaining(),
		Backend:   st.Name(),
	}
	if !allowed {
		d.RetryAfter = b.RetryAfter(cost)
	}
	return d, nil
}

func (l *Limiter) degrade(key string, err error) {
	reason := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	if l.opts.OnDegrade != nil {
		l.opts.OnDegrade(reason)
	}
	l.warn.Do(func() {
		l.opts.Logger.Warn().Err(err).Str("key", key).Str("reason", reason).
			Msg("shared bucket store failed, deciding on local buckets")
	})
}
