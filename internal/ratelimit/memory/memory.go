package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AlexKimmel/GateRelay/internal/ratelimit"
)

type entry struct {
	mu        sync.Mutex
	state     ratelimit.State
	saved     bool
	expiresAt time.Time
	dead      bool // removed from the map; lockers must retry
}

// Store keeps buckets in process memory. Load and Save expect the caller to
// hold LockKey for the key, which the limiter does.
type Store struct {
	now     func() time.Time
	entries sync.Map // key -> *entry
}

type Option func(*Store)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Name() string { return "local" }

func (s *Store) LockKey(key string) func() {
	for {
		v, _ := s.entries.LoadOrStore(key, &entry{})
		e := v.(*entry)
		e.mu.Lock()
		if !e.dead {
			return e.mu.Unlock
		}
		e.mu.Unlock()
	}
}

func (s *Store) Load(_ context.Context, key string) (ratelimit.State, bool, error) {
	v, ok := s.entries.Load(key)
	if !ok {
		return ratelimit.State{}, false, nil
	}
	e := v.(*entry)
	if !e.saved || s.expired(e) {
		return ratelimit.State{}, false, nil
	}
	return e.state, true, nil
}

func (s *Store) Save(_ context.Context, key string, st ratelimit.State, ttl time.Duration) error {
	v, _ := s.entries.LoadOrStore(key, &entry{})
	e := v.(*entry)
	e.state = st
	e.saved = true
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return nil
}

func (s *Store) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

// Sweep drops expired buckets.
func (s *Store) Sweep() {
	s.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.saved && s.expired(e) {
			e.dead = true
			s.entries.CompareAndDelete(k, e)
		}
		e.mu.Unlock()
		return true
	})
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// StartJanitor sweeps expired buckets every interval until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
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
				s.Sweep()
			}
		}
	}()
}
