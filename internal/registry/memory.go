package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/moonkev/flexdisco/internal/common/telemetry"
	"github.com/moonkev/flexdisco/internal/common/types"
)

type memoryEntry struct {
	inst     types.ServiceInstance
	ttl      time.Duration
	deadline time.Time
}

type expirySub struct {
	ch  chan string
	ctx context.Context
}

// MemoryStore keeps entries in process and removes them from a sweeper goroutine once their
// deadline has passed. An entry past its deadline but not yet swept behaves as absent.
type MemoryStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry

	subMu  sync.Mutex
	subs   map[*expirySub]struct{}
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMemoryStore starts a store that sweeps expired entries every interval
func NewMemoryStore(clock clockwork.Clock, interval time.Duration) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Second
	}
	s := &MemoryStore{
		clock:   clock,
		entries: make(map[string]memoryEntry),
		subs:    make(map[*expirySub]struct{}),
		done:    make(chan struct{}),
	}
	ticker := clock.NewTicker(interval)
	s.wg.Add(1)
	go s.sweepLoop(ticker)
	return s
}

func (s *MemoryStore) Register(_ context.Context, inst types.ServiceInstance, ttl time.Duration) (bool, error) {
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	key := KeyOf(inst)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.entries[key]
	created := !ok || !now.Before(old.deadline)
	s.entries[key] = memoryEntry{inst: inst, ttl: ttl, deadline: now.Add(ttl)}
	observe("register", nil)
	return created, nil
}

func (s *MemoryStore) Refresh(_ context.Context, inst types.ServiceInstance) (bool, error) {
	key := KeyOf(inst)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	observe("refresh", nil)
	if !ok || !now.Before(e.deadline) {
		return false, nil
	}
	e.deadline = now.Add(e.ttl)
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) Unregister(_ context.Context, inst types.ServiceInstance) (bool, error) {
	key := KeyOf(inst)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	delete(s.entries, key)
	observe("unregister", nil)
	return ok && now.Before(e.deadline), nil
}

func (s *MemoryStore) ListAll(_ context.Context) (map[types.ServiceType][]types.ServiceInstance, error) {
	return group(s.live(func(types.ServiceInstance) bool { return true })), nil
}

func (s *MemoryStore) ListByType(_ context.Context, st types.ServiceType) ([]types.ServiceInstance, error) {
	list := s.live(func(inst types.ServiceInstance) bool { return inst.ServiceType == st })
	sortInstances(list)
	return list, nil
}

func (s *MemoryStore) live(keep func(types.ServiceInstance) bool) []types.ServiceInstance {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ServiceInstance
	for _, e := range s.entries {
		if now.Before(e.deadline) && keep(e.inst) {
			out = append(out, e.inst)
		}
	}
	return out
}

// Expirations delivers every swept key to every subscriber. Sends block until the subscriber
// reads, its ctx ends or the store closes; keys are never dropped for a slow reader.
func (s *MemoryStore) Expirations(ctx context.Context) (<-chan string, error) {
	sub := &expirySub{ch: make(chan string, 16), ctx: ctx}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		close(sub.ch)
		return sub.ch, nil
	}
	s.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
	}()
	return sub.ch, nil
}

func (s *MemoryStore) sweepLoop(ticker clockwork.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []string
	for key, e := range s.entries {
		if !now.Before(e.deadline) {
			expired = append(expired, key)
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()

	for _, key := range expired {
		slog.Info("Registry entry expired", "key", key)
		telemetry.MetricRegistryExpirations.Inc()
		s.notify(key)
	}
}

func (s *MemoryStore) notify(key string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- key:
		case <-sub.ctx.Done():
		case <-s.done:
		}
	}
}

// Close stops the sweeper and closes every expiration channel
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.subMu.Lock()
		defer s.subMu.Unlock()
		s.closed = true
		for sub := range s.subs {
			delete(s.subs, sub)
			close(sub.ch)
		}
	})
	return nil
}
