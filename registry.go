package wsstream

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type RegistryEvent uint8

const (
	EventRegister RegistryEvent = iota + 1
	EventUnregister
)

// Registry keeps track of live streams by key. Streams leave the registry when they are
// closed, when they are unregistered, or when a broadcast to them fails.
type Registry[K comparable] struct {
	mu      sync.RWMutex
	streams map[K]*Stream

	events *EventEmitterCallback[RegistryEvent, K]
	logger Logger
	limit  int
}

// NewRegistry creates a registry. concurrency bounds the number of parallel writes during a
// broadcast; zero or less means unbounded.
func NewRegistry[K comparable](logger Logger, concurrency int) *Registry[K] {
	return &Registry[K]{
		streams: make(map[K]*Stream),
		events:  NewEventEmitter[RegistryEvent, K](),
		logger:  logger.WithField("type", "registry"),
		limit:   concurrency,
	}
}

// On registers cb for registry events. Callbacks run synchronously on the goroutine that
// triggered the event.
func (r *Registry[K]) On(event RegistryEvent, cb func(key K)) {
	r.events.On(event, cb)
}

// Register stores s under key. A stream previously registered under the same key is closed.
func (r *Registry[K]) Register(key K, s *Stream) {
	r.mu.Lock()
	prev, found := r.streams[key]
	r.streams[key] = s
	r.mu.Unlock()

	if found && prev != s {
		r.logger.Infof("replacing stream registered as %v", key)
		_ = prev.Close()
	}

	r.events.Emit(EventRegister, key)
	go r.watch(key, s)
}

func (r *Registry[K]) watch(key K, s *Stream) {
	<-s.CloseChan()
	r.remove(key, s)
}

// remove deletes key only while it still maps to s.
func (r *Registry[K]) remove(key K, s *Stream) bool {
	r.mu.Lock()
	cur, ok := r.streams[key]
	if !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.streams, key)
	r.mu.Unlock()

	r.events.Emit(EventUnregister, key)
	return true
}

// Unregister removes key and closes its stream. It reports whether key was registered.
func (r *Registry[K]) Unregister(key K) bool {
	s, ok := r.Get(key)
	if !ok {
		return false
	}
	removed := r.remove(key, s)
	_ = s.Close()
	return removed
}

func (r *Registry[K]) Get(key K) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

func (r *Registry[K]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Broadcast writes p to every registered stream except the given keys, concurrently.
// Streams whose write fails are evicted and closed. It returns how many streams accepted
// the write; the error is only set when ctx ended the broadcast.
func (r *Registry[K]) Broadcast(ctx context.Context, p []byte, except ...K) (int, error) {
	skip := make(map[K]struct{}, len(except))
	for _, k := range except {
		skip[k] = struct{}{}
	}

	r.mu.RLock()
	targets := make(map[K]*Stream, len(r.streams))
	for k, s := range r.streams {
		if _, excluded := skip[k]; !excluded {
			targets[k] = s
		}
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}

	var delivered atomic.Int64
	for key, s := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := s.Write(p); err != nil {
				r.logger.Warnf("evicting stream %v after failed write: %s", key, err)
				r.remove(key, s)
				_ = s.Close()
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}

	err := g.Wait()
	return int(delivered.Load()), err
}

// Close closes every registered stream and drops all event listeners.
func (r *Registry[K]) Close() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[K]*Stream)
	r.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}
	r.events.Close()
}
