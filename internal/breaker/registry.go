package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/events"
)

// ErrUnknownService is returned when resetting a breaker that was never created.
var ErrUnknownService = errors.New("unknown service")

// Option configures a Registry.
type Option func(*Registry)

// WithDefaults replaces the settings used for services without an override.
func WithDefaults(cfg Config) Option {
	return func(r *Registry) { r.defaults = cfg.merge(DefaultConfig()) }
}

// WithProviders installs per-service overrides from the config file.
func WithProviders(providers map[string]config.ProviderConfig) Option {
	return func(r *Registry) {
		for name, p := range providers {
			r.overrides[name] = ConfigFromProvider(p)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithPublisher publishes state changes on the event bus.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// Registry owns one breaker per service name. Breakers are created lazily
// and live for the lifetime of the registry.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  Config
	overrides map[string]Config
	logger    *slog.Logger
	publisher events.Publisher
}

// NewRegistry creates a registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		breakers:  make(map[string]*Breaker),
		defaults:  DefaultConfig(),
		overrides: make(map[string]Config),
		logger:    slog.Default(),
		publisher: events.Discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure sets the override for a service. An existing breaker for the
// service is replaced, which closes it.
func (r *Registry) Configure(service string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overrides[service] = cfg
	if _, ok := r.breakers[service]; ok {
		r.breakers[service] = r.newBreakerLocked(service)
	}
}

// Get returns the breaker for the given service, creating it if needed.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := r.newBreakerLocked(service)
	r.breakers[service] = b
	return b
}

func (r *Registry) newBreakerLocked(service string) *Breaker {
	cfg := r.defaults
	if override, ok := r.overrides[service]; ok {
		cfg = override.merge(r.defaults)
	}
	return newBreaker(service, cfg, r.logger, r.stateChanged)
}

func (r *Registry) stateChanged(service string, from, to State) {
	r.publisher.Publish(events.TopicBreaker, events.BreakerStateEvent{
		Service:   service,
		From:      string(from),
		To:        string(to),
		Timestamp: time.Now(),
	})
}

// Execute runs fn through the named service's breaker.
func (r *Registry) Execute(ctx context.Context, service string, fn func(context.Context) (any, error)) (any, error) {
	return r.Get(service).Execute(ctx, fn)
}

// Do is the typed form of Registry.Execute.
func Do[T any](ctx context.Context, r *Registry, service string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	result, err := r.Execute(ctx, service, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if result == nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("breaker %q: unexpected result type %T", service, result)
	}
	return typed, err
}

// Services returns the names of all created breakers, sorted.
func (r *Registry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) snapshot() []*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].service < out[j].service })
	return out
}

// Stats returns a snapshot of every breaker, sorted by service.
func (r *Registry) Stats() []Stats {
	breakers := r.snapshot()
	out := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Stats())
	}
	return out
}

// StatsFor returns the snapshot for one service. ok is false if the
// service has no breaker yet.
func (r *Registry) StatsFor(service string) (Stats, bool) {
	r.mu.Lock()
	b, ok := r.breakers[service]
	r.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return b.Stats(), true
}

// Health maps each service to whether its circuit is closed.
func (r *Registry) Health() map[string]bool {
	health := make(map[string]bool)
	for _, b := range r.snapshot() {
		health[b.service] = b.State() == Closed
	}
	return health
}

// OpenCount returns the number of circuits currently open.
func (r *Registry) OpenCount() int {
	n := 0
	for _, b := range r.snapshot() {
		if b.State() == Open {
			n++
		}
	}
	return n
}

// Reset closes the named circuit.
func (r *Registry) Reset(service string) error {
	r.mu.Lock()
	b, ok := r.breakers[service]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	b.Reset()
	return nil
}

// ResetAll closes every circuit.
func (r *Registry) ResetAll() {
	for _, b := range r.snapshot() {
		b.Reset()
	}
}
