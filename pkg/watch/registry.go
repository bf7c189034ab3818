// Package watch delivers committed graph changes to subscribers whose
// predicate matches them.
package watch

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"
	"weak"

	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/predicate"
)

// ErrSubscription is returned for malformed subscription predicates.
var ErrSubscription = errors.New("invalid subscription")

// Handle identifies a subscription. The zero Handle is never issued.
type Handle uint64

// AnyKind subscribes to nodes of every kind.
const AnyKind graph.Kind = ""

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithDefaultDispatcher sets the dispatcher used by subscriptions that do
// not choose one. The default is Inline.
func WithDefaultDispatcher(d Dispatcher) Option {
	return func(r *Registry) { r.dispatcher = d }
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscription)

// WithDispatcher runs this subscription's callbacks on d.
func WithDispatcher(d Dispatcher) SubscribeOption {
	return func(s *subscription) { s.disp = d }
}

// Registry holds the active subscriptions of a graph and fans each published
// change log out to them.
type Registry struct {
	logger     *slog.Logger
	dispatcher Dispatcher

	mu   sync.RWMutex
	subs map[Handle]*subscription
	next atomic.Uint64

	detach func()
}

type subscription struct {
	handle Handle
	kind   graph.Kind
	pred   predicate.Predicate
	disp   Dispatcher
	load   func() Delegate
	active atomic.Bool
}

// NewRegistry returns an empty registry. Attach it to a graph with
// graph.Observe, or use Attach.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:     slog.Default(),
		dispatcher: Inline,
		subs:       make(map[Handle]*subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach creates a registry observing g.
func Attach(g *graph.Graph, opts ...Option) *Registry {
	r := NewRegistry(opts...)
	r.detach = g.Observe(r)
	return r
}

// Close detaches the registry from its graph and drops every subscription.
func (r *Registry) Close() {
	if r.detach != nil {
		r.detach()
	}
	r.mu.Lock()
	for h, s := range r.subs {
		s.active.Store(false)
		delete(r.subs, h)
		GraphkitSubscriptions.Dec()
	}
	r.mu.Unlock()
}

// Subscribe registers d for entries on nodes of kind that match p. The
// registry holds d weakly: once the caller drops its last reference the
// subscription stops delivering and is pruned. Delegates that are never
// collected (zero-size values, package-level variables) are held strongly.
func Subscribe[T any, PT interface {
	*T
	Delegate
}](r *Registry, kind graph.Kind, p predicate.Predicate, d PT, opts ...SubscribeOption) (Handle, error) {
	if d == nil {
		return 0, fmt.Errorf("%w: nil delegate", ErrSubscription)
	}
	if !heapAllocated((*T)(d)) {
		return r.add(kind, p, func() Delegate { return d }, opts)
	}
	wp := weak.Make((*T)(d))
	load := func() Delegate {
		if v := wp.Value(); v != nil {
			return PT(v)
		}
		return nil
	}
	return r.add(kind, p, load, opts)
}

// heapAllocated reports whether p points into the garbage-collected heap.
// weak.Make aborts the process for any other pointer.
func heapAllocated[T any](p *T) bool {
	if unsafe.Sizeof(*p) == 0 {
		return false
	}
	// AddCleanup returns the zero Cleanup for pointers without a heap span.
	c := runtime.AddCleanup(p, func(struct{}) {}, struct{}{})
	if c == (runtime.Cleanup{}) {
		return false
	}
	c.Stop()
	return true
}

// SubscribeExpr is Subscribe with a predicate expression in the syntax of
// predicate.Parse.
func SubscribeExpr[T any, PT interface {
	*T
	Delegate
}](r *Registry, kind graph.Kind, expr string, d PT, opts ...SubscribeOption) (Handle, error) {
	p, err := predicate.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSubscription, err)
	}
	return Subscribe(r, kind, p, d, opts...)
}

// SubscribeOwned registers d and keeps it alive until Unsubscribe or Close.
func (r *Registry) SubscribeOwned(kind graph.Kind, p predicate.Predicate, d Delegate, opts ...SubscribeOption) (Handle, error) {
	if d == nil {
		return 0, fmt.Errorf("%w: nil delegate", ErrSubscription)
	}
	return r.add(kind, p, func() Delegate { return d }, opts)
}

func (r *Registry) add(kind graph.Kind, p predicate.Predicate, load func() Delegate, opts []SubscribeOption) (Handle, error) {
	if kind != AnyKind && !kind.Valid() {
		return 0, fmt.Errorf("%w: unknown node kind %q", ErrSubscription, kind)
	}
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSubscription, err)
	}

	s := &subscription{
		handle: Handle(r.next.Add(1)),
		kind:   kind,
		pred:   p,
		disp:   r.dispatcher,
		load:   load,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.active.Store(true)

	r.mu.Lock()
	r.subs[s.handle] = s
	r.mu.Unlock()
	GraphkitSubscriptions.Inc()

	r.logger.Debug("watch subscribed", "handle", s.handle, "kind", kind, "predicate", p.String())
	return s.handle, nil
}

// Unsubscribe removes a subscription. It reports whether the handle was
// live; calling it again is harmless.
func (r *Registry) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	s, ok := r.subs[h]
	if ok {
		delete(r.subs, h)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.active.Store(false)
	GraphkitSubscriptions.Dec()
	r.logger.Debug("watch unsubscribed", "handle", h)
	return true
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Publish implements graph.Observer. Each subscription gets its matching
// entries as one batch, in log order, on its dispatcher.
func (r *Registry) Publish(log *graph.ChangeLog) {
	r.mu.RLock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.RUnlock()
	slices.SortFunc(subs, func(a, b *subscription) int {
		return cmp.Compare(a.handle, b.handle)
	})

	var released []Handle
	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		d := s.load()
		if d == nil {
			released = append(released, s.handle)
			continue
		}

		var matched []*graph.Entry
		for i := range log.Entries {
			e := &log.Entries[i]
			if s.kind != AnyKind && e.Node.Kind != s.kind {
				continue
			}
			if predicate.Matches(s.pred, e) {
				matched = append(matched, e)
			}
		}
		if len(matched) == 0 {
			continue
		}

		s.disp.Dispatch(func() {
			for _, e := range matched {
				if !s.active.Load() {
					return
				}
				deliver(d, e)
				GraphkitDeliveriesTotal.WithLabelValues(string(e.Kind)).Inc()
			}
		})
	}

	for _, h := range released {
		if r.Unsubscribe(h) {
			GraphkitReleasedTotal.Inc()
			r.logger.Debug("watch delegate released", "handle", h)
		}
	}
}
