package assetcache

import (
	"log/slog"
	"runtime"
	"weak"

	"go.opentelemetry.io/otel/trace"

	"github.com/meigma/assetcache/tier"
)

// Default budgets used when no budget option is given.
const (
	DefaultEncodedBudget int64 = 64 << 20 // 64 MB
	DefaultDecodedBudget int64 = 1024     // entries, with the default cost function
)

// Option configures a Cache.
type Option func(*options)

type options struct {
	encodedBudget   int64
	decodedBudget   int64
	maxEncodedEntry int64
	maxDecodedEntry int64
	policy          Policy
	logger          *slog.Logger
	tracer          trace.Tracer
	costFunc        any // func(V) int64
	evictHook       any // func(Key, V, tier.EvictReason)
	weakRef         any // func(V, func()) func() (V, bool)
}

// WithEncodedBudget sets the encoded tier budget in bytes.
// Defaults to DefaultEncodedBudget. Zero disables the encoded tier.
func WithEncodedBudget(n int64) Option {
	return func(o *options) {
		o.encodedBudget = n
	}
}

// WithDecodedBudget sets the decoded tier budget in cost units.
// Defaults to DefaultDecodedBudget. Zero disables the decoded tier.
func WithDecodedBudget(n int64) Option {
	return func(o *options) {
		o.decodedBudget = n
	}
}

// WithMaxEncodedEntryBytes stops caching encoded buffers larger than n
// bytes even when the budget could hold them. Values <= 0 disable the limit.
func WithMaxEncodedEntryBytes(n int64) Option {
	return func(o *options) {
		o.maxEncodedEntry = n
	}
}

// WithMaxDecodedEntryCost stops caching decoded values costing more than n
// even when the budget could hold them. Values <= 0 disable the limit.
func WithMaxDecodedEntryCost(n int64) Option {
	return func(o *options) {
		o.maxDecodedEntry = n
	}
}

// WithCostFunc sets the function computing a decoded value's cost at
// insertion time. The default charges one unit per entry. The type
// parameter must match the Cache's value type.
func WithCostFunc[V any](fn func(V) int64) Option {
	return func(o *options) {
		o.costFunc = fn
	}
}

// WithEvictHook registers a hook called when decoded values leave the
// decoded tier through capacity pressure, Invalidate or Clear, so callers
// can release resources a value holds. Values overwritten by a concurrent
// fill of the same key are not reported, since an earlier Get may still
// be using them. The type parameter must match the Cache's value type.
func WithEvictHook[V any](hook func(key Key, value V, reason tier.EvictReason)) Option {
	return func(o *options) {
		o.evictHook = hook
	}
}

// WithWeakRecovery lets a Cache of *T values return a value that has left
// every tier while the caller or anyone else still holds it, instead of
// decoding the asset again. The cache keeps only weak pointers, so it never
// extends a value's lifetime.
func WithWeakRecovery[T any]() Option {
	return func(o *options) {
		o.weakRef = func(v *T, collected func()) func() (*T, bool) {
			if v == nil {
				return nil
			}
			wp := weak.Make(v)
			runtime.AddCleanup(v, func(done func()) { done() }, collected)
			return func() (*T, bool) {
				p := wp.Value()
				return p, p != nil
			}
		}
	}
}

// WithDefaultPolicy sets the policy used when Get is called with a nil
// policy. Defaults to AlwaysCacheIfAbsent.
func WithDefaultPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithLogger sets a logger for the cache.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracer sets the tracer used for fetch and decode spans.
// Defaults to the global OpenTelemetry tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}
