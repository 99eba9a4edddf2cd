package courseinfo

import "time"

// Option configures a GraphRegistry at construction time.
type Option func(*GraphRegistry)

// WithLogger sets the registry's logger. Defaults to NopLogger.
func WithLogger(l Logger) Option {
	return func(r *GraphRegistry) {
		if l != nil {
			r.deps.logger = l
		}
	}
}

// WithClock overrides the registry's time source. Tests use this to drive
// idle eviction deterministically.
func WithClock(clock func() time.Time) Option {
	return func(r *GraphRegistry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithCapacity sets how many course graphs the process cache holds before
// evicting the least recently accessed one. Defaults to
// DefaultGraphCacheSize.
func WithCapacity(n int) Option {
	return func(r *GraphRegistry) { r.capacity = n }
}

// WithCurrentUser installs the resolver for the session user, consulted
// when a caller passes userID 0. Defaults to a resolver returning NoUser.
func WithCurrentUser(fn func() int64) Option {
	return func(r *GraphRegistry) {
		if fn != nil {
			r.currentUser = fn
		}
	}
}

// WithPlugins replaces the registry's plugin registry. The default registry
// treats every module type as installed.
func WithPlugins(p *PluginRegistry) Option {
	return func(r *GraphRegistry) {
		if p != nil {
			r.deps.plugins = p
		}
	}
}

// WithAvailability sets the availability-rule evaluator. Defaults to
// AlwaysAvailable.
func WithAvailability(e AvailabilityEvaluator) Option {
	return func(r *GraphRegistry) {
		if e != nil {
			r.deps.availability = e
		}
	}
}

// WithPermissions sets the capability checker. Defaults to AllowAll.
func WithPermissions(p PermissionService) Option {
	return func(r *GraphRegistry) {
		if p != nil {
			r.deps.permissions = p
		}
	}
}

// WithFormat sets the course format. Defaults to StandardFormat.
func WithFormat(f CourseFormat) Option {
	return func(r *GraphRegistry) {
		if f != nil {
			r.deps.format = f
		}
	}
}

// WithObserver registers an observer for the given event types (all events
// when none are named).
func WithObserver(o Observer, eventTypes ...string) Option {
	return func(r *GraphRegistry) { r.RegisterObserver(o, eventTypes...) }
}
