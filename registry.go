package courseinfo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/courseinfo/store"
)

// DefaultGraphCacheSize is the default capacity of the process-level graph
// cache.
const DefaultGraphCacheSize = 10

// RegistryStats are the registry's monotonic operation counters.
type RegistryStats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Rebuilds    uint64 `json:"rebuilds"`
	Evictions   uint64 `json:"evictions"`
	Purges      uint64 `json:"purges"`
	Corruptions uint64 `json:"corruptions"`
}

type graphEntry struct {
	graph      *CourseGraph
	lastAccess time.Time
}

type registeredObserver struct {
	observer Observer
	types    map[string]bool // empty means all events
}

// GraphRegistry is the process-scoped entry point of the cache: it hands
// out CourseGraph instances, keeping up to a fixed number of them in memory
// with least-recently-accessed eviction, and coordinates rebuilds against
// the shared versioned store. One registry per process (or per long-lived
// worker) replaces any ambient global state; the clock and the current-user
// resolver are injected.
//
// All methods are safe for concurrent use within the process. Cross-process
// rebuild coordination goes through the store's advisory locks.
type GraphRegistry struct {
	deps  *services
	store store.VersionedStore

	moduleBuilder  *ModuleRecordBuilder
	sectionBuilder *SectionCacheBuilder

	clock       func() time.Time
	capacity    int
	currentUser func() int64

	mu          sync.Mutex
	graphs      map[int64]*graphEntry
	minVersions map[int64]int64
	observers   []registeredObserver
	stats       RegistryStats
}

// NewGraphRegistry creates a registry over a row source and a versioned
// store. Collaborators not supplied through options fall back to permissive
// defaults (AllowAll permissions, AlwaysAvailable rules, StandardFormat,
// a plugin registry treating every type as installed).
func NewGraphRegistry(source RowSource, vs store.VersionedStore, opts ...Option) (*GraphRegistry, error) {
	if source == nil {
		return nil, ErrNoRowSource
	}
	if vs == nil {
		return nil, ErrNoStore
	}

	r := &GraphRegistry{
		deps: &services{
			source:       source,
			plugins:      NewPluginRegistry().SetAllowUnknown(true),
			availability: AlwaysAvailable{},
			permissions:  AllowAll{},
			format:       StandardFormat{},
			logger:       NopLogger{},
		},
		store:       vs,
		clock:       time.Now,
		capacity:    DefaultGraphCacheSize,
		currentUser: func() int64 { return NoUser },
		graphs:      make(map[int64]*graphEntry),
		minVersions: make(map[int64]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.capacity < 1 {
		return nil, ErrConfigInvalidCapacity
	}
	r.moduleBuilder = NewModuleRecordBuilder(r.deps.source, r.deps.plugins, r.deps.logger)
	r.sectionBuilder = NewSectionCacheBuilder(r.deps.source, r.deps.format, r.deps.logger)
	return r, nil
}

// Plugins returns the registry's plugin registry.
func (r *GraphRegistry) Plugins() *PluginRegistry { return r.deps.plugins }

// Graph returns the (course, user) graph, reading the course row from the
// row source. A userID of 0 is normalized to the current-session user.
func (r *GraphRegistry) Graph(ctx context.Context, courseID, userID int64) (*CourseGraph, error) {
	course, err := r.deps.source.Course(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("loading course %d: %w", courseID, err)
	}
	return r.GraphForCourse(ctx, course, userID)
}

// GraphForCourse returns the (course, user) graph for an already-loaded
// course row. A cached graph is reused only when it was built for the same
// user and, if the row carries a version, for the same version; otherwise
// the stale entry is evicted and the graph is rebuilt.
func (r *GraphRegistry) GraphForCourse(ctx context.Context, course *CourseRow, userID int64) (*CourseGraph, error) {
	if course == nil {
		return nil, ErrCourseNotFound
	}
	if userID == 0 {
		userID = r.currentUser()
	}

	r.mu.Lock()
	if e, ok := r.graphs[course.ID]; ok {
		if e.graph.userID == userID && (course.CacheRev == 0 || course.CacheRev == e.graph.version) {
			e.lastAccess = r.clock()
			r.stats.Hits++
			r.mu.Unlock()
			r.notify(ctx, NewCourseEvent(EventTypeGraphHit, course.ID, nil))
			return e.graph, nil
		}
		delete(r.graphs, course.ID)
	}
	r.stats.Misses++
	floor := r.minVersions[course.ID]
	r.mu.Unlock()
	r.notify(ctx, NewCourseEvent(EventTypeGraphMiss, course.ID, nil))

	g, err := r.buildGraph(ctx, course, userID, floor)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.graphs[course.ID] = &graphEntry{graph: g, lastAccess: r.clock()}
	evicted := r.evictOverCapacityLocked()
	r.mu.Unlock()
	for _, id := range evicted {
		r.notify(ctx, NewCourseEvent(EventTypeGraphEvict, id, nil))
	}
	return g, nil
}

// buildGraph resolves the course version, fetches or rebuilds the payload
// and expands it. The integrity spot-check covers this course only: if any
// cached module's access-control context no longer resolves, the course row
// is re-read and a full rebuild forced.
func (r *GraphRegistry) buildGraph(ctx context.Context, course *CourseRow, userID, floor int64) (*CourseGraph, error) {
	version := course.CacheRev
	if version == 0 || version < floor {
		// The caller's course object predates a purge (or never carried a
		// version); re-fetch rather than trust it.
		fresh, err := r.deps.source.Course(ctx, course.ID)
		if err != nil {
			return nil, fmt.Errorf("refreshing course %d: %w", course.ID, err)
		}
		course = fresh
		version = fresh.CacheRev
	}

	rec, err := r.payloadForCourse(ctx, course, version, false)
	if err != nil {
		return nil, err
	}

	if !r.recordContextsResolve(rec) {
		r.deps.logger.Warn("Cached payload has unresolvable module contexts, forcing rebuild",
			"course", course.ID, "error", ErrCorruptCache)
		r.mu.Lock()
		r.stats.Corruptions++
		r.mu.Unlock()
		r.notify(ctx, NewCourseEvent(EventTypeCorrupt, course.ID, nil))

		fresh, err := r.deps.source.Course(ctx, course.ID)
		if err != nil {
			return nil, fmt.Errorf("refreshing course %d after corruption: %w", course.ID, err)
		}
		course = fresh
		rec, err = r.payloadForCourse(ctx, course, fresh.CacheRev, true)
		if err != nil {
			return nil, err
		}
	}

	return newCourseGraph(r.deps, course, userID, rec), nil
}

// payloadForCourse implements the read-through path: try the store at the
// required version, fall back to the lock-protected rebuild.
func (r *GraphRegistry) payloadForCourse(ctx context.Context, course *CourseRow, version int64, force bool) (*CachedCourseRecord, error) {
	key := courseKey(course.ID)
	if !force {
		b, _, err := r.store.GetVersioned(ctx, key, version)
		if err == nil {
			rec, derr := DecodeRecord(b)
			if derr == nil {
				return rec, nil
			}
			r.deps.logger.Warn("Undecodable cached payload, rebuilding", "course", course.ID, "error", derr)
		} else if !errors.Is(err, store.ErrMiss) {
			return nil, fmt.Errorf("reading cached payload for course %d: %w", course.ID, err)
		}
	}
	return r.rebuildWithLock(ctx, course, version, force)
}

// rebuildWithLock performs the rebuild under the advisory lock: acquire,
// re-check, build, store, release. The lock is released on every exit path;
// a lock timeout surfaces as a build failure, never as silent stale data.
func (r *GraphRegistry) rebuildWithLock(ctx context.Context, course *CourseRow, version int64, force bool) (rec *CachedCourseRecord, err error) {
	key := courseKey(course.ID)
	token, err := r.store.AcquireLock(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrLockTimeout) {
			r.notify(ctx, NewCourseEvent(EventTypeLockTimeout, course.ID, nil))
		}
		return nil, fmt.Errorf("locking course %d for rebuild: %w", course.ID, err)
	}
	defer func() {
		if rerr := r.store.ReleaseLock(ctx, key, token); rerr != nil && !errors.Is(rerr, store.ErrNotLockOwner) {
			r.deps.logger.Warn("Failed to release rebuild lock", "course", course.ID, "error", rerr)
		}
	}()

	if !force {
		// Another process may have finished the rebuild while we waited.
		if b, _, gerr := r.store.GetVersioned(ctx, key, version); gerr == nil {
			if fresh, derr := DecodeRecord(b); derr == nil {
				return fresh, nil
			}
		}
	}

	rec, err = r.buildRecord(ctx, course, version)
	if err != nil {
		return nil, err
	}
	encoded, err := rec.Encode()
	if err != nil {
		return nil, err
	}
	if err := r.store.SetVersioned(ctx, key, rec.Version, encoded); err != nil {
		return nil, fmt.Errorf("storing payload for course %d: %w", course.ID, err)
	}

	r.mu.Lock()
	r.stats.Rebuilds++
	r.mu.Unlock()
	r.deps.logger.Info("Rebuilt course cache", "course", course.ID, "version", rec.Version,
		"modules", len(rec.Modules), "sections", len(rec.Sections))
	r.notify(ctx, NewCourseEvent(EventTypeRebuild, course.ID, map[string]any{"version": rec.Version}))
	return rec, nil
}

// buildRecord assembles a fresh payload. Builder failures propagate; a
// partial record is never stored.
func (r *GraphRegistry) buildRecord(ctx context.Context, course *CourseRow, version int64) (*CachedCourseRecord, error) {
	modules, err := r.moduleBuilder.Build(ctx, course)
	if err != nil {
		return nil, err
	}
	sections, err := r.sectionBuilder.Build(ctx, course)
	if err != nil {
		return nil, err
	}
	return &CachedCourseRecord{
		Version:  version,
		Modules:  modules,
		Sections: sections,
		CourseFields: map[string]string{
			"shortname": course.ShortName,
			"fullname":  course.FullName,
			"format":    course.Format,
		},
	}, nil
}

func (r *GraphRegistry) recordContextsResolve(rec *CachedCourseRecord) bool {
	for _, m := range rec.Modules {
		if !r.deps.plugins.Installed(m.Type) {
			continue
		}
		if _, ok := r.deps.permissions.ModuleContext(m.ID); !ok {
			return false
		}
	}
	return true
}

// PurgeCourse invalidates a course's cached payload: the source version
// counter is bumped and recorded as the store's minimum-version floor, so
// reads of data built before the purge miss even if a slow writer stores
// them afterwards. The process-cache entry is dropped.
func (r *GraphRegistry) PurgeCourse(ctx context.Context, courseID int64) error {
	newVersion, err := r.deps.source.BumpCourseVersion(ctx, courseID)
	if err != nil {
		return fmt.Errorf("bumping version for course %d: %w", courseID, err)
	}
	if err := r.store.Invalidate(ctx, courseKey(courseID), newVersion); err != nil {
		return fmt.Errorf("invalidating course %d: %w", courseID, err)
	}

	r.mu.Lock()
	delete(r.graphs, courseID)
	if newVersion > r.minVersions[courseID] {
		r.minVersions[courseID] = newVersion
	}
	r.stats.Purges++
	r.mu.Unlock()
	r.notify(ctx, NewCourseEvent(EventTypeCoursePurged, courseID, map[string]any{"version": newVersion}))
	return nil
}

// PurgeModule removes one module from the cached payload and marks the
// entry stale, forcing a full rebuild on the next read. Cheaper than
// deleting the entry outright: unrelated reads between the purge and the
// rebuild still see a single coherent miss rather than repeated partial
// misses.
func (r *GraphRegistry) PurgeModule(ctx context.Context, courseID, moduleID int64) error {
	err := r.editPayload(ctx, courseID, func(rec *CachedCourseRecord) {
		kept := rec.Modules[:0]
		for _, m := range rec.Modules {
			if m.ID != moduleID {
				kept = append(kept, m)
			}
		}
		rec.Modules = kept
	})
	if err != nil {
		return err
	}
	r.finishPartialPurge(ctx, courseID)
	r.notify(ctx, NewCourseEvent(EventTypeModulePurged, courseID, map[string]any{"module": moduleID}))
	return nil
}

// PurgeSection removes one section (by id) from the cached payload and
// marks the entry stale.
func (r *GraphRegistry) PurgeSection(ctx context.Context, courseID, sectionID int64) error {
	err := r.editPayload(ctx, courseID, func(rec *CachedCourseRecord) {
		kept := rec.Sections[:0]
		for _, s := range rec.Sections {
			if s.ID != sectionID {
				kept = append(kept, s)
			}
		}
		rec.Sections = kept
	})
	if err != nil {
		return err
	}
	r.finishPartialPurge(ctx, courseID)
	r.notify(ctx, NewCourseEvent(EventTypeSectionPurged, courseID, map[string]any{"section": sectionID}))
	return nil
}

// PurgeSectionByNumber removes one section (by number) from the cached
// payload and marks the entry stale.
func (r *GraphRegistry) PurgeSectionByNumber(ctx context.Context, courseID int64, number int) error {
	err := r.editPayload(ctx, courseID, func(rec *CachedCourseRecord) {
		kept := rec.Sections[:0]
		for _, s := range rec.Sections {
			if s.Number != number {
				kept = append(kept, s)
			}
		}
		rec.Sections = kept
	})
	if err != nil {
		return err
	}
	r.finishPartialPurge(ctx, courseID)
	r.notify(ctx, NewCourseEvent(EventTypeSectionPurged, courseID, map[string]any{"number": number}))
	return nil
}

// editPayload applies an in-place edit to the stored payload, bypassing
// staleness checks. A missing entry is fine: there is nothing to edit and
// the following MarkStale is a no-op.
func (r *GraphRegistry) editPayload(ctx context.Context, courseID int64, edit func(*CachedCourseRecord)) error {
	key := courseKey(courseID)
	b, version, err := r.store.Peek(ctx, key)
	if errors.Is(err, store.ErrMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading payload for course %d: %w", courseID, err)
	}
	rec, err := DecodeRecord(b)
	if err != nil {
		// Unreadable entry; the stale mark alone forces the rebuild.
		r.deps.logger.Warn("Undecodable cached payload during partial purge", "course", courseID, "error", err)
		return nil
	}
	edit(rec)
	encoded, err := rec.Encode()
	if err != nil {
		return err
	}
	if err := r.store.SetVersioned(ctx, key, version, encoded); err != nil {
		return fmt.Errorf("storing edited payload for course %d: %w", courseID, err)
	}
	return nil
}

func (r *GraphRegistry) finishPartialPurge(ctx context.Context, courseID int64) {
	if err := r.store.MarkStale(ctx, courseKey(courseID)); err != nil {
		r.deps.logger.Warn("Failed to mark course payload stale", "course", courseID, "error", err)
	}
	r.mu.Lock()
	delete(r.graphs, courseID)
	r.stats.Purges++
	r.mu.Unlock()
}

// EvictCourse drops the process-cache entry for one course. Idempotent;
// the shared store is untouched.
func (r *GraphRegistry) EvictCourse(courseID int64) {
	r.mu.Lock()
	if _, ok := r.graphs[courseID]; ok {
		delete(r.graphs, courseID)
		r.stats.Evictions++
	}
	r.mu.Unlock()
}

// Reset drops every process-cache entry and recorded version floor.
// Idempotent and always safe to call.
func (r *GraphRegistry) Reset() {
	r.mu.Lock()
	r.graphs = make(map[int64]*graphEntry)
	r.minVersions = make(map[int64]int64)
	r.mu.Unlock()
}

// EvictIdle drops process-cache entries not accessed within maxAge and
// returns how many were dropped.
func (r *GraphRegistry) EvictIdle(maxAge time.Duration) int {
	cutoff := r.clock().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.graphs {
		if e.lastAccess.Before(cutoff) {
			delete(r.graphs, id)
			r.stats.Evictions++
			n++
		}
	}
	return n
}

// Len returns the number of graphs in the process cache.
func (r *GraphRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.graphs)
}

// Stats returns a snapshot of the registry's counters.
func (r *GraphRegistry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// RegisterObserver subscribes an observer to cache events, optionally
// filtered by event type.
func (r *GraphRegistry) RegisterObserver(o Observer, eventTypes ...string) {
	if o == nil {
		return
	}
	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	r.mu.Lock()
	r.observers = append(r.observers, registeredObserver{observer: o, types: types})
	r.mu.Unlock()
}

// UnregisterObserver removes an observer. Idempotent.
func (r *GraphRegistry) UnregisterObserver(o Observer) {
	if o == nil {
		return
	}
	r.mu.Lock()
	kept := r.observers[:0]
	for _, reg := range r.observers {
		if reg.observer.ObserverID() != o.ObserverID() {
			kept = append(kept, reg)
		}
	}
	r.observers = kept
	r.mu.Unlock()
}

func (r *GraphRegistry) notify(ctx context.Context, event cloudevents.Event) {
	r.mu.Lock()
	observers := make([]registeredObserver, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	for _, reg := range observers {
		if len(reg.types) > 0 && !reg.types[event.Type()] {
			continue
		}
		if err := reg.observer.OnEvent(ctx, event); err != nil {
			r.deps.logger.Warn("Observer failed to handle event",
				"observer", reg.observer.ObserverID(), "type", event.Type(), "error", err)
		}
	}
}

// evictOverCapacityLocked removes least-recently-accessed entries until the
// cache fits its capacity. Caller holds r.mu.
func (r *GraphRegistry) evictOverCapacityLocked() []int64 {
	var evicted []int64
	for len(r.graphs) > r.capacity {
		var oldestID int64
		var oldest time.Time
		first := true
		for id, e := range r.graphs {
			if first || e.lastAccess.Before(oldest) {
				oldestID, oldest = id, e.lastAccess
				first = false
			}
		}
		delete(r.graphs, oldestID)
		r.stats.Evictions++
		evicted = append(evicted, oldestID)
	}
	return evicted
}

func courseKey(courseID int64) string {
	return fmt.Sprintf("course:%d", courseID)
}
