package courseinfo

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event type constants for course cache events.
// Following CloudEvents specification reverse domain notation.
const (
	// Graph lifecycle events
	EventTypeGraphHit   = "com.modular.courseinfo.graph.hit"
	EventTypeGraphMiss  = "com.modular.courseinfo.graph.miss"
	EventTypeGraphEvict = "com.modular.courseinfo.graph.evicted"

	// Store lifecycle events
	EventTypeRebuild     = "com.modular.courseinfo.rebuild"
	EventTypeLockTimeout = "com.modular.courseinfo.lock.timeout"
	EventTypeCorrupt     = "com.modular.courseinfo.corrupt"

	// Invalidation events
	EventTypeCoursePurged  = "com.modular.courseinfo.purged.course"
	EventTypeModulePurged  = "com.modular.courseinfo.purged.module"
	EventTypeSectionPurged = "com.modular.courseinfo.purged.section"
)

// eventSource identifies this subsystem in emitted CloudEvents.
const eventSource = "courseinfo-registry"

// Observer receives the cache's CloudEvents. Observers should handle events
// quickly; emission is synchronous and an observer error is logged, never
// propagated to the cache operation that triggered it.
type Observer interface {
	// OnEvent is called for every event the observer is subscribed to.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for registration tracking.
	ObserverID() string
}

// NewCourseEvent creates a CloudEvent for a course cache occurrence. Event
// IDs are UUIDv7 so they sort by emission time.
func NewCourseEvent(eventType string, courseID int64, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource(eventSource)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	event.SetExtension("courseid", courseID)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// RegisteredEventTypes returns every event type the registry can emit.
func RegisteredEventTypes() []string {
	return []string{
		EventTypeGraphHit,
		EventTypeGraphMiss,
		EventTypeGraphEvict,
		EventTypeRebuild,
		EventTypeLockTimeout,
		EventTypeCorrupt,
		EventTypeCoursePurged,
		EventTypeModulePurged,
		EventTypeSectionPurged,
	}
}
