// Package courseinfo implements a versioned, multi-tier cache for per-course
// module metadata: the expensive-to-compute map of course modules, sections
// and their availability state that nearly every course page read needs.
//
// The cache has two tiers. A shared VersionedStore (see the store package)
// holds the serialized per-course payload keyed by an always-increasing
// course version counter, protected by advisory per-course locks so that
// concurrent requests do not stampede the row source during rebuilds. On top
// of that, a process-level GraphRegistry holds a small number of expanded
// CourseGraph instances, each pinned to one (course, user) pair and evicted
// by last access time.
//
// A CourseGraph expands the cached payload into live ModuleHandle and
// SectionHandle objects. Handles materialize their user-dependent state
// lazily in stages (basic, dynamic, view), invoking per-module-type plugin
// hooks at each stage; the staging is guarded so hooks may safely re-enter
// their own handle.
//
// Availability rules, capability checks and course-format behavior are
// external collaborators supplied through the interfaces in this file.
package courseinfo

import (
	"context"
)

// NoUser is the sentinel user id that disables all user-dependent staging:
// graphs built for NoUser never compute availability or visibility.
const NoUser int64 = -1

// CourseRow is one row of the course table as read from the row source.
// CacheRev is the always-increasing version counter for the course's cached
// payload; a zero CacheRev means the field was not populated by the caller
// and must be re-fetched.
type CourseRow struct {
	ID        int64
	ShortName string
	FullName  string
	Format    string
	CacheRev  int64
}

// ModuleRow is one row per course-module instance as read from the row
// source, before plugin display hints are merged in.
type ModuleRow struct {
	ID                 int64
	CourseID           int64
	Type               string
	Instance           int64
	SectionID          int64
	SectionNum         int
	Name               string
	Visible            bool
	VisibleOnPage      bool
	Indent             int
	GroupMode          int
	GroupingID         int64
	Completion         int
	CompletionExpected int64
	Availability       string
	DeletionInProgress bool
}

// SectionRow is one row per course section. A non-empty Component marks the
// section as delegated: owned and rendered by an external component instance
// (for module-owned sections the component is "mod_" + module type and
// ItemID is the owning module's instance id).
type SectionRow struct {
	ID           int64
	CourseID     int64
	Number       int
	Name         string
	Summary      string
	Visible      bool
	Availability string
	Component    string
	ItemID       int64
}

// RowSource provides row-oriented reads of the course, module and section
// tables. ModuleRows must return rows in course order: ascending section
// number, then the section's stored sequence order within each section.
// No transactional contract is required beyond read-your-writes within the
// same process.
type RowSource interface {
	// Course reads one course row. Returns ErrCourseNotFound if absent.
	Course(ctx context.Context, courseID int64) (*CourseRow, error)

	// ModuleRows reads all module rows for a course in course order.
	ModuleRows(ctx context.Context, courseID int64) ([]ModuleRow, error)

	// SectionRows reads all section rows for a course.
	SectionRows(ctx context.Context, courseID int64) ([]SectionRow, error)

	// BumpCourseVersion atomically increments the course's cache version
	// counter and returns the new value.
	BumpCourseVersion(ctx context.Context, courseID int64) (int64, error)

	// UserGroups returns the user's group ids per grouping for the course.
	// Key 0 holds all groups regardless of grouping.
	UserGroups(ctx context.Context, courseID, userID int64) (map[int64][]int64, error)
}

// Context identifies the access-control scope a capability check runs
// against: a course or one course module.
type Context struct {
	Level string // ContextCourse or ContextModule
	ID    int64
}

// Context levels
const (
	ContextCourse = "course"
	ContextModule = "module"
)

// Capability names consulted by the visibility algorithm.
const (
	CapViewHiddenActivities = "course:viewhiddenactivities"
	CapViewHiddenSections   = "course:viewhiddensections"
	CapIgnoreAvailability   = "course:ignoreavailability"
	CapManageActivities     = "course:manageactivities"
	CapActivityVisibility   = "course:activityvisibility"
)

// PermissionService answers capability checks and resolves module contexts.
// Capability evaluation internals are out of scope here; the service is
// treated as an external predicate.
type PermissionService interface {
	// HasCapability reports whether the user holds a capability in a context.
	HasCapability(capability string, ctx Context, userID int64) bool

	// ModuleContext resolves the access-control context of a course module.
	// The second return is false when no context resolves, which the graph
	// treats as cache corruption for that course.
	ModuleContext(moduleID int64) (Context, bool)
}

// AllowAll is a PermissionService granting every capability. It is the
// default for registries constructed without WithPermissions.
type AllowAll struct{}

func (AllowAll) HasCapability(string, Context, int64) bool { return true }

func (AllowAll) ModuleContext(moduleID int64) (Context, bool) {
	return Context{Level: ContextModule, ID: moduleID}, true
}

// AvailabilityItem is the owner of a raw availability expression: a module
// or section handle passed back to the evaluator.
type AvailabilityItem interface {
	// AvailabilityExpr returns the raw availability-rule expression, empty
	// when the item carries no restriction.
	AvailabilityExpr() string

	// Graph returns the owning course graph.
	Graph() *CourseGraph
}

// AvailabilityEvaluator evaluates raw availability-rule expressions. The
// rule DSL itself is external; the cache only consumes the verdict and the
// user-facing explanation.
type AvailabilityEvaluator interface {
	// IsAvailable evaluates the item's expression for the user. The
	// explanation is only assembled when wantExplanation is true. Errors are
	// logged by the caller and treated as available with no explanation.
	IsAvailable(item AvailabilityItem, userID int64, wantExplanation bool) (bool, string, error)
}

// AlwaysAvailable is an AvailabilityEvaluator that ignores expressions and
// reports everything available. It is the default evaluator.
type AlwaysAvailable struct{}

func (AlwaysAvailable) IsAvailable(AvailabilityItem, int64, bool) (bool, string, error) {
	return true, "", nil
}

// CourseFormat supplies course-format-specific behavior consumed during
// cache builds and availability checks.
type CourseFormat interface {
	// SectionFormatOptions returns the format's per-section option defaults.
	// Options equal to these defaults are stripped from the cached payload.
	SectionFormatOptions() map[string]string

	// FormatOptions returns the format options of one section.
	FormatOptions(section *SectionRow) map[string]string

	// LastSectionNumber returns the highest valid section number for the
	// course; sections numbered beyond it are orphans.
	LastSectionNumber(course *CourseRow) int

	// SectionAvailableHook lets the format override a section's computed
	// availability. Flipping unavailable to available (with an optional
	// note) is permitted; flipping available to unavailable is a protocol
	// violation and is ignored.
	SectionAvailableHook(section *SectionHandle, available *bool, info *string)

	// AllowStealthModuleVisibility reports whether the format honors a
	// cleared visible-on-course-page flag for the module. When false the
	// flag is treated as set.
	AllowStealthModuleVisibility(mod *RawModule, section *RawSection) bool
}

// StandardFormat is the plain numbered-sections course format.
type StandardFormat struct {
	// MaxSections is the highest valid section number. Zero means no limit
	// is enforced.
	MaxSections int
}

func (StandardFormat) SectionFormatOptions() map[string]string { return nil }

func (StandardFormat) FormatOptions(*SectionRow) map[string]string { return nil }

func (f StandardFormat) LastSectionNumber(*CourseRow) int {
	if f.MaxSections > 0 {
		return f.MaxSections
	}
	return int(^uint(0) >> 1)
}

func (StandardFormat) SectionAvailableHook(*SectionHandle, *bool, *string) {}

func (StandardFormat) AllowStealthModuleVisibility(*RawModule, *RawSection) bool { return true }
