package courseinfo

import (
	"strings"
)

// SectionHandle is one section's live view over its cached record for the
// owning graph's user. Availability, visibility and orphan state are
// computed lazily and memoized for the handle's lifetime; nil sentinels
// distinguish "not yet computed" from a computed false.
type SectionHandle struct {
	graph *CourseGraph
	raw   *RawSection

	available     *bool
	availableInfo string
	userVisible   *bool
	orphan        *bool
}

func newSectionHandle(g *CourseGraph, raw *RawSection) *SectionHandle {
	return &SectionHandle{graph: g, raw: raw}
}

// Basic accessors over the cached record.

func (s *SectionHandle) ID() int64       { return s.raw.ID }
func (s *SectionHandle) Number() int     { return s.raw.Number }
func (s *SectionHandle) Name() string    { return s.raw.Name }
func (s *SectionHandle) Summary() string { return s.raw.Summary }
func (s *SectionHandle) Visible() bool   { return s.raw.Visible }

// Delegated reports whether the section is owned by an external component.
func (s *SectionHandle) Delegated() bool { return s.raw.Delegated() }

// DelegateComponent returns the owning component name, empty for plain
// numbered sections.
func (s *SectionHandle) DelegateComponent() string { return s.raw.Component }

// DelegateItemID returns the owning component's item id.
func (s *SectionHandle) DelegateItemID() int64 { return s.raw.ItemID }

// FormatOption returns a cached course-format option for the section,
// falling back to the format's default.
func (s *SectionHandle) FormatOption(name string) string {
	if v, ok := s.raw.FormatOptions[name]; ok {
		return v
	}
	return s.graph.services.format.SectionFormatOptions()[name]
}

// AvailabilityExpr returns the raw availability-rule expression.
func (s *SectionHandle) AvailabilityExpr() string { return s.raw.Availability }

// Graph returns the owning course graph.
func (s *SectionHandle) Graph() *CourseGraph { return s.graph }

// Modules returns the section's modules in course order.
func (s *SectionHandle) Modules() []*ModuleHandle {
	return s.graph.ModulesInSection(s.raw.Number)
}

// OwningModule resolves the module that owns this delegated section. The
// second return is false for plain sections and for delegation keys that no
// longer resolve.
func (s *SectionHandle) OwningModule() (*ModuleHandle, bool) {
	typeName, ok := strings.CutPrefix(s.raw.Component, "mod_")
	if !ok {
		return nil, false
	}
	owner, err := s.graph.Instance(typeName, s.raw.ItemID)
	if err != nil {
		return nil, false
	}
	return owner, true
}

// Available reports whether availability rules leave the section usable for
// the graph's user. For delegated sections the owning module's verdict (and
// that module's own section's verdict) is aggregated in: an unavailable
// owner makes the section unavailable regardless of its own rules.
func (s *SectionHandle) Available() bool {
	if s.available != nil {
		return *s.available
	}
	if s.graph.userID == NoUser {
		t := true
		s.available = &t
		return true
	}

	deps := s.graph.services
	available, info, err := deps.availability.IsAvailable(s, s.graph.userID, true)
	if err != nil {
		deps.logger.Warn("Availability evaluation failed, treating section as available",
			"section", s.raw.ID, "error", err)
		available, info = true, ""
	}
	available = available && s.checkDelegatedAvailable()

	// The course format may rescue an unavailable section (e.g. to show it
	// with a note), but flipping available to unavailable is a protocol
	// violation: logged, previous value kept.
	before := available
	deps.format.SectionAvailableHook(s, &available, &info)
	if before && !available {
		deps.logger.Error("Course format hook attempted to flip an available section to unavailable",
			"section", s.raw.ID, "error", ErrProtocolViolation)
		available = before
	}

	s.available = &available
	s.availableInfo = info
	return available
}

// AvailableInfo returns the user-facing explanation for an unavailable
// section.
func (s *SectionHandle) AvailableInfo() string {
	s.Available()
	return s.availableInfo
}

// UserVisible reports whether the graph's user may see the section.
func (s *SectionHandle) UserVisible() bool {
	if s.userVisible != nil {
		return *s.userVisible
	}
	if s.graph.userID == NoUser {
		t := true
		s.userVisible = &t
		return true
	}

	visible := s.computeUserVisible()
	s.userVisible = &visible
	return visible
}

func (s *SectionHandle) computeUserVisible() bool {
	if !s.checkDelegatedUserVisible() {
		return false
	}

	deps := s.graph.services
	cctx := Context{Level: ContextCourse, ID: s.graph.course.ID}
	userID := s.graph.userID

	if (s.IsOrphan() || !s.raw.Visible) &&
		!deps.permissions.HasCapability(CapViewHiddenSections, cctx, userID) {
		return false
	}
	if !s.Available() &&
		!deps.permissions.HasCapability(CapIgnoreAvailability, cctx, userID) {
		return false
	}
	return true
}

// checkDelegatedAvailable propagates availability down the delegation
// chain: a delegated section is unavailable whenever its owning module is,
// or whenever that module's own section is.
func (s *SectionHandle) checkDelegatedAvailable() bool {
	if !s.raw.Delegated() {
		return true
	}
	owner, ok := s.OwningModule()
	if !ok {
		return true
	}
	if !owner.Available() {
		return false
	}
	if ownerSection := owner.Section(); ownerSection != nil && ownerSection != s && !ownerSection.Available() {
		return false
	}
	return true
}

// checkDelegatedUserVisible mirrors checkDelegatedAvailable on the
// user-visibility axis.
func (s *SectionHandle) checkDelegatedUserVisible() bool {
	if !s.raw.Delegated() {
		return true
	}
	owner, ok := s.OwningModule()
	if !ok {
		return true
	}
	if !owner.UserVisible() {
		return false
	}
	if ownerSection := owner.Section(); ownerSection != nil && ownerSection != s && !ownerSection.UserVisible() {
		return false
	}
	return true
}

// IsOrphan reports whether the section sits beyond the course format's last
// valid section number, or is delegated to a component whose owning
// instance no longer resolves. Memoized: the underlying data cannot change
// within a handle's lifetime.
func (s *SectionHandle) IsOrphan() bool {
	if s.orphan != nil {
		return *s.orphan
	}
	orphan := s.raw.Number > s.graph.services.format.LastSectionNumber(s.graph.course)
	if !orphan && s.raw.Delegated() {
		_, ok := s.OwningModule()
		orphan = !ok
	}
	s.orphan = &orphan
	return orphan
}
