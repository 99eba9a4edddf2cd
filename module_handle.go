package courseinfo

import (
	"encoding/json"
	"fmt"
)

// handleStage is the lifecycle stage of a ModuleHandle. Stages only ever
// increase. The BUILDING stages exist so that a hook which reads back one of
// its own handle's staged properties short-circuits instead of recursing:
// every ensure operation guards with ">=", never "==".
type handleStage int

const (
	stageBasic handleStage = iota
	stageBuildingDynamic
	stageDynamic
	stageBuildingView
	stageView
)

func (s handleStage) String() string {
	switch s {
	case stageBasic:
		return "basic"
	case stageBuildingDynamic:
		return "building-dynamic"
	case stageDynamic:
		return "dynamic"
	case stageBuildingView:
		return "building-view"
	case stageView:
		return "view"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ModuleHandle is one course module's live, lazily-staged view over its
// cached record for the owning graph's user. Basic data is available
// immediately; availability and visibility materialize on first access
// (dynamic stage); display content materializes when a view property is
// first read (view stage). Handles are owned by exactly one CourseGraph and
// must never be shared across graphs: a different user needs a different
// graph.
type ModuleHandle struct {
	graph *CourseGraph
	raw   *RawModule

	stage handleStage

	available     bool
	availableInfo string

	userVisible       bool
	userVisibleOnPage bool
	visibilitySet     bool

	content        string
	afterLink      string
	afterEditIcons string
	extraClasses   string
}

func newModuleHandle(g *CourseGraph, raw *RawModule) *ModuleHandle {
	return &ModuleHandle{graph: g, raw: raw, available: true}
}

// Basic accessors over the cached record.

func (m *ModuleHandle) ID() int64                { return m.raw.ID }
func (m *ModuleHandle) Type() string             { return m.raw.Type }
func (m *ModuleHandle) Instance() int64          { return m.raw.Instance }
func (m *ModuleHandle) SectionID() int64         { return m.raw.SectionID }
func (m *ModuleHandle) SectionNumber() int       { return m.raw.SectionNum }
func (m *ModuleHandle) Name() string             { return m.raw.Name }
func (m *ModuleHandle) Visible() bool            { return m.raw.Visible }
func (m *ModuleHandle) VisibleOnPage() bool      { return m.raw.VisibleOnPage }
func (m *ModuleHandle) Indent() int              { return m.raw.Indent }
func (m *ModuleHandle) GroupMode() int           { return m.raw.GroupMode }
func (m *ModuleHandle) GroupingID() int64        { return m.raw.GroupingID }
func (m *ModuleHandle) Completion() int          { return m.raw.Completion }
func (m *ModuleHandle) CompletionExpected() int64 { return m.raw.CompletionExpected }
func (m *ModuleHandle) DeletionInProgress() bool { return m.raw.DeletionInProgress }
func (m *ModuleHandle) Icon() string             { return m.raw.Icon }
func (m *ModuleHandle) IconComponent() string    { return m.raw.IconComponent }
func (m *ModuleHandle) CustomData() json.RawMessage { return m.raw.CustomData }
func (m *ModuleHandle) NoViewLink() bool         { return m.raw.NoViewLink }

// AvailabilityExpr returns the raw availability-rule expression.
func (m *ModuleHandle) AvailabilityExpr() string { return m.raw.Availability }

// Graph returns the owning course graph.
func (m *ModuleHandle) Graph() *CourseGraph { return m.graph }

// Section returns the handle of the section this module sits in, or nil if
// the cached payload has no such section.
func (m *ModuleHandle) Section() *SectionHandle {
	s, err := m.graph.SectionByNumber(m.raw.SectionNum)
	if err != nil {
		return nil
	}
	return s
}

// Dynamic-stage accessors. Reading any of them triggers the dynamic stage.

// Available reports whether availability rules leave the module usable for
// the graph's user. An unavailable owning section always wins over the
// module's own verdict.
func (m *ModuleHandle) Available() bool {
	m.ensureDynamic()
	return m.available
}

// AvailableInfo returns the user-facing explanation for an unavailable
// module, empty when available or fully hidden.
func (m *ModuleHandle) AvailableInfo() string {
	m.ensureDynamic()
	return m.availableInfo
}

// UserVisible reports whether the graph's user may see and access the
// module. With no user on the graph no verdict is ever computed and the
// module is reported visible, matching SectionHandle.
func (m *ModuleHandle) UserVisible() bool {
	m.ensureDynamic()
	if !m.visibilitySet {
		return true
	}
	return m.userVisible
}

// UserVisibleOnCoursePage reports whether the module appears on the course
// page for the graph's user, possibly as a greyed-out placeholder with an
// availability explanation. Follows the UserVisible no-user convention.
func (m *ModuleHandle) UserVisibleOnCoursePage() bool {
	m.ensureDynamic()
	if !m.visibilitySet {
		return true
	}
	return m.userVisibleOnPage
}

// View-stage accessors. Reading any of them triggers the view stage.

// Content returns the module's rendered intro content.
func (m *ModuleHandle) Content() string {
	m.ensureView()
	return m.content
}

// AfterLink returns extra HTML displayed after the module link.
func (m *ModuleHandle) AfterLink() string {
	m.ensureView()
	return m.afterLink
}

// AfterEditIcons returns extra HTML displayed after the editing icons.
func (m *ModuleHandle) AfterEditIcons() string {
	m.ensureView()
	return m.afterEditIcons
}

// ExtraClasses returns extra CSS classes contributed by hooks.
func (m *ModuleHandle) ExtraClasses() string {
	m.ensureView()
	return m.extraClasses
}

// Dynamic-stage setters, callable until the dynamic stage completes.

// SetAvailable records an availability verdict with an optional explanation
// and recomputes user visibility. Calling it once the dynamic stage has
// completed (i.e. from a view hook) is a protocol violation: the error is
// returned, logged, and the previous value kept.
func (m *ModuleHandle) SetAvailable(available bool, info string) error {
	if err := m.guardDynamicSetter("SetAvailable"); err != nil {
		return err
	}
	m.available = available
	m.availableInfo = info
	m.updateUserVisible()
	return nil
}

// SetUserVisible overrides the computed user visibility. Same staging rules
// as SetAvailable.
func (m *ModuleHandle) SetUserVisible(visible bool) error {
	if err := m.guardDynamicSetter("SetUserVisible"); err != nil {
		return err
	}
	m.userVisible = visible
	m.visibilitySet = true
	m.recomputeOnPage()
	return nil
}

// View-stage setters, for view hooks.

// SetContent sets the module's rendered content.
func (m *ModuleHandle) SetContent(html string) { m.content = html }

// SetAfterLink sets extra HTML displayed after the module link.
func (m *ModuleHandle) SetAfterLink(html string) { m.afterLink = html }

// SetAfterEditIcons sets extra HTML displayed after the editing icons.
func (m *ModuleHandle) SetAfterEditIcons(html string) { m.afterEditIcons = html }

// SetExtraClasses sets extra CSS classes for the module's course page entry.
func (m *ModuleHandle) SetExtraClasses(classes string) { m.extraClasses = classes }

func (m *ModuleHandle) guardDynamicSetter(name string) error {
	if m.stage >= stageDynamic {
		err := fmt.Errorf("%w: %s called at stage %s", ErrProtocolViolation, name, m.stage)
		m.graph.services.logger.Error("Dynamic-only setter called after dynamic stage",
			"module", m.raw.ID, "setter", name, "stage", m.stage.String())
		return err
	}
	return nil
}

// ensureDynamic materializes availability and visibility. It is idempotent
// and a no-op while already building (hooks may re-enter their own handle)
// or when the graph carries no user.
func (m *ModuleHandle) ensureDynamic() {
	if m.stage >= stageBuildingDynamic || m.graph.userID == NoUser {
		return
	}
	m.stage = stageBuildingDynamic

	deps := m.graph.services
	available, info, err := deps.availability.IsAvailable(m, m.graph.userID, true)
	if err != nil {
		deps.logger.Warn("Availability evaluation failed, treating module as available",
			"module", m.raw.ID, "error", err)
		available, info = true, ""
	}
	m.available = available
	m.availableInfo = info

	// Section gating always wins; the module-level explanation is kept.
	if section := m.Section(); section != nil && !section.Available() {
		m.available = false
	}

	m.updateUserVisible()

	if plugin, ok := deps.plugins.Lookup(m.raw.Type); ok && plugin.OnDynamic != nil {
		plugin.OnDynamic(m)
	}
	// Stages only move forward: a dynamic hook reading a view property has
	// already carried the handle past this point.
	if m.stage < stageDynamic {
		m.stage = stageDynamic
	}
}

// ensureView materializes display data. Implies ensureDynamic.
func (m *ModuleHandle) ensureView() {
	if m.stage >= stageBuildingView || m.graph.userID == NoUser {
		return
	}
	m.ensureDynamic()
	if m.stage >= stageBuildingView {
		// A dynamic hook already pulled the handle through the view stage.
		return
	}
	m.stage = stageBuildingView

	if m.content == "" {
		m.content = m.raw.Content
	}
	if m.extraClasses == "" {
		m.extraClasses = m.raw.ExtraClasses
	}
	if plugin, ok := m.graph.services.plugins.Lookup(m.raw.Type); ok && plugin.OnView != nil {
		plugin.OnView(m)
	}
	m.stage = stageView
}

// updateUserVisible applies the visibility algorithm for the graph's user.
// Invoked at the end of the dynamic stage and whenever availability is
// explicitly set.
func (m *ModuleHandle) updateUserVisible() {
	userID := m.graph.userID
	if userID == NoUser {
		return
	}
	deps := m.graph.services
	mctx, _ := deps.permissions.ModuleContext(m.raw.ID)

	m.userVisible = true
	m.visibilitySet = true

	if m.raw.DeletionInProgress {
		m.userVisible = false
		m.userVisibleOnPage = false
		m.availableInfo = ""
		return
	}

	if !m.raw.Visible && !deps.permissions.HasCapability(CapViewHiddenActivities, mctx, userID) {
		m.userVisible = false
	}
	if !m.available && !deps.permissions.HasCapability(CapIgnoreAvailability, mctx, userID) {
		m.userVisible = false
	}

	viewCap := "mod/" + m.raw.Type + ":view"
	if !deps.permissions.HasCapability(viewCap, mctx, userID) {
		// Fully hidden: no greyed-out placeholder, no explanation.
		m.userVisible = false
		m.availableInfo = ""
	}

	m.recomputeOnPage()
}

// recomputeOnPage derives course-page visibility from userVisible, the
// stealth flag and override capabilities.
func (m *ModuleHandle) recomputeOnPage() {
	userID := m.graph.userID
	deps := m.graph.services
	mctx, _ := deps.permissions.ModuleContext(m.raw.ID)

	visibleOnPage := m.raw.VisibleOnPage
	if !visibleOnPage {
		section := m.graph.rawSectionByNum(m.raw.SectionNum)
		if !deps.format.AllowStealthModuleVisibility(m.raw, section) {
			// The format does not support stealth modules; the flag is
			// treated as set.
			visibleOnPage = true
		}
	}

	m.userVisibleOnPage = m.userVisible &&
		(visibleOnPage ||
			deps.permissions.HasCapability(CapManageActivities, mctx, userID) ||
			deps.permissions.HasCapability(CapActivityVisibility, mctx, userID) ||
			deps.permissions.HasCapability(CapViewHiddenActivities, mctx, userID))

	// A hidden-but-listed module with an explanation still shows as a
	// greyed-out placeholder.
	if !m.userVisible && visibleOnPage && m.availableInfo != "" {
		m.userVisibleOnPage = true
	}
}
