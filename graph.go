package courseinfo

import (
	"context"
	"fmt"
	"sort"
)

// services bundles the external collaborators a graph and its handles
// consult. One instance is shared by a registry and every graph it builds.
type services struct {
	source       RowSource
	plugins      *PluginRegistry
	availability AvailabilityEvaluator
	permissions  PermissionService
	format       CourseFormat
	logger       Logger
}

type delegateKey struct {
	component string
	itemID    int64
}

// CourseGraph is the expanded, per-(course, user) view of one cached course
// record: every module and section handle plus the lookup indices over
// them. The indices are built once at construction and never mutated;
// handles mutate only their own staged state. Graphs for user NoUser carry
// no user-dependent data.
type CourseGraph struct {
	services *services
	course   *CourseRow
	userID   int64
	version  int64

	fields map[string]string

	modules   map[int64]*ModuleHandle
	order     []int64
	bySection map[int][]int64
	byType    map[string]map[int64]*ModuleHandle

	sections          []*SectionHandle
	sectionByNum      map[int]*SectionHandle
	sectionByID       map[int64]*SectionHandle
	sectionByDelegate map[delegateKey]*SectionHandle

	userGroups       map[int64][]int64
	userGroupsLoaded bool
}

// newCourseGraph expands a cached record into handles and indices. Modules
// whose type is no longer installed are silently omitted from every index.
// Record order defines per-section module ordering; the section index is
// sorted by section number.
func newCourseGraph(deps *services, course *CourseRow, userID int64, rec *CachedCourseRecord) *CourseGraph {
	g := &CourseGraph{
		services:          deps,
		course:            course,
		userID:            userID,
		version:           rec.Version,
		fields:            rec.CourseFields,
		modules:           make(map[int64]*ModuleHandle, len(rec.Modules)),
		bySection:         make(map[int][]int64),
		byType:            make(map[string]map[int64]*ModuleHandle),
		sectionByNum:      make(map[int]*SectionHandle, len(rec.Sections)),
		sectionByID:       make(map[int64]*SectionHandle, len(rec.Sections)),
		sectionByDelegate: make(map[delegateKey]*SectionHandle),
	}

	g.sections = make([]*SectionHandle, 0, len(rec.Sections))
	for _, raw := range rec.Sections {
		h := newSectionHandle(g, raw)
		g.sections = append(g.sections, h)
		g.sectionByNum[raw.Number] = h
		g.sectionByID[raw.ID] = h
		if raw.Delegated() {
			g.sectionByDelegate[delegateKey{raw.Component, raw.ItemID}] = h
		}
	}
	sort.SliceStable(g.sections, func(i, j int) bool {
		return g.sections[i].raw.Number < g.sections[j].raw.Number
	})

	for _, raw := range rec.Modules {
		if !deps.plugins.Installed(raw.Type) {
			deps.logger.Debug("Skipping module of uninstalled type",
				"course", course.ID, "module", raw.ID, "type", raw.Type)
			continue
		}
		h := newModuleHandle(g, raw)
		g.modules[raw.ID] = h
		g.order = append(g.order, raw.ID)
		g.bySection[raw.SectionNum] = append(g.bySection[raw.SectionNum], raw.ID)
		byInstance, ok := g.byType[raw.Type]
		if !ok {
			byInstance = make(map[int64]*ModuleHandle)
			g.byType[raw.Type] = byInstance
		}
		byInstance[raw.Instance] = h
	}
	return g
}

// Course returns the course row the graph was built for.
func (g *CourseGraph) Course() *CourseRow { return g.course }

// UserID returns the user the graph was built for, NoUser when none.
func (g *CourseGraph) UserID() int64 { return g.userID }

// Version returns the cached record's version.
func (g *CourseGraph) Version() int64 { return g.version }

// CourseField returns one of the cached course fields.
func (g *CourseGraph) CourseField(name string) string { return g.fields[name] }

// Module returns the handle for a course module id.
func (g *CourseGraph) Module(id int64) (*ModuleHandle, error) {
	h, ok := g.modules[id]
	if !ok {
		return nil, fmt.Errorf("module %d in course %d: %w", id, g.course.ID, ErrModuleNotFound)
	}
	return h, nil
}

// Modules returns every module handle in course order.
func (g *CourseGraph) Modules() []*ModuleHandle {
	out := make([]*ModuleHandle, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.modules[id])
	}
	return out
}

// InstancesOfType returns the handles of one module type keyed by instance
// id. The map is a copy; mutating it does not affect the graph.
func (g *CourseGraph) InstancesOfType(typeName string) map[int64]*ModuleHandle {
	src := g.byType[typeName]
	out := make(map[int64]*ModuleHandle, len(src))
	for id, h := range src {
		out[id] = h
	}
	return out
}

// Instance returns the handle of one module instance by type and instance
// id.
func (g *CourseGraph) Instance(typeName string, instanceID int64) (*ModuleHandle, error) {
	if h, ok := g.byType[typeName][instanceID]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%s instance %d in course %d: %w",
		typeName, instanceID, g.course.ID, ErrModuleNotFound)
}

// ModulesInSection returns the section's modules in course order.
func (g *CourseGraph) ModulesInSection(number int) []*ModuleHandle {
	ids := g.bySection[number]
	out := make([]*ModuleHandle, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.modules[id])
	}
	return out
}

// Sections returns every section handle ordered by section number.
func (g *CourseGraph) Sections() []*SectionHandle {
	out := make([]*SectionHandle, len(g.sections))
	copy(out, g.sections)
	return out
}

// SectionByNumber returns the section with the given number.
func (g *CourseGraph) SectionByNumber(number int) (*SectionHandle, error) {
	if h, ok := g.sectionByNum[number]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("section %d in course %d: %w", number, g.course.ID, ErrSectionNotFound)
}

// SectionByID returns the section with the given id.
func (g *CourseGraph) SectionByID(id int64) (*SectionHandle, error) {
	if h, ok := g.sectionByID[id]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("section id %d in course %d: %w", id, g.course.ID, ErrSectionNotFound)
}

// SectionByDelegation returns the section delegated to a component item.
func (g *CourseGraph) SectionByDelegation(component string, itemID int64) (*SectionHandle, error) {
	if h, ok := g.sectionByDelegate[delegateKey{component, itemID}]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("section delegated to %s/%d in course %d: %w",
		component, itemID, g.course.ID, ErrSectionNotFound)
}

// UsedModuleTypes returns the distinct type names of the user-visible
// modules, sorted.
func (g *CourseGraph) UsedModuleTypes() []string {
	seen := make(map[string]bool)
	for _, id := range g.order {
		h := g.modules[id]
		if h.UserVisible() {
			seen[h.Type()] = true
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// UserVisibleModuleIDs returns the ids of the user-visible modules in
// course order.
func (g *CourseGraph) UserVisibleModuleIDs() []int64 {
	out := make([]int64, 0, len(g.order))
	for _, id := range g.order {
		if g.modules[id].UserVisible() {
			out = append(out, id)
		}
	}
	return out
}

// UserGroups returns the graph user's group ids within a grouping
// (grouping 0 means all groups). The map is fetched from the row source on
// first use and memoized for the graph's lifetime.
func (g *CourseGraph) UserGroups(ctx context.Context, groupingID int64) ([]int64, error) {
	if !g.userGroupsLoaded {
		if g.userID == NoUser {
			g.userGroups = map[int64][]int64{}
		} else {
			groups, err := g.services.source.UserGroups(ctx, g.course.ID, g.userID)
			if err != nil {
				return nil, fmt.Errorf("loading groups for user %d in course %d: %w",
					g.userID, g.course.ID, err)
			}
			g.userGroups = groups
		}
		g.userGroupsLoaded = true
	}
	return g.userGroups[groupingID], nil
}

// rawSectionByNum returns the cached section record for a number, nil when
// absent.
func (g *CourseGraph) rawSectionByNum(number int) *RawSection {
	if h, ok := g.sectionByNum[number]; ok {
		return h.raw
	}
	return nil
}
