package courseinfo

import (
	"context"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// fakeSource is an in-memory RowSource with read counters.
type fakeSource struct {
	mu       sync.Mutex
	courses  map[int64]*CourseRow
	modules  map[int64][]ModuleRow
	sections map[int64][]SectionRow
	groups   map[int64]map[int64][]int64 // userID -> groupingID -> group ids

	courseReads int
	moduleReads int
	groupReads  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		courses:  make(map[int64]*CourseRow),
		modules:  make(map[int64][]ModuleRow),
		sections: make(map[int64][]SectionRow),
		groups:   make(map[int64]map[int64][]int64),
	}
}

func (s *fakeSource) addCourse(c CourseRow) { s.courses[c.ID] = &c }

func (s *fakeSource) Course(_ context.Context, courseID int64) (*CourseRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courseReads++
	c, ok := s.courses[courseID]
	if !ok {
		return nil, ErrCourseNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeSource) ModuleRows(_ context.Context, courseID int64) ([]ModuleRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moduleReads++
	out := make([]ModuleRow, len(s.modules[courseID]))
	copy(out, s.modules[courseID])
	return out, nil
}

func (s *fakeSource) SectionRows(_ context.Context, courseID int64) ([]SectionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SectionRow, len(s.sections[courseID]))
	copy(out, s.sections[courseID])
	return out, nil
}

func (s *fakeSource) BumpCourseVersion(_ context.Context, courseID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[courseID]
	if !ok {
		return 0, ErrCourseNotFound
	}
	c.CacheRev++
	return c.CacheRev, nil
}

func (s *fakeSource) UserGroups(_ context.Context, _, userID int64) (map[int64][]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupReads++
	return s.groups[userID], nil
}

// fakePerms grants exactly the listed capabilities, to every user in every
// context.
type fakePerms struct {
	granted     map[string]bool
	badContexts map[int64]bool
}

func newFakePerms(grants ...string) *fakePerms {
	p := &fakePerms{granted: make(map[string]bool), badContexts: make(map[int64]bool)}
	for _, g := range grants {
		p.granted[g] = true
	}
	return p
}

func (p *fakePerms) HasCapability(capability string, _ Context, _ int64) bool {
	return p.granted[capability]
}

func (p *fakePerms) ModuleContext(moduleID int64) (Context, bool) {
	if p.badContexts[moduleID] {
		return Context{}, false
	}
	return Context{Level: ContextModule, ID: moduleID}, true
}

type availVerdict struct {
	available bool
	info      string
}

// fakeEvaluator maps availability expressions to fixed verdicts; unknown
// expressions evaluate as available.
type fakeEvaluator struct {
	mu       sync.Mutex
	verdicts map[string]availVerdict
	err      error
	calls    int
}

func newFakeEvaluator() *fakeEvaluator {
	return &fakeEvaluator{verdicts: make(map[string]availVerdict)}
}

func (e *fakeEvaluator) deny(expr, info string) {
	e.verdicts[expr] = availVerdict{available: false, info: info}
}

func (e *fakeEvaluator) IsAvailable(item AvailabilityItem, _ int64, _ bool) (bool, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return false, "", e.err
	}
	if v, ok := e.verdicts[item.AvailabilityExpr()]; ok {
		return v.available, v.info, nil
	}
	return true, "", nil
}

// testLogger records messages so tests can assert on logged violations.
type testLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *testLogger) record(msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, msg)
	l.mu.Unlock()
}

func (l *testLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *testLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *testLogger) Error(msg string, _ ...any) { l.record(msg) }
func (l *testLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *testLogger) Debug(msg string, _ ...any) { l.record(msg) }

// testEventObserver captures emitted events.
type testEventObserver struct {
	mu     sync.Mutex
	id     string
	events []cloudevents.Event
}

func newTestEventObserver() *testEventObserver {
	return &testEventObserver{id: "test-observer-courseinfo"}
}

func (o *testEventObserver) OnEvent(_ context.Context, event cloudevents.Event) error {
	o.mu.Lock()
	o.events = append(o.events, event)
	o.mu.Unlock()
	return nil
}

func (o *testEventObserver) ObserverID() string { return o.id }

func (o *testEventObserver) eventTypes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.Type())
	}
	return out
}

func (o *testEventObserver) hasType(eventType string) bool {
	for _, t := range o.eventTypes() {
		if t == eventType {
			return true
		}
	}
	return false
}

// graphDeps builds a services bundle with permissive defaults; pass nil for
// anything the test does not care about.
func graphDeps(source RowSource, perms PermissionService, eval AvailabilityEvaluator, format CourseFormat, logger Logger) *services {
	if perms == nil {
		perms = AllowAll{}
	}
	if eval == nil {
		eval = AlwaysAvailable{}
	}
	if format == nil {
		format = StandardFormat{}
	}
	if logger == nil {
		logger = NopLogger{}
	}
	return &services{
		source:       source,
		plugins:      NewPluginRegistry().SetAllowUnknown(true),
		availability: eval,
		permissions:  perms,
		format:       format,
		logger:       logger,
	}
}

// testCourse is the course row shared by graph fixtures.
func testCourse() *CourseRow {
	return &CourseRow{ID: 1, ShortName: "C1", FullName: "Course One", Format: "topics", CacheRev: 5}
}

// expandGraph builds a graph for a user straight from raw records.
func expandGraph(deps *services, userID int64, modules []*RawModule, sections []*RawSection) *CourseGraph {
	rec := &CachedCourseRecord{
		Version:  5,
		Modules:  modules,
		Sections: sections,
		CourseFields: map[string]string{
			"shortname": "C1",
			"fullname":  "Course One",
			"format":    "topics",
		},
	}
	return newCourseGraph(deps, testCourse(), userID, rec)
}
