package courseinfo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// singleModuleGraph expands a one-module, one-section course for user 7.
func singleModuleGraph(deps *services, mod RawModule, section RawSection) *CourseGraph {
	return expandGraph(deps, 7, []*RawModule{&mod}, []*RawSection{&section})
}

func visibleModule() RawModule {
	return RawModule{ID: 1, Type: "forum", Instance: 10, SectionID: 100, SectionNum: 0,
		Name: "News", Visible: true, VisibleOnPage: true}
}

func visibleSection() RawSection {
	return RawSection{ID: 100, Number: 0, Name: "General", Visible: true}
}

func forumViewerPerms(extra ...string) *fakePerms {
	return newFakePerms(append([]string{"mod/forum:view"}, extra...)...)
}

func TestModuleDynamicStageRunsOnce(t *testing.T) {
	eval := newFakeEvaluator()
	deps := graphDeps(newFakeSource(), forumViewerPerms(), eval, nil, nil)

	dynamicCalls := 0
	deps.plugins.Register("forum", ModulePlugin{
		OnDynamic: func(h *ModuleHandle) { dynamicCalls++ },
	})

	g := singleModuleGraph(deps, visibleModule(), visibleSection())
	h, err := g.Module(1)
	require.NoError(t, err)

	assert.True(t, h.Available())
	assert.True(t, h.Available())
	assert.True(t, h.UserVisible())
	assert.Equal(t, 1, dynamicCalls, "hook fires exactly once")
	// One module evaluation plus one section evaluation.
	assert.Equal(t, 2, eval.calls)
}

func TestModuleNoUserSkipsStaging(t *testing.T) {
	eval := newFakeEvaluator()
	deps := graphDeps(newFakeSource(), newFakePerms(), eval, nil, nil)

	hookCalled := false
	deps.plugins.Register("forum", ModulePlugin{
		OnDynamic: func(*ModuleHandle) { hookCalled = true },
	})

	g := expandGraph(deps, NoUser, []*RawModule{{ID: 1, Type: "forum", Visible: true, VisibleOnPage: true}},
		[]*RawSection{{ID: 100, Number: 0, Visible: true}})
	h, err := g.Module(1)
	require.NoError(t, err)

	assert.True(t, h.Available())
	assert.Empty(t, h.Content())
	assert.False(t, hookCalled)
	assert.Zero(t, eval.calls)

	// With no user there is no visibility verdict; modules report visible,
	// matching the section convention.
	assert.True(t, h.UserVisible())
	assert.True(t, h.UserVisibleOnCoursePage())
	s, err := g.SectionByNumber(0)
	require.NoError(t, err)
	assert.Equal(t, s.UserVisible(), h.UserVisible())
}

func TestModuleVisibilityRules(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*RawModule)
		denyExpr      string
		denyInfo      string
		grants        []string
		wantVisible   bool
		wantOnPage    bool
		wantAvailInfo string
	}{
		{
			name:        "plain visible module",
			wantVisible: true,
			wantOnPage:  true,
		},
		{
			name:        "hidden without override",
			mutate:      func(m *RawModule) { m.Visible = false },
			wantVisible: false,
			wantOnPage:  false,
		},
		{
			name:        "hidden with viewhidden capability",
			mutate:      func(m *RawModule) { m.Visible = false },
			grants:      []string{CapViewHiddenActivities},
			wantVisible: true,
			wantOnPage:  true,
		},
		{
			name:          "unavailable without override",
			mutate:        func(m *RawModule) { m.Availability = "date-gate" },
			denyExpr:      "date-gate",
			denyInfo:      "Opens next week",
			wantVisible:   false,
			wantOnPage:    true, // greyed-out placeholder
			wantAvailInfo: "Opens next week",
		},
		{
			name:        "unavailable with ignore capability",
			mutate:      func(m *RawModule) { m.Availability = "date-gate" },
			denyExpr:    "date-gate",
			denyInfo:    "Opens next week",
			grants:      []string{CapIgnoreAvailability},
			wantVisible: true,
			wantOnPage:  true,
		},
		{
			name:          "unavailable with no explanation is fully hidden from page",
			mutate:        func(m *RawModule) { m.Availability = "secret-gate" },
			denyExpr:      "secret-gate",
			denyInfo:      "",
			wantVisible:   false,
			wantOnPage:    false,
			wantAvailInfo: "",
		},
		{
			name:        "deletion in progress beats every capability",
			mutate:      func(m *RawModule) { m.DeletionInProgress = true },
			grants:      []string{CapViewHiddenActivities, CapIgnoreAvailability, CapManageActivities},
			wantVisible: false,
			wantOnPage:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := visibleModule()
			if tt.mutate != nil {
				tt.mutate(&mod)
			}
			eval := newFakeEvaluator()
			if tt.denyExpr != "" {
				eval.deny(tt.denyExpr, tt.denyInfo)
			}
			perms := forumViewerPerms(tt.grants...)
			deps := graphDeps(newFakeSource(), perms, eval, nil, nil)

			g := singleModuleGraph(deps, mod, visibleSection())
			h, err := g.Module(1)
			require.NoError(t, err)

			assert.Equal(t, tt.wantVisible, h.UserVisible(), "UserVisible")
			assert.Equal(t, tt.wantOnPage, h.UserVisibleOnCoursePage(), "UserVisibleOnCoursePage")
			assert.Equal(t, tt.wantAvailInfo, h.AvailableInfo(), "AvailableInfo")
		})
	}
}

func TestModuleMissingViewCapabilityHidesCompletely(t *testing.T) {
	eval := newFakeEvaluator()
	eval.deny("date-gate", "Opens next week")
	mod := visibleModule()
	mod.Availability = "date-gate"

	// No mod/forum:view grant: even the greyed-out placeholder disappears
	// and the explanation is cleared.
	deps := graphDeps(newFakeSource(), newFakePerms(), eval, nil, nil)
	g := singleModuleGraph(deps, mod, visibleSection())
	h, err := g.Module(1)
	require.NoError(t, err)

	assert.False(t, h.UserVisible())
	assert.False(t, h.UserVisibleOnCoursePage())
	assert.Empty(t, h.AvailableInfo())
}

func TestModuleUnavailableSectionWins(t *testing.T) {
	eval := newFakeEvaluator()
	eval.deny("section-gate", "Section closed")

	section := visibleSection()
	section.Availability = "section-gate"

	deps := graphDeps(newFakeSource(), forumViewerPerms(), eval, nil, nil)
	g := singleModuleGraph(deps, visibleModule(), section)
	h, err := g.Module(1)
	require.NoError(t, err)

	assert.False(t, h.Available(), "unavailable section gates the module")
	assert.Empty(t, h.AvailableInfo(), "module keeps its own (empty) explanation")
	assert.False(t, h.UserVisible())
}

func TestModuleEvaluatorErrorTreatedAsAvailable(t *testing.T) {
	eval := newFakeEvaluator()
	eval.err = errors.New("rules backend down")
	logger := &testLogger{}

	mod := visibleModule()
	mod.Availability = "anything"
	deps := graphDeps(newFakeSource(), forumViewerPerms(), eval, nil, logger)

	g := singleModuleGraph(deps, mod, visibleSection())
	h, err := g.Module(1)
	require.NoError(t, err)

	assert.True(t, h.Available())
	assert.True(t, h.UserVisible())
	assert.NotEmpty(t, logger.messages())
}

func TestModuleSetAvailableAfterDynamicIsProtocolViolation(t *testing.T) {
	logger := &testLogger{}
	deps := graphDeps(newFakeSource(), forumViewerPerms(), nil, nil, logger)

	g := singleModuleGraph(deps, visibleModule(), visibleSection())
	h, err := g.Module(1)
	require.NoError(t, err)

	require.True(t, h.Available()) // completes the dynamic stage

	err = h.SetAvailable(false, "too late")
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.True(t, h.Available(), "previous value kept")
	assert.Empty(t, h.AvailableInfo())

	err = h.SetUserVisible(false)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.True(t, h.UserVisible())

	assert.NotEmpty(t, logger.messages())
}

func TestModuleDynamicHookMaySetAvailability(t *testing.T) {
	deps := graphDeps(newFakeSource(), forumViewerPerms(), nil, nil, nil)
	deps.plugins.Register("forum", ModulePlugin{
		OnDynamic: func(h *ModuleHandle) {
			require.NoError(t, h.SetAvailable(false, "closed by plugin"))
		},
	})

	g := singleModuleGraph(deps, visibleModule(), visibleSection())
	h, err := g.Module(1)
	require.NoError(t, err)

	assert.False(t, h.Available())
	assert.Equal(t, "closed by plugin", h.AvailableInfo())
	assert.False(t, h.UserVisible(), "visibility recomputed after the hook's verdict")
	assert.True(t, h.UserVisibleOnCoursePage(), "explanation keeps the placeholder")
}

func TestModuleDynamicHookReadbackDoesNotRecurse(t *testing.T) {
	deps := graphDeps(newFakeSource(), forumViewerPerms(), nil, nil, nil)

	var seenDuringHook bool
	deps.plugins.Register("forum", ModulePlugin{
		OnDynamic: func(h *ModuleHandle) {
			// Reading a dynamic property from inside the dynamic hook must
			// short-circuit on the building stage instead of recursing.
			seenDuringHook = h.Available()
		},
	})

	g := singleModuleGraph(deps, visibleModule(), visibleSection())
	h, err := g.Module(1)
	require.NoError(t, err)

	assert.True(t, h.UserVisible())
	assert.True(t, seenDuringHook)
}

func TestModuleDynamicHookReadingViewPropertyKeepsStageForward(t *testing.T) {
	deps := graphDeps(newFakeSource(), forumViewerPerms(), nil, nil, nil)

	viewCalls := 0
	deps.plugins.Register("forum", ModulePlugin{
		// Reading a view property mid-dynamic carries the handle through the
		// view stage; the stage must never move backwards afterwards.
		OnDynamic: func(h *ModuleHandle) { _ = h.Content() },
		OnView:    func(*ModuleHandle) { viewCalls++ },
	})

	mod := visibleModule()
	mod.Content = "<p>cached intro</p>"
	g := singleModuleGraph(deps, mod, visibleSection())
	h, err := g.Module(1)
	require.NoError(t, err)

	assert.True(t, h.UserVisible())
	assert.Equal(t, "<p>cached intro</p>", h.Content())
	assert.Equal(t, 1, viewCalls, "view hook fires exactly once")
}

func TestModuleViewStage(t *testing.T) {
	deps := graphDeps(newFakeSource(), forumViewerPerms(), nil, nil, nil)

	var order []string
	deps.plugins.Register("forum", ModulePlugin{
		OnDynamic: func(*ModuleHandle) { order = append(order, "dynamic") },
		OnView: func(h *ModuleHandle) {
			order = append(order, "view")
			h.SetAfterLink("<span>3 unread</span>")
			h.SetExtraClasses("highlight")
		},
	})

	mod := visibleModule()
	mod.Content = "<p>cached intro</p>"
	g := singleModuleGraph(deps, mod, visibleSection())
	h, err := g.Module(1)
	require.NoError(t, err)

	assert.Equal(t, "<p>cached intro</p>", h.Content(), "content seeds from the cached record")
	assert.Equal(t, "<span>3 unread</span>", h.AfterLink())
	assert.Equal(t, "highlight", h.ExtraClasses(), "view hook overrides the cached hint")
	assert.Equal(t, []string{"dynamic", "view"}, order, "view implies dynamic, each once")

	_ = h.Content()
	assert.Equal(t, []string{"dynamic", "view"}, order)
}

func TestModuleStealthVisibility(t *testing.T) {
	mod := visibleModule()
	mod.VisibleOnPage = false // stealth: accessible but unlisted

	t.Run("plain user does not see it on the page", func(t *testing.T) {
		deps := graphDeps(newFakeSource(), forumViewerPerms(), nil, nil, nil)
		g := singleModuleGraph(deps, mod, visibleSection())
		h, err := g.Module(1)
		require.NoError(t, err)

		assert.True(t, h.UserVisible(), "stealth modules stay accessible")
		assert.False(t, h.UserVisibleOnCoursePage())
	})

	t.Run("manager sees it on the page", func(t *testing.T) {
		deps := graphDeps(newFakeSource(), forumViewerPerms(CapManageActivities), nil, nil, nil)
		g := singleModuleGraph(deps, mod, visibleSection())
		h, err := g.Module(1)
		require.NoError(t, err)

		assert.True(t, h.UserVisibleOnCoursePage())
	})

	t.Run("format without stealth support treats the flag as set", func(t *testing.T) {
		deps := graphDeps(newFakeSource(), forumViewerPerms(), nil, noStealthFormat{}, nil)
		g := singleModuleGraph(deps, mod, visibleSection())
		h, err := g.Module(1)
		require.NoError(t, err)

		assert.True(t, h.UserVisibleOnCoursePage())
	})
}

// noStealthFormat is a StandardFormat that refuses stealth modules.
type noStealthFormat struct{ StandardFormat }

func (noStealthFormat) AllowStealthModuleVisibility(*RawModule, *RawSection) bool { return false }
