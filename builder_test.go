package courseinfo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleRecordBuilderMergesPluginInfo(t *testing.T) {
	src := newFakeSource()
	src.addCourse(CourseRow{ID: 1, CacheRev: 1})
	src.modules[1] = []ModuleRow{
		{ID: 10, CourseID: 1, Type: "forum", Instance: 3, SectionID: 7, SectionNum: 0,
			Name: "Announcements", Visible: true, VisibleOnPage: true},
		{ID: 11, CourseID: 1, Type: "ghost", Instance: 1, SectionID: 7, SectionNum: 0,
			Name: "Removed plugin", Visible: true, VisibleOnPage: true},
	}

	plugins := NewPluginRegistry()
	plugins.Register("forum", ModulePlugin{
		CourseModuleInfo: func(row *ModuleRow) *ModuleDisplayInfo {
			return &ModuleDisplayInfo{
				Icon:       "forum.svg",
				Content:    "<p>welcome</p>",
				CustomData: json.RawMessage(`{"posts":4}`),
			}
		},
	})

	b := NewModuleRecordBuilder(src, plugins, NopLogger{})
	records, err := b.Build(context.Background(), &CourseRow{ID: 1})
	require.NoError(t, err)
	require.Len(t, records, 2, "rows of uninstalled types stay in the payload")

	assert.Equal(t, "forum.svg", records[0].Icon)
	assert.Equal(t, "<p>welcome</p>", records[0].Content)
	assert.JSONEq(t, `{"posts":4}`, string(records[0].CustomData))

	// No plugin, no hints.
	assert.Equal(t, "ghost", records[1].Type)
	assert.Empty(t, records[1].Icon)
	assert.Empty(t, records[1].Content)
}

func TestModuleRecordBuilderNilInfoContributesNothing(t *testing.T) {
	src := newFakeSource()
	src.addCourse(CourseRow{ID: 1, CacheRev: 1})
	src.modules[1] = []ModuleRow{
		{ID: 10, CourseID: 1, Type: "label", Instance: 1, Visible: true, VisibleOnPage: true},
	}

	plugins := NewPluginRegistry()
	plugins.Register("label", ModulePlugin{
		CourseModuleInfo: func(*ModuleRow) *ModuleDisplayInfo { return nil },
	})

	b := NewModuleRecordBuilder(src, plugins, NopLogger{})
	records, err := b.Build(context.Background(), &CourseRow{ID: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Icon)
}

func TestModuleRecordBuilderPreservesCourseOrder(t *testing.T) {
	src := newFakeSource()
	src.addCourse(CourseRow{ID: 1, CacheRev: 1})
	src.modules[1] = []ModuleRow{
		{ID: 5, Type: "page", SectionNum: 0, Visible: true, VisibleOnPage: true},
		{ID: 2, Type: "forum", SectionNum: 0, Visible: true, VisibleOnPage: true},
		{ID: 9, Type: "quiz", SectionNum: 1, Visible: true, VisibleOnPage: true},
	}

	b := NewModuleRecordBuilder(src, NewPluginRegistry().SetAllowUnknown(true), NopLogger{})
	records, err := b.Build(context.Background(), &CourseRow{ID: 1})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(5), records[0].ID)
	assert.Equal(t, int64(2), records[1].ID)
	assert.Equal(t, int64(9), records[2].ID)
}

// optionFormat is a CourseFormat carrying per-section options for builder
// tests.
type optionFormat struct {
	StandardFormat
	defaults map[string]string
	options  map[int64]map[string]string
}

func (f optionFormat) SectionFormatOptions() map[string]string { return f.defaults }

func (f optionFormat) FormatOptions(section *SectionRow) map[string]string {
	return f.options[section.ID]
}

func TestSectionCacheBuilderSortsAndStripsDefaults(t *testing.T) {
	src := newFakeSource()
	src.addCourse(CourseRow{ID: 1, CacheRev: 1})
	src.sections[1] = []SectionRow{
		{ID: 22, CourseID: 1, Number: 2, Name: "Week 2", Visible: true},
		{ID: 20, CourseID: 1, Number: 0, Name: "General", Visible: true},
		{ID: 21, CourseID: 1, Number: 1, Name: "Week 1", Visible: false},
	}

	format := optionFormat{
		defaults: map[string]string{"collapsed": "0", "highlight": "0"},
		options: map[int64]map[string]string{
			21: {"collapsed": "1", "highlight": "0"},
			22: {"collapsed": "0"},
		},
	}

	b := NewSectionCacheBuilder(src, format, NopLogger{})
	records, err := b.Build(context.Background(), &CourseRow{ID: 1})
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, []int{0, 1, 2}, []int{records[0].Number, records[1].Number, records[2].Number})

	// Only non-default options survive.
	assert.Nil(t, records[0].FormatOptions)
	assert.Equal(t, map[string]string{"collapsed": "1"}, records[1].FormatOptions)
	assert.Nil(t, records[2].FormatOptions)
}

func TestSectionCacheBuilderKeepsDelegationMetadata(t *testing.T) {
	src := newFakeSource()
	src.addCourse(CourseRow{ID: 1, CacheRev: 1})
	src.sections[1] = []SectionRow{
		{ID: 30, CourseID: 1, Number: 5, Visible: true, Component: "mod_subsection", ItemID: 4},
	}

	b := NewSectionCacheBuilder(src, StandardFormat{}, NopLogger{})
	records, err := b.Build(context.Background(), &CourseRow{ID: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Delegated())
	assert.Equal(t, "mod_subsection", records[0].Component)
	assert.Equal(t, int64(4), records[0].ItemID)
}
