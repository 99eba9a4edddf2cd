package courseinfo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawModuleDefaultFieldsStripped(t *testing.T) {
	m := RawModule{ID: 10, Type: "forum", Instance: 3, SectionID: 7, SectionNum: 1,
		Name: "Announcements", Visible: true, VisibleOnPage: true}

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.NotContains(t, wire, "hidden")
	assert.NotContains(t, wire, "hiddenfrompage")
	assert.NotContains(t, wire, "indent")
	assert.NotContains(t, wire, "availability")
	assert.NotContains(t, wire, "deletioninprogress")

	var restored RawModule
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, m, restored)
}

func TestRawModuleRoundTripNonDefaults(t *testing.T) {
	m := RawModule{
		ID: 11, Type: "quiz", Instance: 4, SectionID: 7, SectionNum: 2,
		Name: "Final", Visible: false, VisibleOnPage: false,
		Indent: 2, GroupMode: 1, GroupingID: 9,
		Completion: 2, CompletionExpected: 1700000000,
		Availability:       `{"op":"&","c":[]}`,
		DeletionInProgress: true,
		Icon:               "quiz.svg", IconComponent: "mod_quiz",
		Content: "<p>intro</p>", CustomData: json.RawMessage(`{"x":1}`),
		NoViewLink: true, ExtraClasses: "dimmed",
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var restored RawModule
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, m, restored)
}

func TestRawSectionRoundTrip(t *testing.T) {
	s := RawSection{ID: 20, Number: 3, Name: "Week 3", Summary: "things",
		Visible: false, Availability: `{"op":"|"}`,
		Component: "mod_subsection", ItemID: 5,
		FormatOptions: map[string]string{"collapsed": "1"}}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var restored RawSection
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, s, restored)
	assert.True(t, restored.Delegated())
}

func TestRawSectionVisibleByDefault(t *testing.T) {
	var restored RawSection
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"number":0}`), &restored))
	assert.True(t, restored.Visible)
	assert.False(t, restored.Delegated())
}

func TestCachedCourseRecordPreservesModuleOrder(t *testing.T) {
	rec := &CachedCourseRecord{
		Version: 7,
		Modules: []*RawModule{
			{ID: 3, Type: "page", Visible: true, VisibleOnPage: true, SectionNum: 1},
			{ID: 1, Type: "forum", Visible: true, VisibleOnPage: true, SectionNum: 1},
			{ID: 2, Type: "quiz", Visible: true, VisibleOnPage: true, SectionNum: 2},
		},
		Sections:     []*RawSection{{ID: 10, Number: 1, Visible: true}},
		CourseFields: map[string]string{"format": "topics"},
	}

	data, err := rec.Encode()
	require.NoError(t, err)

	restored, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, int64(7), restored.Version)
	require.Len(t, restored.Modules, 3)
	assert.Equal(t, int64(3), restored.Modules[0].ID)
	assert.Equal(t, int64(1), restored.Modules[1].ID)
	assert.Equal(t, int64(2), restored.Modules[2].ID)
	assert.Equal(t, "topics", restored.CourseFields["format"])
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	_, err := DecodeRecord([]byte("not json"))
	assert.Error(t, err)
}
