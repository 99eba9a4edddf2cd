package courseinfo

import (
	"encoding/json"
	"fmt"
)

// RawModule is the cached form of one course-module instance: the module row
// merged with plugin display hints. Fields equal to their documented default
// (visible, visible on page, zero indent/groupmode/completion, empty
// availability and hints) are omitted from the serialized form and restored
// on load.
type RawModule struct {
	ID                 int64
	Type               string
	Instance           int64
	SectionID          int64
	SectionNum         int
	Name               string
	Visible            bool // default true
	VisibleOnPage      bool // default true
	Indent             int
	GroupMode          int
	GroupingID         int64
	Completion         int
	CompletionExpected int64
	Availability       string
	DeletionInProgress bool
	Icon               string
	IconComponent      string
	Content            string
	CustomData         json.RawMessage
	NoViewLink         bool
	ExtraClasses       string
}

// rawModuleWire is the minimized serialized form. Boolean defaults of true
// are stored inverted so the zero value always means "default".
type rawModuleWire struct {
	ID                 int64           `json:"id"`
	Type               string          `json:"type"`
	Instance           int64           `json:"instance"`
	SectionID          int64           `json:"section"`
	SectionNum         int             `json:"sectionnum"`
	Name               string          `json:"name,omitempty"`
	Hidden             bool            `json:"hidden,omitempty"`
	HiddenFromPage     bool            `json:"hiddenfrompage,omitempty"`
	Indent             int             `json:"indent,omitempty"`
	GroupMode          int             `json:"groupmode,omitempty"`
	GroupingID         int64           `json:"groupingid,omitempty"`
	Completion         int             `json:"completion,omitempty"`
	CompletionExpected int64           `json:"completionexpected,omitempty"`
	Availability       string          `json:"availability,omitempty"`
	DeletionInProgress bool            `json:"deletioninprogress,omitempty"`
	Icon               string          `json:"icon,omitempty"`
	IconComponent      string          `json:"iconcomponent,omitempty"`
	Content            string          `json:"content,omitempty"`
	CustomData         json.RawMessage `json:"customdata,omitempty"`
	NoViewLink         bool            `json:"noviewlink,omitempty"`
	ExtraClasses       string          `json:"extraclasses,omitempty"`
}

// MarshalJSON serializes the module with default-valued fields stripped.
func (m RawModule) MarshalJSON() ([]byte, error) {
	w := rawModuleWire{
		ID:                 m.ID,
		Type:               m.Type,
		Instance:           m.Instance,
		SectionID:          m.SectionID,
		SectionNum:         m.SectionNum,
		Name:               m.Name,
		Hidden:             !m.Visible,
		HiddenFromPage:     !m.VisibleOnPage,
		Indent:             m.Indent,
		GroupMode:          m.GroupMode,
		GroupingID:         m.GroupingID,
		Completion:         m.Completion,
		CompletionExpected: m.CompletionExpected,
		Availability:       m.Availability,
		DeletionInProgress: m.DeletionInProgress,
		Icon:               m.Icon,
		IconComponent:      m.IconComponent,
		Content:            m.Content,
		CustomData:         m.CustomData,
		NoViewLink:         m.NoViewLink,
		ExtraClasses:       m.ExtraClasses,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshaling module %d: %w", m.ID, err)
	}
	return b, nil
}

// UnmarshalJSON restores stripped fields to their defaults.
func (m *RawModule) UnmarshalJSON(data []byte) error {
	var w rawModuleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshaling module record: %w", err)
	}
	*m = RawModule{
		ID:                 w.ID,
		Type:               w.Type,
		Instance:           w.Instance,
		SectionID:          w.SectionID,
		SectionNum:         w.SectionNum,
		Name:               w.Name,
		Visible:            !w.Hidden,
		VisibleOnPage:      !w.HiddenFromPage,
		Indent:             w.Indent,
		GroupMode:          w.GroupMode,
		GroupingID:         w.GroupingID,
		Completion:         w.Completion,
		CompletionExpected: w.CompletionExpected,
		Availability:       w.Availability,
		DeletionInProgress: w.DeletionInProgress,
		Icon:               w.Icon,
		IconComponent:      w.IconComponent,
		Content:            w.Content,
		CustomData:         w.CustomData,
		NoViewLink:         w.NoViewLink,
		ExtraClasses:       w.ExtraClasses,
	}
	return nil
}

// RawSection is the cached form of one course section, minimized the same
// way as RawModule. FormatOptions holds the course-format options that
// differ from the format's defaults.
type RawSection struct {
	ID            int64
	Number        int
	Name          string
	Summary       string
	Visible       bool // default true
	Availability  string
	Component     string
	ItemID        int64
	FormatOptions map[string]string
}

type rawSectionWire struct {
	ID            int64             `json:"id"`
	Number        int               `json:"number"`
	Name          string            `json:"name,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	Hidden        bool              `json:"hidden,omitempty"`
	Availability  string            `json:"availability,omitempty"`
	Component     string            `json:"component,omitempty"`
	ItemID        int64             `json:"itemid,omitempty"`
	FormatOptions map[string]string `json:"formatoptions,omitempty"`
}

// Delegated reports whether the section is owned by an external component.
func (s *RawSection) Delegated() bool { return s.Component != "" }

func (s RawSection) MarshalJSON() ([]byte, error) {
	w := rawSectionWire{
		ID:            s.ID,
		Number:        s.Number,
		Name:          s.Name,
		Summary:       s.Summary,
		Hidden:        !s.Visible,
		Availability:  s.Availability,
		Component:     s.Component,
		ItemID:        s.ItemID,
		FormatOptions: s.FormatOptions,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshaling section %d: %w", s.ID, err)
	}
	return b, nil
}

func (s *RawSection) UnmarshalJSON(data []byte) error {
	var w rawSectionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshaling section record: %w", err)
	}
	*s = RawSection{
		ID:            w.ID,
		Number:        w.Number,
		Name:          w.Name,
		Summary:       w.Summary,
		Visible:       !w.Hidden,
		Availability:  w.Availability,
		Component:     w.Component,
		ItemID:        w.ItemID,
		FormatOptions: w.FormatOptions,
	}
	return nil
}

// CachedCourseRecord is the versioned payload stored per course: every
// module and section record plus a handful of cached course fields. The
// record is immutable once stored under a version; a higher version always
// supersedes a lower one for the same course key.
//
// Modules are kept as an ordered list, not a map: the list order is the
// course order resolved by the row source and defines per-section module
// ordering at expansion time.
type CachedCourseRecord struct {
	Version      int64             `json:"version"`
	Modules      []*RawModule      `json:"modules"`
	Sections     []*RawSection     `json:"sections"`
	CourseFields map[string]string `json:"coursefields,omitempty"`
}

// Encode serializes the record for the versioned store.
func (r *CachedCourseRecord) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding course record: %w", err)
	}
	return b, nil
}

// DecodeRecord deserializes a stored course record.
func DecodeRecord(data []byte) (*CachedCourseRecord, error) {
	var r CachedCourseRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding course record: %w", err)
	}
	return &r, nil
}
