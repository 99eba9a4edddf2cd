package courseinfo

import (
	"context"
	"fmt"
	"sort"
)

// ModuleRecordBuilder gathers raw per-module-instance records from the row
// source and per-module-type plugin callbacks, producing the module part of
// the cached payload. Rows of uninstalled types are kept in the payload
// (they are skipped later, at expansion) but their plugin callback is not
// invoked.
type ModuleRecordBuilder struct {
	source  RowSource
	plugins *PluginRegistry
	logger  Logger
}

// NewModuleRecordBuilder creates a module record builder.
func NewModuleRecordBuilder(source RowSource, plugins *PluginRegistry, logger Logger) *ModuleRecordBuilder {
	return &ModuleRecordBuilder{source: source, plugins: plugins, logger: logger}
}

// Build produces the ordered module records for a course. Any row source
// failure aborts the build; a partial record set is never returned.
func (b *ModuleRecordBuilder) Build(ctx context.Context, course *CourseRow) ([]*RawModule, error) {
	rows, err := b.source.ModuleRows(ctx, course.ID)
	if err != nil {
		return nil, fmt.Errorf("reading module rows for course %d: %w", course.ID, err)
	}

	records := make([]*RawModule, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		raw := &RawModule{
			ID:                 row.ID,
			Type:               row.Type,
			Instance:           row.Instance,
			SectionID:          row.SectionID,
			SectionNum:         row.SectionNum,
			Name:               row.Name,
			Visible:            row.Visible,
			VisibleOnPage:      row.VisibleOnPage,
			Indent:             row.Indent,
			GroupMode:          row.GroupMode,
			GroupingID:         row.GroupingID,
			Completion:         row.Completion,
			CompletionExpected: row.CompletionExpected,
			Availability:       row.Availability,
			DeletionInProgress: row.DeletionInProgress,
		}
		if plugin, ok := b.plugins.Lookup(row.Type); ok && plugin.CourseModuleInfo != nil {
			if info := plugin.CourseModuleInfo(row); info != nil {
				raw.Icon = info.Icon
				raw.IconComponent = info.IconComponent
				raw.Content = info.Content
				raw.CustomData = info.CustomData
				raw.NoViewLink = info.NoViewLink
				raw.ExtraClasses = info.ExtraClasses
			}
		}
		records = append(records, raw)
	}
	return records, nil
}

// SectionCacheBuilder gathers raw per-section records, strips format options
// equal to the course format's defaults, and embeds the rest in the cached
// payload.
type SectionCacheBuilder struct {
	source RowSource
	format CourseFormat
	logger Logger
}

// NewSectionCacheBuilder creates a section cache builder.
func NewSectionCacheBuilder(source RowSource, format CourseFormat, logger Logger) *SectionCacheBuilder {
	return &SectionCacheBuilder{source: source, format: format, logger: logger}
}

// Build produces the section records for a course, sorted by section number.
func (b *SectionCacheBuilder) Build(ctx context.Context, course *CourseRow) ([]*RawSection, error) {
	rows, err := b.source.SectionRows(ctx, course.ID)
	if err != nil {
		return nil, fmt.Errorf("reading section rows for course %d: %w", course.ID, err)
	}

	defaults := b.format.SectionFormatOptions()
	records := make([]*RawSection, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		records = append(records, &RawSection{
			ID:            row.ID,
			Number:        row.Number,
			Name:          row.Name,
			Summary:       row.Summary,
			Visible:       row.Visible,
			Availability:  row.Availability,
			Component:     row.Component,
			ItemID:        row.ItemID,
			FormatOptions: stripDefaultOptions(b.format.FormatOptions(row), defaults),
		})
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Number < records[j].Number })
	return records, nil
}

// stripDefaultOptions drops options whose value equals the format default.
func stripDefaultOptions(options, defaults map[string]string) map[string]string {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]string, len(options))
	for k, v := range options {
		if dv, ok := defaults[k]; ok && dv == v {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
