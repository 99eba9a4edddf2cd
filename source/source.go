// Package source provides the database-backed row source for the course
// information cache. It reads courses, modules and sections through GORM
// so the cache layer never sees SQL, and owns the course version counter
// that cache invalidation bumps.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	courseinfo "github.com/GoCodeAlone/courseinfo"
)

// Course is the courses table.
type Course struct {
	ID        int64  `gorm:"primaryKey"`
	ShortName string `gorm:"size:255;not null"`
	FullName  string `gorm:"size:254;not null"`
	Format    string `gorm:"size:21;not null;default:topics"`
	CacheRev  int64  `gorm:"not null;default:1"`
}

// CourseModule is the course_modules table. Ordering within a section is
// carried by Position, assigned from the section sequence when rows are
// written.
type CourseModule struct {
	ID                 int64  `gorm:"primaryKey"`
	CourseID           int64  `gorm:"index;not null"`
	Type               string `gorm:"size:20;not null"`
	Instance           int64  `gorm:"not null"`
	SectionID          int64  `gorm:"index;not null"`
	Position           int    `gorm:"not null"`
	Name               string `gorm:"size:255;not null"`
	Visible            bool   `gorm:"not null;default:true"`
	VisibleOnPage      bool   `gorm:"not null;default:true"`
	Indent             int    `gorm:"not null;default:0"`
	GroupMode          int    `gorm:"not null;default:0"`
	GroupingID         int64  `gorm:"not null;default:0"`
	Completion         int    `gorm:"not null;default:0"`
	CompletionExpected int64  `gorm:"not null;default:0"`
	Availability       string `gorm:"type:text"`
	DeletionInProgress bool   `gorm:"not null;default:false"`
}

// CourseSection is the course_sections table.
type CourseSection struct {
	ID           int64  `gorm:"primaryKey"`
	CourseID     int64  `gorm:"index;not null"`
	Number       int    `gorm:"column:section_number;not null"`
	Name         string `gorm:"size:255"`
	Summary      string `gorm:"type:text"`
	Visible      bool   `gorm:"not null;default:true"`
	Availability string `gorm:"type:text"`
	Component    string `gorm:"size:100"`
	ItemID       int64  `gorm:"not null;default:0"`
}

// Group is the groups table.
type Group struct {
	ID         int64 `gorm:"primaryKey"`
	CourseID   int64 `gorm:"index;not null"`
	GroupingID int64 `gorm:"index;not null;default:0"`
}

// GroupMember is the group_members table.
type GroupMember struct {
	ID      int64 `gorm:"primaryKey"`
	GroupID int64 `gorm:"index;not null"`
	UserID  int64 `gorm:"index;not null"`
}

// GormSource implements courseinfo.RowSource over a GORM database.
type GormSource struct {
	db *gorm.DB
}

// New wraps an open GORM database as a row source.
func New(db *gorm.DB) *GormSource {
	return &GormSource{db: db}
}

// Migrate creates or updates the backing tables.
func (s *GormSource) Migrate() error {
	return s.db.AutoMigrate(&Course{}, &CourseModule{}, &CourseSection{}, &Group{}, &GroupMember{})
}

// Course returns one course row.
func (s *GormSource) Course(ctx context.Context, courseID int64) (*courseinfo.CourseRow, error) {
	var c Course
	err := s.db.WithContext(ctx).First(&c, courseID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("course %d: %w", courseID, courseinfo.ErrCourseNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying course %d: %w", courseID, err)
	}
	return &courseinfo.CourseRow{
		ID:        c.ID,
		ShortName: c.ShortName,
		FullName:  c.FullName,
		Format:    c.Format,
		CacheRev:  c.CacheRev,
	}, nil
}

// ModuleRows returns the course's module rows ordered by section number,
// then by position within the section.
func (s *GormSource) ModuleRows(ctx context.Context, courseID int64) ([]courseinfo.ModuleRow, error) {
	var mods []CourseModule
	err := s.db.WithContext(ctx).
		Where("course_id = ?", courseID).
		Order("position").
		Find(&mods).Error
	if err != nil {
		return nil, fmt.Errorf("querying modules for course %d: %w", courseID, err)
	}

	sectionNums, err := s.sectionNumbers(ctx, courseID)
	if err != nil {
		return nil, err
	}

	rows := make([]courseinfo.ModuleRow, 0, len(mods))
	for _, m := range mods {
		rows = append(rows, courseinfo.ModuleRow{
			ID:                 m.ID,
			CourseID:           m.CourseID,
			Type:               m.Type,
			Instance:           m.Instance,
			SectionID:          m.SectionID,
			SectionNum:         sectionNums[m.SectionID],
			Name:               m.Name,
			Visible:            m.Visible,
			VisibleOnPage:      m.VisibleOnPage,
			Indent:             m.Indent,
			GroupMode:          m.GroupMode,
			GroupingID:         m.GroupingID,
			Completion:         m.Completion,
			CompletionExpected: m.CompletionExpected,
			Availability:       m.Availability,
			DeletionInProgress: m.DeletionInProgress,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].SectionNum < rows[j].SectionNum })
	return rows, nil
}

func (s *GormSource) sectionNumbers(ctx context.Context, courseID int64) (map[int64]int, error) {
	var secs []CourseSection
	err := s.db.WithContext(ctx).
		Where("course_id = ?", courseID).
		Select("id", "section_number").
		Find(&secs).Error
	if err != nil {
		return nil, fmt.Errorf("querying section numbers for course %d: %w", courseID, err)
	}
	nums := make(map[int64]int, len(secs))
	for _, sec := range secs {
		nums[sec.ID] = sec.Number
	}
	return nums, nil
}

// SectionRows returns the course's section rows ordered by number.
func (s *GormSource) SectionRows(ctx context.Context, courseID int64) ([]courseinfo.SectionRow, error) {
	var secs []CourseSection
	err := s.db.WithContext(ctx).
		Where("course_id = ?", courseID).
		Order("section_number").
		Find(&secs).Error
	if err != nil {
		return nil, fmt.Errorf("querying sections for course %d: %w", courseID, err)
	}
	rows := make([]courseinfo.SectionRow, 0, len(secs))
	for _, sec := range secs {
		rows = append(rows, courseinfo.SectionRow{
			ID:           sec.ID,
			CourseID:     sec.CourseID,
			Number:       sec.Number,
			Name:         sec.Name,
			Summary:      sec.Summary,
			Visible:      sec.Visible,
			Availability: sec.Availability,
			Component:    sec.Component,
			ItemID:       sec.ItemID,
		})
	}
	return rows, nil
}

// BumpCourseVersion atomically increments the course's version counter and
// returns the new value.
func (s *GormSource) BumpCourseVersion(ctx context.Context, courseID int64) (int64, error) {
	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Course{}).
			Where("id = ?", courseID).
			Update("cache_rev", gorm.Expr("cache_rev + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("course %d: %w", courseID, courseinfo.ErrCourseNotFound)
		}
		return tx.Model(&Course{}).
			Where("id = ?", courseID).
			Select("cache_rev").
			Scan(&version).Error
	})
	if err != nil {
		return 0, fmt.Errorf("bumping version for course %d: %w", courseID, err)
	}
	return version, nil
}

// UserGroups returns the user's group ids in the course keyed by grouping
// id, with key 0 holding every group regardless of grouping.
func (s *GormSource) UserGroups(ctx context.Context, courseID, userID int64) (map[int64][]int64, error) {
	var groups []Group
	err := s.db.WithContext(ctx).
		Joins("JOIN group_members ON group_members.group_id = groups.id").
		Where("groups.course_id = ? AND group_members.user_id = ?", courseID, userID).
		Order("groups.id").
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("querying groups for user %d in course %d: %w", userID, courseID, err)
	}
	byGrouping := make(map[int64][]int64)
	for _, g := range groups {
		byGrouping[0] = append(byGrouping[0], g.ID)
		if g.GroupingID != 0 {
			byGrouping[g.GroupingID] = append(byGrouping[g.GroupingID], g.ID)
		}
	}
	return byGrouping, nil
}
