package courseinfo

import (
	"errors"
)

// Core errors
var (
	// ErrModuleNotFound is returned when a course module id is not present in the graph
	ErrModuleNotFound = errors.New("course module not found")

	// ErrSectionNotFound is returned when a section cannot be resolved by number, id or delegation key
	ErrSectionNotFound = errors.New("section not found")

	// ErrCourseNotFound is returned when the row source has no course with the requested id
	ErrCourseNotFound = errors.New("course not found")

	// ErrProtocolViolation is returned when a staged setter is called from the wrong
	// lifecycle stage, or when a course format hook attempts to flip an available
	// section to unavailable
	ErrProtocolViolation = errors.New("handle lifecycle protocol violation")

	// ErrCorruptCache indicates a cached payload whose modules no longer resolve an
	// access-control context; recovery is a forced rebuild of that course
	ErrCorruptCache = errors.New("corrupt course cache payload")

	// ErrNoRowSource is returned when a registry is constructed without a row source
	ErrNoRowSource = errors.New("no row source configured")

	// ErrNoStore is returned when a registry is constructed without a versioned store
	ErrNoStore = errors.New("no versioned store configured")
)

// Config validation errors
var (
	ErrConfigInvalidEngine    = errors.New("unknown store engine")
	ErrConfigInvalidCapacity  = errors.New("graph cache capacity must be at least 1")
	ErrConfigMissingRedisURL  = errors.New("redis engine requires a redis URL")
	ErrConfigMissingDatabase  = errors.New("database DSN is required")
	ErrConfigUnknownExtension = errors.New("unsupported config file extension")
)
