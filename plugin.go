package courseinfo

import (
	"encoding/json"
	"sync"
)

// ModuleDisplayInfo carries the display hints a module-type plugin may
// contribute to the cached record at build time.
type ModuleDisplayInfo struct {
	Icon          string
	IconComponent string
	Content       string
	CustomData    json.RawMessage
	NoViewLink    bool
	ExtraClasses  string
}

// ModulePlugin bundles the per-module-type hooks. Every hook is optional;
// a registered type with a zero ModulePlugin simply marks the type as
// installed.
type ModulePlugin struct {
	// CourseModuleInfo is invoked once per module row during cache builds.
	// A nil return contributes nothing.
	CourseModuleInfo func(row *ModuleRow) *ModuleDisplayInfo

	// OnDynamic is invoked when a handle enters its dynamic stage. The hook
	// may call the handle's dynamic setters and may read back any of the
	// handle's own staged properties.
	OnDynamic func(h *ModuleHandle)

	// OnView is invoked when a handle enters its view stage. The hook may
	// set display content but must not call dynamic-only setters.
	OnView func(h *ModuleHandle)
}

// PluginRegistry tracks which module types are installed and the hooks they
// contribute. Cached module rows whose type is not installed are skipped
// during graph expansion.
type PluginRegistry struct {
	mu           sync.RWMutex
	types        map[string]ModulePlugin
	allowUnknown bool
}

// NewPluginRegistry creates an empty, strict registry: only explicitly
// registered types count as installed.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{types: make(map[string]ModulePlugin)}
}

// SetAllowUnknown makes the registry treat unregistered types as installed
// with no hooks. Registries created by default registry options run in this
// mode so a bare deployment does not silently drop every module.
func (r *PluginRegistry) SetAllowUnknown(allow bool) *PluginRegistry {
	r.mu.Lock()
	r.allowUnknown = allow
	r.mu.Unlock()
	return r
}

// Register installs a module type with its hooks, replacing any previous
// registration for the same type name.
func (r *PluginRegistry) Register(typeName string, p ModulePlugin) {
	r.mu.Lock()
	r.types[typeName] = p
	r.mu.Unlock()
}

// RegisterTypes installs module types with no hooks.
func (r *PluginRegistry) RegisterTypes(names ...string) {
	r.mu.Lock()
	for _, n := range names {
		if _, exists := r.types[n]; !exists {
			r.types[n] = ModulePlugin{}
		}
	}
	r.mu.Unlock()
}

// Unregister removes a module type. Cached rows of the type are skipped on
// the next expansion; Unregister does not purge existing payloads.
func (r *PluginRegistry) Unregister(typeName string) {
	r.mu.Lock()
	delete(r.types, typeName)
	r.mu.Unlock()
}

// Installed reports whether the module type can be expanded.
func (r *PluginRegistry) Installed(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.allowUnknown {
		return true
	}
	_, ok := r.types[typeName]
	return ok
}

// Lookup returns the hooks registered for a module type.
func (r *PluginRegistry) Lookup(typeName string) (ModulePlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.types[typeName]
	return p, ok
}
