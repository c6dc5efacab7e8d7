package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"opd/internal/model"
)

// Factory builds a provider instance from an opaque config map.
type Factory func(config map[string]string) Provider

// Definition is one registered provider implementation: its constructor and
// the config schema it declares.
type Definition struct {
	New    Factory
	Schema []SchemaField
}

// Capability is a named role bound to its active provider instance.
type Capability struct {
	Category     string
	ProviderName string
	Provider     Provider
}

// PreflightResult collects the outcome of a pre-execution capability gate.
type PreflightResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether every required capability passed.
func (r *PreflightResult) OK() bool { return len(r.Errors) == 0 }

// Registry holds the provider catalog and one active provider per
// capability. It is immutable after InitializeFromConfig except through
// ReplaceActive; per-project views are built per stage invocation and owned
// by their caller.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]map[string]Definition
	active      map[string]*Capability
	baseConfigs map[string]map[string]string
	logger      *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		definitions: make(map[string]map[string]Definition),
		active:      make(map[string]*Capability),
		baseConfigs: make(map[string]map[string]string),
		logger:      logger.Named("capability"),
	}
}

// Register adds a provider implementation to the catalog. Called at process
// start, before InitializeFromConfig.
func (r *Registry) Register(category, name string, def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.definitions[category] == nil {
		r.definitions[category] = make(map[string]Definition)
	}
	r.definitions[category][name] = def
}

// InitializeFromConfig instantiates and initializes the active provider for
// each configured capability. Unknown providers are skipped with a warning
// so one bad row does not take the process down.
func (r *Registry) InitializeFromConfig(ctx context.Context, configs []*model.CapabilityConfig) error {
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		p, err := r.build(cfg.Category, cfg.Provider, cfg.Config)
		if err != nil {
			r.logger.Warn("skipping capability",
				zap.String("category", cfg.Category),
				zap.String("provider", cfg.Provider),
				zap.Error(err))
			continue
		}
		if err := p.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s/%s: %w", cfg.Category, cfg.Provider, err)
		}
		r.mu.Lock()
		r.active[cfg.Category] = &Capability{
			Category: cfg.Category, ProviderName: cfg.Provider, Provider: p,
		}
		r.baseConfigs[cfg.Category] = cloneConfig(cfg.Config)
		r.mu.Unlock()
		r.logger.Info("capability initialized",
			zap.String("category", cfg.Category),
			zap.String("provider", cfg.Provider))
	}
	return nil
}

// Get returns the active capability for a category, or nil.
func (r *Registry) Get(category string) *Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[category]
}

// ReplaceActive swaps the active provider for a category after a settings
// update. The previous provider is cleaned up.
func (r *Registry) ReplaceActive(ctx context.Context, cfg *model.CapabilityConfig) error {
	r.mu.Lock()
	prev := r.active[cfg.Category]
	r.mu.Unlock()

	if !cfg.Enabled {
		r.mu.Lock()
		delete(r.active, cfg.Category)
		delete(r.baseConfigs, cfg.Category)
		r.mu.Unlock()
	} else {
		p, err := r.build(cfg.Category, cfg.Provider, cfg.Config)
		if err != nil {
			return err
		}
		if err := p.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s/%s: %w", cfg.Category, cfg.Provider, err)
		}
		r.mu.Lock()
		r.active[cfg.Category] = &Capability{
			Category: cfg.Category, ProviderName: cfg.Provider, Provider: p,
		}
		r.baseConfigs[cfg.Category] = cloneConfig(cfg.Config)
		r.mu.Unlock()
	}

	if prev != nil {
		if err := prev.Provider.Cleanup(ctx); err != nil {
			r.logger.Warn("cleanup of replaced provider failed",
				zap.String("category", cfg.Category), zap.Error(err))
		}
	}
	return nil
}

// CreateTemp builds a non-registered provider instance so a candidate
// config can be tested without touching the live registry. The caller owns
// Cleanup.
func (r *Registry) CreateTemp(ctx context.Context, category, name string, config map[string]string) (Provider, error) {
	p, err := r.build(category, name, config)
	if err != nil {
		return nil, err
	}
	if err := p.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize %s/%s: %w", category, name, err)
	}
	return p, nil
}

// Preflight gates a stage execution: each required capability must exist
// and be healthy; optional capabilities only produce warnings.
func (r *Registry) Preflight(ctx context.Context, required, optional []string) *PreflightResult {
	res := &PreflightResult{}
	for _, name := range required {
		cap := r.Get(name)
		if cap == nil {
			res.Errors = append(res.Errors, fmt.Sprintf("capability [%s] is not configured", name))
			continue
		}
		health := cap.Provider.HealthCheck(ctx)
		if !health.Healthy {
			res.Errors = append(res.Errors,
				fmt.Sprintf("capability [%s] is unhealthy: %s", name, health.Message))
		}
	}
	for _, name := range optional {
		cap := r.Get(name)
		if cap == nil {
			continue
		}
		health := cap.Provider.HealthCheck(ctx)
		if !health.Healthy {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("capability [%s] is unhealthy, degrading: %s", name, health.Message))
		}
	}
	return res
}

// View is a registry snapshot with project overrides applied. Providers
// constructed for the view are owned by it; callers must Cleanup when the
// stage invocation ends.
type View struct {
	caps  map[string]*Capability
	owned []Provider
}

// Get returns the capability visible in this view, or nil.
func (v *View) Get(category string) *Capability { return v.caps[category] }

// Preflight runs the same gate as Registry.Preflight against the view.
func (v *View) Preflight(ctx context.Context, required, optional []string) *PreflightResult {
	res := &PreflightResult{}
	for _, name := range required {
		cap := v.caps[name]
		if cap == nil {
			res.Errors = append(res.Errors, fmt.Sprintf("capability [%s] is not configured", name))
			continue
		}
		health := cap.Provider.HealthCheck(ctx)
		if !health.Healthy {
			res.Errors = append(res.Errors,
				fmt.Sprintf("capability [%s] is unhealthy: %s", name, health.Message))
		}
	}
	for _, name := range optional {
		cap := v.caps[name]
		if cap == nil {
			continue
		}
		health := cap.Provider.HealthCheck(ctx)
		if !health.Healthy {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("capability [%s] is unhealthy, degrading: %s", name, health.Message))
		}
	}
	return res
}

// Cleanup releases every provider the view constructed. Shared providers
// from the base registry are left alone.
func (v *View) Cleanup(ctx context.Context) {
	for _, p := range v.owned {
		_ = p.Cleanup(ctx)
	}
	v.owned = nil
}

// WithProjectOverrides builds a view of the registry for one project:
//   - enabled=false drops the capability from the view,
//   - a differing provider name constructs a fresh provider from
//     base-config merged with the override config,
//   - override config keys alone rebuild the same provider with the merged
//     config.
func (r *Registry) WithProjectOverrides(ctx context.Context, overrides []*model.CapabilityConfig) (*View, error) {
	v := &View{caps: make(map[string]*Capability)}

	r.mu.RLock()
	for cat, cap := range r.active {
		v.caps[cat] = cap
	}
	r.mu.RUnlock()

	for _, ov := range overrides {
		if !ov.Enabled {
			delete(v.caps, ov.Category)
			continue
		}

		base := v.caps[ov.Category]
		name := ov.Provider
		if name == "" && base != nil {
			name = base.ProviderName
		}
		if name == "" {
			continue
		}

		r.mu.RLock()
		merged := cloneConfig(r.baseConfigs[ov.Category])
		r.mu.RUnlock()
		for k, val := range ov.Config {
			merged[k] = val
		}

		// Same provider with no config delta: reuse the shared instance.
		if base != nil && name == base.ProviderName && len(ov.Config) == 0 {
			continue
		}

		p, err := r.build(ov.Category, name, merged)
		if err != nil {
			v.Cleanup(ctx)
			return nil, err
		}
		if err := p.Initialize(ctx); err != nil {
			v.Cleanup(ctx)
			return nil, fmt.Errorf("initialize override %s/%s: %w", ov.Category, name, err)
		}
		v.caps[ov.Category] = &Capability{Category: ov.Category, ProviderName: name, Provider: p}
		v.owned = append(v.owned, p)
	}
	return v, nil
}

// ProviderInfo describes one catalog entry for the settings UI.
type ProviderInfo struct {
	Name   string        `json:"name"`
	Schema []SchemaField `json:"schema"`
}

// ListAvailable returns the full catalog: every registered provider per
// category with its config schema, in stable order.
func (r *Registry) ListAvailable() map[string][]ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]ProviderInfo, len(r.definitions))
	for category, defs := range r.definitions {
		names := make([]string, 0, len(defs))
		for name := range defs {
			names = append(names, name)
		}
		sort.Strings(names)
		infos := make([]ProviderInfo, 0, len(names))
		for _, name := range names {
			infos = append(infos, ProviderInfo{Name: name, Schema: defs[name].Schema})
		}
		out[category] = infos
	}
	return out
}

// SchemaFor returns the declared schema of one provider, or nil.
func (r *Registry) SchemaFor(category, name string) []SchemaField {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if defs, ok := r.definitions[category]; ok {
		if def, ok := defs[name]; ok {
			return def.Schema
		}
	}
	return nil
}

// Cleanup tears down every active provider. Called on shutdown.
func (r *Registry) Cleanup(ctx context.Context) {
	r.mu.Lock()
	caps := make([]*Capability, 0, len(r.active))
	for _, cap := range r.active {
		caps = append(caps, cap)
	}
	r.active = make(map[string]*Capability)
	r.mu.Unlock()

	for _, cap := range caps {
		if err := cap.Provider.Cleanup(ctx); err != nil {
			r.logger.Warn("provider cleanup failed",
				zap.String("category", cap.Category), zap.Error(err))
		}
	}
}

func (r *Registry) build(category, name string, config map[string]string) (Provider, error) {
	r.mu.RLock()
	defs, ok := r.definitions[category]
	var def Definition
	if ok {
		def, ok = defs[name]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %s/%s", category, name)
	}
	return def.New(cloneConfig(config)), nil
}

func cloneConfig(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
