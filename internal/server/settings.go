package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"opd/internal/capability"
	"opd/internal/model"
	"opd/internal/store"
)

// maskedConfig is a capability row as exposed to clients: password fields
// are replaced by the mask sentinel.
type maskedConfig struct {
	Category string            `json:"category"`
	Provider string            `json:"provider"`
	Enabled  bool              `json:"enabled"`
	Config   map[string]string `json:"config"`
}

func (s *Server) maskRow(c *model.CapabilityConfig) maskedConfig {
	schema := s.registry.SchemaFor(c.Category, c.Provider)
	return maskedConfig{
		Category: c.Category,
		Provider: c.Provider,
		Enabled:  c.Enabled,
		Config:   capability.MaskConfig(c.Config, schema),
	}
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListCapabilityConfigs(r.Context(), "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	rows := make([]maskedConfig, 0, len(configs))
	for _, c := range configs {
		rows = append(rows, s.maskRow(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available": s.registry.ListAvailable(),
		"configs":   rows,
	})
}

func (s *Server) handleGetCapability(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	c, err := s.store.GetCapabilityConfig(r.Context(), "", category)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.maskRow(c))
}

type capabilityUpdate struct {
	Provider string            `json:"provider"`
	Enabled  bool              `json:"enabled"`
	Config   map[string]string `json:"config"`
}

func (s *Server) handlePutCapability(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	var req capabilityUpdate
	if !s.decodeJSON(w, r, &req) {
		return
	}
	cfg, err := s.mergeCapabilityUpdate(r, "", category, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.UpsertCapabilityConfig(r.Context(), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.registry.ReplaceActive(r.Context(), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.maskRow(cfg))
}

func (s *Server) handleTestCapability(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	var req struct {
		Provider string            `json:"provider"`
		Config   map[string]string `json:"config"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	// Masked values in a test request refer to the stored global secrets.
	if stored, err := s.store.GetCapabilityConfig(r.Context(), "", category); err == nil {
		schema := s.registry.SchemaFor(category, req.Provider)
		req.Config = capability.RestoreSecrets(req.Config, stored.Config, schema)
	}
	p, err := s.registry.CreateTemp(r.Context(), category, req.Provider, req.Config)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"healthy": false, "message": err.Error(),
		})
		return
	}
	health := p.HealthCheck(r.Context())
	_ = p.Cleanup(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": health.Healthy, "message": health.Message,
	})
}

func (s *Server) handleListProjectCapabilities(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		s.writeError(w, err)
		return
	}
	configs, err := s.store.ListCapabilityConfigs(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rows := make([]maskedConfig, 0, len(configs))
	for _, c := range configs {
		rows = append(rows, s.maskRow(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available": s.registry.ListAvailable(),
		"overrides": rows,
	})
}

func (s *Server) handleGetProjectCapability(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	category := chi.URLParam(r, "category")
	c, err := s.store.GetCapabilityConfig(r.Context(), projectID, category)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.maskRow(c))
}

func (s *Server) handlePutProjectCapability(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	category := chi.URLParam(r, "category")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		s.writeError(w, err)
		return
	}
	var req capabilityUpdate
	if !s.decodeJSON(w, r, &req) {
		return
	}
	cfg, err := s.mergeCapabilityUpdate(r, projectID, category, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Overrides are applied per stage invocation; the live registry keeps
	// the global providers.
	if err := s.store.UpsertCapabilityConfig(r.Context(), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.maskRow(cfg))
}

// mergeCapabilityUpdate restores mask-sentinel password values from the
// stored row before the update is persisted.
func (s *Server) mergeCapabilityUpdate(r *http.Request, projectID, category string, req capabilityUpdate) (*model.CapabilityConfig, error) {
	config := req.Config
	stored, err := s.store.GetCapabilityConfig(r.Context(), projectID, category)
	switch {
	case err == nil:
		if stored.Provider == req.Provider {
			schema := s.registry.SchemaFor(category, req.Provider)
			config = capability.RestoreSecrets(config, stored.Config, schema)
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	cfg := &model.CapabilityConfig{
		ProjectID: projectID,
		Category:  category,
		Provider:  req.Provider,
		Enabled:   req.Enabled,
		Config:    config,
	}
	if err == nil {
		cfg.ID = stored.ID
	}
	return cfg, nil
}

type capabilityHealth struct {
	Provider string                  `json:"provider"`
	Health   capability.HealthStatus `json:"health"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]capabilityHealth{}
	for _, category := range capability.Categories {
		cap := s.registry.Get(category)
		if cap == nil {
			continue
		}
		out[category] = capabilityHealth{
			Provider: cap.ProviderName,
			Health:   cap.Provider.HealthCheck(r.Context()),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"capabilities": out,
	})
}
