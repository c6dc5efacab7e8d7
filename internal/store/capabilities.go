package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"opd/internal/model"
)

// UpsertCapabilityConfig writes the chosen provider and config for a
// capability, globally (projectID "") or as a project override.
func (s *Store) UpsertCapabilityConfig(ctx context.Context, c *model.CapabilityConfig) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.UpdatedAt = now()
	raw, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("encode capability config: %w", err)
	}
	return s.exec(ctx,
		`INSERT INTO capability_configs (id, project_id, category, provider, enabled, config_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, category) DO UPDATE SET
		   provider = excluded.provider,
		   enabled = excluded.enabled,
		   config_json = excluded.config_json,
		   updated_at = excluded.updated_at`,
		c.ID, c.ProjectID, c.Category, c.Provider, boolInt(c.Enabled),
		string(raw), c.UpdatedAt.Format(timeFmt))
}

// GetCapabilityConfig reads one capability row. projectID "" selects the
// global row.
func (s *Store) GetCapabilityConfig(ctx context.Context, projectID, category string) (*model.CapabilityConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, category, provider, enabled, config_json, updated_at
		 FROM capability_configs WHERE project_id = ? AND category = ?`,
		projectID, category)
	return scanCapabilityConfig(row)
}

// ListCapabilityConfigs returns every capability row in a scope.
func (s *Store) ListCapabilityConfigs(ctx context.Context, projectID string) ([]*model.CapabilityConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, category, provider, enabled, config_json, updated_at
		 FROM capability_configs WHERE project_id = ? ORDER BY category`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.CapabilityConfig
	for rows.Next() {
		c, err := scanCapabilityConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCapabilityConfig removes an override row.
func (s *Store) DeleteCapabilityConfig(ctx context.Context, projectID, category string) error {
	return s.exec(ctx,
		`DELETE FROM capability_configs WHERE project_id = ? AND category = ?`,
		projectID, category)
}

func scanCapabilityConfig(row interface{ Scan(...any) error }) (*model.CapabilityConfig, error) {
	var c model.CapabilityConfig
	var enabled int
	var raw, updated string
	err := row.Scan(&c.ID, &c.ProjectID, &c.Category, &c.Provider, &enabled, &raw, &updated)
	if err != nil {
		return nil, err
	}
	c.Enabled = enabled != 0
	c.UpdatedAt = parseTime(updated)
	c.Config = map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Config); err != nil {
			return nil, fmt.Errorf("decode capability config: %w", err)
		}
	}
	return &c, nil
}
