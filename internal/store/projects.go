package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"opd/internal/model"
)

// ErrDuplicateName is returned when a project name is already taken.
var ErrDuplicateName = errors.New("project name already exists")

const projectCols = `id, name, repo_url, description, tech_stack, architecture,
	workspace_dir, workspace_status, workspace_error, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*model.Project, error) {
	var p model.Project
	var created, updated string
	err := row.Scan(&p.ID, &p.Name, &p.RepoURL, &p.Description, &p.TechStack,
		&p.Architecture, &p.WorkspaceDir, &p.WorkspaceState, &p.WorkspaceError,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// CreateProject inserts a project plus its rules and skills.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.WorkspaceState == "" {
		p.WorkspaceState = model.WorkspacePending
	}
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE name = ?`, p.Name).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateName
	}

	err := s.exec(ctx, `INSERT INTO projects (`+projectCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoURL, p.Description, p.TechStack, p.Architecture,
		p.WorkspaceDir, p.WorkspaceState, p.WorkspaceError,
		p.CreatedAt.Format(timeFmt), p.UpdatedAt.Format(timeFmt))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := s.ReplaceRules(ctx, p.ID, p.Rules); err != nil {
		return err
	}
	return s.ReplaceSkills(ctx, p.ID, p.Skills)
}

// GetProject loads a project with its rules and skills eager-loaded.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		return nil, err
	}
	if p.Rules, err = s.ListRules(ctx, id); err != nil {
		return nil, err
	}
	if p.Skills, err = s.ListSkills(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

// ListProjects returns all projects ordered by creation time, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectCols+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject persists the mutable project attributes and replaces rules
// and skills with the given sets.
func (s *Store) UpdateProject(ctx context.Context, p *model.Project) error {
	p.UpdatedAt = now()
	err := s.exec(ctx, `UPDATE projects SET
		name = ?, repo_url = ?, description = ?, tech_stack = ?, architecture = ?,
		workspace_dir = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.RepoURL, p.Description, p.TechStack, p.Architecture,
		p.WorkspaceDir, p.UpdatedAt.Format(timeFmt), p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if err := s.ReplaceRules(ctx, p.ID, p.Rules); err != nil {
		return err
	}
	return s.ReplaceSkills(ctx, p.ID, p.Skills)
}

// SetWorkspaceStatus records the clone lifecycle state for a project.
func (s *Store) SetWorkspaceStatus(ctx context.Context, projectID string, status model.WorkspaceStatus, errMsg string) error {
	return s.exec(ctx,
		`UPDATE projects SET workspace_status = ?, workspace_error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, now().Format(timeFmt), projectID)
}

// DeleteProject removes a project; stories, rounds and messages cascade.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountStories returns the number of stories attached to a project.
func (s *Store) CountStories(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stories WHERE project_id = ?`, projectID).Scan(&n)
	return n, err
}

// ReplaceRules swaps the rule set of a project.
func (s *Store) ReplaceRules(ctx context.Context, projectID string, rules []model.Rule) error {
	if err := s.exec(ctx, `DELETE FROM rules WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	for i := range rules {
		r := &rules[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.ProjectID = projectID
		if r.Category == "" {
			r.Category = model.RuleCoding
		}
		err := s.exec(ctx,
			`INSERT INTO rules (id, project_id, name, category, content, enabled)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.ProjectID, r.Name, r.Category, r.Content, boolInt(r.Enabled))
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
	}
	return nil
}

// ListRules returns a project's rules.
func (s *Store) ListRules(ctx context.Context, projectID string) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, category, content, enabled
		 FROM rules WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		var r model.Rule
		var enabled int
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Name, &r.Category, &r.Content, &enabled); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceSkills swaps the skill set of a project.
func (s *Store) ReplaceSkills(ctx context.Context, projectID string, skills []model.Skill) error {
	if err := s.exec(ctx, `DELETE FROM skills WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	for i := range skills {
		sk := &skills[i]
		if sk.ID == "" {
			sk.ID = uuid.NewString()
		}
		sk.ProjectID = projectID
		if sk.Trigger == "" {
			sk.Trigger = model.SkillManual
		}
		err := s.exec(ctx,
			`INSERT INTO skills (id, project_id, name, command, trigger_mode)
			 VALUES (?, ?, ?, ?, ?)`,
			sk.ID, sk.ProjectID, sk.Name, sk.Command, sk.Trigger)
		if err != nil {
			return fmt.Errorf("insert skill: %w", err)
		}
	}
	return nil
}

// ListSkills returns a project's skills.
func (s *Store) ListSkills(ctx context.Context, projectID string) ([]model.Skill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, command, trigger_mode
		 FROM skills WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Skill
	for rows.Next() {
		var sk model.Skill
		if err := rows.Scan(&sk.ID, &sk.ProjectID, &sk.Name, &sk.Command, &sk.Trigger); err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
