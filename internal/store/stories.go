package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"opd/internal/model"
)

const storyCols = `id, project_id, title, feature_tag, raw_input, status,
	current_round, prd, confirmed_prd, technical_design, detailed_design,
	coding_report, test_guide, planning_input_hash, designing_input_hash,
	coding_input_hash, created_at, updated_at`

func scanStory(row interface{ Scan(...any) error }) (*model.Story, error) {
	var st model.Story
	var created, updated string
	err := row.Scan(&st.ID, &st.ProjectID, &st.Title, &st.FeatureTag, &st.RawInput,
		&st.Status, &st.CurrentRound, &st.PRD, &st.ConfirmedPRD,
		&st.TechnicalDesign, &st.DetailedDesign, &st.CodingReport, &st.TestGuide,
		&st.PlanningInputHash, &st.DesigningInputHash, &st.CodingInputHash,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	st.CreatedAt = parseTime(created)
	st.UpdatedAt = parseTime(updated)
	return &st, nil
}

// CreateStory inserts a story row.
func (s *Store) CreateStory(ctx context.Context, st *model.Story) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = model.StatusPreparing
	}
	if st.CurrentRound == 0 {
		st.CurrentRound = 1
	}
	st.CreatedAt = now()
	st.UpdatedAt = st.CreatedAt
	err := s.exec(ctx, `INSERT INTO stories (`+storyCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ProjectID, st.Title, st.FeatureTag, st.RawInput, st.Status,
		st.CurrentRound, st.PRD, st.ConfirmedPRD, st.TechnicalDesign,
		st.DetailedDesign, st.CodingReport, st.TestGuide,
		st.PlanningInputHash, st.DesigningInputHash, st.CodingInputHash,
		st.CreatedAt.Format(timeFmt), st.UpdatedAt.Format(timeFmt))
	if err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	return nil
}

// GetStory loads a story row by id.
func (s *Store) GetStory(ctx context.Context, id string) (*model.Story, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+storyCols+` FROM stories WHERE id = ?`, id)
	return scanStory(row)
}

// ListStories returns all stories of a project, newest first.
func (s *Store) ListStories(ctx context.Context, projectID string) ([]*model.Story, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+storyCols+` FROM stories WHERE project_id = ?
		 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStory persists every mutable story field. Callers hold a fully
// loaded story, mutate it, and write it back in one shot.
func (s *Store) UpdateStory(ctx context.Context, st *model.Story) error {
	st.UpdatedAt = now()
	return s.exec(ctx, `UPDATE stories SET
		title = ?, feature_tag = ?, status = ?, current_round = ?,
		prd = ?, confirmed_prd = ?, technical_design = ?, detailed_design = ?,
		coding_report = ?, test_guide = ?,
		planning_input_hash = ?, designing_input_hash = ?, coding_input_hash = ?,
		updated_at = ?
		WHERE id = ?`,
		st.Title, st.FeatureTag, st.Status, st.CurrentRound,
		st.PRD, st.ConfirmedPRD, st.TechnicalDesign, st.DetailedDesign,
		st.CodingReport, st.TestGuide,
		st.PlanningInputHash, st.DesigningInputHash, st.CodingInputHash,
		st.UpdatedAt.Format(timeFmt), st.ID)
}

// CreateClarifications appends question rows for a story.
func (s *Store) CreateClarifications(ctx context.Context, storyID string, questions []string) ([]model.Clarification, error) {
	var out []model.Clarification
	for _, q := range questions {
		c := model.Clarification{
			ID:        uuid.NewString(),
			StoryID:   storyID,
			Question:  q,
			CreatedAt: now(),
		}
		err := s.exec(ctx,
			`INSERT INTO clarifications (id, story_id, question, answer, answered, created_at)
			 VALUES (?, ?, ?, '', 0, ?)`,
			c.ID, c.StoryID, c.Question, c.CreatedAt.Format(timeFmt))
		if err != nil {
			return nil, fmt.Errorf("insert clarification: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ListClarifications returns a story's Q/A pairs in creation order.
func (s *Store) ListClarifications(ctx context.Context, storyID string) ([]model.Clarification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, story_id, question, answer, answered, created_at
		 FROM clarifications WHERE story_id = ? ORDER BY created_at, id`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Clarification
	for rows.Next() {
		var c model.Clarification
		var answered int
		var created string
		if err := rows.Scan(&c.ID, &c.StoryID, &c.Question, &c.Answer, &answered, &created); err != nil {
			return nil, err
		}
		c.Answered = answered != 0
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AnswerClarification sets the answer on a row. Matching by id when given,
// otherwise by question text with no prior answer.
func (s *Store) AnswerClarification(ctx context.Context, storyID, id, question, answer string) error {
	if id != "" {
		return s.exec(ctx,
			`UPDATE clarifications SET answer = ?, answered = 1 WHERE id = ? AND story_id = ?`,
			answer, id, storyID)
	}
	return s.exec(ctx,
		`UPDATE clarifications SET answer = ?, answered = 1
		 WHERE story_id = ? AND question = ? AND answered = 0`,
		answer, storyID, question)
}

// DeleteClarifications drops all clarifications of a story (rollback to
// preparing).
func (s *Store) DeleteClarifications(ctx context.Context, storyID string) error {
	return s.exec(ctx, `DELETE FROM clarifications WHERE story_id = ?`, storyID)
}

// ReplaceTasks swaps the task breakdown of a story.
func (s *Store) ReplaceTasks(ctx context.Context, storyID string, tasks []model.Task) error {
	if err := s.exec(ctx, `DELETE FROM tasks WHERE story_id = ?`, storyID); err != nil {
		return err
	}
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.StoryID = storyID
		err := s.exec(ctx,
			`INSERT INTO tasks (id, story_id, title, description, ord, depends_on)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.StoryID, t.Title, t.Description, t.Order, t.DependsOn)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}
	return nil
}

// ListTasks returns a story's tasks ordered by their declared order.
func (s *Store) ListTasks(ctx context.Context, storyID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, story_id, title, description, ord, depends_on
		 FROM tasks WHERE story_id = ? ORDER BY ord, id`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.StoryID, &t.Title, &t.Description, &t.Order, &t.DependsOn); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadStoryAggregate gathers the full working snapshot for a background
// task in one read: story + project (with rules) + active round +
// clarifications + tasks + message log.
func (s *Store) LoadStoryAggregate(ctx context.Context, storyID string) (*model.StoryAggregate, error) {
	st, err := s.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	project, err := s.GetProject(ctx, st.ProjectID)
	if err != nil {
		return nil, err
	}
	round, err := s.ActiveRound(ctx, storyID)
	if err != nil {
		return nil, err
	}
	clars, err := s.ListClarifications(ctx, storyID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.ListTasks(ctx, storyID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.ListMessages(ctx, round.ID)
	if err != nil {
		return nil, err
	}
	return &model.StoryAggregate{
		Story:          st,
		Project:        project,
		Round:          round,
		Clarifications: clars,
		Tasks:          tasks,
		Messages:       msgs,
	}, nil
}
