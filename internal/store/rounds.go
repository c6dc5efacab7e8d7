package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"opd/internal/model"
)

const roundCols = `id, story_id, round_number, type, status, branch_name, close_reason, created_at`

func scanRound(row interface{ Scan(...any) error }) (*model.Round, error) {
	var r model.Round
	var created string
	err := row.Scan(&r.ID, &r.StoryID, &r.Number, &r.Type, &r.Status,
		&r.BranchName, &r.CloseReason, &created)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// CreateRound inserts a round. The caller is responsible for closing the
// previous active round first; the store enforces uniqueness of the
// (story, number) pair only.
func (s *Store) CreateRound(ctx context.Context, r *model.Round) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = model.RoundActive
	}
	r.CreatedAt = now()
	err := s.exec(ctx, `INSERT INTO rounds (`+roundCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StoryID, r.Number, r.Type, r.Status, r.BranchName,
		r.CloseReason, r.CreatedAt.Format(timeFmt))
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

// ActiveRound returns the single active round of a story.
func (s *Store) ActiveRound(ctx context.Context, storyID string) (*model.Round, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roundCols+` FROM rounds
		 WHERE story_id = ? AND status = ? ORDER BY round_number DESC LIMIT 1`,
		storyID, model.RoundActive)
	return scanRound(row)
}

// ListRounds returns every round of a story, oldest first.
func (s *Store) ListRounds(ctx context.Context, storyID string) ([]*model.Round, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roundCols+` FROM rounds WHERE story_id = ? ORDER BY round_number`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CloseRound marks a round closed with a reason.
func (s *Store) CloseRound(ctx context.Context, roundID, reason string) error {
	return s.exec(ctx,
		`UPDATE rounds SET status = ?, close_reason = ? WHERE id = ?`,
		model.RoundClosed, reason, roundID)
}

// SetRoundBranch records the git branch a coding round works on.
func (s *Store) SetRoundBranch(ctx context.Context, roundID, branch string) error {
	return s.exec(ctx, `UPDATE rounds SET branch_name = ? WHERE id = ?`, branch, roundID)
}

// AppendMessage adds one entry to the round's append-only message log.
func (s *Store) AppendMessage(ctx context.Context, m *model.AIMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = now()
	err := s.exec(ctx,
		`INSERT INTO ai_messages (id, round_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.RoundID, m.Role, m.Content, m.CreatedAt.Format(timeFmt))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns a round's message log in append order. Stored
// timestamps have second precision, so ordering relies on the rowid, which
// is monotonic per insert.
func (s *Store) ListMessages(ctx context.Context, roundID string) ([]model.AIMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, round_id, role, content, created_at
		 FROM ai_messages WHERE round_id = ? ORDER BY rowid`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AIMessage
	for rows.Next() {
		var m model.AIMessage
		var created string
		if err := rows.Scan(&m.ID, &m.RoundID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearMessages drops a round's message log (rollback).
func (s *Store) ClearMessages(ctx context.Context, roundID string) error {
	return s.exec(ctx, `DELETE FROM ai_messages WHERE round_id = ?`, roundID)
}

// CreatePullRequest records a remote PR for a round.
func (s *Store) CreatePullRequest(ctx context.Context, pr *model.PullRequest) error {
	if pr.ID == "" {
		pr.ID = uuid.NewString()
	}
	if pr.Status == "" {
		pr.Status = model.PROpen
	}
	pr.CreatedAt = now()
	err := s.exec(ctx,
		`INSERT INTO pull_requests (id, round_id, number, url, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		pr.ID, pr.RoundID, pr.Number, pr.URL, pr.Status, pr.CreatedAt.Format(timeFmt))
	if err != nil {
		return fmt.Errorf("insert pull request: %w", err)
	}
	return nil
}

// ListPullRequests returns the PRs of a round.
func (s *Store) ListPullRequests(ctx context.Context, roundID string) ([]model.PullRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, round_id, number, url, status, created_at
		 FROM pull_requests WHERE round_id = ? ORDER BY created_at`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PullRequest
	for rows.Next() {
		var pr model.PullRequest
		var created string
		if err := rows.Scan(&pr.ID, &pr.RoundID, &pr.Number, &pr.URL, &pr.Status, &created); err != nil {
			return nil, err
		}
		pr.CreatedAt = parseTime(created)
		out = append(out, pr)
	}
	return out, rows.Err()
}

// FindPullRequestByNumber looks up a tracked PR by its remote number.
func (s *Store) FindPullRequestByNumber(ctx context.Context, number int) (*model.PullRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, round_id, number, url, status, created_at
		 FROM pull_requests WHERE number = ? ORDER BY created_at DESC LIMIT 1`, number)
	var pr model.PullRequest
	var created string
	if err := row.Scan(&pr.ID, &pr.RoundID, &pr.Number, &pr.URL, &pr.Status, &created); err != nil {
		return nil, err
	}
	pr.CreatedAt = parseTime(created)
	return &pr, nil
}

// SetPullRequestStatus updates the mirrored remote state.
func (s *Store) SetPullRequestStatus(ctx context.Context, prID string, status model.PRStatus) error {
	return s.exec(ctx, `UPDATE pull_requests SET status = ? WHERE id = ?`, status, prID)
}
