package store

import (
	"context"
	"testing"

	"opd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store) *model.Project {
	t.Helper()
	p := &model.Project{
		Name:    "demo",
		RepoURL: "https://example.test/repo.git",
		Rules: []model.Rule{
			{Name: "no-panic", Category: model.RuleCoding, Content: "never panic in handlers", Enabled: true},
		},
	}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	return p
}

func seedStory(t *testing.T, s *Store, projectID string) (*model.Story, *model.Round) {
	t.Helper()
	ctx := context.Background()
	st := &model.Story{ProjectID: projectID, Title: "add /login", RawInput: "Implement POST /login"}
	if err := s.CreateStory(ctx, st); err != nil {
		t.Fatalf("CreateStory failed: %v", err)
	}
	r := &model.Round{StoryID: st.ID, Number: 1, Type: model.RoundInitial}
	if err := s.CreateRound(ctx, r); err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}
	return st, r
}

func TestProjectRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	got, err := s.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if got.Name != "demo" || got.WorkspaceState != model.WorkspacePending {
		t.Errorf("unexpected project: %+v", got)
	}
	if len(got.Rules) != 1 || got.Rules[0].Content != "never panic in handlers" {
		t.Errorf("rules not loaded: %+v", got.Rules)
	}

	// Duplicate names are rejected.
	err = s.CreateProject(ctx, &model.Project{Name: "demo", RepoURL: "x"})
	if err != ErrDuplicateName {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
}

func TestWorkspaceStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	if err := s.SetWorkspaceStatus(ctx, p.ID, model.WorkspaceCloning, ""); err != nil {
		t.Fatalf("SetWorkspaceStatus failed: %v", err)
	}
	if err := s.SetWorkspaceStatus(ctx, p.ID, model.WorkspaceError, "clone timed out"); err != nil {
		t.Fatalf("SetWorkspaceStatus failed: %v", err)
	}
	got, _ := s.GetProject(ctx, p.ID)
	if got.WorkspaceState != model.WorkspaceError || got.WorkspaceError != "clone timed out" {
		t.Errorf("unexpected workspace state: %+v", got)
	}
}

func TestActiveRoundSingleton(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	st, r1 := seedStory(t, s, p.ID)

	active, err := s.ActiveRound(ctx, st.ID)
	if err != nil {
		t.Fatalf("ActiveRound failed: %v", err)
	}
	if active.ID != r1.ID || active.Number != 1 {
		t.Errorf("wrong active round: %+v", active)
	}

	// Close and open round 2 (restart semantics).
	if err := s.CloseRound(ctx, r1.ID, "restart requested"); err != nil {
		t.Fatalf("CloseRound failed: %v", err)
	}
	r2 := &model.Round{StoryID: st.ID, Number: 2, Type: model.RoundRestart}
	if err := s.CreateRound(ctx, r2); err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	active, err = s.ActiveRound(ctx, st.ID)
	if err != nil {
		t.Fatalf("ActiveRound failed: %v", err)
	}
	if active.ID != r2.ID || active.Type != model.RoundRestart {
		t.Errorf("wrong active round after restart: %+v", active)
	}

	rounds, _ := s.ListRounds(ctx, st.ID)
	activeCount := 0
	for _, r := range rounds {
		if r.Status == model.RoundActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("expected exactly one active round, got %d", activeCount)
	}
}

func TestMessageLogOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	_, r := seedStory(t, s, p.ID)

	for _, content := range []string{"a", "b", "c"} {
		err := s.AppendMessage(ctx, &model.AIMessage{
			RoundID: r.ID, Role: model.RoleAssistant, Content: content,
		})
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if msgs[i].Content != want {
			t.Errorf("message %d: got %q, want %q", i, msgs[i].Content, want)
		}
	}

	if err := s.ClearMessages(ctx, r.ID); err != nil {
		t.Fatalf("ClearMessages failed: %v", err)
	}
	msgs, _ = s.ListMessages(ctx, r.ID)
	if len(msgs) != 0 {
		t.Errorf("expected empty log after clear, got %d", len(msgs))
	}
}

func TestClarificationAnswerMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	st, _ := seedStory(t, s, p.ID)

	clars, err := s.CreateClarifications(ctx, st.ID, []string{"scope?", "auth method?"})
	if err != nil {
		t.Fatalf("CreateClarifications failed: %v", err)
	}

	// Match by id.
	if err := s.AnswerClarification(ctx, st.ID, clars[0].ID, "", "only login"); err != nil {
		t.Fatalf("AnswerClarification by id failed: %v", err)
	}
	// Match by question text with null answer.
	if err := s.AnswerClarification(ctx, st.ID, "", "auth method?", "JWT"); err != nil {
		t.Fatalf("AnswerClarification by question failed: %v", err)
	}

	got, _ := s.ListClarifications(ctx, st.ID)
	if !got[0].Answered || got[0].Answer != "only login" {
		t.Errorf("first clarification not answered: %+v", got[0])
	}
	if !got[1].Answered || got[1].Answer != "JWT" {
		t.Errorf("second clarification not answered: %+v", got[1])
	}
}

func TestCapabilityConfigUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &model.CapabilityConfig{
		Category: "ai", Provider: "claude", Enabled: true,
		Config: map[string]string{"api_key": "sk-test", "model": "claude-sonnet"},
	}
	if err := s.UpsertCapabilityConfig(ctx, c); err != nil {
		t.Fatalf("UpsertCapabilityConfig failed: %v", err)
	}

	// Second upsert replaces in place.
	c2 := &model.CapabilityConfig{
		Category: "ai", Provider: "gemini", Enabled: true,
		Config: map[string]string{"api_key": "g-test"},
	}
	if err := s.UpsertCapabilityConfig(ctx, c2); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	got, err := s.GetCapabilityConfig(ctx, "", "ai")
	if err != nil {
		t.Fatalf("GetCapabilityConfig failed: %v", err)
	}
	if got.Provider != "gemini" || got.Config["api_key"] != "g-test" {
		t.Errorf("unexpected config: %+v", got)
	}

	// Project overrides live in a separate scope.
	p := seedProject(t, s)
	ov := &model.CapabilityConfig{
		ProjectID: p.ID, Category: "ai", Provider: "claude", Enabled: false,
		Config: map[string]string{},
	}
	if err := s.UpsertCapabilityConfig(ctx, ov); err != nil {
		t.Fatalf("override upsert failed: %v", err)
	}
	global, _ := s.ListCapabilityConfigs(ctx, "")
	scoped, _ := s.ListCapabilityConfigs(ctx, p.ID)
	if len(global) != 1 || len(scoped) != 1 {
		t.Errorf("scopes bleed: global=%d scoped=%d", len(global), len(scoped))
	}
}

func TestLoadStoryAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	st, r := seedStory(t, s, p.ID)

	if _, err := s.CreateClarifications(ctx, st.ID, []string{"q1"}); err != nil {
		t.Fatalf("CreateClarifications failed: %v", err)
	}
	if err := s.AppendMessage(ctx, &model.AIMessage{RoundID: r.ID, Role: model.RoleAssistant, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	agg, err := s.LoadStoryAggregate(ctx, st.ID)
	if err != nil {
		t.Fatalf("LoadStoryAggregate failed: %v", err)
	}
	if agg.Story.ID != st.ID || agg.Project.ID != p.ID || agg.Round.ID != r.ID {
		t.Errorf("aggregate identity mismatch")
	}
	if len(agg.Clarifications) != 1 || len(agg.Messages) != 1 || len(agg.Project.Rules) != 1 {
		t.Errorf("aggregate incomplete: %+v", agg)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	st, r := seedStory(t, s, p.ID)
	_ = s.AppendMessage(ctx, &model.AIMessage{RoundID: r.ID, Role: model.RoleAssistant, Content: "x"})

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject failed: %v", err)
	}
	if _, err := s.GetStory(ctx, st.ID); err == nil {
		t.Error("story survived project delete")
	}
	msgs, _ := s.ListMessages(ctx, r.ID)
	if len(msgs) != 0 {
		t.Error("messages survived project delete")
	}
}
