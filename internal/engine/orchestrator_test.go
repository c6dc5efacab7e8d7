package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"opd/internal/bus"
	"opd/internal/capability"
	"opd/internal/model"
	"opd/internal/store"
	"opd/internal/workspace"
)

// scriptedAI replays canned event streams per method and counts calls.
type scriptedAI struct {
	mu     sync.Mutex
	script map[string][]capability.Event
	calls  map[string]int
}

func newScriptedAI() *scriptedAI {
	return &scriptedAI{
		script: make(map[string][]capability.Event),
		calls:  make(map[string]int),
	}
}

func (f *scriptedAI) Initialize(ctx context.Context) error { return nil }
func (f *scriptedAI) Cleanup(ctx context.Context) error    { return nil }
func (f *scriptedAI) HealthCheck(ctx context.Context) capability.HealthStatus {
	return capability.HealthStatus{Healthy: true}
}
func (f *scriptedAI) Config() map[string]string        { return nil }
func (f *scriptedAI) Schema() []capability.SchemaField { return nil }

func (f *scriptedAI) replay(method string) (<-chan capability.Event, error) {
	f.mu.Lock()
	f.calls[method]++
	events := f.script[method]
	f.mu.Unlock()

	ch := make(chan capability.Event, len(events)+1)
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *scriptedAI) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *scriptedAI) PreparePRD(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return f.replay("PreparePRD")
}
func (f *scriptedAI) Clarify(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return f.replay("Clarify")
}
func (f *scriptedAI) Plan(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return f.replay("Plan")
}
func (f *scriptedAI) Design(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return f.replay("Design")
}
func (f *scriptedAI) Code(ctx context.Context, system, user, workDir string) (<-chan capability.Event, error) {
	return f.replay("Code")
}
func (f *scriptedAI) RefinePRD(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return f.replay("RefinePRD")
}

// bareProvider satisfies the provider contract for non-AI categories.
type bareProvider struct{}

func (bareProvider) Initialize(ctx context.Context) error { return nil }
func (bareProvider) Cleanup(ctx context.Context) error    { return nil }
func (bareProvider) HealthCheck(ctx context.Context) capability.HealthStatus {
	return capability.HealthStatus{Healthy: true}
}
func (bareProvider) Config() map[string]string        { return nil }
func (bareProvider) Schema() []capability.SchemaField { return nil }

type testEnv struct {
	engine *Engine
	ai     *scriptedAI
	store  *store.Store
	bus    *bus.Bus
	ws     *workspace.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ai := newScriptedAI()
	reg := capability.NewRegistry(nil)
	reg.Register(capability.CategoryAI, "scripted", capability.Definition{
		New: func(map[string]string) capability.Provider { return ai },
	})
	reg.Register(capability.CategorySCM, "bare", capability.Definition{
		New: func(map[string]string) capability.Provider { return bareProvider{} },
	})
	err = reg.InitializeFromConfig(context.Background(), []*model.CapabilityConfig{
		{Category: capability.CategoryAI, Provider: "scripted", Enabled: true},
		{Category: capability.CategorySCM, Provider: "bare", Enabled: true},
	})
	if err != nil {
		t.Fatalf("registry init failed: %v", err)
	}

	ws := workspace.NewManager(t.TempDir(), nil)
	b := bus.New(nil)
	e := New(st, ws, workspace.NewGit(nil), reg, b, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &testEnv{engine: e, ai: ai, store: st, bus: b, ws: ws}
}

func (env *testEnv) seedProject(t *testing.T) *model.Project {
	t.Helper()
	p := &model.Project{Name: "demo", RepoURL: "https://example.test/repo.git"}
	if err := env.store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("seed project failed: %v", err)
	}
	return p
}

func (env *testEnv) waitStage(t *testing.T, storyID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !env.engine.StageRunning(storyID) && !env.engine.ChatRunning(storyID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("background task for %s did not finish", storyID)
}

func drain(ch chan bus.Event) []bus.Event {
	var out []bus.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHappyPathToClarifying(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.seedProject(t)

	env.ai.script["PreparePRD"] = []capability.Event{
		{Type: capability.EventAssistant, Content: "# PRD\n"},
		{Type: capability.EventAssistant, Content: "details"},
	}
	env.ai.script["Clarify"] = []capability.Event{
		{Type: capability.EventAssistant, Content: `[{"question":"scope?"}]`},
	}

	s := &model.Story{Title: "add /login", RawInput: "Implement POST /login"}
	if err := env.engine.CreateStory(ctx, p.ID, s); err != nil {
		t.Fatalf("CreateStory failed: %v", err)
	}
	env.waitStage(t, s.ID)

	got, err := env.store.GetStory(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetStory failed: %v", err)
	}
	if !strings.HasPrefix(got.PRD, "docs/") {
		t.Fatalf("PRD field should be a docs path, got %q", got.PRD)
	}
	if content := env.ws.ResolveDoc(p, got.PRD); content != "# PRD\ndetails" {
		t.Errorf("PRD content = %q", content)
	}

	next, err := env.engine.ConfirmStage(ctx, s.ID)
	if err != nil {
		t.Fatalf("ConfirmStage failed: %v", err)
	}
	if next != model.StatusClarifying {
		t.Fatalf("expected clarifying, got %s", next)
	}
	env.waitStage(t, s.ID)

	clars, err := env.store.ListClarifications(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListClarifications failed: %v", err)
	}
	if len(clars) != 1 || clars[0].Question != "scope?" || clars[0].Answered {
		t.Errorf("unexpected clarifications: %+v", clars)
	}
	if env.ai.callCount("PreparePRD") != 1 || env.ai.callCount("Clarify") != 1 {
		t.Errorf("unexpected call counts: %v", env.ai.calls)
	}
}

func TestChatUpdatesDocAtomically(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.seedProject(t)

	s := &model.Story{ProjectID: p.ID, Title: "add /login", RawInput: "x",
		Status: model.StatusPreparing, PRD: "# PRD v1"}
	if err := env.store.CreateStory(ctx, s); err != nil {
		t.Fatal(err)
	}
	r := &model.Round{StoryID: s.ID, Number: 1, Type: model.RoundInitial}
	if err := env.store.CreateRound(ctx, r); err != nil {
		t.Fatal(err)
	}

	env.ai.script["RefinePRD"] = []capability.Event{
		{Type: capability.EventAssistant, Content: "<discussion>ok</discussion><updated_doc># PRD v2</updated_doc>"},
	}

	ch := env.bus.Subscribe(r.ID)
	defer env.bus.Unsubscribe(r.ID, ch)

	if err := env.engine.Chat(ctx, s.ID, "shorter please"); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	env.waitStage(t, s.ID)

	got, _ := env.store.GetStory(ctx, s.ID)
	if content := env.ws.ResolveDoc(p, got.PRD); content != "# PRD v2" {
		t.Errorf("PRD after chat = %q", content)
	}

	msgs, _ := env.store.ListMessages(ctx, r.ID)
	if len(msgs) != 2 || msgs[0].Role != model.RoleUser || msgs[1].Content != "ok" {
		t.Errorf("unexpected message log: %+v", msgs)
	}

	events := drain(ch)
	docUpdates := 0
	for _, ev := range events {
		if ev.Type == bus.EventDocUpdated {
			docUpdates++
			if ev.Content != "# PRD v2" || ev.Filename != "prd.md" {
				t.Errorf("bad doc_updated event: %+v", ev)
			}
		}
	}
	if docUpdates != 1 {
		t.Errorf("expected exactly one doc_updated, got %d", docUpdates)
	}
}

func TestRollbackClearsDownstream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.seedProject(t)

	s := &model.Story{ProjectID: p.ID, Title: "add /login", RawInput: "x",
		Status: model.StatusPlanning}
	if err := env.store.CreateStory(ctx, s); err != nil {
		t.Fatal(err)
	}
	r := &model.Round{StoryID: s.ID, Number: 1, Type: model.RoundInitial}
	if err := env.store.CreateRound(ctx, r); err != nil {
		t.Fatal(err)
	}
	for _, f := range []model.DocField{model.DocPRD, model.DocConfirmedPRD, model.DocTechnicalDesign} {
		rel, err := env.ws.WriteDoc(p, s, f.Filename(), "content of "+f.Key())
		if err != nil {
			t.Fatal(err)
		}
		f.Set(s, rel)
	}
	s.PlanningInputHash = InputHash("content of confirmed_prd")
	if err := env.store.UpdateStory(ctx, s); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.CreateClarifications(ctx, s.ID, []string{"old question"}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.AppendMessage(ctx, &model.AIMessage{
		RoundID: r.ID, Role: model.RoleAssistant, Content: "old message",
	}); err != nil {
		t.Fatal(err)
	}

	env.ai.script["PreparePRD"] = []capability.Event{
		{Type: capability.EventAssistant, Content: "# PRD regenerated"},
	}

	if err := env.engine.Rollback(ctx, s.ID, model.StatusPreparing); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	env.waitStage(t, s.ID)

	got, _ := env.store.GetStory(ctx, s.ID)
	if got.Status != model.StatusPreparing {
		t.Errorf("status = %s", got.Status)
	}
	if got.ConfirmedPRD != "" || got.TechnicalDesign != "" || got.DetailedDesign != "" {
		t.Errorf("downstream docs not cleared: %+v", got)
	}
	if got.PlanningInputHash != "" || got.DesigningInputHash != "" || got.CodingInputHash != "" {
		t.Error("hash memos not cleared")
	}
	if _, ok := env.ws.ReadDocPath(p, "docs/"+s.ID+"-add-login/technical_design.md"); ok {
		t.Error("technical_design.md file survived rollback")
	}
	clars, _ := env.store.ListClarifications(ctx, s.ID)
	if len(clars) != 0 {
		t.Errorf("clarifications survived rollback to preparing: %+v", clars)
	}
	msgs, _ := env.store.ListMessages(ctx, r.ID)
	for _, m := range msgs {
		if m.Content == "old message" {
			t.Error("old messages survived rollback")
		}
	}
}

func TestSkipOnUnchangedInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.seedProject(t)

	s := &model.Story{ProjectID: p.ID, Title: "t", RawInput: "x",
		Status:            model.StatusPlanning,
		ConfirmedPRD:      "the confirmed prd",
		TechnicalDesign:   "existing design",
		PlanningInputHash: InputHash("the confirmed prd"),
	}
	if err := env.store.CreateStory(ctx, s); err != nil {
		t.Fatal(err)
	}
	r := &model.Round{StoryID: s.ID, Number: 1, Type: model.RoundInitial}
	if err := env.store.CreateRound(ctx, r); err != nil {
		t.Fatal(err)
	}

	ch := env.bus.Subscribe(r.ID)
	defer env.bus.Unsubscribe(r.ID, ch)

	env.engine.scheduleStage(s.ID)
	env.waitStage(t, s.ID)

	if n := env.ai.callCount("Plan"); n != 0 {
		t.Errorf("AI called %d times despite unchanged input", n)
	}
	sawDone := false
	for _, ev := range drain(ch) {
		if ev.Type == bus.EventDone {
			sawDone = true
		}
		if ev.Type == bus.EventError {
			t.Errorf("unexpected error event: %+v", ev)
		}
	}
	if !sawDone {
		t.Error("skip path must still publish done")
	}
}

func TestConfirmRejectsInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.seedProject(t)

	env.ai.script["PreparePRD"] = []capability.Event{
		{Type: capability.EventAssistant, Content: "# PRD"},
	}
	env.ai.script["Clarify"] = []capability.Event{
		{Type: capability.EventAssistant, Content: "[]"},
	}
	s := &model.Story{Title: "t", RawInput: "x"}
	if err := env.engine.CreateStory(ctx, p.ID, s); err != nil {
		t.Fatal(err)
	}
	env.waitStage(t, s.ID)

	// The handler's target is clarifying, so confirm succeeds even though
	// a direct jump to coding is invalid.
	if err := Transition(model.StatusPreparing, model.StatusCoding); err == nil {
		t.Error("direct preparing -> coding must be rejected")
	}
	next, err := env.engine.ConfirmStage(ctx, s.ID)
	if err != nil || next != model.StatusClarifying {
		t.Errorf("ConfirmStage = %s, %v", next, err)
	}
	env.waitStage(t, s.ID)

	// Done stories cannot be confirmed.
	got, _ := env.store.GetStory(ctx, s.ID)
	got.Status = model.StatusDone
	if err := env.store.UpdateStory(ctx, got); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.ConfirmStage(ctx, s.ID); err == nil {
		t.Error("confirm from done must fail")
	}
}
