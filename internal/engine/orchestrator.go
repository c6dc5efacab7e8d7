package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"opd/internal/bus"
	"opd/internal/capability"
	"opd/internal/model"
	"opd/internal/store"
	"opd/internal/workspace"
)

// stoppedMessage is appended verbatim when the user cancels a running task.
const stoppedMessage = "[Stopped] 用户手动停止了当前任务"

// Engine is the public orchestrator façade. All mutating story and project
// operations go through it; reads may hit the store directly.
type Engine struct {
	store    *store.Store
	ws       *workspace.Manager
	git      *workspace.Git
	registry *capability.Registry
	bus      *bus.Bus
	exec     *Executor
	logger   *zap.Logger
}

// New wires the engine.
func New(st *store.Store, ws *workspace.Manager, git *workspace.Git, reg *capability.Registry, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    st,
		ws:       ws,
		git:      git,
		registry: reg,
		bus:      b,
		exec:     NewExecutor(logger),
		logger:   logger.Named("engine"),
	}
}

// Shutdown cancels background tasks and waits for them to unwind.
func (e *Engine) Shutdown(ctx context.Context) error { return e.exec.Shutdown(ctx) }

// StageRunning reports whether a stage task is active for the story.
func (e *Engine) StageRunning(storyID string) bool { return e.exec.Running(storyID) }

// ChatRunning reports whether a chat task is active for the story.
func (e *Engine) ChatRunning(storyID string) bool { return e.exec.Running(chatKey(storyID)) }

// ResolveDoc resolves a story document field value through the workspace.
func (e *Engine) ResolveDoc(p *model.Project, value string) string {
	return e.ws.ResolveDoc(p, value)
}

// ---- project operations ----

// CreateProject inserts the project and schedules the workspace clone.
func (e *Engine) CreateProject(ctx context.Context, p *model.Project) error {
	if p.Name == "" || p.RepoURL == "" {
		return validationf("name and repo_url are required")
	}
	if err := e.store.CreateProject(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			return validationf("project name %q already exists", p.Name)
		}
		return err
	}
	e.scheduleClone(p.ID)
	return nil
}

// UpdateProject persists changes; when the remote URL changed, the
// workspace is re-cloned.
func (e *Engine) UpdateProject(ctx context.Context, p *model.Project, repoChanged bool) error {
	if err := e.store.UpdateProject(ctx, p); err != nil {
		return translateStoreErr(err, "project %s", p.ID)
	}
	if repoChanged {
		if err := e.store.SetWorkspaceStatus(ctx, p.ID, model.WorkspacePending, ""); err != nil {
			return err
		}
		e.scheduleClone(p.ID)
	}
	return nil
}

// InitWorkspace re-schedules the clone for a project.
func (e *Engine) InitWorkspace(ctx context.Context, projectID string) error {
	if _, err := e.store.GetProject(ctx, projectID); err != nil {
		return translateStoreErr(err, "project %s", projectID)
	}
	e.scheduleClone(projectID)
	return nil
}

// VerifyRepo probes a remote URL with the configured SCM token.
func (e *Engine) VerifyRepo(ctx context.Context, repoURL string) (bool, string) {
	if err := e.git.LsRemote(ctx, repoURL, e.scmToken()); err != nil {
		return false, err.Error()
	}
	return true, "repository is reachable"
}

func (e *Engine) scmToken() string {
	if cap := e.registry.Get(capability.CategorySCM); cap != nil {
		return cap.Provider.Config()["token"]
	}
	return ""
}

// scheduleClone registers the clone task keyed by project id.
func (e *Engine) scheduleClone(projectID string) {
	e.exec.Submit(projectID, stageStartDelay, func(ctx context.Context) {
		e.runClone(ctx, projectID)
	})
}

func (e *Engine) runClone(ctx context.Context, projectID string) {
	log := e.logger.With(zap.String("project", projectID))
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		log.Error("clone: load project failed", zap.Error(err))
		return
	}
	if err := e.store.SetWorkspaceStatus(ctx, projectID, model.WorkspaceCloning, ""); err != nil {
		log.Error("clone: status write failed", zap.Error(err))
		return
	}
	dir := e.ws.ProjectDir(p)
	err = e.git.Clone(ctx, p.RepoURL, e.scmToken(), dir, func(msg string) {
		log.Info("clone progress", zap.String("message", msg))
	})
	if err != nil {
		log.Warn("clone failed", zap.Error(err))
		if serr := e.store.SetWorkspaceStatus(ctx, projectID, model.WorkspaceError, err.Error()); serr != nil {
			log.Error("clone: error-status write failed", zap.Error(serr))
		}
		return
	}
	if err := e.store.SetWorkspaceStatus(ctx, projectID, model.WorkspaceReady, ""); err != nil {
		log.Error("clone: ready-status write failed", zap.Error(err))
	}
	log.Info("workspace ready", zap.String("dir", dir))
}

// ---- story operations ----

// CreateStory inserts the story with its initial round and schedules the
// preparing stage.
func (e *Engine) CreateStory(ctx context.Context, projectID string, s *model.Story) error {
	if s.Title == "" || s.RawInput == "" {
		return validationf("title and raw_input are required")
	}
	if _, err := e.store.GetProject(ctx, projectID); err != nil {
		return translateStoreErr(err, "project %s", projectID)
	}
	s.ProjectID = projectID
	s.Status = model.StatusPreparing
	s.CurrentRound = 1
	if err := e.store.CreateStory(ctx, s); err != nil {
		return err
	}
	r := &model.Round{StoryID: s.ID, Number: 1, Type: model.RoundInitial}
	if err := e.store.CreateRound(ctx, r); err != nil {
		return err
	}
	e.scheduleStage(s.ID)
	return nil
}

// ConfirmStage advances the story one step forward and schedules the next
// AI stage when the new status owns one.
func (e *Engine) ConfirmStage(ctx context.Context, storyID string) (model.StoryStatus, error) {
	s, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return "", translateStoreErr(err, "story %s", storyID)
	}
	switch s.Status {
	case model.StatusPreparing, model.StatusClarifying, model.StatusPlanning,
		model.StatusDesigning, model.StatusVerifying:
	default:
		return "", fmt.Errorf("%w: confirm not allowed in %s", ErrInvalidTransition, s.Status)
	}
	next, ok := NextForward(s.Status)
	if !ok {
		return "", fmt.Errorf("%w: no forward move from %s", ErrInvalidTransition, s.Status)
	}
	if err := Transition(s.Status, next); err != nil {
		return "", err
	}

	// Entering planning locks the PRD: snapshot it as the confirmed copy
	// unless one already exists.
	if next == model.StatusPlanning && s.ConfirmedPRD == "" && s.PRD != "" {
		p, err := e.store.GetProject(ctx, s.ProjectID)
		if err != nil {
			return "", err
		}
		content := e.ws.ResolveDoc(p, s.PRD)
		rel, err := e.ws.WriteDoc(p, s, model.DocConfirmedPRD.Filename(), content)
		if err != nil {
			return "", err
		}
		s.ConfirmedPRD = rel
	}

	s.Status = next
	if err := e.store.UpdateStory(ctx, s); err != nil {
		return "", err
	}
	switch next {
	case model.StatusClarifying, model.StatusPlanning, model.StatusDesigning, model.StatusCoding:
		e.scheduleStage(storyID)
	}
	return next, nil
}

// RejectStage re-runs the current stage.
func (e *Engine) RejectStage(ctx context.Context, storyID string) error {
	s, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return translateStoreErr(err, "story %s", storyID)
	}
	if _, ok := stageGates[s.Status]; !ok || s.Status == model.StatusVerifying {
		return validationf("stage %s cannot be re-run", s.Status)
	}
	e.scheduleStage(storyID)
	return nil
}

// Rollback jumps back to an earlier document stage, clearing everything the
// later stages produced, then re-runs the target stage.
func (e *Engine) Rollback(ctx context.Context, storyID string, target model.StoryStatus) error {
	s, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return translateStoreErr(err, "story %s", storyID)
	}
	if err := ValidRollbackTarget(s.Status, target); err != nil {
		return err
	}
	p, err := e.store.GetProject(ctx, s.ProjectID)
	if err != nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	e.exec.StopWait(stopCtx, storyID)
	e.exec.StopWait(stopCtx, chatKey(storyID))

	ti := model.StageIndex(target)
	for stage, docs := range model.StageDocs {
		if model.StageIndex(stage) <= ti {
			continue
		}
		for _, d := range docs {
			if v := d.Get(s); strings.HasPrefix(v, "docs/") {
				if err := e.ws.DeleteDoc(p, s, d.Filename()); err != nil {
					e.logger.Warn("rollback: doc delete failed",
						zap.String("file", d.Filename()), zap.Error(err))
				}
			}
			d.Set(s, "")
		}
	}
	for stage, h := range model.StageHashes {
		if model.StageIndex(stage) > ti {
			h.Set(s, "")
		}
	}
	if err := e.store.ReplaceTasks(ctx, storyID, nil); err != nil {
		return err
	}
	if target == model.StatusPreparing {
		if err := e.store.DeleteClarifications(ctx, storyID); err != nil {
			return err
		}
	}
	if round, err := e.store.ActiveRound(ctx, storyID); err == nil {
		if err := e.store.ClearMessages(ctx, round.ID); err != nil {
			return err
		}
	}

	s.Status = target
	if err := e.store.UpdateStory(ctx, s); err != nil {
		return err
	}
	e.scheduleStage(storyID)
	return nil
}

// Chat appends the user's message and schedules a refinement turn against
// the current stage's document.
func (e *Engine) Chat(ctx context.Context, storyID, message string) error {
	if strings.TrimSpace(message) == "" {
		return validationf("message is empty")
	}
	s, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return translateStoreErr(err, "story %s", storyID)
	}
	if _, ok := model.CurrentDoc(s.Status); !ok {
		return validationf("chat is not available in %s", s.Status)
	}
	round, err := e.store.ActiveRound(ctx, storyID)
	if err != nil {
		return translateStoreErr(err, "active round of %s", storyID)
	}
	if err := e.store.AppendMessage(ctx, &model.AIMessage{
		RoundID: round.ID, Role: model.RoleUser, Content: message,
	}); err != nil {
		return err
	}
	e.bus.Publish(round.ID, bus.Event{Type: bus.EventUser, Content: message})
	e.scheduleChat(storyID, message)
	return nil
}

// AnswerInput is one clarification answer submitted by the user.
type AnswerInput struct {
	ID       string `json:"id,omitempty"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// AnswerClarifications records the answers and feeds a summary into the
// chat loop so the PRD absorbs them.
func (e *Engine) AnswerClarifications(ctx context.Context, storyID string, answers []AnswerInput) error {
	s, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return translateStoreErr(err, "story %s", storyID)
	}
	var summary strings.Builder
	summary.WriteString("The user answered the clarification questions:\n")
	for _, a := range answers {
		if err := e.store.AnswerClarification(ctx, storyID, a.ID, a.Question, a.Answer); err != nil {
			e.logger.Warn("clarification answer did not match",
				zap.String("story", storyID), zap.String("question", a.Question))
			continue
		}
		fmt.Fprintf(&summary, "Q: %s\nA: %s\n", a.Question, a.Answer)
	}
	if round, err := e.store.ActiveRound(ctx, storyID); err == nil {
		if err := e.store.AppendMessage(ctx, &model.AIMessage{
			RoundID: round.ID, Role: model.RoleUser, Content: summary.String(),
		}); err != nil {
			return err
		}
		e.bus.Publish(round.ID, bus.Event{Type: bus.EventUser, Content: summary.String()})
	}
	_ = s
	e.scheduleChat(storyID, summary.String())
	return nil
}

// Iterate sends a verifying story back to coding for another pass.
func (e *Engine) Iterate(ctx context.Context, storyID string) error {
	s, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return translateStoreErr(err, "story %s", storyID)
	}
	if s.Status != model.StatusVerifying {
		return validationf("iterate requires verifying, story is %s", s.Status)
	}
	if err := Transition(s.Status, model.StatusCoding); err != nil {
		return err
	}
	s.Status = model.StatusCoding
	if err := e.store.UpdateStory(ctx, s); err != nil {
		return err
	}
	e.scheduleStage(storyID)
	return nil
}

// Restart closes the active round and opens a fresh one back at designing.
func (e *Engine) Restart(ctx context.Context, storyID string) error {
	s, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return translateStoreErr(err, "story %s", storyID)
	}
	if s.Status != model.StatusVerifying {
		return validationf("restart requires verifying, story is %s", s.Status)
	}
	if err := Transition(s.Status, model.StatusDesigning); err != nil {
		return err
	}
	round, err := e.store.ActiveRound(ctx, storyID)
	if err != nil {
		return translateStoreErr(err, "active round of %s", storyID)
	}
	if err := e.store.CloseRound(ctx, round.ID, "restarted by user"); err != nil {
		return err
	}
	next := &model.Round{StoryID: storyID, Number: round.Number + 1, Type: model.RoundRestart}
	if err := e.store.CreateRound(ctx, next); err != nil {
		return err
	}
	s.Status = model.StatusDesigning
	s.CurrentRound = next.Number
	if err := e.store.UpdateStory(ctx, s); err != nil {
		return err
	}
	e.scheduleStage(storyID)
	return nil
}

// Stop cancels the story's stage and chat tasks, records the stop marker
// in the message log and rewinds a coding story to designing.
func (e *Engine) Stop(ctx context.Context, storyID string) error {
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stopped := e.exec.StopWait(stopCtx, storyID)
	stopped = e.exec.StopWait(stopCtx, chatKey(storyID)) || stopped
	if !stopped {
		return nil
	}
	round, err := e.store.ActiveRound(ctx, storyID)
	if err == nil {
		if err := e.store.AppendMessage(ctx, &model.AIMessage{
			RoundID: round.ID, Role: model.RoleAssistant, Content: stoppedMessage,
		}); err != nil {
			return err
		}
		e.bus.Publish(round.ID, bus.Event{Type: bus.EventAssistant, Content: stoppedMessage})
	}
	s, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return translateStoreErr(err, "story %s", storyID)
	}
	if s.Status == model.StatusCoding {
		s.Status = model.StatusDesigning
		return e.store.UpdateStory(ctx, s)
	}
	return nil
}

// CloseStory cancels everything and retires the story.
func (e *Engine) CloseStory(ctx context.Context, storyID string) error {
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	e.exec.StopWait(stopCtx, storyID)
	e.exec.StopWait(stopCtx, chatKey(storyID))

	s, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return translateStoreErr(err, "story %s", storyID)
	}
	if round, err := e.store.ActiveRound(ctx, storyID); err == nil {
		if err := e.store.CloseRound(ctx, round.ID, "closed by user"); err != nil {
			return err
		}
	}
	s.Status = model.StatusDone
	return e.store.UpdateStory(ctx, s)
}

// UpdateDoc overwrites one story document with user-edited content.
func (e *Engine) UpdateDoc(ctx context.Context, storyID, filename, content string) error {
	field, ok := docFieldByFilename(filename)
	if !ok {
		return validationf("unknown document %q", filename)
	}
	s, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return translateStoreErr(err, "story %s", storyID)
	}
	p, err := e.store.GetProject(ctx, s.ProjectID)
	if err != nil {
		return err
	}
	rel, err := e.ws.WriteDoc(p, s, filename, content)
	if err != nil {
		return err
	}
	field.Set(s, rel)
	if err := e.store.UpdateStory(ctx, s); err != nil {
		return err
	}
	if round, err := e.store.ActiveRound(ctx, storyID); err == nil {
		e.publishDocUpdate(round.ID, field, filename, content)
	}
	return nil
}

func docFieldByFilename(filename string) (model.DocField, bool) {
	for _, d := range []model.DocField{
		model.DocPRD, model.DocConfirmedPRD, model.DocTechnicalDesign,
		model.DocDetailedDesign, model.DocCodingReport, model.DocTestGuide,
	} {
		if d.Filename() == filename {
			return d, true
		}
	}
	return 0, false
}

// publishDocUpdate emits doc_updated, plus the legacy prd_updated alias for
// PRD changes.
func (e *Engine) publishDocUpdate(roundID string, field model.DocField, filename, content string) {
	e.bus.Publish(roundID, bus.Event{Type: bus.EventDocUpdated, Filename: filename, Content: content})
	if field == model.DocPRD {
		e.bus.Publish(roundID, bus.Event{Type: bus.EventPRDUpdated, Filename: filename, Content: content})
	}
}

func (e *Engine) scheduleStage(storyID string) {
	e.exec.Submit(storyID, stageStartDelay, func(ctx context.Context) {
		e.runStage(ctx, storyID)
	})
}

func (e *Engine) scheduleChat(storyID, message string) {
	e.exec.Submit(chatKey(storyID), chatStartDelay, func(ctx context.Context) {
		e.runChat(ctx, storyID, message)
	})
}

func translateStoreErr(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFoundf(format, args...)
	}
	return err
}
