package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"opd/internal/bus"
	"opd/internal/capability"
	"opd/internal/model"
	"opd/internal/workspace"
)

// runStage executes the AI stage matching the story's current status. It is
// the body of a background task: it never returns errors, it publishes them.
func (e *Engine) runStage(ctx context.Context, storyID string) {
	log := e.logger.With(zap.String("story", storyID))

	agg, err := e.store.LoadStoryAggregate(ctx, storyID)
	if err != nil {
		log.Error("stage: aggregate load failed", zap.Error(err))
		return
	}
	stage := agg.Story.Status
	roundID := agg.Round.ID
	log = log.With(zap.String("stage", string(stage)))

	publish := func(ev bus.Event) { e.bus.Publish(roundID, ev) }
	fail := func(msg string) {
		log.Warn("stage failed", zap.String("reason", msg))
		publish(bus.Event{Type: bus.EventError, Content: msg})
	}

	gate, ok := stageGates[stage]
	if !ok || stage == model.StatusVerifying {
		fail("status " + string(stage) + " has no AI stage")
		return
	}
	if errs := stagePreconditions(stage, agg); len(errs) > 0 {
		fail(errs[0].Error())
		return
	}

	overrides, err := e.store.ListCapabilityConfigs(ctx, agg.Project.ID)
	if err != nil {
		fail("capability overrides unavailable: " + err.Error())
		return
	}
	view, err := e.registry.WithProjectOverrides(ctx, overrides)
	if err != nil {
		fail("capability view: " + err.Error())
		return
	}
	defer view.Cleanup(context.Background())

	pf := view.Preflight(ctx, gate.Required, gate.Optional)
	for _, w := range pf.Warnings {
		publish(bus.Event{Type: bus.EventInfo, Content: w})
	}
	if !pf.OK() {
		fail(pf.Errors[0])
		return
	}

	// Resolve the stage input and consult the memo before spending an AI
	// call on unchanged input.
	var input string
	if field, ok := stageInput[stage]; ok {
		input = e.ws.ResolveDoc(agg.Project, field.Get(agg.Story))
	} else {
		input = agg.Story.RawInput
	}
	if ShouldSkipAI(agg.Story, stage, input) {
		log.Info("stage input unchanged, reusing previous output")
		publish(bus.Event{Type: bus.EventInfo, Content: "input unchanged, previous output kept"})
		if stage == model.StatusCoding {
			agg.Story.Status = model.StatusVerifying
			if err := e.store.UpdateStory(ctx, agg.Story); err != nil {
				fail("story update failed: " + err.Error())
				return
			}
		}
		publish(bus.Event{Type: bus.EventDone})
		return
	}

	ai, ok := view.Get(capability.CategoryAI).Provider.(capability.AIProvider)
	if !ok {
		fail("configured ai provider does not implement the ai contract")
		return
	}

	workDir := ""
	if stage == model.StatusCoding {
		workDir = e.ws.ProjectDir(agg.Project)
		branch := workspace.BranchName(agg.Story.ID, agg.Round.Number)
		publish(bus.Event{Type: bus.EventWorkspace, Content: "creating branch " + branch})
		if err := e.git.CreateCodingBranch(ctx, workDir, branch); err != nil {
			fail("branch setup failed: " + err.Error())
			return
		}
		if err := e.store.SetRoundBranch(ctx, roundID, branch); err != nil {
			fail("branch record failed: " + err.Error())
			return
		}
		agg.Round.BranchName = branch
	}

	sourceContext := ""
	switch stage {
	case model.StatusPlanning, model.StatusDesigning, model.StatusCoding:
		if agg.Project.WorkspaceState == model.WorkspaceReady {
			sourceContext = workspace.Scan(e.ws.ProjectDir(agg.Project))
		}
	}

	system, user := BuildStagePrompts(stage, agg, input, sourceContext)
	sink := e.streamSink(ctx, roundID, log)

	events, err := invokeStageAI(ctx, ai, stage, system, user, workDir)
	if err != nil {
		fail("ai invocation failed: " + err.Error())
		return
	}
	outcome := collectStream(ctx, events, sink)
	if ctx.Err() != nil {
		// User-initiated stop: the orchestrator's stop handler owns the
		// messaging; the task unwinds silently.
		return
	}
	if outcome.Err != nil {
		fail(outcome.Err.Error())
		return
	}

	text := outcome.Text
	if stage == model.StatusPlanning || stage == model.StatusDesigning {
		text = e.continueUntilComplete(ctx, ai, stage, system, text, sink, log)
		if ctx.Err() != nil {
			return
		}
	}

	if err := e.persistStageOutput(ctx, agg, stage, text, input, outcome); err != nil {
		fail(err.Error())
		return
	}
	// The story row is committed before clients see done, so a re-read
	// after the terminal event observes fresh data.
	publish(bus.Event{Type: bus.EventDone})
	log.Info("stage complete")
}

// streamSink persists every stream event to the round's message log and
// mirrors it onto the bus.
func (e *Engine) streamSink(ctx context.Context, roundID string, log *zap.Logger) func(capability.Event) {
	return func(ev capability.Event) {
		switch ev.Type {
		case capability.EventAssistant:
			if err := e.store.AppendMessage(ctx, &model.AIMessage{
				RoundID: roundID, Role: model.RoleAssistant, Content: ev.Content,
			}); err != nil {
				log.Error("message append failed", zap.Error(err))
			}
			e.bus.Publish(roundID, bus.Event{Type: bus.EventAssistant, Content: ev.Content})
		case capability.EventTool:
			content := ev.Name
			if ev.Input != "" {
				content += " " + ev.Input
			}
			if err := e.store.AppendMessage(ctx, &model.AIMessage{
				RoundID: roundID, Role: model.RoleTool, Content: content,
			}); err != nil {
				log.Error("message append failed", zap.Error(err))
			}
			e.bus.Publish(roundID, bus.Event{Type: bus.EventTool, Content: content})
		}
	}
}

// continueUntilComplete issues up to three continuation requests when the
// completion marker is missing, concatenating the results. Failure to reach
// the marker is tolerated; the text is stored as-is.
func (e *Engine) continueUntilComplete(ctx context.Context, ai capability.AIProvider, stage model.StoryStatus, system, text string, sink func(capability.Event), log *zap.Logger) string {
	for attempt := 0; attempt < maxContinuations; attempt++ {
		if text == "" || HasCompletionMarker(text) {
			break
		}
		log.Info("document incomplete, requesting continuation", zap.Int("attempt", attempt+1))
		events, err := invokeStageAI(ctx, ai, stage, system, ContinuationPrompt(text), "")
		if err != nil {
			log.Warn("continuation failed", zap.Error(err))
			break
		}
		outcome := collectStream(ctx, events, sink)
		if ctx.Err() != nil || outcome.Err != nil || outcome.Text == "" {
			break
		}
		text += outcome.Text
	}
	return StripCompletionMarker(text)
}

// persistStageOutput writes documents, updates story fields and hash memos,
// and commits the story row.
func (e *Engine) persistStageOutput(ctx context.Context, agg *model.StoryAggregate, stage model.StoryStatus, text, input string, outcome streamOutcome) error {
	s, p := agg.Story, agg.Project
	writeField := func(field model.DocField, content string) error {
		rel, err := e.ws.WriteDoc(p, s, field.Filename(), content)
		if err != nil {
			return err
		}
		field.Set(s, rel)
		return nil
	}

	switch stage {
	case model.StatusPreparing:
		if text == "" {
			return validationf("preparing produced no document")
		}
		if err := writeField(model.DocPRD, text); err != nil {
			return err
		}

	case model.StatusClarifying:
		questions := parseClarifications(text)
		if _, err := e.store.CreateClarifications(ctx, s.ID, questions); err != nil {
			return err
		}

	case model.StatusPlanning:
		if text == "" {
			return validationf("planning produced no document")
		}
		if err := writeField(model.DocTechnicalDesign, text); err != nil {
			return err
		}
		RecordInputHash(s, stage, input)

	case model.StatusDesigning:
		if text == "" {
			return validationf("designing produced no document")
		}
		if err := writeField(model.DocDetailedDesign, text); err != nil {
			return err
		}
		RecordInputHash(s, stage, input)

	case model.StatusCoding:
		dir := e.ws.ProjectDir(p)
		if err := e.git.CommitAll(ctx, dir, "story "+s.ID+": "+s.Title); err != nil {
			return err
		}
		if err := e.git.Push(ctx, dir, agg.Round.BranchName); err != nil {
			return err
		}
		var prURLs []string
		if prs, err := e.store.ListPullRequests(ctx, agg.Round.ID); err == nil {
			for _, pr := range prs {
				prURLs = append(prURLs, pr.URL)
			}
		}
		report := buildCodingReport(agg, outcome, prURLs, time.Now())
		guide := buildTestGuide(agg, outcome)
		if report == "" || guide == "" {
			return validationf("coding stage must produce a report and a test guide")
		}
		if err := writeField(model.DocCodingReport, report); err != nil {
			return err
		}
		if err := writeField(model.DocTestGuide, guide); err != nil {
			return err
		}
		RecordInputHash(s, stage, input)
		s.Status = model.StatusVerifying
	}

	return e.store.UpdateStory(ctx, s)
}

// runChat executes one chat-refinement turn against the current stage's
// document.
func (e *Engine) runChat(ctx context.Context, storyID, message string) {
	log := e.logger.With(zap.String("story", storyID), zap.String("task", "chat"))

	agg, err := e.store.LoadStoryAggregate(ctx, storyID)
	if err != nil {
		log.Error("chat: aggregate load failed", zap.Error(err))
		return
	}
	roundID := agg.Round.ID
	publish := func(ev bus.Event) { e.bus.Publish(roundID, ev) }
	fail := func(msg string) {
		log.Warn("chat failed", zap.String("reason", msg))
		publish(bus.Event{Type: bus.EventError, Content: msg})
	}

	field, ok := model.CurrentDoc(agg.Story.Status)
	if !ok {
		fail("chat is not available in " + string(agg.Story.Status))
		return
	}
	current := e.ws.ResolveDoc(agg.Project, field.Get(agg.Story))

	overrides, err := e.store.ListCapabilityConfigs(ctx, agg.Project.ID)
	if err != nil {
		fail("capability overrides unavailable: " + err.Error())
		return
	}
	view, err := e.registry.WithProjectOverrides(ctx, overrides)
	if err != nil {
		fail("capability view: " + err.Error())
		return
	}
	defer view.Cleanup(context.Background())

	pf := view.Preflight(ctx, []string{capability.CategoryAI}, nil)
	if !pf.OK() {
		fail(pf.Errors[0])
		return
	}
	ai, ok := view.Get(capability.CategoryAI).Provider.(capability.AIProvider)
	if !ok {
		fail("configured ai provider does not implement the ai contract")
		return
	}

	system, user := BuildChatPrompts(agg, current, message)
	events, err := ai.RefinePRD(ctx, system, user)
	if err != nil {
		fail("ai invocation failed: " + err.Error())
		return
	}

	// Chat buffers the stream: raw chunks may contain the whole document,
	// which must not land in the chat log. Tool events still flow live.
	outcome := collectStream(ctx, events, func(ev capability.Event) {
		if ev.Type == capability.EventTool {
			content := ev.Name
			if ev.Input != "" {
				content += " " + ev.Input
			}
			publish(bus.Event{Type: bus.EventTool, Content: content})
		}
	})
	if ctx.Err() != nil {
		return
	}
	if outcome.Err != nil {
		fail(outcome.Err.Error())
		return
	}

	discussion, updatedDoc := ParseRefineResponse(outcome.Text)
	if discussion != "" {
		if err := e.store.AppendMessage(ctx, &model.AIMessage{
			RoundID: roundID, Role: model.RoleAssistant, Content: discussion,
		}); err != nil {
			fail("message append failed: " + err.Error())
			return
		}
		publish(bus.Event{Type: bus.EventAssistant, Content: discussion})
	}
	if updatedDoc != "" {
		rel, err := e.ws.WriteDoc(agg.Project, agg.Story, field.Filename(), updatedDoc)
		if err != nil {
			fail("document write failed: " + err.Error())
			return
		}
		field.Set(agg.Story, rel)
		if err := e.store.UpdateStory(ctx, agg.Story); err != nil {
			fail("story update failed: " + err.Error())
			return
		}
		e.publishDocUpdate(roundID, field, field.Filename(), updatedDoc)
	}
	publish(bus.Event{Type: bus.EventDone})
	log.Info("chat turn complete")
}
