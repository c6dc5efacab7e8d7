package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"opd/internal/engine"
	"opd/internal/model"
)

func (s *Server) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req struct {
		Title      string `json:"title"`
		RawInput   string `json:"raw_input"`
		FeatureTag string `json:"feature_tag,omitempty"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	story := &model.Story{
		Title:      req.Title,
		RawInput:   req.RawInput,
		FeatureTag: req.FeatureTag,
	}
	if err := s.engine.CreateStory(r.Context(), projectID, story); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id": story.ID, "status": string(story.Status),
	})
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		s.writeError(w, err)
		return
	}
	stories, err := s.store.ListStories(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stories)
}

// storyDetail is the full read model: the story row plus resolved document
// contents and everything a client needs to render the pipeline view.
type storyDetail struct {
	*model.Story
	Docs           map[string]string     `json:"docs"`
	Rounds         []*model.Round        `json:"rounds"`
	Clarifications []model.Clarification `json:"clarifications"`
	Tasks          []model.Task          `json:"tasks"`
	AIRunning      bool                  `json:"ai_running"`
}

func (s *Server) handleGetStory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	story, err := s.store.GetStory(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	project, err := s.store.GetProject(r.Context(), story.ProjectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	detail := storyDetail{
		Story:     story,
		Docs:      map[string]string{},
		AIRunning: s.engine.StageRunning(id) || s.engine.ChatRunning(id),
	}
	for _, d := range []model.DocField{
		model.DocPRD, model.DocConfirmedPRD, model.DocTechnicalDesign,
		model.DocDetailedDesign, model.DocCodingReport, model.DocTestGuide,
	} {
		if v := d.Get(story); v != "" {
			detail.Docs[d.Filename()] = s.ws.ResolveDoc(project, v)
		}
	}
	if detail.Rounds, err = s.store.ListRounds(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if detail.Clarifications, err = s.store.ListClarifications(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if detail.Tasks, err = s.store.ListTasks(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStoryMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	round, err := s.store.ActiveRound(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), round.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	story, err := s.store.GetStory(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	roundID := ""
	if round, err := s.store.ActiveRound(r.Context(), id); err == nil {
		roundID = round.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":  s.engine.StageRunning(id) || s.engine.ChatRunning(id),
		"status":   story.Status,
		"round_id": roundID,
	})
}

func (s *Server) handleConfirmStage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	next, err := s.engine.ConfirmStage(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(next)})
}

func (s *Server) handleRejectStage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	if err := s.engine.RejectStage(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	var req struct {
		TargetStage string `json:"target_stage"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	err := s.engine.Rollback(r.Context(), id, model.StoryStatus(req.TargetStage))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.TargetStage})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	var req struct {
		Message string `json:"message"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.Chat(r.Context(), id, req.Message); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	var req struct {
		Answers []engine.AnswerInput `json:"answers"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.AnswerClarifications(r.Context(), id, req.Answers); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
}

func (s *Server) handleUpdateDoc(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	filename := chi.URLParam(r, "filename")
	var req struct {
		Content string `json:"content"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.UpdateDoc(r.Context(), id, filename, req.Content); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"filename": filename})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	if err := s.engine.Stop(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleIterate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	if err := s.engine.Iterate(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusCoding)})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	if err := s.engine.Restart(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusDesigning)})
}

func (s *Server) handleCloseStory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "storyID")
	if err := s.engine.CloseStory(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusDone)})
}
