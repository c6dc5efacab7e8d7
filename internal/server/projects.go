package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"opd/internal/model"
)

type projectRequest struct {
	Name         string        `json:"name"`
	RepoURL      string        `json:"repo_url"`
	Description  string        `json:"description,omitempty"`
	TechStack    string        `json:"tech_stack,omitempty"`
	Architecture string        `json:"architecture,omitempty"`
	WorkspaceDir string        `json:"workspace_dir,omitempty"`
	Rules        []model.Rule  `json:"rules,omitempty"`
	Skills       []model.Skill `json:"skills,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	p := &model.Project{
		Name:         req.Name,
		RepoURL:      req.RepoURL,
		Description:  req.Description,
		TechStack:    req.TechStack,
		Architecture: req.Architecture,
		WorkspaceDir: req.WorkspaceDir,
		Rules:        req.Rules,
		Skills:       req.Skills,
	}
	if err := s.engine.CreateProject(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": p.ID, "name": p.Name})
}

type projectSummary struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	RepoURL         string                `json:"repo_url"`
	StoryCount      int                   `json:"story_count"`
	WorkspaceStatus model.WorkspaceStatus `json:"workspace_status"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]projectSummary, 0, len(projects))
	for _, p := range projects {
		count, err := s.store.CountStories(r.Context(), p.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, projectSummary{
			ID: p.ID, Name: p.Name, RepoURL: p.RepoURL,
			StoryCount: count, WorkspaceStatus: p.WorkspaceState,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type projectDetail struct {
	*model.Project
	Stories []*model.Story `json:"stories"`
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	p, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stories, err := s.store.ListStories(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectDetail{Project: p, Stories: stories})
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	var req projectRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	p, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	repoChanged := req.RepoURL != "" && req.RepoURL != p.RepoURL
	if req.Name != "" {
		p.Name = req.Name
	}
	if req.RepoURL != "" {
		p.RepoURL = req.RepoURL
	}
	p.Description = req.Description
	p.TechStack = req.TechStack
	p.Architecture = req.Architecture
	if req.WorkspaceDir != "" {
		p.WorkspaceDir = req.WorkspaceDir
	}
	// Absent rule/skill arrays keep the stored sets; present ones replace.
	if req.Rules != nil {
		p.Rules = req.Rules
	}
	if req.Skills != nil {
		p.Skills = req.Skills
	}
	if err := s.engine.UpdateProject(r.Context(), p, repoChanged); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	stories, err := s.store.ListStories(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, st := range stories {
		if err := s.engine.Stop(r.Context(), st.ID); err != nil {
			s.logger.Warn("stop during project delete failed",
				zap.String("story", st.ID), zap.Error(err))
		}
	}
	if err := s.store.DeleteProject(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleInitWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	if err := s.engine.InitWorkspace(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cloning"})
}

func (s *Server) handleWorkspaceStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	p, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": string(p.WorkspaceState),
		"error":  p.WorkspaceError,
	})
}

func (s *Server) handleVerifyRepo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepoURL string `json:"repo_url"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.RepoURL == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "repo_url is required"})
		return
	}
	healthy, message := s.engine.VerifyRepo(r.Context(), req.RepoURL)
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": healthy,
		"message": message,
	})
}
