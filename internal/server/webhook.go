package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"opd/internal/bus"
	"opd/internal/model"
)

type webhookPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
	} `json:"pull_request"`
	Review struct {
		State string `json:"state"`
	} `json:"review"`
}

// handleGitHubWebhook consumes pull_request and pull_request_review events.
// When a webhook secret is configured, the X-Hub-Signature-256 HMAC must
// match the raw body.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable body"})
		return
	}
	if s.webhookSecret != "" {
		if !verifySignature(body, s.webhookSecret, r.Header.Get("X-Hub-Signature-256")) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "signature mismatch"})
			return
		}
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed payload"})
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	log := s.logger.With(zap.String("event", event), zap.String("action", payload.Action),
		zap.Int("pr", payload.PullRequest.Number))

	switch event {
	case "pull_request":
		if payload.Action == "closed" && payload.PullRequest.Merged {
			s.handlePRMerged(w, r, payload.PullRequest.Number, log)
			return
		}
	case "pull_request_review":
		if payload.Review.State == "changes_requested" {
			s.handleChangesRequested(w, r, payload.PullRequest.Number, log)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}

func (s *Server) handlePRMerged(w http.ResponseWriter, r *http.Request, number int, log *zap.Logger) {
	pr, err := s.store.FindPullRequestByNumber(r.Context(), number)
	if err != nil {
		log.Info("webhook: no tracked pull request")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err := s.store.SetPullRequestStatus(r.Context(), pr.ID, model.PRMerged); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.CloseRound(r.Context(), pr.RoundID, "pull request merged"); err != nil {
		s.writeError(w, err)
		return
	}
	s.bus.Publish(pr.RoundID, bus.Event{
		Type: bus.EventInfo, Content: "pull request merged",
	})
	log.Info("webhook: round closed on merge", zap.String("round", pr.RoundID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "merged"})
}

func (s *Server) handleChangesRequested(w http.ResponseWriter, r *http.Request, number int, log *zap.Logger) {
	pr, err := s.store.FindPullRequestByNumber(r.Context(), number)
	if err != nil {
		log.Info("webhook: no tracked pull request")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	s.bus.Publish(pr.RoundID, bus.Event{
		Type: bus.EventInfo, Content: "review requested changes",
	})
	log.Info("webhook: review requested changes", zap.String("round", pr.RoundID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reviewing"})
}

func verifySignature(body []byte, secret, header string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
