package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"opd/internal/bus"
	"opd/internal/model"
)

const heartbeatInterval = 15 * time.Second

// handleStream serves the per-story SSE feed: persisted messages of the
// active round replayed in order, then the live bus. Default mode closes
// after the first terminal event; mode=chat replays from the first user
// message and stays open across turns.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "storyID")
	chatMode := r.URL.Query().Get("mode") == "chat"

	if _, err := s.store.GetStory(r.Context(), storyID); err != nil {
		s.writeError(w, err)
		return
	}
	round, err := s.store.ActiveRound(r.Context(), storyID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before replay so nothing published during the replay loop
	// is lost.
	ch := s.bus.Subscribe(round.ID)
	defer s.bus.Unsubscribe(round.ID, ch)

	msgs, err := s.store.ListMessages(r.Context(), round.ID)
	if err != nil {
		s.logger.Warn("stream: history load failed",
			zap.String("round", round.ID), zap.Error(err))
	}
	if chatMode {
		msgs = fromFirstUserMessage(msgs)
	}
	for _, m := range msgs {
		writeSSE(w, flusher, bus.Event{Type: roleEventType(m.Role), Content: m.Content})
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, flusher, ev)
			if ev.Type.Terminal() && !chatMode {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func roleEventType(role model.MessageRole) bus.EventType {
	switch role {
	case model.RoleUser:
		return bus.EventUser
	case model.RoleTool:
		return bus.EventTool
	default:
		return bus.EventAssistant
	}
}

// fromFirstUserMessage trims the replay window to the current conversation:
// everything from the first user-authored message onward.
func fromFirstUserMessage(msgs []model.AIMessage) []model.AIMessage {
	for i, m := range msgs {
		if m.Role == model.RoleUser {
			return msgs[i:]
		}
	}
	return nil
}
