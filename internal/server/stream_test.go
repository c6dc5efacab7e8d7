package server

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opd/internal/bus"
	"opd/internal/model"
)

// readSSEFrames collects `data:` payload lines until the body closes or the
// expected count is reached.
func readSSEFrames(t *testing.T, resp *http.Response, want int) []string {
	t.Helper()
	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
			if len(frames) == want {
				return frames
			}
		}
	}
	return frames
}

func TestStreamReplayThenLive(t *testing.T) {
	env := newServerEnv(t, "")
	_, s, r := env.seedStory(t, model.StatusPreparing)
	ctx := context.Background()

	for _, content := range []string{"a", "b"} {
		require.NoError(t, env.st.AppendMessage(ctx, &model.AIMessage{
			RoundID: r.ID, Role: model.RoleAssistant, Content: content,
		}))
	}

	// Publish the terminal event once the stream has subscribed.
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if env.b.SubscriberCount(r.ID) > 0 {
				env.b.Publish(r.ID, bus.Event{Type: bus.EventDone})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp, err := env.ts.Client().Get(env.ts.URL + "/api/stories/" + s.ID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	frames := readSSEFrames(t, resp, 3)
	require.Len(t, frames, 3)
	require.JSONEq(t, `{"type":"assistant","content":"a"}`, frames[0])
	require.JSONEq(t, `{"type":"assistant","content":"b"}`, frames[1])
	require.JSONEq(t, `{"type":"done"}`, frames[2])

	// Default mode: the stream closes after done.
	remainder := readSSEFrames(t, resp, 1)
	require.Empty(t, remainder)
}

func TestStreamChatModeReplaysFromFirstUserMessage(t *testing.T) {
	env := newServerEnv(t, "")
	_, s, r := env.seedStory(t, model.StatusPreparing)
	ctx := context.Background()

	history := []model.AIMessage{
		{RoundID: r.ID, Role: model.RoleAssistant, Content: "generated prd chunk"},
		{RoundID: r.ID, Role: model.RoleUser, Content: "shorter please"},
		{RoundID: r.ID, Role: model.RoleAssistant, Content: "ok"},
	}
	for i := range history {
		require.NoError(t, env.st.AppendMessage(ctx, &history[i]))
	}

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		env.ts.URL+"/api/stories/"+s.ID+"/stream?mode=chat", nil)
	require.NoError(t, err)
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	frames := readSSEFrames(t, resp, 2)
	require.Len(t, frames, 2)
	require.JSONEq(t, `{"type":"user","content":"shorter please"}`, frames[0])
	require.JSONEq(t, `{"type":"assistant","content":"ok"}`, frames[1])
	// Chat mode stays open after replay; cancelling the request ends it.
}

func TestStreamUnknownStory(t *testing.T) {
	env := newServerEnv(t, "")
	resp, err := env.ts.Client().Get(env.ts.URL + "/api/stories/missing/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
