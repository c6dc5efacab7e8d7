package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"opd/internal/model"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, env *serverEnv, event, signature string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/webhooks/github", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestWebhookSignatureVerification(t *testing.T) {
	env := newServerEnv(t, "s3cr3t")
	body := []byte(`{"action":"closed","pull_request":{"number":7,"merged":true}}`)

	resp := postWebhook(t, env, "pull_request", "sha256=deadbeef", body)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = postWebhook(t, env, "pull_request", "", body)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Valid signature with no tracked PR is accepted and ignored.
	resp = postWebhook(t, env, "pull_request", signBody("s3cr3t", body), body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[map[string]string](t, resp)
	require.Equal(t, "ignored", out["status"])
}

func TestWebhookMergeClosesRound(t *testing.T) {
	env := newServerEnv(t, "s3cr3t")
	_, _, r := env.seedStory(t, model.StatusVerifying)
	ctx := context.Background()

	pr := &model.PullRequest{RoundID: r.ID, Number: 7, URL: "https://example.test/pr/7", Status: model.PROpen}
	require.NoError(t, env.st.CreatePullRequest(ctx, pr))

	body := []byte(`{"action":"closed","pull_request":{"number":7,"merged":true}}`)
	resp := postWebhook(t, env, "pull_request", signBody("s3cr3t", body), body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[map[string]string](t, resp)
	require.Equal(t, "merged", out["status"])

	tracked, err := env.st.FindPullRequestByNumber(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, model.PRMerged, tracked.Status)

	rounds, err := env.st.ListRounds(ctx, r.StoryID)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	require.Equal(t, model.RoundClosed, rounds[0].Status)
	require.Equal(t, "pull request merged", rounds[0].CloseReason)
}

func TestWebhookChangesRequested(t *testing.T) {
	env := newServerEnv(t, "")
	_, _, r := env.seedStory(t, model.StatusVerifying)
	ctx := context.Background()

	pr := &model.PullRequest{RoundID: r.ID, Number: 9, URL: "https://example.test/pr/9", Status: model.PROpen}
	require.NoError(t, env.st.CreatePullRequest(ctx, pr))

	ch := env.b.Subscribe(r.ID)
	defer env.b.Unsubscribe(r.ID, ch)

	body := []byte(`{"action":"submitted","pull_request":{"number":9},"review":{"state":"changes_requested"}}`)
	resp := postWebhook(t, env, "pull_request_review", "", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[map[string]string](t, resp)
	require.Equal(t, "reviewing", out["status"])

	select {
	case ev := <-ch:
		require.Equal(t, "review requested changes", ev.Content)
	default:
		t.Fatal("no bus event published")
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	env := newServerEnv(t, "")
	resp := postWebhook(t, env, "pull_request", "", []byte("{not json"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
