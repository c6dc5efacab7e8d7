package engine

import (
	"regexp"
	"strings"
)

const (
	maxDiscussionSentences = 3
	maxDiscussionChars     = 300
)

var (
	discussionRe = regexp.MustCompile(`(?s)<discussion>(.*?)</discussion>`)
	updatedDocRe = regexp.MustCompile(`(?s)<updated_(?:doc|prd)>(.*?)</updated_(?:doc|prd)>`)
)

// ParseRefineResponse splits a chat-refinement reply into the short
// discussion text and the optional full replacement document. Untagged
// replies become discussion, truncated so a full document never lands in
// the chat log.
func ParseRefineResponse(raw string) (discussion, updatedDoc string) {
	if m := updatedDocRe.FindStringSubmatch(raw); m != nil {
		updatedDoc = strings.TrimSpace(m[1])
	}
	if m := discussionRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1]), updatedDoc
	}
	rest := updatedDocRe.ReplaceAllString(raw, "")
	return truncateDiscussion(strings.TrimSpace(rest)), updatedDoc
}

// RenderRefineResponse is the inverse of ParseRefineResponse for tagged
// replies; prompt builders cite it as the required reply format.
func RenderRefineResponse(discussion, updatedDoc string) string {
	var b strings.Builder
	b.WriteString("<discussion>")
	b.WriteString(discussion)
	b.WriteString("</discussion>")
	if updatedDoc != "" {
		b.WriteString("<updated_doc>")
		b.WriteString(updatedDoc)
		b.WriteString("</updated_doc>")
	}
	return b.String()
}

// truncateDiscussion keeps the first three sentences, capped at 300 chars.
func truncateDiscussion(s string) string {
	if s == "" {
		return s
	}
	sentences := 0
	end := len(s)
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？' {
			sentences++
			if sentences >= maxDiscussionSentences {
				end = i + len(string(r))
				break
			}
		}
	}
	out := s[:end]
	if len(out) > maxDiscussionChars {
		out = out[:maxDiscussionChars]
	}
	return strings.TrimSpace(out)
}
