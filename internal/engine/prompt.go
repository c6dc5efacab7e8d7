package engine

import (
	"fmt"
	"strings"

	"opd/internal/model"
)

// CompletionMarker is the literal sentinel planning and designing outputs
// must end with so truncation can be detected.
const CompletionMarker = "<!-- DOCUMENT_COMPLETE -->"

const (
	maxContinuations = 3
	continuationSeed = 500
)

// HasCompletionMarker reports whether the output carries the sentinel.
func HasCompletionMarker(s string) bool {
	return strings.Contains(s, CompletionMarker)
}

// StripCompletionMarker removes the sentinel and trailing whitespace.
func StripCompletionMarker(s string) string {
	return strings.TrimRight(strings.ReplaceAll(s, CompletionMarker, ""), " \n\t")
}

// rolePreambles by stage.
var rolePreambles = map[model.StoryStatus]string{
	model.StatusPreparing:  "You are a senior product manager. Draft a complete product requirements document (PRD) for the feature request below.",
	model.StatusClarifying: "You are a senior product manager reviewing a PRD. List the open questions that must be answered before technical planning can start.",
	model.StatusPlanning:   "You are a principal engineer. Produce a technical design document covering architecture, components, data model and task breakdown for the confirmed PRD below.",
	model.StatusDesigning:  "You are a principal engineer. Expand the technical design into a detailed implementation design: file-level changes, interfaces, edge cases and test strategy.",
	model.StatusCoding:     "You are an expert software engineer. Implement the detailed design below in the working directory, committing clean, reviewable changes.",
}

// stageDirectives appended to the system prompt.
var stageDirectives = map[model.StoryStatus]string{
	model.StatusClarifying: `Respond with ONLY a JSON array of objects of the form [{"question": "..."}]. Return an empty array [] when nothing needs clarification.`,
	model.StatusPlanning:   "After emitting the full document, output `" + CompletionMarker + "` on its own line.",
	model.StatusDesigning:  "After emitting the full document, output `" + CompletionMarker + "` on its own line.",
}

// chatFormatInstruction is appended to every chat-refinement prompt.
const chatFormatInstruction = "Reply with either <discussion>...</discussion> alone, or " +
	"<discussion>...</discussion><updated_doc>...</updated_doc>. The updated_doc block, " +
	"when present, must contain the FULL document content, not a diff."

// BuildStagePrompts assembles the (system, user) pair for a stage run.
// inputDoc is the resolved content of the stage's input document and
// sourceContext an optional workspace scan snapshot.
func BuildStagePrompts(stage model.StoryStatus, agg *model.StoryAggregate, inputDoc, sourceContext string) (string, string) {
	var sys strings.Builder
	sys.WriteString(rolePreambles[stage])
	sys.WriteString("\n\n")
	writeProjectBlock(&sys, agg.Project)
	writeRulesBlock(&sys, agg.Project.Rules)
	if d := stageDirectives[stage]; d != "" {
		sys.WriteString("\n")
		sys.WriteString(d)
		sys.WriteString("\n")
	}

	var user strings.Builder
	if stage == model.StatusPreparing {
		fmt.Fprintf(&user, "Feature request: %s\n\n%s\n", agg.Story.Title, agg.Story.RawInput)
	} else {
		user.WriteString(inputDoc)
		user.WriteString("\n")
	}
	writeClarificationsBlock(&user, agg.Clarifications)
	writeTasksBlock(&user, agg.Tasks)
	if sourceContext != "" {
		user.WriteString("\n## Repository snapshot\n\n")
		user.WriteString(sourceContext)
		user.WriteString("\n")
	}
	return sys.String(), user.String()
}

// BuildChatPrompts assembles the pair for a chat-refinement turn editing
// the current stage's document.
func BuildChatPrompts(agg *model.StoryAggregate, currentDoc, message string) (string, string) {
	var sys strings.Builder
	sys.WriteString("You are collaborating with the user on the document under review. ")
	sys.WriteString("Apply their feedback; keep unrelated sections intact.\n\n")
	writeProjectBlock(&sys, agg.Project)
	writeRulesBlock(&sys, agg.Project.Rules)
	sys.WriteString("\n")
	sys.WriteString(chatFormatInstruction)
	sys.WriteString("\n")

	var user strings.Builder
	user.WriteString("## Current document\n\n")
	user.WriteString(currentDoc)
	user.WriteString("\n")
	writeHistoryBlock(&user, agg.Messages)
	user.WriteString("\n## User message\n\n")
	user.WriteString(message)
	user.WriteString("\n")
	return sys.String(), user.String()
}

// ContinuationPrompt asks the model to resume a cut-off document.
func ContinuationPrompt(partial string) string {
	seed := partial
	if len(seed) > continuationSeed {
		seed = seed[len(seed)-continuationSeed:]
	}
	return "The document was cut off. Continue from the cutoff point; do not repeat earlier content. " +
		"The last emitted characters were:\n\n" + seed
}

func writeProjectBlock(b *strings.Builder, p *model.Project) {
	fmt.Fprintf(b, "## Project: %s\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(b, "%s\n", p.Description)
	}
	if p.TechStack != "" {
		fmt.Fprintf(b, "Tech stack: %s\n", p.TechStack)
	}
	if p.Architecture != "" {
		fmt.Fprintf(b, "Architecture: %s\n", p.Architecture)
	}
}

func writeRulesBlock(b *strings.Builder, rules []model.Rule) {
	first := true
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if first {
			b.WriteString("\n## Project rules\n")
			first = false
		}
		fmt.Fprintf(b, "- [%s] %s: %s\n", r.Category, r.Name, r.Content)
	}
}

func writeClarificationsBlock(b *strings.Builder, clars []model.Clarification) {
	first := true
	for _, c := range clars {
		if !c.Answered {
			continue
		}
		if first {
			b.WriteString("\n## Clarifications\n")
			first = false
		}
		fmt.Fprintf(b, "Q: %s\nA: %s\n", c.Question, c.Answer)
	}
}

func writeTasksBlock(b *strings.Builder, tasks []model.Task) {
	if len(tasks) == 0 {
		return
	}
	b.WriteString("\n## Tasks\n")
	for _, t := range tasks {
		fmt.Fprintf(b, "%d. %s", t.Order, t.Title)
		if t.DependsOn != "" {
			fmt.Fprintf(b, " (depends on %s)", t.DependsOn)
		}
		b.WriteString("\n")
	}
}

// writeHistoryBlock appends the recent chat exchange, newest last. Tool
// lines are skipped; they are noise in a refinement conversation.
func writeHistoryBlock(b *strings.Builder, msgs []model.AIMessage) {
	const maxHistory = 20
	start := 0
	if len(msgs) > maxHistory {
		start = len(msgs) - maxHistory
	}
	first := true
	for _, m := range msgs[start:] {
		if m.Role == model.RoleTool {
			continue
		}
		if first {
			b.WriteString("\n## Conversation so far\n")
			first = false
		}
		fmt.Fprintf(b, "%s: %s\n", m.Role, m.Content)
	}
}
