package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"opd/internal/capability"
	"opd/internal/model"
)

// stageGate declares the capability requirements of a stage.
type stageGate struct {
	Required []string
	Optional []string
}

var stageGates = map[model.StoryStatus]stageGate{
	model.StatusPreparing:  {Required: []string{capability.CategoryAI}, Optional: []string{capability.CategoryDoc}},
	model.StatusClarifying: {Required: []string{capability.CategoryAI}, Optional: []string{capability.CategorySCM}},
	model.StatusPlanning:   {Required: []string{capability.CategoryAI, capability.CategorySCM}},
	model.StatusDesigning:  {Required: []string{capability.CategoryAI, capability.CategorySCM}},
	model.StatusCoding: {
		Required: []string{capability.CategoryAI, capability.CategorySCM},
		Optional: []string{capability.CategoryCI, capability.CategorySandbox},
	},
	model.StatusVerifying: {
		Required: []string{capability.CategorySCM},
		Optional: []string{capability.CategoryCI, capability.CategorySandbox},
	},
}

// stageInput maps each AI stage to the document it consumes. Preparing
// consumes the raw story input and has no entry.
var stageInput = map[model.StoryStatus]model.DocField{
	model.StatusClarifying: model.DocPRD,
	model.StatusPlanning:   model.DocConfirmedPRD,
	model.StatusDesigning:  model.DocTechnicalDesign,
	model.StatusCoding:     model.DocDetailedDesign,
}

// stagePreconditions validates the aggregate before a stage run.
func stagePreconditions(stage model.StoryStatus, agg *model.StoryAggregate) []error {
	var errs []error
	if field, ok := stageInput[stage]; ok {
		if field.Get(agg.Story) == "" {
			errs = append(errs, validationf("stage %s requires %s", stage, field.Key()))
		}
	}
	if stage == model.StatusPreparing && agg.Story.RawInput == "" {
		errs = append(errs, validationf("story has no raw input"))
	}
	return errs
}

// invokeStageAI dispatches to the AI provider method for a stage.
func invokeStageAI(ctx context.Context, ai capability.AIProvider, stage model.StoryStatus, system, user, workDir string) (<-chan capability.Event, error) {
	switch stage {
	case model.StatusPreparing:
		return ai.PreparePRD(ctx, system, user)
	case model.StatusClarifying:
		return ai.Clarify(ctx, system, user)
	case model.StatusPlanning:
		return ai.Plan(ctx, system, user)
	case model.StatusDesigning:
		return ai.Design(ctx, system, user)
	case model.StatusCoding:
		return ai.Code(ctx, system, user, workDir)
	}
	return nil, validationf("stage %s has no AI invocation", stage)
}

// streamOutcome is what a collected AI stream boils down to.
type streamOutcome struct {
	Text      string            // concatenated assistant text
	ToolLines []string          // one line per tool event
	Err       error             // provider-reported error event
	LastMsg   string            // final contiguous assistant segment
}

// collectStream drains an AI event stream, forwarding every event through
// sink (bus + message log) while accumulating the assistant text.
func collectStream(ctx context.Context, events <-chan capability.Event, sink func(capability.Event)) streamOutcome {
	var out streamOutcome
	var text strings.Builder
	var last strings.Builder
	for {
		select {
		case <-ctx.Done():
			out.Err = ctx.Err()
			out.Text = text.String()
			out.LastMsg = last.String()
			return out
		case ev, ok := <-events:
			if !ok {
				out.Text = text.String()
				out.LastMsg = last.String()
				return out
			}
			sink(ev)
			switch ev.Type {
			case capability.EventAssistant:
				text.WriteString(ev.Content)
				last.WriteString(ev.Content)
			case capability.EventTool:
				line := ev.Name
				if ev.Input != "" {
					line += " " + ev.Input
				}
				out.ToolLines = append(out.ToolLines, line)
				last.Reset()
			case capability.EventError:
				out.Err = fmt.Errorf("provider error: %s", ev.Content)
			}
		}
	}
}

// parseClarifications extracts the first balanced JSON array of
// {question} objects from AI output, tolerating markdown fences. A parse
// failure yields nil; the stage proceeds with zero clarifications.
func parseClarifications(raw string) []string {
	start := strings.IndexByte(raw, '[')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	end := -1
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return nil
	}
	var items []struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &items); err != nil {
		return nil
	}
	var questions []string
	for _, it := range items {
		if q := strings.TrimSpace(it.Question); q != "" {
			questions = append(questions, q)
		}
	}
	return questions
}

const (
	reportToolLines   = 20
	reportToolLineLen = 200
)

// buildCodingReport renders the delivery summary for a coding round. Pure
// function of the collected stream plus round metadata.
func buildCodingReport(agg *model.StoryAggregate, outcome streamOutcome, prURLs []string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Coding Report: %s\n\n", agg.Story.Title)
	fmt.Fprintf(&b, "- Round: %d (%s)\n", agg.Round.Number, agg.Round.Type)
	if agg.Round.BranchName != "" {
		fmt.Fprintf(&b, "- Branch: `%s`\n", agg.Round.BranchName)
	}
	for _, u := range prURLs {
		fmt.Fprintf(&b, "- Pull request: %s\n", u)
	}
	fmt.Fprintf(&b, "- Generated: %s\n", now.UTC().Format(time.RFC3339))

	if outcome.LastMsg != "" {
		b.WriteString("\n## Summary\n\n")
		b.WriteString(strings.TrimSpace(outcome.LastMsg))
		b.WriteString("\n")
	}

	if len(outcome.ToolLines) > 0 {
		b.WriteString("\n## Tool activity (last 20)\n\n")
		lines := outcome.ToolLines
		if len(lines) > reportToolLines {
			lines = lines[len(lines)-reportToolLines:]
		}
		for _, line := range lines {
			if len(line) > reportToolLineLen {
				line = line[:reportToolLineLen]
			}
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return b.String()
}

// buildTestGuide renders checkout instructions and a verification
// checklist for the round.
func buildTestGuide(agg *model.StoryAggregate, outcome streamOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Test Guide: %s\n\n", agg.Story.Title)
	b.WriteString("## Checkout\n\n```\n")
	fmt.Fprintf(&b, "git fetch origin\ngit checkout %s\n", agg.Round.BranchName)
	b.WriteString("```\n")

	if outcome.LastMsg != "" {
		b.WriteString("\n## Changes\n\n")
		b.WriteString(strings.TrimSpace(outcome.LastMsg))
		b.WriteString("\n")
	}

	b.WriteString("\n## Verification checklist\n\n")
	b.WriteString("- [ ] Code builds cleanly\n")
	b.WriteString("- [ ] Existing tests pass\n")
	b.WriteString("- [ ] New behavior covered by tests\n")
	b.WriteString("- [ ] Manual smoke test of the feature\n")
	return b.String()
}
