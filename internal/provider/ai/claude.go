// Package ai implements the model-backed providers that generate stage
// documents and code. Each provider adapts one vendor SDK to the streaming
// event contract the engine consumes.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"opd/internal/capability"
)

const (
	defaultClaudeModel     = "claude-sonnet-4-20250514"
	defaultClaudeMaxTokens = 16384
)

// ClaudeProvider streams Anthropic Messages API output.
type ClaudeProvider struct {
	config map[string]string
	client sdk.Client
	model  string
	maxTok int64
}

// NewClaudeProvider builds the provider from its config map. Keys: api_key,
// base_url (optional), model (optional), max_tokens (optional).
func NewClaudeProvider(config map[string]string) capability.Provider {
	return &ClaudeProvider{config: config}
}

func (p *ClaudeProvider) Initialize(ctx context.Context) error {
	key := p.config["api_key"]
	if key == "" {
		return fmt.Errorf("claude: api_key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if base := p.config["base_url"]; base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	p.client = sdk.NewClient(opts...)

	p.model = p.config["model"]
	if p.model == "" {
		p.model = defaultClaudeModel
	}
	p.maxTok = defaultClaudeMaxTokens
	if raw := p.config["max_tokens"]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("claude: invalid max_tokens %q", raw)
		}
		p.maxTok = n
	}
	return nil
}

func (p *ClaudeProvider) Cleanup(ctx context.Context) error { return nil }

func (p *ClaudeProvider) HealthCheck(ctx context.Context) capability.HealthStatus {
	start := time.Now()
	if p.config["api_key"] == "" {
		return capability.HealthStatus{
			Healthy: false, Message: "api_key not configured", CheckedAt: start,
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := p.client.Messages.New(ctx, sdk.MessageNewParams{
		MaxTokens: 1,
		Model:     sdk.Model(p.model),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	status := capability.HealthStatus{
		Healthy:   err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
		CheckedAt: start,
	}
	if err != nil {
		status.Message = err.Error()
	}
	return status
}

func (p *ClaudeProvider) Config() map[string]string { return p.config }

func (p *ClaudeProvider) Schema() []capability.SchemaField {
	return []capability.SchemaField{
		{Name: "api_key", Label: "API Key", Type: capability.FieldPassword, Required: true},
		{Name: "base_url", Label: "Base URL", Type: capability.FieldText},
		{Name: "model", Label: "Model", Type: capability.FieldText, Default: defaultClaudeModel},
		{Name: "max_tokens", Label: "Max Tokens", Type: capability.FieldText, Default: strconv.Itoa(defaultClaudeMaxTokens)},
	}
}

func (p *ClaudeProvider) PreparePRD(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return p.stream(ctx, system, user)
}

func (p *ClaudeProvider) Clarify(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return p.stream(ctx, system, user)
}

func (p *ClaudeProvider) Plan(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return p.stream(ctx, system, user)
}

func (p *ClaudeProvider) Design(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return p.stream(ctx, system, user)
}

// Code streams implementation output. The Messages API has no local
// workspace access; workDir is surfaced to the model in the system prompt
// and actual file application happens downstream.
func (p *ClaudeProvider) Code(ctx context.Context, system, user, workDir string) (<-chan capability.Event, error) {
	if workDir != "" {
		system = system + "\n\nWorking directory: " + workDir
	}
	return p.stream(ctx, system, user)
}

func (p *ClaudeProvider) RefinePRD(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return p.stream(ctx, system, user)
}

func (p *ClaudeProvider) stream(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	params := sdk.MessageNewParams{
		MaxTokens: p.maxTok,
		Model:     sdk.Model(p.model),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("claude: open stream: %w", err)
	}

	out := make(chan capability.Event, 64)
	go func() {
		defer close(out)
		defer stream.Close()

		toolNames := map[int64]string{}
		toolInput := map[int64][]string{}

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					toolNames[ev.Index] = tu.Name
				}
			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text == "" {
						continue
					}
					if !send(ctx, out, capability.Event{
						Type: capability.EventAssistant, Content: delta.Text,
					}) {
						return
					}
				case sdk.InputJSONDelta:
					toolInput[ev.Index] = append(toolInput[ev.Index], delta.PartialJSON)
				}
			case sdk.ContentBlockStopEvent:
				name := toolNames[ev.Index]
				if name == "" {
					continue
				}
				input := ""
				for _, frag := range toolInput[ev.Index] {
					input += frag
				}
				if !json.Valid([]byte(input)) {
					input = ""
				}
				if !send(ctx, out, capability.Event{
					Type: capability.EventTool, Name: name, Input: input,
				}) {
					return
				}
				delete(toolNames, ev.Index)
				delete(toolInput, ev.Index)
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			send(ctx, out, capability.Event{Type: capability.EventError, Content: err.Error()})
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- capability.Event, ev capability.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
