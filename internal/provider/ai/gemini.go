package ai

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"opd/internal/capability"
)

const defaultGeminiModel = "gemini-2.5-pro"

// GeminiProvider streams Gemini output through google.golang.org/genai.
type GeminiProvider struct {
	config map[string]string
	client *genai.Client
	model  string
}

// NewGeminiProvider builds the provider from its config map. Keys: api_key,
// model (optional).
func NewGeminiProvider(config map[string]string) capability.Provider {
	return &GeminiProvider{config: config}
}

func (p *GeminiProvider) Initialize(ctx context.Context) error {
	key := p.config["api_key"]
	if key == "" {
		return fmt.Errorf("gemini: api_key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: key})
	if err != nil {
		return fmt.Errorf("gemini: create client: %w", err)
	}
	p.client = client
	p.model = p.config["model"]
	if p.model == "" {
		p.model = defaultGeminiModel
	}
	return nil
}

func (p *GeminiProvider) Cleanup(ctx context.Context) error { return nil }

func (p *GeminiProvider) HealthCheck(ctx context.Context) capability.HealthStatus {
	start := time.Now()
	if p.client == nil {
		return capability.HealthStatus{
			Healthy: false, Message: "client not initialized", CheckedAt: start,
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := p.client.Models.GenerateContent(ctx, p.model,
		[]*genai.Content{genai.NewContentFromText("ping", genai.RoleUser)},
		&genai.GenerateContentConfig{MaxOutputTokens: 1})
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

func (p *GeminiProvider) Config() map[string]string { return p.config }

func (p *GeminiProvider) Schema() []capability.SchemaField {
	return []capability.SchemaField{
		{Name: "api_key", Label: "API Key", Type: capability.FieldPassword, Required: true},
		{Name: "model", Label: "Model", Type: capability.FieldText, Default: defaultGeminiModel},
	}
}

func (p *GeminiProvider) PreparePRD(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return p.stream(ctx, system, user)
}

func (p *GeminiProvider) Clarify(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return p.stream(ctx, system, user)
}

func (p *GeminiProvider) Plan(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return p.stream(ctx, system, user)
}

func (p *GeminiProvider) Design(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return p.stream(ctx, system, user)
}

func (p *GeminiProvider) Code(ctx context.Context, system, user, workDir string) (<-chan capability.Event, error) {
	if workDir != "" {
		system = system + "\n\nWorking directory: " + workDir
	}
	return p.stream(ctx, system, user)
}

func (p *GeminiProvider) RefinePRD(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	return p.stream(ctx, system, user)
}

func (p *GeminiProvider) stream(ctx context.Context, system, user string) (<-chan capability.Event, error) {
	if p.client == nil {
		return nil, fmt.Errorf("gemini: client not initialized")
	}
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}

	out := make(chan capability.Event, 64)
	go func() {
		defer close(out)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, out, capability.Event{Type: capability.EventError, Content: err.Error()})
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !send(ctx, out, capability.Event{Type: capability.EventAssistant, Content: text}) {
				return
			}
		}
	}()
	return out, nil
}
