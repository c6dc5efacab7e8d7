// Package capability implements the pluggable catalog of external services
// the engine depends on: ai, scm, ci, doc, sandbox and notification. Each
// capability is a named role satisfied by exactly one active provider; the
// registry resolves lookups, health probes and per-project overrides.
package capability

import (
	"context"
	"time"
)

// Capability categories.
const (
	CategoryAI           = "ai"
	CategorySCM          = "scm"
	CategoryCI           = "ci"
	CategoryDoc          = "doc"
	CategorySandbox      = "sandbox"
	CategoryNotification = "notification"
)

// Categories lists every known capability category.
var Categories = []string{
	CategoryAI, CategorySCM, CategoryCI, CategoryDoc, CategorySandbox, CategoryNotification,
}

// HealthStatus is the result of a provider health probe.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// FieldType describes how a config field should be rendered and handled.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldPassword FieldType = "password"
	FieldSelect   FieldType = "select"
)

// SchemaField is one entry of a provider's config schema, in declaration
// order. Password fields participate in masking.
type SchemaField struct {
	Name     string    `json:"name"`
	Label    string    `json:"label"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Default  string    `json:"default,omitempty"`
	Options  []string  `json:"options,omitempty"`
}

// Provider is the minimum contract every provider implementation exposes.
// Capability-specific method sets extend it below.
type Provider interface {
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	HealthCheck(ctx context.Context) HealthStatus
	Config() map[string]string
	Schema() []SchemaField
}

// EventType classifies a streamed AI event.
type EventType string

const (
	EventAssistant EventType = "assistant"
	EventTool      EventType = "tool"
	EventError     EventType = "error"
)

// Event is one unit of an AI provider stream.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Name    string    `json:"name,omitempty"`
	Input   string    `json:"input,omitempty"`
}

// AIProvider streams model output for each pipeline stage. Streams MUST
// terminate promptly when ctx is cancelled; the returned channel is closed
// when the stream ends.
type AIProvider interface {
	Provider
	PreparePRD(ctx context.Context, system, user string) (<-chan Event, error)
	Clarify(ctx context.Context, system, user string) (<-chan Event, error)
	Plan(ctx context.Context, system, user string) (<-chan Event, error)
	Design(ctx context.Context, system, user string) (<-chan Event, error)
	Code(ctx context.Context, system, user, workDir string) (<-chan Event, error)
	RefinePRD(ctx context.Context, system, user string) (<-chan Event, error)
}

// PullRequestInfo mirrors a remote pull request.
type PullRequestInfo struct {
	ID    int    `json:"id"`
	URL   string `json:"url"`
	State string `json:"state"`
	Title string `json:"title"`
}

// ReviewComment is one code-review comment on a PR.
type ReviewComment struct {
	ID    int    `json:"id"`
	User  string `json:"user"`
	Body  string `json:"body"`
	Path  string `json:"path,omitempty"`
	Line  int    `json:"line,omitempty"`
	State string `json:"state,omitempty"`
}

// PreflightCheckResult reports whether an SCM target is usable.
type PreflightCheckResult struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// SCMProvider talks to the source-control host.
type SCMProvider interface {
	Provider
	CloneRepo(ctx context.Context, repoURL, dir string) error
	CreateBranch(ctx context.Context, dir, name string) error
	CommitChanges(ctx context.Context, dir, message string) error
	PushBranch(ctx context.Context, dir, name string) error
	CreatePullRequest(ctx context.Context, repo, branch, title, body string) (*PullRequestInfo, error)
	GetReviewComments(ctx context.Context, repo string, number int) ([]ReviewComment, error)
	UpdatePullRequest(ctx context.Context, repo string, number int, title, body string) error
	MergePullRequest(ctx context.Context, repo string, number int) error
	GetPRStatus(ctx context.Context, repo string, number int) (string, error)
	PreflightCheck(ctx context.Context, repo string) (*PreflightCheckResult, error)
}

// PipelineRun identifies a triggered CI pipeline.
type PipelineRun struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CIProvider drives the continuous-integration system.
type CIProvider interface {
	Provider
	TriggerPipeline(ctx context.Context, repo, branch string) (*PipelineRun, error)
	GetPipelineStatus(ctx context.Context, repo, id string) (string, error)
	GetPipelineLogs(ctx context.Context, repo, id string) (string, error)
}

// Document is an external document store record.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// DocProvider reads an external document store.
type DocProvider interface {
	Provider
	GetDocument(ctx context.Context, id string) (*Document, error)
	SearchDocuments(ctx context.Context, query string) ([]Document, error)
}

// Notification is one user-facing event record.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Event     string    `json:"event"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationProvider delivers and stores user notifications.
type NotificationProvider interface {
	Provider
	Notify(ctx context.Context, userID, event string) error
	NotifyBatch(ctx context.Context, userIDs []string, event string) error
	GetNotifications(ctx context.Context, userID string) ([]Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) error
}
