// Package model defines the domain entities of the workflow engine: projects,
// stories, rounds, and the records that hang off them. Entities are plain
// structs; persistence lives in internal/store and never leaks ORM-style
// lazy loading into the engine.
package model

import (
	"time"
)

// WorkspaceStatus tracks the clone lifecycle of a project workspace.
type WorkspaceStatus string

const (
	WorkspacePending WorkspaceStatus = "pending"
	WorkspaceCloning WorkspaceStatus = "cloning"
	WorkspaceReady   WorkspaceStatus = "ready"
	WorkspaceError   WorkspaceStatus = "error"
)

// RuleCategory classifies a project rule.
type RuleCategory string

const (
	RuleCoding       RuleCategory = "coding"
	RuleArchitecture RuleCategory = "architecture"
	RuleTesting      RuleCategory = "testing"
	RuleGit          RuleCategory = "git"
	RuleForbidden    RuleCategory = "forbidden"
)

// SkillTrigger says when a project skill command fires.
type SkillTrigger string

const (
	SkillAutoAfterCoding SkillTrigger = "auto-after-coding"
	SkillAutoBeforePR    SkillTrigger = "auto-before-pr"
	SkillManual          SkillTrigger = "manual"
)

// Project is one configured code repository.
type Project struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	RepoURL        string          `json:"repo_url"`
	Description    string          `json:"description,omitempty"`
	TechStack      string          `json:"tech_stack,omitempty"`
	Architecture   string          `json:"architecture,omitempty"`
	WorkspaceDir   string          `json:"workspace_dir,omitempty"`
	WorkspaceState WorkspaceStatus `json:"workspace_status"`
	WorkspaceError string          `json:"workspace_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	Rules  []Rule  `json:"rules,omitempty"`
	Skills []Skill `json:"skills,omitempty"`
}

// Rule is a named project constraint fed into every prompt when enabled.
type Rule struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	Name      string       `json:"name"`
	Category  RuleCategory `json:"category"`
	Content   string       `json:"content"`
	Enabled   bool         `json:"enabled"`
}

// Skill is a named command with an automation trigger.
type Skill struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	Name      string       `json:"name"`
	Command   string       `json:"command"`
	Trigger   SkillTrigger `json:"trigger"`
}

// StoryStatus is the stage a story currently sits in.
type StoryStatus string

const (
	StatusPreparing  StoryStatus = "preparing"
	StatusClarifying StoryStatus = "clarifying"
	StatusPlanning   StoryStatus = "planning"
	StatusDesigning  StoryStatus = "designing"
	StatusCoding     StoryStatus = "coding"
	StatusVerifying  StoryStatus = "verifying"
	StatusDone       StoryStatus = "done"
)

// DocumentStages lists the statuses that own a reviewable document, in
// pipeline order. Rollback targets are restricted to this set.
var DocumentStages = []StoryStatus{
	StatusPreparing, StatusClarifying, StatusPlanning, StatusDesigning,
}

// StageIndex returns the pipeline position of a status, or -1 when the
// status is not part of the forward pipeline.
func StageIndex(s StoryStatus) int {
	order := []StoryStatus{
		StatusPreparing, StatusClarifying, StatusPlanning,
		StatusDesigning, StatusCoding, StatusVerifying, StatusDone,
	}
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// Story is one feature request in flight.
type Story struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"project_id"`
	Title        string      `json:"title"`
	FeatureTag   string      `json:"feature_tag,omitempty"`
	RawInput     string      `json:"raw_input"`
	Status       StoryStatus `json:"status"`
	CurrentRound int         `json:"current_round"`

	// Document fields hold either inline markdown or a docs/{slug}/{file}
	// relative path. The filesystem wins when a path is present.
	PRD             string `json:"prd,omitempty"`
	ConfirmedPRD    string `json:"confirmed_prd,omitempty"`
	TechnicalDesign string `json:"technical_design,omitempty"`
	DetailedDesign  string `json:"detailed_design,omitempty"`
	CodingReport    string `json:"coding_report,omitempty"`
	TestGuide       string `json:"test_guide,omitempty"`

	PlanningInputHash  string `json:"planning_input_hash,omitempty"`
	DesigningInputHash string `json:"designing_input_hash,omitempty"`
	CodingInputHash    string `json:"coding_input_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoundType distinguishes why a round was opened.
type RoundType string

const (
	RoundInitial RoundType = "initial"
	RoundIterate RoundType = "iterate"
	RoundRestart RoundType = "restart"
)

// RoundStatus is the lifecycle state of a round.
type RoundStatus string

const (
	RoundActive RoundStatus = "active"
	RoundClosed RoundStatus = "closed"
)

// Round is one attempt at driving a story to merge.
type Round struct {
	ID          string      `json:"id"`
	StoryID     string      `json:"story_id"`
	Number      int         `json:"round_number"`
	Type        RoundType   `json:"type"`
	Status      RoundStatus `json:"status"`
	BranchName  string      `json:"branch_name,omitempty"`
	CloseReason string      `json:"close_reason,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Clarification is a Q/A pair attached to a story. Answer stays empty until
// the user responds; it is the only field ever updated after creation.
type Clarification struct {
	ID        string    `json:"id"`
	StoryID   string    `json:"story_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer,omitempty"`
	Answered  bool      `json:"answered"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageRole is the author of an AI message log entry.
type MessageRole string

const (
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
	RoleUser      MessageRole = "user"
)

// AIMessage is an append-only log entry in a round, used for audit and for
// SSE replay.
type AIMessage struct {
	ID        string      `json:"id"`
	RoundID   string      `json:"round_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// PRStatus mirrors the remote pull request state.
type PRStatus string

const (
	PROpen   PRStatus = "open"
	PRClosed PRStatus = "closed"
	PRMerged PRStatus = "merged"
)

// PullRequest tracks a remote PR owned by a round.
type PullRequest struct {
	ID        string    `json:"id"`
	RoundID   string    `json:"round_id"`
	Number    int       `json:"number"`
	URL       string    `json:"url"`
	Status    PRStatus  `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is one unit of the planning breakdown, ordered with dependencies.
type Task struct {
	ID          string `json:"id"`
	StoryID     string `json:"story_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
	DependsOn   string `json:"depends_on,omitempty"`
}

// CapabilityConfig is one row of the capability catalog: the chosen provider
// for a capability plus its opaque config map. ProjectID is empty for the
// global row; a non-empty ProjectID shadows the global row for that project.
type CapabilityConfig struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id,omitempty"`
	Category  string            `json:"category"`
	Provider  string            `json:"provider"`
	Enabled   bool              `json:"enabled"`
	Config    map[string]string `json:"config"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StoryAggregate is the fully-loaded snapshot a background task works from.
// Tasks never re-enter the store for reads once they hold one.
type StoryAggregate struct {
	Story          *Story
	Project        *Project
	Round          *Round
	Clarifications []Clarification
	Tasks          []Task
	Messages       []AIMessage
}
