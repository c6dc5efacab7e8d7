package store

import (
	"fmt"

	"go.uber.org/zap"
)

// Schema versions:
// v1: projects, rules, skills, stories, rounds, clarifications, ai_messages,
//     pull_requests, tasks, capability_configs
const currentSchemaVersion = 1

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		repo_url         TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		tech_stack       TEXT NOT NULL DEFAULT '',
		architecture     TEXT NOT NULL DEFAULT '',
		workspace_dir    TEXT NOT NULL DEFAULT '',
		workspace_status TEXT NOT NULL DEFAULT 'pending',
		workspace_error  TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		category   TEXT NOT NULL,
		content    TEXT NOT NULL,
		enabled    INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS skills (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name         TEXT NOT NULL,
		command      TEXT NOT NULL,
		trigger_mode TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stories (
		id                   TEXT PRIMARY KEY,
		project_id           TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		title                TEXT NOT NULL,
		feature_tag          TEXT NOT NULL DEFAULT '',
		raw_input            TEXT NOT NULL,
		status               TEXT NOT NULL,
		current_round        INTEGER NOT NULL DEFAULT 1,
		prd                  TEXT NOT NULL DEFAULT '',
		confirmed_prd        TEXT NOT NULL DEFAULT '',
		technical_design     TEXT NOT NULL DEFAULT '',
		detailed_design      TEXT NOT NULL DEFAULT '',
		coding_report        TEXT NOT NULL DEFAULT '',
		test_guide           TEXT NOT NULL DEFAULT '',
		planning_input_hash  TEXT NOT NULL DEFAULT '',
		designing_input_hash TEXT NOT NULL DEFAULT '',
		coding_input_hash    TEXT NOT NULL DEFAULT '',
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rounds (
		id           TEXT PRIMARY KEY,
		story_id     TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
		round_number INTEGER NOT NULL,
		type         TEXT NOT NULL,
		status       TEXT NOT NULL,
		branch_name  TEXT NOT NULL DEFAULT '',
		close_reason TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		UNIQUE(story_id, round_number)
	)`,
	`CREATE TABLE IF NOT EXISTS clarifications (
		id         TEXT PRIMARY KEY,
		story_id   TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
		question   TEXT NOT NULL,
		answer     TEXT NOT NULL DEFAULT '',
		answered   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ai_messages (
		id         TEXT PRIMARY KEY,
		round_id   TEXT NOT NULL REFERENCES rounds(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ai_messages_round ON ai_messages(round_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS pull_requests (
		id         TEXT PRIMARY KEY,
		round_id   TEXT NOT NULL REFERENCES rounds(id) ON DELETE CASCADE,
		number     INTEGER NOT NULL,
		url        TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		story_id    TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		ord         INTEGER NOT NULL DEFAULT 0,
		depends_on  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS capability_configs (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL,
		provider    TEXT NOT NULL,
		enabled     INTEGER NOT NULL DEFAULT 1,
		config_json TEXT NOT NULL DEFAULT '{}',
		updated_at  TEXT NOT NULL,
		UNIQUE(project_id, category)
	)`,
	`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER NOT NULL,
		applied_at TEXT NOT NULL
	)`,
}

// migrate brings the schema up to currentSchemaVersion. DDL is idempotent so
// a partially-applied version can be re-run safely.
func (s *Store) migrate() error {
	for _, stmt := range schemaV1 {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version < currentSchemaVersion {
		_, err = s.db.Exec(
			`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			currentSchemaVersion, now().Format(timeFmt),
		)
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		s.logger.Info("schema migrated",
			zap.Int("from", version), zap.Int("to", currentSchemaVersion))
	}
	return nil
}
