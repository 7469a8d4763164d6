package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callbridge/internal/database/models"
)

// agentRepo implements AgentRepository.
type agentRepo struct {
	db *DB
}

// NewAgentRepository creates a new AgentRepository.
func NewAgentRepository(db *DB) AgentRepository {
	return &agentRepo{db: db}
}

// Create inserts a new agent.
func (r *agentRepo) Create(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Language == "" {
		a.Language = "en-US"
	}
	if a.Voice == "" {
		a.Voice = "marin"
	}
	tools := a.EnabledTools
	if tools == nil {
		tools = []string{}
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("encoding enabled tools: %w", err)
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO agents (id, user_id, workspace_id, name, system_prompt, language,
		 voice, enabled_tools, webhook_url, is_active, enable_transcript, temperature,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.WorkspaceID, a.Name, a.SystemPrompt, a.Language,
		a.Voice, string(toolsJSON), a.WebhookURL, a.IsActive, a.EnableTranscript, a.Temperature,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// GetByID returns an agent by ID.
func (r *agentRepo) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	var (
		a         models.Agent
		workspace sql.NullString
		toolsJSON string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, workspace_id, name, system_prompt, language, voice,
		 enabled_tools, webhook_url, is_active, enable_transcript, temperature, created_at, updated_at
		 FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.UserID, &workspace, &a.Name, &a.SystemPrompt, &a.Language,
		&a.Voice, &toolsJSON, &a.WebhookURL, &a.IsActive, &a.EnableTranscript, &a.Temperature,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	if workspace.Valid {
		a.WorkspaceID = &workspace.String
	}
	if toolsJSON != "" {
		if err := json.Unmarshal([]byte(toolsJSON), &a.EnabledTools); err != nil {
			return nil, fmt.Errorf("decoding enabled tools for agent %s: %w", id, err)
		}
	}
	return &a, nil
}

// SetActive enables or disables an agent.
func (r *agentRepo) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE agents SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	return nil
}
