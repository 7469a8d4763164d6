package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callbridge/internal/database/models"
)

// workspaceRepo implements WorkspaceRepository.
type workspaceRepo struct {
	db *DB
}

// NewWorkspaceRepository creates a new WorkspaceRepository.
func NewWorkspaceRepository(db *DB) WorkspaceRepository {
	return &workspaceRepo{db: db}
}

// Create inserts a workspace, defaulting the timezone to UTC.
func (r *workspaceRepo) Create(ctx context.Context, ws *models.Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.Timezone == "" {
		ws.Timezone = "UTC"
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, user_id, name, timezone, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ws.ID, ws.UserID, ws.Name, ws.Timezone, ws.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting workspace: %w", err)
	}
	return nil
}

// GetByID returns a workspace by ID.
func (r *workspaceRepo) GetByID(ctx context.Context, id string) (*models.Workspace, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, timezone, created_at
		 FROM workspaces WHERE id = ?`, id,
	))
}

// GetForAgent returns the workspace the agent belongs to.
func (r *workspaceRepo) GetForAgent(ctx context.Context, agentID string) (*models.Workspace, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT w.id, w.user_id, w.name, w.timezone, w.created_at
		 FROM workspaces w JOIN agents a ON a.workspace_id = w.id
		 WHERE a.id = ?`, agentID,
	))
}

func (r *workspaceRepo) scanOne(row *sql.Row) (*models.Workspace, error) {
	var w models.Workspace
	err := row.Scan(&w.ID, &w.UserID, &w.Name, &w.Timezone, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning workspace: %w", err)
	}
	return &w, nil
}
