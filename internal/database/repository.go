package database

import (
	"context"
	"time"

	"github.com/flowpbx/callbridge/internal/database/models"
)

// Get methods return (nil, nil) when no row matches.

// UserRepository manages agent owners.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	Exists(ctx context.Context, id string) (bool, error)
}

// WorkspaceRepository manages workspaces.
type WorkspaceRepository interface {
	Create(ctx context.Context, ws *models.Workspace) error
	GetByID(ctx context.Context, id string) (*models.Workspace, error)
	GetForAgent(ctx context.Context, agentID string) (*models.Workspace, error)
}

// AgentRepository manages voice agents.
type AgentRepository interface {
	Create(ctx context.Context, agent *models.Agent) error
	GetByID(ctx context.Context, id string) (*models.Agent, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// CallRecordRepository manages per-call history.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByProviderCallID(ctx context.Context, providerCallID string) (*models.CallRecord, error)
	// SaveTranscript stores transcript text on the record for providerCallID,
	// creating a minimal record when none exists. Blank text is ignored.
	SaveTranscript(ctx context.Context, providerCallID, agentID, text string) error
	Finish(ctx context.Context, providerCallID, status string, endedAt time.Time) error
	ListRecent(ctx context.Context, limit, offset int) ([]models.CallRecord, error)
	Count(ctx context.Context) (int, error)
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EvaluationRepository stores post-call quality evaluations, one per call
// record. Evaluations are removed with their call record.
type EvaluationRepository interface {
	Create(ctx context.Context, ev *models.CallEvaluation) error
	GetByCallRecordID(ctx context.Context, callRecordID string) (*models.CallEvaluation, error)
	ListRecent(ctx context.Context, limit, offset int) ([]models.CallEvaluation, error)
	Count(ctx context.Context) (int, error)
}
