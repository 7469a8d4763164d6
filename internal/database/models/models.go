package models

import "time"

// User owns workspaces and agents.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Workspace groups agents and carries the business timezone.
type Workspace struct {
	ID        string
	UserID    string
	Name      string
	Timezone  string
	CreatedAt time.Time
}

// Agent is a configured voice assistant that answers calls.
type Agent struct {
	ID               string
	UserID           string
	WorkspaceID      *string
	Name             string
	SystemPrompt     string
	Language         string
	Voice            string
	EnabledTools     []string // stored as JSON
	WebhookURL       string   // target of the send_webhook tool
	IsActive         bool
	EnableTranscript bool
	Temperature      float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Call record statuses.
const (
	CallStatusInProgress = "in_progress"
	CallStatusCompleted  = "completed"
	CallStatusFailed     = "failed"
)

// CallRecord is the persisted history of one bridged call.
type CallRecord struct {
	ID              string
	ProviderCallID  string
	AgentID         string
	Carrier         string
	Direction       string
	PhoneNumber     string
	Status          string
	Transcript      string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int
}

// CallEvaluation is the post-call quality assessment of one call record.
// Optional scores are nil when the evaluator did not rate that dimension.
type CallEvaluation struct {
	ID                  string
	CallRecordID        string
	AgentID             string
	OverallScore        int
	Passed              bool
	IntentCompletion    *int
	ToolUsage           *int
	Compliance          *int
	ResponseQuality     *int
	Coherence           *int
	Relevance           *int
	Groundedness        *int
	Fluency             *int
	Sentiment           string
	SentimentScore      *float64
	EscalationRisk      *float64
	ObjectivesDetected  []string // stored as JSON
	ObjectivesCompleted []string // stored as JSON
	FailureReasons      []string // stored as JSON
	Recommendations     []string // stored as JSON
	Model               string
	PromptVersion       string
	LatencyMS           int
	InputTokens         int
	OutputTokens        int
	CreatedAt           time.Time
}
