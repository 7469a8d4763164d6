package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpbx/callbridge/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(dir, "callbridge.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
	if db.Dialect() != DialectSQLite {
		t.Errorf("Dialect() = %q, want sqlite", db.Dialect())
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	for _, table := range []string{"schema_migrations", "users", "workspaces", "agents", "call_records", "call_evaluations"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 3 {
		t.Errorf("migration count = %d, want 3", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir, "")
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir, "")
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	got := pg.rebind("UPDATE t SET a = ?, b = ? WHERE id = ?")
	if want := "UPDATE t SET a = $1, b = $2 WHERE id = $3"; got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	lite := &DB{dialect: DialectSQLite}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Errorf("sqlite rebind = %q, want unchanged", got)
	}
}

func seedAgent(t *testing.T, db *DB, active bool) (*models.User, *models.Workspace, *models.Agent) {
	t.Helper()
	ctx := context.Background()

	user := &models.User{Email: "owner@example.com"}
	if err := NewUserRepository(db).Create(ctx, user); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	ws := &models.Workspace{UserID: user.ID, Name: "Dental Office", Timezone: "America/Chicago"}
	if err := NewWorkspaceRepository(db).Create(ctx, ws); err != nil {
		t.Fatalf("creating workspace: %v", err)
	}
	agent := &models.Agent{
		UserID:           user.ID,
		WorkspaceID:      &ws.ID,
		Name:             "Receptionist",
		SystemPrompt:     "Book appointments.",
		Language:         "es-MX",
		EnabledTools:     []string{"get_current_time", "end_call"},
		IsActive:         active,
		EnableTranscript: true,
		Temperature:      0.7,
	}
	if err := NewAgentRepository(db).Create(ctx, agent); err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	return user, ws, agent
}

func TestAgentRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, ws, created := seedAgent(t, db, true)
	repo := NewAgentRepository(db)

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil")
	}
	if got.Name != "Receptionist" || got.Language != "es-MX" || got.Voice != "marin" {
		t.Errorf("agent = %+v", got)
	}
	if !got.IsActive || !got.EnableTranscript || got.Temperature != 0.7 {
		t.Errorf("flags = active %v transcript %v temp %v", got.IsActive, got.EnableTranscript, got.Temperature)
	}
	if len(got.EnabledTools) != 2 || got.EnabledTools[1] != "end_call" {
		t.Errorf("EnabledTools = %v", got.EnabledTools)
	}
	if got.WorkspaceID == nil || *got.WorkspaceID != ws.ID {
		t.Errorf("WorkspaceID = %v, want %s", got.WorkspaceID, ws.ID)
	}

	if err := repo.SetActive(ctx, created.ID, false); err != nil {
		t.Fatalf("SetActive() error: %v", err)
	}
	got, _ = repo.GetByID(ctx, created.ID)
	if got.IsActive {
		t.Error("agent should be inactive")
	}

	missing, err := repo.GetByID(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("GetByID(missing) error: %v", err)
	}
	if missing != nil {
		t.Errorf("GetByID(missing) = %+v, want nil", missing)
	}
}

func TestWorkspaceForAgent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, ws, agent := seedAgent(t, db, true)
	repo := NewWorkspaceRepository(db)

	got, err := repo.GetForAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetForAgent() error: %v", err)
	}
	if got == nil || got.ID != ws.ID || got.Timezone != "America/Chicago" {
		t.Errorf("GetForAgent() = %+v", got)
	}

	none, err := repo.GetForAgent(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetForAgent(nobody) error: %v", err)
	}
	if none != nil {
		t.Errorf("GetForAgent(nobody) = %+v, want nil", none)
	}
}

func TestUserExists(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	user, _, _ := seedAgent(t, db, true)
	repo := NewUserRepository(db)

	ok, err := repo.Exists(ctx, user.ID)
	if err != nil || !ok {
		t.Errorf("Exists(owner) = %v, %v", ok, err)
	}
	ok, err = repo.Exists(ctx, "ghost")
	if err != nil || ok {
		t.Errorf("Exists(ghost) = %v, %v", ok, err)
	}
}

func TestCallRecordLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallRecordRepository(db)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &models.CallRecord{
		ProviderCallID: "CA123",
		AgentID:        "agent-1",
		Carrier:        "twilio",
		PhoneNumber:    "+15551234567",
		StartedAt:      start,
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := repo.SaveTranscript(ctx, "CA123", "agent-1", "[User]: hi\n\n[Assistant]: hello"); err != nil {
		t.Fatalf("SaveTranscript() error: %v", err)
	}
	if err := repo.Finish(ctx, "CA123", models.CallStatusCompleted, start.Add(95*time.Second)); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}

	got, err := repo.GetByProviderCallID(ctx, "CA123")
	if err != nil {
		t.Fatalf("GetByProviderCallID() error: %v", err)
	}
	if got == nil {
		t.Fatal("record not found")
	}
	if got.Transcript != "[User]: hi\n\n[Assistant]: hello" {
		t.Errorf("Transcript = %q", got.Transcript)
	}
	if got.Status != models.CallStatusCompleted {
		t.Errorf("Status = %q", got.Status)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != 95 {
		t.Errorf("DurationSeconds = %v, want 95", got.DurationSeconds)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt not set")
	}
	if got.Carrier != "twilio" || got.Direction != "inbound" {
		t.Errorf("carrier/direction = %q/%q", got.Carrier, got.Direction)
	}
}

func TestSaveTranscriptCreatesMissingRecord(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallRecordRepository(db)

	if err := repo.SaveTranscript(ctx, "v3:abc", "agent-9", "[User]: hello"); err != nil {
		t.Fatalf("SaveTranscript() error: %v", err)
	}
	got, err := repo.GetByProviderCallID(ctx, "v3:abc")
	if err != nil || got == nil {
		t.Fatalf("GetByProviderCallID() = %v, %v", got, err)
	}
	if got.AgentID != "agent-9" || got.Transcript != "[User]: hello" {
		t.Errorf("record = %+v", got)
	}
}

func TestSaveTranscriptSkipsBlank(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallRecordRepository(db)

	if err := repo.SaveTranscript(ctx, "CA-blank", "agent-1", "  \n "); err != nil {
		t.Fatalf("SaveTranscript() error: %v", err)
	}
	got, err := repo.GetByProviderCallID(ctx, "CA-blank")
	if err != nil {
		t.Fatalf("GetByProviderCallID() error: %v", err)
	}
	if got != nil {
		t.Errorf("blank transcript created a record: %+v", got)
	}
}

func TestFinishMissingRecord(t *testing.T) {
	db := openTestDB(t)
	if err := NewCallRecordRepository(db).Finish(context.Background(), "nope", models.CallStatusFailed, time.Now()); err != nil {
		t.Errorf("Finish(missing) error: %v", err)
	}
}

func TestListRecent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallRecordRepository(db)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"CA1", "CA2", "CA3"} {
		rec := &models.CallRecord{ProviderCallID: id, AgentID: "a", StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create(%s) error: %v", id, err)
		}
	}

	recs, err := repo.ListRecent(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRecent() error: %v", err)
	}
	if len(recs) != 2 || recs[0].ProviderCallID != "CA3" || recs[1].ProviderCallID != "CA2" {
		t.Errorf("ListRecent() = %+v", recs)
	}

	recs, err = repo.ListRecent(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListRecent(offset 2) error: %v", err)
	}
	if len(recs) != 1 || recs[0].ProviderCallID != "CA1" {
		t.Errorf("ListRecent(offset 2) = %+v", recs)
	}

	n, err := repo.Count(ctx)
	if err != nil || n != 3 {
		t.Errorf("Count() = %d, %v; want 3", n, err)
	}
}

func TestDeleteEndedBefore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallRecordRepository(db)

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"CA-old", "CA-new", "CA-live"} {
		if err := repo.Create(ctx, &models.CallRecord{ProviderCallID: id, AgentID: "a", StartedAt: base}); err != nil {
			t.Fatalf("Create(%s) error: %v", id, err)
		}
	}
	if err := repo.Finish(ctx, "CA-old", models.CallStatusCompleted, base.Add(time.Minute)); err != nil {
		t.Fatalf("Finish(CA-old) error: %v", err)
	}
	if err := repo.Finish(ctx, "CA-new", models.CallStatusCompleted, base.Add(48*time.Hour)); err != nil {
		t.Fatalf("Finish(CA-new) error: %v", err)
	}

	n, err := repo.DeleteEndedBefore(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteEndedBefore() error: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteEndedBefore() = %d, want 1", n)
	}
	for id, want := range map[string]bool{"CA-old": false, "CA-new": true, "CA-live": true} {
		rec, err := repo.GetByProviderCallID(ctx, id)
		if err != nil {
			t.Fatalf("GetByProviderCallID(%s) error: %v", id, err)
		}
		if (rec != nil) != want {
			t.Errorf("%s present = %v, want %v", id, rec != nil, want)
		}
	}
}

func TestEvaluations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	records := NewCallRecordRepository(db)
	evals := NewEvaluationRepository(db)

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	rec := &models.CallRecord{ProviderCallID: "CA1", AgentID: "agent-1", StartedAt: base}
	if err := records.Create(ctx, rec); err != nil {
		t.Fatalf("Create record error: %v", err)
	}

	score := 80
	risk := 0.25
	ev := &models.CallEvaluation{
		CallRecordID:    rec.ID,
		AgentID:         "agent-1",
		OverallScore:    82,
		Passed:          true,
		Coherence:       &score,
		EscalationRisk:  &risk,
		Sentiment:       "positive",
		Recommendations: []string{"confirm the address"},
		Model:           "claude-sonnet-4-20250514",
		PromptVersion:   "v1",
		CreatedAt:       base.Add(time.Hour),
	}
	if err := evals.Create(ctx, ev); err != nil {
		t.Fatalf("Create evaluation error: %v", err)
	}
	if err := evals.Create(ctx, &models.CallEvaluation{CallRecordID: rec.ID, AgentID: "agent-1", Model: "m", PromptVersion: "v1"}); err == nil {
		t.Error("second evaluation for the same record succeeded")
	}

	got, err := evals.GetByCallRecordID(ctx, rec.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByCallRecordID() = %v, %v", got, err)
	}
	if got.OverallScore != 82 || !got.Passed || got.Sentiment != "positive" {
		t.Errorf("evaluation = %+v", got)
	}
	if got.Coherence == nil || *got.Coherence != 80 || got.Fluency != nil {
		t.Errorf("optional scores = coherence %v fluency %v", got.Coherence, got.Fluency)
	}
	if got.EscalationRisk == nil || *got.EscalationRisk != 0.25 || got.SentimentScore != nil {
		t.Errorf("risk = %v sentiment score = %v", got.EscalationRisk, got.SentimentScore)
	}
	if len(got.Recommendations) != 1 || got.Recommendations[0] != "confirm the address" || len(got.FailureReasons) != 0 {
		t.Errorf("lists = %v %v", got.Recommendations, got.FailureReasons)
	}

	if missing, err := evals.GetByCallRecordID(ctx, "nope"); err != nil || missing != nil {
		t.Errorf("GetByCallRecordID(nope) = %v, %v", missing, err)
	}
	list, err := evals.ListRecent(ctx, 10, 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListRecent() = %v, %v", list, err)
	}
	if n, err := evals.Count(ctx); err != nil || n != 1 {
		t.Errorf("Count() = %d, %v", n, err)
	}

	// Retention removes the evaluation with its record.
	if err := records.Finish(ctx, "CA1", models.CallStatusCompleted, base.Add(time.Minute)); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	if _, err := records.DeleteEndedBefore(ctx, base.Add(24*time.Hour)); err != nil {
		t.Fatalf("DeleteEndedBefore() error: %v", err)
	}
	if n, _ := evals.Count(ctx); n != 0 {
		t.Errorf("evaluations after record deletion = %d, want 0", n)
	}
}
