package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callbridge/internal/database/models"
)

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

const callRecordColumns = `id, provider_call_id, agent_id, carrier, direction, phone_number,
	 status, transcript, started_at, ended_at, duration_seconds`

// Create inserts a new call record.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = models.CallStatusInProgress
	}
	if rec.Direction == "" {
		rec.Direction = "inbound"
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (`+callRecordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProviderCallID, rec.AgentID, rec.Carrier, rec.Direction,
		rec.PhoneNumber, rec.Status, rec.Transcript, rec.StartedAt, rec.EndedAt,
		rec.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// GetByProviderCallID returns the record for a carrier call ID.
func (r *callRecordRepo) GetByProviderCallID(ctx context.Context, providerCallID string) (*models.CallRecord, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records WHERE provider_call_id = ?`, providerCallID,
	))
}

// SaveTranscript upserts the transcript for providerCallID.
func (r *callRecordRepo) SaveTranscript(ctx context.Context, providerCallID, agentID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (id, provider_call_id, agent_id, status, transcript, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider_call_id) DO UPDATE SET transcript = excluded.transcript`,
		uuid.NewString(), providerCallID, agentID, models.CallStatusInProgress, text, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving transcript: %w", err)
	}
	return nil
}

// Finish marks the call ended and records its duration. A missing record is
// not an error.
func (r *callRecordRepo) Finish(ctx context.Context, providerCallID, status string, endedAt time.Time) error {
	rec, err := r.GetByProviderCallID(ctx, providerCallID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	endedAt = endedAt.UTC()
	duration := int(endedAt.Sub(rec.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE call_records SET status = ?, ended_at = ?, duration_seconds = ?
		 WHERE provider_call_id = ?`,
		status, endedAt, duration, providerCallID,
	)
	if err != nil {
		return fmt.Errorf("finishing call record: %w", err)
	}
	return nil
}

// ListRecent returns one page of call records, newest first.
func (r *callRecordRepo) ListRecent(ctx context.Context, limit, offset int) ([]models.CallRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		rec, err := scanCallRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call record rows: %w", err)
	}
	return recs, nil
}

// DeleteEndedBefore removes finished call records that ended before cutoff
// and returns how many were removed. Calls still in progress are kept.
func (r *callRecordRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM call_records WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired call records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted call records: %w", err)
	}
	return n, nil
}

// Count returns the number of call records.
func (r *callRecordRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting call records: %w", err)
	}
	return n, nil
}

func (r *callRecordRepo) scanOne(row *sql.Row) (*models.CallRecord, error) {
	rec, err := scanCallRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(s scanner) (*models.CallRecord, error) {
	var (
		rec      models.CallRecord
		endedAt  sql.NullTime
		duration sql.NullInt64
	)
	err := s.Scan(&rec.ID, &rec.ProviderCallID, &rec.AgentID, &rec.Carrier,
		&rec.Direction, &rec.PhoneNumber, &rec.Status, &rec.Transcript,
		&rec.StartedAt, &endedAt, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		rec.DurationSeconds = &d
	}
	return &rec, nil
}
