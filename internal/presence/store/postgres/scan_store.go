package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

var scanColumns = []string{
	"seq", "id", "session_id", "subject_id", "source", "direction", "captured_at", "committed_at",
}

type scanRow struct {
	Seq         int64     `db:"seq"`
	ID          string    `db:"id"`
	SessionID   string    `db:"session_id"`
	SubjectID   string    `db:"subject_id"`
	Source      string    `db:"source"`
	Direction   string    `db:"direction"`
	CapturedAt  time.Time `db:"captured_at"`
	CommittedAt time.Time `db:"committed_at"`
}

func (r scanRow) record() types.ScanRecord {
	return types.ScanRecord{
		ID:          r.ID,
		Seq:         r.Seq,
		SubjectID:   r.SubjectID,
		SessionID:   r.SessionID,
		Source:      types.Source(r.Source),
		Direction:   types.Direction(r.Direction),
		CapturedAt:  r.CapturedAt.UTC(),
		CommittedAt: r.CommittedAt.UTC(),
	}
}

// ScanStore keeps scan_records in Postgres. The database assigns seq and
// committed_at, so commit order is the database's order even with several
// writers, and Insert's per-subject lock keeps those writers from
// committing conflicting transitions.
type ScanStore struct {
	Logger *slog.Logger
	*DB
}

func NewScanStore(logger *slog.Logger, db *DB) *ScanStore {
	return &ScanStore{
		Logger: logger,
		DB:     db,
	}
}

// Insert serializes writers on (session, subject) with a transaction-scoped
// advisory lock, then re-checks the subject's last direction before
// inserting. Two processes that both validated against a stale cache cannot
// both land a record.
func (s *ScanStore) Insert(ctx context.Context, a types.ScanAttempt) (types.ScanRecord, error) {
	tx, err := s.BeginTxx(ctx, nil)
	if err != nil {
		return types.ScanRecord{}, fmt.Errorf("insert scan: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// two-key form: one int4 for the session, one for the subject
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`, a.SessionID, a.SubjectID); err != nil {
		return types.ScanRecord{}, fmt.Errorf("insert scan: lock subject: %w", err)
	}

	query, args, err := s.Builder.
		Select("direction").
		From("scan_records").
		Where(squirrel.Eq{"session_id": a.SessionID, "subject_id": a.SubjectID}).
		OrderBy("seq DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return types.ScanRecord{}, err
	}

	s.Logger.Debug("query", "sql", query, "args", args)

	var last string
	err = tx.GetContext(ctx, &last, query, args...)
	if err != nil && !IsNoRows(err) {
		return types.ScanRecord{}, fmt.Errorf("insert scan: last direction: %w", err)
	}
	if err := store.CheckSequence(types.Direction(last), err == nil, a.Direction); err != nil {
		return types.ScanRecord{}, err
	}

	query, args, err = s.Builder.
		Insert("scan_records").
		Columns("id", "session_id", "subject_id", "source", "direction", "captured_at").
		Values(uuid.NewString(), a.SessionID, a.SubjectID, string(a.Source), string(a.Direction), a.CapturedAt.UTC()).
		Suffix("RETURNING " + strings.Join(scanColumns, ", ")).
		ToSql()
	if err != nil {
		return types.ScanRecord{}, err
	}

	s.Logger.Debug("query", "sql", query, "args", args)

	var row scanRow
	if err := tx.QueryRowxContext(ctx, query, args...).StructScan(&row); err != nil {
		if IsUniqueViolation(err) {
			return types.ScanRecord{}, fmt.Errorf("insert scan: duplicate id: %w", err)
		}
		return types.ScanRecord{}, fmt.Errorf("insert scan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.ScanRecord{}, fmt.Errorf("insert scan: commit: %w", err)
	}
	return row.record(), nil
}

func (s *ScanStore) List(ctx context.Context, sessionID string) ([]types.ScanRecord, error) {
	query, args, err := s.Builder.
		Select(scanColumns...).
		From("scan_records").
		Where(squirrel.Eq{"session_id": sessionID}).
		OrderBy("seq").
		ToSql()
	if err != nil {
		return nil, err
	}

	s.Logger.Debug("query", "sql", query, "args", args)

	var rows []scanRow
	if err := s.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}

	out := make([]types.ScanRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *ScanStore) Delete(ctx context.Context, id string) (types.ScanRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.ScanRecord{}, store.ErrNotFound
	}

	query, args, err := s.Builder.
		Delete("scan_records").
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING " + strings.Join(scanColumns, ", ")).
		ToSql()
	if err != nil {
		return types.ScanRecord{}, err
	}

	s.Logger.Debug("query", "sql", query, "args", args)

	var row scanRow
	if err := s.QueryRowxContext(ctx, query, args...).StructScan(&row); err != nil {
		if IsNoRows(err) {
			return types.ScanRecord{}, store.ErrNotFound
		}
		return types.ScanRecord{}, fmt.Errorf("delete scan: %w", err)
	}
	return row.record(), nil
}
