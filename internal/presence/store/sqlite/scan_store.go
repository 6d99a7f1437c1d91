package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	dbpkg "github.com/lestiti/presence-guardian-04-sub000/internal/db"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// ScanStore keeps scan_records in SQLite. Reads use db directly; every write
// goes through the serialized Worker, so seq order is commit order.
type ScanStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
	clock  clockwork.Clock
}

func NewScanStore(db *sql.DB, writer *dbpkg.Worker, clock clockwork.Clock) *ScanStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ScanStore{db: db, writer: writer, clock: clock}
}

const selectColumns = `
SELECT seq, id, session_id, subject_id, source, direction, captured_at_ms, committed_at_ms
FROM scan_records`

func (s *ScanStore) Insert(ctx context.Context, a types.ScanAttempt) (types.ScanRecord, error) {
	rec := types.ScanRecord{
		ID:         uuid.NewString(),
		SubjectID:  a.SubjectID,
		SessionID:  a.SessionID,
		Source:     a.Source,
		Direction:  a.Direction,
		CapturedAt: a.CapturedAt,
	}

	// Once queued the write runs to completion; returning the caller's
	// ctx.Err() for a row the worker then committed would report a failure
	// for a scan that was recorded.
	err := s.writer.Do(context.WithoutCancel(ctx), func(ctx context.Context, tx *sql.Tx) error {
		var last string
		err := tx.QueryRowContext(ctx, `
SELECT direction FROM scan_records
WHERE session_id = ? AND subject_id = ?
ORDER BY seq DESC
LIMIT 1;
`, rec.SessionID, rec.SubjectID).Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("Insert last direction: %w", err)
		}
		if err := store.CheckSequence(types.Direction(last), err == nil, rec.Direction); err != nil {
			return err
		}

		// stamped inside the worker so committed_at follows seq order
		rec.CommittedAt = s.clock.Now().UTC().Truncate(time.Millisecond)

		res, err := tx.ExecContext(ctx, `
INSERT INTO scan_records(
  id, session_id, subject_id, source, direction, captured_at_ms, committed_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?);
`,
			rec.ID, rec.SessionID, rec.SubjectID, string(rec.Source), string(rec.Direction),
			rec.CapturedAt.UTC().UnixMilli(), rec.CommittedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("Insert scan_records: %w", err)
		}
		rec.Seq, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("Insert last id: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.ScanRecord{}, err
	}

	rec.CapturedAt = rec.CapturedAt.UTC().Truncate(time.Millisecond)
	return rec, nil
}

func (s *ScanStore) List(ctx context.Context, sessionID string) ([]types.ScanRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
WHERE session_id = ?
ORDER BY seq;
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("List query: %w", err)
	}
	defer rows.Close()

	var out []types.ScanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("List scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ScanStore) Delete(ctx context.Context, id string) (types.ScanRecord, error) {
	var rec types.ScanRecord
	err := s.writer.Do(context.WithoutCancel(ctx), func(ctx context.Context, tx *sql.Tx) error {
		var err error
		rec, err = scanRecord(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?;`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("Delete lookup: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM scan_records WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("Delete exec: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.ScanRecord{}, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner) (types.ScanRecord, error) {
	var (
		rec                     types.ScanRecord
		source, direction       string
		capturedMs, committedMs int64
	)
	if err := r.Scan(&rec.Seq, &rec.ID, &rec.SessionID, &rec.SubjectID,
		&source, &direction, &capturedMs, &committedMs); err != nil {
		return types.ScanRecord{}, err
	}
	rec.Source = types.Source(source)
	rec.Direction = types.Direction(direction)
	rec.CapturedAt = time.UnixMilli(capturedMs).UTC()
	rec.CommittedAt = time.UnixMilli(committedMs).UTC()
	return rec, nil
}
