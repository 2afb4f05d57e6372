package sqlite

import (
	"context"

	"github.com/mistakeknot/interlock/internal/core"
)

const lockColumns = `file_path, agent, pid, start_time, lock_token, acquired_at, expires_at`

// InsertLock is the atomic decision point for acquisition: the row is either
// inserted whole or not at all, and a conflicting path leaves the existing
// row untouched.
func (s *Store) InsertLock(ctx context.Context, rec core.LockRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (file_path, holder_id, agent, pid, start_time, lock_token, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_path) DO NOTHING`,
		rec.FilePath, rec.Holder.ID(), rec.Holder.Agent, rec.Holder.PID, int64(rec.Holder.StartTime),
		rec.Token, formatTime(rec.AcquiredAt), formatTime(rec.ExpiresAt),
	)
	if err != nil {
		return false, storageErr("insert lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("insert lock rows", err)
	}
	return n == 1, nil
}

func (s *Store) GetLock(ctx context.Context, filePath string) (core.LockRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE file_path = ?`, filePath)
	rec, err := scanLock(row)
	if err != nil {
		if notFound(err) {
			return core.LockRecord{}, core.ErrNotFound
		}
		return core.LockRecord{}, storageErr("get lock", err)
	}
	return rec, nil
}

func (s *Store) DeleteLock(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE lock_token = ?`, token)
	if err != nil {
		return false, storageErr("delete lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("delete lock rows", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteLockIfHeld(ctx context.Context, filePath, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE file_path = ? AND lock_token = ?`, filePath, token)
	if err != nil {
		return false, storageErr("reclaim lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("reclaim lock rows", err)
	}
	return n > 0, nil
}

func (s *Store) ListLocks(ctx context.Context) ([]core.LockRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM locks ORDER BY acquired_at ASC`)
	if err != nil {
		return nil, storageErr("list locks", err)
	}
	defer rows.Close()

	var out []core.LockRecord
	for rows.Next() {
		rec, err := scanLock(rows)
		if err != nil {
			return nil, storageErr("scan lock", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list locks", err)
	}
	return out, nil
}

func scanLock(row scanner) (core.LockRecord, error) {
	var (
		rec                   core.LockRecord
		startTime             int64
		acquiredAt, expiresAt string
	)
	err := row.Scan(&rec.FilePath, &rec.Holder.Agent, &rec.Holder.PID, &startTime, &rec.Token, &acquiredAt, &expiresAt)
	if err != nil {
		return core.LockRecord{}, err
	}
	rec.Holder.StartTime = uint64(startTime)
	rec.AcquiredAt = parseTime(acquiredAt)
	rec.ExpiresAt = parseTime(expiresAt)
	return rec, nil
}
