package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

const modificationColumns = `modification_id, file_path, agent, lock_token, backup_id, operation_id,
	started_at, finished_at, success, error_message`

func (s *Store) StartModification(ctx context.Context, rec core.ModificationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO modifications (modification_id, file_path, agent, lock_token, backup_id, operation_id, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FilePath, rec.Agent, rec.LockToken, rec.BackupID, rec.OperationID, formatTime(rec.StartedAt),
	)
	if err != nil {
		return storageErr("start modification", err)
	}
	return nil
}

// FinishModification finalizes an open row. A row that is already finalized
// (or missing) yields core.ErrNotFound and is left untouched.
func (s *Store) FinishModification(ctx context.Context, id string, finishedAt time.Time, success bool, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE modifications SET finished_at = ?, success = ?, error_message = ?
		 WHERE modification_id = ? AND finished_at IS NULL`,
		formatTime(finishedAt), success, errMsg, id,
	)
	if err != nil {
		return storageErr("finish modification", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("finish modification rows", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) GetModification(ctx context.Context, id string) (core.ModificationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+modificationColumns+` FROM modifications WHERE modification_id = ?`, id)
	rec, err := scanModification(row)
	if err != nil {
		if notFound(err) {
			return core.ModificationRecord{}, core.ErrNotFound
		}
		return core.ModificationRecord{}, storageErr("get modification", err)
	}
	return rec, nil
}

// ModificationHistory returns the newest limit rows for filePath in
// chronological order. limit <= 0 returns everything.
func (s *Store) ModificationHistory(ctx context.Context, filePath string, limit int) ([]core.ModificationRecord, error) {
	query := `SELECT ` + modificationColumns + ` FROM (
		SELECT * FROM modifications WHERE file_path = ? ORDER BY seq DESC`
	args := []any{filePath}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	query += `) ORDER BY seq ASC`
	return s.queryModifications(ctx, "modification history", query, args...)
}

func (s *Store) RecentModifications(ctx context.Context, limit int) ([]core.ModificationRecord, error) {
	query := `SELECT ` + modificationColumns + ` FROM modifications ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryModifications(ctx, "recent modifications", query, args...)
}

func (s *Store) queryModifications(ctx context.Context, op, query string, args ...any) ([]core.ModificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []core.ModificationRecord
	for rows.Next() {
		rec, err := scanModification(rows)
		if err != nil {
			return nil, storageErr("scan modification", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func scanModification(row scanner) (core.ModificationRecord, error) {
	var (
		rec        core.ModificationRecord
		startedAt  string
		finishedAt sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.FilePath, &rec.Agent, &rec.LockToken, &rec.BackupID, &rec.OperationID,
		&startedAt, &finishedAt, &rec.Success, &rec.ErrorMessage)
	if err != nil {
		return core.ModificationRecord{}, err
	}
	rec.StartedAt = parseTime(startedAt)
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		rec.FinishedAt = &t
	}
	return rec, nil
}
