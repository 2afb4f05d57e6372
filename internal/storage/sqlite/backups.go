package sqlite

import (
	"context"

	"github.com/mistakeknot/interlock/internal/core"
)

const backupColumns = `backup_id, file_path, agent, operation_id, storage_path, size, checksum, created_at`

func (s *Store) InsertBackup(ctx context.Context, rec core.BackupRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (backup_id, file_path, agent, operation_id, storage_path, size, checksum, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FilePath, rec.Agent, rec.OperationID, rec.StoragePath, rec.Size, rec.Checksum, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return storageErr("insert backup", err)
	}
	return nil
}

func (s *Store) GetBackup(ctx context.Context, id string) (core.BackupRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE backup_id = ?`, id)
	rec, err := scanBackup(row)
	if err != nil {
		if notFound(err) {
			return core.BackupRecord{}, core.ErrNotFound
		}
		return core.BackupRecord{}, storageErr("get backup", err)
	}
	return rec, nil
}

func (s *Store) ListBackups(ctx context.Context, f core.BackupFilter) ([]core.BackupRecord, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE 1=1`
	var args []any
	if f.FilePath != "" {
		query += " AND file_path = ?"
		args = append(args, f.FilePath)
	}
	if f.OperationID != "" {
		query += " AND operation_id = ?"
		args = append(args, f.OperationID)
	}
	if !f.CreatedBefore.IsZero() {
		query += " AND created_at < ?"
		args = append(args, formatTime(f.CreatedBefore))
	}
	if f.Newest {
		query += " ORDER BY created_at DESC, seq DESC"
	} else {
		query += " ORDER BY created_at ASC, seq ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list backups", err)
	}
	defer rows.Close()

	var out []core.BackupRecord
	for rows.Next() {
		rec, err := scanBackup(rows)
		if err != nil {
			return nil, storageErr("scan backup", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list backups", err)
	}
	return out, nil
}

func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE backup_id = ?`, id)
	if err != nil {
		return storageErr("delete backup", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func scanBackup(row scanner) (core.BackupRecord, error) {
	var (
		rec       core.BackupRecord
		createdAt string
	)
	err := row.Scan(&rec.ID, &rec.FilePath, &rec.Agent, &rec.OperationID, &rec.StoragePath, &rec.Size, &rec.Checksum, &createdAt)
	if err != nil {
		return core.BackupRecord{}, err
	}
	rec.CreatedAt = parseTime(createdAt)
	return rec, nil
}
