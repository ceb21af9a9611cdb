package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/httprunner/ProvisionAgent/pkg/record"
	pkgerrors "github.com/pkg/errors"
)

const bulkColumns = `id, requested_by, scan_method, targets, ssh_user, encrypted_password, results,
	status, created_at, updated_at`

// CreateBulk inserts a bulk job.
func (s *Store) CreateBulk(ctx context.Context, bulk *record.BulkTask) error {
	targets, err := json.Marshal(nonNilTargets(bulk.Targets))
	if err != nil {
		return pkgerrors.Wrap(err, "storage: encode bulk targets failed")
	}
	results, err := encodeResults(bulk.Results)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, bulkTable, bulkColumns)
	_, err = s.execWithRetry(ctx, stmt, bulk.ID, bulk.RequestedBy, bulk.ScanMethod, string(targets),
		bulk.SSHUser, bulk.EncryptedPassword, results, string(bulk.Status),
		toMillis(bulk.CreatedAt), toMillis(bulk.UpdatedAt))
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: insert bulk %s failed", bulk.ID)
	}
	return nil
}

// GetBulk loads a bulk job by id.
func (s *Store) GetBulk(ctx context.Context, id string) (*record.BulkTask, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, bulkColumns, bulkTable), id)
	bulk, err := scanBulk(row)
	if err != nil {
		if pkgerrors.Is(err, sql.ErrNoRows) {
			return nil, pkgerrors.Wrapf(record.ErrNotFound, "bulk %s", id)
		}
		return nil, pkgerrors.Wrapf(err, "storage: load bulk %s failed", id)
	}
	return bulk, nil
}

// SetBulkStatus updates the overall status.
func (s *Store) SetBulkStatus(ctx context.Context, id string, status record.BulkStatus) error {
	res, err := s.execWithRetry(ctx, fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE id = ?`, bulkTable),
		string(status), toMillis(s.now()), id)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: update bulk %s status failed", id)
	}
	return expectOneRow(res, id)
}

// SetTargetResult replaces the result of one target. Unknown targets are
// rejected so the result keys always equal the target list.
func (s *Store) SetTargetResult(ctx context.Context, id, target string, result record.TargetResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT results FROM %s WHERE id = ?`, bulkTable), id).Scan(&raw)
		if err != nil {
			if pkgerrors.Is(err, sql.ErrNoRows) {
				return pkgerrors.Wrapf(record.ErrNotFound, "bulk %s", id)
			}
			return pkgerrors.Wrapf(err, "storage: load bulk %s results failed", id)
		}
		results := map[string]record.TargetResult{}
		if err := json.Unmarshal([]byte(raw), &results); err != nil {
			return pkgerrors.Wrapf(err, "storage: decode bulk %s results failed", id)
		}
		if _, ok := results[target]; !ok {
			return pkgerrors.Errorf("storage: target %s is not part of bulk %s", target, id)
		}
		results[target] = result
		encoded, err := encodeResults(results)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET results = ?, updated_at = ? WHERE id = ?`, bulkTable),
			encoded, toMillis(s.now()), id)
		if err != nil {
			return pkgerrors.Wrapf(err, "storage: update bulk %s results failed", id)
		}
		return nil
	})
}

func scanBulk(row rowScanner) (*record.BulkTask, error) {
	var (
		bulk      record.BulkTask
		targets   string
		results   string
		status    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&bulk.ID, &bulk.RequestedBy, &bulk.ScanMethod, &targets, &bulk.SSHUser,
		&bulk.EncryptedPassword, &results, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &bulk.Targets); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: decode bulk targets failed")
	}
	bulk.Results = map[string]record.TargetResult{}
	if err := json.Unmarshal([]byte(results), &bulk.Results); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: decode bulk results failed")
	}
	bulk.Status = record.BulkStatus(status)
	bulk.CreatedAt = fromMillis(createdAt)
	bulk.UpdatedAt = fromMillis(updatedAt)
	return &bulk, nil
}

func encodeResults(results map[string]record.TargetResult) (string, error) {
	if results == nil {
		results = map[string]record.TargetResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: encode bulk results failed")
	}
	return string(data), nil
}

func nonNilTargets(targets []string) []string {
	if targets == nil {
		return []string{}
	}
	return targets
}
