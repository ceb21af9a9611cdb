package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/httprunner/ProvisionAgent/pkg/record"
	pkgerrors "github.com/pkg/errors"
)

const provisionColumns = `id, address, ssh_user, ssh_port, display_name, callback_url, status,
	attempt, current_step, total_steps, steps, error_message, log, device_id, created_at, updated_at`

// CreateTask inserts a new provisioning task.
func (s *Store) CreateTask(ctx context.Context, task *record.ProvisionTask) error {
	steps, err := encodeSteps(task.Steps)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, provisionTable, provisionColumns)
	attempt := task.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	_, err = s.execWithRetry(ctx, stmt,
		task.ID, task.Address, task.SSHUser, task.SSHPort, task.DisplayName, task.CallbackURL,
		string(task.Status), attempt, task.CurrentStep, task.TotalSteps, steps, task.ErrorMessage, task.Log,
		task.DeviceID, toMillis(task.CreatedAt), toMillis(task.UpdatedAt))
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: insert task %s failed", task.ID)
	}
	return nil
}

// GetTask loads a task by id, returning record.ErrNotFound when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*record.ProvisionTask, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, provisionColumns, provisionTable), id)
	task, err := scanTask(row)
	if err != nil {
		if pkgerrors.Is(err, sql.ErrNoRows) {
			return nil, pkgerrors.Wrapf(record.ErrNotFound, "task %s", id)
		}
		return nil, pkgerrors.Wrapf(err, "storage: load task %s failed", id)
	}
	return task, nil
}

// ListTasks returns the most recent tasks first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]*record.ProvisionTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC, id LIMIT ?`, provisionColumns, provisionTable), limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: list tasks failed")
	}
	defer rows.Close()
	var out []*record.ProvisionTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan task failed")
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate tasks failed")
	}
	return out, nil
}

// TaskState reads only the status and attempt columns; used for cooperative
// cancellation checks between steps.
func (s *Store) TaskState(ctx context.Context, id string) (record.Status, int, error) {
	var (
		status  string
		attempt int
	)
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT status, attempt FROM %s WHERE id = ?`, provisionTable), id).Scan(&status, &attempt)
	if err != nil {
		if pkgerrors.Is(err, sql.ErrNoRows) {
			return "", 0, pkgerrors.Wrapf(record.ErrNotFound, "task %s", id)
		}
		return "", 0, pkgerrors.Wrapf(err, "storage: load status of %s failed", id)
	}
	return record.Status(status), attempt, nil
}

// The attempt argument of the mutators below fences writes to one run:
// a non-zero attempt that no longer matches the record yields
// record.ErrSuperseded. Zero matches whatever attempt is current.

// StartTask moves a pending task to running.
func (s *Store) StartTask(ctx context.Context, id string, attempt int) error {
	return s.mutateTask(ctx, id, attempt, func(task *record.ProvisionTask) error {
		return task.Transition(record.StatusRunning)
	})
}

// FailTask marks a pending or running task failed with a bounded message and
// rewrites a dangling running step.
func (s *Store) FailTask(ctx context.Context, id string, attempt int, message string) error {
	return s.mutateTask(ctx, id, attempt, func(task *record.ProvisionTask) error {
		if err := task.Fail(message); err != nil {
			return err
		}
		task.FailRunning(message)
		return nil
	})
}

// CompleteTask marks a running task successful and links the device.
func (s *Store) CompleteTask(ctx context.Context, id string, attempt int, deviceID string) error {
	return s.mutateTask(ctx, id, attempt, func(task *record.ProvisionTask) error {
		if err := task.Transition(record.StatusSuccess); err != nil {
			return err
		}
		task.DeviceID = deviceID
		return nil
	})
}

// ResetTask clears a failed task back to pending for a retry and starts a
// new attempt.
func (s *Store) ResetTask(ctx context.Context, id string) (*record.ProvisionTask, error) {
	var out *record.ProvisionTask
	err := s.mutateTask(ctx, id, 0, func(task *record.ProvisionTask) error {
		if err := task.Reset(); err != nil {
			return err
		}
		out = task.Clone()
		return nil
	})
	return out, err
}

// SaveSteps replaces the step ledger and current step pointer of attempt.
func (s *Store) SaveSteps(ctx context.Context, id string, attempt int, steps []record.Step, currentStep int) error {
	encoded, err := encodeSteps(steps)
	if err != nil {
		return err
	}
	res, err := s.execWithRetry(ctx,
		fmt.Sprintf(`UPDATE %s SET steps = ?, current_step = ?, updated_at = ? WHERE id = ? AND (? = 0 OR attempt = ?)`, provisionTable),
		encoded, currentStep, toMillis(s.now()), id, attempt, attempt)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: save steps of %s failed", id)
	}
	return s.expectTaskRow(ctx, res, id)
}

// AppendLog appends one line to the log of attempt in place.
func (s *Store) AppendLog(ctx context.Context, id string, attempt int, line string) error {
	res, err := s.execWithRetry(ctx,
		fmt.Sprintf(`UPDATE %s SET log = log || ? || char(10), updated_at = ? WHERE id = ? AND (? = 0 OR attempt = ?)`, provisionTable),
		line, toMillis(s.now()), id, attempt, attempt)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: append log of %s failed", id)
	}
	return s.expectTaskRow(ctx, res, id)
}

// expectTaskRow tells a missing task apart from a superseded attempt when an
// update matched nothing.
func (s *Store) expectTaskRow(ctx context.Context, res sql.Result, id string) error {
	err := expectOneRow(res, id)
	if !pkgerrors.Is(err, record.ErrNotFound) {
		return err
	}
	var one int
	lookup := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, provisionTable), id).Scan(&one)
	if lookup == nil {
		return pkgerrors.Wrapf(record.ErrSuperseded, "task %s", id)
	}
	return err
}

func (s *Store) mutateTask(ctx context.Context, id string, attempt int, fn func(task *record.ProvisionTask) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, provisionColumns, provisionTable), id)
		task, err := scanTask(row)
		if err != nil {
			if pkgerrors.Is(err, sql.ErrNoRows) {
				return pkgerrors.Wrapf(record.ErrNotFound, "task %s", id)
			}
			return pkgerrors.Wrapf(err, "storage: load task %s failed", id)
		}
		if attempt != 0 && task.Attempt != attempt {
			return pkgerrors.Wrapf(record.ErrSuperseded, "task %s attempt %d, now %d", id, attempt, task.Attempt)
		}
		if err := fn(task); err != nil {
			return err
		}
		task.UpdatedAt = s.now()
		steps, err := encodeSteps(task.Steps)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = ?, attempt = ?, current_step = ?, steps = ?,
			error_message = ?, log = ?, device_id = ?, updated_at = ? WHERE id = ?`, provisionTable),
			string(task.Status), task.Attempt, task.CurrentStep, steps, task.ErrorMessage, task.Log, task.DeviceID,
			toMillis(task.UpdatedAt), id)
		if err != nil {
			return pkgerrors.Wrapf(err, "storage: update task %s failed", id)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*record.ProvisionTask, error) {
	var (
		task      record.ProvisionTask
		status    string
		steps     string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&task.ID, &task.Address, &task.SSHUser, &task.SSHPort, &task.DisplayName,
		&task.CallbackURL, &status, &task.Attempt, &task.CurrentStep, &task.TotalSteps, &steps, &task.ErrorMessage,
		&task.Log, &task.DeviceID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	task.Status = record.Status(status)
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updatedAt)
	if steps != "" {
		if err := json.Unmarshal([]byte(steps), &task.Steps); err != nil {
			return nil, pkgerrors.Wrapf(err, "storage: decode steps of %s failed", task.ID)
		}
	}
	return &task, nil
}

func encodeSteps(steps []record.Step) (string, error) {
	if steps == nil {
		steps = []record.Step{}
	}
	data, err := json.Marshal(steps)
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: encode steps failed")
	}
	return string(data), nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "storage: rows affected failed")
	}
	if n == 0 {
		return pkgerrors.Wrapf(record.ErrNotFound, "task %s", id)
	}
	return nil
}
