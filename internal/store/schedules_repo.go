package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wingetd/internal/core"
)

var ErrScheduleNotFound = errors.New("schedule not found")

const scheduleColumns = `id, name, cron, verb, target_id, task_id, flags, source, proxy, output_dir, keep_artifacts,
	status, last_run_at, next_run_at, created_at, updated_at`

func (s *Store) InsertSchedule(ctx context.Context, sched *core.Schedule) error {
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	flags, err := encodeFlags(sched.Spec.Flags)
	if err != nil {
		return err
	}
	spec := sched.Spec
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sched.ID, nullableString(sched.Name), sched.Cron, string(spec.Verb), spec.TargetID,
		blankToNull(spec.TaskID), flags, blankToNull(spec.Source), blankToNull(spec.Proxy), blankToNull(spec.OutputDir),
		spec.KeepArtifacts, sched.Status, nullableTime(sched.LastRunAt), nullableTime(sched.NextRunAt),
		sched.CreatedAt.Format(time.RFC3339Nano), sched.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *core.Schedule) error {
	sched.UpdatedAt = time.Now().UTC()
	flags, err := encodeFlags(sched.Spec.Flags)
	if err != nil {
		return err
	}
	spec := sched.Spec
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET name = ?, cron = ?, verb = ?, target_id = ?, task_id = ?, flags = ?, source = ?, proxy = ?,
			output_dir = ?, keep_artifacts = ?, status = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, nullableString(sched.Name), sched.Cron, string(spec.Verb), spec.TargetID, blankToNull(spec.TaskID), flags,
		blankToNull(spec.Source), blankToNull(spec.Proxy), blankToNull(spec.OutputDir), spec.KeepArtifacts,
		sched.Status, nullableTime(sched.LastRunAt), nullableTime(sched.NextRunAt),
		sched.UpdatedAt.Format(time.RFC3339Nano), sched.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return expectOneRow(res, "update schedule")
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return expectOneRow(res, "delete schedule")
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*core.Schedule, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return sched, nil
}

func (s *Store) ListSchedules(ctx context.Context, status *core.ScheduleStatus) ([]*core.Schedule, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE status = ? ORDER BY created_at DESC`, *status)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []*core.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateScheduleRunInfo(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, nullableTime(lastRunAt), nullableTime(nextRunAt), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update schedule run info: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleNextRun(ctx context.Context, id string, nextRunAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, nullableTime(nextRunAt), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update next_run_at: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(ctx context.Context, id string, status core.ScheduleStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET status = ?, updated_at = ?
		WHERE id = ?
	`, status, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return expectOneRow(res, "update schedule status")
}

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*core.Schedule, error) {
	var (
		id        string
		name      sql.NullString
		cronExpr  string
		verb      string
		targetID  string
		taskID    sql.NullString
		flags     string
		source    sql.NullString
		proxy     sql.NullString
		outputDir sql.NullString
		keep      bool
		status    string
		lastRun   sql.NullString
		nextRun   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&id, &name, &cronExpr, &verb, &targetID, &taskID, &flags, &source, &proxy,
		&outputDir, &keep, &status, &lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched := &core.Schedule{
		ID:     id,
		Cron:   cronExpr,
		Status: core.ScheduleStatus(status),
		Spec: core.CommandSpec{
			Verb:          core.Verb(verb),
			TargetID:      targetID,
			TaskID:        taskID.String,
			Source:        source.String,
			Proxy:         proxy.String,
			OutputDir:     outputDir.String,
			KeepArtifacts: keep,
		},
	}
	if err := json.Unmarshal([]byte(flags), &sched.Spec.Flags); err != nil {
		return nil, fmt.Errorf("decode flags of schedule %s: %w", id, err)
	}
	if name.Valid {
		sched.Name = &name.String
	}
	sched.LastRunAt = parseNullTime(lastRun)
	sched.NextRunAt = parseNullTime(nextRun)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sched.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		sched.UpdatedAt = t
	}
	return sched, nil
}

func expectOneRow(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if rows == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func encodeFlags(flags []string) (string, error) {
	if flags == nil {
		flags = []string{}
	}
	data, err := json.Marshal(flags)
	if err != nil {
		return "", fmt.Errorf("encode flags: %w", err)
	}
	return string(data), nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func blankToNull(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}
