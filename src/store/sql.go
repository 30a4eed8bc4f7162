// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"analysisqueue/src/model"
)

const taskColumns = `id, purl, ecosystem, package_name, package_version, status, priority, queue_position,
	created_at, queued_at, started_at, completed_at, last_heartbeat, job_handle, timeout_minutes,
	container_id, report_id, download_url, error_message, error_category, error_details,
	duration_seconds, api_key`

// SQLStore implements Store on database/sql for Postgres and SQLite.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// OpenPostgres connects with a lib/pq connection string.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &SQLStore{db: db, d: postgresDialect}, nil
}

// OpenSQLite opens a database file. SQLite serializes writers, so the pool
// holds a single connection and every transaction owns the whole database.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return &SQLStore{db: db, d: sqliteDialect}, nil
}

// DB exposes the pool for status queries.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Dialect() string { return s.d.name }

func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

// withTx runs fn in a transaction that holds the queue lock.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.d.lockQueue != "" {
		if _, err := tx.ExecContext(ctx, s.d.lockQueue); err != nil {
			return fmt.Errorf("lock queue: %w", err)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateQueued(ctx context.Context, t *model.Task) (*model.Task, error) {
	if err := t.Identity().Validate(); err != nil {
		return nil, err
	}
	created := t.Clone()
	now := time.Now().UTC()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	if created.QueuedAt == nil {
		queuedAt := created.CreatedAt
		created.QueuedAt = &queuedAt
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		details, err := encodeDetails(created.ErrorDetails)
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, s.d.bind(`INSERT INTO tasks (purl, ecosystem, package_name, package_version,
			status, priority, created_at, timeout_minutes, api_key, error_details)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			created.Purl, created.Ecosystem, created.PackageName, created.PackageVersion,
			string(model.TaskPending), created.Priority, created.CreatedAt.UnixMilli(),
			created.TimeoutMinutes, created.APIKey, details,
		).Scan(&created.ID)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		var queued int
		if err := tx.QueryRowContext(ctx, s.d.bind(`SELECT COUNT(*) FROM tasks WHERE status = ? AND id <> ?`),
			string(model.TaskQueued), created.ID).Scan(&queued); err != nil {
			return fmt.Errorf("count queued tasks: %w", err)
		}
		position := queued + 1
		created.Status = model.TaskQueued
		created.QueuePosition = &position

		if _, err := tx.ExecContext(ctx, s.d.bind(`UPDATE tasks SET status = ?, queue_position = ?, queued_at = ? WHERE id = ?`),
			string(model.TaskQueued), position, created.QueuedAt.UnixMilli(), created.ID); err != nil {
			return fmt.Errorf("queue task: %w", err)
		}
		if err := s.renumber(ctx, tx); err != nil {
			return err
		}
		if s.d.notify != "" {
			if _, err := tx.ExecContext(ctx, s.d.bind(s.d.notify), fmt.Sprint(created.ID)); err != nil {
				return fmt.Errorf("notify %s: %w", NotifyChannel, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Renumbering may have moved the new task ahead of lower-priority ones.
	return s.Get(ctx, created.ID)
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, s.d.bind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	return scanTask(row)
}

func (s *SQLStore) Transition(ctx context.Context, id int64, fn TransitionFunc) (*model.Task, error) {
	var result *model.Task
	var skipped error

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.d.bind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`+s.d.forUpdate), id)
		current, err := scanTask(row)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			result = current
			return ErrTerminal
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrSkip) {
				result = current
				skipped = err
				return nil
			}
			return err
		}
		if err := validate(current, next); err != nil {
			return err
		}
		if next.Status != model.TaskQueued {
			next.QueuePosition = nil
		}
		if err := s.update(ctx, tx, next); err != nil {
			return err
		}
		if current.Status == model.TaskQueued || next.Status == model.TaskQueued {
			if err := s.renumber(ctx, tx); err != nil {
				return err
			}
		}
		result = next
		return nil
	})
	if errors.Is(err, ErrTerminal) {
		return result, ErrTerminal
	}
	if err != nil {
		return nil, err
	}
	if skipped != nil {
		return result, skipped
	}
	if result.Status == model.TaskQueued {
		return s.Get(ctx, id)
	}
	return result, nil
}

func validate(current, next *model.Task) error {
	if next.ID != current.ID {
		return fmt.Errorf("%w: task id changed", ErrInvalidTransition)
	}
	if !model.CanTransition(current.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	}
	if next.Status == model.TaskCompleted && next.ReportID == nil {
		return fmt.Errorf("%w: completed task %d has no report", ErrInvalidTransition, next.ID)
	}
	if next.StartedAt != nil && next.CompletedAt != nil && next.CompletedAt.Before(*next.StartedAt) {
		return fmt.Errorf("%w: task %d completes before it starts", ErrInvalidTransition, next.ID)
	}
	return nil
}

func (s *SQLStore) update(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	details, err := encodeDetails(t.ErrorDetails)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.d.bind(`UPDATE tasks SET status = ?, priority = ?, queue_position = ?,
		queued_at = ?, started_at = ?, completed_at = ?, last_heartbeat = ?, job_handle = ?,
		timeout_minutes = ?, container_id = ?, report_id = ?, download_url = ?, error_message = ?,
		error_category = ?, error_details = ?, duration_seconds = ? WHERE id = ?`),
		string(t.Status), t.Priority, nullInt(t.QueuePosition),
		millis(t.QueuedAt), millis(t.StartedAt), millis(t.CompletedAt), millis(t.LastHeartbeat), t.JobHandle,
		t.TimeoutMinutes, t.ContainerID, nullInt64(t.ReportID), t.DownloadURL, t.ErrorMessage,
		string(t.ErrorCategory), details, nullFloat(t.Duration), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) Renumber(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.renumber(ctx, tx)
	})
}

func (s *SQLStore) renumber(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, s.d.bind(`SELECT id FROM tasks WHERE status = ?
		ORDER BY priority DESC, queued_at ASC, id ASC`), string(model.TaskQueued))
	if err != nil {
		return fmt.Errorf("select queued tasks: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, s.d.bind(`UPDATE tasks SET queue_position = ? WHERE id = ?`), i+1, id); err != nil {
			return fmt.Errorf("renumber task %d: %w", id, err)
		}
	}
	// Anything that left the queue loses its position.
	if _, err := tx.ExecContext(ctx, s.d.bind(`UPDATE tasks SET queue_position = NULL
		WHERE status <> ? AND queue_position IS NOT NULL`), string(model.TaskQueued)); err != nil {
		return fmt.Errorf("clear queue positions: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*model.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		clause, statusArgs := inStatuses(f.Statuses)
		where = append(where, "status IN "+clause)
		args = append(args, statusArgs...)
	}
	if f.APIKey != "" {
		where = append(where, "api_key = ?")
		args = append(args, f.APIKey)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.ByQueue {
		query += " ORDER BY priority DESC, queued_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *SQLStore) NextQueued(ctx context.Context) (*model.Task, error) {
	return s.first(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ?
		ORDER BY priority DESC, queued_at ASC, id ASC LIMIT 1`, string(model.TaskQueued))
}

func (s *SQLStore) Active(ctx context.Context) (*model.Task, error) {
	clause, args := inStatuses(model.SlotStatuses)
	return s.first(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN `+clause+`
		ORDER BY started_at ASC, id ASC LIMIT 1`, args...)
}

func (s *SQLStore) FindCompleted(ctx context.Context, id model.Identity, excludeID int64) (*model.Task, error) {
	match, args := identityClause(id)
	args = append([]any{string(model.TaskCompleted), excludeID}, args...)
	return s.first(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND report_id IS NOT NULL AND id <> ? AND `+match+`
		ORDER BY completed_at DESC, id DESC LIMIT 1`, args...)
}

func (s *SQLStore) FindActive(ctx context.Context, id model.Identity, since time.Time) (*model.Task, error) {
	statusClause, args := inStatuses(model.ActiveStatuses)
	match, idArgs := identityClause(id)
	args = append(args, since.UnixMilli())
	args = append(args, idArgs...)
	return s.first(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status IN `+statusClause+` AND created_at >= ? AND `+match+`
		ORDER BY created_at DESC, id DESC LIMIT 1`, args...)
}

func (s *SQLStore) FindRecent(ctx context.Context, id model.Identity, since time.Time) (*model.Task, error) {
	statusClause, args := inStatuses(model.ActiveStatuses)
	match, idArgs := identityClause(id)
	args = append(args, since.UnixMilli())
	args = append(args, idArgs...)
	return s.first(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status IN `+statusClause+` AND created_at >= ? AND `+match+`
		ORDER BY created_at DESC, id DESC LIMIT 1`, args...)
}

func (s *SQLStore) SaveReport(ctx context.Context, id model.Identity, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		return 0, errors.New("save report: empty payload")
	}
	var reportID int64
	err := s.db.QueryRowContext(ctx, s.d.bind(`INSERT INTO reports (purl, ecosystem, package_name, package_version, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		id.Purl, id.Ecosystem, id.Name, id.Version, string(payload), time.Now().UTC().UnixMilli(),
	).Scan(&reportID)
	if err != nil {
		return 0, fmt.Errorf("insert report: %w", err)
	}
	return reportID, nil
}

func (s *SQLStore) GetReport(ctx context.Context, reportID int64) (*model.Report, error) {
	var (
		r       model.Report
		payload string
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.d.bind(`SELECT id, purl, ecosystem, package_name, package_version, payload, created_at
		FROM reports WHERE id = ?`), reportID,
	).Scan(&r.ID, &r.Purl, &r.Ecosystem, &r.Name, &r.Version, &payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %d: %w", reportID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select report %d: %w", reportID, err)
	}
	r.Payload = json.RawMessage(payload)
	r.CreatedAt = time.UnixMilli(created).UTC()
	return &r, nil
}

func (s *SQLStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.bind(`DELETE FROM tasks WHERE status IN (?, ?) AND completed_at < ?`),
		string(model.TaskCompleted), string(model.TaskFailed), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old tasks: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return c, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		c.Total += n
		switch model.TaskStatus(status) {
		case model.TaskPending:
			c.Pending = n
		case model.TaskQueued:
			c.Queued = n
		case model.TaskRunning:
			c.Running = n
		case model.TaskSubmitted:
			c.Submitted = n
		case model.TaskCompleted:
			c.Completed = n
		case model.TaskFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, err
	}

	var avg sql.NullFloat64
	hourAgo := time.Now().Add(-time.Hour).UnixMilli()
	err = s.db.QueryRowContext(ctx, s.d.bind(`SELECT AVG(duration_seconds),
		COALESCE(SUM(CASE WHEN completed_at > ? THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE status = ? AND duration_seconds IS NOT NULL`),
		hourAgo, string(model.TaskCompleted)).Scan(&avg, &c.LastHour)
	if err != nil {
		return c, fmt.Errorf("task performance: %w", err)
	}
	c.AvgExec = avg.Float64
	return c, nil
}

func (s *SQLStore) first(ctx context.Context, query string, args ...any) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, s.d.bind(query), args...)
	t, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func (s *SQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.d.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	var (
		t                                     model.Task
		status, category, details             string
		position                              sql.NullInt64
		created                               int64
		queued, started, completed, heartbeat sql.NullInt64
		reportID                              sql.NullInt64
		duration                              sql.NullFloat64
	)
	err := row.Scan(&t.ID, &t.Purl, &t.Ecosystem, &t.PackageName, &t.PackageVersion, &status, &t.Priority, &position,
		&created, &queued, &started, &completed, &heartbeat, &t.JobHandle, &t.TimeoutMinutes,
		&t.ContainerID, &reportID, &t.DownloadURL, &t.ErrorMessage, &category, &details,
		&duration, &t.APIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Status = model.TaskStatus(status)
	t.ErrorCategory = model.ErrorCategory(category)
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.QueuedAt = fromMillis(queued)
	t.StartedAt = fromMillis(started)
	t.CompletedAt = fromMillis(completed)
	t.LastHeartbeat = fromMillis(heartbeat)
	if position.Valid {
		p := int(position.Int64)
		t.QueuePosition = &p
	}
	if reportID.Valid {
		id := reportID.Int64
		t.ReportID = &id
	}
	if duration.Valid {
		d := duration.Float64
		t.Duration = &d
	}
	if details != "" {
		if err := json.Unmarshal([]byte(details), &t.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error details of task %d: %w", t.ID, err)
		}
	}
	return &t, nil
}

// identityClause matches by purl, or by the legacy triple for purl-less tasks.
func identityClause(id model.Identity) (string, []any) {
	if id.Purl != "" {
		return "purl = ?", []any{id.Purl}
	}
	return "purl = '' AND ecosystem = ? AND package_name = ? AND package_version = ?",
		[]any{id.Ecosystem, id.Name, id.Version}
}

func inStatuses(statuses []model.TaskStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

func encodeDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode error details: %w", err)
	}
	return string(b), nil
}

func millis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
