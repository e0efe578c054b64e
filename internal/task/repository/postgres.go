package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/todoflow/todoflow/internal/common/database"
	"github.com/todoflow/todoflow/internal/task/models"
)

// taskColumns is the select list shared by every task read.
const taskColumns = `task_id, user_id, title, description, priority, tags,
	is_completed, is_recurring, recurrence_pattern, due_date, remind_at,
	parent_task_id, next_occurrence_id, created_at, updated_at, deleted_at`

// PostgresRepository provides task storage backed by PostgreSQL.
type PostgresRepository struct {
	db *database.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a task repository on the given pool.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Close is a no-op; the pool is owned by the caller.
func (r *PostgresRepository) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var pattern *string
	err := row.Scan(
		&t.TaskID, &t.UserID, &t.Title, &t.Description, &t.Priority, &t.Tags,
		&t.IsCompleted, &t.IsRecurring, &pattern, &t.DueDate, &t.RemindAt,
		&t.ParentTaskID, &t.NextOccurrenceID, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if pattern != nil {
		p := models.RecurrencePattern(*pattern)
		t.RecurrencePattern = &p
	}
	return &t, nil
}

func patternString(p *models.RecurrencePattern) *string {
	if p == nil {
		return nil
	}
	s := string(*p)
	return &s
}

// CreateTask inserts a new task row.
func (r *PostgresRepository) CreateTask(ctx context.Context, task *models.Task) error {
	now := time.Now().UTC()
	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO tasks (task_id, user_id, title, description, priority, tags,
			is_completed, is_recurring, recurrence_pattern, due_date, remind_at,
			parent_task_id, next_occurrence_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		task.TaskID, task.UserID, task.Title, task.Description, task.Priority, task.Tags,
		task.IsCompleted, task.IsRecurring, patternString(task.RecurrencePattern),
		task.DueDate, task.RemindAt, task.ParentTaskID, task.NextOccurrenceID,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask fetches a task owned by the user. Soft-deleted rows and rows owned
// by other users both come back as ErrTaskNotFound.
func (r *PostgresRepository) GetTask(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE task_id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		taskID, userID,
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// UpdateTask writes the mutable attributes of the task row.
func (r *PostgresRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE tasks
		SET title = $3, description = $4, priority = $5, tags = $6,
			is_recurring = $7, recurrence_pattern = $8, due_date = $9,
			remind_at = $10, updated_at = $11
		WHERE task_id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		task.TaskID, task.UserID, task.Title, task.Description, task.Priority,
		task.Tags, task.IsRecurring, patternString(task.RecurrencePattern),
		task.DueDate, task.RemindAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SetCompleted flips the completion flag under a row lock so that concurrent
// toggles serialize, returning the prior and updated rows.
func (r *PostgresRepository) SetCompleted(ctx context.Context, userID, taskID uuid.UUID, completed bool) (*models.Task, *models.Task, error) {
	var prior, updated *models.Task
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE task_id = $1 AND user_id = $2 AND deleted_at IS NULL
			FOR UPDATE`,
			taskID, userID,
		)
		t, err := scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock task: %w", err)
		}
		prior = t

		updated = t.Clone()
		updated.IsCompleted = completed
		updated.UpdatedAt = time.Now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET is_completed = $3, updated_at = $4
			WHERE task_id = $1 AND user_id = $2`,
			taskID, userID, completed, updated.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to set completion: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return prior, updated, nil
}

// DeleteTask tombstones the task and returns the row as it was before.
func (r *PostgresRepository) DeleteTask(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE tasks SET deleted_at = NOW(), updated_at = NOW()
		WHERE task_id = $1 AND user_id = $2 AND deleted_at IS NULL
		RETURNING `+taskColumns,
		taskID, userID,
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete task: %w", err)
	}
	return task, nil
}

// ListTasks returns the user's live tasks, newest first.
func (r *PostgresRepository) ListTasks(ctx context.Context, userID uuid.UUID) ([]*models.Task, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CreateSuccessor claims the parent's successor slot and inserts the
// successor in one transaction. The claim is the idempotency barrier for
// redelivered completion events: only the delivery that flips
// next_occurrence_id from NULL wins, every other delivery sees zero affected
// rows and backs off.
func (r *PostgresRepository) CreateSuccessor(ctx context.Context, parentID uuid.UUID, successor *models.Task) (bool, error) {
	claimed := false
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET next_occurrence_id = $2, updated_at = NOW()
			WHERE task_id = $1 AND next_occurrence_id IS NULL`,
			parentID, successor.TaskID,
		)
		if err != nil {
			return fmt.Errorf("failed to claim successor slot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		now := time.Now().UTC()
		successor.CreatedAt = now
		successor.UpdatedAt = now
		_, err = tx.Exec(ctx, `
			INSERT INTO tasks (task_id, user_id, title, description, priority, tags,
				is_completed, is_recurring, recurrence_pattern, due_date, remind_at,
				parent_task_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			successor.TaskID, successor.UserID, successor.Title, successor.Description,
			successor.Priority, successor.Tags, successor.IsCompleted, successor.IsRecurring,
			patternString(successor.RecurrencePattern), successor.DueDate, successor.RemindAt,
			successor.ParentTaskID, successor.CreatedAt, successor.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert successor: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// UpsertReminder inserts or replaces the task's reminder row.
func (r *PostgresRepository) UpsertReminder(ctx context.Context, reminder *models.Reminder) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO reminders (task_id, user_id, fire_at, channels, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (task_id) DO UPDATE
		SET fire_at = EXCLUDED.fire_at, channels = EXCLUDED.channels,
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		reminder.TaskID, reminder.UserID, reminder.FireAt, reminder.Channels,
		reminder.Status, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert reminder: %w", err)
	}
	return nil
}

// GetReminder fetches the task's reminder row.
func (r *PostgresRepository) GetReminder(ctx context.Context, taskID uuid.UUID) (*models.Reminder, error) {
	var rem models.Reminder
	err := r.db.QueryRow(ctx, `
		SELECT task_id, user_id, fire_at, channels, status, created_at, updated_at
		FROM reminders WHERE task_id = $1`,
		taskID,
	).Scan(&rem.TaskID, &rem.UserID, &rem.FireAt, &rem.Channels, &rem.Status,
		&rem.CreatedAt, &rem.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReminderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder: %w", err)
	}
	return &rem, nil
}

// SetReminderStatus moves the reminder to a new lifecycle state.
func (r *PostgresRepository) SetReminderStatus(ctx context.Context, taskID uuid.UUID, status models.ReminderStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE reminders SET status = $2, updated_at = NOW() WHERE task_id = $1`,
		taskID, status,
	)
	if err != nil {
		return fmt.Errorf("failed to set reminder status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReminderNotFound
	}
	return nil
}

// ListPendingReminders returns every reminder still in the scheduled state,
// used to rebuild timers after a restart.
func (r *PostgresRepository) ListPendingReminders(ctx context.Context) ([]*models.Reminder, error) {
	rows, err := r.db.Query(ctx, `
		SELECT task_id, user_id, fire_at, channels, status, created_at, updated_at
		FROM reminders WHERE status = $1
		ORDER BY fire_at`,
		models.ReminderScheduled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*models.Reminder
	for rows.Next() {
		var rem models.Reminder
		if err := rows.Scan(&rem.TaskID, &rem.UserID, &rem.FireAt, &rem.Channels,
			&rem.Status, &rem.CreatedAt, &rem.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		reminders = append(reminders, &rem)
	}
	return reminders, rows.Err()
}
