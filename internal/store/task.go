package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/screentime/internal/model"
)

type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskCols = `id, title, description, reward_seconds, recurrence_rule, assigned_to, created_by, due_at, completed_at, approved, approved_by, approved_at, created_at, updated_at`

func scanTask(scanner interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var dueAt, completedAt, approvedAt sql.NullTime
	var approvedBy sql.NullInt64

	err := scanner.Scan(
		&t.ID, &t.Title, &t.Description, &t.RewardSeconds, &t.RecurrenceRule,
		&t.AssignedTo, &t.CreatedBy, &dueAt, &completedAt, &t.Approved,
		&approvedBy, &approvedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if dueAt.Valid {
		t.DueAt = &dueAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if approvedBy.Valid {
		t.ApprovedBy = &approvedBy.Int64
	}
	if approvedAt.Valid {
		t.ApprovedAt = &approvedAt.Time
	}
	return &t, nil
}

func (s *TaskStore) Create(title, description string, rewardSeconds int, recurrenceRule string, assignedTo, createdBy int64, dueAt *time.Time) (*model.Task, error) {
	var due sql.NullTime
	if dueAt != nil {
		due = sql.NullTime{Time: dueAt.UTC(), Valid: true}
	}

	result, err := s.db.Exec(
		`INSERT INTO tasks (title, description, reward_seconds, recurrence_rule, assigned_to, created_by, due_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		title, description, rewardSeconds, recurrenceRule, assignedTo, createdBy, due,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *TaskStore) GetByID(id int64) (*model.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *TaskStore) List() ([]model.Task, error) {
	rows, err := s.db.Query(`SELECT ` + taskCols + ` FROM tasks ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *TaskStore) ListByAssignee(memberID int64) ([]model.Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskCols+` FROM tasks WHERE assigned_to = ? ORDER BY created_at DESC, id DESC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks by assignee: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListAwaitingApproval returns tasks with a completion request pending review.
func (s *TaskStore) ListAwaitingApproval() ([]model.Task, error) {
	rows, err := s.db.Query(
		`SELECT ` + taskCols + ` FROM tasks WHERE completed_at IS NOT NULL AND approved = 0 ORDER BY completed_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks awaiting approval: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]model.Task, error) {
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *TaskStore) Update(id int64, title, description string, rewardSeconds int, recurrenceRule string, assignedTo int64, dueAt *time.Time) (*model.Task, error) {
	var due sql.NullTime
	if dueAt != nil {
		due = sql.NullTime{Time: dueAt.UTC(), Valid: true}
	}

	_, err := s.db.Exec(
		`UPDATE tasks SET title = ?, description = ?, reward_seconds = ?, recurrence_rule = ?, assigned_to = ?, due_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		title, description, rewardSeconds, recurrenceRule, assignedTo, due, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return s.GetByID(id)
}

func (s *TaskStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// SetCompletionRequested records the child's completion request timestamp.
func (s *TaskStore) SetCompletionRequested(id int64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET completed_at = ?, approved = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set completion requested: %w", err)
	}
	return nil
}

// ClearCompletion reverts a denied task to pending.
func (s *TaskStore) ClearCompletion(id int64) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET completed_at = NULL, approved = 0, approved_by = NULL, approved_at = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("clear completion: %w", err)
	}
	return nil
}

// SetApproved marks the task approved. It takes a DBTX so the caller can
// commit the task update and the ledger credit in one transaction.
func (s *TaskStore) SetApproved(q DBTX, id, approverID int64, at time.Time) error {
	_, err := q.Exec(
		`UPDATE tasks SET approved = 1, approved_by = ?, approved_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		approverID, at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set approved: %w", err)
	}
	return nil
}
