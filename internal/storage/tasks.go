package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/starbridge-labs/starbridge/internal/chains"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// TaskType classifies what on-chain action a relay task performs.
type TaskType string

const (
	TaskCreateEscrow   TaskType = "create_escrow"
	TaskLockEscrow     TaskType = "lock_escrow"
	TaskRevealSecret   TaskType = "reveal_secret"
	TaskCompleteEscrow TaskType = "complete_escrow"
	TaskRefundEscrow   TaskType = "refund_escrow"
)

// TaskStatus is the queue state of a relay task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskPriority orders selection within a tick. Higher runs first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityMedium TaskPriority = 1
	PriorityHigh   TaskPriority = 2
)

// RelayTask is a deferred on-chain action with retry bookkeeping.
type RelayTask struct {
	ID     string     `json:"id"`
	SwapID string     `json:"swap_id"`
	Chain  chains.Tag `json:"chain"`
	Type   TaskType   `json:"task_type"`

	Priority    TaskPriority `json:"priority"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`

	Status  TaskStatus `json:"status"`
	Payload string     `json:"payload,omitempty"`
	Error   string     `json:"error,omitempty"`

	CreatedAt   int64 `json:"created_at"`   // unix ms
	ScheduledAt int64 `json:"scheduled_at"` // unix ms; eligible when <= now
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// EnqueueTask inserts a new pending task. A zero ScheduledAt means
// immediately eligible; a zero MaxAttempts gets the schema default.
func (s *Storage) EnqueueTask(task *RelayTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	if task.ScheduledAt == 0 {
		task.ScheduledAt = now
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = 3
	}
	task.Status = TaskPending

	_, err := s.db.Exec(`
		INSERT INTO relay_tasks (
			id, swap_id, chain, task_type, priority, attempts, max_attempts,
			status, payload, error_message, created_at, scheduled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, task.SwapID, string(task.Chain), string(task.Type),
		int(task.Priority), task.Attempts, task.MaxAttempts,
		string(task.Status), task.Payload, task.Error,
		task.CreatedAt, task.ScheduledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *Storage) GetTask(id string) (*RelayTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(taskSelect+" WHERE id = ?", id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// DuePending returns up to limit pending tasks whose scheduled time has
// passed, highest priority first, oldest first within a priority.
func (s *Storage) DuePending(nowMS int64, limit int) ([]*RelayTask, error) {
	return s.queryTasks(taskSelect+`
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, string(TaskPending), nowMS, limit)
}

// TasksForSwap returns all tasks belonging to a swap, oldest first.
func (s *Storage) TasksForSwap(swapID string) ([]*RelayTask, error) {
	return s.queryTasks(taskSelect+" WHERE swap_id = ? ORDER BY created_at ASC", swapID)
}

// MarkTaskProcessing claims a pending task, incrementing its attempt
// count. Returns ErrTaskNotFound if the task is no longer pending.
func (s *Storage) MarkTaskProcessing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE relay_tasks
		SET status = ?, attempts = attempts + 1
		WHERE id = ? AND status = ?
	`, string(TaskProcessing), id, string(TaskPending))
	if err != nil {
		return fmt.Errorf("failed to claim task: %w", err)
	}
	return checkAffected(res)
}

// MarkTaskCompleted finishes a task successfully.
func (s *Storage) MarkTaskCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE relay_tasks
		SET status = ?, error_message = '', completed_at = ?
		WHERE id = ?
	`, string(TaskDone), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return checkAffected(res)
}

// MarkTaskFailed finishes a task permanently with an error message.
func (s *Storage) MarkTaskFailed(id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE relay_tasks
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`, string(TaskFailed), errMsg, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	return checkAffected(res)
}

// RescheduleTask puts a task back in the pending queue for a later
// attempt, recording the error that caused the retry.
func (s *Storage) RescheduleTask(id string, nextMS int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE relay_tasks
		SET status = ?, scheduled_at = ?, error_message = ?
		WHERE id = ?
	`, string(TaskPending), nextMS, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return checkAffected(res)
}

// ReleaseTask returns a claimed task to the pending queue and refunds
// the attempt the claim charged, for waits that are not execution
// failures (open breaker, refund deadline not yet reached).
func (s *Storage) ReleaseTask(id string, nextMS int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE relay_tasks
		SET status = ?, scheduled_at = ?, error_message = ?,
		    attempts = MAX(attempts - 1, 0)
		WHERE id = ?
	`, string(TaskPending), nextMS, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	return checkAffected(res)
}

// CancelPendingForSwap fails every pending task of a swap, used when the
// swap reaches a terminal state. Returns the number cancelled.
func (s *Storage) CancelPendingForSwap(swapID, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE relay_tasks
		SET status = ?, error_message = ?, completed_at = ?
		WHERE swap_id = ? AND status = ?
	`, string(TaskFailed), reason, time.Now().UnixMilli(), swapID, string(TaskPending))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel tasks: %w", err)
	}
	return res.RowsAffected()
}

// TaskCountsByStatus returns how many tasks are in each status.
func (s *Storage) TaskCountsByStatus() (map[TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM relay_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

const taskSelect = `
	SELECT id, swap_id, chain, task_type, priority, attempts, max_attempts,
	       status, payload, error_message, created_at, scheduled_at, completed_at
	FROM relay_tasks`

func (s *Storage) queryTasks(query string, args ...interface{}) ([]*RelayTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*RelayTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*RelayTask, error) {
	var (
		task            RelayTask
		chain, taskType string
		priority        int
		status          string
		payload, errMsg sql.NullString
		completedAt     sql.NullInt64
	)

	err := row.Scan(
		&task.ID, &task.SwapID, &chain, &taskType, &priority,
		&task.Attempts, &task.MaxAttempts, &status, &payload, &errMsg,
		&task.CreatedAt, &task.ScheduledAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Chain = chains.Tag(chain)
	task.Type = TaskType(taskType)
	task.Priority = TaskPriority(priority)
	task.Status = TaskStatus(status)
	task.Payload = payload.String
	task.Error = errMsg.String
	task.CompletedAt = completedAt.Int64
	return &task, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}
