package txstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Статусы задач обработки. Жизненный цикл: queued → processing → done|failed;
// failed-задача может быть перезапущена обратно в queued.
const (
	TaskQueued     = "queued"
	TaskProcessing = "processing"
	TaskDone       = "done"
	TaskFailed     = "failed"
)

// ErrTaskNotFound возвращается при обращении к несуществующей задаче.
var ErrTaskNotFound = errors.New("processing task not found")

// Task — запись о попытке обработать одно сообщение-чек.
// Пара (ChatID, MessageID) уникальна: на сообщение заводится ровно одна задача,
// повторная постановка переиспользует её.
type Task struct {
	ID            string
	ChatID        int64
	MessageID     int64
	Status        string
	TransactionID string
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const taskColumns = `task_id, chat_id, message_id, status, transaction_id, error, created_at, updated_at`

// EnqueueTask заводит задачу queued для адреса либо возвращает существующую.
// Завершённые (done) задачи не перезаводятся; failed и застрявшие processing
// возвращаются в queued — это путь ручного повтора и рестарта процесса.
func (s *Store) EnqueueTask(ctx context.Context, chatID, messageID int64) (*Task, error) {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO receipt_processing_tasks (task_id, chat_id, message_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), chatID, messageID, TaskQueued, now, now)
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	if isUniqueViolation(err) {
		if _, err = s.db.ExecContext(ctx,
			`UPDATE receipt_processing_tasks SET status = ?, error = '', updated_at = ?
			 WHERE chat_id = ? AND message_id = ? AND status != ?`,
			TaskQueued, now, chatID, messageID, TaskDone); err != nil {
			return nil, fmt.Errorf("requeue task: %w", err)
		}
	}
	return s.GetTaskByAddress(ctx, chatID, messageID)
}

// GetTaskByAddress возвращает задачу по адресу сообщения.
func (s *Store) GetTaskByAddress(ctx context.Context, chatID, messageID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM receipt_processing_tasks WHERE chat_id = ? AND message_id = ?`,
		chatID, messageID)
	return scanTask(row)
}

// GetTask возвращает задачу по идентификатору.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM receipt_processing_tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// MarkTaskProcessing переводит задачу в processing.
func (s *Store) MarkTaskProcessing(ctx context.Context, taskID string) error {
	return s.setTaskStatus(ctx, taskID, TaskProcessing, "", "")
}

// MarkTaskDone переводит задачу в done и привязывает транзакцию.
func (s *Store) MarkTaskDone(ctx context.Context, taskID, transactionID string) error {
	return s.setTaskStatus(ctx, taskID, TaskDone, transactionID, "")
}

// MarkTaskFailed переводит задачу в failed с текстом ошибки.
func (s *Store) MarkTaskFailed(ctx context.Context, taskID, errText string) error {
	return s.setTaskStatus(ctx, taskID, TaskFailed, "", errText)
}

func (s *Store) setTaskStatus(ctx context.Context, taskID, status, transactionID, errText string) error {
	var txID any
	if transactionID != "" {
		txID = transactionID
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE receipt_processing_tasks
		 SET status = ?, transaction_id = COALESCE(?, transaction_id), error = ?, updated_at = ?
		 WHERE task_id = ?`,
		status, txID, errText, nowUTC(), taskID)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListTasksByStatus возвращает задачи с данным статусом, старые первыми.
func (s *Store) ListTasksByStatus(ctx context.Context, status string, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM receipt_processing_tasks WHERE status = ? ORDER BY created_at`
	args := []any{status}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Task
	for rows.Next() {
		t, scanErr := scanTaskRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanTask(row *sql.Row) (*Task, error) {
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func scanTaskRow(r rowScanner) (*Task, error) {
	var (
		t         Task
		txID      sql.NullString
		createdAt string
		updatedAt string
	)
	err := r.Scan(&t.ID, &t.ChatID, &t.MessageID, &t.Status, &txID, &t.Error, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.TransactionID = txID.String
	t.CreatedAt = parseStoredTime(createdAt)
	t.UpdatedAt = parseStoredTime(updatedAt)
	return &t, nil
}
