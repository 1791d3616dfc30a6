package txstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrOperatorNotFound возвращается при обращении к несуществующей строке справочника.
var ErrOperatorNotFound = errors.New("operator reference not found")

// OperatorRef — строка справочника операторов: сырое имя оператора из чека и
// каноническое имя приложения. Неактивные строки (is_active=0) — это подсказки
// резолвера, ожидающие подтверждения администратором; при маппинге они не участвуют.
type OperatorRef struct {
	ID          int64
	Operator    string
	Application string
	IsP2P       bool
	IsActive    bool
}

const operatorColumns = `id, operator_name, application_name, is_p2p, is_active`

// ListOperators возвращает справочник; onlyActive ограничивает активными строками.
func (s *Store) ListOperators(ctx context.Context, onlyActive bool) ([]*OperatorRef, error) {
	query := `SELECT ` + operatorColumns + ` FROM operator_reference`
	if onlyActive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY operator_name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*OperatorRef
	for rows.Next() {
		var ref OperatorRef
		if err = rows.Scan(&ref.ID, &ref.Operator, &ref.Application, &ref.IsP2P, &ref.IsActive); err != nil {
			return nil, fmt.Errorf("scan operator: %w", err)
		}
		result = append(result, &ref)
	}
	return result, rows.Err()
}

// CreateOperator добавляет строку справочника. Имя оператора уникально.
func (s *Store) CreateOperator(ctx context.Context, ref *OperatorRef) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operator_reference (operator_name, application_name, is_p2p, is_active)
		 VALUES (?, ?, ?, ?)`,
		ref.Operator, ref.Application, ref.IsP2P, ref.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("operator %q already exists", ref.Operator)
		}
		return fmt.Errorf("create operator: %w", err)
	}
	ref.ID, _ = res.LastInsertId()
	return nil
}

// UpdateOperator обновляет строку справочника по ID.
func (s *Store) UpdateOperator(ctx context.Context, ref *OperatorRef) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operator_reference
		 SET operator_name = ?, application_name = ?, is_p2p = ?, is_active = ?
		 WHERE id = ?`,
		ref.Operator, ref.Application, ref.IsP2P, ref.IsActive, ref.ID)
	if err != nil {
		return fmt.Errorf("update operator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOperatorNotFound
	}
	return nil
}

// DeleteOperator удаляет строку справочника.
func (s *Store) DeleteOperator(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operator_reference WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete operator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOperatorNotFound
	}
	return nil
}

// SuggestOperator записывает неактивную строку-подсказку для нового имени
// оператора, предложенного резолвером. Существующие строки (в любом статусе)
// не трогаются.
func (s *Store) SuggestOperator(ctx context.Context, operator, application string, isP2P bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO operator_reference (operator_name, application_name, is_p2p, is_active)
		 VALUES (?, ?, ?, 0)`,
		operator, application, isP2P)
	if err != nil {
		return fmt.Errorf("suggest operator: %w", err)
	}
	return nil
}

// FindOperatorByName ищет строку по точному имени оператора.
func (s *Store) FindOperatorByName(ctx context.Context, operator string) (*OperatorRef, error) {
	var ref OperatorRef
	err := s.db.QueryRowContext(ctx,
		`SELECT `+operatorColumns+` FROM operator_reference WHERE operator_name = ?`, operator).
		Scan(&ref.ID, &ref.Operator, &ref.Application, &ref.IsP2P, &ref.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperatorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find operator: %w", err)
	}
	return &ref, nil
}
