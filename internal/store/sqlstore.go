package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"puzzlehost/api/internal/util"
)

// SQLStore persists users, puzzles and answers in postgres or sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

var lastSeq atomic.Int64

// nextSeq returns a strictly increasing arrival stamp used to keep insertion
// order among answers that share an answer index.
func nextSeq() int64 {
	for {
		now := time.Now().UnixNano()
		prev := lastSeq.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastSeq.CompareAndSwap(prev, now) {
			return now
		}
	}
}

func (s *SQLStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, display_name FROM users WHERE display_name = ?`), name).Scan(&user.ID, &user.DisplayName)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	user = User{ID: util.NewID(""), DisplayName: name}
	if _, err := s.db.ExecContext(ctx, s.q(`INSERT INTO users (id, display_name) VALUES (?, ?)`), user.ID, user.DisplayName); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, display_name FROM users WHERE id = ?`), userID).Scan(&user.ID, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *SQLStore) CreatePuzzle(ctx context.Context, name, ownerID string) (Puzzle, error) {
	puzzle := Puzzle{ID: util.NewID(""), Name: name, OwnerID: ownerID}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO puzzles (id, name, owner_id, deleted, created_seq)
		VALUES (?, ?, ?, ?, ?)
	`), puzzle.ID, puzzle.Name, puzzle.OwnerID, false, nextSeq())
	if err != nil {
		return Puzzle{}, fmt.Errorf("insert puzzle: %w", err)
	}
	return puzzle, nil
}

// GetPuzzle reports found=false for missing and soft-deleted puzzles alike.
func (s *SQLStore) GetPuzzle(ctx context.Context, puzzleID string) (Puzzle, bool, error) {
	var puzzle Puzzle
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, name, owner_id
		FROM puzzles
		WHERE id = ? AND deleted = ?
	`), puzzleID, false).Scan(&puzzle.ID, &puzzle.Name, &puzzle.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Puzzle{}, false, nil
	}
	if err != nil {
		return Puzzle{}, false, fmt.Errorf("get puzzle: %w", err)
	}
	return puzzle, true, nil
}

func (s *SQLStore) MarkPuzzleDeleted(ctx context.Context, puzzleID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE puzzles SET deleted = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted = ?
	`), true, puzzleID, false)
	if err != nil {
		return false, fmt.Errorf("mark puzzle deleted: %w", err)
	}
	return affected(result)
}

func (s *SQLStore) UpdatePuzzle(ctx context.Context, puzzleID, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE puzzles SET name = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted = ?
	`), name, puzzleID, false)
	if err != nil {
		return false, fmt.Errorf("update puzzle: %w", err)
	}
	return affected(result)
}

func (s *SQLStore) ListPuzzlesForUser(ctx context.Context, ownerID string) ([]Puzzle, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, name, owner_id
		FROM puzzles
		WHERE owner_id = ? AND deleted = ?
		ORDER BY created_seq
	`), ownerID, false)
	if err != nil {
		return nil, fmt.Errorf("list puzzles: %w", err)
	}
	defer rows.Close()

	items := make([]Puzzle, 0)
	for rows.Next() {
		var item Puzzle
		if err := rows.Scan(&item.ID, &item.Name, &item.OwnerID); err != nil {
			return nil, fmt.Errorf("scan puzzle: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate puzzles: %w", err)
	}
	return items, nil
}

func (s *SQLStore) CreateAnswer(ctx context.Context, puzzleID, value string, answerIndex int) (Answer, error) {
	answer := Answer{ID: util.NewID(""), PuzzleID: puzzleID, Value: value, AnswerIndex: answerIndex}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO puzzle_answers (id, puzzle_id, value, answer_index, created_seq)
		VALUES (?, ?, ?, ?, ?)
	`), answer.ID, answer.PuzzleID, answer.Value, answer.AnswerIndex, nextSeq())
	if err != nil {
		return Answer{}, fmt.Errorf("insert answer: %w", err)
	}
	return answer, nil
}

func (s *SQLStore) GetAnswer(ctx context.Context, answerID string) (Answer, bool, error) {
	var answer Answer
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT a.id, a.puzzle_id, a.value, a.answer_index
		FROM puzzle_answers a
		JOIN puzzles p ON p.id = a.puzzle_id
		WHERE a.id = ? AND p.deleted = ?
	`), answerID, false).Scan(&answer.ID, &answer.PuzzleID, &answer.Value, &answer.AnswerIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return Answer{}, false, nil
	}
	if err != nil {
		return Answer{}, false, fmt.Errorf("get answer: %w", err)
	}
	return answer, true, nil
}

// ListAnswersForPuzzle returns answers in expected-sequence order: by answer
// index, then by arrival.
func (s *SQLStore) ListAnswersForPuzzle(ctx context.Context, puzzleID string) ([]Answer, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT a.id, a.puzzle_id, a.value, a.answer_index
		FROM puzzle_answers a
		JOIN puzzles p ON p.id = a.puzzle_id
		WHERE a.puzzle_id = ? AND p.deleted = ?
		ORDER BY a.answer_index, a.created_seq
	`), puzzleID, false)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	items := make([]Answer, 0)
	for rows.Next() {
		var item Answer
		if err := rows.Scan(&item.ID, &item.PuzzleID, &item.Value, &item.AnswerIndex); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return items, nil
}

func (s *SQLStore) RemoveAnswer(ctx context.Context, answerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(`DELETE FROM puzzle_answers WHERE id = ?`), answerID)
	if err != nil {
		return false, fmt.Errorf("remove answer: %w", err)
	}
	return affected(result)
}

// UpdateAnswer leaves a field untouched when its pointer is nil.
func (s *SQLStore) UpdateAnswer(ctx context.Context, answerID string, value *string, answerIndex *int) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE puzzle_answers
		SET value = COALESCE(?, value),
			answer_index = COALESCE(?, answer_index),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`), value, answerIndex, answerID)
	if err != nil {
		return false, fmt.Errorf("update answer: %w", err)
	}
	return affected(result)
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
