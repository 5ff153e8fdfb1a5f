package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"puzzlehost/api/internal/auth"
	"puzzlehost/api/internal/config"
	"puzzlehost/api/internal/notify"
	"puzzlehost/api/internal/ownership"
	"puzzlehost/api/internal/store"
	"puzzlehost/api/internal/util"
	"puzzlehost/api/internal/verify"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type CreateAnswerInput struct {
	PuzzleID    string `json:"puzzle"`
	Value       string `json:"value"`
	AnswerIndex *int   `json:"answerIndex"`
}

type UpdateAnswerInput struct {
	Value       *string `json:"value"`
	AnswerIndex *int    `json:"answerIndex"`
}

type dataStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CreatePuzzle(ctx context.Context, name, ownerID string) (store.Puzzle, error)
	GetPuzzle(ctx context.Context, puzzleID string) (store.Puzzle, bool, error)
	MarkPuzzleDeleted(ctx context.Context, puzzleID string) (bool, error)
	UpdatePuzzle(ctx context.Context, puzzleID, name string) (bool, error)
	ListPuzzlesForUser(ctx context.Context, ownerID string) ([]store.Puzzle, error)
	CreateAnswer(ctx context.Context, puzzleID, value string, answerIndex int) (store.Answer, error)
	GetAnswer(ctx context.Context, answerID string) (store.Answer, bool, error)
	ListAnswersForPuzzle(ctx context.Context, puzzleID string) ([]store.Answer, error)
	RemoveAnswer(ctx context.Context, answerID string) (bool, error)
	UpdateAnswer(ctx context.Context, answerID string, value *string, answerIndex *int) (bool, error)
	Ping(ctx context.Context) error
}

type answerCache interface {
	GetAnswers(ctx context.Context, puzzleID string) ([]store.Answer, bool, error)
	Generation(ctx context.Context, puzzleID string) (int64, error)
	SetAnswers(ctx context.Context, puzzleID string, generation int64, answers []store.Answer) (bool, error)
	Invalidate(ctx context.Context, puzzleID string) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	gate      *ownership.Gate
	cache     answerCache
	publisher notify.Publisher
}

func New(cfg config.Config, dataStore *store.SQLStore, publisher notify.Publisher) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		gate:      ownership.NewGate(dataStore),
		publisher: publisher,
	}
}

// WithAnswerCache puts a read-through cache in front of answer lookups.
func (s *Service) WithAnswerCache(cache answerCache) *Service {
	s.cache = cache
	return s
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// authorize maps the ownership decision for the caller onto a domain error.
// A nil return means the caller owns the puzzle.
func (s *Service) authorize(ctx context.Context, puzzleID string, session Session) error {
	decision, err := s.gate.Check(ctx, puzzleID, session.UserID)
	if err != nil {
		return err
	}
	switch decision {
	case ownership.Allow:
		return nil
	case ownership.Deny:
		return domainError(http.StatusUnauthorized, "NOT_OWNER", "Puzzle belongs to another user", nil)
	default:
		return domainError(http.StatusNotFound, "NOT_FOUND", "Puzzle not found", nil)
	}
}

func (s *Service) CreatePuzzle(ctx context.Context, session Session, name string) (store.Puzzle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Puzzle{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
	}
	return s.store.CreatePuzzle(ctx, name, session.UserID)
}

func (s *Service) GetPuzzle(ctx context.Context, session Session, puzzleID string) (store.Puzzle, error) {
	if err := s.authorize(ctx, puzzleID, session); err != nil {
		return store.Puzzle{}, err
	}
	puzzle, found, err := s.store.GetPuzzle(ctx, puzzleID)
	if err != nil {
		return store.Puzzle{}, err
	}
	if !found {
		return store.Puzzle{}, domainError(http.StatusNotFound, "NOT_FOUND", "Puzzle not found", nil)
	}
	return puzzle, nil
}

func (s *Service) RenamePuzzle(ctx context.Context, session Session, puzzleID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
	}
	if err := s.authorize(ctx, puzzleID, session); err != nil {
		return err
	}
	updated, err := s.store.UpdatePuzzle(ctx, puzzleID, name)
	if err != nil {
		return err
	}
	if !updated {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Puzzle not found", nil)
	}
	return nil
}

func (s *Service) DeletePuzzle(ctx context.Context, session Session, puzzleID string) error {
	if err := s.authorize(ctx, puzzleID, session); err != nil {
		return err
	}
	deleted, err := s.store.MarkPuzzleDeleted(ctx, puzzleID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Puzzle not found", nil)
	}
	s.invalidateAnswers(ctx, puzzleID)
	return nil
}

func (s *Service) ListUserPuzzles(ctx context.Context, session Session) ([]store.Puzzle, error) {
	return s.store.ListPuzzlesForUser(ctx, session.UserID)
}

func (s *Service) CreateAnswer(ctx context.Context, session Session, input CreateAnswerInput) (store.Answer, error) {
	puzzleID, ok := util.ParseID(input.PuzzleID)
	if !ok {
		return store.Answer{}, domainError(http.StatusBadRequest, "INVALID_ID", "Invalid puzzle id", nil)
	}
	if input.Value == "" {
		return store.Answer{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "value is required", nil)
	}
	if input.AnswerIndex == nil {
		return store.Answer{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "answerIndex is required", nil)
	}
	if err := s.authorize(ctx, puzzleID, session); err != nil {
		return store.Answer{}, err
	}

	answer, err := s.store.CreateAnswer(ctx, puzzleID, input.Value, *input.AnswerIndex)
	if err != nil {
		return store.Answer{}, err
	}
	s.invalidateAnswers(ctx, puzzleID)
	return answer, nil
}

// findAnswer loads an answer and checks that the caller owns its puzzle.
func (s *Service) findAnswer(ctx context.Context, session Session, answerID string) (store.Answer, error) {
	answer, found, err := s.store.GetAnswer(ctx, answerID)
	if err != nil {
		return store.Answer{}, err
	}
	if !found {
		return store.Answer{}, domainError(http.StatusNotFound, "NOT_FOUND", "Answer not found", nil)
	}
	if err := s.authorize(ctx, answer.PuzzleID, session); err != nil {
		return store.Answer{}, err
	}
	return answer, nil
}

func (s *Service) GetAnswer(ctx context.Context, session Session, answerID string) (store.Answer, error) {
	return s.findAnswer(ctx, session, answerID)
}

func (s *Service) ListAnswers(ctx context.Context, session Session, puzzleID string) ([]store.Answer, error) {
	if err := s.authorize(ctx, puzzleID, session); err != nil {
		return nil, err
	}
	return s.answers(ctx, puzzleID)
}

func (s *Service) DeleteAnswer(ctx context.Context, session Session, answerID string) error {
	answer, err := s.findAnswer(ctx, session, answerID)
	if err != nil {
		return err
	}
	removed, err := s.store.RemoveAnswer(ctx, answerID)
	if err != nil {
		return err
	}
	if !removed {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Answer not found", nil)
	}
	s.invalidateAnswers(ctx, answer.PuzzleID)
	return nil
}

func (s *Service) UpdateAnswer(ctx context.Context, session Session, answerID string, input UpdateAnswerInput) error {
	if input.Value == nil && input.AnswerIndex == nil {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "value or answerIndex is required", nil)
	}
	if input.Value != nil && *input.Value == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "value must not be empty", nil)
	}
	answer, err := s.findAnswer(ctx, session, answerID)
	if err != nil {
		return err
	}
	updated, err := s.store.UpdateAnswer(ctx, answerID, input.Value, input.AnswerIndex)
	if err != nil {
		return err
	}
	if !updated {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Answer not found", nil)
	}
	s.invalidateAnswers(ctx, answer.PuzzleID)
	return nil
}

// CheckGuess verifies guesses against the puzzle's answers and publishes the
// result once for every outcome other than NotFound. Guessing needs no
// identity.
func (s *Service) CheckGuess(ctx context.Context, puzzleID string, guesses []string) (verify.Outcome, error) {
	puzzleID, ok := util.ParseID(puzzleID)
	if !ok {
		return verify.NotFound, domainError(http.StatusBadRequest, "INVALID_ID", "Invalid puzzle id", nil)
	}
	answers, err := s.answers(ctx, puzzleID)
	if err != nil {
		return verify.NotFound, err
	}

	outcome := verify.Check(answers, guesses)
	if outcome != verify.NotFound && s.publisher != nil {
		s.publisher.PublishVerified(puzzleID, outcome.Correct())
	}
	return outcome, nil
}

func (s *Service) answers(ctx context.Context, puzzleID string) ([]store.Answer, error) {
	if s.cache == nil {
		return s.store.ListAnswersForPuzzle(ctx, puzzleID)
	}

	cached, hit, err := s.cache.GetAnswers(ctx, puzzleID)
	if err != nil {
		log.Printf("cache: read answers of puzzle %s: %v", puzzleID, err)
	} else if hit {
		return cached, nil
	}

	// The generation is read before the store so a mutation that lands
	// during the read makes the fill below a no-op.
	generation, genErr := s.cache.Generation(ctx, puzzleID)
	answers, err := s.store.ListAnswersForPuzzle(ctx, puzzleID)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		log.Printf("cache: read generation of puzzle %s: %v", puzzleID, genErr)
		return answers, nil
	}
	if _, err := s.cache.SetAnswers(ctx, puzzleID, generation, answers); err != nil {
		log.Printf("cache: store answers of puzzle %s: %v", puzzleID, err)
	}
	return answers, nil
}

func (s *Service) invalidateAnswers(ctx context.Context, puzzleID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, puzzleID); err != nil {
		log.Printf("cache: invalidate answers of puzzle %s: %v", puzzleID, err)
	}
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache reports configured=false when no answer cache is in use.
func (s *Service) PingCache(ctx context.Context) (configured bool, err error) {
	if s.cache == nil {
		return false, nil
	}
	return true, s.cache.Ping(ctx)
}
