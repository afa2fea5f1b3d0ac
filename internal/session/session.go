// Package session implements the per-user quiz state machine on top of the
// durable store. Every transition is a compare-and-set on the session version,
// so duplicated or concurrent turns converge on the same stored state.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fils-quiz-bot/internal/db"
	"fils-quiz-bot/internal/models"
	"fils-quiz-bot/internal/quiz"
	"fils-quiz-bot/pkg/logger"

	"github.com/google/uuid"
)

var (
	ErrNoSession = errors.New("no session")
	// ErrSessionClosed is returned for answers against an abandoned session.
	ErrSessionClosed = errors.New("session is not in progress")
	// ErrUnexpectedQuestion is returned for an answer to a question that has
	// not been asked yet.
	ErrUnexpectedQuestion = errors.New("answer for a question not yet asked")
)

// maxCASAttempts bounds re-reads after a lost compare-and-set. A lost race
// means another turn advanced the session, so the second read nearly always
// resolves to a no-op.
const maxCASAttempts = 3

const tagLen = 8

// Tag is the short session id carried in answer buttons.
func Tag(id string) string {
	if len(id) > tagLen {
		return id[:tagLen]
	}
	return id
}

type Service struct {
	store        db.Store
	logger       *logger.Logger
	allowRestart bool
	now          func() time.Time
	newID        func() string
}

type Option func(*Service)

// WithRestart controls whether Start opens a new session for a user whose
// latest session is completed.
func WithRestart(allow bool) Option {
	return func(s *Service) { s.allowRestart = allow }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store db.Store, logger *logger.Logger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		logger:       logger,
		allowRestart: true,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type StartResult struct {
	Session models.Session
	// Created is false when an existing session was returned.
	Created bool
}

type SubmitResult struct {
	Session models.Session
	// Applied is false for stale or duplicate submissions; Session is then the
	// current stored state, unchanged.
	Applied bool
	// OtherSession is true when the answer was given in an earlier session.
	OtherSession bool
	// Completed is true only for the call that moved the session to completed.
	Completed      bool
	Recommendation quiz.Variant
}

// Start returns the user's in-progress session, creating one at question 0 if
// there is none. A completed session is returned as is unless restarts are
// allowed.
func (s *Service) Start(ctx context.Context, userID int64) (*StartResult, error) {
	cur, err := s.store.GetLatestSession(ctx, userID)
	switch {
	case err == nil:
		if cur.Status == models.SessionInProgress {
			return &StartResult{Session: *cur}, nil
		}
		if cur.Status == models.SessionCompleted && !s.allowRestart {
			return &StartResult{Session: *cur}, nil
		}
	case errors.Is(err, db.ErrNotFound):
	default:
		return nil, fmt.Errorf("load session: %w", err)
	}

	now := s.now()
	fresh := &models.Session{
		ID:         s.newID(),
		TelegramID: userID,
		Answers:    []string{},
		Status:     models.SessionInProgress,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	got, created, err := s.store.CreateSession(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if created {
		s.logger.Info("Quiz session started", "user_id", userID, "session_id", got.ID)
	}
	return &StartResult{Session: *got, Created: created}, nil
}

// SubmitAnswer records tag as the answer to questionIndex. Only an in-order
// answer to the current question changes state; answers for questions that
// were already answered are no-ops returning the current state.
func (s *Service) SubmitAnswer(ctx context.Context, userID int64, questionIndex int, tag quiz.AnswerTag) (*SubmitResult, error) {
	return s.SubmitAnswerIn(ctx, userID, "", questionIndex, tag)
}

// SubmitAnswerIn is SubmitAnswer for an answer given in the session with the
// given Tag. An answer from any other session is a no-op with OtherSession
// set. An empty sessionTag matches the latest session.
func (s *Service) SubmitAnswerIn(ctx context.Context, userID int64, sessionTag string, questionIndex int, tag quiz.AnswerTag) (*SubmitResult, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.store.GetLatestSession(ctx, userID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNoSession
		}
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if sessionTag != "" && sessionTag != Tag(cur.ID) {
			s.logger.Debug("Answer from another session ignored",
				"user_id", userID, "session_tag", sessionTag, "current", cur.ID)
			return &SubmitResult{Session: *cur, OtherSession: true}, nil
		}

		switch cur.Status {
		case models.SessionCompleted:
			s.logger.Debug("Answer after completion ignored", "user_id", userID, "question", questionIndex)
			return &SubmitResult{Session: *cur}, nil
		case models.SessionAbandoned:
			return nil, ErrSessionClosed
		}

		if questionIndex < 0 {
			return nil, fmt.Errorf("%w: %d", quiz.ErrQuestionOutOfRange, questionIndex)
		}
		if questionIndex < cur.QuestionIndex {
			s.logger.Debug("Stale answer ignored",
				"user_id", userID, "question", questionIndex, "current", cur.QuestionIndex)
			return &SubmitResult{Session: *cur}, nil
		}
		if err := quiz.Validate(questionIndex, tag); err != nil {
			return nil, err
		}
		if questionIndex > cur.QuestionIndex {
			return nil, fmt.Errorf("%w: got %d, current %d", ErrUnexpectedQuestion, questionIndex, cur.QuestionIndex)
		}

		next := cur.Clone()
		next.Answers = append(next.Answers, string(tag))
		next.QuestionIndex++
		next.UpdatedAt = s.now()

		var rec quiz.Variant
		completed := next.QuestionIndex == quiz.QuestionCount
		if completed {
			rec, err = quiz.ScoreStrings(next.Answers)
			if err != nil {
				return nil, fmt.Errorf("score answers: %w", err)
			}
			next.Status = models.SessionCompleted
			next.Result = string(rec)
		}

		err = s.store.UpdateSession(ctx, &next)
		if errors.Is(err, db.ErrConflict) {
			s.logger.Debug("Session changed concurrently, reloading", "user_id", userID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update session: %w", err)
		}

		if completed {
			s.logger.Info("Quiz completed", "user_id", userID, "session_id", next.ID, "result", rec)
		}
		return &SubmitResult{
			Session:        next,
			Applied:        true,
			Completed:      completed,
			Recommendation: rec,
		}, nil
	}
	return nil, fmt.Errorf("submit answer: %w", db.ErrConflict)
}

// GetState returns the user's current session: the in-progress one if any,
// otherwise the latest.
func (s *Service) GetState(ctx context.Context, userID int64) (*models.Session, error) {
	cur, err := s.store.GetLatestSession(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return cur, nil
}

// Abandon marks the in-progress session abandoned. Sessions in any other
// state are returned unchanged.
func (s *Service) Abandon(ctx context.Context, userID int64) (*models.Session, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.GetState(ctx, userID)
		if err != nil {
			return nil, err
		}
		if cur.Status != models.SessionInProgress {
			return cur, nil
		}

		next := cur.Clone()
		next.Status = models.SessionAbandoned
		next.UpdatedAt = s.now()

		err = s.store.UpdateSession(ctx, &next)
		if errors.Is(err, db.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update session: %w", err)
		}
		s.logger.Info("Quiz session abandoned", "user_id", userID, "session_id", next.ID)
		return &next, nil
	}
	return nil, fmt.Errorf("abandon session: %w", db.ErrConflict)
}
