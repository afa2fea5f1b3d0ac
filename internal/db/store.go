package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fils-quiz-bot/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a compare-and-set update lost: the stored version no
	// longer matches the one the caller read.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrPromoExists means the user already owns a promo code.
	ErrPromoExists = errors.New("promo code already issued to user")
	// ErrCodeTaken means the code string belongs to another user.
	ErrCodeTaken = errors.New("promo code string already taken")
	// ErrUnavailable wraps every driver-level failure.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is the durable storage contract shared by every driver. Methods that
// establish an invariant (one open session per user, one code per user) are
// atomic at the storage boundary; callers never need a read-then-write.
type Store interface {
	// UpsertUser creates the user or refreshes the profile fields and
	// last_active_at. Phone and created_at are never overwritten.
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, telegramID int64) (*models.User, error)
	// SetUserPhone stores the phone only if none is stored yet and reports
	// whether this call wrote it.
	SetUserPhone(ctx context.Context, telegramID int64, phone string, at time.Time) (bool, error)

	// CreateSession inserts s unless the user already has an in-progress
	// session, in which case that session is returned with created == false.
	CreateSession(ctx context.Context, s *models.Session) (session *models.Session, created bool, err error)
	// GetLatestSession returns the in-progress session if there is one,
	// otherwise the most recently created session.
	GetLatestSession(ctx context.Context, telegramID int64) (*models.Session, error)
	// UpdateSession writes s if the stored version equals s.Version and bumps
	// s.Version on success. A lost race returns ErrConflict.
	UpdateSession(ctx context.Context, s *models.Session) error

	// InsertPromoCode inserts p. It fails with ErrPromoExists when the user
	// already owns a code and with ErrCodeTaken when the code string is in use.
	InsertPromoCode(ctx context.Context, p *models.PromoCode) error
	GetPromoCode(ctx context.Context, telegramID int64) (*models.PromoCode, error)

	ListUsers(ctx context.Context, limit, offset int) ([]models.UserSummary, error)
	ListPromoCodes(ctx context.Context, limit, offset int) ([]models.PromoCode, error)
	Stats(ctx context.Context) (*models.Stats, error)

	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
