package promo

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"fils-quiz-bot/internal/db"
	"fils-quiz-bot/internal/models"
	"fils-quiz-bot/pkg/logger"
)

var (
	ErrCodeGenerationExhausted = errors.New("promo code generation exhausted")
	ErrNotFound                = errors.New("promo code not found")
)

// Alphabet has 32 symbols with 0/O and 1/I removed.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Generator produces a candidate code string.
type Generator func() (string, error)

// NewGenerator returns a Generator producing prefix followed by length
// random symbols from Alphabet.
func NewGenerator(prefix string, length int) Generator {
	return func() (string, error) {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		// len(Alphabet) divides 256, so the modulo keeps the distribution uniform.
		for i, b := range buf {
			buf[i] = Alphabet[int(b)%len(Alphabet)]
		}
		return prefix + string(buf), nil
	}
}

// ExpiryFor adds one calendar year to issued. A Feb 29 issue date expires on
// Feb 28 of the following year.
func ExpiryFor(issued time.Time) time.Time {
	y, m, d := issued.Date()
	if last := daysIn(y+1, m, issued.Location()); d > last {
		d = last
	}
	return time.Date(y+1, m, d, issued.Hour(), issued.Minute(), issued.Second(), issued.Nanosecond(), issued.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

type Config struct {
	Prefix      string
	Length      int
	Discount    int
	MaxAttempts int
}

type Service struct {
	store    db.Store
	logger   *logger.Logger
	cfg      Config
	generate Generator
	now      func() time.Time
}

type Option func(*Service)

func WithGenerator(g Generator) Option {
	return func(s *Service) { s.generate = g }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store db.Store, logger *logger.Logger, cfg Config, opts ...Option) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	s := &Service{
		store:    store,
		logger:   logger,
		cfg:      cfg,
		generate: NewGenerator(cfg.Prefix, cfg.Length),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type IssueResult struct {
	Code models.PromoCode
	// Created is true only for the call whose insert committed the code.
	Created bool
}

// IssueIfAbsent returns the user's promo code, issuing one if the user has
// none. Concurrent calls for one user all return the same code: the store's
// per-user uniqueness constraint picks a single winner and the others read it
// back.
func (s *Service) IssueIfAbsent(ctx context.Context, userID int64) (*IssueResult, error) {
	existing, err := s.store.GetPromoCode(ctx, userID)
	if err == nil {
		return &IssueResult{Code: *existing}, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("load promo code: %w", err)
	}

	issued := s.now()
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		code, err := s.generate()
		if err != nil {
			return nil, fmt.Errorf("generate promo code: %w", err)
		}

		p := models.PromoCode{
			Code:       code,
			TelegramID: userID,
			Discount:   s.cfg.Discount,
			IssuedAt:   issued,
			ExpiresAt:  ExpiryFor(issued),
		}

		err = s.store.InsertPromoCode(ctx, &p)
		switch {
		case err == nil:
			s.logger.Info("Promo code issued", "user_id", userID, "code", code)
			return &IssueResult{Code: p, Created: true}, nil
		case errors.Is(err, db.ErrPromoExists):
			winner, err := s.store.GetPromoCode(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("load concurrently issued promo code: %w", err)
			}
			return &IssueResult{Code: *winner}, nil
		case errors.Is(err, db.ErrCodeTaken):
			s.logger.Warn("Promo code collision, regenerating", "user_id", userID, "attempt", attempt)
			continue
		default:
			return nil, fmt.Errorf("insert promo code: %w", err)
		}
	}

	s.logger.Error("Promo code generation exhausted", "user_id", userID, "attempts", s.cfg.MaxAttempts)
	return nil, ErrCodeGenerationExhausted
}

// Get returns the user's promo code or ErrNotFound.
func (s *Service) Get(ctx context.Context, userID int64) (*models.PromoCode, error) {
	p, err := s.store.GetPromoCode(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load promo code: %w", err)
	}
	return p, nil
}
