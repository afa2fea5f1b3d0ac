package models

import (
	"time"
)

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionAbandoned  SessionStatus = "abandoned"
)

type User struct {
	TelegramID   int64     `json:"telegram_id"`
	Username     string    `json:"username"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	LanguageCode string    `json:"language_code"`
	IsBot        bool      `json:"is_bot"`
	Phone        string    `json:"phone,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// FullName joins first and last name the way Telegram clients display them.
func (u User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	if u.FirstName == "" {
		return u.LastName
	}
	return u.FirstName + " " + u.LastName
}

// Session is one quiz attempt. Answers holds one answer tag per answered
// question, so len(Answers) == QuestionIndex at all times. Version is bumped on
// every stored transition and is the compare-and-set token for updates.
type Session struct {
	ID            string        `json:"id"`
	TelegramID    int64         `json:"telegram_id"`
	QuestionIndex int           `json:"question_index"`
	Answers       []string      `json:"answers"`
	Status        SessionStatus `json:"status"`
	Result        string        `json:"result,omitempty"`
	Version       int           `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so snapshots handed out never alias stored state.
func (s Session) Clone() Session {
	cp := s
	cp.Answers = make([]string, len(s.Answers))
	copy(cp.Answers, s.Answers)
	return cp
}

type PromoCode struct {
	Code       string    `json:"code"`
	TelegramID int64     `json:"telegram_id"`
	Discount   int       `json:"discount"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Redeemed   bool      `json:"redeemed"`
}

// UserSummary is the admin listing row: a user plus their latest recommendation.
type UserSummary struct {
	User
	LastResult string `json:"last_result,omitempty"`
}

type Stats struct {
	Users            int            `json:"users"`
	Completed        int            `json:"completed"`
	InProgress       int            `json:"in_progress"`
	PromoCodes       int            `json:"promo_codes"`
	Contacts         int            `json:"contacts"`
	ByRecommendation map[string]int `json:"by_recommendation"`
}
