package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"fils-quiz-bot/internal/models"
)

// MemoryStore keeps everything in process memory behind one mutex. It honours
// the same atomicity contract as the SQL stores and backs tests and local
// polling runs; it is not durable across restarts.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[int64]*models.User
	sessions map[int64][]*models.Session
	promos   map[int64]*models.PromoCode
	codes    map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*models.User),
		sessions: make(map[int64][]*models.Session),
		promos:   make(map[int64]*models.PromoCode),
		codes:    make(map[string]int64),
	}
}

func (m *MemoryStore) UpsertUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[user.TelegramID]; ok {
		existing.Username = user.Username
		existing.FirstName = user.FirstName
		existing.LastName = user.LastName
		existing.LanguageCode = user.LanguageCode
		existing.IsBot = user.IsBot
		existing.UpdatedAt = user.LastActiveAt
		existing.LastActiveAt = user.LastActiveAt
		return nil
	}

	cp := *user
	cp.Phone = ""
	cp.CreatedAt = user.LastActiveAt
	cp.UpdatedAt = user.LastActiveAt
	m.users[user.TelegramID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, telegramID int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[telegramID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) SetUserPhone(ctx context.Context, telegramID int64, phone string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[telegramID]
	if !ok || u.Phone != "" {
		return false, nil
	}
	u.Phone = phone
	u.UpdatedAt = at
	u.LastActiveAt = at
	return true, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *models.Session) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions[s.TelegramID] {
		if existing.Status == models.SessionInProgress {
			cp := existing.Clone()
			return &cp, false, nil
		}
	}

	stored := s.Clone()
	m.sessions[s.TelegramID] = append(m.sessions[s.TelegramID], &stored)
	cp := stored.Clone()
	return &cp, true, nil
}

func (m *MemoryStore) GetLatestSession(ctx context.Context, telegramID int64) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.sessions[telegramID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	for _, s := range list {
		if s.Status == models.SessionInProgress {
			cp := s.Clone()
			return &cp, nil
		}
	}
	cp := list[len(list)-1].Clone()
	return &cp, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stored := range m.sessions[s.TelegramID] {
		if stored.ID != s.ID {
			continue
		}
		if stored.Version != s.Version {
			return ErrConflict
		}
		*stored = s.Clone()
		stored.Version++
		s.Version = stored.Version
		return nil
	}
	return ErrConflict
}

func (m *MemoryStore) InsertPromoCode(ctx context.Context, p *models.PromoCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.promos[p.TelegramID]; ok {
		return ErrPromoExists
	}
	if _, ok := m.codes[p.Code]; ok {
		return ErrCodeTaken
	}
	cp := *p
	m.promos[p.TelegramID] = &cp
	m.codes[p.Code] = p.TelegramID
	return nil
}

func (m *MemoryStore) GetPromoCode(ctx context.Context, telegramID int64) (*models.PromoCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.promos[telegramID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListUsers(ctx context.Context, limit, offset int) ([]models.UserSummary, error) {
	limit, offset = normalizePage(limit, offset)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.UserSummary, 0, len(m.users))
	for id, u := range m.users {
		row := models.UserSummary{User: *u}
		list := m.sessions[id]
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].Status == models.SessionCompleted {
				row.LastResult = list[i].Result
				break
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TelegramID > out[j].TelegramID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, limit, offset), nil
}

func (m *MemoryStore) ListPromoCodes(ctx context.Context, limit, offset int) ([]models.PromoCode, error) {
	limit, offset = normalizePage(limit, offset)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.PromoCode, 0, len(m.promos))
	for _, p := range m.promos {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	return page(out, limit, offset), nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &models.Stats{
		Users:            len(m.users),
		PromoCodes:       len(m.promos),
		ByRecommendation: make(map[string]int),
	}
	for _, u := range m.users {
		if u.Phone != "" {
			st.Contacts++
		}
	}
	for _, list := range m.sessions {
		for _, s := range list {
			switch s.Status {
			case models.SessionCompleted:
				st.Completed++
				st.ByRecommendation[s.Result]++
			case models.SessionInProgress:
				st.InProgress++
			}
		}
	}
	return st, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func page[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}
