package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fils-quiz-bot/config"
	"fils-quiz-bot/internal/models"

	"github.com/google/uuid"
)

var baseTime = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newSession(userID int64, at time.Time) *models.Session {
	return &models.Session{
		ID:         uuid.NewString(),
		TelegramID: userID,
		Answers:    []string{},
		Status:     models.SessionInProgress,
		Version:    1,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func setupSQLite(t *testing.T) Store {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "quiz.db"), 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setupMemory(t *testing.T) Store {
	return NewMemoryStore()
}

// setupPostgres connects to DATABASE_URL and empties the quiz tables.
func setupPostgres(t *testing.T) Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := NewPostgresDB(config.DBConfig{URL: url, ConnLifetime: time.Hour, QueryTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := db.pool.Exec(ctx, "TRUNCATE users, sessions, promo_codes"); err != nil {
		t.Fatalf("Failed to reset tables: %v", err)
	}
	return db
}

func TestMemoryStoreContract(t *testing.T) { runStoreContract(t, setupMemory) }

func TestSQLiteStoreContract(t *testing.T) { runStoreContract(t, setupSQLite) }

// Runs against a real server when DATABASE_URL is set.
func TestPostgresStoreContract(t *testing.T) { runStoreContract(t, setupPostgres) }

func TestPostgresRejectsInconsistentAnswers(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	sess, _, err := s.CreateSession(ctx, newSession(3, baseTime))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess.QuestionIndex = 2
	sess.Answers = append(sess.Answers, "studio")
	err = s.UpdateSession(ctx, sess)
	if err == nil || errors.Is(err, ErrConflict) {
		t.Fatalf("UpdateSession with 1 answer at question 2: got %v, want check violation", err)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want a storage error", err)
	}
}

func runStoreContract(t *testing.T, setup func(t *testing.T) Store) {
	t.Run("UserUpsertKeepsPhoneAndCreatedAt", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()

		u := &models.User{TelegramID: 42, Username: "anna", FirstName: "Anna", LastActiveAt: baseTime}
		if err := s.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
		applied, err := s.SetUserPhone(ctx, 42, "+79990000000", baseTime.Add(time.Minute))
		if err != nil || !applied {
			t.Fatalf("SetUserPhone: applied=%v err=%v", applied, err)
		}
		applied, err = s.SetUserPhone(ctx, 42, "+70000000000", baseTime.Add(2*time.Minute))
		if err != nil || applied {
			t.Fatalf("second SetUserPhone: applied=%v err=%v, want no-op", applied, err)
		}

		later := baseTime.Add(time.Hour)
		if err := s.UpsertUser(ctx, &models.User{TelegramID: 42, Username: "anna_k", FirstName: "Anna", LastActiveAt: later}); err != nil {
			t.Fatalf("UpsertUser refresh: %v", err)
		}

		got, err := s.GetUser(ctx, 42)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if got.Username != "anna_k" {
			t.Fatalf("Username=%q, want anna_k", got.Username)
		}
		if got.Phone != "+79990000000" {
			t.Fatalf("Phone=%q, want first stored phone", got.Phone)
		}
		if !got.CreatedAt.Equal(baseTime) {
			t.Fatalf("CreatedAt=%v, want %v", got.CreatedAt, baseTime)
		}
		if !got.LastActiveAt.Equal(later) {
			t.Fatalf("LastActiveAt=%v, want %v", got.LastActiveAt, later)
		}

		if _, err := s.GetUser(ctx, 7); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetUser unknown: got %v, want ErrNotFound", err)
		}
	})

	t.Run("CreateSessionIsInsertIfAbsent", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()

		first := newSession(1, baseTime)
		got, created, err := s.CreateSession(ctx, first)
		if err != nil || !created {
			t.Fatalf("CreateSession: created=%v err=%v", created, err)
		}
		if got.ID != first.ID {
			t.Fatalf("created ID=%s, want %s", got.ID, first.ID)
		}

		second := newSession(1, baseTime.Add(time.Second))
		got, created, err = s.CreateSession(ctx, second)
		if err != nil {
			t.Fatalf("CreateSession again: %v", err)
		}
		if created {
			t.Fatalf("second CreateSession created a new session")
		}
		if got.ID != first.ID {
			t.Fatalf("second CreateSession returned %s, want existing %s", got.ID, first.ID)
		}
	})

	t.Run("ConcurrentCreateSessionConverges", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()

		const n = 16
		ids := make([]string, n)
		var createdCount int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got, created, err := s.CreateSession(ctx, newSession(5, baseTime))
				if err != nil {
					t.Errorf("CreateSession: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				ids[i] = got.ID
				if created {
					createdCount++
				}
			}(i)
		}
		wg.Wait()

		if createdCount != 1 {
			t.Fatalf("created %d sessions, want 1", createdCount)
		}
		for _, id := range ids[1:] {
			if id != ids[0] {
				t.Fatalf("callers saw different sessions: %s vs %s", id, ids[0])
			}
		}
	})

	t.Run("UpdateSessionCompareAndSet", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()

		sess, _, err := s.CreateSession(ctx, newSession(2, baseTime))
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		stale := sess.Clone()

		sess.Answers = append(sess.Answers, "studio")
		sess.QuestionIndex = 1
		sess.UpdatedAt = baseTime.Add(time.Second)
		if err := s.UpdateSession(ctx, sess); err != nil {
			t.Fatalf("UpdateSession: %v", err)
		}
		if sess.Version != 2 {
			t.Fatalf("Version=%d after update, want 2", sess.Version)
		}

		stale.Answers = append(stale.Answers, "office")
		stale.QuestionIndex = 1
		if err := s.UpdateSession(ctx, &stale); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale UpdateSession: got %v, want ErrConflict", err)
		}

		got, err := s.GetLatestSession(ctx, 2)
		if err != nil {
			t.Fatalf("GetLatestSession: %v", err)
		}
		if got.QuestionIndex != 1 || len(got.Answers) != 1 || got.Answers[0] != "studio" {
			t.Fatalf("stored session = %+v, want one answer 'studio'", got)
		}
	})

	t.Run("LatestSessionPrefersInProgress", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()

		if _, err := s.GetLatestSession(ctx, 3); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetLatestSession empty: got %v, want ErrNotFound", err)
		}

		done, _, _ := s.CreateSession(ctx, newSession(3, baseTime))
		done.Status = models.SessionCompleted
		done.Answers = []string{"studio", "minimalism", "modern_minimal", "strict_stylish"}
		done.QuestionIndex = 4
		done.Result = "GOCCI"
		if err := s.UpdateSession(ctx, done); err != nil {
			t.Fatalf("complete session: %v", err)
		}

		got, err := s.GetLatestSession(ctx, 3)
		if err != nil || got.ID != done.ID {
			t.Fatalf("GetLatestSession = %v, %v; want completed session", got, err)
		}

		next, created, err := s.CreateSession(ctx, newSession(3, baseTime.Add(time.Minute)))
		if err != nil || !created {
			t.Fatalf("CreateSession after completion: created=%v err=%v", created, err)
		}
		got, err = s.GetLatestSession(ctx, 3)
		if err != nil || got.ID != next.ID {
			t.Fatalf("GetLatestSession = %v, %v; want new in-progress session", got, err)
		}
	})

	t.Run("PromoCodeUniqueness", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()

		p := &models.PromoCode{
			Code: "FILSAB23CD", TelegramID: 9, Discount: 5000,
			IssuedAt: baseTime, ExpiresAt: baseTime.AddDate(1, 0, 0),
		}
		if err := s.InsertPromoCode(ctx, p); err != nil {
			t.Fatalf("InsertPromoCode: %v", err)
		}

		sameUser := *p
		sameUser.Code = "FILSZZ99ZZ"
		if err := s.InsertPromoCode(ctx, &sameUser); !errors.Is(err, ErrPromoExists) {
			t.Fatalf("second code for user: got %v, want ErrPromoExists", err)
		}

		otherUser := *p
		otherUser.TelegramID = 10
		if err := s.InsertPromoCode(ctx, &otherUser); !errors.Is(err, ErrCodeTaken) {
			t.Fatalf("colliding code: got %v, want ErrCodeTaken", err)
		}

		got, err := s.GetPromoCode(ctx, 9)
		if err != nil {
			t.Fatalf("GetPromoCode: %v", err)
		}
		if got.Code != p.Code || !got.ExpiresAt.Equal(p.ExpiresAt) {
			t.Fatalf("GetPromoCode = %+v, want %+v", got, p)
		}
		if _, err := s.GetPromoCode(ctx, 10); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetPromoCode other: got %v, want ErrNotFound", err)
		}
	})

	t.Run("AdminQueries", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()

		for i := int64(1); i <= 3; i++ {
			u := &models.User{TelegramID: i, FirstName: fmt.Sprintf("user%d", i), LastActiveAt: baseTime.Add(time.Duration(i) * time.Minute)}
			if err := s.UpsertUser(ctx, u); err != nil {
				t.Fatalf("UpsertUser: %v", err)
			}
		}
		s.SetUserPhone(ctx, 2, "+79991112233", baseTime)

		sess, _, _ := s.CreateSession(ctx, newSession(2, baseTime))
		sess.Status = models.SessionCompleted
		sess.Answers = []string{"living_room", "comfort", "modern_classic", "soft_cozy"}
		sess.QuestionIndex = 4
		sess.Result = "CLOUD"
		if err := s.UpdateSession(ctx, sess); err != nil {
			t.Fatalf("UpdateSession: %v", err)
		}
		s.CreateSession(ctx, newSession(3, baseTime))
		s.InsertPromoCode(ctx, &models.PromoCode{Code: "FILS222222", TelegramID: 2, Discount: 5000, IssuedAt: baseTime, ExpiresAt: baseTime.AddDate(1, 0, 0)})

		users, err := s.ListUsers(ctx, 10, 0)
		if err != nil {
			t.Fatalf("ListUsers: %v", err)
		}
		if len(users) != 3 {
			t.Fatalf("ListUsers returned %d rows, want 3", len(users))
		}
		if users[0].TelegramID != 3 {
			t.Fatalf("ListUsers first row = %d, want newest user 3", users[0].TelegramID)
		}
		if users[1].LastResult != "CLOUD" {
			t.Fatalf("user 2 LastResult=%q, want CLOUD", users[1].LastResult)
		}

		paged, err := s.ListUsers(ctx, 2, 2)
		if err != nil || len(paged) != 1 {
			t.Fatalf("ListUsers page: %d rows, err %v; want 1", len(paged), err)
		}

		codes, err := s.ListPromoCodes(ctx, 10, 0)
		if err != nil || len(codes) != 1 {
			t.Fatalf("ListPromoCodes: %d rows, err %v; want 1", len(codes), err)
		}

		st, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.Users != 3 || st.Completed != 1 || st.InProgress != 1 || st.PromoCodes != 1 || st.Contacts != 1 {
			t.Fatalf("Stats = %+v", st)
		}
		if st.ByRecommendation["CLOUD"] != 1 {
			t.Fatalf("ByRecommendation = %v, want CLOUD:1", st.ByRecommendation)
		}
	})
}
