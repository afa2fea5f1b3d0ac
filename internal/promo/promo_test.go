package promo

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"fils-quiz-bot/internal/db"
	"fils-quiz-bot/internal/models"
	"fils-quiz-bot/pkg/logger"
)

var (
	codeFormat = regexp.MustCompile(`^FILS[A-Z0-9]{6}$`)
	issuedAt   = time.Date(2025, 5, 20, 18, 45, 0, 0, time.UTC)
	testConfig = Config{Prefix: "FILS", Length: 6, Discount: 5000, MaxAttempts: 5}
)

func newTestService(store db.Store, opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return issuedAt })}, opts...)
	return NewService(store, logger.NewNop(), testConfig, opts...)
}

// sequence returns a generator yielding codes in order, then repeating the last.
func sequence(codes ...string) Generator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return c, nil
	}
}

func TestGeneratorFormat(t *testing.T) {
	gen := NewGenerator("FILS", 6)
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		code, err := gen()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !codeFormat.MatchString(code) {
			t.Fatalf("code %q does not match FILS + 6 alphanumerics", code)
		}
		for _, r := range code[4:] {
			if r == '0' || r == 'O' || r == '1' || r == 'I' {
				t.Fatalf("code %q contains ambiguous symbol %q", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 490 {
		t.Fatalf("only %d distinct codes out of 500", len(seen))
	}
}

func TestIssueIfAbsent(t *testing.T) {
	svc := newTestService(db.NewMemoryStore())
	ctx := context.Background()

	first, err := svc.IssueIfAbsent(ctx, 11)
	if err != nil {
		t.Fatalf("IssueIfAbsent: %v", err)
	}
	if !first.Created {
		t.Fatalf("first issuance not marked created")
	}
	if !codeFormat.MatchString(first.Code.Code) {
		t.Fatalf("code %q has wrong format", first.Code.Code)
	}
	if first.Code.Discount != 5000 {
		t.Fatalf("Discount=%d, want 5000", first.Code.Discount)
	}
	if want := time.Date(2026, 5, 20, 18, 45, 0, 0, time.UTC); !first.Code.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt=%v, want %v", first.Code.ExpiresAt, want)
	}

	again, err := svc.IssueIfAbsent(ctx, 11)
	if err != nil {
		t.Fatalf("second IssueIfAbsent: %v", err)
	}
	if again.Created || again.Code.Code != first.Code.Code {
		t.Fatalf("second call = %+v, want existing code %s", again, first.Code.Code)
	}

	got, err := svc.Get(ctx, 11)
	if err != nil || got.Code != first.Code.Code {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := svc.Get(ctx, 12); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unknown: got %v, want ErrNotFound", err)
	}
}

func TestConcurrentIssuanceYieldsOneCode(t *testing.T) {
	store := db.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		codes   = map[string]int{}
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.IssueIfAbsent(ctx, 77)
			if err != nil {
				t.Errorf("IssueIfAbsent: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			codes[res.Code.Code]++
			if res.Created {
				created++
			}
		}()
	}
	wg.Wait()

	if len(codes) != 1 {
		t.Fatalf("callers saw %d different codes: %v", len(codes), codes)
	}
	if created != 1 {
		t.Fatalf("%d callers created a code, want 1", created)
	}
	list, _ := store.ListPromoCodes(ctx, 100, 0)
	if len(list) != 1 {
		t.Fatalf("%d codes persisted, want 1", len(list))
	}
}

func TestCollisionRegenerates(t *testing.T) {
	store := db.NewMemoryStore()
	ctx := context.Background()
	store.InsertPromoCode(ctx, &models.PromoCode{Code: "FILSAAAAAA", TelegramID: 1, IssuedAt: issuedAt, ExpiresAt: ExpiryFor(issuedAt)})

	svc := newTestService(store, WithGenerator(sequence("FILSAAAAAA", "FILSBBBBBB")))
	res, err := svc.IssueIfAbsent(ctx, 2)
	if err != nil {
		t.Fatalf("IssueIfAbsent: %v", err)
	}
	if res.Code.Code != "FILSBBBBBB" {
		t.Fatalf("code = %s, want regenerated FILSBBBBBB", res.Code.Code)
	}
}

func TestGenerationExhausted(t *testing.T) {
	store := db.NewMemoryStore()
	ctx := context.Background()
	store.InsertPromoCode(ctx, &models.PromoCode{Code: "FILSAAAAAA", TelegramID: 1, IssuedAt: issuedAt, ExpiresAt: ExpiryFor(issuedAt)})

	calls := 0
	gen := func() (string, error) {
		calls++
		return "FILSAAAAAA", nil
	}
	svc := newTestService(store, WithGenerator(gen))
	if _, err := svc.IssueIfAbsent(ctx, 2); !errors.Is(err, ErrCodeGenerationExhausted) {
		t.Fatalf("got %v, want ErrCodeGenerationExhausted", err)
	}
	if calls != testConfig.MaxAttempts {
		t.Fatalf("generator called %d times, want %d", calls, testConfig.MaxAttempts)
	}
	if _, err := svc.Get(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("code persisted despite exhaustion: %v", err)
	}
}

type unavailableStore struct {
	*db.MemoryStore
}

func (unavailableStore) InsertPromoCode(ctx context.Context, p *models.PromoCode) error {
	return db.ErrUnavailable
}

func TestStorageFailureIsPropagated(t *testing.T) {
	svc := newTestService(unavailableStore{db.NewMemoryStore()})
	if _, err := svc.IssueIfAbsent(context.Background(), 5); !errors.Is(err, db.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestExpiryFor(t *testing.T) {
	cases := []struct {
		issued, want time.Time
	}{
		{time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)},
		{time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), time.Date(2025, 2, 28, 23, 59, 59, 0, time.UTC)},
		{time.Date(2023, 2, 28, 8, 0, 0, 0, time.UTC), time.Date(2024, 2, 28, 8, 0, 0, 0, time.UTC)},
		{time.Date(2025, 12, 31, 12, 0, 0, 0, time.UTC), time.Date(2026, 12, 31, 12, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		if got := ExpiryFor(c.issued); !got.Equal(c.want) {
			t.Fatalf("ExpiryFor(%v)=%v, want %v", c.issued, got, c.want)
		}
	}
}
