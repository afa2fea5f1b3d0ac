package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"fils-quiz-bot/internal/db"
	"fils-quiz-bot/internal/models"
	"fils-quiz-bot/internal/promo"
	"fils-quiz-bot/internal/quiz"
	"fils-quiz-bot/internal/session"
	"fils-quiz-bot/pkg/logger"
)

var now = time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store    *db.MemoryStore
	sessions *session.Service
	promos   *promo.Service
	d        *Dispatcher
}

func newFixture(t *testing.T, promoOpts ...promo.Option) *fixture {
	t.Helper()
	store := db.NewMemoryStore()
	clock := func() time.Time { return now }
	sessions := session.NewService(store, logger.NewNop(), session.WithClock(clock))
	promoOpts = append([]promo.Option{promo.WithClock(clock)}, promoOpts...)
	promos := promo.NewService(store, logger.NewNop(),
		promo.Config{Prefix: "FILS", Length: 6, Discount: 5000, MaxAttempts: 3}, promoOpts...)
	d := New(sessions, promos, store, logger.NewNop())
	d.now = clock
	return &fixture{store: store, sessions: sessions, promos: promos, d: d}
}

func user(id int64) models.User {
	return models.User{TelegramID: id, Username: "anna", FirstName: "Anna", LastName: "K"}
}

func (f *fixture) handle(t *testing.T, turn Turn) *Plan {
	t.Helper()
	plan, err := f.d.Handle(context.Background(), turn)
	if err != nil {
		t.Fatalf("Handle(%s): %v", turn.Kind, err)
	}
	return plan
}

func answerTurn(id int64, idx int, tag quiz.AnswerTag) Turn {
	return Turn{Kind: TurnAnswer, User: user(id), ChatID: id, QuestionIndex: idx, Answer: tag}
}

func kinds(p *Plan) []MessageKind {
	out := make([]MessageKind, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, m.Kind)
	}
	return out
}

func sameKinds(got []MessageKind, want ...MessageKind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// completeQuiz answers all questions so that the result is CLOUD and returns
// the plan of the final answer.
func (f *fixture) completeQuiz(t *testing.T, id int64) *Plan {
	t.Helper()
	f.handle(t, Turn{Kind: TurnBeginQuiz, User: user(id), ChatID: id})
	var plan *Plan
	for i, tag := range []quiz.AnswerTag{"living_room", "comfort", "modern_classic", "soft_cozy"} {
		plan = f.handle(t, answerTurn(id, i, tag))
	}
	return plan
}

func TestGreetingAndHelp(t *testing.T) {
	f := newFixture(t)
	if p := f.handle(t, Turn{Kind: TurnStart, User: user(1), ChatID: 1}); !sameKinds(kinds(p), MsgGreeting) {
		t.Fatalf("start plan = %v", kinds(p))
	}
	if p := f.handle(t, Turn{Kind: TurnHelp, User: user(1), ChatID: 1}); !sameKinds(kinds(p), MsgHelp) {
		t.Fatalf("help plan = %v", kinds(p))
	}
	u, err := f.store.GetUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("user not recorded: %v", err)
	}
	if !u.LastActiveAt.Equal(now) {
		t.Fatalf("LastActiveAt = %v, want %v", u.LastActiveAt, now)
	}
}

func TestBeginQuizIsIdempotent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		p := f.handle(t, Turn{Kind: TurnBeginQuiz, User: user(2), ChatID: 2})
		if !sameKinds(kinds(p), MsgQuestion) || p.Messages[0].QuestionIndex != 0 || !p.Messages[0].EditInPlace {
			t.Fatalf("begin #%d plan = %+v", i, p.Messages)
		}
	}
}

func TestAnswerAdvances(t *testing.T) {
	f := newFixture(t)
	f.handle(t, Turn{Kind: TurnBeginQuiz, User: user(3), ChatID: 3})

	p := f.handle(t, answerTurn(3, 0, "studio"))
	if !sameKinds(kinds(p), MsgQuestion) || p.Messages[0].QuestionIndex != 1 {
		t.Fatalf("plan = %+v, want question 1", p.Messages)
	}

	// Redelivery renders the same question again.
	dup := f.handle(t, answerTurn(3, 0, "studio"))
	if !sameKinds(kinds(dup), MsgQuestion) || dup.Messages[0].QuestionIndex != 1 {
		t.Fatalf("duplicate plan = %+v, want question 1", dup.Messages)
	}
}

func TestCompletionBundle(t *testing.T) {
	f := newFixture(t)
	p := f.completeQuiz(t, 4)

	if !sameKinds(kinds(p), MsgAccepted, MsgResult, MsgPromo, MsgContactRequest) {
		t.Fatalf("completion plan = %v", kinds(p))
	}
	if p.Messages[1].Variant != quiz.Cloud {
		t.Fatalf("variant = %s, want CLOUD", p.Messages[1].Variant)
	}
	code := p.Messages[2].Promo
	if code == nil || code.Discount != 5000 || code.TelegramID != 4 {
		t.Fatalf("promo = %+v", code)
	}

	// The final answer delivered again repeats the bundle with the same code.
	dup := f.handle(t, answerTurn(4, 3, "soft_cozy"))
	if !sameKinds(kinds(dup), MsgAccepted, MsgResult, MsgPromo, MsgContactRequest) {
		t.Fatalf("duplicate final answer plan = %v", kinds(dup))
	}
	if dup.Messages[2].Promo.Code != code.Code {
		t.Fatalf("duplicate sent code %s, want %s", dup.Messages[2].Promo.Code, code.Code)
	}
	// Older answers after completion stay silent.
	if old := f.handle(t, answerTurn(4, 1, "comfort")); len(old.Messages) != 0 {
		t.Fatalf("old answer plan = %v, want empty", kinds(old))
	}
	codes, _ := f.store.ListPromoCodes(context.Background(), 10, 0)
	if len(codes) != 1 {
		t.Fatalf("%d promo codes, want 1", len(codes))
	}
}

func TestRedeliveryIssuesMissingPromo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Session completed but the delivery died before the code was issued.
	f.sessions.Start(ctx, 5)
	for i, tag := range []quiz.AnswerTag{"office", "wow_design", "loft", "accent"} {
		if _, err := f.sessions.SubmitAnswer(ctx, 5, i, tag); err != nil {
			t.Fatalf("SubmitAnswer: %v", err)
		}
	}

	p := f.handle(t, answerTurn(5, 3, "accent"))
	if !sameKinds(kinds(p), MsgAccepted, MsgResult, MsgPromo, MsgContactRequest) {
		t.Fatalf("plan = %v, want full completion bundle", kinds(p))
	}
	if p.Messages[1].Variant != quiz.Flous {
		t.Fatalf("variant = %s, want FLOUS", p.Messages[1].Variant)
	}
}

func TestInvalidAnswerReprompts(t *testing.T) {
	f := newFixture(t)
	f.handle(t, Turn{Kind: TurnBeginQuiz, User: user(6), ChatID: 6})
	f.handle(t, answerTurn(6, 0, "studio"))

	for _, turn := range []Turn{
		answerTurn(6, 1, "loft"),
		answerTurn(6, 3, "accent"),
		answerTurn(6, 42, "studio"),
		answerTurn(6, -1, "studio"),
	} {
		p := f.handle(t, turn)
		if !sameKinds(kinds(p), MsgReprompt) || p.Messages[0].QuestionIndex != 1 {
			t.Fatalf("answer %d/%s: plan = %+v, want reprompt at 1", turn.QuestionIndex, turn.Answer, p.Messages)
		}
	}
}

func TestAnswerWithoutSession(t *testing.T) {
	f := newFixture(t)
	p := f.handle(t, answerTurn(7, 0, "studio"))
	if !sameKinds(kinds(p), MsgStartHint) {
		t.Fatalf("plan = %v, want start hint", kinds(p))
	}
}

func TestContactCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	early := f.handle(t, Turn{Kind: TurnContact, User: user(8), ChatID: 8, Phone: "+79990001122"})
	if len(early.Messages) != 0 || early.Lead != nil {
		t.Fatalf("contact before quiz produced %+v", early)
	}

	bundle := f.completeQuiz(t, 8)
	code := bundle.Messages[2].Promo

	p := f.handle(t, Turn{Kind: TurnContact, User: user(8), ChatID: 8, Phone: "+79990001122", ContactName: "Anna"})
	if !sameKinds(kinds(p), MsgContactAccepted) {
		t.Fatalf("plan = %v", kinds(p))
	}
	if p.Lead == nil || p.Lead.Phone != "+79990001122" || p.Lead.Variant != quiz.Cloud {
		t.Fatalf("lead = %+v", p.Lead)
	}
	if p.Lead.Promo == nil || p.Lead.Promo.Code != code.Code {
		t.Fatalf("lead promo = %+v, want %s", p.Lead.Promo, code.Code)
	}
	if len(p.Lead.Answers) != quiz.QuestionCount {
		t.Fatalf("lead answers = %v", p.Lead.Answers)
	}

	dup := f.handle(t, Turn{Kind: TurnContact, User: user(8), ChatID: 8, Phone: "+79990001122"})
	if len(dup.Messages) != 0 || dup.Lead != nil {
		t.Fatalf("duplicate contact produced %+v", dup)
	}
	u, _ := f.store.GetUser(ctx, 8)
	if u.Phone != "+79990001122" {
		t.Fatalf("phone = %q", u.Phone)
	}

	// With a phone on file a restart does not ask for contact again.
	f.handle(t, Turn{Kind: TurnBeginQuiz, User: user(8), ChatID: 8})
	again := f.completeQuiz(t, 8)
	if !sameKinds(kinds(again), MsgAccepted, MsgResult, MsgPromo) {
		t.Fatalf("second completion plan = %v", kinds(again))
	}
	if again.Messages[2].Promo.Code != code.Code {
		t.Fatalf("restart issued a new code %s, want %s", again.Messages[2].Promo.Code, code.Code)
	}
}

func TestTextTurns(t *testing.T) {
	f := newFixture(t)

	if p := f.handle(t, Turn{Kind: TurnText, User: user(9), ChatID: 9, Text: "hello"}); !sameKinds(kinds(p), MsgHelp) {
		t.Fatalf("idle text plan = %v", kinds(p))
	}

	f.handle(t, Turn{Kind: TurnBeginQuiz, User: user(9), ChatID: 9})
	p := f.handle(t, Turn{Kind: TurnText, User: user(9), ChatID: 9, Text: "what?"})
	if !sameKinds(kinds(p), MsgReprompt) || p.Messages[0].QuestionIndex != 0 {
		t.Fatalf("in-quiz text plan = %+v", p.Messages)
	}
	// A phone typed mid-quiz is not taken as a contact.
	p = f.handle(t, Turn{Kind: TurnText, User: user(9), ChatID: 9, Text: "8 999 000 11 22"})
	if p.Lead != nil {
		t.Fatalf("phone accepted before completion")
	}

	f.handle(t, Turn{Kind: TurnBeginQuiz, User: user(10), ChatID: 10})
	f.completeQuiz(t, 10)
	p = f.handle(t, Turn{Kind: TurnText, User: user(10), ChatID: 10, Text: " 8 (999) 000-11-22 "})
	if !sameKinds(kinds(p), MsgContactAccepted) || p.Lead == nil {
		t.Fatalf("typed phone plan = %+v", p)
	}
	if p.Lead.Phone != "8 (999) 000-11-22" || p.Lead.ContactName != "Anna K" {
		t.Fatalf("lead = %+v", p.Lead)
	}
}

func TestPromoExhaustionStillSendsResult(t *testing.T) {
	f := newFixture(t, promo.WithGenerator(func() (string, error) { return "FILSTAKEN1", nil }))
	ctx := context.Background()
	f.store.InsertPromoCode(ctx, &models.PromoCode{Code: "FILSTAKEN1", TelegramID: 999, IssuedAt: now, ExpiresAt: now})

	p := f.completeQuiz(t, 11)
	if !sameKinds(kinds(p), MsgAccepted, MsgResult, MsgPromoUnavailable, MsgContactRequest) {
		t.Fatalf("plan = %v", kinds(p))
	}
	if p.Alert == nil || p.Alert.UserID != 11 {
		t.Fatalf("alert = %+v", p.Alert)
	}
}

type brokenUsers struct {
	*db.MemoryStore
}

func (brokenUsers) UpsertUser(ctx context.Context, u *models.User) error {
	return db.ErrUnavailable
}

func TestStorageFailureFailsTurn(t *testing.T) {
	f := newFixture(t)
	f.d.users = brokenUsers{f.store}
	_, err := f.d.Handle(context.Background(), Turn{Kind: TurnStart, User: user(12), ChatID: 12})
	if !errors.Is(err, db.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

// flakyUsers fails the next failGetUser user reads.
type flakyUsers struct {
	*db.MemoryStore
	failGetUser int
}

func (u *flakyUsers) GetUser(ctx context.Context, id int64) (*models.User, error) {
	if u.failGetUser > 0 {
		u.failGetUser--
		return nil, db.ErrUnavailable
	}
	return u.MemoryStore.GetUser(ctx, id)
}

func TestFinalAnswerRetriedAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.handle(t, Turn{Kind: TurnBeginQuiz, User: user(13), ChatID: 13})
	for i, tag := range []quiz.AnswerTag{"living_room", "comfort", "modern_classic"} {
		f.handle(t, answerTurn(13, i, tag))
	}

	f.d.users = &flakyUsers{MemoryStore: f.store, failGetUser: 1}
	if _, err := f.d.Handle(ctx, answerTurn(13, 3, "soft_cozy")); !errors.Is(err, db.ErrUnavailable) {
		t.Fatalf("first delivery: got %v, want ErrUnavailable", err)
	}
	cur, err := f.sessions.GetState(ctx, 13)
	if err != nil || cur.Status != models.SessionCompleted {
		t.Fatalf("session after failed turn = %+v, %v", cur, err)
	}

	p := f.handle(t, answerTurn(13, 3, "soft_cozy"))
	if !sameKinds(kinds(p), MsgAccepted, MsgResult, MsgPromo, MsgContactRequest) {
		t.Fatalf("redelivery plan = %v, want full completion bundle", kinds(p))
	}
	if p.Messages[1].Variant != quiz.Cloud {
		t.Fatalf("variant = %s, want CLOUD", p.Messages[1].Variant)
	}
	codes, _ := f.store.ListPromoCodes(ctx, 10, 0)
	if len(codes) != 1 {
		t.Fatalf("%d promo codes, want 1", len(codes))
	}
}

// flakyPromos fails the next failGet code lookups.
type flakyPromos struct {
	*promo.Service
	failGet int
}

func (p *flakyPromos) Get(ctx context.Context, userID int64) (*models.PromoCode, error) {
	if p.failGet > 0 {
		p.failGet--
		return nil, db.ErrUnavailable
	}
	return p.Service.Get(ctx, userID)
}

func TestContactRetriedAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bundle := f.completeQuiz(t, 14)
	code := bundle.Messages[2].Promo

	f.d.promos = &flakyPromos{Service: f.promos, failGet: 1}
	contact := Turn{Kind: TurnContact, User: user(14), ChatID: 14, Phone: "+79990003344", ContactName: "Anna"}
	if _, err := f.d.Handle(ctx, contact); !errors.Is(err, db.ErrUnavailable) {
		t.Fatalf("first delivery: got %v, want ErrUnavailable", err)
	}
	if u, _ := f.store.GetUser(ctx, 14); u.Phone != "" {
		t.Fatalf("phone stored by failed turn: %q", u.Phone)
	}

	p := f.handle(t, contact)
	if !sameKinds(kinds(p), MsgContactAccepted) || p.Lead == nil {
		t.Fatalf("redelivery plan = %+v", p)
	}
	if p.Lead.Promo == nil || p.Lead.Promo.Code != code.Code {
		t.Fatalf("lead promo = %+v, want %s", p.Lead.Promo, code.Code)
	}
}

func TestAnswerFromEarlierSessionIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.handle(t, Turn{Kind: TurnBeginQuiz, User: user(15), ChatID: 15})
	oldTag := first.Messages[0].SessionTag
	if oldTag == "" {
		t.Fatalf("question carries no session tag")
	}
	f.completeQuiz(t, 15)

	restarted := f.handle(t, Turn{Kind: TurnBeginQuiz, User: user(15), ChatID: 15})
	newTag := restarted.Messages[0].SessionTag
	if newTag == oldTag {
		t.Fatalf("restart kept session tag %s", oldTag)
	}

	late := answerTurn(15, 0, "studio")
	late.SessionTag = oldTag
	if p := f.handle(t, late); len(p.Messages) != 0 {
		t.Fatalf("late answer plan = %v, want empty", kinds(p))
	}
	cur, _ := f.sessions.GetState(ctx, 15)
	if cur.QuestionIndex != 0 || len(cur.Answers) != 0 {
		t.Fatalf("new session changed by late answer: %+v", cur)
	}

	current := answerTurn(15, 0, "studio")
	current.SessionTag = newTag
	p := f.handle(t, current)
	if !sameKinds(kinds(p), MsgQuestion) || p.Messages[0].QuestionIndex != 1 || p.Messages[0].SessionTag != newTag {
		t.Fatalf("current answer plan = %+v", p.Messages)
	}
}
