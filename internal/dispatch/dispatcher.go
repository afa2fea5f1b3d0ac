// Package dispatch turns one inbound Turn into an outbound Plan. It holds no
// state of its own; duplicate delivery safety comes from the idempotent
// session and promo services underneath.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"fils-quiz-bot/internal/models"
	"fils-quiz-bot/internal/promo"
	"fils-quiz-bot/internal/quiz"
	"fils-quiz-bot/internal/session"
	"fils-quiz-bot/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// minPhoneDigits is how many digits a text message needs to count as a phone.
const minPhoneDigits = 7

type Sessions interface {
	Start(ctx context.Context, userID int64) (*session.StartResult, error)
	SubmitAnswerIn(ctx context.Context, userID int64, sessionTag string, questionIndex int, tag quiz.AnswerTag) (*session.SubmitResult, error)
	GetState(ctx context.Context, userID int64) (*models.Session, error)
}

type Promos interface {
	IssueIfAbsent(ctx context.Context, userID int64) (*promo.IssueResult, error)
	Get(ctx context.Context, userID int64) (*models.PromoCode, error)
}

type Users interface {
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, telegramID int64) (*models.User, error)
	SetUserPhone(ctx context.Context, telegramID int64, phone string, at time.Time) (bool, error)
}

type Dispatcher struct {
	sessions Sessions
	promos   Promos
	users    Users
	logger   *logger.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func New(sessions Sessions, promos Promos, users Users, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		promos:   promos,
		users:    users,
		logger:   logger,
		tracer:   otel.Tracer("fils-quiz-bot/dispatch"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle applies turn and returns what to send. Invalid input yields a
// re-prompt plan; storage failures are returned so the caller can fail the
// delivery and let the platform redeliver it.
func (d *Dispatcher) Handle(ctx context.Context, turn Turn) (*Plan, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Handle", trace.WithAttributes(
		attribute.Int64("user.id", turn.User.TelegramID),
		attribute.String("turn.kind", turn.Kind.String()),
	))
	defer span.End()

	plan, err := d.handle(ctx, turn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("plan.messages", len(plan.Messages)))
	return plan, nil
}

func (d *Dispatcher) handle(ctx context.Context, turn Turn) (*Plan, error) {
	user := turn.User
	user.LastActiveAt = d.now()
	if err := d.users.UpsertUser(ctx, &user); err != nil {
		return nil, fmt.Errorf("touch user: %w", err)
	}

	switch turn.Kind {
	case TurnStart:
		return &Plan{Messages: []Message{{Kind: MsgGreeting}}}, nil
	case TurnHelp:
		return &Plan{Messages: []Message{{Kind: MsgHelp}}}, nil
	case TurnBeginQuiz:
		return d.beginQuiz(ctx, turn)
	case TurnAnswer:
		return d.answer(ctx, turn)
	case TurnContact:
		return d.contact(ctx, turn, turn.Phone, turn.ContactName)
	case TurnText:
		return d.text(ctx, turn)
	}
	return nil, fmt.Errorf("unknown turn kind %d", turn.Kind)
}

func (d *Dispatcher) beginQuiz(ctx context.Context, turn Turn) (*Plan, error) {
	res, err := d.sessions.Start(ctx, turn.User.TelegramID)
	if err != nil {
		return nil, err
	}

	if res.Session.Status == models.SessionInProgress {
		return &Plan{Messages: []Message{{
			Kind:          MsgQuestion,
			QuestionIndex: res.Session.QuestionIndex,
			SessionTag:    session.Tag(res.Session.ID),
			EditInPlace:   true,
		}}}, nil
	}

	// Restarts are disabled and the quiz is already done: show the outcome again.
	return d.completion(ctx, turn, res.Session, false)
}

func (d *Dispatcher) answer(ctx context.Context, turn Turn) (*Plan, error) {
	userID := turn.User.TelegramID
	res, err := d.sessions.SubmitAnswerIn(ctx, userID, turn.SessionTag, turn.QuestionIndex, turn.Answer)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrSessionClosed):
		return &Plan{Messages: []Message{{Kind: MsgStartHint}}}, nil
	case errors.Is(err, quiz.ErrUnknownAnswerTag),
		errors.Is(err, quiz.ErrQuestionOutOfRange),
		errors.Is(err, session.ErrUnexpectedQuestion):
		d.logger.Info("Invalid answer, re-prompting", "user_id", userID, "error", err)
		return d.reprompt(ctx, userID)
	default:
		return nil, err
	}

	if res.OtherSession {
		d.logger.Debug("Answer to an earlier session ignored", "user_id", userID)
		return &Plan{}, nil
	}
	if res.Completed {
		return d.completion(ctx, turn, res.Session, true)
	}

	if res.Session.Status == models.SessionInProgress {
		// Also taken for duplicates: re-rendering the current question in
		// place leaves the chat unchanged.
		return &Plan{Messages: []Message{{
			Kind:          MsgQuestion,
			QuestionIndex: res.Session.QuestionIndex,
			SessionTag:    session.Tag(res.Session.ID),
			EditInPlace:   true,
		}}}, nil
	}

	// The final answer delivered again. The earlier delivery may have failed
	// anywhere after completing the session, so send the whole bundle again.
	// IssueIfAbsent returns the existing code.
	if turn.QuestionIndex == quiz.QuestionCount-1 {
		return d.completion(ctx, turn, res.Session, true)
	}

	// An older answer to an already completed session. Make sure the code
	// exists; the bundle is only sent again if this call issued it.
	issued, err := d.promos.IssueIfAbsent(ctx, userID)
	if err != nil && !errors.Is(err, promo.ErrCodeGenerationExhausted) {
		return nil, err
	}
	if err == nil && issued.Created {
		return d.completion(ctx, turn, res.Session, true)
	}
	d.logger.Debug("Duplicate answer for completed quiz", "user_id", userID)
	return &Plan{}, nil
}

// completion builds the result, promo code and contact request messages.
// Issuing the code is the last storage call, so a failed turn leaves nothing
// committed past the session update.
func (d *Dispatcher) completion(ctx context.Context, turn Turn, sess models.Session, fromAnswer bool) (*Plan, error) {
	userID := turn.User.TelegramID
	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	plan := &Plan{}
	if fromAnswer {
		plan.add(Message{Kind: MsgAccepted, EditInPlace: true})
	}
	plan.add(Message{Kind: MsgResult, Variant: quiz.Variant(sess.Result)})

	issued, err := d.promos.IssueIfAbsent(ctx, userID)
	switch {
	case err == nil:
		code := issued.Code
		plan.add(Message{Kind: MsgPromo, Promo: &code})
	case errors.Is(err, promo.ErrCodeGenerationExhausted):
		d.logger.Error("Could not issue promo code", "user_id", userID, "error", err)
		plan.add(Message{Kind: MsgPromoUnavailable})
		plan.Alert = &Alert{UserID: userID, Reason: err.Error()}
	default:
		return nil, err
	}

	if user.Phone == "" {
		plan.add(Message{Kind: MsgContactRequest})
	}
	return plan, nil
}

func (d *Dispatcher) reprompt(ctx context.Context, userID int64) (*Plan, error) {
	cur, err := d.sessions.GetState(ctx, userID)
	if errors.Is(err, session.ErrNoSession) {
		return &Plan{Messages: []Message{{Kind: MsgStartHint}}}, nil
	}
	if err != nil {
		return nil, err
	}
	if cur.Status != models.SessionInProgress {
		return &Plan{Messages: []Message{{Kind: MsgStartHint}}}, nil
	}
	return &Plan{Messages: []Message{{
		Kind:          MsgReprompt,
		QuestionIndex: cur.QuestionIndex,
		SessionTag:    session.Tag(cur.ID),
	}}}, nil
}

// awaitingContact reports whether the user finished the quiz and has not left
// a phone yet.
func (d *Dispatcher) awaitingContact(ctx context.Context, userID int64) (*models.Session, bool, error) {
	cur, err := d.sessions.GetState(ctx, userID)
	if errors.Is(err, session.ErrNoSession) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if cur.Status != models.SessionCompleted {
		return cur, false, nil
	}
	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("load user: %w", err)
	}
	return cur, user.Phone == "", nil
}

func (d *Dispatcher) contact(ctx context.Context, turn Turn, phone, name string) (*Plan, error) {
	userID := turn.User.TelegramID
	cur, awaiting, err := d.awaitingContact(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !awaiting {
		d.logger.Debug("Contact ignored, not awaiting one", "user_id", userID)
		return &Plan{}, nil
	}

	lead := &Lead{
		User:        turn.User,
		Phone:       phone,
		ContactName: name,
		Answers:     cur.Answers,
		Variant:     quiz.Variant(cur.Result),
	}
	code, err := d.promos.Get(ctx, userID)
	switch {
	case err == nil:
		lead.Promo = code
	case errors.Is(err, promo.ErrNotFound):
	default:
		return nil, err
	}

	// Storing the phone ends the wait for a contact, so nothing that can fail
	// runs after it.
	applied, err := d.users.SetUserPhone(ctx, userID, phone, d.now())
	if err != nil {
		return nil, fmt.Errorf("store phone: %w", err)
	}
	if !applied {
		// A concurrent delivery of the same contact got there first.
		return &Plan{}, nil
	}

	d.logger.Info("Contact collected", "user_id", userID)
	return &Plan{
		Messages: []Message{{Kind: MsgContactAccepted}},
		Lead:     lead,
	}, nil
}

func (d *Dispatcher) text(ctx context.Context, turn Turn) (*Plan, error) {
	text := strings.TrimSpace(turn.Text)
	if looksLikePhone(text) {
		_, awaiting, err := d.awaitingContact(ctx, turn.User.TelegramID)
		if err != nil {
			return nil, err
		}
		if awaiting {
			return d.contact(ctx, turn, text, turn.User.FullName())
		}
	}

	cur, err := d.sessions.GetState(ctx, turn.User.TelegramID)
	if err != nil && !errors.Is(err, session.ErrNoSession) {
		return nil, err
	}
	if cur != nil && cur.Status == models.SessionInProgress {
		return &Plan{Messages: []Message{{
			Kind:          MsgReprompt,
			QuestionIndex: cur.QuestionIndex,
			SessionTag:    session.Tag(cur.ID),
		}}}, nil
	}
	return &Plan{Messages: []Message{{Kind: MsgHelp}}}, nil
}

func looksLikePhone(text string) bool {
	digits := 0
	for _, r := range text {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return digits >= minPhoneDigits
}

