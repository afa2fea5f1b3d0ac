package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fils-quiz-bot/internal/dispatch"
	"fils-quiz-bot/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of the Bot API client used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Handler applies one turn.
type Handler interface {
	Handle(ctx context.Context, turn dispatch.Turn) (*dispatch.Plan, error)
}

// Deduplicator drops repeated deliveries of the same update id.
type Deduplicator interface {
	Claim(ctx context.Context, updateID int) (bool, error)
	Release(ctx context.Context, updateID int) error
}

type Options struct {
	ManagerChatID int64
	// QuestionDelay is the pause before showing the next question.
	QuestionDelay time.Duration
	// ResultDelay is the pause between the final answer and the result.
	ResultDelay time.Duration
}

type TelegramBot struct {
	api     *tgbotapi.BotAPI
	sender  Sender
	handler Handler
	dedup   Deduplicator
	logger  *logger.Logger
	opts    Options
}

func NewBotAPI(token string, debug bool, logger *logger.Logger) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	api.Debug = debug

	logger.Info("Authorized on Telegram", "username", api.Self.UserName)
	return api, nil
}

// NewTelegramBot wires the Bot API client to handler. dedup may be nil.
func NewTelegramBot(api *tgbotapi.BotAPI, handler Handler, dedup Deduplicator, logger *logger.Logger, opts Options) *TelegramBot {
	t := newTelegramBot(api, handler, dedup, logger, opts)
	t.api = api
	return t
}

func newTelegramBot(sender Sender, handler Handler, dedup Deduplicator, logger *logger.Logger, opts Options) *TelegramBot {
	return &TelegramBot{
		sender:  sender,
		handler: handler,
		dedup:   dedup,
		logger:  logger,
		opts:    opts,
	}
}

// Start begins receiving updates from Telegram via polling.
func (t *TelegramBot) Start(ctx context.Context) error {
	t.logger.Info("Removing any existing webhook")
	if _, err := t.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := t.api.GetUpdatesChan(updateConfig)

	t.logger.Info("Started receiving Telegram updates")
	go t.handleUpdates(ctx, updates)
	return nil
}

// SetWebhook registers url with Telegram for webhook delivery.
func (t *TelegramBot) SetWebhook(url, secret string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("failed to build webhook config: %w", err)
	}
	wh.AllowedUpdates = []string{"message", "callback_query"}
	params, err := wh.Params()
	if err != nil {
		return fmt.Errorf("failed to encode webhook config: %w", err)
	}
	if secret != "" {
		params["secret_token"] = secret
	}
	if _, err := t.api.MakeRequest(wh.Method(), params); err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}
	t.logger.Info("Webhook registered", "url", url)
	return nil
}

func (t *TelegramBot) handleUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for update := range updates {
		go func(update tgbotapi.Update) {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("Recovered from panic while processing update", "error", r)
				}
			}()
			// Polling has no redelivery; a failed turn is only logged.
			if err := t.HandleUpdate(ctx, update); err != nil {
				t.logger.Error("Failed to process update", "update_id", update.UpdateID, "error", err)
			}
		}(update)
	}
}

// HandleUpdate processes one update. A non-nil error means the state change
// was not applied and the delivery should be retried.
func (t *TelegramBot) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	turn, o, ok := parseUpdate(update)
	if !ok {
		t.ack(o, "")
		t.logger.Debug("Ignoring update", "update_id", update.UpdateID)
		return nil
	}

	if t.dedup != nil {
		claimed, err := t.dedup.Claim(ctx, update.UpdateID)
		if err != nil {
			// The stores are idempotent, so carry on without the fast path.
			t.logger.Warn("Update dedup unavailable", "update_id", update.UpdateID, "error", err)
		} else if !claimed {
			t.logger.Info("Duplicate update dropped", "update_id", update.UpdateID)
			t.ack(o, "")
			return nil
		}
	}

	log := t.logger.With("update_id", update.UpdateID, "user_id", turn.User.TelegramID, "turn", turn.Kind.String())
	log.Debug("Handling turn")

	plan, err := t.handler.Handle(ctx, turn)
	if err != nil {
		if t.dedup != nil {
			if rerr := t.dedup.Release(ctx, update.UpdateID); rerr != nil {
				log.Warn("Failed to release dedup key", "error", rerr)
			}
		}
		return err
	}

	ackText := ""
	if turn.Kind == dispatch.TurnAnswer {
		ackText = textAnswerAck
	}
	t.ack(o, ackText)
	t.deliver(ctx, o, plan, log)
	return nil
}

func (t *TelegramBot) ack(o origin, text string) {
	if o.CallbackID == "" {
		return
	}
	if _, err := t.sender.Request(tgbotapi.NewCallback(o.CallbackID, text)); err != nil {
		t.logger.Warn("Failed to answer callback query", "error", err)
	}
}

// deliver sends the plan. Send failures are logged and do not fail the turn:
// the state change is already stored.
func (t *TelegramBot) deliver(ctx context.Context, o origin, plan *dispatch.Plan, log *logger.Logger) {
	for _, m := range plan.Messages {
		switch {
		case m.Kind == dispatch.MsgQuestion && m.EditInPlace && m.QuestionIndex > 0:
			if !t.pause(ctx, t.opts.QuestionDelay) {
				return
			}
		case m.Kind == dispatch.MsgResult:
			if !t.pause(ctx, t.opts.ResultDelay) {
				return
			}
		}

		c := render(o, m)
		if c == nil {
			log.Warn("No rendering for message", "kind", m.Kind)
			continue
		}
		if err := t.send(c); err != nil {
			log.Error("Failed to send message", "kind", m.Kind, "error", err)
		}
	}

	if t.opts.ManagerChatID == 0 {
		if plan.Lead != nil || plan.Alert != nil {
			log.Warn("Manager chat is not configured, notification dropped")
		}
		return
	}
	if plan.Lead != nil {
		if err := t.send(tgbotapi.NewMessage(t.opts.ManagerChatID, leadText(plan.Lead))); err != nil {
			log.Error("Failed to notify manager", "error", err)
		}
	}
	if plan.Alert != nil {
		if err := t.send(tgbotapi.NewMessage(t.opts.ManagerChatID, alertText(plan.Alert))); err != nil {
			log.Error("Failed to send operator alert", "error", err)
		}
	}
}

func (t *TelegramBot) send(c tgbotapi.Chattable) error {
	var err error
	if _, isEdit := c.(tgbotapi.EditMessageTextConfig); isEdit {
		// Edits return the message or true; Request copes with both.
		_, err = t.sender.Request(c)
	} else {
		_, err = t.sender.Send(c)
	}
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

func (t *TelegramBot) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Stop gracefully shuts down the bot.
func (t *TelegramBot) Stop(ctx context.Context) error {
	if t.api != nil {
		t.api.StopReceivingUpdates()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(500 * time.Millisecond):
		return nil
	}
}
