package bot

import (
	"fmt"
	"strconv"
	"strings"

	"fils-quiz-bot/internal/dispatch"
	"fils-quiz-bot/internal/models"
	"fils-quiz-bot/internal/quiz"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	callbackStartQuiz    = "start_quiz"
	callbackAnswerPrefix = "answer:"
)

// origin identifies where an update came from, for acknowledging callbacks
// and editing the message that carried the pressed button.
type origin struct {
	ChatID     int64
	MessageID  int
	CallbackID string
}

// answerData encodes an answer button as answer:<index>:<tag>[:<session>].
// Telegram caps callback data at 64 bytes.
func answerData(index int, tag quiz.AnswerTag, sessionTag string) string {
	data := fmt.Sprintf("%s%d:%s", callbackAnswerPrefix, index, tag)
	if sessionTag != "" {
		data += ":" + sessionTag
	}
	return data
}

func profile(u *tgbotapi.User) models.User {
	return models.User{
		TelegramID:   u.ID,
		Username:     u.UserName,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		LanguageCode: u.LanguageCode,
		IsBot:        u.IsBot,
	}
}

// parseUpdate converts an update into a turn. ok is false for updates the
// bot does not react to.
func parseUpdate(update tgbotapi.Update) (dispatch.Turn, origin, bool) {
	switch {
	case update.CallbackQuery != nil:
		return parseCallback(update.CallbackQuery)
	case update.Message != nil:
		return parseMessage(update.Message)
	}
	return dispatch.Turn{}, origin{}, false
}

func parseCallback(cq *tgbotapi.CallbackQuery) (dispatch.Turn, origin, bool) {
	if cq.From == nil {
		return dispatch.Turn{}, origin{}, false
	}
	o := origin{CallbackID: cq.ID, ChatID: cq.From.ID}
	if cq.Message != nil {
		o.ChatID = cq.Message.Chat.ID
		o.MessageID = cq.Message.MessageID
	}
	turn := dispatch.Turn{User: profile(cq.From), ChatID: o.ChatID}

	switch {
	case cq.Data == callbackStartQuiz:
		turn.Kind = dispatch.TurnBeginQuiz
	case strings.HasPrefix(cq.Data, callbackAnswerPrefix):
		turn.Kind = dispatch.TurnAnswer
		rest := strings.TrimPrefix(cq.Data, callbackAnswerPrefix)
		idx, rest, _ := strings.Cut(rest, ":")
		tag, sessionTag, _ := strings.Cut(rest, ":")
		n, err := strconv.Atoi(idx)
		if err != nil {
			// Rejected as out of range and re-prompted.
			n = -1
		}
		turn.QuestionIndex = n
		turn.Answer = quiz.AnswerTag(tag)
		turn.SessionTag = sessionTag
	default:
		return dispatch.Turn{}, o, false
	}
	return turn, o, true
}

func parseMessage(m *tgbotapi.Message) (dispatch.Turn, origin, bool) {
	if m.From == nil || m.Chat == nil {
		return dispatch.Turn{}, origin{}, false
	}
	o := origin{ChatID: m.Chat.ID}
	turn := dispatch.Turn{User: profile(m.From), ChatID: m.Chat.ID}

	switch {
	case m.Contact != nil:
		turn.Kind = dispatch.TurnContact
		turn.Phone = m.Contact.PhoneNumber
		turn.ContactName = strings.TrimSpace(m.Contact.FirstName + " " + m.Contact.LastName)
	case m.IsCommand():
		switch m.Command() {
		case "start":
			turn.Kind = dispatch.TurnStart
		case "help":
			turn.Kind = dispatch.TurnHelp
		default:
			turn.Kind = dispatch.TurnText
			turn.Text = m.Text
		}
	case m.Text != "":
		turn.Kind = dispatch.TurnText
		turn.Text = m.Text
	default:
		return dispatch.Turn{}, o, false
	}
	return turn, o, true
}
