package bot

import (
	"fmt"
	"strings"

	"fils-quiz-bot/internal/dispatch"
	"fils-quiz-bot/internal/models"
	"fils-quiz-bot/internal/quiz"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	textGreeting = "👋 Привет! Я помогу подобрать диван FILS, который подойдёт именно тебе.\n\n" +
		"Ответь на 4 коротких вопроса, а в конце получишь рекомендацию и промокод на скидку."
	textHelp = "Я бот-квиз FILS. Нажми /start, чтобы пройти квиз и получить персональную рекомендацию " +
		"дивана и промокод на скидку."
	textStartHint        = "Похоже, квиз ещё не начат. Нажми кнопку ниже или отправь /start."
	textReprompt         = "Пожалуйста, выбери один из вариантов с помощью кнопок ниже."
	textAccepted         = "Спасибо за ответы! ✅ Подбираю диван…"
	textPromoUnavailable = "Не удалось выдать промокод прямо сейчас. Наш менеджер свяжется с тобой и пришлёт его лично."
	textContactRequest   = "Оставь свой номер телефона, и менеджер FILS поможет с выбором и оформлением заказа."
	textContactAccepted  = "Спасибо! Менеджер свяжется с тобой в ближайшее время. 🙌"
	textAnswerAck        = "Выбрано ✅"

	buttonStartQuiz    = "Начать квиз"
	buttonCatalogue    = "Смотреть модель"
	buttonAllModels    = "Все модели"
	buttonShareContact = "📱 Поделиться контактом"

	dateLayout = "02.01.2006"
)

func startKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(buttonStartQuiz, callbackStartQuiz),
		),
	)
}

func questionText(index int) string {
	q := quiz.Questions[index]
	return fmt.Sprintf("Вопрос %d из %d\n\n%s", index+1, quiz.QuestionCount, q.Prompt)
}

func questionKeyboard(index int, sessionTag string) tgbotapi.InlineKeyboardMarkup {
	q := quiz.Questions[index]
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(q.Options))
	for _, o := range q.Options {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(o.Label, answerData(index, o.Tag, sessionTag)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func resultMessage(chatID int64, v quiz.Variant) tgbotapi.MessageConfig {
	info, ok := quiz.Variants[v]
	if !ok {
		info = quiz.VariantInfo{Title: string(v), Description: "Твоя модель — *" + string(v) + "*.", URL: quiz.CatalogueURL}
	}
	msg := tgbotapi.NewMessage(chatID, "🎉 "+info.Description)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(buttonCatalogue+" "+info.Title, info.URL),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(buttonAllModels, quiz.CatalogueURL),
		),
	)
	return msg
}

func promoText(p *models.PromoCode) string {
	return fmt.Sprintf("🎁 Твой промокод на скидку %d ₽: `%s`\nДействует до %s.",
		p.Discount, p.Code, p.ExpiresAt.Format(dateLayout))
}

func contactKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButtonContact(buttonShareContact),
		),
	)
	kb.OneTimeKeyboard = true
	return kb
}

// render builds the outgoing Telegram call for m. Messages marked EditInPlace
// become edits of the origin message when there is one.
func render(o origin, m dispatch.Message) tgbotapi.Chattable {
	edit := m.EditInPlace && o.MessageID != 0

	switch m.Kind {
	case dispatch.MsgGreeting:
		msg := tgbotapi.NewMessage(o.ChatID, textGreeting)
		msg.ReplyMarkup = startKeyboard()
		return msg

	case dispatch.MsgHelp:
		return tgbotapi.NewMessage(o.ChatID, textHelp)

	case dispatch.MsgStartHint:
		msg := tgbotapi.NewMessage(o.ChatID, textStartHint)
		msg.ReplyMarkup = startKeyboard()
		return msg

	case dispatch.MsgQuestion:
		kb := questionKeyboard(m.QuestionIndex, m.SessionTag)
		if edit {
			return tgbotapi.NewEditMessageTextAndMarkup(o.ChatID, o.MessageID, questionText(m.QuestionIndex), kb)
		}
		msg := tgbotapi.NewMessage(o.ChatID, questionText(m.QuestionIndex))
		msg.ReplyMarkup = kb
		return msg

	case dispatch.MsgReprompt:
		msg := tgbotapi.NewMessage(o.ChatID, textReprompt+"\n\n"+questionText(m.QuestionIndex))
		msg.ReplyMarkup = questionKeyboard(m.QuestionIndex, m.SessionTag)
		return msg

	case dispatch.MsgAccepted:
		if edit {
			return tgbotapi.NewEditMessageText(o.ChatID, o.MessageID, textAccepted)
		}
		return tgbotapi.NewMessage(o.ChatID, textAccepted)

	case dispatch.MsgResult:
		return resultMessage(o.ChatID, m.Variant)

	case dispatch.MsgPromo:
		msg := tgbotapi.NewMessage(o.ChatID, promoText(m.Promo))
		msg.ParseMode = tgbotapi.ModeMarkdown
		return msg

	case dispatch.MsgPromoUnavailable:
		return tgbotapi.NewMessage(o.ChatID, textPromoUnavailable)

	case dispatch.MsgContactRequest:
		msg := tgbotapi.NewMessage(o.ChatID, textContactRequest)
		msg.ReplyMarkup = contactKeyboard()
		return msg

	case dispatch.MsgContactAccepted:
		msg := tgbotapi.NewMessage(o.ChatID, textContactAccepted)
		msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
		return msg
	}
	return nil
}

// leadText is the manager notification for a collected contact.
func leadText(l *dispatch.Lead) string {
	var b strings.Builder
	b.WriteString("📥 Новая заявка из квиза\n\n")
	fmt.Fprintf(&b, "Имя: %s\n", firstNonEmpty(l.ContactName, l.User.FullName()))
	if l.User.Username != "" {
		fmt.Fprintf(&b, "Telegram: @%s\n", l.User.Username)
	}
	fmt.Fprintf(&b, "ID: %d\n", l.User.TelegramID)
	fmt.Fprintf(&b, "Телефон: %s\n", l.Phone)
	if l.Variant != "" {
		fmt.Fprintf(&b, "Рекомендация: %s\n", l.Variant)
		if info, ok := quiz.Variants[l.Variant]; ok {
			fmt.Fprintf(&b, "Ссылка: %s\n", info.URL)
		}
	}
	if l.Promo != nil {
		fmt.Fprintf(&b, "Промокод: %s\n", l.Promo.Code)
	}
	if len(l.Answers) > 0 {
		b.WriteString("\nОтветы:\n")
		for i, tag := range l.Answers {
			label := tag
			if i < quiz.QuestionCount {
				if o, ok := quiz.Questions[i].Option(quiz.AnswerTag(tag)); ok {
					label = o.Label
				}
			}
			fmt.Fprintf(&b, "%d. %s\n", i+1, label)
		}
	}
	return b.String()
}

func alertText(a *dispatch.Alert) string {
	return fmt.Sprintf("⚠️ Не удалось выдать промокод пользователю %d: %s", a.UserID, a.Reason)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
