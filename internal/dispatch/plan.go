package dispatch

import (
	"fils-quiz-bot/internal/models"
	"fils-quiz-bot/internal/quiz"
)

type TurnKind int

const (
	// TurnStart is the /start command.
	TurnStart TurnKind = iota
	TurnHelp
	// TurnBeginQuiz is a tap on the "start quiz" button.
	TurnBeginQuiz
	TurnAnswer
	// TurnContact is a shared Telegram contact.
	TurnContact
	// TurnText is any other plain text message.
	TurnText
)

func (k TurnKind) String() string {
	switch k {
	case TurnStart:
		return "start"
	case TurnHelp:
		return "help"
	case TurnBeginQuiz:
		return "begin_quiz"
	case TurnAnswer:
		return "answer"
	case TurnContact:
		return "contact"
	case TurnText:
		return "text"
	}
	return "unknown"
}

// Turn is one normalized inbound user interaction.
type Turn struct {
	Kind   TurnKind
	User   models.User
	ChatID int64

	QuestionIndex int
	Answer        quiz.AnswerTag
	// SessionTag identifies the session the answered question belonged to.
	// Empty when the button predates session tags.
	SessionTag string

	Phone       string
	ContactName string

	Text string
}

type MessageKind int

const (
	MsgGreeting MessageKind = iota
	MsgHelp
	MsgStartHint
	// MsgQuestion shows the question at QuestionIndex.
	MsgQuestion
	// MsgReprompt asks again for the question at QuestionIndex after invalid input.
	MsgReprompt
	// MsgAccepted acknowledges the final answer.
	MsgAccepted
	MsgResult
	MsgPromo
	MsgPromoUnavailable
	MsgContactRequest
	MsgContactAccepted
)

// Message is one outbound message. Text and keyboards are chosen by the
// transport from Kind and the payload fields.
type Message struct {
	Kind          MessageKind
	QuestionIndex int
	SessionTag    string
	Variant       quiz.Variant
	Promo         *models.PromoCode
	// EditInPlace asks the transport to replace the message the turn came
	// from instead of sending a new one.
	EditInPlace bool
}

// Lead is the contact summary forwarded to the manager.
type Lead struct {
	User        models.User
	Phone       string
	ContactName string
	Answers     []string
	Variant     quiz.Variant
	Promo       *models.PromoCode
}

// Alert is an operator-facing failure notice.
type Alert struct {
	UserID int64
	Reason string
}

// Plan is everything the transport should send for one turn, in order.
type Plan struct {
	Messages []Message
	Lead     *Lead
	Alert    *Alert
}

func (p *Plan) add(msgs ...Message) {
	p.Messages = append(p.Messages, msgs...)
}
