// Package events defines the typed event contracts for the marie runtime.
// Every payload published on the bus uses one of these types; no ad-hoc
// map[string]interface{} events.
package events

import "time"

// Event names produced by the core.
const (
	// AnswerReceived fires after an outstanding question is resolved by a
	// reply. Payload: AnswerEvent.
	AnswerReceived = "answer_received"

	// QuestionExpired fires when a question times out or its recipient goes
	// offline with expire_on_offline set. Payload: ExpiredEvent.
	QuestionExpired = "question_expired"

	// GroupchatMessageReceived fires for every message seen in a monitored
	// room. Payload: GroupchatEvent.
	GroupchatMessageReceived = "groupchat_message_received"
)

// AnswerEvent is the payload for AnswerReceived.
type AnswerEvent struct {
	// The resolved question, as stored.
	Recipient   string                 `json:"to"`
	QuestionID  string                 `json:"id"`
	Text        string                 `json:"text"`
	SentAt      time.Time              `json:"sent"`
	PostbackURL string                 `json:"postback_url,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`

	// The answer derived from the incoming reply.
	Responder     string        `json:"from"`
	AnsweredAfter time.Duration `json:"answered_after"`
	Body          string        `json:"answer"`
	Thread        string        `json:"msg_thread"`
}

// ExpiredEvent is the payload for QuestionExpired.
type ExpiredEvent struct {
	Recipient   string                 `json:"to"`
	QuestionID  string                 `json:"id"`
	Text        string                 `json:"text"`
	SentAt      time.Time              `json:"sent"`
	PostbackURL string                 `json:"postback_url,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// GroupchatEvent is the payload for GroupchatMessageReceived.
type GroupchatEvent struct {
	Room   string    `json:"room"`
	Sender string    `json:"from"`
	Body   string    `json:"body"`
	SeenAt time.Time `json:"seen_at"`
}
