// Package session implements the question/answer engine: outstanding
// questions per recipient, lazy expiry, and the multiple-question
// disambiguation dialog.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/viktorstiskala/marie/pkg/store"
	"github.com/viktorstiskala/marie/pkg/transport"
)

// Store keys. Questions live in one hash per recipient bare identity
// (field = question id); the dialog state hashes are keyed by recipient.
const (
	answersKey = "__answers"
	mappingKey = "__question_mapping"
)

// Question is one outstanding question sent to a recipient. It is owned
// exclusively by the Manager; nothing else mutates it.
type Question struct {
	Recipient       string
	ID              string
	Text            string
	SentAt          time.Time
	ExpiresAt       *time.Time // nil = never expires
	ConfirmText     string
	ExpireOnOffline bool
	OnlyIfStatus    []transport.Status
	PostbackURL     string
	Extra           map[string]interface{}
}

// Expired reports whether the question's deadline has passed at now.
func (q *Question) Expired(now time.Time) bool {
	return q.ExpiresAt != nil && !q.ExpiresAt.After(now)
}

// Answer is derived when an inbound message resolves a Question. It lives
// only long enough to be handed to the event bus.
type Answer struct {
	QuestionID    string
	Responder     string // full identity of whoever replied
	AnsweredAfter time.Duration
	Body          string
	Thread        string
}

// OutcomeKind classifies the result of HandleIncomingMessage.
type OutcomeKind int

const (
	// NoMatch means no outstanding question consumed the message; the
	// caller falls through to command dispatch.
	NoMatch OutcomeKind = iota
	// Resolved means a question was answered.
	Resolved
	// AwaitingDisambiguation means the recipient was prompted to pick
	// which outstanding question their reply belongs to.
	AwaitingDisambiguation
)

// Outcome is the result of HandleIncomingMessage.
type Outcome struct {
	Kind   OutcomeKind
	Answer *Answer // set when Kind == Resolved
}

// encodeQuestion serializes a question in the persisted hash layout.
func encodeQuestion(q *Question) (string, error) {
	m := map[string]interface{}{
		"to":   q.Recipient,
		"id":   q.ID,
		"text": q.Text,
		"sent": q.SentAt,
	}
	if q.ExpiresAt != nil {
		m["expires"] = *q.ExpiresAt
	}
	if q.ConfirmText != "" {
		m["confirm_text"] = q.ConfirmText
	}
	if q.ExpireOnOffline {
		m["expire_on_offline"] = true
	}
	if len(q.OnlyIfStatus) > 0 {
		statuses := make([]string, len(q.OnlyIfStatus))
		for i, s := range q.OnlyIfStatus {
			statuses[i] = string(s)
		}
		m["only_if_status"] = strings.Join(statuses, ",")
	}
	if q.PostbackURL != "" {
		m["postback_url"] = q.PostbackURL
	}
	for k, v := range q.Extra {
		if _, reserved := m[k]; !reserved {
			m[k] = v
		}
	}
	return store.EncodeValue(m)
}

// decodeQuestion rebuilds a question from its persisted form.
func decodeQuestion(raw string) (*Question, error) {
	decoded, err := store.DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	m, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("question value is not a mapping")
	}

	q := &Question{Extra: make(map[string]interface{})}
	for k, v := range m {
		switch k {
		case "to":
			q.Recipient, _ = v.(string)
		case "id":
			q.ID, _ = v.(string)
		case "text":
			q.Text, _ = v.(string)
		case "sent":
			if t, ok := v.(time.Time); ok {
				q.SentAt = t
			}
		case "expires":
			if t, ok := v.(time.Time); ok {
				q.ExpiresAt = &t
			}
		case "confirm_text":
			q.ConfirmText, _ = v.(string)
		case "expire_on_offline":
			b, _ := v.(bool)
			q.ExpireOnOffline = b
		case "only_if_status":
			if s, ok := v.(string); ok && s != "" {
				for _, part := range strings.Split(s, ",") {
					q.OnlyIfStatus = append(q.OnlyIfStatus, transport.Status(part))
				}
			}
		case "postback_url":
			q.PostbackURL, _ = v.(string)
		default:
			q.Extra[k] = v
		}
	}
	if q.ID == "" || q.Recipient == "" {
		return nil, fmt.Errorf("question value missing id or recipient")
	}
	return q, nil
}
