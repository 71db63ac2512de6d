package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viktorstiskala/marie/pkg/bus"
	"github.com/viktorstiskala/marie/pkg/events"
	"github.com/viktorstiskala/marie/pkg/logger"
	"github.com/viktorstiskala/marie/pkg/presence"
	"github.com/viktorstiskala/marie/pkg/store"
	"github.com/viktorstiskala/marie/pkg/transport"
)

// ErrInvalidRecipient reports a SendQuestion call with an empty recipient.
var ErrInvalidRecipient = errors.New("invalid recipient")

const choicePrompt = "To which question are you answering?"

// SendOptions carries the optional attributes of a question.
type SendOptions struct {
	// Timeout > 0 sets the expiry deadline relative to now.
	Timeout time.Duration
	// ConfirmText, when set, is sent back to the responder on resolution.
	ConfirmText string
	// ExpireOnOffline expires the question when the recipient goes offline.
	ExpireOnOffline bool
	// OnlyIfStatus suppresses the outbound send unless the recipient's
	// tracked status is in the set. The question is recorded either way.
	OnlyIfStatus []transport.Status
	// PostbackURL is the delivery target the webhook relay posts the
	// answer to.
	PostbackURL string
	// Extra is arbitrary caller-supplied metadata, persisted with the
	// question and carried on its events.
	Extra map[string]interface{}
}

// pendingAnswer is the raw reply captured before the recipient picked which
// question it belongs to.
type pendingAnswer struct {
	Body      string `json:"body"`
	Thread    string `json:"thread"`
	Responder string `json:"responder"`
}

// Manager is the question/answer session store. All per-recipient state
// transitions are serialized through a per-recipient mutex; unrelated
// recipients proceed concurrently.
type Manager struct {
	store    store.Store
	conn     transport.Transport
	presence *presence.Tracker
	bus      *bus.Bus
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires the session engine to its collaborators.
func NewManager(st store.Store, conn transport.Transport, tracker *presence.Tracker, b *bus.Bus) *Manager {
	return &Manager{
		store:    st,
		conn:     conn,
		presence: tracker,
		bus:      b,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source (tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// recipientLock returns the locked per-recipient mutex. Caller must Unlock.
func (m *Manager) recipientLock(bare string) *sync.Mutex {
	m.mu.Lock()
	l, ok := m.locks[bare]
	if !ok {
		l = &sync.Mutex{}
		m.locks[bare] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l
}

// SendQuestion records a question for recipient and sends it through the
// transport. A colliding (recipient, questionID) silently overwrites the
// prior question. When OnlyIfStatus excludes the recipient's tracked status
// the question is still recorded but no chat message goes out.
func (m *Manager) SendQuestion(ctx context.Context, recipient, text, questionID string, opts SendOptions) error {
	if recipient == "" {
		return ErrInvalidRecipient
	}
	if questionID == "" {
		return fmt.Errorf("question id is required")
	}

	l := m.recipientLock(recipient)
	defer l.Unlock()

	now := m.now()
	q := &Question{
		Recipient:       recipient,
		ID:              questionID,
		Text:            text,
		SentAt:          now,
		ConfirmText:     opts.ConfirmText,
		ExpireOnOffline: opts.ExpireOnOffline,
		OnlyIfStatus:    opts.OnlyIfStatus,
		PostbackURL:     opts.PostbackURL,
		Extra:           opts.Extra,
	}
	if opts.Timeout > 0 {
		deadline := now.Add(opts.Timeout)
		q.ExpiresAt = &deadline
	}

	encoded, err := encodeQuestion(q)
	if err != nil {
		return fmt.Errorf("encode question %s/%s: %w", recipient, questionID, err)
	}
	if err := m.store.SetField(ctx, recipient, questionID, encoded); err != nil {
		return fmt.Errorf("store question %s/%s: %w", recipient, questionID, err)
	}

	if len(q.OnlyIfStatus) > 0 {
		current := m.presence.GetStatus(recipient)
		allowed := false
		for _, s := range q.OnlyIfStatus {
			if s == current {
				allowed = true
				break
			}
		}
		if !allowed {
			logger.DebugCF("session", "Send suppressed by only_if_status", map[string]interface{}{
				"to": recipient, "id": questionID, "status": current,
			})
			return nil
		}
	}

	if err := m.presence.EnsureAuthorized(ctx, recipient); err != nil {
		logger.WarnCF("session", "Authorization check failed", map[string]interface{}{
			"to": recipient, "error": err.Error(),
		})
	}
	if err := m.conn.SendChatMessage(ctx, recipient, text); err != nil {
		logger.ErrorCF("session", "Question send failed", map[string]interface{}{
			"to": recipient, "id": questionID, "error": err.Error(),
		})
		return err
	}
	return nil
}

// loadQuestions reads all outstanding questions for a recipient. An
// undecodable hash is treated as corruption of that one key: it is deleted
// and an empty set returned.
func (m *Manager) loadQuestions(ctx context.Context, bare string) (map[string]*Question, error) {
	raw, err := m.store.GetAll(ctx, bare)
	if err != nil {
		return nil, fmt.Errorf("load questions for %s: %w", bare, err)
	}

	questions := make(map[string]*Question, len(raw))
	for id, value := range raw {
		q, err := decodeQuestion(value)
		if err != nil {
			logger.WarnCF("session", "Corrupted question hash, dropping key", map[string]interface{}{
				"key": bare, "error": err.Error(),
			})
			if delErr := m.store.DeleteKey(ctx, bare); delErr != nil {
				return nil, fmt.Errorf("drop corrupted key %s: %w", bare, delErr)
			}
			return map[string]*Question{}, nil
		}
		questions[id] = q
	}
	return questions, nil
}

// HandleIncomingMessage routes an inbound chat/normal message through the
// question engine. The expiry sweep runs first on every call; there is no
// timer thread, so a question can outlive its deadline until the recipient
// next sends a message or goes offline. That is a documented limitation.
func (m *Manager) HandleIncomingMessage(ctx context.Context, msg transport.InboundMessage) (Outcome, error) {
	bare := msg.From.Bare
	if bare == "" {
		return Outcome{Kind: NoMatch}, nil
	}

	l := m.recipientLock(bare)
	defer l.Unlock()

	questions, err := m.loadQuestions(ctx, bare)
	if err != nil {
		return Outcome{Kind: NoMatch}, err
	}
	if len(questions) == 0 {
		return Outcome{Kind: NoMatch}, nil
	}

	// Expiry sweep before any answer matching.
	now := m.now()
	for id, q := range questions {
		if q.Expired(now) {
			if err := m.expireQuestion(ctx, q); err != nil {
				return Outcome{Kind: NoMatch}, err
			}
			delete(questions, id)
		}
	}

	mapping, err := m.loadMapping(ctx, bare)
	if err != nil {
		return Outcome{Kind: NoMatch}, err
	}

	switch {
	case len(questions) == 0:
		// Everything expired in the sweep; discard any dialog state.
		if mapping != nil {
			if err := m.clearDialogState(ctx, bare); err != nil {
				return Outcome{Kind: NoMatch}, err
			}
		}
		return Outcome{Kind: NoMatch}, nil

	case len(questions) == 1:
		// The ambiguity, if any, resolved itself: one question left.
		if mapping != nil {
			if err := m.clearDialogState(ctx, bare); err != nil {
				return Outcome{Kind: NoMatch}, err
			}
		}
		var q *Question
		for _, only := range questions {
			q = only
		}
		answer, err := m.resolveQuestion(ctx, q, msg.Body, msg.From.Full, msg.Thread, &msg)
		if err != nil {
			return Outcome{Kind: NoMatch}, err
		}
		return Outcome{Kind: Resolved, Answer: answer}, nil

	default:
		if mapping == nil {
			return m.enterDisambiguation(ctx, bare, msg, questions)
		}
		return m.handleChoice(ctx, bare, msg, questions, mapping)
	}
}

// ExpireOnOffline expires every outstanding question of bare that has
// expire_on_offline set, independent of its deadline.
func (m *Manager) ExpireOnOffline(ctx context.Context, bare string) error {
	l := m.recipientLock(bare)
	defer l.Unlock()

	questions, err := m.loadQuestions(ctx, bare)
	if err != nil {
		return err
	}
	for _, q := range questions {
		if q.ExpireOnOffline {
			if err := m.expireQuestion(ctx, q); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushAll unconditionally discards every outstanding question and dialog
// state. It is a bulk discard, not an expiry: no events fire.
func (m *Manager) FlushAll(ctx context.Context) (string, error) {
	if err := m.store.FlushAll(ctx); err != nil {
		return "", fmt.Errorf("flush store: %w", err)
	}
	logger.InfoC("session", "All outstanding questions flushed")
	return "All outstanding questions and dialog state have been flushed.", nil
}

// resolveQuestion finishes a question: optional confirm reply, answer event,
// removal. Event firing and deletion happen in the same resolution step
// under the recipient lock, so each question resolves at most once.
func (m *Manager) resolveQuestion(ctx context.Context, q *Question, body, responder, thread string, replyTo *transport.InboundMessage) (*Answer, error) {
	if q.ConfirmText != "" && replyTo != nil {
		if err := m.conn.ReplyTo(ctx, *replyTo, q.ConfirmText); err != nil {
			logger.WarnCF("session", "Confirm reply failed", map[string]interface{}{
				"to": q.Recipient, "id": q.ID, "error": err.Error(),
			})
		}
	}

	if thread == "" {
		thread = uuid.NewString()
	}
	answer := &Answer{
		QuestionID:    q.ID,
		Responder:     responder,
		AnsweredAfter: m.now().Sub(q.SentAt),
		Body:          body,
		Thread:        thread,
	}

	if err := m.store.DeleteFields(ctx, q.Recipient, q.ID); err != nil {
		return nil, fmt.Errorf("remove question %s/%s: %w", q.Recipient, q.ID, err)
	}

	m.bus.Publish(events.AnswerReceived, events.AnswerEvent{
		Recipient:     q.Recipient,
		QuestionID:    q.ID,
		Text:          q.Text,
		SentAt:        q.SentAt,
		PostbackURL:   q.PostbackURL,
		Extra:         q.Extra,
		Responder:     answer.Responder,
		AnsweredAfter: answer.AnsweredAfter,
		Body:          answer.Body,
		Thread:        answer.Thread,
	})
	logger.InfoCF("session", "Question answered", map[string]interface{}{
		"to": q.Recipient, "id": q.ID,
	})
	return answer, nil
}

// expireQuestion fires question_expired and removes the question, as one step.
func (m *Manager) expireQuestion(ctx context.Context, q *Question) error {
	if err := m.store.DeleteFields(ctx, q.Recipient, q.ID); err != nil {
		return fmt.Errorf("remove expired question %s/%s: %w", q.Recipient, q.ID, err)
	}
	m.bus.Publish(events.QuestionExpired, events.ExpiredEvent{
		Recipient:   q.Recipient,
		QuestionID:  q.ID,
		Text:        q.Text,
		SentAt:      q.SentAt,
		PostbackURL: q.PostbackURL,
		Extra:       q.Extra,
	})
	logger.InfoCF("session", "Question expired", map[string]interface{}{
		"to": q.Recipient, "id": q.ID,
	})
	return nil
}

// --- disambiguation dialog ---

// loadMapping returns the persisted ordinal -> question id mapping, or nil
// when the recipient is not in a disambiguation dialog.
func (m *Manager) loadMapping(ctx context.Context, bare string) (map[string]string, error) {
	raw, ok, err := m.store.GetField(ctx, mappingKey, bare)
	if err != nil {
		return nil, fmt.Errorf("load question mapping for %s: %w", bare, err)
	}
	if !ok {
		return nil, nil
	}
	var mapping map[string]string
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		logger.WarnCF("session", "Corrupted question mapping, dropping", map[string]interface{}{
			"key": bare, "error": err.Error(),
		})
		if delErr := m.store.DeleteFields(ctx, mappingKey, bare); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}
	return mapping, nil
}

// buildMapping assigns stable ordinals 1..N, ordered by send time then id.
func buildMapping(questions map[string]*Question) map[string]string {
	ordered := make([]*Question, 0, len(questions))
	for _, q := range questions {
		ordered = append(ordered, q)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].SentAt.Equal(ordered[j].SentAt) {
			return ordered[i].SentAt.Before(ordered[j].SentAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	mapping := make(map[string]string, len(ordered))
	for i, q := range ordered {
		mapping[strconv.Itoa(i+1)] = q.ID
	}
	return mapping
}

// mappingMatches reports whether mapping covers exactly the current
// question set.
func mappingMatches(mapping map[string]string, questions map[string]*Question) bool {
	if len(mapping) != len(questions) {
		return false
	}
	for _, id := range mapping {
		if _, ok := questions[id]; !ok {
			return false
		}
	}
	return true
}

// choiceList renders the numbered question list for the dialog prompt.
func choiceList(mapping map[string]string, questions map[string]*Question) string {
	ordinals := make([]int, 0, len(mapping))
	for k := range mapping {
		if n, err := strconv.Atoi(k); err == nil {
			ordinals = append(ordinals, n)
		}
	}
	sort.Ints(ordinals)

	var b strings.Builder
	for _, n := range ordinals {
		q, ok := questions[mapping[strconv.Itoa(n)]]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "[%d] %s\n", n, q.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Manager) saveMapping(ctx context.Context, bare string, mapping map[string]string) error {
	encoded, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encode question mapping: %w", err)
	}
	if err := m.store.SetField(ctx, mappingKey, bare, string(encoded)); err != nil {
		return fmt.Errorf("store question mapping for %s: %w", bare, err)
	}
	return nil
}

func (m *Manager) savePendingAnswer(ctx context.Context, bare string, pending pendingAnswer) error {
	encoded, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encode pending answer: %w", err)
	}
	if err := m.store.SetField(ctx, answersKey, bare, string(encoded)); err != nil {
		return fmt.Errorf("store pending answer for %s: %w", bare, err)
	}
	return nil
}

func (m *Manager) loadPendingAnswer(ctx context.Context, bare string) (pendingAnswer, bool, error) {
	raw, ok, err := m.store.GetField(ctx, answersKey, bare)
	if err != nil || !ok {
		return pendingAnswer{}, false, err
	}
	var pending pendingAnswer
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		// Treat as corruption of this one entry.
		if delErr := m.store.DeleteFields(ctx, answersKey, bare); delErr != nil {
			return pendingAnswer{}, false, delErr
		}
		return pendingAnswer{}, false, nil
	}
	return pending, true, nil
}

// clearDialogState removes the mapping and pending answer for a recipient.
func (m *Manager) clearDialogState(ctx context.Context, bare string) error {
	if err := m.store.DeleteFields(ctx, mappingKey, bare); err != nil {
		return err
	}
	return m.store.DeleteFields(ctx, answersKey, bare)
}

// enterDisambiguation captures the raw reply, assigns ordinals, and prompts
// the recipient to pick which question their reply answers.
func (m *Manager) enterDisambiguation(ctx context.Context, bare string, msg transport.InboundMessage, questions map[string]*Question) (Outcome, error) {
	pending := pendingAnswer{Body: msg.Body, Thread: msg.Thread, Responder: msg.From.Full}
	if err := m.savePendingAnswer(ctx, bare, pending); err != nil {
		return Outcome{Kind: NoMatch}, err
	}

	mapping := buildMapping(questions)
	if err := m.saveMapping(ctx, bare, mapping); err != nil {
		return Outcome{Kind: NoMatch}, err
	}

	prompt := choicePrompt + "\n" + choiceList(mapping, questions)
	if err := m.conn.ReplyTo(ctx, msg, prompt); err != nil {
		logger.WarnCF("session", "Choice prompt failed", map[string]interface{}{
			"to": bare, "error": err.Error(),
		})
	}
	return Outcome{Kind: AwaitingDisambiguation}, nil
}

// handleChoice interprets a message received while a disambiguation dialog
// is active.
func (m *Manager) handleChoice(ctx context.Context, bare string, msg transport.InboundMessage, questions map[string]*Question, mapping map[string]string) (Outcome, error) {
	// A question expired or arrived since the prompt: the old ordinals are
	// unsafe to interpret, so regenerate and re-prompt.
	if !mappingMatches(mapping, questions) {
		mapping = buildMapping(questions)
		if err := m.saveMapping(ctx, bare, mapping); err != nil {
			return Outcome{Kind: NoMatch}, err
		}
		prompt := "Some of the questions are no longer available.\n" +
			choicePrompt + "\n" + choiceList(mapping, questions)
		if err := m.conn.ReplyTo(ctx, msg, prompt); err != nil {
			logger.WarnCF("session", "Choice re-prompt failed", map[string]interface{}{
				"to": bare, "error": err.Error(),
			})
		}
		return Outcome{Kind: AwaitingDisambiguation}, nil
	}

	choice := strings.TrimSpace(msg.Body)
	questionID, ok := mapping[choice]
	if _, numErr := strconv.Atoi(choice); numErr != nil || !ok {
		// Invalid selection: re-prompt with the same ordinals.
		prompt := "Sorry, I did not understand your choice.\n" +
			choicePrompt + "\n" + choiceList(mapping, questions)
		if err := m.conn.ReplyTo(ctx, msg, prompt); err != nil {
			logger.WarnCF("session", "Choice re-prompt failed", map[string]interface{}{
				"to": bare, "error": err.Error(),
			})
		}
		return Outcome{Kind: AwaitingDisambiguation}, nil
	}

	q := questions[questionID]
	pending, havePending, err := m.loadPendingAnswer(ctx, bare)
	if err != nil {
		return Outcome{Kind: NoMatch}, err
	}
	if !havePending {
		// Pending reply lost (store wiped mid-dialog): fall back to the
		// choice message itself as the answer body.
		pending = pendingAnswer{Body: msg.Body, Thread: msg.Thread, Responder: msg.From.Full}
	}

	if err := m.clearDialogState(ctx, bare); err != nil {
		return Outcome{Kind: NoMatch}, err
	}

	answer, err := m.resolveQuestion(ctx, q, pending.Body, pending.Responder, pending.Thread, &msg)
	if err != nil {
		return Outcome{Kind: NoMatch}, err
	}
	return Outcome{Kind: Resolved, Answer: answer}, nil
}
