package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/viktorstiskala/marie/pkg/bus"
	"github.com/viktorstiskala/marie/pkg/engine"
	"github.com/viktorstiskala/marie/pkg/events"
	"github.com/viktorstiskala/marie/pkg/logger"
)

// PostbackRelay forwards answer and group-chat events as outbound POSTs to
// the per-question or per-room configured URL. Deliveries are fire-and-forget
// supervised tasks; a failed POST is logged and not retried.
type PostbackRelay struct {
	engine     *engine.Engine
	supervisor *bus.Supervisor
	client     *http.Client
}

// NewPostbackRelay wires the relay onto the bus.
func NewPostbackRelay(e *engine.Engine, b *bus.Bus, sup *bus.Supervisor) *PostbackRelay {
	r := &PostbackRelay{
		engine:     e,
		supervisor: sup,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	b.Subscribe(events.AnswerReceived, r.onAnswer)
	b.Subscribe(events.GroupchatMessageReceived, r.onGroupchat)
	return r
}

func (r *PostbackRelay) onAnswer(payload interface{}) {
	evt, ok := payload.(events.AnswerEvent)
	if !ok || evt.PostbackURL == "" {
		return
	}
	r.supervisor.Go("postback:"+evt.QuestionID, func() {
		r.post(evt.PostbackURL, map[string]interface{}{
			"type":           events.AnswerReceived,
			"recipient":      evt.Recipient,
			"question_id":    evt.QuestionID,
			"question":       evt.Text,
			"answer":         evt.Body,
			"responder":      evt.Responder,
			"thread":         evt.Thread,
			"sent_at":        evt.SentAt,
			"answered_after": evt.AnsweredAfter.Seconds(),
			"extra":          evt.Extra,
		})
	})
}

func (r *PostbackRelay) onGroupchat(payload interface{}) {
	evt, ok := payload.(events.GroupchatEvent)
	if !ok {
		return
	}
	url, found := r.engine.PostbackURLForRoom(context.Background(), evt.Room)
	if !found {
		return
	}
	r.supervisor.Go("postback:"+evt.Room, func() {
		r.post(url, map[string]interface{}{
			"type":    events.GroupchatMessageReceived,
			"room":    evt.Room,
			"sender":  evt.Sender,
			"body":    evt.Body,
			"seen_at": evt.SeenAt,
		})
	})
}

func (r *PostbackRelay) post(url string, payload map[string]interface{}) {
	payload["relay_id"] = uuid.NewString()

	body, err := json.Marshal(payload)
	if err != nil {
		logger.ErrorCF("relay", "Postback encode failed", map[string]interface{}{
			"url": url, "error": err.Error(),
		})
		return
	}

	resp, err := r.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		logger.WarnCF("relay", "Postback delivery failed", map[string]interface{}{
			"url": url, "error": err.Error(),
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.WarnCF("relay", "Postback rejected", map[string]interface{}{
			"url": url, "status": resp.StatusCode,
		})
		return
	}
	logger.DebugCF("relay", "Postback delivered", map[string]interface{}{
		"url": url,
	})
}
