package transport

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"inboxsync/internal/models"
)

func TestDecodeWidgetReply(t *testing.T) {
	frame := []byte(`{"event":"agentReply","payload":{"id":12,"conversationId":3,"content":"How can I help?","sender":{"type":"agent","name":"Dana"},"timestamp":"2026-02-01T10:00:00Z"}}`)
	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	msg := ev.(NewMessageEvent).Message
	if ev.EventName() != EventAgentReply {
		t.Fatalf("event name: %s", ev.EventName())
	}
	if msg.ID != models.ServerID(12) || msg.FromCustomer || msg.SenderID != "Dana" {
		t.Fatalf("message: %+v", msg)
	}
	if !msg.CreatedAt.Equal(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp not mapped to createdAt: %s", msg.CreatedAt)
	}
	if msg.Status != models.StatusSent {
		t.Fatalf("pushed message must default to sent, got %s", msg.Status)
	}
}

func TestDecodeVisitorMessage(t *testing.T) {
	frame := []byte(`{"event":"new_message_from_visitor","payload":{"id":"7","conversationId":3,"projectId":9,"content":"hi","sender":{"type":"visitor"},"clientMessageId":"tmp-1"}}`)
	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	e := ev.(NewMessageEvent)
	if e.ProjectID != 9 || !e.Message.FromCustomer || e.Message.ClientMessageID != "tmp-1" {
		t.Fatalf("event: %+v", e)
	}
	if e.Message.ID != models.ServerID(7) {
		t.Fatalf("numeric string id must parse as a server id, got %+v", e.Message.ID)
	}
}

func TestDecodeHistory(t *testing.T) {
	frame := []byte(`{"event":"conversationHistory","payload":{"conversationId":4,"messages":[{"id":1,"content":"a","sender":{"type":"visitor"}},{"id":2,"content":"b","status":"read","sender":{"type":"agent"}}]}}`)
	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	h := ev.(ConversationHistoryEvent)
	if h.ConversationID != 4 || len(h.Messages) != 2 {
		t.Fatalf("history: %+v", h)
	}
	if h.Messages[0].ConversationID != 4 || !h.Messages[0].FromCustomer {
		t.Fatalf("first message: %+v", h.Messages[0])
	}
	if h.Messages[1].Status != models.StatusRead {
		t.Fatalf("explicit status must be kept, got %s", h.Messages[1].Status)
	}
}

func TestDecodeTyping(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"visitorIsTyping","payload":{"conversationId":5,"isTyping":true}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	typing := ev.(TypingEvent)
	if !typing.FromVisitor() || !typing.IsTyping || typing.ConversationID != 5 {
		t.Fatalf("typing: %+v", typing)
	}

	ev, err = Decode([]byte(`{"event":"agentIsTyping","payload":{"isTyping":false,"agentName":"Dana"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.(TypingEvent).FromVisitor() {
		t.Fatalf("agent typing reported as visitor")
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"not json", `{{`},
		{"no event name", `{"payload":{}}`},
		{"message without id", `{"event":"newMessage","payload":{"content":"x"}}`},
		{"invalid status", `{"event":"messageStatus","payload":{"messageId":3,"status":"lost"}}`},
		{"visitor without id", `{"event":"visitor_context_update","payload":{"currentUrl":"/"}}`},
	}
	for _, tc := range cases {
		if _, err := Decode([]byte(tc.frame)); err == nil {
			t.Fatalf("%s: want error", tc.name)
		}
	}

	_, err := Decode([]byte(`{"event":"conversationAssigned","payload":{}}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("want ErrUnknownEvent, got %v", err)
	}
}

func TestEncodeEnvelope(t *testing.T) {
	frame, err := Encode(SendMessage{ConversationID: 3, Content: "hello", ClientMessageID: "tmp-9"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var env struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Event != EventSendMessage || env.Payload["content"] != "hello" || env.Payload["clientMessageId"] != "tmp-9" {
		t.Fatalf("frame: %s", frame)
	}

	frame, _ = Encode(TypingState{IsTyping: false})
	if string(frame) != `{"event":"visitorIsTyping","payload":{"isTyping":false}}` {
		t.Fatalf("typing frame: %s", frame)
	}
}
