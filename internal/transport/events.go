package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inboxsync/internal/models"
)

// Inbound event names.
const (
	EventNewMessage           = "newMessage"
	EventNewVisitorMessage    = "new_message_from_visitor"
	EventAgentReplied         = "agentReplied"
	EventAgentReply           = "agentReply"
	EventMessageStatus        = "messageStatus"
	EventVisitorIsTyping      = "visitorIsTyping"
	EventAgentTyping          = "agentTyping"
	EventAgentIsTyping        = "agentIsTyping"
	EventVisitorContextUpdate = "visitor_context_update"
	EventConversationHistory  = "conversationHistory"

	// AllEvents subscribes a handler to every inbound event.
	AllEvents = "*"
)

// Outbound event names.
const (
	EventIdentify    = "identify"
	EventSendMessage = "sendMessage"
)

// MessageEvents lists every name that carries a new message.
var MessageEvents = []string{EventNewMessage, EventNewVisitorMessage, EventAgentReplied, EventAgentReply}

// TypingEvents lists every name that carries a typing indicator.
var TypingEvents = []string{EventVisitorIsTyping, EventAgentTyping, EventAgentIsTyping}

// ErrUnknownEvent is returned by Decode for an event name it does not know.
var ErrUnknownEvent = errors.New("unknown event")

// envelope is the wire frame: {"event": name, "payload": object}.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Event is one decoded inbound event.
type Event interface {
	EventName() string
}

// NewMessageEvent carries a message pushed by the backend, either from the
// visitor or from an agent.
type NewMessageEvent struct {
	Name      string
	ProjectID int64
	Message   models.Message
}

// MessageStatusEvent reports a delivery or read receipt.
type MessageStatusEvent struct {
	ConversationID int64                `json:"conversationId"`
	MessageID      models.MessageID     `json:"messageId"`
	Status         models.MessageStatus `json:"status"`
}

// TypingEvent is a typing indicator from the other side of a conversation.
type TypingEvent struct {
	Name           string `json:"-"`
	ConversationID int64  `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
	AgentName      string `json:"agentName,omitempty"`
}

// FromVisitor reports whether the visitor is the one typing.
func (e TypingEvent) FromVisitor() bool { return e.Name == EventVisitorIsTyping }

// VisitorContextEvent reports the page the visitor is currently on.
type VisitorContextEvent struct {
	VisitorID  int64  `json:"visitorId"`
	CurrentURL string `json:"currentUrl"`
}

// ConversationHistoryEvent delivers the message history of the visitor's
// conversation when the widget identifies.
type ConversationHistoryEvent struct {
	ConversationID int64
	Messages       []models.Message
}

func (e NewMessageEvent) EventName() string        { return e.Name }
func (MessageStatusEvent) EventName() string       { return EventMessageStatus }
func (e TypingEvent) EventName() string            { return e.Name }
func (VisitorContextEvent) EventName() string      { return EventVisitorContextUpdate }
func (ConversationHistoryEvent) EventName() string { return EventConversationHistory }

// wireMessage accepts both message shapes the backend pushes: the inbox
// shape (createdAt, fromCustomer) and the widget shape (timestamp, sender).
type wireMessage struct {
	models.Message
	ProjectID int64      `json:"projectId"`
	Timestamp *time.Time `json:"timestamp"`
	Sender    *struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"sender"`
}

func (w wireMessage) normalize(defaultStatus models.MessageStatus) models.Message {
	m := w.Message
	if m.CreatedAt.IsZero() && w.Timestamp != nil {
		m.CreatedAt = *w.Timestamp
	}
	if w.Sender != nil {
		m.FromCustomer = w.Sender.Type == "visitor"
		if m.SenderID == "" {
			m.SenderID = w.Sender.Name
		}
	}
	if m.Status == "" {
		m.Status = defaultStatus
	}
	return m
}

// Decode parses one frame into an Event.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Event == "" {
		return nil, errors.New("frame without event name")
	}
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	switch env.Event {
	case EventNewMessage, EventNewVisitorMessage, EventAgentReplied, EventAgentReply:
		var w wireMessage
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
		if w.ID.IsZero() {
			return nil, fmt.Errorf("%s payload without message id", env.Event)
		}
		return NewMessageEvent{Name: env.Event, ProjectID: w.ProjectID, Message: w.normalize(models.StatusSent)}, nil

	case EventMessageStatus:
		var e MessageStatusEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
		if e.MessageID.IsZero() || !e.Status.Valid() {
			return nil, fmt.Errorf("%s payload without message id or valid status", env.Event)
		}
		return e, nil

	case EventVisitorIsTyping, EventAgentTyping, EventAgentIsTyping:
		var e TypingEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
		e.Name = env.Event
		return e, nil

	case EventVisitorContextUpdate:
		var e VisitorContextEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
		if e.VisitorID == 0 {
			return nil, fmt.Errorf("%s payload without visitor id", env.Event)
		}
		return e, nil

	case EventConversationHistory:
		var raw struct {
			ConversationID int64         `json:"conversationId"`
			Messages       []wireMessage `json:"messages"`
		}
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
		e := ConversationHistoryEvent{ConversationID: raw.ConversationID}
		for _, w := range raw.Messages {
			m := w.normalize(models.StatusSent)
			if m.ConversationID == 0 {
				m.ConversationID = raw.ConversationID
			}
			if e.ConversationID == 0 {
				e.ConversationID = m.ConversationID
			}
			e.Messages = append(e.Messages, m)
		}
		return e, nil

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
}

// Outbound is an event this client emits.
type Outbound interface {
	OutboundName() string
}

// Identify is the handshake frame. It is always the first frame on a socket.
type Identify struct {
	Token      string `json:"token,omitempty"`
	ProjectID  string `json:"projectId,omitempty"`
	VisitorUID string `json:"visitorUid,omitempty"`
}

// SendMessage submits a visitor message over the socket.
type SendMessage struct {
	ConversationID  int64               `json:"conversationId,omitempty"`
	Content         string              `json:"content"`
	ClientMessageID string              `json:"clientMessageId,omitempty"`
	Attachments     []models.Attachment `json:"attachments,omitempty"`
}

// TypingState announces that the visitor started or stopped typing.
type TypingState struct {
	ConversationID int64 `json:"conversationId,omitempty"`
	IsTyping       bool  `json:"isTyping"`
}

func (Identify) OutboundName() string    { return EventIdentify }
func (SendMessage) OutboundName() string { return EventSendMessage }
func (TypingState) OutboundName() string { return EventVisitorIsTyping }

// Encode builds the wire frame for o.
func Encode(o Outbound) ([]byte, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", o.OutboundName(), err)
	}
	return json.Marshal(envelope{Event: o.OutboundName(), Payload: payload})
}
