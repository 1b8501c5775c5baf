package models

import (
	"time"
)

// MessageStatus is the delivery state of a message as seen by this client.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// ConversationStatus is open or closed. Conversations are never deleted client-side.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Attachment is a file carried by a message. Data holds decoded bytes for an
// attachment that has not been uploaded yet and is never serialized.
type Attachment struct {
	Name         string `json:"name"`
	MimeType     string `json:"mimeType,omitempty"`
	URL          string `json:"url,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Size         int    `json:"size,omitempty"`
	Data         []byte `json:"-"`
}

// Pending reports whether the attachment still needs an upload.
func (a Attachment) Pending() bool {
	return a.URL == "" && len(a.Data) > 0
}

// Message is a chat message in a conversation.
type Message struct {
	ID              MessageID     `json:"id"`
	ConversationID  int64         `json:"conversationId"`
	ClientMessageID string        `json:"clientMessageId,omitempty"` // provisional id echoed by the backend
	Content         *string       `json:"content"`
	Attachments     []Attachment  `json:"attachments,omitempty"`
	SenderID        string        `json:"senderId,omitempty"`
	FromCustomer    bool          `json:"fromCustomer"`
	Status          MessageStatus `json:"status"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Snippet is the denormalized preview text for a conversation list row.
func (m Message) Snippet() string {
	if m.Content != nil && *m.Content != "" {
		return *m.Content
	}
	if len(m.Attachments) > 0 {
		return "[attachment] " + m.Attachments[0].Name
	}
	return ""
}

// Visitor is the customer side of a conversation.
type Visitor struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
	CurrentURL  string `json:"currentUrl,omitempty"`
}

// Conversation is a row in a project's inbox.
type Conversation struct {
	ID                   int64              `json:"id"`
	ProjectID            int64              `json:"projectId"`
	VisitorID            int64              `json:"visitorId"`
	Visitor              *Visitor           `json:"visitor,omitempty"`
	LastMessageSnippet   *string            `json:"lastMessageSnippet"`
	LastMessageTimestamp *time.Time         `json:"lastMessageTimestamp"`
	Status               ConversationStatus `json:"status"`
	UnreadCount          int                `json:"unreadCount"`
}

// WidgetConfig is the public configuration of a project's chat widget.
type WidgetConfig struct {
	PrimaryColor   string `json:"primaryColor"`
	WelcomeMessage string `json:"welcomeMessage"`
}

// String returns a pointer to s.
func String(s string) *string { return &s }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
