package pipeline

import (
	"context"
	"errors"
	"fmt"

	"inboxsync/internal/adapters/backend"
	"inboxsync/internal/models"
	"inboxsync/internal/transport"
)

// ErrNotConnected is returned by SocketSender while the socket is down.
var ErrNotConnected = errors.New("realtime socket is not connected")

// MessageCreator is the REST call used by agents.
type MessageCreator interface {
	CreateMessage(ctx context.Context, conversationID int64, payload backend.CreateMessagePayload) (*models.Message, error)
}

// RESTSender posts the message and returns the authoritative entity.
type RESTSender struct {
	Client MessageCreator
}

func (s RESTSender) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	payload := backend.CreateMessagePayload{
		ClientMessageID: req.ProvisionalID,
		Attachments:     req.Attachments,
	}
	if req.Content != nil {
		payload.Text = *req.Content
	}
	msg, err := s.Client.CreateMessage(ctx, req.ConversationID, payload)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if msg == nil || msg.ID.IsZero() {
		return nil, errors.New("create message: response without message id")
	}
	if msg.ConversationID == 0 {
		msg.ConversationID = req.ConversationID
	}
	return msg, nil
}

// Emitter is the socket side of the transport manager.
type Emitter interface {
	Send(o transport.Outbound) bool
}

// SocketSender emits sendMessage for widget visitors. The backend confirms
// with a pushed message carrying the clientMessageId.
type SocketSender struct {
	Transport Emitter
}

func (s SocketSender) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	out := transport.SendMessage{
		ConversationID:  req.ConversationID,
		ClientMessageID: req.ProvisionalID,
		Attachments:     req.Attachments,
	}
	if req.Content != nil {
		out.Content = *req.Content
	}
	if !s.Transport.Send(out) {
		return nil, ErrNotConnected
	}
	return nil, nil
}
