package backend

import (
	"errors"
	"fmt"
	"net/http"

	"inboxsync/internal/models"
)

// ErrUnauthorized is wrapped by an *APIError for a 401 that could not be
// fixed by a token refresh.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response from the backend.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend %s error: status %d, body: %s", e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// NotFound reports whether the backend answered 404.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// PaginatedResponse is the list envelope used by every inbox listing.
type PaginatedResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// HasMore reports whether pages after this one exist. Pages are 1-based on
// the wire.
func (p PaginatedResponse[T]) HasMore() bool {
	if p.Limit <= 0 {
		return false
	}
	return p.Page*p.Limit < p.Total
}

// ListOptions selects a page of a listing. Page is 0-based; the client
// converts to the backend's 1-based numbering.
type ListOptions struct {
	Page  int
	Limit int
}

// CreateMessagePayload is the body of a message submission.
type CreateMessagePayload struct {
	Text            string              `json:"text"`
	ClientMessageID string              `json:"clientMessageId,omitempty"`
	Attachments     []models.Attachment `json:"attachments,omitempty"`
}

// UpdateConversationPayload changes a conversation's status.
type UpdateConversationPayload struct {
	Status models.ConversationStatus `json:"status"`
}

// TypingPayload is the agent typing indicator.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// RefreshResponse is returned by the token refresh endpoint.
type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
}
