// Package backend is the REST adapter for the chat backend's inbox API.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"inboxsync/internal/auth"
	"inboxsync/internal/models"
	"inboxsync/pkg/httputil"
)

// Client talks to the backend on behalf of one session.
type Client struct {
	httpClient *resty.Client
	baseURL    string
	session    *auth.Session
	pageSize   int
}

// NewClient creates a backend client. session may be nil for anonymous
// visitor access to public endpoints.
func NewClient(baseURL string, session *auth.Session, pageSize int) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("backend baseURL cannot be empty")
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	client := httputil.NewDefaultRestyClient(httputil.Options{BaseURL: baseURL})
	log.Info().Str("baseURL", baseURL).Int("pageSize", pageSize).Msg("Backend client configured")
	return &Client{
		httpClient: client,
		baseURL:    baseURL,
		session:    session,
		pageSize:   pageSize,
	}, nil
}

// do executes a request built by build. A 401 triggers one token refresh and
// one retry; a failed refresh surfaces auth.ErrSessionExpired.
func (c *Client) do(ctx context.Context, op, method, url string, build func(*resty.Request)) (*resty.Response, error) {
	send := func() (*resty.Response, error) {
		req := c.httpClient.R().SetContext(ctx)
		if c.session != nil {
			if token := c.session.Token(); token != "" {
				req.SetAuthToken(token)
			}
		}
		if build != nil {
			build(req)
		}
		return req.Execute(method, url)
	}

	resp, err := send()
	if err != nil {
		log.Error().Err(err).Str("url", url).Msgf("Backend API: %s request failed", op)
		return nil, fmt.Errorf("backend %s request failed: %w", op, err)
	}

	if resp.StatusCode() == http.StatusUnauthorized && c.session != nil && c.session.CanRefresh() {
		log.Info().Str("url", url).Msgf("Backend API: %s unauthorized, refreshing token", op)
		if _, err := c.session.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("backend %s: %w", op, err)
		}
		resp, err = send()
		if err != nil {
			log.Error().Err(err).Str("url", url).Msgf("Backend API: %s retry failed", op)
			return nil, fmt.Errorf("backend %s request failed: %w", op, err)
		}
	}

	if resp.IsError() {
		log.Error().Str("url", url).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msgf("Backend API: %s returned an error", op)
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return resp, nil
}

func (c *Client) listParams(opts ListOptions) map[string]string {
	limit := opts.Limit
	if limit <= 0 {
		limit = c.pageSize
	}
	return map[string]string{
		"page":  strconv.Itoa(opts.Page + 1),
		"limit": strconv.Itoa(limit),
	}
}

// ListConversations fetches a page of a project's inbox.
func (c *Client) ListConversations(ctx context.Context, projectID int64, opts ListOptions) (*PaginatedResponse[models.Conversation], error) {
	var result PaginatedResponse[models.Conversation]
	params := c.listParams(opts)
	params["projectId"] = strconv.FormatInt(projectID, 10)
	_, err := c.do(ctx, "ListConversations", resty.MethodGet, "/inbox/conversations", func(r *resty.Request) {
		r.SetQueryParams(params).SetResult(&result)
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Int64("projectID", projectID).Int("page", opts.Page).Int("count", len(result.Data)).Msg("Fetched conversations")
	return &result, nil
}

// ListMessages fetches a page of a conversation's messages.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, opts ListOptions) (*PaginatedResponse[models.Message], error) {
	var result PaginatedResponse[models.Message]
	url := fmt.Sprintf("/inbox/conversations/%d/messages", conversationID)
	_, err := c.do(ctx, "ListMessages", resty.MethodGet, url, func(r *resty.Request) {
		r.SetQueryParams(c.listParams(opts)).SetResult(&result)
	})
	if err != nil {
		return nil, err
	}
	for i := range result.Data {
		if result.Data[i].ConversationID == 0 {
			result.Data[i].ConversationID = conversationID
		}
	}
	log.Debug().Int64("conversationID", conversationID).Int("page", opts.Page).Int("count", len(result.Data)).Msg("Fetched messages")
	return &result, nil
}

// CreateMessage submits a message. The backend deduplicates on
// ClientMessageID, so resubmitting after a timeout is safe.
func (c *Client) CreateMessage(ctx context.Context, conversationID int64, payload CreateMessagePayload) (*models.Message, error) {
	var message models.Message
	url := fmt.Sprintf("/inbox/conversations/%d/messages", conversationID)
	_, err := c.do(ctx, "CreateMessage", resty.MethodPost, url, func(r *resty.Request) {
		r.SetBody(payload).SetResult(&message)
	})
	if err != nil {
		return nil, err
	}
	if message.ConversationID == 0 {
		message.ConversationID = conversationID
	}
	log.Info().Str("messageID", message.ID.String()).Int64("conversationID", conversationID).Str("clientMessageID", payload.ClientMessageID).Msg("Successfully created message")
	return &message, nil
}

// UpdateConversationStatus opens or closes a conversation.
func (c *Client) UpdateConversationStatus(ctx context.Context, conversationID int64, status models.ConversationStatus) (*models.Conversation, error) {
	var conversation models.Conversation
	url := fmt.Sprintf("/inbox/conversations/%d", conversationID)
	_, err := c.do(ctx, "UpdateConversationStatus", resty.MethodPatch, url, func(r *resty.Request) {
		r.SetBody(UpdateConversationPayload{Status: status}).SetResult(&conversation)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int64("conversationID", conversationID).Str("status", string(status)).Msg("Updated conversation status")
	return &conversation, nil
}

// SendTyping reports the agent typing indicator.
func (c *Client) SendTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	url := fmt.Sprintf("/inbox/conversations/%d/typing", conversationID)
	_, err := c.do(ctx, "SendTyping", resty.MethodPost, url, func(r *resty.Request) {
		r.SetBody(TypingPayload{IsTyping: isTyping})
	})
	return err
}

// GetVisitor fetches visitor details.
func (c *Client) GetVisitor(ctx context.Context, visitorID int64) (*models.Visitor, error) {
	var visitor models.Visitor
	url := fmt.Sprintf("/inbox/visitors/%d", visitorID)
	_, err := c.do(ctx, "GetVisitor", resty.MethodGet, url, func(r *resty.Request) {
		r.SetResult(&visitor)
	})
	if err != nil {
		return nil, err
	}
	return &visitor, nil
}

// WidgetSettings fetches the public widget configuration of a project.
func (c *Client) WidgetSettings(ctx context.Context, projectID int64) (*models.WidgetConfig, error) {
	var settings models.WidgetConfig
	url := fmt.Sprintf("/public/projects/%d/widget-settings", projectID)
	_, err := c.do(ctx, "WidgetSettings", resty.MethodGet, url, func(r *resty.Request) {
		r.SetResult(&settings)
	})
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}
