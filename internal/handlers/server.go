// Package handlers serves the daemon's local control API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"inboxsync/internal/adapters/backend"
	"inboxsync/internal/auth"
	"inboxsync/internal/cache"
	"inboxsync/internal/models"
	"inboxsync/internal/pipeline"
	"inboxsync/internal/services"
	"inboxsync/internal/transport"
)

// Inbox loads and changes conversations.
type Inbox interface {
	LoadConversations(ctx context.Context, projectID int64, page int) (cache.ConversationsView, error)
	LoadMessages(ctx context.Context, conversationID int64, page int) (cache.MessagesView, error)
	SetActiveConversation(ctx context.Context, conversationID int64) (cache.MessagesView, error)
	UpdateConversationStatus(ctx context.Context, conversationID int64, status models.ConversationStatus) (*models.Conversation, error)
	SendTyping(ctx context.Context, conversationID int64, isTyping bool) error
	Visitor(ctx context.Context, visitorID int64) (models.Visitor, error)
	WidgetSettings(ctx context.Context, projectID int64) (*models.WidgetConfig, error)
}

// Messages submits and retries outgoing messages.
type Messages interface {
	Submit(ctx context.Context, sub pipeline.Submission) (models.MessageID, error)
	Retry(ctx context.Context, id models.MessageID) error
	Pending() []pipeline.Operation
}

// Connection reports the realtime socket.
type Connection interface {
	Status() transport.Status
}

// Presence lists active typing indicators.
type Presence interface {
	Active() []services.Typing
}

// Options wire the API to the running session.
type Options struct {
	Inbox      Inbox
	Messages   Messages
	Connection Connection
	Presence   Presence // optional
	Store      *cache.Store
	// SenderID and FromCustomer are stamped on every submitted message.
	SenderID     string
	FromCustomer bool
}

// Server routes control API requests.
type Server struct {
	router *mux.Router
	opts   Options
}

// NewServer validates opts and registers the routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Inbox == nil {
		return nil, fmt.Errorf("inbox cannot be nil for control API")
	}
	if opts.Messages == nil {
		return nil, fmt.Errorf("message pipeline cannot be nil for control API")
	}
	if opts.Connection == nil {
		return nil, fmt.Errorf("connection cannot be nil for control API")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("cache store cannot be nil for control API")
	}
	s := &Server{router: mux.NewRouter(), opts: opts}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.Handle("/status", s.Status()).Methods(http.MethodGet)
	r.Handle("/pending", s.PendingOperations()).Methods(http.MethodGet)
	r.Handle("/projects/{projectId}/conversations", s.ListConversations()).Methods(http.MethodGet)
	r.Handle("/projects/{projectId}/widget-settings", s.WidgetSettings()).Methods(http.MethodGet)
	r.Handle("/conversations/{conversationId}", s.UpdateConversation()).Methods(http.MethodPatch)
	r.Handle("/conversations/{conversationId}/messages", s.ListMessages()).Methods(http.MethodGet)
	r.Handle("/conversations/{conversationId}/messages", s.SendMessage()).Methods(http.MethodPost)
	r.Handle("/conversations/{conversationId}/typing", s.Typing()).Methods(http.MethodPost)
	r.Handle("/conversations/{conversationId}/invalidate", s.Invalidate()).Methods(http.MethodPost)
	r.Handle("/conversations/{conversationId}/activate", s.Activate()).Methods(http.MethodPost)
	r.Handle("/messages/{messageId}/retry", s.RetryMessage()).Methods(http.MethodPost)
	r.Handle("/visitors/{visitorId}", s.GetVisitor()).Methods(http.MethodGet)
}

// Handler returns the router wrapped in request logging.
func (s *Server) Handler() http.Handler {
	c := alice.New()
	c = c.Append(hlog.NewHandler(log.Logger))
	c = c.Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Got API request")
	}))
	c = c.Append(hlog.RemoteAddrHandler("ip"))
	c = c.Append(hlog.UserAgentHandler("userAgent"))
	c = c.Append(hlog.RequestIDHandler("reqId", "Request-Id"))
	return c.Then(s.router)
}

// Respond writes data, or an error, in the API envelope.
func (s *Server) Respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	envelope := map[string]any{"code": status}
	if err, ok := data.(error); ok {
		envelope["error"] = err.Error()
		envelope["success"] = false
	} else {
		envelope["data"] = data
		envelope["success"] = status < http.StatusBadRequest
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to marshal response")
		http.Error(w, `{"code":500,"error":"failed to marshal response","success":false}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// Fail maps err to a status code and responds with it.
func (s *Server) Fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
	}
	s.Respond(w, r, status, err)
}

func statusFor(err error) int {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, pipeline.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrClosed), errors.Is(err, pipeline.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrSessionExpired), errors.Is(err, backend.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func idVar(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s %q", name, raw)
	}
	return id, nil
}

// pageParam returns the requested page and whether one was given.
func pageParam(r *http.Request) (int, bool, error) {
	raw := r.URL.Query().Get("page")
	if raw == "" {
		return 0, false, nil
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 0 {
		return 0, false, badRequest("invalid page %q", raw)
	}
	return page, true, nil
}

// Room for a few base64 encoded attachments.
const maxBodySize = 64 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("could not decode payload: %v", err)
	}
	return nil
}
