package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"inboxsync/internal/attachments"
	"inboxsync/internal/cache"
	"inboxsync/internal/models"
	"inboxsync/internal/pipeline"
	"inboxsync/internal/services"
	"inboxsync/internal/transport"
)

type statusResponse struct {
	Connection transport.Status  `json:"connection"`
	Pending    int               `json:"pending"`
	Failed     int               `json:"failed"`
	Typing     []services.Typing `json:"typing,omitempty"`
}

// Status reports the socket state and the pending operation counts.
func (s *Server) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{Connection: s.opts.Connection.Status()}
		for _, op := range s.opts.Messages.Pending() {
			resp.Pending++
			if op.State == pipeline.OpFailed {
				resp.Failed++
			}
		}
		if s.opts.Presence != nil {
			resp.Typing = s.opts.Presence.Active()
		}
		s.Respond(w, r, http.StatusOK, resp)
	}
}

// PendingOperations lists in-flight and failed messages, oldest first.
func (s *Server) PendingOperations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ops := s.opts.Messages.Pending()
		if ops == nil {
			ops = []pipeline.Operation{}
		}
		s.Respond(w, r, http.StatusOK, ops)
	}
}

type conversationsResponse struct {
	Conversations []models.Conversation `json:"conversations"`
	Pages         []cache.PageInfo      `json:"pages"`
	HasMore       bool                  `json:"hasMore"`
	NextPage      int                   `json:"nextPage"`
	Stale         bool                  `json:"stale"`
	Version       uint64                `json:"version"`
}

func newConversationsResponse(v cache.ConversationsView) conversationsResponse {
	resp := conversationsResponse{
		Conversations: v.Conversations,
		Pages:         v.Pages,
		HasMore:       v.HasMore(),
		NextPage:      v.NextPage(),
		Stale:         v.Stale,
		Version:       v.Version,
	}
	if resp.Conversations == nil {
		resp.Conversations = []models.Conversation{}
	}
	return resp
}

// ListConversations serves a project's inbox. Without a page parameter the
// cached view is returned, loading it first when it is stale.
func (s *Server) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := idVar(r, "projectId")
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		page, explicit, err := pageParam(r)
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		if !explicit && !s.opts.Store.Stale(cache.ConversationsKey(projectID)) {
			s.Respond(w, r, http.StatusOK, newConversationsResponse(s.opts.Store.Conversations(projectID)))
			return
		}
		view, err := s.opts.Inbox.LoadConversations(r.Context(), projectID, page)
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, newConversationsResponse(view))
	}
}

type messagesResponse struct {
	Messages []models.Message `json:"messages"`
	Pages    []cache.PageInfo `json:"pages"`
	HasMore  bool             `json:"hasMore"`
	NextPage int              `json:"nextPage"`
	Stale    bool             `json:"stale"`
	Version  uint64           `json:"version"`
}

func newMessagesResponse(v cache.MessagesView) messagesResponse {
	resp := messagesResponse{
		Messages: v.Messages,
		Pages:    v.Pages,
		HasMore:  v.HasMore(),
		NextPage: v.NextPage(),
		Stale:    v.Stale,
		Version:  v.Version,
	}
	if resp.Messages == nil {
		resp.Messages = []models.Message{}
	}
	return resp
}

// ListMessages serves a conversation's messages, newest first.
func (s *Server) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID, err := idVar(r, "conversationId")
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		page, explicit, err := pageParam(r)
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		if !explicit && !s.opts.Store.Stale(cache.MessagesKey(conversationID)) {
			s.Respond(w, r, http.StatusOK, newMessagesResponse(s.opts.Store.Messages(conversationID)))
			return
		}
		view, err := s.opts.Inbox.LoadMessages(r.Context(), conversationID, page)
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, newMessagesResponse(view))
	}
}

type attachmentRequest struct {
	Name    string `json:"name"`
	DataURL string `json:"dataUrl"`
}

type sendMessageRequest struct {
	Content     string              `json:"content"`
	Attachments []attachmentRequest `json:"attachments"`
}

// SendMessage submits a message through the optimistic pipeline. The
// response carries the provisional id; the entry is already in the cache.
func (s *Server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID, err := idVar(r, "conversationId")
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		var req sendMessageRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.Fail(w, r, err)
			return
		}
		sub := pipeline.Submission{
			ConversationID: conversationID,
			Content:        req.Content,
			SenderID:       s.opts.SenderID,
			FromCustomer:   s.opts.FromCustomer,
		}
		for _, a := range req.Attachments {
			att, err := attachments.FromDataURL(a.Name, a.DataURL)
			if err != nil {
				s.Fail(w, r, badRequest("%v", err))
				return
			}
			sub.Attachments = append(sub.Attachments, att)
		}

		id, err := s.opts.Messages.Submit(r.Context(), sub)
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		hlog.FromRequest(r).Info().
			Int64("conversationID", conversationID).
			Str("provisionalID", id.String()).
			Int("attachments", len(sub.Attachments)).
			Msg("Message submitted")
		s.Respond(w, r, http.StatusAccepted, map[string]any{
			"id":     id,
			"status": models.StatusSending,
		})
	}
}

// RetryMessage resubmits a failed message by its provisional id.
func (s *Server) RetryMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := models.ParseMessageID(mux.Vars(r)["messageId"])
		if err != nil {
			s.Fail(w, r, badRequest("%v", err))
			return
		}
		if err := s.opts.Messages.Retry(r.Context(), id); err != nil {
			s.Fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusAccepted, map[string]any{
			"id":     id,
			"status": models.StatusSending,
		})
	}
}

type updateConversationRequest struct {
	Status models.ConversationStatus `json:"status"`
}

// UpdateConversation opens or closes a conversation.
func (s *Server) UpdateConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID, err := idVar(r, "conversationId")
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		var req updateConversationRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.Fail(w, r, err)
			return
		}
		if req.Status != models.ConversationOpen && req.Status != models.ConversationClosed {
			s.Fail(w, r, badRequest("status must be open or closed, got %q", req.Status))
			return
		}
		conv, err := s.opts.Inbox.UpdateConversationStatus(r.Context(), conversationID, req.Status)
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, conv)
	}
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// Typing forwards the local typing state.
func (s *Server) Typing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID, err := idVar(r, "conversationId")
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		var req typingRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.Fail(w, r, err)
			return
		}
		if err := s.opts.Inbox.SendTyping(r.Context(), conversationID, req.IsTyping); err != nil {
			s.Fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Invalidate marks a conversation's messages stale so the next read reloads
// them.
func (s *Server) Invalidate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID, err := idVar(r, "conversationId")
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		invalidated := s.opts.Store.Invalidate(cache.MessagesKey(conversationID))
		s.Respond(w, r, http.StatusOK, map[string]bool{"invalidated": invalidated})
	}
}

// Activate makes the conversation the one on screen.
func (s *Server) Activate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID, err := idVar(r, "conversationId")
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		view, err := s.opts.Inbox.SetActiveConversation(r.Context(), conversationID)
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, newMessagesResponse(view))
	}
}

// GetVisitor serves a visitor profile.
func (s *Server) GetVisitor() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		visitorID, err := idVar(r, "visitorId")
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		v, err := s.opts.Inbox.Visitor(r.Context(), visitorID)
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, v)
	}
}

// WidgetSettings serves a project's public widget configuration.
func (s *Server) WidgetSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := idVar(r, "projectId")
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		cfg, err := s.opts.Inbox.WidgetSettings(r.Context(), projectID)
		if err != nil {
			s.Fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, cfg)
	}
}
