package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"inboxsync/internal/adapters/backend"
	"inboxsync/internal/cache"
	"inboxsync/internal/models"
	"inboxsync/internal/transport"
)

// Backend is the REST surface the inbox reads from.
type Backend interface {
	ListConversations(ctx context.Context, projectID int64, opts backend.ListOptions) (*backend.PaginatedResponse[models.Conversation], error)
	ListMessages(ctx context.Context, conversationID int64, opts backend.ListOptions) (*backend.PaginatedResponse[models.Message], error)
	UpdateConversationStatus(ctx context.Context, conversationID int64, status models.ConversationStatus) (*models.Conversation, error)
	GetVisitor(ctx context.Context, visitorID int64) (*models.Visitor, error)
	WidgetSettings(ctx context.Context, projectID int64) (*models.WidgetConfig, error)
}

// TypingNotifier announces the local user's typing state.
type TypingNotifier interface {
	SendTyping(ctx context.Context, conversationID int64, isTyping bool) error
}

// SocketTyping emits the visitor typing indicator over the socket.
type SocketTyping struct {
	Transport interface{ Send(o transport.Outbound) bool }
}

func (s SocketTyping) SendTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	if !s.Transport.Send(transport.TypingState{ConversationID: conversationID, IsTyping: isTyping}) {
		return fmt.Errorf("typing indicator not sent: socket is not connected")
	}
	return nil
}

// InboxService loads pages into the cache and applies user actions.
type InboxService struct {
	backend  Backend
	store    *cache.Store
	sync     *RealtimeSyncService
	typing   TypingNotifier
	pageSize int
	settings *gocache.Cache
}

// NewInboxService creates an InboxService. sync may be nil when no
// realtime connection is attached.
func NewInboxService(b Backend, store *cache.Store, sync *RealtimeSyncService, typing TypingNotifier, pageSize int) (*InboxService, error) {
	if b == nil {
		return nil, fmt.Errorf("backend client cannot be nil for InboxService")
	}
	if store == nil {
		return nil, fmt.Errorf("cache store cannot be nil for InboxService")
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return &InboxService{
		backend:  b,
		store:    store,
		sync:     sync,
		typing:   typing,
		pageSize: pageSize,
		settings: gocache.New(5*time.Minute, 0),
	}, nil
}

// LoadConversations fetches one page of a project's inbox. A response that
// arrives after the view was reset is dropped and the current view returned.
func (s *InboxService) LoadConversations(ctx context.Context, projectID int64, page int) (cache.ConversationsView, error) {
	key := cache.ConversationsKey(projectID)
	tok := s.store.BeginFetch(key, page)
	resp, err := s.backend.ListConversations(ctx, projectID, backend.ListOptions{Page: page, Limit: s.pageSize})
	if err != nil {
		log.Error().Err(err).Int64("projectID", projectID).Int("page", page).Msg("Failed to load conversations")
		return s.store.Conversations(projectID), fmt.Errorf("load conversations of project %d: %w", projectID, err)
	}
	if !s.store.ApplyConversationPage(tok, resp.Data, pageInfo(page, resp)) {
		log.Debug().Str("key", key.String()).Int("page", page).Msg("Conversation page dropped")
	}
	return s.store.Conversations(projectID), nil
}

// LoadMessages fetches one page of a conversation, page 0 being the newest.
func (s *InboxService) LoadMessages(ctx context.Context, conversationID int64, page int) (cache.MessagesView, error) {
	key := cache.MessagesKey(conversationID)
	tok := s.store.BeginFetch(key, page)
	resp, err := s.backend.ListMessages(ctx, conversationID, backend.ListOptions{Page: page, Limit: s.pageSize})
	if err != nil {
		log.Error().Err(err).Int64("conversationID", conversationID).Int("page", page).Msg("Failed to load messages")
		return s.store.Messages(conversationID), fmt.Errorf("load messages of conversation %d: %w", conversationID, err)
	}
	if !s.store.ApplyMessagePage(tok, resp.Data, pageInfo(page, resp)) {
		log.Debug().Str("key", key.String()).Int("page", page).Msg("Message page dropped")
	}
	return s.store.Messages(conversationID), nil
}

func pageInfo[T any](page int, resp *backend.PaginatedResponse[T]) cache.PageInfo {
	return cache.PageInfo{Number: page, Limit: resp.Limit, Total: resp.Total, HasMore: resp.HasMore()}
}

// Refresh reloads the first page of every stale view.
func (s *InboxService) Refresh(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	refreshed := 0
	for _, key := range s.store.Keys() {
		key := key
		if !s.store.Stale(key) {
			continue
		}
		refreshed++
		switch key.Kind {
		case cache.KindMessages:
			g.Go(func() error {
				_, err := s.LoadMessages(ctx, key.ID, 0)
				return err
			})
		case cache.KindConversations:
			g.Go(func() error {
				_, err := s.LoadConversations(ctx, key.ID, 0)
				return err
			})
		case cache.KindVisitor:
			g.Go(func() error {
				_, err := s.fetchVisitor(ctx, key.ID)
				return err
			})
		}
	}
	err := g.Wait()
	log.Info().Int("views", refreshed).Err(err).Msg("Stale views refreshed")
	return err
}

// SetActiveConversation switches the open conversation: fetches of the
// previous one are abandoned, the unread counter is cleared and the
// messages are loaded when not cached.
func (s *InboxService) SetActiveConversation(ctx context.Context, conversationID int64) (cache.MessagesView, error) {
	if s.sync != nil {
		if prev := s.sync.Active(); prev != 0 && prev != conversationID {
			s.store.Reset(cache.MessagesKey(prev))
		}
		s.sync.SetActive(conversationID)
	}
	s.store.ResetUnread(conversationID)
	if s.store.Stale(cache.MessagesKey(conversationID)) {
		return s.LoadMessages(ctx, conversationID, 0)
	}
	return s.store.Messages(conversationID), nil
}

// UpdateConversationStatus opens or closes a conversation. It is never
// removed from the cache.
func (s *InboxService) UpdateConversationStatus(ctx context.Context, conversationID int64, status models.ConversationStatus) (*models.Conversation, error) {
	if status != models.ConversationOpen && status != models.ConversationClosed {
		return nil, fmt.Errorf("invalid conversation status %q", status)
	}
	conv, err := s.backend.UpdateConversationStatus(ctx, conversationID, status)
	if err != nil {
		return nil, fmt.Errorf("update status of conversation %d: %w", conversationID, err)
	}
	if conv.Status != "" {
		status = conv.Status
	}
	s.store.SetConversationStatus(conversationID, status)
	log.Info().Int64("conversationID", conversationID).Str("status", string(status)).Msg("Conversation status updated")
	return conv, nil
}

// SendTyping forwards the local typing state.
func (s *InboxService) SendTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	if s.typing == nil {
		return fmt.Errorf("typing indicators are not available")
	}
	return s.typing.SendTyping(ctx, conversationID, isTyping)
}

// Visitor returns the visitor from the cache, fetching it when missing or
// stale.
func (s *InboxService) Visitor(ctx context.Context, visitorID int64) (models.Visitor, error) {
	if v, ok := s.store.Visitor(visitorID); ok && !s.store.Stale(cache.VisitorKey(visitorID)) {
		return v, nil
	}
	return s.fetchVisitor(ctx, visitorID)
}

func (s *InboxService) fetchVisitor(ctx context.Context, visitorID int64) (models.Visitor, error) {
	tok := s.store.BeginFetch(cache.VisitorKey(visitorID), 0)
	v, err := s.backend.GetVisitor(ctx, visitorID)
	if err != nil {
		return models.Visitor{}, fmt.Errorf("get visitor %d: %w", visitorID, err)
	}
	s.store.ApplyVisitor(tok, *v)
	cached, _ := s.store.Visitor(visitorID)
	return cached, nil
}

// WidgetSettings returns the public widget configuration of a project.
func (s *InboxService) WidgetSettings(ctx context.Context, projectID int64) (*models.WidgetConfig, error) {
	key := strconv.FormatInt(projectID, 10)
	if cached, ok := s.settings.Get(key); ok {
		return cached.(*models.WidgetConfig), nil
	}
	cfg, err := s.backend.WidgetSettings(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("widget settings of project %d: %w", projectID, err)
	}
	s.settings.Set(key, cfg, gocache.DefaultExpiration)
	return cfg, nil
}
