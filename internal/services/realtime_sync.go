package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"inboxsync/internal/cache"
	"inboxsync/internal/clock"
	"inboxsync/internal/models"
	"inboxsync/internal/transport"
)

// EventSource is the subscription side of the transport manager.
type EventSource interface {
	Subscribe(name string, h transport.Handler) (unsubscribe func())
	OnStateChange(fn func(transport.StateChange)) (unsubscribe func())
}

// Acknowledger resolves pending sends from pushed messages.
type Acknowledger interface {
	Acknowledge(msg models.Message) bool
}

// Mirror republishes routed events, for example to a message broker.
type Mirror interface {
	Publish(ctx context.Context, event string, payload any) error
}

// SyncOptions configure a RealtimeSyncService.
type SyncOptions struct {
	Store    *cache.Store
	Pipeline Acknowledger
	Presence *PresenceTracker
	Mirror   Mirror // optional
	Clock    clock.Clock
	// CountFromCustomer selects whose messages raise the unread counter:
	// customer messages for agents, agent messages for visitors.
	CountFromCustomer bool
	// OnResync runs after a reconnect invalidated the cache.
	OnResync func()
}

// RealtimeSyncService routes transport events into the cache.
type RealtimeSyncService struct {
	store             *cache.Store
	pipeline          Acknowledger
	presence          *PresenceTracker
	mirror            Mirror
	clock             clock.Clock
	countFromCustomer bool
	onResync          func()

	mu     sync.RWMutex
	active int64
	unsubs []func()
}

// NewRealtimeSyncService creates the router. Call Start to attach it to a
// transport.
func NewRealtimeSyncService(opts SyncOptions) (*RealtimeSyncService, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("cache store cannot be nil for RealtimeSyncService")
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil for RealtimeSyncService")
	}
	if opts.Presence == nil {
		opts.Presence = NewPresenceTracker(0)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &RealtimeSyncService{
		store:             opts.Store,
		pipeline:          opts.Pipeline,
		presence:          opts.Presence,
		mirror:            opts.Mirror,
		clock:             opts.Clock,
		countFromCustomer: opts.CountFromCustomer,
		onResync:          opts.OnResync,
	}, nil
}

// Start subscribes to every inbound event and to state changes.
func (s *RealtimeSyncService) Start(src EventSource) {
	unsubs := []func(){
		src.Subscribe(transport.AllEvents, s.Handle),
		src.OnStateChange(s.HandleStateChange),
	}
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubs...)
	s.mu.Unlock()
}

// Stop detaches from the transport.
func (s *RealtimeSyncService) Stop() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// SetActive marks the conversation the user is looking at. Its incoming
// messages do not raise the unread counter.
func (s *RealtimeSyncService) SetActive(conversationID int64) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
}

// Active returns the conversation set by SetActive.
func (s *RealtimeSyncService) Active() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Presence exposes the typing tracker.
func (s *RealtimeSyncService) Presence() *PresenceTracker { return s.presence }

// Handle routes one decoded event.
func (s *RealtimeSyncService) Handle(ev transport.Event) {
	switch e := ev.(type) {
	case transport.NewMessageEvent:
		s.handleNewMessage(e)
	case transport.MessageStatusEvent:
		s.handleStatus(e)
	case transport.TypingEvent:
		s.presence.Set(Typing{
			ConversationID: e.ConversationID,
			FromVisitor:    e.FromVisitor(),
			AgentName:      e.AgentName,
			Since:          s.clock.Now(),
		}, e.IsTyping)
	case transport.VisitorContextEvent:
		s.store.UpsertVisitor(models.Visitor{ID: e.VisitorID, CurrentURL: e.CurrentURL})
	case transport.ConversationHistoryEvent:
		s.handleHistory(e)
	default:
		log.Warn().Str("event", ev.EventName()).Msg("No route for realtime event")
		return
	}
	s.mirrorEvent(ev)
}

func (s *RealtimeSyncService) handleNewMessage(e transport.NewMessageEvent) {
	msg := e.Message
	if msg.ConversationID == 0 {
		log.Warn().Str("event", e.Name).Str("messageID", msg.ID.String()).Msg("Dropping message without conversation id")
		return
	}

	inserted := false
	if !s.pipeline.Acknowledge(msg) {
		inserted = s.store.UpsertMessage(msg)
	}

	at := msg.CreatedAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	s.store.BumpConversation(e.ProjectID, msg.ConversationID, msg.Snippet(), at)

	if inserted && msg.FromCustomer == s.countFromCustomer && msg.ConversationID != s.Active() {
		s.store.IncrementUnread(msg.ConversationID)
	}

	log.Debug().
		Str("event", e.Name).
		Int64("conversationID", msg.ConversationID).
		Str("messageID", msg.ID.String()).
		Bool("inserted", inserted).
		Msg("Realtime message applied")
}

func (s *RealtimeSyncService) handleStatus(e transport.MessageStatusEvent) {
	if e.ConversationID != 0 {
		s.store.UpdateMessageStatus(e.ConversationID, e.MessageID, e.Status)
		return
	}
	// Some producers omit the conversation; look the message up in every
	// loaded view.
	for _, key := range s.store.Keys() {
		if key.Kind != cache.KindMessages {
			continue
		}
		if _, ok := s.store.FindMessage(key.ID, e.MessageID); ok {
			s.store.UpdateMessageStatus(key.ID, e.MessageID, e.Status)
			return
		}
	}
	log.Debug().Str("messageID", e.MessageID.String()).Msg("Status update for a message that is not cached")
}

func (s *RealtimeSyncService) handleHistory(e transport.ConversationHistoryEvent) {
	if e.ConversationID == 0 {
		log.Warn().Int("messages", len(e.Messages)).Msg("Dropping conversation history without conversation id")
		return
	}
	tok := s.store.BeginFetch(cache.MessagesKey(e.ConversationID), 0)
	info := cache.PageInfo{Number: 0, Limit: len(e.Messages), Total: len(e.Messages)}
	s.store.ApplyMessagePage(tok, e.Messages, info)
}

func (s *RealtimeSyncService) mirrorEvent(ev transport.Event) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.mirror.Publish(ctx, ev.EventName(), ev); err != nil {
		log.Error().Err(err).Str("event", ev.EventName()).Msg("Failed to mirror realtime event")
	}
}

// HandleStateChange invalidates cached lists after a reconnect, since
// events sent while the socket was down are lost.
func (s *RealtimeSyncService) HandleStateChange(change transport.StateChange) {
	if change.To != transport.StateConnected || !change.Reconnected {
		return
	}
	messages := s.store.InvalidateKind(cache.KindMessages)
	conversations := s.store.InvalidateKind(cache.KindConversations)
	log.Info().
		Int("messageViews", len(messages)).
		Int("conversationViews", len(conversations)).
		Msg("Reconnected, cached views marked stale")
	if s.onResync != nil {
		s.onResync()
	}
}
