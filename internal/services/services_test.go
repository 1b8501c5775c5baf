package services

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"inboxsync/internal/adapters/backend"
	"inboxsync/internal/cache"
	"inboxsync/internal/clock"
	"inboxsync/internal/models"
	"inboxsync/internal/transport"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minute int) time.Time { return base.Add(time.Duration(minute) * time.Minute) }

type fakeAck struct {
	consume map[string]bool
	seen    []models.Message
}

func (f *fakeAck) Acknowledge(msg models.Message) bool {
	f.seen = append(f.seen, msg)
	return f.consume[msg.ClientMessageID]
}

type fakeMirror struct {
	mu     sync.Mutex
	events []string
}

func (m *fakeMirror) Publish(_ context.Context, event string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

type fakeSource struct {
	handlers     map[string]transport.Handler
	stateFn      func(transport.StateChange)
	unsubscribed int
}

func (f *fakeSource) Subscribe(name string, h transport.Handler) func() {
	if f.handlers == nil {
		f.handlers = make(map[string]transport.Handler)
	}
	f.handlers[name] = h
	return func() { f.unsubscribed++ }
}

func (f *fakeSource) OnStateChange(fn func(transport.StateChange)) func() {
	f.stateFn = fn
	return func() { f.unsubscribed++ }
}

func conversation(id int64, minute int) models.Conversation {
	return models.Conversation{
		ID:                   id,
		ProjectID:            1,
		VisitorID:            100 + id,
		LastMessageSnippet:   models.String("old"),
		LastMessageTimestamp: models.Time(at(minute)),
		Status:               models.ConversationOpen,
	}
}

func loadInbox(t *testing.T, store *cache.Store, convs ...models.Conversation) {
	t.Helper()
	tok := store.BeginFetch(cache.ConversationsKey(1), 0)
	if !store.ApplyConversationPage(tok, convs, cache.PageInfo{Number: 0, Limit: 20, Total: len(convs)}) {
		t.Fatalf("conversation page rejected")
	}
}

func newSync(t *testing.T, store *cache.Store, ack *fakeAck, mirror Mirror) *RealtimeSyncService {
	t.Helper()
	s, err := NewRealtimeSyncService(SyncOptions{
		Store:             store,
		Pipeline:          ack,
		Presence:          NewPresenceTracker(time.Minute),
		Mirror:            mirror,
		Clock:             clock.Fake(at(30)),
		CountFromCustomer: true,
	})
	if err != nil {
		t.Fatalf("NewRealtimeSyncService: %v", err)
	}
	return s
}

func customerMessage(conv, id int64, minute int, text string) transport.NewMessageEvent {
	return transport.NewMessageEvent{
		Name: transport.EventNewMessage,
		Message: models.Message{
			ID:             models.ServerID(id),
			ConversationID: conv,
			Content:        models.String(text),
			FromCustomer:   true,
			Status:         models.StatusSent,
			CreatedAt:      at(minute),
		},
	}
}

func order(store *cache.Store) []int64 {
	var out []int64
	for _, c := range store.Conversations(1).Conversations {
		out = append(out, c.ID)
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewMessageReordersAndCountsUnread(t *testing.T) {
	store := cache.NewStore()
	loadInbox(t, store, conversation(1, 3), conversation(2, 2), conversation(3, 1))
	mirror := &fakeMirror{}
	s := newSync(t, store, &fakeAck{}, mirror)

	ev := customerMessage(3, 50, 10, "is anyone there?")
	s.Handle(ev)
	s.Handle(ev)

	if got := order(store); !equalIDs(got, []int64{3, 1, 2}) {
		t.Fatalf("order: want [3 1 2] got %v", got)
	}
	convs := store.Conversations(1).Conversations
	if *convs[0].LastMessageSnippet != "is anyone there?" || !convs[0].LastMessageTimestamp.Equal(at(10)) {
		t.Fatalf("bumped row: %+v", convs[0])
	}
	if convs[0].UnreadCount != 1 {
		t.Fatalf("duplicate push must count once, unread=%d", convs[0].UnreadCount)
	}
	for _, c := range convs[1:] {
		if *c.LastMessageSnippet != "old" || c.UnreadCount != 0 {
			t.Fatalf("untouched row changed: %+v", c)
		}
	}
	if n := len(store.Messages(3).Messages); n != 1 {
		t.Fatalf("want one message, got %d", n)
	}
	if len(mirror.events) != 2 || mirror.events[0] != transport.EventNewMessage {
		t.Fatalf("mirrored events: %v", mirror.events)
	}
}

func TestActiveConversationDoesNotCountUnread(t *testing.T) {
	store := cache.NewStore()
	loadInbox(t, store, conversation(1, 3))
	s := newSync(t, store, &fakeAck{}, nil)
	s.SetActive(1)
	s.Handle(customerMessage(1, 51, 10, "hi"))
	if c := store.Conversations(1).Conversations[0]; c.UnreadCount != 0 {
		t.Fatalf("active conversation unread=%d", c.UnreadCount)
	}
}

func TestAcknowledgedMessageIsNotUpserted(t *testing.T) {
	store := cache.NewStore()
	loadInbox(t, store, conversation(1, 3))
	ack := &fakeAck{consume: map[string]bool{"tmp-1": true}}
	s := newSync(t, store, ack, nil)

	ev := customerMessage(1, 52, 10, "mine")
	ev.Message.ClientMessageID = "tmp-1"
	s.Handle(ev)

	if len(ack.seen) != 1 {
		t.Fatalf("pipeline must see the push")
	}
	if n := len(store.Messages(1).Messages); n != 0 {
		t.Fatalf("consumed push must not be upserted, got %d", n)
	}
	if c := store.Conversations(1).Conversations[0]; c.UnreadCount != 0 || *c.LastMessageSnippet != "mine" {
		t.Fatalf("own message must bump without unread: %+v", c)
	}
}

func TestStatusEventRoutesWithoutConversationID(t *testing.T) {
	store := cache.NewStore()
	s := newSync(t, store, &fakeAck{}, nil)
	s.Handle(customerMessage(4, 60, 1, "x"))

	s.Handle(transport.MessageStatusEvent{MessageID: models.ServerID(60), Status: models.StatusRead})
	msg, _ := store.FindMessage(4, models.ServerID(60))
	if msg.Status != models.StatusRead {
		t.Fatalf("status: %s", msg.Status)
	}
	s.Handle(transport.MessageStatusEvent{ConversationID: 4, MessageID: models.ServerID(60), Status: models.StatusDelivered})
	msg, _ = store.FindMessage(4, models.ServerID(60))
	if msg.Status != models.StatusRead {
		t.Fatalf("status regressed to %s", msg.Status)
	}
}

func TestTypingAndVisitorContext(t *testing.T) {
	store := cache.NewStore()
	loadInbox(t, store, conversation(1, 3))
	s := newSync(t, store, &fakeAck{}, nil)

	s.Handle(transport.TypingEvent{Name: transport.EventVisitorIsTyping, ConversationID: 1, IsTyping: true})
	if typing := s.Presence().Typing(1); len(typing) != 1 || !typing[0].FromVisitor {
		t.Fatalf("typing: %+v", typing)
	}
	s.Handle(transport.TypingEvent{Name: transport.EventVisitorIsTyping, ConversationID: 1, IsTyping: false})
	if typing := s.Presence().Typing(1); len(typing) != 0 {
		t.Fatalf("typing must clear: %+v", typing)
	}

	s.Handle(transport.VisitorContextEvent{VisitorID: 101, CurrentURL: "https://shop.test/cart"})
	v, ok := store.Visitor(101)
	if !ok || v.CurrentURL != "https://shop.test/cart" {
		t.Fatalf("visitor: %+v", v)
	}
	row := store.Conversations(1).Conversations[0]
	if row.Visitor == nil || row.Visitor.CurrentURL != "https://shop.test/cart" {
		t.Fatalf("conversation row visitor: %+v", row.Visitor)
	}
}

func TestHistoryMergesIntoMessages(t *testing.T) {
	store := cache.NewStore()
	s := newSync(t, store, &fakeAck{}, nil)
	store.UpsertMessage(models.Message{
		ID: models.ProvisionalID("tmp-1"), ConversationID: 9, Status: models.StatusSending, CreatedAt: at(20),
	})

	s.Handle(transport.ConversationHistoryEvent{ConversationID: 9, Messages: []models.Message{
		{ID: models.ServerID(2), ConversationID: 9, Status: models.StatusSent, CreatedAt: at(2)},
		{ID: models.ServerID(1), ConversationID: 9, Status: models.StatusSent, CreatedAt: at(1)},
	}})

	view := store.Messages(9)
	if len(view.Messages) != 3 || view.Messages[0].ID != models.ProvisionalID("tmp-1") {
		t.Fatalf("history must keep the provisional entry on top: %+v", view.Messages)
	}
	if !view.Loaded {
		t.Fatalf("history must load the view")
	}
}

func TestReconnectInvalidatesViews(t *testing.T) {
	store := cache.NewStore()
	loadInbox(t, store, conversation(1, 3))
	tok := store.BeginFetch(cache.MessagesKey(1), 0)
	store.ApplyMessagePage(tok, nil, cache.PageInfo{})

	resynced := 0
	s, err := NewRealtimeSyncService(SyncOptions{Store: store, Pipeline: &fakeAck{}, OnResync: func() { resynced++ }})
	if err != nil {
		t.Fatalf("NewRealtimeSyncService: %v", err)
	}
	src := &fakeSource{}
	s.Start(src)

	src.stateFn(transport.StateChange{From: transport.StateConnecting, To: transport.StateConnected})
	if store.Stale(cache.MessagesKey(1)) || resynced != 0 {
		t.Fatalf("first connect must not invalidate")
	}
	src.stateFn(transport.StateChange{From: transport.StateConnecting, To: transport.StateConnected, Reconnected: true})
	if !store.Stale(cache.MessagesKey(1)) || !store.Stale(cache.ConversationsKey(1)) {
		t.Fatalf("reconnect must mark views stale")
	}
	if resynced != 1 {
		t.Fatalf("resync hook calls: %d", resynced)
	}

	src.handlers[transport.AllEvents](customerMessage(1, 70, 40, "after reconnect"))
	if n := len(store.Messages(1).Messages); n != 1 {
		t.Fatalf("subscribed handler not wired, messages=%d", n)
	}
	s.Stop()
	if src.unsubscribed != 2 {
		t.Fatalf("Stop must unsubscribe both handlers, got %d", src.unsubscribed)
	}
}

func TestPresenceExpires(t *testing.T) {
	p := NewPresenceTracker(30 * time.Millisecond)
	p.Set(Typing{ConversationID: 1, AgentName: "Dana"}, true)
	if len(p.Active()) != 1 {
		t.Fatalf("indicator missing")
	}
	time.Sleep(60 * time.Millisecond)
	if typing := p.Typing(1); len(typing) != 0 {
		t.Fatalf("indicator must expire: %+v", typing)
	}
}

func TestCachesStartNoJanitors(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 10; i++ {
		NewPresenceTracker(time.Second)
		if _, err := NewInboxService(&fakeBackend{}, cache.NewStore(), nil, nil, 0); err != nil {
			t.Fatalf("NewInboxService: %v", err)
		}
	}
	if after := runtime.NumGoroutine(); after > before {
		t.Fatalf("constructors leaked goroutines: before=%d after=%d", before, after)
	}
}

// fakeBackend serves canned pages and counts calls.
type fakeBackend struct {
	mu            sync.Mutex
	conversations []models.Conversation
	messages      map[int64][]models.Message
	visitor       *models.Visitor
	calls         map[string]int
	duringList    func()
	failMessages  error
}

func (f *fakeBackend) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) ListConversations(_ context.Context, projectID int64, opts backend.ListOptions) (*backend.PaginatedResponse[models.Conversation], error) {
	f.hit("conversations")
	return &backend.PaginatedResponse[models.Conversation]{Data: f.conversations, Total: len(f.conversations), Page: opts.Page + 1, Limit: opts.Limit}, nil
}

func (f *fakeBackend) ListMessages(_ context.Context, conversationID int64, opts backend.ListOptions) (*backend.PaginatedResponse[models.Message], error) {
	f.hit("messages")
	if f.duringList != nil {
		f.duringList()
	}
	if f.failMessages != nil {
		return nil, f.failMessages
	}
	data := f.messages[conversationID]
	return &backend.PaginatedResponse[models.Message]{Data: data, Total: len(data), Page: opts.Page + 1, Limit: opts.Limit}, nil
}

func (f *fakeBackend) UpdateConversationStatus(_ context.Context, conversationID int64, status models.ConversationStatus) (*models.Conversation, error) {
	f.hit("status")
	return &models.Conversation{ID: conversationID, Status: status}, nil
}

func (f *fakeBackend) GetVisitor(_ context.Context, visitorID int64) (*models.Visitor, error) {
	f.hit("visitor")
	v := *f.visitor
	return &v, nil
}

func (f *fakeBackend) WidgetSettings(_ context.Context, projectID int64) (*models.WidgetConfig, error) {
	f.hit("settings")
	return &models.WidgetConfig{PrimaryColor: "#0055ff", WelcomeMessage: "Hi!"}, nil
}

type recordingTyping struct{ calls []bool }

func (r *recordingTyping) SendTyping(_ context.Context, _ int64, isTyping bool) error {
	r.calls = append(r.calls, isTyping)
	return nil
}

func newInbox(t *testing.T, b *fakeBackend, store *cache.Store, sync *RealtimeSyncService) *InboxService {
	t.Helper()
	inbox, err := NewInboxService(b, store, sync, &recordingTyping{}, 20)
	if err != nil {
		t.Fatalf("NewInboxService: %v", err)
	}
	return inbox
}

func TestLoadConversationsAndMessages(t *testing.T) {
	store := cache.NewStore()
	b := &fakeBackend{
		conversations: []models.Conversation{conversation(1, 3), conversation(2, 2)},
		messages: map[int64][]models.Message{1: {
			{ID: models.ServerID(11), ConversationID: 1, Status: models.StatusRead, CreatedAt: at(3)},
			{ID: models.ServerID(10), ConversationID: 1, Status: models.StatusRead, CreatedAt: at(2)},
		}},
	}
	inbox := newInbox(t, b, store, nil)

	convs, err := inbox.LoadConversations(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("LoadConversations: %v", err)
	}
	if len(convs.Conversations) != 2 || convs.Stale || convs.HasMore() {
		t.Fatalf("conversations view: %+v", convs)
	}
	msgs, err := inbox.LoadMessages(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs.Messages) != 2 || msgs.Messages[0].ID != models.ServerID(11) {
		t.Fatalf("messages view: %+v", msgs.Messages)
	}
}

func TestLoadMessagesDropsStaleResponse(t *testing.T) {
	store := cache.NewStore()
	b := &fakeBackend{messages: map[int64][]models.Message{1: {
		{ID: models.ServerID(10), ConversationID: 1, Status: models.StatusSent, CreatedAt: at(1)},
	}}}
	b.duringList = func() { store.Reset(cache.MessagesKey(1)) }
	inbox := newInbox(t, b, store, nil)

	view, err := inbox.LoadMessages(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(view.Messages) != 0 || view.Loaded {
		t.Fatalf("response for a reset view must be dropped: %+v", view)
	}
}

func TestLoadMessagesError(t *testing.T) {
	b := &fakeBackend{failMessages: &backend.APIError{Op: "list messages", StatusCode: 500}}
	inbox := newInbox(t, b, cache.NewStore(), nil)
	_, err := inbox.LoadMessages(context.Background(), 1, 0)
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("want wrapped APIError, got %v", err)
	}
}

func TestSetActiveConversation(t *testing.T) {
	store := cache.NewStore()
	c := conversation(1, 3)
	c.UnreadCount = 4
	loadInbox(t, store, c)
	b := &fakeBackend{messages: map[int64][]models.Message{1: {
		{ID: models.ServerID(10), ConversationID: 1, Status: models.StatusSent, CreatedAt: at(1)},
	}}}
	sync := newSync(t, store, &fakeAck{}, nil)
	inbox := newInbox(t, b, store, sync)

	view, err := inbox.SetActiveConversation(context.Background(), 1)
	if err != nil {
		t.Fatalf("SetActiveConversation: %v", err)
	}
	if len(view.Messages) != 1 || sync.Active() != 1 {
		t.Fatalf("activate must load messages and mark active: %+v", view)
	}
	if row, _ := store.FindConversation(1); row.UnreadCount != 0 {
		t.Fatalf("unread must reset, got %d", row.UnreadCount)
	}
	if _, err := inbox.SetActiveConversation(context.Background(), 1); err != nil {
		t.Fatalf("SetActiveConversation: %v", err)
	}
	if n := b.count("messages"); n != 1 {
		t.Fatalf("loaded view must not refetch, calls=%d", n)
	}

	if _, err := inbox.SetActiveConversation(context.Background(), 2); err != nil {
		t.Fatalf("SetActiveConversation: %v", err)
	}
	if !store.Stale(cache.MessagesKey(1)) {
		t.Fatalf("leaving a conversation must reset its view")
	}
}

func TestRefreshReloadsStaleViews(t *testing.T) {
	store := cache.NewStore()
	b := &fakeBackend{
		conversations: []models.Conversation{conversation(1, 3)},
		messages:      map[int64][]models.Message{1: nil},
		visitor:       &models.Visitor{ID: 101, DisplayName: "Ana"},
	}
	inbox := newInbox(t, b, store, nil)
	if _, err := inbox.LoadConversations(context.Background(), 1, 0); err != nil {
		t.Fatalf("LoadConversations: %v", err)
	}
	if _, err := inbox.LoadMessages(context.Background(), 1, 0); err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	store.InvalidateKind(cache.KindMessages)

	if err := inbox.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if b.count("messages") != 2 || b.count("conversations") != 1 {
		t.Fatalf("only stale views reload: %v", b.calls)
	}
	if store.Stale(cache.MessagesKey(1)) {
		t.Fatalf("refreshed view still stale")
	}
}

func TestUpdateConversationStatus(t *testing.T) {
	store := cache.NewStore()
	loadInbox(t, store, conversation(1, 3))
	inbox := newInbox(t, &fakeBackend{}, store, nil)

	if _, err := inbox.UpdateConversationStatus(context.Background(), 1, "archived"); err == nil {
		t.Fatalf("invalid status must be rejected")
	}
	if _, err := inbox.UpdateConversationStatus(context.Background(), 1, models.ConversationClosed); err != nil {
		t.Fatalf("UpdateConversationStatus: %v", err)
	}
	row, ok := store.FindConversation(1)
	if !ok || row.Status != models.ConversationClosed {
		t.Fatalf("closed conversation must stay cached with its new status: %+v", row)
	}
}

func TestVisitorAndSettingsAreCached(t *testing.T) {
	b := &fakeBackend{visitor: &models.Visitor{ID: 101, DisplayName: "Ana"}}
	inbox := newInbox(t, b, cache.NewStore(), nil)
	for i := 0; i < 2; i++ {
		v, err := inbox.Visitor(context.Background(), 101)
		if err != nil || v.DisplayName != "Ana" {
			t.Fatalf("Visitor: %+v %v", v, err)
		}
		cfg, err := inbox.WidgetSettings(context.Background(), 1)
		if err != nil || cfg.WelcomeMessage != "Hi!" {
			t.Fatalf("WidgetSettings: %+v %v", cfg, err)
		}
	}
	if b.count("visitor") != 1 || b.count("settings") != 1 {
		t.Fatalf("second lookups must hit the cache: %v", b.calls)
	}
}

func TestSendTyping(t *testing.T) {
	typing := &recordingTyping{}
	inbox, _ := NewInboxService(&fakeBackend{}, cache.NewStore(), nil, typing, 0)
	if err := inbox.SendTyping(context.Background(), 1, true); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if len(typing.calls) != 1 || !typing.calls[0] {
		t.Fatalf("typing calls: %v", typing.calls)
	}
}
