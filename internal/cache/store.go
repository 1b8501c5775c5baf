package cache

import (
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// Kind names a family of cached views.
type Kind string

const (
	KindMessages      Kind = "messages"      // keyed by conversation id
	KindConversations Kind = "conversations" // keyed by project id
	KindVisitor       Kind = "visitor"       // keyed by visitor id
)

// Key identifies one cached view.
type Key struct {
	Kind Kind
	ID   int64
}

func MessagesKey(conversationID int64) Key { return Key{Kind: KindMessages, ID: conversationID} }
func ConversationsKey(projectID int64) Key { return Key{Kind: KindConversations, ID: projectID} }
func VisitorKey(visitorID int64) Key       { return Key{Kind: KindVisitor, ID: visitorID} }

func (k Key) String() string {
	return string(k.Kind) + ":" + strconv.FormatInt(k.ID, 10)
}

// Change is delivered to subscribers after every mutation of a view.
// Versions increase per key, so an observer can drop out-of-order changes.
type Change struct {
	Key     Key
	Version uint64
}

// FetchToken pins a page fetch to the view generation it was issued for.
// A page applied with an outdated token is discarded.
type FetchToken struct {
	Key        Key
	Page       int
	generation uint64
}

// meta is the bookkeeping shared by every view.
type meta struct {
	version    uint64
	generation uint64
	stale      bool
	loaded     bool
}

// Store is the shared, keyed cache that backs every list the UI renders.
// All mutations are atomic; readers always get copies.
type Store struct {
	mu            sync.RWMutex
	messages      map[int64]*messageView
	conversations map[int64]*conversationView
	visitors      map[int64]*visitorEntry

	subMu  sync.RWMutex
	subs   map[int]func(Change)
	nextID int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		messages:      make(map[int64]*messageView),
		conversations: make(map[int64]*conversationView),
		visitors:      make(map[int64]*visitorEntry),
		subs:          make(map[int]func(Change)),
	}
}

// Subscribe registers fn for change notifications. Notifications are
// delivered after the store lock is released, so fn may read the store.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.subMu.RLock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()
	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

// metaFor returns the bookkeeping of key, creating the view when create is set.
// Callers hold s.mu.
func (s *Store) metaFor(key Key, create bool) *meta {
	switch key.Kind {
	case KindMessages:
		if v := s.messageView(key.ID, create); v != nil {
			return &v.meta
		}
	case KindConversations:
		if v := s.conversationView(key.ID, create); v != nil {
			return &v.meta
		}
	case KindVisitor:
		if v := s.visitorEntry(key.ID, create); v != nil {
			return &v.meta
		}
	}
	return nil
}

// touch bumps the version of m and records the change.
func touch(m *meta, key Key, changes *[]Change) {
	m.version++
	*changes = append(*changes, Change{Key: key, Version: m.version})
}

// Invalidate marks a view stale without clearing it, so the current content
// stays visible until a refetch replaces it. It reports whether the view exists.
func (s *Store) Invalidate(key Key) bool {
	var changes []Change
	s.mu.Lock()
	m := s.metaFor(key, false)
	if m != nil {
		m.stale = true
		touch(m, key, &changes)
	}
	s.mu.Unlock()
	s.notify(changes)
	return m != nil
}

// InvalidateKind marks every view of kind stale and returns their keys.
func (s *Store) InvalidateKind(kind Kind) []Key {
	var changes []Change
	var keys []Key
	s.mu.Lock()
	switch kind {
	case KindMessages:
		for id, v := range s.messages {
			v.stale = true
			key := MessagesKey(id)
			touch(&v.meta, key, &changes)
			keys = append(keys, key)
		}
	case KindConversations:
		for id, v := range s.conversations {
			v.stale = true
			key := ConversationsKey(id)
			touch(&v.meta, key, &changes)
			keys = append(keys, key)
		}
	case KindVisitor:
		for id, v := range s.visitors {
			v.stale = true
			key := VisitorKey(id)
			touch(&v.meta, key, &changes)
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()
	s.notify(changes)
	log.Debug().Str("kind", string(kind)).Int("views", len(keys)).Msg("Invalidated cache views")
	return keys
}

// Reset abandons in-flight fetches for key and marks it stale. Used when the
// user navigates away from a view.
func (s *Store) Reset(key Key) {
	var changes []Change
	s.mu.Lock()
	if m := s.metaFor(key, false); m != nil {
		m.generation++
		m.stale = true
		touch(m, key, &changes)
	}
	s.mu.Unlock()
	s.notify(changes)
}

// BeginFetch issues a token for loading page of key. A first-page fetch
// supersedes every fetch issued before it.
func (s *Store) BeginFetch(key Key, page int) FetchToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metaFor(key, true)
	if m == nil {
		return FetchToken{Key: key, Page: page}
	}
	if page == 0 {
		m.generation++
	}
	return FetchToken{Key: key, Page: page, generation: m.generation}
}

// current reports whether tok still matches its view. Callers hold s.mu.
func (s *Store) current(tok FetchToken) (*meta, bool) {
	m := s.metaFor(tok.Key, false)
	if m == nil || m.generation != tok.generation {
		return nil, false
	}
	return m, true
}

// Stale reports whether key is marked stale. Unknown views are stale.
func (s *Store) Stale(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.metaFor(key, false)
	return m == nil || m.stale || !m.loaded
}

// Keys lists every cached view. Used by status reporting.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.messages)+len(s.conversations)+len(s.visitors))
	for id := range s.conversations {
		keys = append(keys, ConversationsKey(id))
	}
	for id := range s.messages {
		keys = append(keys, MessagesKey(id))
	}
	for id := range s.visitors {
		keys = append(keys, VisitorKey(id))
	}
	return keys
}
