package cache

import (
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"inboxsync/internal/models"
)

type conversationView struct {
	meta
	list pagedList[models.Conversation]
}

func conversationKey(c models.Conversation) string { return strconv.FormatInt(c.ID, 10) }

// conversationView returns the inbox view of a project. Callers hold s.mu, and
// the write lock when create is set.
func (s *Store) conversationView(projectID int64, create bool) *conversationView {
	v, ok := s.conversations[projectID]
	if !ok && create {
		v = &conversationView{list: newPagedList(conversationKey)}
		s.conversations[projectID] = v
	}
	return v
}

// ConversationsView is a snapshot of a project's inbox, most recent first.
type ConversationsView struct {
	Key           Key
	Version       uint64
	Stale         bool
	Loaded        bool
	Conversations []models.Conversation
	Pages         []PageInfo
}

func (v ConversationsView) HasMore() bool {
	return len(v.Pages) > 0 && v.Pages[len(v.Pages)-1].HasMore
}

func (v ConversationsView) NextPage() int { return len(v.Pages) }

// Conversations returns a snapshot of a project's inbox.
func (s *Store) Conversations(projectID int64) ConversationsView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := ConversationsView{Key: ConversationsKey(projectID), Stale: true}
	v := s.conversationView(projectID, false)
	if v == nil {
		return out
	}
	out.Version = v.version
	out.Stale = v.stale
	out.Loaded = v.loaded
	out.Conversations = v.list.flatten()
	out.Pages = v.list.pageInfo()
	return out
}

// FindConversation looks a conversation up in every cached inbox.
func (s *Store) FindConversation(conversationID int64) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := strconv.FormatInt(conversationID, 10)
	for _, v := range s.conversations {
		if p, i, ok := v.list.find(key); ok {
			return v.list.get(p, i), true
		}
	}
	return models.Conversation{}, false
}

// moreRecent orders conversations by last activity. Rows without activity
// sort last.
func moreRecent(v, existing models.Conversation) bool {
	if existing.LastMessageTimestamp == nil {
		return true
	}
	return v.LastMessageTimestamp != nil && !existing.LastMessageTimestamp.After(*v.LastMessageTimestamp)
}

// newerActivity reports whether a carries activity strictly later than b.
func newerActivity(a, b models.Conversation) bool {
	if a.LastMessageTimestamp == nil {
		return false
	}
	return b.LastMessageTimestamp == nil || a.LastMessageTimestamp.After(*b.LastMessageTimestamp)
}

// mergeConversation overlays incoming onto existing. The preview never
// regresses to older activity.
func mergeConversation(existing, incoming models.Conversation) models.Conversation {
	out := existing
	if incoming.ProjectID != 0 {
		out.ProjectID = incoming.ProjectID
	}
	if incoming.VisitorID != 0 {
		out.VisitorID = incoming.VisitorID
	}
	if incoming.Visitor != nil {
		out.Visitor = incoming.Visitor
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if newerActivity(existing, incoming) {
		if incoming.UnreadCount > out.UnreadCount {
			out.UnreadCount = incoming.UnreadCount
		}
		return out
	}
	out.LastMessageSnippet = incoming.LastMessageSnippet
	out.LastMessageTimestamp = incoming.LastMessageTimestamp
	out.UnreadCount = incoming.UnreadCount
	return out
}

// BumpConversation records new activity on a conversation and moves it to the
// head of its inbox. A projectID of 0 updates every inbox that holds the
// conversation. An unknown conversation in a known project is inserted as a
// stub and its inbox is marked stale. The preview keeps the cached activity
// when it is newer than at.
func (s *Store) BumpConversation(projectID, conversationID int64, snippet string, at time.Time) bool {
	var changes []Change
	changed := false
	key := strconv.FormatInt(conversationID, 10)
	s.mu.Lock()
	views := make(map[int64]*conversationView)
	if projectID != 0 {
		views[projectID] = s.conversationView(projectID, true)
	} else {
		for id, v := range s.conversations {
			if _, _, ok := v.list.find(key); ok {
				views[id] = v
			}
		}
	}
	for id, v := range views {
		p, i, ok := v.list.find(key)
		var c models.Conversation
		if ok {
			c = v.list.remove(p, i)
		} else {
			c = models.Conversation{ID: conversationID, ProjectID: id, Status: models.ConversationOpen}
			v.stale = true
		}
		if c.LastMessageTimestamp == nil || !c.LastMessageTimestamp.After(at) {
			c.LastMessageSnippet = models.String(snippet)
			c.LastMessageTimestamp = models.Time(at)
		}
		v.list.pushFront(c)
		touch(&v.meta, ConversationsKey(id), &changes)
		changed = true
	}
	s.mu.Unlock()
	s.notify(changes)
	return changed
}

// UpdateConversation applies fn to the conversation in every inbox holding it.
func (s *Store) UpdateConversation(conversationID int64, fn func(*models.Conversation)) bool {
	n := 0
	for projectID := range s.projectsOf(conversationID) {
		n += s.UpdateConversations(projectID, func(c models.Conversation) bool {
			return c.ID == conversationID
		}, fn)
	}
	return n > 0
}

func (s *Store) projectsOf(conversationID int64) map[int64]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := strconv.FormatInt(conversationID, 10)
	out := make(map[int64]struct{})
	for id, v := range s.conversations {
		if _, _, ok := v.list.find(key); ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// UpdateConversations applies fn to every conversation of a project matching
// pred and returns how many matched.
func (s *Store) UpdateConversations(projectID int64, pred func(models.Conversation) bool, fn func(*models.Conversation)) int {
	var changes []Change
	n := 0
	s.mu.Lock()
	if v := s.conversationView(projectID, false); v != nil {
		v.list.each(func(p, i int, c models.Conversation) bool {
			if pred(c) {
				fn(&c)
				v.list.set(p, i, c)
				n++
			}
			return true
		})
		if n > 0 {
			touch(&v.meta, ConversationsKey(projectID), &changes)
		}
	}
	s.mu.Unlock()
	s.notify(changes)
	return n
}

// SetConversationStatus opens or closes a conversation in place.
func (s *Store) SetConversationStatus(conversationID int64, status models.ConversationStatus) bool {
	return s.UpdateConversation(conversationID, func(c *models.Conversation) {
		c.Status = status
	})
}

// IncrementUnread counts one more unread customer message.
func (s *Store) IncrementUnread(conversationID int64) bool {
	return s.UpdateConversation(conversationID, func(c *models.Conversation) {
		c.UnreadCount++
	})
}

// ResetUnread clears the unread counter, typically when the conversation is opened.
func (s *Store) ResetUnread(conversationID int64) bool {
	return s.UpdateConversation(conversationID, func(c *models.Conversation) {
		c.UnreadCount = 0
	})
}

// ApplyConversationPage merges a fetched inbox page, the same way
// ApplyMessagePage does for messages.
func (s *Store) ApplyConversationPage(tok FetchToken, convs []models.Conversation, info PageInfo) bool {
	if tok.Key.Kind != KindConversations {
		return false
	}
	incoming := append([]models.Conversation(nil), convs...)
	sort.SliceStable(incoming, func(i, j int) bool {
		return newerActivity(incoming[i], incoming[j])
	})
	info.Number = tok.Page

	var changes []Change
	s.mu.Lock()
	m, ok := s.current(tok)
	if !ok {
		s.mu.Unlock()
		log.Debug().Str("key", tok.Key.String()).Int("page", tok.Page).Msg("Discarding page from superseded fetch")
		return false
	}
	v := s.conversations[tok.Key.ID]
	for i := range incoming {
		if incoming[i].ProjectID == 0 {
			incoming[i].ProjectID = tok.Key.ID
		}
	}
	applied := true
	if tok.Page == 0 {
		applyFirstConversationPage(v, incoming, info)
	} else {
		applied = applyOlderConversationPage(v, incoming, info)
	}
	if applied {
		m.stale = false
		m.loaded = true
		touch(m, tok.Key, &changes)
	}
	s.mu.Unlock()
	s.notify(changes)
	if !applied {
		log.Warn().Str("key", tok.Key.String()).Int("page", tok.Page).Msg("Page does not follow loaded pages, ignoring")
	}
	return applied
}

func applyFirstConversationPage(v *conversationView, incoming []models.Conversation, info PageInfo) {
	var cutoff *time.Time
	for i := len(incoming) - 1; i >= 0; i-- {
		if incoming[i].LastMessageTimestamp != nil {
			cutoff = incoming[i].LastMessageTimestamp
			break
		}
	}
	fresh := newPagedList(conversationKey)
	fresh.reset(nil, info)
	for _, c := range incoming {
		if p, i, ok := v.list.find(conversationKey(c)); ok {
			c = mergeConversation(v.list.get(p, i), c)
		}
		fresh.pages[0] = append(fresh.pages[0], c)
	}
	var spill []models.Conversation
	v.list.each(func(p, _ int, old models.Conversation) bool {
		if _, _, dup := fresh.find(conversationKey(old)); dup {
			return true
		}
		keep := len(incoming) == 0 ||
			(old.LastMessageTimestamp != nil && (cutoff == nil || !old.LastMessageTimestamp.Before(*cutoff)))
		switch {
		case keep:
			fresh.insertBefore(old, moreRecent)
		case p == 0:
			spill = append(spill, old)
		}
		return true
	})
	fresh.carryOlderPages(v.list, spill, func(models.Conversation) bool { return true })
	v.list = fresh
}

func applyOlderConversationPage(v *conversationView, incoming []models.Conversation, info PageInfo) bool {
	n := info.Number
	if n > len(v.list.pages) {
		return false
	}
	var added []models.Conversation
	for _, c := range incoming {
		if p, i, ok := v.list.find(conversationKey(c)); ok {
			v.list.set(p, i, mergeConversation(v.list.get(p, i), c))
			continue
		}
		added = append(added, c)
	}
	if n == len(v.list.pages) {
		return v.list.setPage(n, added, info)
	}
	v.list.info[n] = info
	for _, c := range added {
		v.list.insertBefore(c, moreRecent)
	}
	return true
}
