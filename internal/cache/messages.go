package cache

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"inboxsync/internal/models"
)

type messageView struct {
	meta
	list pagedList[models.Message]
}

func messageKey(m models.Message) string { return m.ID.Key() }

// messageView returns the view for a conversation. Callers hold s.mu, and
// the write lock when create is set.
func (s *Store) messageView(conversationID int64, create bool) *messageView {
	v, ok := s.messages[conversationID]
	if !ok && create {
		v = &messageView{list: newPagedList(messageKey)}
		s.messages[conversationID] = v
	}
	return v
}

// MessagesView is a snapshot of a conversation's messages, newest first.
type MessagesView struct {
	Key      Key
	Version  uint64
	Stale    bool
	Loaded   bool
	Messages []models.Message
	Pages    []PageInfo
}

// HasMore reports whether an older page can be loaded.
func (v MessagesView) HasMore() bool {
	return len(v.Pages) > 0 && v.Pages[len(v.Pages)-1].HasMore
}

// NextPage is the page number to request for older messages.
func (v MessagesView) NextPage() int { return len(v.Pages) }

// Messages returns a snapshot of a conversation's messages.
func (s *Store) Messages(conversationID int64) MessagesView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := MessagesView{Key: MessagesKey(conversationID), Stale: true}
	v := s.messageView(conversationID, false)
	if v == nil {
		return out
	}
	out.Version = v.version
	out.Stale = v.stale
	out.Loaded = v.loaded
	out.Messages = v.list.flatten()
	out.Pages = v.list.pageInfo()
	return out
}

// FindMessage looks a message up by id.
func (s *Store) FindMessage(conversationID int64, id models.MessageID) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.messageView(conversationID, false)
	if v == nil {
		return models.Message{}, false
	}
	p, i, ok := v.list.find(id.Key())
	if !ok {
		return models.Message{}, false
	}
	return v.list.get(p, i), true
}

// newerOrEqual places v before the first entry that is not newer than it, so
// entries sharing a timestamp keep insertion order with the latest first.
func newerOrEqual(v, existing models.Message) bool {
	return !existing.CreatedAt.After(v.CreatedAt)
}

// upsertMessage merges msg by id, or by the provisional id it echoes, and
// inserts it in timestamp position otherwise. It reports whether msg was new.
func upsertMessage(v *messageView, msg models.Message) bool {
	if p, i, ok := v.list.find(msg.ID.Key()); ok {
		v.list.set(p, i, models.MergeMessage(v.list.get(p, i), msg))
		return false
	}
	if msg.ClientMessageID != "" && !msg.ID.IsProvisional() {
		if p, i, ok := v.list.find(models.ProvisionalID(msg.ClientMessageID).Key()); ok {
			merged := models.MergeMessage(v.list.get(p, i), msg)
			merged.Status = models.MergeStatus(merged.Status, models.StatusSent)
			v.list.set(p, i, merged)
			return false
		}
	}
	if msg.CreatedAt.IsZero() {
		v.list.pushFront(msg)
	} else {
		v.list.insertBefore(msg, newerOrEqual)
	}
	return true
}

// UpsertMessage inserts or merges msg into its conversation. Applying the
// same message twice leaves the view as applying it once.
func (s *Store) UpsertMessage(msg models.Message) (inserted bool) {
	var changes []Change
	s.mu.Lock()
	v := s.messageView(msg.ConversationID, true)
	inserted = upsertMessage(v, msg)
	touch(&v.meta, MessagesKey(msg.ConversationID), &changes)
	s.mu.Unlock()
	s.notify(changes)
	return inserted
}

// ReconcileOutcome tells how a provisional entry was resolved.
type ReconcileOutcome int

const (
	// ReconcileSwapped replaced the provisional entry in place.
	ReconcileSwapped ReconcileOutcome = iota
	// ReconcileMerged found the final entry already present, merged into it
	// and dropped the provisional entry.
	ReconcileMerged
	// ReconcileInserted found no provisional entry and inserted the final one.
	ReconcileInserted
)

func (o ReconcileOutcome) String() string {
	switch o {
	case ReconcileSwapped:
		return "swapped"
	case ReconcileMerged:
		return "merged"
	default:
		return "inserted"
	}
}

// ReconcileMessage atomically replaces the provisional entry with the
// confirmed message. Afterwards exactly one entry carries final.ID and none
// carries provisional.
func (s *Store) ReconcileMessage(provisional models.MessageID, final models.Message) ReconcileOutcome {
	if !final.Status.Confirmed() {
		final.Status = models.StatusSent
	}
	if final.ClientMessageID == "" {
		final.ClientMessageID = provisional.Provisional
	}

	var changes []Change
	var outcome ReconcileOutcome
	s.mu.Lock()
	v := s.messageView(final.ConversationID, true)
	pp, pi, pok := v.list.find(provisional.Key())
	fp, fi, fok := v.list.find(final.ID.Key())
	switch {
	case pok && fok:
		v.list.set(fp, fi, models.MergeMessage(v.list.get(fp, fi), final))
		v.list.remove(pp, pi)
		outcome = ReconcileMerged
	case pok:
		v.list.set(pp, pi, models.MergeMessage(v.list.get(pp, pi), final))
		outcome = ReconcileSwapped
	case fok:
		v.list.set(fp, fi, models.MergeMessage(v.list.get(fp, fi), final))
		outcome = ReconcileMerged
	default:
		upsertMessage(v, final)
		outcome = ReconcileInserted
	}
	touch(&v.meta, MessagesKey(final.ConversationID), &changes)
	s.mu.Unlock()
	s.notify(changes)
	return outcome
}

// setStatus applies status through the merge policy. It reports whether the
// entry changed.
func (s *Store) setStatus(conversationID int64, id models.MessageID, allow func(models.MessageStatus) bool, status models.MessageStatus) bool {
	var changes []Change
	changed := false
	s.mu.Lock()
	if v := s.messageView(conversationID, false); v != nil {
		if p, i, ok := v.list.find(id.Key()); ok {
			m := v.list.get(p, i)
			if allow == nil || allow(m.Status) {
				next := models.MergeStatus(m.Status, status)
				if next != m.Status {
					m.Status = next
					v.list.set(p, i, m)
					touch(&v.meta, MessagesKey(conversationID), &changes)
					changed = true
				}
			}
		}
	}
	s.mu.Unlock()
	s.notify(changes)
	return changed
}

// MarkMessageFailed flips a sending entry to failed. The entry stays visible.
func (s *Store) MarkMessageFailed(conversationID int64, id models.MessageID) bool {
	return s.setStatus(conversationID, id, func(cur models.MessageStatus) bool {
		return cur == models.StatusSending
	}, models.StatusFailed)
}

// MarkMessageSending moves a failed entry back to sending for a retry.
func (s *Store) MarkMessageSending(conversationID int64, id models.MessageID) bool {
	return s.setStatus(conversationID, id, func(cur models.MessageStatus) bool {
		return cur == models.StatusFailed
	}, models.StatusSending)
}

// UpdateMessageStatus applies a delivery status. Statuses never move backwards.
func (s *Store) UpdateMessageStatus(conversationID int64, id models.MessageID, status models.MessageStatus) bool {
	return s.setStatus(conversationID, id, nil, status)
}

// UpdateMessages applies fn to every message matching pred and returns the
// number of entries visited.
func (s *Store) UpdateMessages(conversationID int64, pred func(models.Message) bool, fn func(*models.Message)) int {
	var changes []Change
	n := 0
	s.mu.Lock()
	if v := s.messageView(conversationID, false); v != nil {
		v.list.each(func(p, i int, m models.Message) bool {
			if pred(m) {
				fn(&m)
				v.list.set(p, i, m)
				n++
			}
			return true
		})
		if n > 0 {
			touch(&v.meta, MessagesKey(conversationID), &changes)
		}
	}
	s.mu.Unlock()
	s.notify(changes)
	return n
}

// ApplyMessagePage merges a fetched page. A first page rebuilds the window
// while keeping provisional entries and anything newer than the page's
// oldest entry; later pages extend the list. It reports whether the page was
// applied.
func (s *Store) ApplyMessagePage(tok FetchToken, msgs []models.Message, info PageInfo) bool {
	incoming := append([]models.Message(nil), msgs...)
	sort.SliceStable(incoming, func(i, j int) bool {
		return incoming[i].CreatedAt.After(incoming[j].CreatedAt)
	})
	info.Number = tok.Page
	if tok.Key.Kind != KindMessages {
		return false
	}

	var changes []Change
	s.mu.Lock()
	m, ok := s.current(tok)
	if !ok {
		s.mu.Unlock()
		log.Debug().Str("key", tok.Key.String()).Int("page", tok.Page).Msg("Discarding page from superseded fetch")
		return false
	}
	v := s.messages[tok.Key.ID]
	applied := true
	if tok.Page == 0 {
		applyFirstMessagePage(v, incoming, info)
	} else {
		applied = applyOlderMessagePage(v, incoming, info)
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

func applyFirstMessagePage(v *messageView, incoming []models.Message, info PageInfo) {
	var cutoff time.Time
	if len(incoming) > 0 {
		cutoff = incoming[len(incoming)-1].CreatedAt
	}
	fresh := newPagedList(messageKey)
	fresh.reset(nil, info)
	for _, msg := range incoming {
		if p, i, ok := v.list.find(msg.ID.Key()); ok {
			msg = models.MergeMessage(v.list.get(p, i), msg)
		}
		fresh.pages[0] = append(fresh.pages[0], msg)
	}
	freshView := &messageView{list: fresh}
	confirmed := func(old models.Message) bool {
		return old.ID.IsProvisional() && echoes(fresh, old.ID.Provisional)
	}
	var spill []models.Message
	v.list.each(func(p, _ int, old models.Message) bool {
		if _, _, dup := fresh.find(old.ID.Key()); dup || confirmed(old) {
			return true
		}
		switch {
		case old.ID.IsProvisional() || !old.CreatedAt.Before(cutoff):
			upsertMessage(freshView, old)
		case p == 0:
			spill = append(spill, old)
		}
		return true
	})
	freshView.list.carryOlderPages(v.list, spill, func(m models.Message) bool { return !confirmed(m) })
	v.list = freshView.list
}

// echoes reports whether l holds a confirmed message for a provisional id.
func echoes(l pagedList[models.Message], provisional string) bool {
	found := false
	l.each(func(_, _ int, m models.Message) bool {
		found = m.ClientMessageID == provisional && !m.ID.IsProvisional()
		return !found
	})
	return found
}

func applyOlderMessagePage(v *messageView, incoming []models.Message, info PageInfo) bool {
	n := info.Number
	if n > len(v.list.pages) {
		return false
	}
	var added []models.Message
	for _, msg := range incoming {
		if p, i, ok := v.list.find(msg.ID.Key()); ok {
			v.list.set(p, i, models.MergeMessage(v.list.get(p, i), msg))
			continue
		}
		added = append(added, msg)
	}
	if n == len(v.list.pages) {
		return v.list.setPage(n, added, info)
	}
	v.list.info[n] = info
	for _, msg := range added {
		v.list.insertBefore(msg, newerOrEqual)
	}
	return true
}
