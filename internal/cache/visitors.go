package cache

import (
	"inboxsync/internal/models"
)

type visitorEntry struct {
	meta
	visitor models.Visitor
}

// visitorEntry returns the cached visitor. Callers hold s.mu, and the write
// lock when create is set.
func (s *Store) visitorEntry(visitorID int64, create bool) *visitorEntry {
	v, ok := s.visitors[visitorID]
	if !ok && create {
		v = &visitorEntry{visitor: models.Visitor{ID: visitorID}}
		s.visitors[visitorID] = v
	}
	return v
}

// Visitor returns the cached visitor, if any.
func (s *Store) Visitor(visitorID int64) (models.Visitor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.visitorEntry(visitorID, false)
	if v == nil {
		return models.Visitor{}, false
	}
	return v.visitor, true
}

func mergeVisitor(existing, incoming models.Visitor) models.Visitor {
	out := existing
	if incoming.DisplayName != "" {
		out.DisplayName = incoming.DisplayName
	}
	if incoming.CurrentURL != "" {
		out.CurrentURL = incoming.CurrentURL
	}
	return out
}

// UpsertVisitor merges visitor details into the cache and into every
// conversation row that embeds the visitor.
func (s *Store) UpsertVisitor(visitor models.Visitor) {
	var changes []Change
	s.mu.Lock()
	s.upsertVisitor(visitor, &changes)
	s.mu.Unlock()
	s.notify(changes)
}

func (s *Store) upsertVisitor(visitor models.Visitor, changes *[]Change) {
	e := s.visitorEntry(visitor.ID, true)
	e.visitor = mergeVisitor(e.visitor, visitor)
	touch(&e.meta, VisitorKey(visitor.ID), changes)

	for projectID, v := range s.conversations {
		hit := false
		v.list.each(func(p, i int, c models.Conversation) bool {
			if c.VisitorID != visitor.ID && (c.Visitor == nil || c.Visitor.ID != visitor.ID) {
				return true
			}
			merged := e.visitor
			if c.Visitor != nil {
				merged = mergeVisitor(*c.Visitor, visitor)
			}
			c.Visitor = &merged
			v.list.set(p, i, c)
			hit = true
			return true
		})
		if hit {
			touch(&v.meta, ConversationsKey(projectID), changes)
		}
	}
}

// ApplyVisitor stores a fetched visitor if tok is still current.
func (s *Store) ApplyVisitor(tok FetchToken, visitor models.Visitor) bool {
	if tok.Key.Kind != KindVisitor {
		return false
	}
	visitor.ID = tok.Key.ID
	var changes []Change
	s.mu.Lock()
	m, ok := s.current(tok)
	if ok {
		s.upsertVisitor(visitor, &changes)
		m.stale = false
		m.loaded = true
	}
	s.mu.Unlock()
	s.notify(changes)
	return ok
}
