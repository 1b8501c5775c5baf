package services

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Typing is one active typing indicator.
type Typing struct {
	ConversationID int64     `json:"conversationId"`
	FromVisitor    bool      `json:"fromVisitor"`
	AgentName      string    `json:"agentName,omitempty"`
	Since          time.Time `json:"since"`
}

// PresenceTracker remembers typing indicators. An indicator disappears when
// the other side says it stopped or when no update arrives within the TTL.
type PresenceTracker struct {
	ttl     time.Duration
	entries *gocache.Cache
}

// NewPresenceTracker creates a tracker expiring indicators after ttl.
func NewPresenceTracker(ttl time.Duration) *PresenceTracker {
	if ttl <= 0 {
		ttl = 6 * time.Second
	}
	// Expired entries are swept on Set, so no janitor goroutine is started.
	return &PresenceTracker{ttl: ttl, entries: gocache.New(ttl, 0)}
}

func presenceKey(conversationID int64, fromVisitor bool) string {
	side := "agent"
	if fromVisitor {
		side = "visitor"
	}
	return strconv.FormatInt(conversationID, 10) + ":" + side
}

// Set records or clears an indicator.
func (p *PresenceTracker) Set(t Typing, isTyping bool) {
	key := presenceKey(t.ConversationID, t.FromVisitor)
	if !isTyping {
		p.entries.Delete(key)
		return
	}
	p.entries.DeleteExpired()
	if existing, ok := p.entries.Get(key); ok {
		t.Since = existing.(Typing).Since
	}
	p.entries.Set(key, t, p.ttl)
}

// Typing lists the live indicators of a conversation.
func (p *PresenceTracker) Typing(conversationID int64) []Typing {
	var out []Typing
	for _, fromVisitor := range []bool{true, false} {
		if v, ok := p.entries.Get(presenceKey(conversationID, fromVisitor)); ok {
			out = append(out, v.(Typing))
		}
	}
	return out
}

// Active lists every live indicator.
func (p *PresenceTracker) Active() []Typing {
	var out []Typing
	for _, item := range p.entries.Items() {
		out = append(out, item.Object.(Typing))
	}
	return out
}
