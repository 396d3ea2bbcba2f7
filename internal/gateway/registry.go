package gateway

import (
	"context"
	"sync"

	"github.com/floegence/widgetchat/internal/widget"
)

type sessionKey struct {
	contactSessionID string
	conversationID   string
}

type sessionEntry struct {
	mu     sync.Mutex
	s      *widget.Session
	opened bool
}

// registry holds one opened widget.Session per (contact session, conversation).
type registry struct {
	newSession func(contactSessionID string, conversationID string) (*widget.Session, error)

	mu      sync.Mutex
	entries map[sessionKey]*sessionEntry
}

func newRegistry(newSession func(contactSessionID string, conversationID string) (*widget.Session, error)) *registry {
	return &registry{newSession: newSession, entries: make(map[sessionKey]*sessionEntry)}
}

// get returns the session for key, opening it on first use. Entries whose Open
// fails are dropped so unknown conversation ids do not accumulate.
func (r *registry) get(ctx context.Context, contactSessionID string, conversationID string) (*widget.Session, error) {
	key := sessionKey{contactSessionID: contactSessionID, conversationID: conversationID}

	r.mu.Lock()
	e := r.entries[key]
	if e == nil {
		e = &sessionEntry{}
		r.entries[key] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s == nil {
		s, err := r.newSession(contactSessionID, conversationID)
		if err != nil {
			return nil, err
		}
		e.s = s
	}
	if !e.opened {
		if err := e.s.Open(ctx); err != nil {
			r.forget(contactSessionID, conversationID)
			return nil, err
		}
		e.opened = true
	}
	return e.s, nil
}

// peek returns an already opened session without touching the backend.
func (r *registry) peek(contactSessionID string, conversationID string) *widget.Session {
	r.mu.Lock()
	e := r.entries[sessionKey{contactSessionID: contactSessionID, conversationID: conversationID}]
	r.mu.Unlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.opened {
		return nil
	}
	return e.s
}

func (r *registry) forget(contactSessionID string, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionKey{contactSessionID: contactSessionID, conversationID: conversationID})
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
