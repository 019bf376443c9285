package api

import "sync"

// Session holds the signed-in user of one client. There is a single writer
// (the client's authentication flow and its user feed) and any number of
// readers, which may register for change notifications.
type Session struct {
	mu        sync.RWMutex
	current   *User
	listeners map[int]func(*User)
	next      int
}

func NewSession() *Session {
	return &Session{listeners: make(map[int]func(*User))}
}

// Current returns the signed-in user, or nil when signed out.
func (s *Session) Current() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set replaces the signed-in user and notifies listeners. A nil user signs
// the session out.
func (s *Session) Set(user *User) {
	s.mu.Lock()
	s.current = user
	listeners := make([]func(*User), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(user)
	}
}

// Watch registers fn for every later change and returns a function that
// removes it.
func (s *Session) Watch(fn func(*User)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
