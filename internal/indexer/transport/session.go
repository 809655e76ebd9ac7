package transport

import (
	"context"
	"maps"
	"sync"
)

// Doer executes a request with the given cookies attached.
type Doer interface {
	Do(ctx context.Context, req *Request, cookies map[string]string) (*Response, error)
}

// Session carries the cookies of one fetch across its sequential requests.
type Session struct {
	doer Doer

	mu      sync.Mutex
	cookies map[string]string
	changed bool
}

// NewSession starts a session seeded with cookies, which are copied.
func NewSession(doer Doer, cookies map[string]string) *Session {
	return &Session{doer: doer, cookies: maps.Clone(cookies)}
}

// Do executes req with the session cookies and absorbs any cookies the remote set.
func (s *Session) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := s.doer.Do(ctx, req, s.Cookies())
	if err != nil {
		return nil, err
	}
	if resp.Cookies != nil {
		s.mu.Lock()
		if !maps.Equal(s.cookies, resp.Cookies) {
			s.cookies = maps.Clone(resp.Cookies)
			s.changed = true
		}
		s.mu.Unlock()
	}
	return resp, nil
}

// Cookies returns a copy of the current cookies.
func (s *Session) Cookies() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.cookies)
}

// SetCookies replaces the session cookies.
func (s *Session) SetCookies(cookies map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = maps.Clone(cookies)
	s.changed = true
}

// Changed reports whether the cookies differ from those the session started with.
func (s *Session) Changed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// MarkPersisted resets Changed after the cookies have been stored.
func (s *Session) MarkPersisted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = false
}
