package tag

import "sync"

// Scripted is a Gateway controlled directly by the caller: the dev sim
// console drives it from stdin and tests drive presence read by read.
type Scripted struct {
	mu      sync.Mutex
	uid     string
	present bool
	misses  int
	reads   int
}

func NewScripted() *Scripted { return &Scripted{} }

// Present places uid in the field.
func (s *Scripted) Present(uid string) {
	s.mu.Lock()
	s.uid, s.present, s.misses = uid, true, 0
	s.mu.Unlock()
}

// Remove takes the tag out of the field.
func (s *Scripted) Remove() {
	s.mu.Lock()
	s.present, s.misses = false, 0
	s.mu.Unlock()
}

// Miss makes the next n reads report no tag while leaving it present, which
// is how reader flicker looks from the poll loop.
func (s *Scripted) Miss(n int) {
	s.mu.Lock()
	s.misses = n
	s.mu.Unlock()
}

func (s *Scripted) ReadUID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if !s.present {
		return "", false
	}
	if s.misses > 0 {
		s.misses--
		return "", false
	}
	return s.uid, true
}

// Reads is the number of polls seen so far.
func (s *Scripted) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}
