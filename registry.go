package main

import (
	"log"
)

// Registry is the ordered set of live sender sessions described in
// spec §4.3. Arrival order defines the primary (position 0), per
// spec §3 Invariants and original_source/streams.c's singly linked
// list (`streams`), reimplemented here as a slice for stable,
// allocation-cheap iteration.
type Registry struct {
	order []*Session
	index map[SessionKey]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[SessionKey]*Session)}
}

// GetOrCreate returns the Session matching key, creating one from h
// if no session with that identity exists yet. wasNew reports which
// branch was taken. A newly created session is appended at the tail
// of arrival order, so it only becomes primary if the registry was
// previously empty.
func (r *Registry) GetOrCreate(key SessionKey, ifName string, h Header, payload []byte, arrivalNs int64) (session *Session, wasNew bool) {
	if s, ok := r.index[key]; ok {
		return s, false
	}

	s := NewSession(key, ifName, h, payload, arrivalNs)
	r.index[key] = s
	r.order = append(r.order, s)
	return s, true
}

// Retire removes session from the registry and releases its packet
// buffers. Logs "offline" per spec §4.3.
func (r *Registry) Retire(s *Session) {
	delete(r.index, s.Key)
	for i, cur := range r.order {
		if cur == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	s.Curr = PacketSlot{}
	s.Prev = PacketSlot{}
	log.Printf("[%s@%s] stream offline", s.Key.Name, s.IfName)
}

// RetireAll tears down every session, e.g. when the ingest loop
// detects no primary remains.
func (r *Registry) RetireAll() {
	for _, s := range r.order {
		s.Curr = PacketSlot{}
		s.Prev = PacketSlot{}
		log.Printf("[%s@%s] stream offline", s.Key.Name, s.IfName)
	}
	r.order = nil
	r.index = make(map[SessionKey]*Session)
}

// Iter returns sessions in arrival order; index 0 is the primary.
// The returned slice aliases internal storage and must not be
// mutated or retained across a Retire/GetOrCreate call.
func (r *Registry) Iter() []*Session {
	return r.order
}

// Primary returns the first-arrived live session, or nil if none.
func (r *Registry) Primary() *Session {
	if len(r.order) == 0 {
		return nil
	}
	return r.order[0]
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	return len(r.order)
}
