package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testKey(name string, port int) SessionKey {
	return SessionKey{Name: name, Peer: PeerAddr{Port: port}}
}

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry()
	h := testHeader(0)
	payload := make([]byte, h.DataSize)

	key := testKey("alpha", 1234)
	s1, wasNew := r.GetOrCreate(key, "eth0", h, payload, 1)
	assert.True(t, wasNew)
	assert.Equal(t, 1, r.Len())

	s2, wasNew := r.GetOrCreate(key, "eth0", h, payload, 2)
	assert.False(t, wasNew)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, r.Len())
}

// TestRegistryArrivalOrder confirms position 0 is always the
// first-arrived session, per spec.md's primary/backup ordering.
func TestRegistryArrivalOrder(t *testing.T) {
	r := NewRegistry()
	h := testHeader(0)
	payload := make([]byte, h.DataSize)

	first, _ := r.GetOrCreate(testKey("p", 1), "eth0", h, payload, 1)
	second, _ := r.GetOrCreate(testKey("b", 2), "eth0", h, payload, 2)

	assert.Same(t, first, r.Primary())
	assert.Equal(t, []*Session{first, second}, r.Iter())
}

func TestRegistryRetire(t *testing.T) {
	r := NewRegistry()
	h := testHeader(0)
	payload := make([]byte, h.DataSize)

	first, _ := r.GetOrCreate(testKey("p", 1), "eth0", h, payload, 1)
	second, _ := r.GetOrCreate(testKey("b", 2), "eth0", h, payload, 2)

	r.Retire(first)
	assert.Equal(t, 1, r.Len())
	assert.Same(t, second, r.Primary())

	_, wasNew := r.GetOrCreate(testKey("p", 1), "eth0", h, payload, 3)
	assert.True(t, wasNew, "retired identity must be recreated, not reused")
}

func TestRegistryRetireAll(t *testing.T) {
	r := NewRegistry()
	h := testHeader(0)
	payload := make([]byte, h.DataSize)

	r.GetOrCreate(testKey("p", 1), "eth0", h, payload, 1)
	r.GetOrCreate(testKey("b", 2), "eth0", h, payload, 2)

	r.RetireAll()
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Primary())
}
