package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newSyncSession(name string, framesPerPacket, sampleRate int, offset int64, lastSeenNs int64) *Session {
	return &Session{
		Key:             SessionKey{Name: name},
		FramesPerPacket: framesPerPacket,
		Channels:        1,
		BytesPerSample:  1,
		SampleRate:      sampleRate,
		DataSize:        framesPerPacket,
		Offset:          offset,
		LastSeenNs:      lastSeenNs,
	}
}

// TestStaleSweepRebasesPrimary reproduces spec.md's rebase example: a
// primary at offset 0 times out while two backups (offsets +5, +12)
// remain live. The new primary (the first surviving backup) becomes
// offset 0, every other survivor's offset shifts by the same delta,
// and the playout position is moved to match.
func TestStaleSweepRebasesPrimary(t *testing.T) {
	reg := NewRegistry()
	p := newSyncSession("primary", 2, 48000, 0, 0)
	b1 := newSyncSession("backup1", 2, 48000, 5, int64(800*1e6))
	b2 := newSyncSession("backup2", 2, 48000, 12, int64(800*1e6))

	reg.index[p.Key] = p
	reg.index[b1.Key] = b1
	reg.index[b2.Key] = b2
	reg.order = []*Session{p, b1, b2}

	sy := NewSynchronizer(reg, nil)
	sy.Playout = NewPlayoutBuffer(4, 1, &fakeSink{})

	noStreams := sy.staleSweep(b1)

	assert.False(t, noStreams)
	assert.Equal(t, 2, reg.Len())
	assert.Same(t, b1, reg.Primary())
	assert.Equal(t, int64(0), b1.Offset)
	assert.Equal(t, int64(7), b2.Offset)
	assert.Equal(t, int64(5), sy.Playout.outpos)
}

// TestStaleSweepLonePrimaryReportsNoStreams covers the case where the
// timed-out session is the only one left: the sweep retires it and
// signals the caller to tear everything down.
func TestStaleSweepLonePrimaryReportsNoStreams(t *testing.T) {
	reg := NewRegistry()
	p := newSyncSession("primary", 2, 48000, 0, 0)
	other := newSyncSession("late", 2, 48000, 0, int64(800*1e6))

	reg.index[p.Key] = p
	reg.order = []*Session{p}

	sy := NewSynchronizer(reg, nil)
	noStreams := sy.staleSweep(other)

	assert.True(t, noStreams)
	assert.Equal(t, 0, reg.Len())
}

// correlatingSessions builds a primary/candidate pair whose payloads
// produce exactly one byte-exact window match, at a controllable
// offset driven by candidate.Expected.
func correlatingSessions() (primary, candidate *Session) {
	primary = newSyncSession("primary", 2, 2000, 0, 0)
	primary.Expected = 100
	primary.Curr = PacketSlot{Payload: []byte{1, 2}}

	candidate = newSyncSession("backup", 2, 2000, 0, 0)
	candidate.Expected = 108
	candidate.Prev = PacketSlot{Payload: []byte{9, 1}}
	candidate.Curr = PacketSlot{Payload: []byte{2, 9}}
	return primary, candidate
}

func TestCorrelateSingleMatch(t *testing.T) {
	primary, candidate := correlatingSessions()
	matches, offset := correlate(primary, candidate)
	assert.Equal(t, 1, matches)
	assert.Equal(t, int64(15), offset)
}

// TestAttemptSyncConverges drives three consecutive matching
// correlations through attemptSync and confirms insync reaches 3 with
// the offset recorded, per spec.md's sync state machine.
func TestAttemptSyncConverges(t *testing.T) {
	reg := NewRegistry()
	primary, backup := correlatingSessions()
	reg.index[primary.Key] = primary
	reg.index[backup.Key] = backup
	reg.order = []*Session{primary, backup}

	sy := NewSynchronizer(reg, nil)

	for i := 0; i < 3; i++ {
		sy.attemptSync(backup)
	}

	assert.Equal(t, int64(3), backup.InSync)
	assert.Equal(t, int64(15), backup.Offset)
}

// TestAttemptSyncOffsetMismatchPauses confirms a correlation that
// matches but disagrees with the previously recorded offset forces
// insync negative (a ~100ms pause) rather than accumulating.
func TestAttemptSyncOffsetMismatchPauses(t *testing.T) {
	reg := NewRegistry()
	primary, backup := correlatingSessions()
	reg.index[primary.Key] = primary
	reg.index[backup.Key] = backup
	reg.order = []*Session{primary, backup}

	sy := NewSynchronizer(reg, nil)
	sy.attemptSync(backup)
	assert.Equal(t, int64(1), backup.InSync)
	assert.Equal(t, int64(15), backup.Offset)

	// A new packet arrives, shifting the correlated offset without
	// changing which window position matches.
	backup.Expected++

	sy.attemptSync(backup)
	assert.Equal(t, -pauseTicks(backup), backup.InSync)
	assert.Equal(t, int64(-100), backup.InSync)
}
