package main

import (
	"sync/atomic"
	"time"
)

// StreamSnapshot is one session's worth of statistics copied out for
// the HTTP JSON/metrics surface (spec §4.8, §6).
type StreamSnapshot struct {
	Name       string
	Role       string // "primary" or "backup"
	IfName     string
	Peer       string
	Format     string
	SampleRate int
	Channels   int
	Expected   uint32
	Lost       int64
	Ignored    bool
	InSync     bool
	Offset     int64
	AverageUs  float64
	StdDevUs   float64
	Uptime     time.Duration
}

// Snapshot is one generation of the published statistics: every live
// stream plus the playout buffer's running total of lost samples.
type Snapshot struct {
	LostTotal int64
	Streams   []StreamSnapshot
}

// snapshotCell is one of the Publisher's three preallocated buffers.
type snapshotCell struct {
	snap Snapshot
}

// Publisher is the lock-free single-producer/single-consumer
// statistics exchange described in spec §4.8/§5/§9: three
// preallocated cells and a single atomic pointer. The ingest thread
// is the only writer (Publish); the HTTP thread is the only reader
// (Load). Because the writer always picks a cell different from the
// one currently published, the reader never observes a cell the
// writer is concurrently mutating — no mutex is needed on this path.
type Publisher struct {
	cells    [3]*snapshotCell
	current  atomic.Pointer[snapshotCell]
	writeIdx int // index of the cell the next Publish writes; ingest-thread-only
}

// NewPublisher returns a Publisher with nothing published yet; Load
// returns a zero-value Snapshot (no streams) until the first Publish.
func NewPublisher() *Publisher {
	p := &Publisher{}
	for i := range p.cells {
		p.cells[i] = &snapshotCell{}
	}
	return p
}

// Publish rotates to the next cell in fixed order (cell1->cell2->
// cell3->cell1, per original_source/httpd.c's httpd_update) and
// atomically swaps it in. Only called from the ingest thread.
//
// Picking "any cell != current" rather than rotating in fixed order
// oscillates between just two of the three cells, since the cell
// vacated by the previous Publish is immediately "!= current" again
// on the next call. Fixed rotation guarantees a cell the reader may
// still be holding survives one full extra generation before it is
// next written.
func (p *Publisher) Publish(snap Snapshot) {
	next := p.cells[p.writeIdx]
	next.snap = snap
	p.current.Store(next)
	p.writeIdx = (p.writeIdx + 1) % len(p.cells)
}

// Load atomically reads the most recently published snapshot. Only
// called from the HTTP thread. Before the first Publish it returns
// an empty snapshot.
func (p *Publisher) Load() Snapshot {
	cell := p.current.Load()
	if cell == nil {
		return Snapshot{}
	}
	return cell.snap
}
