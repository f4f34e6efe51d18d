package main

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// PeerAddr is the sender identity half of a Session key. For IPv4,
// equality is (port, ipv4); for IPv6, (port, zone, 16-byte addr) —
// compared as part of SessionKey, the Registry's map key. The
// original C receiver also compares sin6_flowinfo for IPv6 peers;
// golang.org/x/sys/unix's SockaddrInet6 does not surface that field
// from recvmsg(2), so it is not part of the comparison here.
type PeerAddr struct {
	IP   [16]byte
	IsV6 bool
	Port int
	Zone uint32 // IPv6 scope id
}

// String renders the peer the way spec §6's JSON "peer" field and
// original_source/streams.c's log lines do: "ip:port", bracketed for
// IPv6.
func (p PeerAddr) String() string {
	if p.IsV6 {
		ip := net.IP(p.IP[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), p.Port)
	}
	ip := net.IPv4(p.IP[12], p.IP[13], p.IP[14], p.IP[15])
	return fmt.Sprintf("%s:%d", ip.String(), p.Port)
}

// SessionKey is a sender identity: (interface, peer address, stream
// name). See spec §3 "Identity".
type SessionKey struct {
	IfIndex int
	Peer    PeerAddr
	Name    string // sanitized stream name, see streamname.go
}

// PacketSlot holds one buffered packet payload and whether it has
// already been handed to the playout buffer.
type PacketSlot struct {
	Payload []byte
	Sent    bool
}

func (p *PacketSlot) Present() bool { return p.Payload != nil }

// SeqOutcome classifies how Session.Accept resolved a sequence
// number against the session's expected value. See spec §4.4.
type SeqOutcome int

const (
	SeqInOrder SeqOutcome = iota
	SeqDuplicate
	SeqDuplicateOfPrior
	SeqLateRestore
	SeqTooOld
	SeqGap
	SeqFormatMismatch
)

// Session is the per-sender state machine described in spec §3/§4.4:
// sequence tracking, duplicate/restore/drop classification, EWMA/EWMV
// interval statistics, and the two-packet window used for primary/
// backup payload correlation.
type Session struct {
	ID  string // process-local log-correlation id, never on the wire
	Key SessionKey

	IfName string

	FramesPerPacket int
	Format          Format
	FormatName      string
	Channels        int
	SampleRate      int
	BytesPerSample  int
	DataSize        int // FramesPerPacket * BytesPerSample * Channels

	Lost     int64
	Expected uint32

	Curr PacketSlot
	Prev PacketSlot

	FirstSeenNs int64
	LastSeenNs  int64

	Ignore bool
	InSync int64 // see synchronizer.go for the state machine this drives
	Offset int64 // backup->primary sample offset; 0 for the primary

	EWMAAlpha  float64
	DtAverage  float64
	DtVariance float64
}

// FrameSize returns bytes per frame (one sample per channel).
func (s *Session) FrameSize() int {
	return s.BytesPerSample * s.Channels
}

// PacketsPerSecond returns pps = sample_rate / frames_per_packet.
func (s *Session) PacketsPerSecond() float64 {
	return float64(s.SampleRate) / float64(s.FramesPerPacket)
}

// NewSession creates a Session from the first packet received from a
// previously-unknown identity. Per spec §4.4 item 4: expected is set
// to seq+1, the packet is stored in curr, prev starts empty.
func NewSession(key SessionKey, ifName string, h Header, payload []byte, arrivalNs int64) *Session {
	pps := float64(h.SampleRate) / float64(h.FramesPerPacket)
	alpha := 2.0 / (1.0 + 30.0*pps)

	s := &Session{
		ID:              uuid.NewString(),
		Key:             key,
		IfName:          ifName,
		FramesPerPacket: h.FramesPerPacket,
		Format:          h.Format,
		FormatName:      h.FormatName,
		Channels:        h.Channels,
		SampleRate:      h.SampleRate,
		BytesPerSample:  h.BytesPerSample,
		DataSize:        h.DataSize,
		Expected:        h.Sequence + 1,
		Curr:            PacketSlot{Payload: payload},
		FirstSeenNs:     arrivalNs,
		LastSeenNs:      arrivalNs,
		EWMAAlpha:       alpha,
		DtAverage:       1e9 / pps,
		DtVariance:      0,
	}
	return s
}

// formatMatches reports whether h describes the same wire format the
// session was created with (spec §4.4 item 1).
func (s *Session) formatMatches(h Header) bool {
	return h.FramesPerPacket == s.FramesPerPacket &&
		h.Format == s.Format &&
		h.Channels == s.Channels &&
		h.SampleRate == s.SampleRate &&
		h.DataSize == s.DataSize
}

// updateStats folds one inter-arrival sample into the session's
// EWMA/EWMV, per spec §4.4 item 2. Mirrors
// original_source/streams.c:recvvban's dt/dv computation exactly.
func (s *Session) updateStats(arrivalNs int64) {
	dt := float64(arrivalNs - s.LastSeenNs)
	deviation := dt - s.DtAverage
	s.DtVariance = (1 - s.EWMAAlpha) * (s.DtVariance + s.EWMAAlpha*deviation*deviation)
	s.DtAverage = s.EWMAAlpha*dt + (1-s.EWMAAlpha)*s.DtAverage
	s.LastSeenNs = arrivalNs
}

// seqDelta computes the wrap-disambiguated signed distance between a
// received sequence number and the session's expected one, per spec
// §4.4 item 3 and original_source/streams.c:recvvban.
func seqDelta(seq, expected uint32) int64 {
	delta := int64(seq) - int64(expected)
	delta1 := delta + (1 << 32)
	delta2 := delta - (1 << 32)

	if abs64(delta2) < abs64(delta1) {
		delta1 = delta2
	}
	if abs64(delta1) < abs64(delta) {
		delta = delta1
	}
	return delta
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Accept classifies and applies one packet already routed to this
// Session. ok reports whether the packet should be emitted to the
// Synchronizer; outcome explains why for logging. Statistics are
// updated for every packet that passes the format check, regardless
// of sequence outcome, matching the order of operations in spec
// §4.4 (stats update is step 2, sequence classification step 3).
func (s *Session) Accept(h Header, payload []byte, arrivalNs int64) (outcome SeqOutcome, ok bool) {
	if !s.formatMatches(h) {
		return SeqFormatMismatch, false
	}

	s.updateStats(arrivalNs)

	delta := seqDelta(h.Sequence, s.Expected)

	switch {
	case delta == 0:
		s.Prev = s.Curr
		s.Curr = PacketSlot{Payload: payload}
		s.Expected++
		return SeqInOrder, true

	case delta == -1:
		return SeqDuplicate, false

	case delta == -2 && s.Prev.Present():
		return SeqDuplicateOfPrior, false

	case delta == -2 && !s.Prev.Present():
		s.Lost--
		s.Prev = PacketSlot{Payload: payload}
		return SeqLateRestore, true

	case delta < 0:
		return SeqTooOld, false

	default: // delta > 0: gap
		s.Lost += delta
		s.Prev = PacketSlot{}
		s.Curr = PacketSlot{Payload: payload}
		s.Expected = h.Sequence + 1
		return SeqGap, true
	}
}

// Uptime returns the duration between the session's first and last
// accepted packet, used for the JSON "uptime" field (spec §6).
func (s *Session) Uptime() time.Duration {
	return time.Duration(s.LastSeenNs - s.FirstSeenNs)
}
