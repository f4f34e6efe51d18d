package main

import (
	"bytes"
	"log"
)

const staleTimeoutMs = 700

// Hooks is the Synchronizer's seam into process-level side effects:
// opening/closing the downstream sink and running the connect/
// disconnect shell hooks (spec §4.5, §6). Implemented by app.go;
// faked in tests.
type Hooks interface {
	OpenSink(primary *Session) (Sink, error)
	RunConnectHook()
}

// Synchronizer implements spec §4.5/§4.6: the stale-session sweep,
// primary election and rebase, and the payload-correlation sync
// state machine that aligns a backup stream's sample offset to the
// primary. Grounded in original_source/vban2pipe.c's run()/
// syncstreams().
type Synchronizer struct {
	Registry *Registry
	Playout  *PlayoutBuffer
	Hooks    Hooks
}

// NewSynchronizer returns a Synchronizer with no playout buffer yet;
// one is allocated when a primary is established.
func NewSynchronizer(registry *Registry, hooks Hooks) *Synchronizer {
	return &Synchronizer{Registry: registry, Hooks: hooks}
}

// Process runs one just-emitted Session through the synchronizer.
// noStreams reports that the last live session (the primary, with no
// backups) has just timed out — the caller must close the sink, run
// the disconnect hook, and publish an empty snapshot (spec §4.2,
// §4.5, §5). err is non-nil only when the sink cannot be opened or a
// sink write fails fatally.
func (sy *Synchronizer) Process(s *Session) (noStreams bool, err error) {
	noStreams = sy.staleSweep(s)

	if s.Ignore {
		return noStreams, nil
	}

	if sy.Registry.Primary() == s {
		if s.InSync < 3 {
			sink, openErr := sy.Hooks.OpenSink(s)
			if openErr != nil {
				return noStreams, openErr
			}
			sy.Playout = NewPlayoutBuffer(s.FramesPerPacket*2, s.FrameSize(), sink)
			sy.Hooks.RunConnectHook()
			s.InSync = 3
			log.Printf("[%s@%s] stream online, primary", s.Key.Name, s.IfName)
			return noStreams, nil
		}
		return noStreams, sy.play(s)
	}

	if s.InSync < 0 {
		s.InSync++
		return noStreams, nil
	}

	if s.InSync < 3 {
		sy.attemptSync(s)
		return noStreams, nil
	}

	return noStreams, sy.play(s)
}

// staleSweep retires every session (other than s) whose last-seen
// time lags s's by at least 700ms, rebasing the playout position and
// every remaining session's offset when the primary itself times
// out. Returns true iff the sole remaining session (the primary) was
// just retired. Grounded in original_source/vban2pipe.c's run().
func (sy *Synchronizer) staleSweep(s *Session) bool {
	candidates := append([]*Session(nil), sy.Registry.Iter()...)

	for _, d := range candidates {
		if d == s {
			continue
		}
		if !sy.stillPresent(d) {
			continue
		}

		lagMs := float64(s.LastSeenNs-d.LastSeenNs) / 1e6
		if lagMs < staleTimeoutMs {
			continue
		}

		if sy.Registry.Primary() != d {
			sy.Registry.Retire(d)
			continue
		}

		if sy.Registry.Len() <= 1 {
			sy.Registry.Retire(d)
			return true
		}

		order := sy.Registry.Iter()
		delta := order[1].Offset
		for _, c := range order {
			if c == d {
				continue
			}
			c.Offset -= delta
		}
		if sy.Playout != nil {
			sy.Playout.MoveOutpos(delta)
		}
		sy.Registry.Retire(d)
	}

	return false
}

func (sy *Synchronizer) stillPresent(target *Session) bool {
	for _, s := range sy.Registry.Iter() {
		if s == target {
			return true
		}
	}
	return false
}

// pauseTicks is the ~100ms-of-packets pause length used when sync
// fails, per spec §4.5: -round(pps/10). original_source/vban2pipe.c
// computes this with truncating integer division; reproduced here
// rather than rounded for behavioral fidelity.
func pauseTicks(s *Session) int64 {
	return int64(s.SampleRate) / int64(s.FramesPerPacket) / 10
}

// attemptSync runs one correlation attempt for a backup session and
// advances its insync state machine (spec §4.5/§4.6). Always leaves
// the packet unplayed — only synced sessions (insync>=3) play audio.
func (sy *Synchronizer) attemptSync(s *Session) {
	primary := sy.Registry.Primary()
	if primary == nil || primary == s {
		return
	}

	matches, offset := correlate(primary, s)
	if matches == 0 {
		matches, offset = correlate(s, primary)
		offset = -offset
	}

	if matches < 0 {
		log.Printf("[%s@%s] stream didnt match primary stream, ignoring", s.Key.Name, s.IfName)
		s.Ignore = true
		return
	}

	if matches != 1 {
		if s.InSync == 0 {
			s.InSync = -pauseTicks(s)
		}
		return
	}

	old := s.InSync
	s.InSync++
	if old != 0 && s.Offset != offset {
		s.InSync = -pauseTicks(s)
		return
	}

	if s.InSync == 3 {
		log.Printf("[%s@%s] stream online, offset %d samples", s.Key.Name, s.IfName, offset)
	}
	s.Offset = offset
}

// correlate implements spec §4.6: slide primary's current payload
// across candidate's last two packets at frame-aligned offsets,
// counting byte-exact matches. matches is -1 on format mismatch, 0 if
// candidate lacks a previous packet or no match was found.
func correlate(primary, candidate *Session) (matches int, offset int64) {
	if primary.FramesPerPacket != candidate.FramesPerPacket ||
		primary.Format != candidate.Format ||
		primary.Channels != candidate.Channels ||
		primary.SampleRate != candidate.SampleRate {
		return -1, 0
	}
	if !candidate.Prev.Present() {
		return 0, 0
	}

	datasize := candidate.DataSize
	w := candidate.BytesPerSample * candidate.Channels

	window := make([]byte, 2*datasize)
	copy(window, candidate.Prev.Payload)
	copy(window[datasize:], candidate.Curr.Payload)

	for i := 0; i <= datasize; i += w {
		if bytes.Equal(primary.Curr.Payload, window[i:i+datasize]) {
			if matches == 0 {
				offset = (int64(candidate.Expected) - 1 - int64(primary.Expected)) * int64(primary.FramesPerPacket)
				offset += int64(i) / int64(w)
			}
			matches++
		}
	}
	return matches, offset
}

// play hands a synced session's unsent packets to the playout
// buffer, per spec §4.5 "Playout call".
func (sy *Synchronizer) play(s *Session) error {
	if s.Prev.Present() && !s.Prev.Sent {
		ts := int64(s.FramesPerPacket)*(int64(s.Expected)-1) - s.Offset
		if err := sy.Playout.Play(ts, s.FramesPerPacket, s.Prev.Payload); err != nil {
			return err
		}
		s.Prev.Sent = true
	}
	if !s.Curr.Sent {
		ts := int64(s.FramesPerPacket)*int64(s.Expected) - s.Offset
		if err := sy.Playout.Play(ts, s.FramesPerPacket, s.Curr.Payload); err != nil {
			return err
		}
		s.Curr.Sent = true
	}
	return nil
}
