package main

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// App is the process-wide singleton described in spec.md §9 Design
// Notes: the published-cell pointer, the registry, and the current
// sink are genuine one-per-process state, captured here instead of
// as package globals (bar currentLevel in level.go, which predates
// App's construction and is read by every logf call site).
type App struct {
	cli     CLIArgs
	ambient AmbientConfig
	runID   string

	registry     *Registry
	synchronizer *Synchronizer
	publisher    *Publisher
	hooks        *HookRunner
	metrics      *Metrics
	receiver     *Receiver

	sink *nonblockFile
}

// NewApp wires every component together but opens no sockets yet.
func NewApp(cli CLIArgs, ambient AmbientConfig) *App {
	a := &App{
		cli:      cli,
		ambient:  ambient,
		runID:    uuid.NewString(),
		registry: NewRegistry(),
		hooks:    NewHookRunner(cli.ExecOnConnect, cli.ExecOnDisconnect, time.Duration(ambient.Hooks.TimeoutSeconds)*time.Second),
	}
	a.publisher = NewPublisher()
	a.metrics = NewMetrics(a.publisher)
	a.synchronizer = NewSynchronizer(a.registry, a)
	return a
}

// OpenSink satisfies synchronizer.go's Hooks interface: expand the
// pipe path template against the primary's format and open it
// write-only/non-blocking/close-on-exec (spec.md §6).
func (a *App) OpenSink(primary *Session) (Sink, error) {
	path := expandPipeTemplate(a.cli.PipeTemplate, primary.FormatName, primary.SampleRate, primary.Channels)
	f, err := openSinkPipe(path)
	if err != nil {
		return nil, err
	}
	a.sink = f
	return f, nil
}

// RunConnectHook satisfies synchronizer.go's Hooks interface.
func (a *App) RunConnectHook() { a.hooks.RunConnect() }

// closeSink closes the currently open sink, if any, clearing its
// reference. Called by the ingest loop on teardown (spec.md §4.2,
// §4.5's "no streams" signal).
func (a *App) closeSink() {
	if a.sink == nil {
		return
	}
	if err := a.sink.Close(); err != nil {
		logf(levelInfo, "sink close: %v", err)
	}
	a.sink = nil
}

// teardown retires every session, closes the sink, fires the
// disconnect hook and publishes an empty snapshot — the single
// sequence spec.md §4.2/§4.5/§5 describes for both a receive timeout
// and a synchronizer-detected "no streams" transition.
func (a *App) teardown() {
	if a.registry.Len() == 0 && a.sink == nil {
		return
	}
	a.registry.RetireAll()
	a.synchronizer.Playout = nil
	a.closeSink()
	a.hooks.RunDisconnect()
	a.publisher.Publish(Snapshot{})
}

// snapshotNow copies the registry's live sessions into a Snapshot for
// the Publisher, per spec.md §4.8.
func (a *App) snapshotNow() Snapshot {
	sessions := a.registry.Iter()
	snap := Snapshot{Streams: make([]StreamSnapshot, len(sessions))}
	if a.synchronizer.Playout != nil {
		snap.LostTotal = a.synchronizer.Playout.LostTotal()
	}
	for i, s := range sessions {
		role := "backup"
		if i == 0 {
			role = "primary"
		}
		snap.Streams[i] = StreamSnapshot{
			Name:       s.Key.Name,
			Role:       role,
			IfName:     s.IfName,
			Peer:       s.Key.Peer.String(),
			Format:     s.FormatName,
			SampleRate: s.SampleRate,
			Channels:   s.Channels,
			Expected:   s.Expected,
			Lost:       s.Lost,
			Ignored:    s.Ignore,
			InSync:     s.InSync >= 3,
			Offset:     s.Offset,
			AverageUs:  s.DtAverage / 1000,
			StdDevUs:   stddevUs(s.DtVariance),
			Uptime:     s.Uptime(),
		}
	}
	return snap
}

func stddevUs(variance float64) float64 {
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance) / 1000
}

// Run starts the ingest loop and blocks forever. Fatal I/O errors
// exit the process with status 1 (spec.md §6/§7).
func (a *App) Run() error {
	ignoreProcessSignals()

	recvBuf := a.ambient.Socket.RecvBufferBytes
	receiver, err := NewReceiver(a.cli.Port, recvBuf)
	if err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	a.receiver = receiver
	defer receiver.Close()

	statsAddr := a.ambient.HTTP.Addr
	if statsAddr == "" {
		statsAddr = fmt.Sprintf(":%d", a.cli.Port)
	}
	stats, err := NewStatsServer(statsAddr, a.publisher.Load, a.metrics)
	if err != nil {
		return fmt.Errorf("stats server: %w", err)
	}
	go stats.Serve()

	logf(levelInfo, "starting run=%s port=%d pipe=%s stats=%s", a.runID, a.cli.Port, a.cli.PipeTemplate, stats.Addr())

	lastSnapshotSec := int64(0)

	for {
		pkt, err := a.receiver.Recv()
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				logf(levelVerbose, "[%s] %s, dropping datagram", pkt.Peer.String(), perr.Error())
				continue
			}
			return fmt.Errorf("recv: %w", err)
		}
		if pkt == nil {
			// 700ms with nothing received: flush and disconnect all
			// (spec.md §4.2).
			a.teardown()
			continue
		}
		if err := a.ingest(pkt); err != nil {
			return err
		}

		if now := time.Now().Unix(); now != lastSnapshotSec {
			lastSnapshotSec = now
			a.publisher.Publish(a.snapshotNow())
		}
	}
}

// ingest routes one received datagram through the codec, registry,
// session, and synchronizer, per spec.md §2's data-flow summary.
func (a *App) ingest(pkt *Packet) error {
	key := SessionKey{
		IfIndex: pkt.IfIndex,
		Peer:    pkt.Peer,
		Name:    sanitizeStreamName(pkt.Header.RawStreamName),
	}

	session, wasNew := a.registry.GetOrCreate(key, pkt.IfName, pkt.Header, pkt.Payload, pkt.ArrivalNs)
	if wasNew {
		logf(levelInfo, "[%s@%s] connected, %s %dHz %dch from %s",
			key.Name, pkt.IfName, pkt.Header.FormatName, pkt.Header.SampleRate, pkt.Header.Channels, pkt.Peer.String())
	} else {
		outcome, ok := session.Accept(pkt.Header, pkt.Payload, pkt.ArrivalNs)
		if !ok {
			logSeqOutcome(outcome, key)
			return nil
		}
	}

	noStreams, err := a.synchronizer.Process(session)
	if err != nil {
		return fmt.Errorf("sink write: %w", err)
	}
	if noStreams {
		a.teardown()
	}
	return nil
}

func logSeqOutcome(outcome SeqOutcome, key SessionKey) {
	switch outcome {
	case SeqFormatMismatch:
		logf(levelVerbose, "[%s] format mismatch, dropping", key.Name)
	case SeqDuplicate, SeqDuplicateOfPrior:
		logf(levelDebug, "[%s] duplicate packet, dropping", key.Name)
	case SeqTooOld:
		logf(levelDebug, "[%s] out-of-window packet, dropping", key.Name)
	}
}
