package main

import (
	"fmt"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// HookRunner detaches connect/disconnect shell hooks, grounded in
// original_source/vban2pipe.c's runhook: fork, exec with argv[0] only,
// log-and-continue on failure. The Go equivalent runs os/exec rather
// than raw fork/exec, but keeps the same "fire and forget, never
// block the ingest loop" contract.
type HookRunner struct {
	onConnect    string
	onDisconnect string
	timeout      time.Duration
}

// NewHookRunner builds a runner for the two optional hook paths from
// the CLI (spec.md §6); either may be empty, in which case the
// corresponding transition is a no-op.
func NewHookRunner(onConnect, onDisconnect string, timeout time.Duration) *HookRunner {
	return &HookRunner{onConnect: onConnect, onDisconnect: onDisconnect, timeout: timeout}
}

// RunConnect fires the connect hook, if configured.
func (h *HookRunner) RunConnect() { h.run(h.onConnect) }

// RunDisconnect fires the disconnect hook, if configured.
func (h *HookRunner) RunDisconnect() { h.run(h.onDisconnect) }

func (h *HookRunner) run(prog string) {
	if prog == "" {
		return
	}
	cmd := exec.Command(prog)
	if err := cmd.Start(); err != nil {
		logf(levelInfo, "hook %s: exec failed: %v", prog, err)
		return
	}
	go h.reap(cmd, prog)
}

// reap waits off-loop so the hook's exit never blocks ingest; a hook
// that outlives timeout is left to SIGCHLD cleanup (ignored at
// process level, see app.go) rather than forcibly killed — matching
// the original's fire-and-forget runhook, which never waits at all.
func (h *HookRunner) reap(cmd *exec.Cmd, prog string) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			logf(levelDebug, "hook %s: exited: %v", prog, err)
		}
	case <-time.After(h.timeout):
		logf(levelDebug, "hook %s: still running after %s", prog, h.timeout)
	}
}

// ignoreProcessSignals matches original_source/vban2pipe.c's
// `signal(SIGPIPE, SIG_IGN); signal(SIGCHLD, SIG_IGN);` — a write to
// a reader-less pipe must return EPIPE rather than kill the daemon,
// and hook children are reaped without an explicit wait.
func ignoreProcessSignals() {
	signal.Ignore(syscall.SIGPIPE, syscall.SIGCHLD)
}

// expandPipeTemplate applies spec.md §6's substitutions: %% -> %,
// %f -> format name, %r -> sample rate, %c -> channel count. Any
// other %X is preserved literally, matching
// original_source/output.c:output_init's character-by-character scan.
func expandPipeTemplate(tmpl string, format string, sampleRate, channels int) string {
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' || i == len(tmpl)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch tmpl[i] {
		case '%':
			b.WriteByte('%')
		case 'f':
			b.WriteString(format)
		case 'r':
			b.WriteString(strconv.Itoa(sampleRate))
		case 'c':
			b.WriteString(strconv.Itoa(channels))
		default:
			b.WriteByte('%')
			i--
		}
	}
	return b.String()
}

// openSinkPipe opens the expanded pipe path write-only, non-blocking,
// close-on-exec, per spec.md §6. Mirrors output_init's open() flags
// exactly.
func openSinkPipe(path string) (*nonblockFile, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &nonblockFile{fd: fd}, nil
}

// nonblockFile adapts a raw non-blocking fd to io.Writer for
// PlayoutBuffer's Sink, surfacing EAGAIN/EWOULDBLOCK the way
// syscall.Errno already does so playout.go's errors.Is check works
// unchanged.
type nonblockFile struct {
	fd int
}

func (f *nonblockFile) Write(p []byte) (int, error) {
	return unix.Write(f.fd, p)
}

func (f *nonblockFile) Close() error {
	return unix.Close(f.fd)
}
