package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	httpConnTimeout = time.Second
)

// wireStream is the JSON shape of one stream entry in spec.md §6's
// HTTP surface. Field order and the "synchonized" misspelling are
// part of the documented wire contract, not a typo to fix.
type wireStream struct {
	Name         string  `json:"name"`
	Role         string  `json:"role"`
	IfName       string  `json:"ifname"`
	Peer         string  `json:"peer"`
	Format       string  `json:"format"`
	Rate         int     `json:"rate"`
	Channels     int     `json:"channels"`
	Expected     uint32  `json:"expected"`
	Lost         int64   `json:"lost"`
	Ignored      bool    `json:"ignored"`
	Synchonized  bool    `json:"synchonized"`
	Offset       int64   `json:"offset"`
	AverageUs    float64 `json:"average_us"`
	StdDevUs     float64 `json:"stddev_us"`
	Uptime       int64   `json:"uptime"`
}

type wireBody struct {
	Lost    int64        `json:"lost"`
	Streams []wireStream `json:"streams"`
}

func marshalSnapshot(snap Snapshot) []byte {
	body := wireBody{Lost: snap.LostTotal, Streams: make([]wireStream, len(snap.Streams))}
	for i, s := range snap.Streams {
		body.Streams[i] = wireStream{
			Name:        s.Name,
			Role:        s.Role,
			IfName:      s.IfName,
			Peer:        s.Peer,
			Format:      s.Format,
			Rate:        s.SampleRate,
			Channels:    s.Channels,
			Expected:    s.Expected,
			Lost:        s.Lost,
			Ignored:     s.Ignored,
			Synchonized: s.InSync,
			Offset:      s.Offset,
			AverageUs:   s.AverageUs,
			StdDevUs:    s.StdDevUs,
			Uptime:      int64(s.Uptime / time.Second),
		}
	}
	// encoding/json already escapes '"', '\\', control characters
	// (including 0x01) as spec.md §6 requires.
	out, err := json.Marshal(body)
	if err != nil {
		return []byte(`{"lost":0,"streams":[]}`)
	}
	return out
}

// StatsServer is the HTTP/1.0 stats endpoint described in spec.md
// §5/§6, grounded directly in original_source/httpd.c's httpd_accept:
// a single-threaded accept loop, 1-second per-connection timeouts,
// GET-only, HTTP/1.0 response with Connection: close. The only
// supplement is a "/metrics" route for promhttp, kept on the same
// thread so the two-thread concurrency model is preserved.
type StatsServer struct {
	listener net.Listener
	snapshot func() Snapshot
	metrics  *Metrics
}

// NewStatsServer binds addr and returns a server ready for Serve.
func NewStatsServer(addr string, snapshot func() Snapshot, metrics *Metrics) (*StatsServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &StatsServer{listener: l, snapshot: snapshot, metrics: metrics}, nil
}

func (s *StatsServer) Addr() string { return s.listener.Addr().String() }

// Serve runs the accept loop forever. Resource-exhaustion accept
// errors are retried after a 100ms sleep; other accept errors stop
// the loop (spec.md §7 "HTTP transient"/"Other accept errors").
func (s *StatsServer) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isTransientAcceptError(err) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			logf(levelInfo, "httpd: accept error: %v", err)
			return
		}
		s.handle(conn)
	}
}

func (s *StatsServer) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(httpConnTimeout))

	reader := bufio.NewReaderSize(conn, 8192)
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	// Drain the rest of the headers up to the blank line; their
	// content is never inspected (spec.md §6 only validates method).
	for {
		line, err := reader.ReadString('\n')
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	fields := strings.Fields(requestLine)
	if len(fields) < 2 {
		return
	}
	method, path := fields[0], fields[1]

	if !strings.EqualFold(method, "GET") {
		writeHTTP10(conn, "405 Method Not Allowed", "", nil)
		return
	}

	if path == "/metrics" && s.metrics != nil {
		s.metrics.Refresh()
		rec := httptest.NewRecorder()
		promhttp.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		writeHTTP10(conn, "200 OK", rec.Header().Get("Content-Type"), rec.Body.Bytes())
		return
	}

	body := marshalSnapshot(s.snapshot())
	writeHTTP10(conn, "200 OK", "application/json", body)
}

func writeHTTP10(conn net.Conn, status, contentType string, body []byte) {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.0 " + status + "\r\n")
	buf.WriteString("Server: vban2pipe\r\n")
	if contentType != "" {
		buf.WriteString("Content-Type: " + contentType + "\r\n")
	}
	buf.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	buf.WriteString("Connection: close\r\n\r\n")
	buf.Write(body)
	conn.Write(buf.Bytes())
}

// isTransientAcceptError reports the accept(2) conditions spec.md §7
// treats as retryable (resource exhaustion, ECONNABORTED, EINTR) as
// opposed to a fatal error that should stop the HTTP thread.
func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout() || ne.Temporary()
	}
	return false
}
