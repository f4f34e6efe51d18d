package main

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, snap Snapshot) *StatsServer {
	t.Helper()
	s, err := NewStatsServer("127.0.0.1:0", func() Snapshot { return snap }, nil)
	require.NoError(t, err)
	go s.Serve()
	t.Cleanup(func() { s.listener.Close() })
	return s
}

func TestHTTPGetReturnsJSONSnapshot(t *testing.T) {
	snap := Snapshot{
		LostTotal: 3,
		Streams: []StreamSnapshot{
			{Name: "mic", Role: "primary"},
		},
	}
	s := startTestServer(t, snap)

	conn, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "200")

	var body wireBody
	require.NoError(t, readHTTPJSONBody(reader, &body))
	assert.Equal(t, int64(3), body.Lost)
	if assert.Len(t, body.Streams, 1) {
		assert.Equal(t, "mic", body.Streams[0].Name)
		assert.Equal(t, "primary", body.Streams[0].Role)
	}
}

func TestHTTPPostRejected(t *testing.T) {
	s := startTestServer(t, Snapshot{})

	conn, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write([]byte("POST / HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "405")
}

// readHTTPJSONBody skips the response headers and decodes the
// remaining bytes as JSON.
func readHTTPJSONBody(reader *bufio.Reader, v interface{}) error {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	dec := json.NewDecoder(reader)
	return dec.Decode(v)
}

// TestMarshalSnapshotEscapesUntrustedNames confirms stream names
// containing quotes, backslashes, newlines and control bytes (which
// can arrive straight off the wire via an attacker-controlled VBAN
// stream name) survive a JSON round-trip intact.
func TestMarshalSnapshotEscapesUntrustedNames(t *testing.T) {
	name := "evil\"\\\n\x01name"
	snap := Snapshot{Streams: []StreamSnapshot{{Name: name, Role: "primary"}}}

	out := marshalSnapshot(snap)

	var body wireBody
	require.NoError(t, json.Unmarshal(out, &body))
	require.Len(t, body.Streams, 1)
	assert.Equal(t, name, body.Streams[0].Name)
}
