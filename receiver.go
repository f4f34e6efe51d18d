package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Packet is one datagram pulled off the wire, with the kernel-supplied
// receive timestamp and arrival interface resolved by Receiver.Recv.
// Grounded in original_source/streams.c's recvvban, which reads both
// out of the recvmsg(2) ancillary data rather than trusting
// userspace-measured arrival time.
type Packet struct {
	Header    Header
	Payload   []byte
	Peer      PeerAddr
	IfIndex   int
	IfName    string
	ArrivalNs int64
}

// Receiver owns the bound UDP socket audio is ingested from. It is a
// thin wrapper over a raw socket rather than net.UDPConn because
// SO_TIMESTAMPNS and IP_PKTINFO ancillary data are only reachable via
// recvmsg(2), which net's UDPConn does not expose.
type Receiver struct {
	fd  int
	buf []byte
}

// NewReceiver opens and binds a UDP socket on port, enabling
// SO_REUSEADDR, a 700ms SO_RCVTIMEO (spec §4.2), SO_TIMESTAMPNS and
// IP_PKTINFO. Grounded in original_source/streams.c's socket setup and
// the teacher's own raw-sockopt style in audio.go's setupDataSocket.
func NewReceiver(port int, rcvBufBytes int) (*Receiver, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	// Accept both v4 and v6 senders on the one socket, matching the
	// dual-stack bind the original C receiver performs.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IPV6_V6ONLY: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if rcvBufBytes > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBufBytes); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("SO_RCVBUF: %w", err)
		}
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 0, Usec: 700_000}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_RCVTIMEO: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_TIMESTAMPNS: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IPV6_RECVPKTINFO: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IP_PKTINFO: %w", err)
	}

	sa := &unix.SockaddrInet6{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind :%d: %w", port, err)
	}

	return &Receiver{fd: fd, buf: make([]byte, 65536)}, nil
}

// Close releases the underlying socket.
func (r *Receiver) Close() error {
	return unix.Close(r.fd)
}

// Recv blocks for up to the socket's SO_RCVTIMEO waiting for one
// datagram. A nil Packet and nil error means the 700ms timeout
// elapsed with nothing received (spec §4.2's "flush and disconnect
// all" trigger). A parse failure is reported via err so the caller
// can log and continue without tearing down live sessions.
func (r *Receiver) Recv() (*Packet, error) {
	oob := make([]byte, 256)
	var n, oobn int
	var from unix.Sockaddr

	for {
		var err error
		n, oobn, _, from, err = unix.Recvmsg(r.fd, r.buf, oob, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue // recoverable: retry, not a timeout (spec §4.2)
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return nil, nil // SO_RCVTIMEO elapsed
			}
			return nil, fmt.Errorf("recvmsg: %w", err)
		}

		arrivalNs, ifIndex, ok := parseAncillary(oob[:oobn])
		if !ok {
			// Missing kernel timestamp or arrival interface: dropped and
			// logged per spec §4.2, not silently defaulted to zero.
			logf(levelVerbose, "dropping datagram: missing SO_TIMESTAMPNS/IP_PKTINFO ancillary data")
			continue
		}

		h, perr := Parse(r.buf[:n])
		peer, ifIndexFromPeer := peerFromSockaddr(from)
		if ifIndex == 0 {
			ifIndex = ifIndexFromPeer
		}
		ifName := ifNameFor(ifIndex)

		var payload []byte
		if perr == nil {
			payload = make([]byte, h.DataSize)
			copy(payload, r.buf[vbanHeaderSize:n])
		}

		pkt := &Packet{
			Header:    h,
			Payload:   payload,
			Peer:      peer,
			IfIndex:   ifIndex,
			IfName:    ifName,
			ArrivalNs: arrivalNs,
		}
		return pkt, perr
	}
}

// parseAncillary walks the recvmsg control-message buffer for
// SCM_TIMESTAMPNS and IP_PKTINFO/IPV6_PKTINFO, matching
// original_source/streams.c's handling of cmsg(3) data. ok is false if
// either record is absent (a malformed oob buffer, or a kernel/socket
// that didn't attach one) — per spec §4.2 that datagram is dropped
// outright rather than carrying a poisoned zero timestamp or
// interface into staleness/EWMA accounting.
func parseAncillary(oob []byte) (arrivalNs int64, ifIndex int, ok bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, 0, false
	}

	haveTs, haveIf := false, false
	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_TIMESTAMPNS:
			if len(m.Data) >= int(unsafe.Sizeof(unix.Timespec{})) {
				ts := *(*unix.Timespec)(unsafe.Pointer(&m.Data[0]))
				arrivalNs = ts.Sec*1e9 + ts.Nsec
				haveTs = true
			}
		case m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_PKTINFO:
			if len(m.Data) >= 4 {
				ifIndex = int(binary.LittleEndian.Uint32(m.Data[0:4]))
				haveIf = true
			}
		case m.Header.Level == unix.IPPROTO_IPV6 && m.Header.Type == unix.IPV6_PKTINFO:
			if len(m.Data) >= 20 {
				ifIndex = int(binary.LittleEndian.Uint32(m.Data[16:20]))
				haveIf = true
			}
		}
	}
	return arrivalNs, ifIndex, haveTs && haveIf
}

func peerFromSockaddr(from unix.Sockaddr) (PeerAddr, int) {
	switch sa := from.(type) {
	case *unix.SockaddrInet4:
		var p PeerAddr
		copy(p.IP[12:], sa.Addr[:])
		p.Port = sa.Port
		return p, 0
	case *unix.SockaddrInet6:
		var p PeerAddr
		copy(p.IP[:], sa.Addr[:])
		p.IsV6 = true
		p.Port = sa.Port
		p.Zone = sa.ZoneId
		return p, int(sa.ZoneId)
	default:
		return PeerAddr{}, 0
	}
}

// ifNameFor resolves a kernel interface index to its name for the
// JSON "ifname" field and log lines, swallowing lookup failures.
func ifNameFor(index int) string {
	if index == 0 {
		return ""
	}
	iface, err := net.InterfaceByIndex(index)
	if err != nil {
		return ""
	}
	return iface.Name
}
