// Package socks5 implements the SOCKS5 bridge (C7): a standards-compliant
// subset (no-auth, CONNECT only, IPv4/domain-as-literal-IPv4 address
// types) that resolves a target through the node's RouteTable and pumps
// bytes over a tunneled TCP stream carried by C5.
//
// Wire handling (handshake bytes, request parsing, streamId allocation,
// reply codes, pump-both-directions-then-TcpClose) is grounded on
// _examples/original_source/crates/p2p-node/src/socks5.rs
// (Socks5Server::handle_client), translated from tokio to goroutines +
// channels in the teacher's idiom (one task per accepted connection,
// typed channel per stream).
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/syuink/node/internal/logging"
)

var log = logging.Logger("socks5")

// Reply codes used, per spec.md §6.
const (
	ReplySuccess            = 0x00
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
)

// RouteResolver looks up the peer-id that owns a given overlay-routed IPv4.
type RouteResolver interface {
	PeerForIP(ip net.IP) (peerID string, ok bool)
}

// Connector opens a tunneled TCP stream to a peer and returns its
// streamId, blocking until a TcpConnected reply (or timeout) decides
// success/failure. Implemented by internal/node.
type Connector interface {
	Connect(peerID, targetIP string, targetPort uint16) (streamID uint32, success bool, err error)
	// Send writes a TcpData payload for an already-open stream.
	Send(streamID uint32, data []byte)
	// Close sends TcpClose for a stream.
	Close(streamID uint32)
}

// Inbound is one message delivered to an open stream from the rendezvous
// (TcpData payload, or stream-closed signal).
type Inbound struct {
	Data   []byte
	Closed bool
}

// Server is the SOCKS5 listener. Concurrency: one goroutine per accepted
// connection; per-stream channels are kept in a single mutex-guarded map
// (spec.md §4.7/§5: "per-server mutex").
type Server struct {
	listener net.Listener
	resolver RouteResolver
	conn     Connector

	mu      sync.Mutex
	streams map[uint32]chan Inbound
}

// Listen binds preferably to 127.0.0.1:preferredPort, falling back to an
// ephemeral port if that fails (spec.md §4.7).
func Listen(preferredPort int, resolver RouteResolver, conn Connector) (*Server, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", preferredPort)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		l, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("socks5: listen: %w", err)
		}
		log.Infof("socks5: preferred port %d unavailable, bound %s instead", preferredPort, l.Addr())
	}

	s := &Server{
		listener: l,
		resolver: resolver,
		conn:     conn,
		streams:  make(map[uint32]chan Inbound),
	}
	go s.acceptLoop()
	return s, nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleClient(conn)
	}
}

// Deliver routes an inbound TcpData/TcpClose arrival to the stream's
// channel, called by internal/node when a frame for streamID arrives.
func (s *Server) Deliver(streamID uint32, msg Inbound) {
	s.mu.Lock()
	ch, ok := s.streams[streamID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (s *Server) handleClient(conn net.Conn) {
	defer conn.Close()

	if err := s.greet(conn); err != nil {
		log.Debugf("socks5: greeting failed: %v", err)
		return
	}

	targetIP, targetHost, targetPort, err := s.readRequest(conn)
	if err != nil {
		log.Debugf("socks5: request parse failed: %v", err)
		writeReply(conn, ReplyHostUnreachable)
		return
	}

	peerID, ok := s.resolver.PeerForIP(targetIP)
	if !ok {
		writeReply(conn, ReplyNetworkUnreachable)
		return
	}

	// The stream id is minted by node.Connect (the wire protocol's
	// TcpConnect/TcpData/TcpClose frames carry it), not by this server —
	// s.streams must be keyed on that id so Deliver, which is called with
	// the id off the wire, finds the right channel even when many SOCKS5
	// clients connect concurrently.
	streamID, success, err := s.conn.Connect(peerID, targetHost, targetPort)
	if err != nil || !success {
		writeReply(conn, ReplyHostUnreachable)
		return
	}

	ch := make(chan Inbound, 32)
	s.mu.Lock()
	s.streams[streamID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, streamID)
		s.mu.Unlock()
	}()

	if err := writeReply(conn, ReplySuccess); err != nil {
		return
	}

	s.pump(conn, streamID, ch)
}

func (s *Server) greet(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return err
	}
	if hdr[0] != 0x05 {
		return errors.New("not SOCKS5")
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}
	_, err := conn.Write([]byte{0x05, 0x00}) // no-auth only
	return err
}

func (s *Server) readRequest(conn net.Conn) (net.IP, string, uint16, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return nil, "", 0, err
	}
	if head[1] != 0x01 { // CONNECT only
		return nil, "", 0, errors.New("unsupported command")
	}

	var ip net.IP
	switch head[3] {
	case 0x01: // IPv4
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			return nil, "", 0, err
		}
		ip = net.IP(b)
	case 0x03: // domain, must parse as literal IPv4
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, "", 0, err
		}
		host := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, host); err != nil {
			return nil, "", 0, err
		}
		ip = net.ParseIP(string(host)).To4()
		if ip == nil {
			return nil, "", 0, fmt.Errorf("socks5: domain %q is not a literal IPv4 address", host)
		}
	default:
		return nil, "", 0, errors.New("unsupported address type")
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, "", 0, err
	}
	port := binary.BigEndian.Uint16(portBuf)

	return ip, ip.String(), port, nil
}

// writeReply writes a SOCKS5 CONNECT reply with a zeroed bound-address
// field, per spec.md §6.
func writeReply(conn net.Conn, code byte) error {
	_, err := conn.Write([]byte{0x05, code, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	return err
}

// pump bridges the accepted TCP socket and the tunneled stream: one
// goroutine reads local->remote (TcpData), the main goroutine drains
// remote->local until Closed or EOF.
func (s *Server) pump(conn net.Conn, streamID uint32, ch <-chan Inbound) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				s.conn.Send(streamID, data)
			}
			if err != nil {
				s.conn.Close(streamID)
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok || msg.Closed {
				return
			}
			if _, err := conn.Write(msg.Data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
