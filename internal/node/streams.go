package node

import (
	"net"
	"sync"
)

// streamKey identifies a tunneled TCP stream by (initiator, streamId),
// per spec.md §3: "StreamId is a monotonically increasing counter local
// to the initiator; uniqueness is only required per initiator."
type streamKey struct {
	initiator string
	id        uint32
}

// initiatorStream is this node's bookkeeping for a stream it opened (it
// is running the SOCKS5 side): the target peer and an ack channel fed once
// by the matching TcpConnected. The channel SOCKS5 drains TcpData/TcpClose
// from is kept by socks5.Server, keyed by stream id.
type initiatorStream struct {
	peerID string
	ack    chan connectAck
}

// connectAck carries the outcome of a TcpConnected reply back to the
// SOCKS5 goroutine blocked in Connector.Connect.
type connectAck struct {
	success bool
}

// incomingStream is this node's bookkeeping for a stream a peer opened
// where this node is the target: the dialed local TCP socket.
type incomingStream struct {
	conn net.Conn
}

// initiatorStreams is the streams-by-id mapping owned by C8 on the
// initiator side (spec.md §3).
type initiatorStreams struct {
	mu      sync.Mutex
	streams map[uint32]*initiatorStream
}

func newInitiatorStreams() *initiatorStreams {
	return &initiatorStreams{streams: make(map[uint32]*initiatorStream)}
}

func (s *initiatorStreams) create(id uint32, peerID string) *initiatorStream {
	st := &initiatorStream{
		peerID: peerID,
		ack:    make(chan connectAck, 1),
	}
	s.mu.Lock()
	s.streams[id] = st
	s.mu.Unlock()
	return st
}

func (s *initiatorStreams) get(id uint32) (*initiatorStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

func (s *initiatorStreams) remove(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, id)
}

func (s *initiatorStreams) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// incomingStreams is the incoming-tcp mapping owned by C8 on the target
// side, keyed by (initiator, streamId) per spec.md §3.
type incomingStreams struct {
	mu      sync.Mutex
	streams map[streamKey]*incomingStream
}

func newIncomingStreams() *incomingStreams {
	return &incomingStreams{streams: make(map[streamKey]*incomingStream)}
}

func (s *incomingStreams) put(k streamKey, st *incomingStream) {
	s.mu.Lock()
	s.streams[k] = st
	s.mu.Unlock()
}

func (s *incomingStreams) get(k streamKey) (*incomingStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[k]
	return st, ok
}

func (s *incomingStreams) remove(k streamKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, k)
}

func (s *incomingStreams) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}
