package node

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/syuink/node/internal/proto"
	"github.com/syuink/node/internal/socks5"
)

// Connect implements socks5.Connector: opens a tunneled TCP stream at
// peerID by sending TcpConnect and blocking for the matching TcpConnected
// ack, per spec.md §4.7/§4.8.
func (s *Supervisor) Connect(peerID, targetIP string, targetPort uint16) (uint32, bool, error) {
	id := atomic.AddUint32(&s.nextStream, 1)
	st := s.initStreams.create(id, peerID)

	s.rendezvous.Send(proto.TcpConnect{
		Type:       proto.TypeTcpConnect,
		StreamID:   id,
		Source:     s.selfID,
		Target:     peerID,
		TargetIP:   targetIP,
		TargetPort: targetPort,
	})

	select {
	case ack := <-st.ack:
		if !ack.success {
			s.initStreams.remove(id)
		}
		return id, ack.success, nil
	case <-time.After(connectAckTimeout):
		s.initStreams.remove(id)
		return id, false, fmt.Errorf("node: TcpConnect to %s timed out", peerID)
	}
}

// Send implements socks5.Connector: forwards locally-read bytes to the
// stream's target as a TcpData frame.
func (s *Supervisor) Send(streamID uint32, data []byte) {
	st, ok := s.initStreams.get(streamID)
	if !ok {
		return
	}
	s.rendezvous.Send(proto.TcpData{
		Type:     proto.TypeTcpData,
		StreamID: streamID,
		Source:   s.selfID,
		Target:   st.peerID,
		Data:     data,
	})
}

// Close implements socks5.Connector: sends TcpClose and forgets the stream.
func (s *Supervisor) Close(streamID uint32) {
	st, ok := s.initStreams.get(streamID)
	if !ok {
		return
	}
	s.rendezvous.Send(proto.TcpClose{
		Type:     proto.TypeTcpClose,
		StreamID: streamID,
		Source:   s.selfID,
		Target:   st.peerID,
	})
	s.initStreams.remove(streamID)
}

// handleTcpConnect is the target side of spec.md §4.7: "dials the literal
// target host:port, emits TcpConnected, and pumps."
func (s *Supervisor) handleTcpConnect(f *proto.TcpConnect) {
	key := streamKey{initiator: f.Source, id: f.StreamID}
	addr := net.JoinHostPort(f.TargetIP, fmt.Sprintf("%d", f.TargetPort))

	conn, err := net.DialTimeout("tcp", addr, tcpDialTimeout)
	if err != nil {
		s.logDiag("tcp_connect %s->%s failed: %v", f.Source, addr, err)
		s.rendezvous.Send(proto.TcpConnected{Type: proto.TypeTcpConnected, StreamID: f.StreamID, Source: s.selfID, Target: f.Source, Success: false})
		return
	}

	s.inStreams.put(key, &incomingStream{conn: conn})
	s.rendezvous.Send(proto.TcpConnected{Type: proto.TypeTcpConnected, StreamID: f.StreamID, Source: s.selfID, Target: f.Source, Success: true})

	go s.pumpIncoming(key, conn)
}

// pumpIncoming reads the dialed local socket and forwards each chunk as a
// TcpData frame back to the initiator, per spec.md §4.7's bidirectional
// pump. EOF reports the close back to the event loop so the stream table
// mutation stays on the supervisor (spec.md §5).
func (s *Supervisor) pumpIncoming(key streamKey, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.rendezvous.Send(proto.TcpData{Type: proto.TypeTcpData, StreamID: key.id, Source: s.selfID, Target: key.initiator, Data: data})
		}
		if err != nil {
			conn.Close()
			select {
			case s.localTCPClosed <- key:
			default:
			}
			return
		}
	}
}

// handleTcpConnected delivers a connect ack to the blocked Connect call.
func (s *Supervisor) handleTcpConnected(f *proto.TcpConnected) {
	st, ok := s.initStreams.get(f.StreamID)
	if !ok {
		return
	}
	select {
	case st.ack <- connectAck{success: f.Success}:
	default:
	}
}

// handleTcpData routes an inbound payload segment to whichever side of
// the stream this node is on: the SOCKS5 bridge if this node is the
// initiator, or the dialed local socket if this node is the target.
func (s *Supervisor) handleTcpData(f *proto.TcpData) {
	if _, ok := s.initStreams.get(f.StreamID); ok {
		if s.socks != nil {
			s.socks.Deliver(f.StreamID, socks5.Inbound{Data: f.Data})
		}
		return
	}
	key := streamKey{initiator: f.Source, id: f.StreamID}
	if in, ok := s.inStreams.get(key); ok {
		if _, err := in.conn.Write(f.Data); err != nil {
			in.conn.Close()
			s.inStreams.remove(key)
		}
	}
}

// handleTcpCloseFrame tears down whichever side of the stream this node
// owns upon receiving TcpClose.
func (s *Supervisor) handleTcpCloseFrame(f *proto.TcpClose) {
	if _, ok := s.initStreams.get(f.StreamID); ok {
		if s.socks != nil {
			s.socks.Deliver(f.StreamID, socks5.Inbound{Closed: true})
		}
		s.initStreams.remove(f.StreamID)
		return
	}
	key := streamKey{initiator: f.Source, id: f.StreamID}
	if in, ok := s.inStreams.get(key); ok {
		in.conn.Close()
		s.inStreams.remove(key)
	}
}

// handleLocalTCPClosed completes the target-side teardown started by
// pumpIncoming's EOF: removes the table entry and tells the initiator.
func (s *Supervisor) handleLocalTCPClosed(key streamKey) {
	s.inStreams.remove(key)
	s.rendezvous.Send(proto.TcpClose{Type: proto.TypeTcpClose, StreamID: key.id, Source: s.selfID, Target: key.initiator})
}
