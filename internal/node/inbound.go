package node

import (
	"net"
	"strconv"

	"github.com/syuink/node/internal/proto"
)

// handleRendezvousFrame dispatches one decoded frame per spec.md §4.8's
// inbound handlers.
func (s *Supervisor) handleRendezvousFrame(v any) {
	switch f := v.(type) {
	case *proto.Broadcast:
		// Loop prevention relies solely on source != self (spec.md §9(b));
		// a second-hop rebroadcast from another peer is not caught here.
		if f.Source == s.selfID {
			return
		}
		s.writeDecoded(f.Data)
		s.replayIfMulticast(f.Data)
	case *proto.TunPacket:
		if f.Target == s.selfID {
			s.writeDecoded(f.Data)
		}
	case *proto.PeerJoined:
		s.handlePeerJoined(f)
	case *proto.PeerLeft:
		s.handlePeerLeft(f)
	case *proto.ServiceUpdate:
		s.handleServiceUpdate(f)
	case *proto.TcpConnect:
		s.handleTcpConnect(f)
	case *proto.TcpConnected:
		s.handleTcpConnected(f)
	case *proto.TcpData:
		s.handleTcpData(f)
	case *proto.TcpClose:
		s.handleTcpCloseFrame(f)
	case *proto.Offer:
		s.logDiag("offer %s->%s received, no transport wired (open question)", f.Source, f.Target)
	case *proto.Answer:
		s.logDiag("answer %s->%s received, no transport wired (open question)", f.Source, f.Target)
	case *proto.Candidate:
		s.logDiag("candidate %s->%s received, no transport wired (open question)", f.Source, f.Target)
	default:
		log.Debugf("node: unhandled rendezvous frame %T", v)
	}
}

func (s *Supervisor) writeDecoded(data []byte) {
	if err := s.tun.WritePacket(data); err != nil {
		log.Warnf("node: tun write: %v", err)
	}
}

// handlePeerJoined inserts/updates PeerInfo, preserving any prior
// route-status, and opportunistically initiates direct transport when
// the peer advertised a reachable endpoint.
func (s *Supervisor) handlePeerJoined(f *proto.PeerJoined) {
	ip := net.ParseIP(f.IP)
	p := s.peers.upsert(f.ID, ip, f.PublicAddr, f.P2PPort, f.Name, f.OS, f.Version, f.DeviceType, f.IsGateway)
	s.emitPeerUpdate(p)

	if f.PublicAddr != "" && f.P2PPort > 0 {
		addr := net.JoinHostPort(f.PublicAddr, strconv.Itoa(f.P2PPort))
		peerID := f.ID
		go func() {
			if err := s.direct.Connect(peerID, addr); err != nil {
				s.logDiag("opportunistic direct connect to %s failed: %v", peerID, err)
			}
		}()
	}
}

func (s *Supervisor) handlePeerLeft(f *proto.PeerLeft) {
	s.peers.remove(f.ID)
	s.emitPeerUpdate(PeerInfo{ID: f.ID})
}

// handleServiceUpdate rebuilds the RouteTable excluding self, pushes the
// new target set to the route applier (C2), per spec.md §4.8.
func (s *Supervisor) handleServiceUpdate(f *proto.ServiceUpdate) {
	routes := buildRouteTable(s.selfID, f.Services)
	keys := s.routeTable.replace(routes)

	desired := make([]net.IP, 0, len(keys))
	for _, k := range keys {
		if ip := net.ParseIP(k); ip != nil {
			desired = append(desired, ip)
		}
	}
	if err := s.routes.Apply(desired); err != nil {
		log.Warnf("node: apply routes: %v", err)
	}
}

// handleDirectConnected sets a peer's transport status to direct.
func (s *Supervisor) handleDirectConnected(peerID string) {
	if p, ok := s.peers.setStatus(peerID, StatusDirect); ok {
		s.emitPeerUpdate(p)
	}
}

// handleDirectDisconnected sets a peer's transport status back to relay.
func (s *Supervisor) handleDirectDisconnected(peerID string) {
	if p, ok := s.peers.setStatus(peerID, StatusRelay); ok {
		s.emitPeerUpdate(p)
	}
}
