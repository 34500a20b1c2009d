package node

import (
	"net"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/syuink/node/internal/overlaynet"
	"github.com/syuink/node/internal/proto"
)

// handleTunFrame classifies one raw IPv4 frame read off the TUN and routes
// it per spec.md §4.8's outbound classification, steps 1-4.
func (s *Supervisor) handleTunFrame(frame []byte) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return
	}
	ip4, _ := ipLayer.(*layers.IPv4)
	dst := ip4.DstIP.To4()
	if dst == nil {
		return
	}

	inOverlay := s.subnet.Contains(dst)
	broadcastOrMulti := s.subnet.IsBroadcast(dst) || overlaynet.IsMulticast(dst)

	// 1. Direct peer within the overlay.
	if inOverlay && !broadcastOrMulti {
		if peer, ok := s.peers.peerForIP(dst); ok {
			s.sendToPeer(peer.ID, frame)
			return
		}
	}

	// 2. Routed external UDP destination.
	if !inOverlay && ip4.Protocol == layers.IPProtocolUDP {
		if peerID, ok := s.routeTable.peerForIP(dst.String()); ok {
			s.rendezvous.Send(proto.NewTunPacket(s.selfID, peerID, frame))
			return
		}
	}

	// 3. Gateway NAT for non-overlay destinations.
	if s.isGateway && s.gw != nil && !inOverlay {
		s.gw.HandleFrame(frame)
		return
	}

	// 4. Everything else (broadcast/multicast, or unresolved overlay dest).
	s.rendezvous.Send(proto.NewBroadcast(s.selfID, frame))
}

// sendToPeer implements spec.md §4.8 step 1's send path: direct transport
// first (datagram, then the transport's own stream fallback), relayed
// TunPacket on failure, with an opportunistic reconnect attempt so a
// later frame can go direct again.
func (s *Supervisor) sendToPeer(peerID string, frame []byte) {
	if s.direct.HasSession(peerID) {
		if err := s.direct.Send(peerID, frame); err == nil {
			return
		}
	}

	s.rendezvous.Send(proto.NewTunPacket(s.selfID, peerID, frame))

	if peer, ok := s.peers.get(peerID); ok && peer.PublicAddr != "" && peer.P2PPort > 0 {
		addr := net.JoinHostPort(peer.PublicAddr, strconv.Itoa(peer.P2PPort))
		go func() {
			if err := s.direct.Connect(peerID, addr); err != nil {
				s.logDiag("direct connect to %s failed: %v", peerID, err)
			}
		}()
	}
}
