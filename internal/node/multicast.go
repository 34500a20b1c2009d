package node

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/syuink/node/internal/proto"
	"github.com/syuink/node/internal/reflector"
)

// multicastTTL matches the synthesized-frame TTL used throughout this
// node (gateway return frames, reflector frames), per spec.md §4.3/§4.4.
const multicastTTL = 20

// handleReflectorInbound wraps a (payload, port) tuple observed on a
// joined multicast group into a synthetic IPv4+UDP frame (src = overlay
// IP, dst = the canonical multicast address for that port) and
// distributes it via the rendezvous broadcast, per spec.md §4.3.
func (s *Supervisor) handleReflectorInbound(in reflector.Inbound) {
	srcIP := s.tun.IP()
	dstIP := net.ParseIP(in.Group.Addr).To4()
	if srcIP == nil || dstIP == nil {
		return
	}

	frame, err := buildMulticastFrame(srcIP, dstIP, uint16(in.Group.Port), in.Payload)
	if err != nil {
		log.Warnf("node: build multicast frame: %v", err)
		return
	}
	s.rendezvous.Send(proto.NewBroadcast(s.selfID, frame))
}

// replayIfMulticast is the receive-side half of spec.md §4.3: "On receipt
// of a broadcast-labelled overlay frame, the reflector replays the UDP
// payload onto the local multicast group corresponding to the port."
// Unknown ports are ignored, per spec, via Reflector.Replay's own check.
func (s *Supervisor) replayIfMulticast(frame []byte) {
	if s.refl == nil {
		return
	}
	packet := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return
	}
	ip4, _ := ipLayer.(*layers.IPv4)
	if ip4.Protocol != layers.IPProtocolUDP || !ip4.DstIP.IsMulticast() {
		return
	}
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return
	}
	udp, _ := udpLayer.(*layers.UDP)

	if err := s.refl.Replay(int(udp.DstPort), udp.Payload); err != nil {
		log.Warnf("node: replay to multicast group: %v", err)
	}
}

func buildMulticastFrame(srcIP, dstIP net.IP, port uint16, payload []byte) ([]byte, error) {
	ip4 := &layers.IPv4{
		Version:  4,
		TTL:      multicastTTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(port), DstPort: layers.UDPPort(port)}
	if err := udp.SetNetworkLayerForChecksum(ip4); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip4, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
