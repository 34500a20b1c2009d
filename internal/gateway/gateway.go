// Package gateway implements the userland NAT (C4): for outbound overlay
// frames destined outside the overlay, it opens an ephemeral OS socket per
// flow, forwards the payload, and synthesizes an IPv4+UDP return frame for
// the TUN. Activated only when the node is a gateway or has declared
// services (spec.md §4.4).
//
// UDP is translated; TCP is dropped — a documented limitation carried
// verbatim from the Rust original
// (_examples/original_source/crates/p2p-node/src/gateway.rs, which notes
// that integrating a userland TCP stack was tried and abandoned). Header
// parsing/building uses github.com/google/gopacket/layers, this corpus's
// equivalent of the original's etherparse::PacketBuilder.
package gateway

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/syuink/node/internal/logging"
)

var log = logging.Logger("gateway")

// ReturnTTL is the TTL stamped on synthesized return frames, matching the
// Rust original's PacketBuilder::ipv4(..., 20).
const ReturnTTL = 20

// FlowKey identifies one NAT'd UDP flow.
type FlowKey struct {
	SrcIP   [4]byte
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

type flow struct {
	key      FlowKey
	conn     *net.UDPConn
	lastSeen time.Time
}

// TunWriter is the shared TUN write-half, satisfied by *tun.Device.
type TunWriter interface {
	WritePacket(frame []byte) error
}

// Gateway owns the per-flow UDP socket table.
type Gateway struct {
	mu        sync.Mutex
	flows     map[FlowKey]*flow
	tun       TunWriter
	idleAfter time.Duration
}

// New returns a Gateway that writes return frames to tun and expires idle
// flows after idleAfter (spec.md §3 recommends ≥30s; §9(c) leaves the
// exact value to the implementation).
func New(tun TunWriter, idleAfter time.Duration) *Gateway {
	if idleAfter <= 0 {
		idleAfter = 30 * time.Second
	}
	return &Gateway{flows: make(map[FlowKey]*flow), tun: tun, idleAfter: idleAfter}
}

// HandleFrame parses a raw IPv4 frame read from the TUN. UDP is forwarded
// per-flow; TCP and anything else is dropped silently, matching the
// original's documented limitation.
func (g *Gateway) HandleFrame(frame []byte) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return
	}
	ip4, _ := ipLayer.(*layers.IPv4)

	if ip4.Protocol != layers.IPProtocolUDP {
		return // TCP (and everything else) is dropped: no userland TCP stack.
	}

	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return
	}
	udp, _ := udpLayer.(*layers.UDP)

	var key FlowKey
	copy(key.SrcIP[:], ip4.SrcIP.To4())
	key.SrcPort = uint16(udp.SrcPort)
	copy(key.DstIP[:], ip4.DstIP.To4())
	key.DstPort = uint16(udp.DstPort)

	g.forward(key, udp.Payload)
}

func (g *Gateway) forward(key FlowKey, payload []byte) {
	g.mu.Lock()
	f, ok := g.flows[key]
	if !ok {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{})
		if err != nil {
			g.mu.Unlock()
			log.Warnf("gateway: bind ephemeral socket: %v", err)
			return
		}
		f = &flow{key: key, conn: conn, lastSeen: time.Now()}
		g.flows[key] = f
		g.mu.Unlock()

		log.Infof("new UDP flow %s:%d -> %s:%d", net.IP(key.SrcIP[:]), key.SrcPort, net.IP(key.DstIP[:]), key.DstPort)
		go g.receiveLoop(f)
	} else {
		f.lastSeen = time.Now()
		g.mu.Unlock()
	}

	dst := &net.UDPAddr{IP: net.IP(f.key.DstIP[:]), Port: int(f.key.DstPort)}
	if _, err := f.conn.WriteToUDP(payload, dst); err != nil {
		log.Warnf("gateway: forward to %s: %v", dst, err)
	}
}

// receiveLoop reads responses on a flow's ephemeral socket, synthesizes an
// IPv4+UDP return frame (src = real remote, dst = original overlay
// source), and writes it to the TUN.
func (g *Gateway) receiveLoop(f *flow) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			g.mu.Lock()
			delete(g.flows, f.key)
			g.mu.Unlock()
			return
		}

		remoteIP := addr.IP.To4()
		if remoteIP == nil {
			continue
		}

		returnFrame, err := buildReturnFrame(remoteIP, uint16(addr.Port), net.IP(f.key.SrcIP[:]), f.key.SrcPort, buf[:n])
		if err != nil {
			log.Warnf("gateway: build return frame: %v", err)
			continue
		}
		if err := g.tun.WritePacket(returnFrame); err != nil {
			log.Warnf("gateway: write return frame: %v", err)
		}
	}
}

func buildReturnFrame(srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16, payload []byte) ([]byte, error) {
	ip4 := &layers.IPv4{
		Version:  4,
		TTL:      ReturnTTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip4); err != nil {
		return nil, fmt.Errorf("gateway: set checksum layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip4, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("gateway: serialize: %w", err)
	}
	return buf.Bytes(), nil
}

// GC expires flows idle beyond idleAfter, closing their sockets. Spec.md
// §3 recommends an idle timeout ≥30s; callers should invoke this
// periodically (e.g. every 10s) from the supervisor.
func (g *Gateway) GC() {
	cutoff := time.Now().Add(-g.idleAfter)
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, f := range g.flows {
		if f.lastSeen.Before(cutoff) {
			f.conn.Close()
			delete(g.flows, k)
		}
	}
}

// FlowCount reports the number of active flows (spec.md §8 invariant 6).
func (g *Gateway) FlowCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flows)
}
