package node

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syuink/node/internal/overlaynet"
	"github.com/syuink/node/internal/proto"
)

// fakeTUN is an in-memory stand-in for *tun.Device, recording every
// frame written so outbound-path tests can assert on it directly.
type fakeTUN struct {
	mu      sync.Mutex
	ip      net.IP
	written [][]byte
}

func (f *fakeTUN) IP() net.IP { return f.ip }
func (f *fakeTUN) ReadPacket(buf []byte) (int, error) {
	select {}
}
func (f *fakeTUN) WritePacket(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.written = append(f.written, cp)
	return nil
}

// fakeDirect stands in for *transport.Transport.
type fakeDirect struct {
	mu         sync.Mutex
	sessions   map[string]bool
	sendErr    error
	sent       map[string][][]byte
	connectTo  []string
	connectErr error
}

func newFakeDirect() *fakeDirect {
	return &fakeDirect{sessions: map[string]bool{}, sent: map[string][][]byte{}}
}

func (f *fakeDirect) HasSession(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[peerID]
}

func (f *fakeDirect) Send(peerID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[peerID] = append(f.sent[peerID], frame)
	return nil
}

func (f *fakeDirect) Connect(peerID, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectTo = append(f.connectTo, peerID)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.sessions[peerID] = true
	return nil
}

// fakeRelay stands in for *rendezvous.Client.
type fakeRelay struct {
	mu   sync.Mutex
	sent []any
}

func (f *fakeRelay) Send(frame any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
}

func (f *fakeRelay) last() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeRelay) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeGateway stands in for *gateway.Gateway.
type fakeGateway struct {
	mu      sync.Mutex
	handled [][]byte
	gcCalls int
}

func (f *fakeGateway) HandleFrame(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, frame)
}
func (f *fakeGateway) GC() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gcCalls++
}
func (f *fakeGateway) FlowCount() int { return 0 }

// fakeRoutes stands in for *routetable.Table.
type fakeRoutes struct {
	mu       sync.Mutex
	applied  []net.IP
	cleanups int
}

func (f *fakeRoutes) Apply(desired []net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = desired
	return nil
}
func (f *fakeRoutes) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func newTestSupervisor(t *testing.T, isGateway bool, gw gatewayHandler) (*Supervisor, *fakeDirect, *fakeRelay, *fakeRoutes, *fakeTUN) {
	t.Helper()
	subnet := overlaynet.Default()
	direct := newFakeDirect()
	relayC := &fakeRelay{}
	routes := &fakeRoutes{}
	tunDev := &fakeTUN{ip: net.IPv4(10, 10, 0, 2).To4()}

	s := New(Deps{
		SelfID:    "self",
		Subnet:    subnet,
		IsGateway: isGateway,
		TUN:       tunDev,
		Rendezvous: relayC,
		Direct:    direct,
		Routes:    routes,
		Gateway:   gw,
	})
	return s, direct, relayC, routes, tunDev
}

// buildUDPFrame serializes a raw IPv4+UDP frame the same way
// gateway.buildReturnFrame does, so outbound-classification tests can feed
// handleTunFrame realistic bytes without a kernel TUN device.
func buildUDPFrame(t *testing.T, src, dst net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip4 := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.To4(),
		DstIP:    dst.To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip4))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip4, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestPeerJoinedAndLeftTracksMembership(t *testing.T) {
	s, _, _, _, _ := newTestSupervisor(t, false, nil)

	s.handlePeerJoined(&proto.PeerJoined{ID: "a", IP: "10.10.0.3"})
	s.handlePeerJoined(&proto.PeerJoined{ID: "b", IP: "10.10.0.4"})
	assert.Equal(t, 2, s.peers.len())

	s.handlePeerLeft(&proto.PeerLeft{ID: "a"})
	assert.Equal(t, 1, s.peers.len())
	_, ok := s.peers.get("a")
	assert.False(t, ok)
}

func TestPeerJoinedPreservesDirectStatusAcrossUpdate(t *testing.T) {
	s, _, _, _, _ := newTestSupervisor(t, false, nil)

	s.handlePeerJoined(&proto.PeerJoined{ID: "a", IP: "10.10.0.3"})
	s.handleDirectConnected("a")
	p, ok := s.peers.get("a")
	require.True(t, ok)
	assert.Equal(t, StatusDirect, p.Status)

	s.handlePeerJoined(&proto.PeerJoined{ID: "a", IP: "10.10.0.3", Name: "renamed"})
	p, ok = s.peers.get("a")
	require.True(t, ok)
	assert.Equal(t, StatusDirect, p.Status, "status must survive a re-announce")
}

func TestSubscribePeerUpdatesReplaysExistingPeers(t *testing.T) {
	s, _, _, _, _ := newTestSupervisor(t, false, nil)

	s.handlePeerJoined(&proto.PeerJoined{ID: "a", IP: "10.10.0.3"})
	s.handlePeerJoined(&proto.PeerJoined{ID: "b", IP: "10.10.0.4"})

	ch := make(chan PeerInfo, 4)
	s.SubscribePeerUpdates(ch)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-ch:
			seen[p.ID] = true
		case <-time.After(time.Second):
			t.Fatal("subscribe did not replay known peers")
		}
	}
	assert.True(t, seen["a"] && seen["b"], "subscriber must see peers joined before it subscribed")
}

func TestServiceUpdateBuildsRouteTableExcludingSelf(t *testing.T) {
	s, _, _, routes, _ := newTestSupervisor(t, false, nil)

	s.handleServiceUpdate(&proto.ServiceUpdate{
		Services: []proto.PeerService{
			{PeerID: "self", ServiceDecl: proto.ServiceDecl{IP: "192.168.1.1"}},
			{PeerID: "peer-b", ServiceDecl: proto.ServiceDecl{IP: "192.168.1.2"}},
		},
	})

	_, ok := s.routeTable.peerForIP("192.168.1.1")
	assert.False(t, ok, "a node's own IP must never appear in its own RouteTable")

	owner, ok := s.routeTable.peerForIP("192.168.1.2")
	require.True(t, ok)
	assert.Equal(t, "peer-b", owner)

	assert.Len(t, routes.applied, 1)
}

func TestOutboundPrefersDirectSessionOverRelay(t *testing.T) {
	s, direct, relayC, _, _ := newTestSupervisor(t, false, nil)
	s.handlePeerJoined(&proto.PeerJoined{ID: "peer-b", IP: "10.10.0.3"})
	direct.sessions["peer-b"] = true

	frame := buildUDPFrame(t, net.IPv4(10, 10, 0, 2), net.IPv4(10, 10, 0, 3), 1234, 53, []byte("hi"))
	s.handleTunFrame(frame)

	assert.Len(t, direct.sent["peer-b"], 1)
	assert.Equal(t, 0, relayC.count(), "must not relay when a direct session already carried the frame")
}

func TestOutboundFallsBackToRelayWithoutDirectSession(t *testing.T) {
	s, direct, relayC, _, _ := newTestSupervisor(t, false, nil)
	// The join below kicks off an opportunistic Connect; make it fail so
	// no direct session can appear before the frame is classified.
	direct.connectErr = errors.New("unreachable")
	s.handlePeerJoined(&proto.PeerJoined{ID: "peer-b", IP: "10.10.0.3", PublicAddr: "203.0.113.5", P2PPort: 4000})

	frame := buildUDPFrame(t, net.IPv4(10, 10, 0, 2), net.IPv4(10, 10, 0, 3), 1234, 53, []byte("hi"))
	s.handleTunFrame(frame)

	require.Equal(t, 1, relayC.count())
	tp, ok := relayC.last().(proto.TunPacket)
	require.True(t, ok)
	assert.Equal(t, "peer-b", tp.Target)
}

func TestOutboundBroadcastsWhenUnresolved(t *testing.T) {
	s, _, relayC, _, _ := newTestSupervisor(t, false, nil)

	frame := buildUDPFrame(t, net.IPv4(10, 10, 0, 2), net.IPv4(10, 10, 0, 255), 1234, 53, []byte("hi"))
	s.handleTunFrame(frame)

	require.Equal(t, 1, relayC.count())
	_, ok := relayC.last().(proto.Broadcast)
	assert.True(t, ok)
}

func TestOutboundHandsNonOverlayToGatewayWhenGateway(t *testing.T) {
	gw := &fakeGateway{}
	s, _, relayC, _, _ := newTestSupervisor(t, true, gw)

	frame := buildUDPFrame(t, net.IPv4(10, 10, 0, 2), net.IPv4(8, 8, 8, 8), 5000, 53, []byte("q"))
	s.handleTunFrame(frame)

	assert.Len(t, gw.handled, 1)
	assert.Equal(t, 0, relayC.count())
}

func TestDiagSnapshotReportsCounts(t *testing.T) {
	s, _, _, _, _ := newTestSupervisor(t, false, nil)
	s.handlePeerJoined(&proto.PeerJoined{ID: "a", IP: "10.10.0.3"})

	snap := s.DiagSnapshot()
	assert.Equal(t, 1, snap["peer_count"])
	assert.Equal(t, "self", snap["self_id"])
}
