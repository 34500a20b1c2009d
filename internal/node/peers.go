package node

import (
	"net"
	"sync"
	"time"
)

// Status values for PeerInfo.Status, per spec.md §4.8 inbound handlers.
const (
	StatusRelay  = "relay"
	StatusDirect = "direct"
)

// PeerInfo is the identity and reachability record for a remote node,
// per spec.md §3. Additionally carries ConnectedAt (first JoinedEvent
// observation), the SPEC_FULL §3 supplement grounded on the teacher's
// state.SeenPeer, used only for diagnostics/uptime reporting.
type PeerInfo struct {
	ID          string
	IP          net.IP
	PublicAddr  string
	P2PPort     int
	Name        string
	OS          string
	Version     string
	DeviceType  string
	IsGateway   bool
	FirstSeen   time.Time
	ConnectedAt time.Time
	Status      string
}

// peerTable is a mutex-guarded id -> PeerInfo map following the teacher's
// state.PeerTable idiom (internal/state/peers.go): a plain map behind one
// mutex, safe for the many goroutines that read it (outbound classifier,
// SOCKS5 route resolver, diagnostics) even though the supervisor's event
// loop remains the only place that decides *when* a peer is added or
// removed.
type peerTable struct {
	mu    sync.Mutex
	peers map[string]*PeerInfo
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*PeerInfo)}
}

// upsert installs or updates a peer from a PeerJoined frame, preserving
// any direct-transport status already observed for that id (spec.md
// §4.8: "insert into PeerInfo (preserving any prior route-status)").
func (t *peerTable) upsert(id string, ip net.IP, publicAddr string, p2pPort int, name, os, version, deviceType string, isGateway bool) PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := StatusRelay
	firstSeen := time.Now()
	if existing, ok := t.peers[id]; ok {
		status = existing.Status
		firstSeen = existing.FirstSeen
	}

	p := &PeerInfo{
		ID:          id,
		IP:          ip,
		PublicAddr:  publicAddr,
		P2PPort:     p2pPort,
		Name:        name,
		OS:          os,
		Version:     version,
		DeviceType:  deviceType,
		IsGateway:   isGateway,
		FirstSeen:   firstSeen,
		ConnectedAt: firstSeen,
		Status:      status,
	}
	t.peers[id] = p
	return *p
}

func (t *peerTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// setStatus updates the transport-status field for an already-known peer,
// returning the updated snapshot and whether the peer was found.
func (t *peerTable) setStatus(id, status string) (PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	p.Status = status
	return *p, true
}

func (t *peerTable) get(id string) (PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// peerForIP finds the peer, if any, whose overlay IP equals ip. Linear
// scan: peer counts in this system are small (per-process overlay
// membership), so no secondary index is warranted.
func (t *peerTable) peerForIP(ip net.IP) (PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		if p.IP.Equal(ip) {
			return *p, true
		}
	}
	return PeerInfo{}, false
}

func (t *peerTable) snapshot() []PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

func (t *peerTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
