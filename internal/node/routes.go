package node

import (
	"sync"

	"github.com/syuink/node/internal/proto"
)

// routeTable is the shared overlay-target-IP -> peer-id mapping consulted
// by the SOCKS5 bridge and the outbound classifier, per spec.md §3/§5:
// "RouteTable (shared snapshot for C7): mutex; updated atomically on
// ServiceUpdate."
type routeTable struct {
	mu     sync.Mutex
	routes map[string]string
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]string)}
}

// replace swaps the whole table atomically, returning the new target set
// (the keys) for C2.
func (t *routeTable) replace(routes map[string]string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = routes
	keys := make([]string, 0, len(routes))
	for ip := range routes {
		keys = append(keys, ip)
	}
	return keys
}

func (t *routeTable) peerForIP(ip string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.routes[ip]
	return id, ok
}

func (t *routeTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}

// buildRouteTable derives the overlay-target-IP -> peer-id mapping from a
// ServiceUpdate's union, per spec.md §3: "unique keys (last writer wins
// within a single ServiceUpdate)" and "a peer's own IP never appears in
// its own RouteTable." selfID is excluded unconditionally so a node never
// routes to itself even if the rendezvous echoes its own advert back.
func buildRouteTable(selfID string, services []proto.PeerService) map[string]string {
	routes := make(map[string]string, len(services))
	for _, svc := range services {
		if svc.PeerID == selfID {
			continue
		}
		routes[svc.IP] = svc.PeerID
	}
	return routes
}
