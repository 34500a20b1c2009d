// Package reflector implements the multicast reflector (C3): joins local
// mDNS and SSDP multicast groups with address reuse so it coexists with
// OS-native discovery daemons, bridging raw payloads to and from the
// overlay.
//
// Socket setup (ipv4.PacketConn, JoinGroup, SO_REUSEADDR/SO_REUSEPORT) is
// grounded on
// _examples/other_examples/...rcarmo-codebits-tv__internal-mcast-mcast.go
// (NewReceiver) — the only raw-multicast-relay code in the corpus.
package reflector

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"syscall"

	"golang.org/x/net/ipv4"

	"github.com/syuink/node/internal/logging"
)

var log = logging.Logger("reflector")

// Group is one multicast address/port pair the reflector bridges.
type Group struct {
	Name string // "mdns" | "ssdp", carried to the supervisor in Inbound.Group
	Addr string // multicast IP
	Port int
}

// Groups are the two link-scope discovery protocols named in spec.md §4.3.
var Groups = []Group{
	{Name: "mdns", Addr: "224.0.0.251", Port: 5353},
	{Name: "ssdp", Addr: "239.255.255.250", Port: 1900},
}

// Inbound is a payload received from a joined multicast group, destined
// for the overlay broadcast per spec.md §4.3.
type Inbound struct {
	Group   Group
	Payload []byte
}

// Reflector owns one joined socket per Group and fans inbound datagrams
// into a single channel for the supervisor.
type Reflector struct {
	socks []*socket
	In    chan Inbound
}

type socket struct {
	group Group
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
}

// Open joins every group in Groups and starts a read loop for each.
func Open() (*Reflector, error) {
	r := &Reflector{In: make(chan Inbound, 64)}

	for _, g := range Groups {
		s, err := joinGroup(g)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("reflector: join %s: %w", g.Name, err)
		}
		r.socks = append(r.socks, s)
		go r.readLoop(s)
	}

	return r, nil
}

func joinGroup(g Group) (*socket, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			if err := c.Control(func(fd uintptr) {
				if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); e != nil {
					ctrlErr = e
					return
				}
				if runtime.GOOS != "windows" {
					if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEPORT, 1); e != nil {
						ctrlErr = e
					}
				}
			}); err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", g.Port))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected PacketConn type %T", pc)
	}

	pconn := ipv4.NewPacketConn(conn)
	_ = pconn.SetMulticastLoopback(true)

	joined := false
	ip := net.ParseIP(g.Addr)
	ifaces, _ := net.Interfaces()
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pconn.JoinGroup(&ifi, &net.UDPAddr{IP: ip}); err == nil {
			joined = true
			log.Infof("joined %s group %s on %s", g.Name, g.Addr, ifi.Name)
			break
		}
	}
	if !joined {
		log.Warnf("could not join %s group %s on any interface; listening on :%d anyway", g.Name, g.Addr, g.Port)
	}

	return &socket{group: g, conn: conn, pconn: pconn}, nil
}

func (r *Reflector) readLoop(s *socket) {
	buf := make([]byte, 65536)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case r.In <- Inbound{Group: s.group, Payload: payload}:
		default:
			log.Warnf("reflector inbound channel full, dropping %s payload", s.group.Name)
		}
	}
}

// Replay writes payload to the local multicast group matching port. Unknown
// ports are ignored per spec.md §4.3.
func (r *Reflector) Replay(port int, payload []byte) error {
	for _, s := range r.socks {
		if s.group.Port != port {
			continue
		}
		dst := &net.UDPAddr{IP: net.ParseIP(s.group.Addr), Port: s.group.Port}
		_, err := s.conn.WriteToUDP(payload, dst)
		return err
	}
	return nil
}

// Close closes every joined socket.
func (r *Reflector) Close() {
	for _, s := range r.socks {
		if s.pconn != nil {
			s.pconn.Close()
		}
		if s.conn != nil {
			s.conn.Close()
		}
	}
	close(r.In)
}
